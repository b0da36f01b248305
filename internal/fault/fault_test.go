package fault

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	err := New(Bind, "start tunnel", "web", io.ErrUnexpectedEOF)
	wrapped := fmt.Errorf("connect: %w", err)

	if !Is(wrapped, Bind) {
		t.Fatalf("expected bind kind, got %q", KindOf(wrapped))
	}
	if Is(wrapped, Trust) {
		t.Fatal("bind error must not match trust")
	}
	if !errors.Is(wrapped, io.ErrUnexpectedEOF) {
		t.Fatal("cause should stay reachable through Unwrap")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Newf(Config, "start tunnel", "db", "local port %d out of range", 0)
	want := "start tunnel: config error (db): local port 0 out of range"
	if err.Error() != want {
		t.Fatalf("message mismatch\nwant=%q\n got=%q", want, err.Error())
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("unclassified errors have no kind")
	}
	if Is(nil, Config) {
		t.Fatal("nil is never classified")
	}
}
