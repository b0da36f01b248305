package util

import (
	"net"
	"testing"
)

func TestParsePort(t *testing.T) {
	if p, err := ParsePort(" 8080 "); err != nil || p != 8080 {
		t.Fatalf("ParsePort: got %d, %v", p, err)
	}
	for _, bad := range []string{"", "x", "0", "65536", "-1"} {
		if _, err := ParsePort(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 4); got != "abc…" {
		t.Fatalf("unexpected truncate: %q", got)
	}
	if got := Truncate("abc", 4); got != "abc" {
		t.Fatalf("short strings must be kept: %q", got)
	}
}

func TestPortFree(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if PortFree(port) {
		t.Fatalf("port %d is bound but reported free", port)
	}
	_ = ln.Close()
	if !PortFree(port) {
		t.Fatalf("port %d should be free after close", port)
	}
}
