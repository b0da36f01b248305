package relay

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/treykane/hshell/internal/fault"
)

// echoRemote returns the relay's end of a channel whose far side echoes.
func echoRemote() net.Conn {
	relayEnd, remoteEnd := net.Pipe()
	go func() {
		_, _ = io.Copy(remoteEnd, remoteEnd)
		_ = remoteEnd.Close()
	}()
	return relayEnd
}

func TestPipeRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)
	for _, n := range []int{10, 1024, 5000} {
		client, local := net.Pipe()
		payload := make([]byte, n)
		if _, err := rand.Read(payload); err != nil {
			t.Fatal(err)
		}

		type result struct {
			st  Stats
			err error
		}
		done := make(chan result, 1)
		go func() {
			st, err := Pipe(local, echoRemote(), 1024)
			done <- result{st, err}
		}()

		go func() { _, _ = client.Write(payload) }()
		got := make([]byte, n)
		if _, err := io.ReadFull(client, got); err != nil {
			t.Fatalf("n=%d: read echo: %v", n, err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("n=%d: echoed bytes differ", n)
		}
		_ = client.Close()

		select {
		case r := <-done:
			if r.err != nil {
				t.Fatalf("n=%d: pipe: %v", n, r.err)
			}
			if r.st.BytesOut != int64(n) || r.st.BytesIn != int64(n) {
				t.Fatalf("n=%d: stats = %+v", n, r.st)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("n=%d: pipe did not return after client close", n)
		}
	}
}

func TestPipeRemoteCloseClosesClient(t *testing.T) {
	defer goleak.VerifyNone(t)
	client, local := net.Pipe()
	relayEnd, remoteEnd := net.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := Pipe(local, relayEnd, 0)
		done <- err
	}()
	_ = remoteEnd.Close()

	buf := make([]byte, 1)
	if _, err := client.Read(buf); err == nil {
		t.Fatal("expected client read to fail after remote close")
	}
	if err := <-done; err != nil {
		t.Fatalf("pipe: %v", err)
	}
	_ = client.Close()
}

type failingConn struct {
	net.Conn
	err error
}

func (f failingConn) Write([]byte) (int, error) { return 0, f.err }

func TestPipeReportsUnexpectedErrors(t *testing.T) {
	defer goleak.VerifyNone(t)
	client, local := net.Pipe()
	relayEnd, remoteEnd := net.Pipe()
	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		_, err := Pipe(local, failingConn{Conn: relayEnd, err: boom}, 16)
		done <- err
	}()
	go func() { _, _ = client.Write([]byte("hello")) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipe did not return")
	}
	_ = client.Close()
	_ = remoteEnd.Close()
}

func TestRelayCancelStopsRun(t *testing.T) {
	defer goleak.VerifyNone(t)
	client, local := net.Pipe()
	r := New(local, 1024, nil)
	if r.ID == "" {
		t.Fatal("relay id not set")
	}
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(func(context.Context) (net.Conn, error) { return echoRemote(), nil })
		done <- err
	}()

	go func() { _, _ = client.Write([]byte("ping")) }()
	buf := make([]byte, 4)
	if _, err := io.ReadFull(client, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("echo = %q, %v", buf, err)
	}
	r.Cancel()
	r.Cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if st := r.Stats(); st.BytesOut != 4 || st.BytesIn != 4 {
		t.Fatalf("stats = %+v", st)
	}
	_ = client.Close()
}

func TestRelayOpenFailureClosesClient(t *testing.T) {
	defer goleak.VerifyNone(t)
	client, local := net.Pipe()
	r := New(local, 1024, nil)
	_, err := r.Run(func(context.Context) (net.Conn, error) { return nil, errors.New("refused") })
	if !fault.Is(err, fault.Transport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected client to be closed")
	}
	_ = client.Close()
}
