package sshconn

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/treykane/hshell/internal/fault"
	"github.com/treykane/hshell/internal/hostkey"
	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/util"
)

func TestConnectPingThenDisconnectRefuses(t *testing.T) {
	srv := startServer(t, nil)
	echo := startEcho(t)
	local := freePort(t)
	c := newConn(t, record(srv.port, model.TunnelSpec{Name: "web", LocalPort: local, RemoteHost: "127.0.0.1", RemotePort: echo}), openStore(t))

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != model.ConnConnected || !c.IsConnected() {
		t.Fatalf("expected connected, state=%s", c.State())
	}
	roundTrip(t, local, "PING")

	tunnels := c.Tunnels()
	if len(tunnels) != 1 || tunnels[0].State != model.TunnelListening || tunnels[0].Accepted != 1 {
		t.Fatalf("tunnels = %+v", tunnels)
	}

	c.Disconnect()
	if c.State() != model.ConnDisconnected || c.IsConnected() {
		t.Fatalf("expected disconnected, state=%s", c.State())
	}
	_, err := net.DialTimeout("tcp", util.LoopbackAddr(local), time.Second)
	if err == nil || !isConnRefused(err) {
		t.Fatalf("expected connection refused after disconnect, got %v", err)
	}
}

func TestConnectTwiceReturnsAlreadyConnected(t *testing.T) {
	srv := startServer(t, nil)
	c := newConn(t, record(srv.port), openStore(t))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second connect = %v", err)
	}
}

func TestDisconnectIdempotentAndConcurrent(t *testing.T) {
	srv := startServer(t, nil)
	c := newConn(t, record(srv.port, model.TunnelSpec{LocalPort: freePort(t), RemoteHost: "127.0.0.1", RemotePort: 9}), openStore(t))
	c.Disconnect()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Disconnect()
		}()
	}
	wg.Wait()
	c.Disconnect()
	if c.State() != model.ConnDisconnected {
		t.Fatalf("state = %s", c.State())
	}
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect after disconnect: %v", err)
	}
}

func TestTwoTunnelsConcurrently(t *testing.T) {
	srv := startServer(t, nil)
	echoA, echoB := startEcho(t), startEcho(t)
	la, lb := freePort(t), freePort(t)
	c := newConn(t, record(srv.port,
		model.TunnelSpec{Name: "a", LocalPort: la, RemoteHost: "127.0.0.1", RemotePort: echoA},
		model.TunnelSpec{Name: "b", LocalPort: lb, RemoteHost: "127.0.0.1", RemotePort: echoB},
	), openStore(t))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, p := range []int{la, lb} {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", util.LoopbackAddr(port), time.Second)
			if err != nil {
				t.Errorf("dial %d: %v", port, err)
				return
			}
			defer conn.Close()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
			payload := bytes.Repeat([]byte(strconv.Itoa(port)), 2000)
			go func() { _, _ = conn.Write(payload) }()
			got := make([]byte, len(payload))
			if _, err := io.ReadFull(conn, got); err != nil {
				t.Errorf("read %d: %v", port, err)
				return
			}
			if !bytes.Equal(got, payload) {
				t.Errorf("tunnel %d: bytes interleaved or corrupted", port)
			}
		}(p)
	}
	wg.Wait()
}

func TestBindConflictDoesNotFailConnect(t *testing.T) {
	srv := startServer(t, nil)
	echo := startEcho(t)
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	taken := busy.Addr().(*net.TCPAddr).Port
	ok := freePort(t)

	c := newConn(t, record(srv.port,
		model.TunnelSpec{Name: "taken", LocalPort: taken, RemoteHost: "127.0.0.1", RemotePort: echo},
		model.TunnelSpec{Name: "ok", LocalPort: ok, RemoteHost: "127.0.0.1", RemotePort: echo},
	), openStore(t))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect should succeed despite one bind failure: %v", err)
	}
	st := c.Tunnels()
	if st[0].State != model.TunnelError || st[1].State != model.TunnelListening {
		t.Fatalf("tunnel states = %s, %s", st[0].State, st[1].State)
	}
	roundTrip(t, ok, "PING")
}

func TestHostKeyMismatchAborts(t *testing.T) {
	srv := startServer(t, nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")
	other, _ := newSigner(t)
	line := knownhosts.Line([]string{knownhosts.Normalize(util.LoopbackAddr(srv.port))}, other.PublicKey())
	if err := os.WriteFile(path, []byte(line+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := hostkey.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	local := freePort(t)
	c := newConn(t, record(srv.port, model.TunnelSpec{LocalPort: local, RemoteHost: "127.0.0.1", RemotePort: 9}), store)

	err = c.Connect(context.Background())
	if !fault.Is(err, fault.Trust) {
		t.Fatalf("expected trust error, got %v", err)
	}
	if c.State() != model.ConnDisconnected {
		t.Fatalf("state = %s", c.State())
	}
	if !util.PortFree(local) {
		t.Fatal("tunnel port bound after failed connect")
	}
	after, _ := os.ReadFile(path)
	if string(after) != line+"\n" {
		t.Fatal("pinned key was modified")
	}
}

func TestHostKeyPinnedOnFirstConnect(t *testing.T) {
	srv := startServer(t, nil)
	store := openStore(t)
	c := newConn(t, record(srv.port), store)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	hosts := store.Hosts()
	if len(hosts) != 1 || hosts[0] != knownhosts.Normalize(util.LoopbackAddr(srv.port)) {
		t.Fatalf("pinned hosts = %v", hosts)
	}
}

func TestAuthFailures(t *testing.T) {
	srv := startServer(t, nil)

	t.Run("wrong password", func(t *testing.T) {
		rec := record(srv.port)
		rec.Password = "enc:wrong"
		c := newConn(t, rec, openStore(t))
		if err := c.Connect(context.Background()); !fault.Is(err, fault.Auth) {
			t.Fatalf("expected auth error, got %v", err)
		}
	})

	t.Run("undecryptable password skips network", func(t *testing.T) {
		rec := record(srv.port)
		rec.Password = "garbage"
		d := &countingDial{}
		c := newConn(t, rec, openStore(t), func(o *Options) { o.Dial = d.dial })
		if err := c.Connect(context.Background()); !fault.Is(err, fault.Auth) {
			t.Fatalf("expected auth error, got %v", err)
		}
		if d.n.Load() != 0 {
			t.Fatal("dialed despite credential failure")
		}
	})

	t.Run("no credentials", func(t *testing.T) {
		rec := record(srv.port)
		rec.Password = ""
		c := newConn(t, rec, openStore(t))
		if err := c.Connect(context.Background()); !fault.Is(err, fault.Auth) {
			t.Fatalf("expected auth error, got %v", err)
		}
	})

	t.Run("missing key file", func(t *testing.T) {
		rec := record(srv.port)
		rec.KeyPath = filepath.Join(t.TempDir(), "id_missing")
		c := newConn(t, rec, openStore(t))
		if err := c.Connect(context.Background()); !fault.Is(err, fault.Auth) {
			t.Fatalf("expected auth error, got %v", err)
		}
	})
}

func TestConnectWithKeyFile(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	sshPub, err := gossh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}

	srv := startServer(t, sshPub)
	rec := record(srv.port)
	rec.Password = ""
	rec.KeyPath = keyPath
	c := newConn(t, rec, openStore(t))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("key auth: %v", err)
	}
}

func TestDialFailureIsTransport(t *testing.T) {
	c := newConn(t, record(freePort(t)), openStore(t))
	err := c.Connect(context.Background())
	if !fault.Is(err, fault.Transport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if c.State() != model.ConnDisconnected {
		t.Fatalf("state = %s", c.State())
	}
}

func TestHandshakeHonorsContext(t *testing.T) {
	c := newConn(t, record(startSilent(t)), openStore(t))
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := c.Connect(ctx)
	if !fault.Is(err, fault.Transport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("handshake was not cancelled")
	}
}

func TestDisconnectAbortsConnectInProgress(t *testing.T) {
	c := newConn(t, record(startSilent(t)), openStore(t))
	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != model.ConnConnecting {
		if time.Now().After(deadline) {
			t.Fatal("connect never started")
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.Disconnect()
	if c.State() != model.ConnDisconnected {
		t.Fatalf("state after abort = %s", c.State())
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Fatal("aborted connect reported success")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return after abort")
	}
}

func TestIsConnectedFalseAfterServerDies(t *testing.T) {
	srv := startServer(t, nil)
	c := newConn(t, record(srv.port), openStore(t))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !c.IsConnected() {
		t.Fatal("expected live connection")
	}
	_ = srv.srv.Close()
	deadline := time.Now().Add(3 * time.Second)
	for c.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("probe still succeeds after server shutdown")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if c.State() != model.ConnConnected {
		t.Fatalf("probe must not change state, got %s", c.State())
	}
}

func TestOpenChannelRequiresConnection(t *testing.T) {
	c := newConn(t, record(1), openStore(t))
	if _, err := c.OpenChannel(context.Background(), "127.0.0.1", 80, "test"); !fault.Is(err, fault.Transport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestRunReturnsExitStatus(t *testing.T) {
	srv := startServer(t, nil)
	c := newConn(t, record(srv.port), openStore(t))
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	var out, errOut bytes.Buffer
	code, err := c.Run(context.Background(), "echo hello", &out, &errOut)
	if err != nil || code != 0 || out.String() != "hello\n" {
		t.Fatalf("run = %d, %v, %q", code, err, out.String())
	}
	out.Reset()
	code, err = c.Run(context.Background(), "fail", &out, &errOut)
	if err != nil || code != 3 || errOut.String() != "nope\n" {
		t.Fatalf("run fail = %d, %v, stderr %q", code, err, errOut.String())
	}
}

func TestIsAuthFailure(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password], no supported methods remain"), true},
		{fmt.Errorf("handshake: %w", &gossh.ServerAuthError{Errors: []error{errors.New("denied")}}), true},
		{errors.New("ssh: handshake failed: EOF"), false},
		{errors.New("read tcp 127.0.0.1:22: connection reset by peer"), false},
	}
	for _, tc := range cases {
		if got := isAuthFailure(tc.err); got != tc.want {
			t.Fatalf("isAuthFailure(%q) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestProbeKeepsOneRequestInFlight(t *testing.T) {
	release := make(chan struct{})
	var sent atomic.Int32
	orig := sendKeepalive
	sendKeepalive = func(*gossh.Client) error {
		sent.Add(1)
		<-release
		return nil
	}
	t.Cleanup(func() { sendKeepalive = orig })

	c := New(record(22), Options{HostKeys: openStore(t), ProbeTimeout: 20 * time.Millisecond, Logger: quiet})
	for i := 0; i < 5; i++ {
		if c.probe(nil) {
			t.Fatal("unanswered probe reported alive")
		}
	}
	if n := sent.Load(); n != 1 {
		t.Fatalf("%d keepalives outstanding, want 1", n)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for !c.probe(nil) {
		if time.Now().After(deadline) {
			t.Fatal("probe never succeeded after the peer answered")
		}
	}
	if n := sent.Load(); n > 2 {
		t.Fatalf("%d keepalives sent, want at most 2", n)
	}
}
