package sshconn

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gliderlabs/ssh"
	gossh "golang.org/x/crypto/ssh"

	"github.com/treykane/hshell/internal/hostkey"
	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/secret"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const goodPassword = "s3cret"

// fakeDecrypter treats "enc:<pw>" as the ciphertext of <pw>.
type fakeDecrypter struct{}

func (fakeDecrypter) Decrypt(ct string) (string, error) {
	if len(ct) > 4 && ct[:4] == "enc:" {
		return ct[4:], nil
	}
	return "", secret.ErrDecrypt
}

type testServer struct {
	srv  *ssh.Server
	port int
	key  gossh.Signer
}

func newSigner(t *testing.T) (gossh.Signer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s, priv
}

// startServer runs an in-process SSH server accepting goodPassword (and
// clientKey when set), forwarding direct-tcpip channels and answering a few
// exec commands.
func startServer(t *testing.T, clientKey gossh.PublicKey) *testServer {
	t.Helper()
	hostKey, _ := newSigner(t)
	srv := &ssh.Server{
		Handler: func(s ssh.Session) {
			switch s.RawCommand() {
			case "echo hello":
				_, _ = io.WriteString(s, "hello\n")
				_ = s.Exit(0)
			case "fail":
				_, _ = io.WriteString(s.Stderr(), "nope\n")
				_ = s.Exit(3)
			default:
				_ = s.Exit(127)
			}
		},
		PasswordHandler: func(_ ssh.Context, pw string) bool { return pw == goodPassword },
		LocalPortForwardingCallback: func(_ ssh.Context, _ string, _ uint32) bool {
			return true
		},
		ChannelHandlers: map[string]ssh.ChannelHandler{
			"session":      ssh.DefaultSessionHandler,
			"direct-tcpip": ssh.DirectTCPIPHandler,
		},
	}
	if clientKey != nil {
		srv.PublicKeyHandler = func(_ ssh.Context, key ssh.PublicKey) bool {
			return ssh.KeysEqual(key, clientKey)
		}
	}
	srv.AddHostKey(hostKey)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })
	return &testServer{srv: srv, port: ln.Addr().(*net.TCPAddr).Port, key: hostKey}
}

// startEcho runs a TCP server that echoes every connection.
func startEcho(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

// startSilent accepts TCP connections and never speaks SSH.
func startSilent(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var held []net.Conn
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			c, err := ln.Accept()
			if err != nil {
				for _, h := range held {
					_ = h.Close()
				}
				return
			}
			held = append(held, c)
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
	})
	return ln.Addr().(*net.TCPAddr).Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func openStore(t *testing.T) *hostkey.Store {
	t.Helper()
	s, err := hostkey.Open(filepath.Join(t.TempDir(), "known_hosts"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func record(port int, tunnels ...model.TunnelSpec) model.ServerRecord {
	return model.ServerRecord{
		ID:       "srv",
		Name:     "test",
		Host:     "127.0.0.1",
		Port:     port,
		Username: "u",
		Password: "enc:" + goodPassword,
		Tunnels:  tunnels,
	}
}

type countingDial struct {
	n atomic.Int32
}

func (d *countingDial) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	d.n.Add(1)
	var nd net.Dialer
	return nd.DialContext(ctx, network, addr)
}

func newConn(t *testing.T, rec model.ServerRecord, store *hostkey.Store, mutate ...func(*Options)) *Conn {
	t.Helper()
	opts := Options{
		Decrypter:    fakeDecrypter{},
		HostKeys:     store,
		ProbeTimeout: 500 * time.Millisecond,
		Logger:       quiet,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c := New(rec, opts)
	t.Cleanup(c.Disconnect)
	return c
}

func roundTrip(t *testing.T, port int, msg string) {
	t.Helper()
	c, err := net.DialTimeout("tcp", (&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}).String(), time.Second)
	if err != nil {
		t.Fatalf("dial tunnel %d: %v", port, err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(3 * time.Second))
	if _, err := c.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Fatalf("echo = %q, want %q", buf, msg)
	}
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
