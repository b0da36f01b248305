// Package sshconn owns one authenticated SSH transport and the tunnel
// listeners that ride on it.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/treykane/hshell/internal/fault"
	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/secret"
	"github.com/treykane/hshell/internal/tunnel"
	"github.com/treykane/hshell/internal/util"
)

const keepaliveRequest = "keepalive@openssh.com"

var (
	// ErrAlreadyConnected is returned by Connect on a connected Conn.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrBusy is returned by Connect while a connect or disconnect is running.
	ErrBusy = errors.New("connection is changing state")
)

// HostKeys verifies server host keys during the handshake.
type HostKeys interface {
	HostKeyCallback() ssh.HostKeyCallback
	HostKeyAlgorithms(hostname string) []string
}

// DialFunc opens the TCP connection to the SSH server.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options configures a Conn. HostKeys is required.
type Options struct {
	Decrypter         secret.Decrypter
	HostKeys          HostKeys
	DialTimeout       time.Duration
	KeepaliveInterval time.Duration
	ProbeTimeout      time.Duration
	Tunnel            tunnel.Options
	Logger            *slog.Logger
	Dial              DialFunc
}

// Conn is one SSH connection built from a ServerRecord. The record is fixed
// for the lifetime of the Conn; a changed record needs a new Conn.
type Conn struct {
	record model.ServerRecord
	opts   Options
	log    *slog.Logger

	mu          sync.Mutex
	state       model.ConnState
	client      *ssh.Client
	listeners   []*tunnel.Listener
	connectedAt time.Time
	lastErr     string

	abort      context.CancelFunc
	connecting chan struct{}
	keepalive  context.CancelFunc
	kaDone     chan struct{}

	probeMu  sync.Mutex
	inflight *probeCall
}

// New returns a disconnected Conn for record.
func New(record model.ServerRecord, opts Options) *Conn {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = util.DialTimeout
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = util.KeepaliveInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = util.ProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dial == nil {
		d := &net.Dialer{}
		opts.Dial = d.DialContext
	}
	log := opts.Logger.With("server", record.DisplayName(), "target", record.Target())
	opts.Tunnel.Logger = log
	return &Conn{
		record: record,
		opts:   opts,
		log:    log,
		state:  model.ConnDisconnected,
	}
}

// Record returns the server record this Conn was built from.
func (c *Conn) Record() model.ServerRecord { return c.record }

// State returns the current lifecycle state without probing.
func (c *Conn) State() model.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect authenticates, opens the transport and starts one listener per
// configured tunnel. Tunnel failures are recorded per tunnel and do not fail
// Connect. On error the Conn is left Disconnected holding no sockets.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case model.ConnConnected:
		c.mu.Unlock()
		return ErrAlreadyConnected
	case model.ConnConnecting, model.ConnDisconnecting:
		c.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.state = model.ConnConnecting
	c.abort = cancel
	c.connecting = done
	c.lastErr = ""
	c.mu.Unlock()
	defer close(done)
	defer cancel()

	c.log.Info("connecting")
	client, err := c.establish(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = model.ConnDisconnected
		c.lastErr = err.Error()
		c.abort = nil
		c.mu.Unlock()
		c.log.Warn("connect failed", "kind", fault.KindOf(err), "error", err)
		return err
	}

	listeners := c.startTunnels(client)

	c.mu.Lock()
	if c.state != model.ConnConnecting {
		c.mu.Unlock()
		for _, l := range listeners {
			l.Stop()
		}
		_ = client.Close()
		c.mu.Lock()
		c.state = model.ConnDisconnected
		c.abort = nil
		c.mu.Unlock()
		return fault.New(fault.Transport, "connect", c.record.Target(), context.Canceled)
	}
	kctx, kcancel := context.WithCancel(context.Background())
	kaDone := make(chan struct{})
	c.client = client
	c.listeners = listeners
	c.state = model.ConnConnected
	c.connectedAt = time.Now()
	c.abort = nil
	c.keepalive = kcancel
	c.kaDone = kaDone
	c.mu.Unlock()

	go c.keepaliveLoop(kctx, client, kaDone)
	c.log.Info("connected", "tunnels", len(listeners))
	return nil
}

// establish dials and handshakes. Credentials are resolved first so a bad
// key or password never touches the network.
func (c *Conn) establish(ctx context.Context) (*ssh.Client, error) {
	target := c.record.Target()
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	addr := c.record.Address()

	var trustErr error
	verify := c.opts.HostKeys.HostKeyCallback()
	cfg := &ssh.ClientConfig{
		User: c.record.Username,
		Auth: auth,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := verify(hostname, remote, key); err != nil {
				trustErr = err
				return err
			}
			return nil
		},
		HostKeyAlgorithms: c.opts.HostKeys.HostKeyAlgorithms(addr),
	}

	dctx, dcancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	nc, err := c.opts.Dial(dctx, "tcp", addr)
	dcancel()
	if err != nil {
		return nil, fault.New(fault.Transport, "dial", target, err)
	}

	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if !stop() {
		if err == nil {
			_ = sc.Close()
		}
		return nil, fault.New(fault.Transport, "handshake", target, ctx.Err())
	}
	if err != nil {
		_ = nc.Close()
		switch {
		case trustErr != nil:
			return nil, trustErr
		case isAuthFailure(err):
			return nil, fault.New(fault.Auth, "authenticate", target, err)
		default:
			return nil, fault.New(fault.Transport, "handshake", target, err)
		}
	}
	return ssh.NewClient(sc, chans, reqs), nil
}

func isAuthFailure(err error) bool {
	var sae *ssh.ServerAuthError
	if errors.As(err, &sae) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}

func (c *Conn) startTunnels(client *ssh.Client) []*tunnel.Listener {
	opener := clientOpener{client: client, log: c.log}
	out := make([]*tunnel.Listener, 0, len(c.record.Tunnels))
	for _, spec := range c.record.Tunnels {
		l := tunnel.New(opener, c.opts.Tunnel)
		if err := l.Start(spec); err != nil {
			c.log.Warn("tunnel not started", "tunnel", spec.DisplayName(), "kind", fault.KindOf(err), "error", err)
		}
		out = append(out, l)
	}
	return out
}

func (c *Conn) keepaliveLoop(ctx context.Context, client *ssh.Client, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.opts.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, _, err := client.SendRequest(keepaliveRequest, true, nil); err != nil {
				c.log.Warn("keepalive failed", "error", err)
				return
			}
		}
	}
}

// Disconnect stops keepalives and every listener, then closes the transport. It returns
// once teardown is complete; calls on a Conn that is already disconnected
// or disconnecting return immediately. A Connect in progress is aborted.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	switch c.state {
	case model.ConnConnecting:
		c.state = model.ConnDisconnecting
		abort, done := c.abort, c.connecting
		c.mu.Unlock()
		if abort != nil {
			abort()
		}
		<-done
		c.log.Info("connect aborted")
		return
	case model.ConnConnected:
	default:
		c.mu.Unlock()
		return
	}
	c.state = model.ConnDisconnecting
	client, listeners := c.client, c.listeners
	stopKA, kaDone := c.keepalive, c.kaDone
	c.mu.Unlock()

	if stopKA != nil {
		stopKA()
	}
	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func(l *tunnel.Listener) {
			defer wg.Done()
			l.Stop()
		}(l)
	}
	wg.Wait()
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Debug("transport close", "error", err)
	}
	if kaDone != nil {
		<-kaDone
	}

	c.mu.Lock()
	c.state = model.ConnDisconnected
	c.client = nil
	c.listeners = nil
	c.keepalive = nil
	c.kaDone = nil
	c.connectedAt = time.Time{}
	c.mu.Unlock()
	c.log.Info("disconnected")
}

// IsConnected reports whether the Conn is Connected and its transport
// answers a keepalive within the probe timeout.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	if c.state != model.ConnConnected {
		c.mu.Unlock()
		return false
	}
	client := c.client
	c.mu.Unlock()
	return c.probe(client)
}

// sendKeepalive is swapped by tests.
var sendKeepalive = func(client *ssh.Client) error {
	_, _, err := client.SendRequest(keepaliveRequest, true, nil)
	return err
}

type probeCall struct {
	client *ssh.Client
	done   chan struct{}
	err    error
}

// probe waits up to ProbeTimeout for a keepalive reply. At most one request
// is outstanding per transport: callers arriving while an earlier probe is
// unanswered wait on that one instead of sending another.
func (c *Conn) probe(client *ssh.Client) bool {
	c.probeMu.Lock()
	call := c.inflight
	if call == nil || call.client != client {
		call = &probeCall{client: client, done: make(chan struct{})}
		c.inflight = call
		go func() {
			call.err = sendKeepalive(client)
			c.probeMu.Lock()
			if c.inflight == call {
				c.inflight = nil
			}
			c.probeMu.Unlock()
			close(call.done)
		}()
	}
	c.probeMu.Unlock()

	t := time.NewTimer(c.opts.ProbeTimeout)
	defer t.Stop()
	select {
	case <-call.done:
		return call.err == nil
	case <-t.C:
		return false
	}
}

// OpenChannel opens a direct-tcpip channel through the transport.
func (c *Conn) OpenChannel(ctx context.Context, remoteHost string, remotePort int, origin string) (net.Conn, error) {
	client, err := c.connectedClient("open channel")
	if err != nil {
		return nil, err
	}
	return clientOpener{client: client, log: c.log}.OpenChannel(ctx, remoteHost, remotePort, origin)
}

func (c *Conn) connectedClient(op string) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != model.ConnConnected || c.client == nil {
		return nil, fault.Newf(fault.Transport, op, c.record.Target(), "not connected (state %s)", c.state)
	}
	return c.client, nil
}

// clientOpener binds tunnel listeners to one transport so channels opened
// while Connect is still finishing do not depend on the Conn state.
type clientOpener struct {
	client *ssh.Client
	log    *slog.Logger
}

func (o clientOpener) OpenChannel(ctx context.Context, remoteHost string, remotePort int, origin string) (net.Conn, error) {
	addr := net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))
	ch, err := o.client.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fault.New(fault.Transport, "open channel", addr, err)
	}
	o.log.Debug("channel opened", "remote", addr, "origin", origin)
	return ch, nil
}

// Tunnels returns the status of every configured tunnel of the current
// connection, including those that failed to start.
func (c *Conn) Tunnels() []model.TunnelStatus {
	c.mu.Lock()
	listeners := c.listeners
	c.mu.Unlock()
	out := make([]model.TunnelStatus, 0, len(listeners))
	for _, l := range listeners {
		out = append(out, l.Status())
	}
	return out
}

// Status returns a dashboard view of the connection without probing.
func (c *Conn) Status() model.ServerStatus {
	c.mu.Lock()
	st := model.ServerStatus{
		ID:          c.record.ID,
		Name:        c.record.DisplayName(),
		Target:      c.record.Target(),
		State:       c.state,
		ConnectedAt: c.connectedAt,
		LastError:   c.lastErr,
	}
	c.mu.Unlock()
	if !st.ConnectedAt.IsZero() {
		st.UptimeSec = int64(time.Since(st.ConnectedAt) / time.Second)
	}
	st.Tunnels = c.Tunnels()
	return st
}

func (c *Conn) String() string {
	return fmt.Sprintf("%s (%s)", c.record.DisplayName(), c.State())
}
