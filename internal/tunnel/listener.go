// Package tunnel runs the loopback listeners that feed local clients into
// direct-tcpip channels of an SSH connection.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/treykane/hshell/internal/fault"
	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/relay"
	"github.com/treykane/hshell/internal/util"
)

// ChannelOpener opens a direct-tcpip channel to remoteHost:remotePort on
// behalf of the local client at origin.
type ChannelOpener interface {
	OpenChannel(ctx context.Context, remoteHost string, remotePort int, origin string) (net.Conn, error)
}

// Observer is notified about relay activity. Implementations must be safe
// for concurrent use.
type Observer interface {
	RelayOpened()
	RelayClosed(st relay.Stats, err error)
}

type nopObserver struct{}

func (nopObserver) RelayOpened()                   {}
func (nopObserver) RelayClosed(relay.Stats, error) {}

// Options tunes a Listener. Zero values use the package defaults.
type Options struct {
	BufferSize  int
	StopTimeout time.Duration
	Logger      *slog.Logger
	Observer    Observer
}

// Listener accepts local clients for one TunnelSpec.
type Listener struct {
	opener ChannelOpener
	opts   Options
	log    *slog.Logger

	mu      sync.Mutex
	spec    model.TunnelSpec
	state   model.TunnelState
	lastErr string
	ln      net.Listener
	relays  map[string]*relay.Relay
	wg      sync.WaitGroup

	accepted atomic.Int64
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

// New returns an idle listener that opens channels through opener.
func New(opener ChannelOpener, opts Options) *Listener {
	if opts.BufferSize <= 0 {
		opts.BufferSize = util.RelayBufferSize
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = util.TunnelStopTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Listener{
		opener: opener,
		opts:   opts,
		log:    opts.Logger,
		state:  model.TunnelStopped,
		relays: map[string]*relay.Relay{},
	}
}

// Start validates spec, binds 127.0.0.1:LocalPort and starts accepting. A
// listener is started at most once.
func (l *Listener) Start(spec model.TunnelSpec) error {
	l.mu.Lock()
	if l.ln != nil || l.state != model.TunnelStopped || l.spec != (model.TunnelSpec{}) {
		l.mu.Unlock()
		return fmt.Errorf("tunnel %s already started", spec.DisplayName())
	}
	l.spec = spec
	l.state = model.TunnelStarting
	l.log = l.opts.Logger.With("tunnel", spec.DisplayName(), "local", spec.LocalString(), "remote", spec.RemoteString())
	l.mu.Unlock()

	if err := spec.Validate(); err != nil {
		return l.fail(fault.New(fault.Config, "start tunnel", spec.DisplayName(), err))
	}
	ln, err := listen(spec.LocalString())
	if err != nil {
		return l.fail(fault.New(fault.Bind, "start tunnel", spec.DisplayName(), err))
	}

	l.mu.Lock()
	l.ln = ln
	l.state = model.TunnelListening
	l.wg.Add(1)
	l.mu.Unlock()

	go l.acceptLoop(ln)
	l.log.Info("tunnel listening")
	return nil
}

func (l *Listener) fail(err error) error {
	l.mu.Lock()
	l.state = model.TunnelError
	l.lastErr = err.Error()
	l.mu.Unlock()
	l.log.Warn("tunnel failed to start", "error", err)
	return err
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			if l.stopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			l.mu.Lock()
			l.state = model.TunnelError
			l.lastErr = err.Error()
			l.mu.Unlock()
			l.log.Error("accept failed, tunnel stopped", "error", err)
			_ = ln.Close()
			return
		}
		l.accepted.Add(1)

		r := relay.New(c, l.opts.BufferSize, l.log)
		l.mu.Lock()
		if l.state == model.TunnelStopping || l.state == model.TunnelStopped {
			l.mu.Unlock()
			_ = c.Close()
			return
		}
		l.relays[r.ID] = r
		l.wg.Add(1)
		l.mu.Unlock()

		go l.serve(r)
	}
}

func (l *Listener) serve(r *relay.Relay) {
	defer l.wg.Done()
	l.opts.Observer.RelayOpened()
	spec := l.Spec()
	st, err := r.Run(func(ctx context.Context) (net.Conn, error) {
		return l.opener.OpenChannel(ctx, spec.RemoteHost, spec.RemotePort, r.Client)
	})
	l.bytesOut.Add(st.BytesOut)
	l.bytesIn.Add(st.BytesIn)

	l.mu.Lock()
	delete(l.relays, r.ID)
	if err != nil {
		l.lastErr = err.Error()
	}
	l.mu.Unlock()
	l.opts.Observer.RelayClosed(st, err)
}

func (l *Listener) stopping() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == model.TunnelStopping || l.state == model.TunnelStopped
}

// Stop closes the listening socket, cancels every relay and waits up to the
// stop timeout for them to exit. It is idempotent and safe on a listener
// that never started or failed to start.
func (l *Listener) Stop() {
	l.mu.Lock()
	if l.ln == nil || l.state == model.TunnelStopping || l.state == model.TunnelStopped {
		l.mu.Unlock()
		return
	}
	l.state = model.TunnelStopping
	ln := l.ln
	relays := make([]*relay.Relay, 0, len(l.relays))
	for _, r := range l.relays {
		relays = append(relays, r)
	}
	l.mu.Unlock()

	_ = ln.Close()
	for _, r := range relays {
		r.Cancel()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(l.opts.StopTimeout):
		l.log.Warn("tunnel stop timed out", "timeout", l.opts.StopTimeout, "relays", len(relays))
	}

	l.mu.Lock()
	l.state = model.TunnelStopped
	l.mu.Unlock()
	l.log.Info("tunnel stopped", "accepted", l.accepted.Load())
}

// Spec returns the spec passed to Start.
func (l *Listener) Spec() model.TunnelSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.spec
}

// Addr returns the bound address, or nil when not listening.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Status returns a point-in-time view including bytes of active relays.
func (l *Listener) Status() model.TunnelStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	in, out := l.bytesIn.Load(), l.bytesOut.Load()
	for _, r := range l.relays {
		st := r.Stats()
		in += st.BytesIn
		out += st.BytesOut
	}
	return model.TunnelStatus{
		Name:         l.spec.DisplayName(),
		Local:        l.spec.LocalString(),
		Remote:       l.spec.RemoteString(),
		State:        l.state,
		ActiveRelays: len(l.relays),
		Accepted:     l.accepted.Load(),
		BytesIn:      in,
		BytesOut:     out,
		LastError:    l.lastErr,
	}
}
