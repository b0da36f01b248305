// Package relay copies bytes between one accepted local client and one
// direct-tcpip channel until either side finishes.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/treykane/hshell/internal/fault"
	"github.com/treykane/hshell/internal/util"
)

// Stats counts bytes moved by one relay.
type Stats struct {
	// BytesOut is local client -> remote channel.
	BytesOut int64
	// BytesIn is remote channel -> local client.
	BytesIn int64
}

// Pipe relays between local and channel with one buffer of bufSize per
// direction. The first EOF or error on either side closes both ends, and
// Pipe returns only after both copies have finished. End-of-stream and
// closed-connection conditions are a normal finish; anything else is
// returned as a relay error.
func Pipe(local, channel io.ReadWriteCloser, bufSize int) (Stats, error) {
	return pipe(local, channel, bufSize, nil, nil)
}

func pipe(local, channel io.ReadWriteCloser, bufSize int, out, in *atomic.Int64) (Stats, error) {
	if bufSize <= 0 {
		bufSize = util.RelayBufferSize
	}
	if out == nil {
		out = new(atomic.Int64)
	}
	if in == nil {
		in = new(atomic.Int64)
	}
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = local.Close()
			_ = channel.Close()
		})
	}

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return copyCounted(channel, local, make([]byte, bufSize), out)
	})
	g.Go(func() error {
		defer closeBoth()
		return copyCounted(local, channel, make([]byte, bufSize), in)
	})
	err := g.Wait()
	return Stats{BytesOut: out.Load(), BytesIn: in.Load()}, err
}

func copyCounted(dst io.Writer, src io.Reader, buf []byte, n *atomic.Int64) error {
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			n.Add(int64(nw))
			if werr != nil {
				return classify(werr)
			}
			if nw != nr {
				return classify(io.ErrShortWrite)
			}
		}
		if rerr != nil {
			return classify(rerr)
		}
	}
}

// classify drops the errors that only mean "the other side is gone".
func classify(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// Opener opens the remote half of a relay.
type Opener func(ctx context.Context) (net.Conn, error)

// Relay is one client session being pumped through a channel.
type Relay struct {
	ID     string
	Client string

	log     *slog.Logger
	bufSize int
	started time.Time

	mu      sync.Mutex
	local   net.Conn
	channel net.Conn
	ctx     context.Context
	cancel  context.CancelFunc

	out atomic.Int64
	in  atomic.Int64
}

// New prepares a relay for an accepted client. log may be nil.
func New(local net.Conn, bufSize int, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	client := ""
	if a := local.RemoteAddr(); a != nil {
		client = a.String()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		ID:      id,
		Client:  client,
		log:     log.With("relay", id, "client", client),
		bufSize: bufSize,
		local:   local,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run opens the channel with open and relays until either side finishes.
// It always closes the local connection before returning.
func (r *Relay) Run(open Opener) (Stats, error) {
	r.started = time.Now()
	ch, err := open(r.ctx)
	if err != nil {
		_ = r.local.Close()
		r.log.Warn("open channel failed", "error", err)
		return Stats{}, fault.New(fault.Transport, "open channel", r.Client, err)
	}

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		_ = ch.Close()
		_ = r.local.Close()
		return Stats{}, nil
	}
	r.channel = ch
	r.mu.Unlock()

	r.log.Debug("relay started")
	st, err := pipe(r.local, ch, r.bufSize, &r.out, &r.in)
	if err != nil {
		r.log.Warn("relay ended with error", "error", err, "bytes_out", st.BytesOut, "bytes_in", st.BytesIn)
		return st, fault.New(fault.Relay, "relay", r.Client, err)
	}
	r.log.Debug("relay finished", "bytes_out", st.BytesOut, "bytes_in", st.BytesIn, "duration", time.Since(r.started))
	return st, nil
}

// Stats returns the bytes moved so far.
func (r *Relay) Stats() Stats {
	return Stats{BytesOut: r.out.Load(), BytesIn: r.in.Load()}
}

// Cancel force-closes both ends. It is safe to call at any point and more
// than once.
func (r *Relay) Cancel() {
	r.cancel()
	r.mu.Lock()
	ch := r.channel
	r.mu.Unlock()
	_ = r.local.Close()
	if ch != nil {
		_ = ch.Close()
	}
}
