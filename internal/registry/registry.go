// Package registry tracks the configured servers and the live connection of
// each one. It is the single owner of the id -> connection map; whether a
// server is connected is always derived from the connection itself.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/treykane/hshell/internal/config"
	"github.com/treykane/hshell/internal/events"
	"github.com/treykane/hshell/internal/fault"
	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/sshconn"
	"github.com/treykane/hshell/internal/util"
)

var (
	ErrNotFound          = errors.New("server not found")
	ErrConnectInProgress = errors.New("connect already in progress")
	ErrAmbiguous         = errors.New("server name is ambiguous")
)

// Connection is the part of sshconn.Conn the registry drives.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	State() model.ConnState
	Tunnels() []model.TunnelStatus
	Status() model.ServerStatus
}

// Factory builds the connection for one record.
type Factory func(model.ServerRecord) Connection

// Recorder receives lifecycle events.
type Recorder interface {
	Append(events.Event) error
}

// Observer receives counters for failures.
type Observer interface {
	ConnectFailed(kind fault.Kind)
	LivenessFailed()
}

// Toucher records successful connects.
type Toucher interface {
	Touch(id string) error
}

// Saver persists the record list after Add, Update and Delete.
type Saver interface {
	Save([]model.ServerRecord) error
}

// Options wires optional collaborators. Factory is required.
type Options struct {
	Factory  Factory
	Events   Recorder
	Observer Observer
	History  Toucher
	Store    Saver
	Logger   *slog.Logger
	// SweepConcurrency bounds concurrent probes in Sweep.
	SweepConcurrency int
}

type entry struct {
	conn       Connection
	connecting bool
}

// Registry is safe for concurrent use.
type Registry struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	order   []string
	records map[string]model.ServerRecord
	live    map[string]*entry
	lastErr map[string]string
}

// New returns a registry holding records.
func New(records []model.ServerRecord, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = 8
	}
	r := &Registry{
		opts:    opts,
		log:     opts.Logger,
		records: map[string]model.ServerRecord{},
		live:    map[string]*entry{},
		lastErr: map[string]string{},
	}
	for _, rec := range records {
		if _, dup := r.records[rec.ID]; dup || rec.ID == "" {
			r.log.Warn("skipping server record", "name", rec.DisplayName(), "id", rec.ID)
			continue
		}
		r.order = append(r.order, rec.ID)
		r.records[rec.ID] = rec
	}
	return r
}

func (r *Registry) emit(evt events.Event) {
	if r.opts.Events == nil {
		return
	}
	if err := r.opts.Events.Append(evt); err != nil {
		r.log.Debug("failed to record event", "type", evt.EventType, "error", err)
	}
}

func eventFor(rec model.ServerRecord, typ string) events.Event {
	return events.Event{ServerID: rec.ID, Server: rec.DisplayName(), EventType: typ}
}

// Connect opens the connection for id. The entry is registered as
// connecting before any network I/O and removed again if Connect fails.
func (r *Registry) Connect(ctx context.Context, id string) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if e, ok := r.live[id]; ok {
		r.mu.Unlock()
		if e.connecting {
			return ErrConnectInProgress
		}
		return sshconn.ErrAlreadyConnected
	}
	e := &entry{conn: r.opts.Factory(rec), connecting: true}
	r.live[id] = e
	delete(r.lastErr, id)
	r.mu.Unlock()

	r.emit(eventFor(rec, events.ConnectRequested))
	err := e.conn.Connect(ctx)

	r.mu.Lock()
	current := r.live[id] == e
	if err != nil || !current {
		if current {
			delete(r.live, id)
		}
		if err == nil {
			err = fault.Newf(fault.Transport, "connect", rec.Target(), "disconnected while connecting")
		}
		if _, known := r.records[id]; known {
			r.lastErr[id] = err.Error()
		}
		r.mu.Unlock()
		e.conn.Disconnect()

		evt := eventFor(rec, events.ConnectFailed)
		evt.Kind = string(fault.KindOf(err))
		evt.Message = err.Error()
		r.emit(evt)
		if r.opts.Observer != nil {
			r.opts.Observer.ConnectFailed(fault.KindOf(err))
		}
		return err
	}
	e.connecting = false
	r.mu.Unlock()

	r.emit(eventFor(rec, events.ConnectSucceeded))
	for _, ts := range e.conn.Tunnels() {
		evt := eventFor(rec, events.TunnelStarted)
		evt.Tunnel = ts.Name
		if ts.State == model.TunnelError {
			evt.EventType = events.TunnelFailed
			evt.Message = ts.LastError
		}
		r.emit(evt)
	}
	if r.opts.History != nil {
		if err := r.opts.History.Touch(id); err != nil {
			r.log.Debug("failed to update history", "id", id, "error", err)
		}
	}
	return nil
}

// Disconnect tears down and unregisters the connection for id. An id that
// is configured but not connected is a no-op.
func (r *Registry) Disconnect(id string) error {
	r.mu.Lock()
	rec, known := r.records[id]
	e := r.detachLocked(id)
	r.mu.Unlock()
	if e == nil && !known {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.teardown(rec, e)
	return nil
}

// DisconnectAll tears down every live connection concurrently.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = r.Disconnect(id)
		}(id)
	}
	wg.Wait()
}

// IsConnected probes the live connection for id.
func (r *Registry) IsConnected(id string) bool {
	r.mu.Lock()
	e, ok := r.live[id]
	ready := ok && !e.connecting
	r.mu.Unlock()
	if !ready {
		return false
	}
	return e.conn.IsConnected()
}

// Connected lists the ids whose connection reports Connected, in record
// order. It does not probe.
func (r *Registry) Connected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range r.order {
		if e, ok := r.live[id]; ok && !e.connecting && e.conn.State() == model.ConnConnected {
			out = append(out, id)
		}
	}
	return out
}

// ListTunnels returns tunnel statuses for id, or nil when not connected.
func (r *Registry) ListTunnels(id string) ([]model.TunnelStatus, error) {
	r.mu.Lock()
	_, known := r.records[id]
	e, ok := r.live[id]
	r.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !ok {
		return nil, nil
	}
	return e.conn.Tunnels(), nil
}

// Status returns one view per configured server in record order.
func (r *Registry) Status() []model.ServerStatus {
	r.mu.Lock()
	type item struct {
		rec  model.ServerRecord
		e    *entry
		lerr string
	}
	items := make([]item, 0, len(r.order))
	for _, id := range r.order {
		items = append(items, item{rec: r.records[id], e: r.live[id], lerr: r.lastErr[id]})
	}
	r.mu.Unlock()

	out := make([]model.ServerStatus, 0, len(items))
	for _, it := range items {
		if it.e == nil {
			out = append(out, model.ServerStatus{
				ID:        it.rec.ID,
				Name:      it.rec.DisplayName(),
				Target:    it.rec.Target(),
				State:     model.ConnDisconnected,
				LastError: it.lerr,
			})
			continue
		}
		out = append(out, it.e.conn.Status())
	}
	return out
}

// Sweep probes every connected entry concurrently and force-disconnects the
// ones that fail. It returns the removed ids.
func (r *Registry) Sweep(ctx context.Context) []string {
	r.mu.Lock()
	type probe struct {
		id string
		e  *entry
	}
	var probes []probe
	for _, id := range r.order {
		if e, ok := r.live[id]; ok && !e.connecting {
			probes = append(probes, probe{id, e})
		}
	}
	r.mu.Unlock()

	dead := make([]bool, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.SweepConcurrency)
	for i, p := range probes {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			dead[i] = !p.e.conn.IsConnected()
			return nil
		})
	}
	_ = g.Wait()

	var removed []string
	for i, p := range probes {
		if !dead[i] {
			continue
		}
		r.mu.Lock()
		rec := r.records[p.id]
		current := r.live[p.id] == p.e
		if current {
			delete(r.live, p.id)
			r.lastErr[p.id] = "connection lost"
		}
		r.mu.Unlock()
		if !current {
			continue
		}
		p.e.conn.Disconnect()
		removed = append(removed, p.id)

		r.log.Warn("connection failed liveness probe, disconnected", "id", p.id, "server", rec.DisplayName(), "kind", fault.Liveness)
		evt := eventFor(rec, events.LivenessFailed)
		evt.Kind = string(fault.Liveness)
		r.emit(evt)
		if r.opts.Observer != nil {
			r.opts.Observer.LivenessFailed()
		}
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = util.SweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ids := r.Sweep(ctx); len(ids) > 0 {
				r.log.Info("sweep removed dead connections", "count", len(ids))
			}
		}
	}
}

// ConnectMany connects ids concurrently and returns each result.
func (r *Registry) ConnectMany(ctx context.Context, ids []string) map[string]error {
	var (
		mu  sync.Mutex
		out = make(map[string]error, len(ids))
		g   errgroup.Group
	)
	for _, id := range ids {
		g.Go(func() error {
			err := r.Connect(ctx, id)
			mu.Lock()
			out[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Records returns the configured records in order.
func (r *Registry) Records() []model.ServerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordsLocked()
}

func (r *Registry) recordsLocked() []model.ServerRecord {
	out := make([]model.ServerRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.records[id])
	}
	return out
}

// Get returns the record for id.
func (r *Registry) Get(id string) (model.ServerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Resolve finds a record by exact ID, then by case-insensitive name.
func (r *Registry) Resolve(ref string) (model.ServerRecord, error) {
	ref = strings.TrimSpace(ref)
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[ref]; ok {
		return rec, nil
	}
	var found []model.ServerRecord
	for _, id := range r.order {
		if strings.EqualFold(r.records[id].Name, ref) {
			found = append(found, r.records[id])
		}
	}
	switch len(found) {
	case 0:
		return model.ServerRecord{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	case 1:
		return found[0], nil
	default:
		return model.ServerRecord{}, fmt.Errorf("%w: %q matches %d servers", ErrAmbiguous, ref, len(found))
	}
}

// Add validates and appends a record, generating its ID when empty.
func (r *Registry) Add(rec model.ServerRecord) (model.ServerRecord, error) {
	if err := config.ValidateRecord(rec); err != nil {
		return model.ServerRecord{}, fault.New(fault.Config, "add server", rec.DisplayName(), err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	r.mu.Lock()
	if _, dup := r.records[rec.ID]; dup {
		r.mu.Unlock()
		return model.ServerRecord{}, fmt.Errorf("server id %s already exists", rec.ID)
	}
	r.order = append(r.order, rec.ID)
	r.records[rec.ID] = rec
	snapshot := r.recordsLocked()
	r.mu.Unlock()
	return rec, r.save(snapshot)
}

// Update replaces a record. A connected server whose record changed is
// detached in the same critical section that swaps the record, so a connect
// racing with Update never survives on the old record.
func (r *Registry) Update(rec model.ServerRecord) error {
	if err := config.ValidateRecord(rec); err != nil {
		return fault.New(fault.Config, "update server", rec.DisplayName(), err)
	}
	r.mu.Lock()
	old, ok := r.records[rec.ID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	var stale *entry
	if !old.Equal(rec) {
		stale = r.detachLocked(rec.ID)
	}
	r.records[rec.ID] = rec
	snapshot := r.recordsLocked()
	r.mu.Unlock()

	r.teardown(old, stale)
	return r.save(snapshot)
}

// Delete disconnects and removes a record.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	old, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	stale := r.detachLocked(id)
	delete(r.records, id)
	delete(r.lastErr, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	snapshot := r.recordsLocked()
	r.mu.Unlock()

	r.teardown(old, stale)
	return r.save(snapshot)
}

// Replace reconciles against a reloaded record list: live connections whose
// record was removed or changed are disconnected. Nothing is saved.
func (r *Registry) Replace(records []model.ServerRecord) []string {
	next := map[string]model.ServerRecord{}
	var order []string
	for _, rec := range records {
		if _, dup := next[rec.ID]; dup || rec.ID == "" {
			continue
		}
		next[rec.ID] = rec
		order = append(order, rec.ID)
	}

	type detached struct {
		rec model.ServerRecord
		e   *entry
	}
	r.mu.Lock()
	var stale []string
	for id := range r.live {
		nrec, ok := next[id]
		if !ok || !nrec.Equal(r.records[id]) {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	gone := make([]detached, 0, len(stale))
	for _, id := range stale {
		gone = append(gone, detached{rec: r.records[id], e: r.detachLocked(id)})
	}
	r.order = order
	r.records = next
	for id := range r.lastErr {
		if _, ok := next[id]; !ok {
			delete(r.lastErr, id)
		}
	}
	r.mu.Unlock()

	for _, d := range gone {
		r.teardown(d.rec, d.e)
	}
	return stale
}

// detachLocked unregisters the live entry for id, if any. r.mu must be held.
func (r *Registry) detachLocked(id string) *entry {
	e, ok := r.live[id]
	if !ok {
		return nil
	}
	delete(r.live, id)
	return e
}

// teardown disconnects an entry already removed from r.live. A connect still
// in flight on e sees it is no longer current and fails.
func (r *Registry) teardown(rec model.ServerRecord, e *entry) {
	if e == nil {
		return
	}
	e.conn.Disconnect()
	r.emit(eventFor(rec, events.Disconnected))
}

func (r *Registry) save(records []model.ServerRecord) error {
	if r.opts.Store == nil {
		return nil
	}
	if err := r.opts.Store.Save(records); err != nil {
		return fmt.Errorf("save servers: %w", err)
	}
	return nil
}
