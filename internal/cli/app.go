package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/treykane/hshell/internal/appconfig"
	"github.com/treykane/hshell/internal/bundle"
	"github.com/treykane/hshell/internal/config"
	"github.com/treykane/hshell/internal/events"
	"github.com/treykane/hshell/internal/history"
	"github.com/treykane/hshell/internal/hostkey"
	"github.com/treykane/hshell/internal/metrics"
	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/registry"
	"github.com/treykane/hshell/internal/secret"
	"github.com/treykane/hshell/internal/security"
	"github.com/treykane/hshell/internal/sshconn"
	"github.com/treykane/hshell/internal/tunnel"
)

// app holds the stores and collaborators one command invocation works with.
type app struct {
	cfg     appconfig.Config
	paths   appconfig.Paths
	servers *config.Store
	box     *secret.Box
	events  *events.Store
	history *history.Store
	bundles *bundle.Store
	metrics *metrics.Collector
	log     *slog.Logger

	keys *hostkey.Store // opened on first use
}

func loadApp(cfg appconfig.Config) (*app, error) {
	paths, err := cfg.DataPaths()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(paths.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &app{
		cfg:     cfg,
		paths:   paths,
		servers: config.NewStore(paths.Servers),
		box:     secret.NewBox(paths.SecretKey),
		events:  events.NewStore(paths.Events),
		history: history.NewStore(paths.History),
		bundles: bundle.NewStore(paths.Bundles),
		metrics: metrics.NewCollector(),
		log:     slog.Default(),
	}, nil
}

// records loads servers.json and logs load warnings.
func (a *app) records() ([]model.ServerRecord, error) {
	recs, warnings, err := a.servers.Load()
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		a.log.Warn("servers.json", "warning", w)
	}
	return recs, nil
}

func (a *app) hostKeys() (*hostkey.Store, error) {
	if a.keys != nil {
		return a.keys, nil
	}
	var opts []hostkey.Option
	if a.cfg.Security.SystemKnownHosts {
		if home, err := os.UserHomeDir(); err == nil {
			opts = append(opts, hostkey.WithSystemKnownHosts(filepath.Join(home, ".ssh", "known_hosts")))
		}
	}
	keys, err := hostkey.Open(a.paths.KnownHosts, opts...)
	if err != nil {
		return nil, err
	}
	a.keys = keys
	return keys, nil
}

// newConn builds an unconnected sshconn.Conn for rec.
func (a *app) newConn(rec model.ServerRecord) (*sshconn.Conn, error) {
	keys, err := a.hostKeys()
	if err != nil {
		return nil, err
	}
	return sshconn.New(rec, sshconn.Options{
		Decrypter:         a.box,
		HostKeys:          keys,
		DialTimeout:       a.cfg.DialTimeout(),
		KeepaliveInterval: a.cfg.KeepaliveInterval(),
		ProbeTimeout:      a.cfg.ProbeTimeout(),
		Tunnel: tunnel.Options{
			BufferSize:  a.cfg.Tunnel.RelayBufferBytes,
			StopTimeout: a.cfg.StopTimeout(),
			Observer:    a.metrics,
		},
		Logger: a.log,
	}), nil
}

// registry builds a registry over records. When persist is set, record
// edits are written back to servers.json.
func (a *app) registry(records []model.ServerRecord, persist bool) (*registry.Registry, error) {
	if _, err := a.hostKeys(); err != nil {
		return nil, err
	}
	opts := registry.Options{
		Factory: func(rec model.ServerRecord) registry.Connection {
			// hostKeys is already open so newConn cannot fail here.
			c, _ := a.newConn(rec)
			return c
		},
		Events:   a.events,
		Observer: a.metrics,
		History:  a.history,
		Logger:   a.log,
	}
	if persist {
		opts.Store = a.servers
	}
	reg := registry.New(records, opts)
	a.metrics.SetSource(reg)
	return reg, nil
}

// connectSingle connects one record outside any registry, for exec and
// shell. Tunnels are not started.
func (a *app) connectSingle(ctx context.Context, rec model.ServerRecord) (*sshconn.Conn, error) {
	rec.Tunnels = nil
	c, err := a.newConn(rec)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	if err := a.history.Touch(rec.ID); err != nil {
		a.log.Debug("failed to update history", "id", rec.ID, "error", err)
	}
	return c, nil
}

func (a *app) userError(err error) error {
	if err == nil {
		return nil
	}
	a.log.Debug("command failed", "error", security.DebugMessage(err))
	return fmt.Errorf("%s", security.UserMessage(err, a.cfg.Security.RedactErrors))
}
