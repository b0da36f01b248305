package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/registry"
	"github.com/treykane/hshell/internal/tunnel"
)

func newUpCmd(rf *rootFlags) *cobra.Command {
	var forwards []string
	cmd := &cobra.Command{
		Use:   "up <server>...",
		Short: "Connect servers and hold their tunnels open until interrupted",
		Args:  cobra.MinimumNArgs(1),
		Example: `  hshell up db web
  hshell up db --forward 0
  hshell up db --forward pg=15432:localhost:5432`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(forwards) > 0 && len(args) != 1 {
				return fmt.Errorf("--forward needs exactly one server")
			}
			a, err := rf.app()
			if err != nil {
				return err
			}
			recs, err := a.records()
			if err != nil {
				return err
			}
			ids, err := resolveAll(registry.New(recs, registry.Options{}), args)
			if err != nil {
				return err
			}
			if len(forwards) > 0 {
				for i := range recs {
					if recs[i].ID != ids[0] {
						continue
					}
					specs, err := resolveForwards(recs[i], forwards)
					if err != nil {
						return err
					}
					recs[i].Tunnels = specs
				}
			}
			reg, err := a.registry(recs, false)
			if err != nil {
				return a.userError(err)
			}
			return a.hold(cmd.Context(), cmd.OutOrStdout(), reg, ids)
		},
	}
	cmd.Flags().StringArrayVar(&forwards, "forward", nil, "configured tunnel index or [name=]localPort:remoteHost:remotePort (repeatable)")
	return cmd
}

// resolveForwards turns --forward values into tunnels: an integer selects a
// configured tunnel, anything else is parsed as an ad-hoc forward.
func resolveForwards(rec model.ServerRecord, args []string) ([]model.TunnelSpec, error) {
	var out []model.TunnelSpec
	for _, arg := range args {
		if idx, err := strconv.Atoi(strings.TrimSpace(arg)); err == nil {
			if idx < 0 || idx >= len(rec.Tunnels) {
				return nil, fmt.Errorf("forward index %d out of range (%s has %d tunnels)", idx, rec.DisplayName(), len(rec.Tunnels))
			}
			out = append(out, rec.Tunnels[idx])
			continue
		}
		spec, err := tunnel.ParseForwardArg(arg)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

// hold connects ids, reports the result, then sweeps until ctx is done and
// disconnects everything.
func (a *app) hold(ctx context.Context, out io.Writer, reg *registry.Registry, ids []string) error {
	results := reg.ConnectMany(ctx, ids)
	ok := reportConnects(out, a, reg, ids, results)
	if ok == 0 {
		return fmt.Errorf("no server connected")
	}
	defer reg.DisconnectAll()

	fmt.Fprintln(out, "press Ctrl-C to disconnect")
	reg.Run(ctx, a.cfg.SweepInterval())
	fmt.Fprintln(out, "disconnecting")
	return nil
}

func reportConnects(out io.Writer, a *app, reg *registry.Registry, ids []string, results map[string]error) int {
	ok := 0
	for _, id := range ids {
		rec, _ := reg.Get(id)
		if err := results[id]; err != nil {
			fmt.Fprintf(out, "[FAIL] %s: %v\n", rec.DisplayName(), a.userError(err))
			continue
		}
		ok++
		fmt.Fprintf(out, "[ OK ] %s (%s)\n", rec.DisplayName(), rec.Target())
		tunnels, _ := reg.ListTunnels(id)
		for _, t := range tunnels {
			fmt.Fprintln(out, tunnelLine(t))
		}
	}
	return ok
}

func newServeCmd(rf *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect every configured server and keep the set in sync with servers.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rf.app()
			if err != nil {
				return err
			}
			if listen != "" {
				a.cfg.Metrics.Listen = listen
			}
			recs, err := a.records()
			if err != nil {
				return err
			}
			reg, err := a.registry(recs, false)
			if err != nil {
				return a.userError(err)
			}
			return a.serve(cmd.Context(), cmd.OutOrStdout(), reg)
		},
	}
	cmd.Flags().StringVar(&listen, "metrics-listen", "", "serve prometheus metrics on this address (overrides metrics.listen)")
	return cmd
}

func (a *app) serve(ctx context.Context, out io.Writer, reg *registry.Registry) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer reg.DisconnectAll()

	if a.cfg.Metrics.Listen != "" {
		stop, err := a.serveMetrics(a.cfg.Metrics.Listen)
		if err != nil {
			return err
		}
		defer stop()
	}

	ids := recordIDs(reg.Records())
	reportConnects(out, a, reg, ids, reg.ConnectMany(ctx, ids))

	go func() {
		err := watchFile(ctx, a.servers.Path(), func() { a.reload(ctx, out, reg) })
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("not watching servers.json", "error", err)
		}
	}()
	reg.Run(ctx, a.cfg.SweepInterval())
	return nil
}

// reload applies servers.json to reg. Changed servers are reconnected and
// new ones connected; servers that were merely down stay down.
func (a *app) reload(ctx context.Context, out io.Writer, reg *registry.Registry) {
	recs, err := a.records()
	if err != nil {
		a.log.Warn("reload servers.json", "error", err)
		return
	}
	known := map[string]bool{}
	for _, id := range recordIDs(reg.Records()) {
		known[id] = true
	}
	stale := reg.Replace(recs)

	var ids []string
	for _, id := range stale {
		if _, ok := reg.Get(id); ok {
			ids = append(ids, id)
		}
	}
	for _, id := range recordIDs(recs) {
		if !known[id] {
			ids = append(ids, id)
		}
	}
	a.log.Info("servers.json reloaded", "servers", len(recs), "changed", len(stale), "connecting", len(ids))
	if len(ids) > 0 {
		reportConnects(out, a, reg, ids, reg.ConnectMany(ctx, ids))
	}
}

func recordIDs(recs []model.ServerRecord) []string {
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

func (a *app) serveMetrics(addr string) (func(), error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(a.metrics); err != nil {
		return nil, err
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.log.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
