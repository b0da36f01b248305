package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/treykane/hshell/internal/fault"
	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/relay"
)

type fixedSource []model.ServerStatus

func (f fixedSource) Status() []model.ServerStatus { return f }

// gather returns value by "name{label=value}" for every sample.
func gather(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			}
		}
	}
	return out
}

func TestCollectorReportsStateAndCounters(t *testing.T) {
	c := NewCollector()
	c.SetSource(fixedSource{
		{ID: "a", State: model.ConnConnected, Tunnels: []model.TunnelStatus{
			{State: model.TunnelListening}, {State: model.TunnelError},
		}},
		{ID: "b", State: model.ConnDisconnected},
		{ID: "c", State: model.ConnConnected, Tunnels: []model.TunnelStatus{{State: model.TunnelListening}}},
	})

	c.RelayOpened()
	c.RelayOpened()
	c.RelayClosed(relay.Stats{BytesOut: 10, BytesIn: 20}, nil)
	c.RelayClosed(relay.Stats{BytesOut: 1}, errors.New("reset"))
	c.RelayOpened()
	c.ConnectFailed(fault.Auth)
	c.ConnectFailed(fault.Auth)
	c.ConnectFailed("")
	c.LivenessFailed()

	got := gather(t, c)
	want := map[string]float64{
		"hshell_connections{state=connected}":         2,
		"hshell_connections{state=disconnected}":      1,
		"hshell_connections{state=connecting}":        0,
		"hshell_tunnel_listeners{state=listening}":    2,
		"hshell_tunnel_listeners{state=error}":        1,
		"hshell_active_relays":                        1,
		"hshell_relay_bytes_total{direction=out}":     11,
		"hshell_relay_bytes_total{direction=in}":      20,
		"hshell_relay_errors_total":                   1,
		"hshell_connect_failures_total{kind=auth}":    2,
		"hshell_connect_failures_total{kind=unknown}": 1,
		"hshell_liveness_failures_total":              1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %v, want %v (all: %v)", k, got[k], v, got)
		}
	}
}

func TestCollectorWithoutSource(t *testing.T) {
	got := gather(t, NewCollector())
	if got["hshell_connections{state=connected}"] != 0 {
		t.Fatalf("unexpected connections: %v", got)
	}
}
