// Package metrics exposes connection, tunnel and relay counters in
// prometheus format.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/treykane/hshell/internal/fault"
	"github.com/treykane/hshell/internal/model"
	"github.com/treykane/hshell/internal/relay"
)

const metricsNamespace = "hshell"

// StatusSource provides the point-in-time server view the gauges are
// computed from.
type StatusSource interface {
	Status() []model.ServerStatus
}

// Collector is a prometheus.Collector for hshell. It also implements the
// tunnel and registry observer interfaces.
type Collector struct {
	connectionsDesc *prometheus.Desc
	listenersDesc   *prometheus.Desc

	activeRelays     prometheus.Gauge
	relayBytes       *prometheus.CounterVec
	relayErrors      prometheus.Counter
	connectFailures  *prometheus.CounterVec
	livenessFailures prometheus.Counter

	mu     sync.Mutex
	source StatusSource
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		connectionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "connections"),
			"The number of configured servers by connection state.",
			[]string{"state"}, nil,
		),
		listenersDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "tunnel_listeners"),
			"The number of tunnel listeners by state.",
			[]string{"state"}, nil,
		),
		activeRelays: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_relays",
			Help:      "The number of client sessions currently relayed.",
		}),
		relayBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relay_bytes_total",
			Help:      "Bytes relayed through tunnels.",
		}, []string{"direction"}),
		relayErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relay_errors_total",
			Help:      "Relays that ended with an error.",
		}),
		connectFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connect_failures_total",
			Help:      "Failed connection attempts by error kind.",
		}, []string{"kind"}),
		livenessFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "liveness_failures_total",
			Help:      "Connections removed by the liveness sweep.",
		}),
	}
}

// SetSource sets where connection and listener gauges are read from.
func (c *Collector) SetSource(s StatusSource) {
	c.mu.Lock()
	c.source = s
	c.mu.Unlock()
}

// RelayOpened implements tunnel.Observer.
func (c *Collector) RelayOpened() { c.activeRelays.Inc() }

// RelayClosed implements tunnel.Observer.
func (c *Collector) RelayClosed(st relay.Stats, err error) {
	c.activeRelays.Dec()
	c.relayBytes.WithLabelValues("out").Add(float64(st.BytesOut))
	c.relayBytes.WithLabelValues("in").Add(float64(st.BytesIn))
	if err != nil {
		c.relayErrors.Inc()
	}
}

// ConnectFailed implements registry.Observer.
func (c *Collector) ConnectFailed(kind fault.Kind) {
	if kind == "" {
		kind = "unknown"
	}
	c.connectFailures.WithLabelValues(string(kind)).Inc()
}

// LivenessFailed implements registry.Observer.
func (c *Collector) LivenessFailed() { c.livenessFailures.Inc() }

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.connectionsDesc
	ch <- c.listenersDesc
	c.activeRelays.Describe(ch)
	c.relayBytes.Describe(ch)
	c.relayErrors.Describe(ch)
	c.connectFailures.Describe(ch)
	c.livenessFailures.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	src := c.source
	c.mu.Unlock()

	conns := map[model.ConnState]int{
		model.ConnDisconnected:  0,
		model.ConnConnecting:    0,
		model.ConnConnected:     0,
		model.ConnDisconnecting: 0,
	}
	listeners := map[model.TunnelState]int{}
	if src != nil {
		for _, st := range src.Status() {
			conns[st.State]++
			for _, t := range st.Tunnels {
				listeners[t.State]++
			}
		}
	}
	for state, n := range conns {
		ch <- prometheus.MustNewConstMetric(c.connectionsDesc, prometheus.GaugeValue, float64(n), string(state))
	}
	for state, n := range listeners {
		ch <- prometheus.MustNewConstMetric(c.listenersDesc, prometheus.GaugeValue, float64(n), string(state))
	}

	c.activeRelays.Collect(ch)
	c.relayBytes.Collect(ch)
	c.relayErrors.Collect(ch)
	c.connectFailures.Collect(ch)
	c.livenessFailures.Collect(ch)
}
