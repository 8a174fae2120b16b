// Package metric exposes server metrics in Prometheus format.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the Prometheus registry and the instruments the server
// updates on its hot paths.
type Metrics struct {
	reg *prometheus.Registry

	CommandsTotal    *prometheus.CounterVec
	CommandErrors    prometheus.Counter
	ConnectionsTotal prometheus.Counter
	ConnectedClients prometheus.Gauge
	ExpiredKeys      prometheus.Counter
}

// New creates a registry with the server instruments plus the standard Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		reg: reg,
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fedis",
			Name:      "commands_total",
			Help:      "Commands processed, by verb.",
		}, []string{"verb"}),
		CommandErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fedis",
			Name:      "command_errors_total",
			Help:      "Commands that returned an error reply.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fedis",
			Name:      "connections_total",
			Help:      "Accepted client connections.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fedis",
			Name:      "connected_clients",
			Help:      "Currently connected clients.",
		}),
		ExpiredKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fedis",
			Name:      "expired_keys_total",
			Help:      "Keys purged after their deadline passed.",
		}),
	}

	reg.MustRegister(
		m.CommandsTotal,
		m.CommandErrors,
		m.ConnectionsTotal,
		m.ConnectedClients,
		m.ExpiredKeys,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterGaugeFunc registers a gauge backed by a callback, used for
// values owned elsewhere (key counts, log sizes, memory estimates).
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fedis",
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
