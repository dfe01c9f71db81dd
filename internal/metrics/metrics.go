// Package metrics collects the engine's own operational health into a
// Prometheus registry: queue depth, handler outcomes, and causation
// counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every collector the operator updates directly, alongside
// the registry they are registered against.
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth      prometheus.Gauge
	ActiveWatchers  prometheus.Gauge
	CausationsTotal *prometheus.CounterVec
	HandlerOutcomes *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	PeeringFrozen   prometheus.Gauge
}

// New builds a Metrics bound to a fresh registry, with the standard Go
// runtime/process collectors plus kopflow's own collectors registered.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace, ReportErrors: true}),
	)

	m := &Metrics{
		Registry: registry,
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Number of object UIDs currently held in the queue multiplexer.",
		}),
		ActiveWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_watchers",
			Help: "Number of (namespace, resource) dimensions currently being watched.",
		}),
		CausationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "causations_total",
			Help: "Number of reconciliation passes classified, by reason.",
		}, []string{"reason"}),
		HandlerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_outcomes_total",
			Help: "Number of handler invocations, by handler id and outcome.",
		}, []string{"handler", "outcome"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "handler_duration_seconds",
			Help: "Handler invocation duration in seconds, by handler id.", Buckets: prometheus.DefBuckets,
		}, []string{"handler"}),
		PeeringFrozen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peering_frozen",
			Help: "1 if this instance is currently frozen by a higher-priority peer, else 0.",
		}),
	}

	registry.MustRegister(
		m.QueueDepth, m.ActiveWatchers, m.CausationsTotal,
		m.HandlerOutcomes, m.HandlerDuration, m.PeeringFrozen,
	)
	return m
}

// ObserveFreeze records the current freeze state as 0 or 1.
func (m *Metrics) ObserveFreeze(frozen bool) {
	if frozen {
		m.PeeringFrozen.Set(1)
		return
	}
	m.PeeringFrozen.Set(0)
}
