// Package metrics wires the orchestrator's occupancy counters into
// Prometheus gauges/counters: cairn_active_agents, cairn_queue_depth,
// cairn_workspace_cache_size, and cairn_lifecycle_transitions_total.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds the orchestrator's Prometheus instruments. The zero value
// is not usable; build one with New.
type Collector struct {
	ActiveAgents         prometheus.Gauge
	QueueDepth           prometheus.Gauge
	WorkspaceCacheSize   prometheus.Gauge
	LifecycleTransitions *prometheus.CounterVec
}

// New registers the orchestrator's instruments against reg and returns the
// Collector. Pass prometheus.NewRegistry() in tests to avoid colliding with
// the global default registry across test runs.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		ActiveAgents: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cairn_active_agents",
			Help: "Number of agents currently tracked in the orchestrator's active-agents map.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cairn_queue_depth",
			Help: "Number of tasks currently waiting in the bounded priority queue.",
		}),
		WorkspaceCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cairn_workspace_cache_size",
			Help: "Number of workspace handles currently held in the LRU cache.",
		}),
		LifecycleTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cairn_lifecycle_transitions_total",
			Help: "Count of agent lifecycle state transitions, labeled by from/to state.",
		}, []string{"from", "to"}),
	}
}

// OrchestratorGauges is the subset of *orchestrator.Orchestrator this
// package samples; satisfied without an import of the orchestrator
// package to avoid a dependency cycle (metrics is also usable from
// orchestrator tests).
type OrchestratorGauges interface {
	ActiveAgentCount() int
	QueueDepth() int
	WorkspaceCacheLen() int
}

// Sample pushes the orchestrator's current occupancy into the gauges. The
// caller is expected to call this on a ticker (see cmd/cairn's metrics
// server wiring) since the orchestrator itself has no scheduler dependency
// on this package.
func (c *Collector) Sample(o OrchestratorGauges) {
	c.ActiveAgents.Set(float64(o.ActiveAgentCount()))
	c.QueueDepth.Set(float64(o.QueueDepth()))
	c.WorkspaceCacheSize.Set(float64(o.WorkspaceCacheLen()))
}

// RecordTransition increments the lifecycle transition counter for a
// from->to state move.
func (c *Collector) RecordTransition(from, to string) {
	c.LifecycleTransitions.WithLabelValues(from, to).Inc()
}
