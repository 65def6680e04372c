// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks decision-pipeline throughput and latency.
type Metrics struct {
	// Decisions counts tool-call proposals by tool and verdict.
	// Labels: tool, verdict (ALLOW|BLOCK|APPROVAL_REQUIRED)
	Decisions *prometheus.CounterVec

	// DecisionDuration measures how long policy evaluation plus audit
	// persistence takes, in seconds, labeled by verdict.
	// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s
	DecisionDuration *prometheus.HistogramVec

	// BackendErrors counts backend execution failures by backend name
	// and error kind (transport|domain).
	BackendErrors *prometheus.CounterVec
}

// New registers the gateway's metrics against the default registerer.
// Call once at startup; registering twice panics.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the gateway's metrics against reg. Tests
// pass a fresh prometheus.NewRegistry() so repeated construction across
// table-driven cases doesn't collide with the default registerer.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_tool_decisions_total",
			Help: "Tool-call proposals evaluated by the policy engine.",
		}, []string{"tool", "verdict"}),

		DecisionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_decision_duration_seconds",
			Help:    "Time spent evaluating policy and persisting the decision.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"verdict"}),

		BackendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_backend_errors_total",
			Help: "Backend execution failures by backend and error kind.",
		}, []string{"backend", "kind"}),
	}
}
