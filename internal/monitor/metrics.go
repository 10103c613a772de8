// Package monitor exposes engine health as prometheus metrics.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the engine's prometheus instrument set.
type Metrics struct {
	Evaluations    *prometheus.CounterVec // kind, outcome
	Signals        *prometheus.CounterVec // kind, signal
	OrdersApplied  *prometheus.CounterVec // kind
	OrdersRejected prometheus.Counter
	TickDuration   prometheus.Histogram
	ActiveRuntimes prometheus.Gauge

	registry *prometheus.Registry
}

// Evaluation outcomes.
const (
	OutcomeExecuted = "executed"
	OutcomeHeld     = "held"
	OutcomeSkipped  = "skipped"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// New builds and registers the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "papertrader", Name: "strategy_evaluations_total",
			Help: "Strategy evaluation cycles by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "papertrader", Name: "strategy_signals_total",
			Help: "Non-HOLD detector signals by kind and signal.",
		}, []string{"kind", "signal"}),
		OrdersApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "papertrader", Name: "orders_applied_total",
			Help: "Committed ledger transactions by kind.",
		}, []string{"kind"}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "papertrader", Name: "orders_rejected_total",
			Help: "Orders rejected by the ledger.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "papertrader", Name: "tick_duration_seconds",
			Help:    "Wall time of one scheduler tick over all due strategies.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveRuntimes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "papertrader", Name: "active_strategies",
			Help: "Enabled strategies currently tracked by the scheduler.",
		}),
		registry: reg,
	}
	reg.MustRegister(m.Evaluations, m.Signals, m.OrdersApplied,
		m.OrdersRejected, m.TickDuration, m.ActiveRuntimes)
	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
