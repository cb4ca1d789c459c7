// Package metrics exposes the arbitration core's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core emits. One instance is created by
// the composition root and registered on a single registry.
type Metrics struct {
	Decisions         *prometheus.CounterVec
	RegimeTransitions *prometheus.CounterVec
	LockContention    prometheus.Counter
	LedgerAppends     prometheus.Counter
	LedgerDuplicates  prometheus.Counter
	ChainVerifications *prometheus.CounterVec
	RoundDuration     prometheus.Histogram
	NetWeight         prometheus.Histogram
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "decisions_total",
			Help:      "Arbitration outcomes by outcome and leading reason code.",
		}, []string{"outcome", "reason"}),
		RegimeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "regime_transitions_total",
			Help:      "Regime label transitions by destination label and reason.",
		}, []string{"to", "reason"}),
		LockContention: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "lock_contention_total",
			Help:      "Rounds rejected because the intention lock could not be acquired.",
		}),
		LedgerAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "ledger_appends_total",
			Help:      "Entries appended to the decision ledger.",
		}),
		LedgerDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "ledger_duplicates_total",
			Help:      "Appends rejected as idempotent duplicates.",
		}),
		ChainVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "chain_verifications_total",
			Help:      "Ledger chain verification runs by result.",
		}, []string{"result"}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arbiter",
			Name:      "round_duration_seconds",
			Help:      "Wall time of one arbitration round.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		NetWeight: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "arbiter",
			Name:      "net_weight",
			Help:      "Absolute net directional weight of resolved rounds.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 15),
		}),
	}

	reg.MustRegister(
		m.Decisions,
		m.RegimeTransitions,
		m.LockContention,
		m.LedgerAppends,
		m.LedgerDuplicates,
		m.ChainVerifications,
		m.RoundDuration,
		m.NetWeight,
	)
	return m
}

// ObserveDecision records one resolved round.
func (m *Metrics) ObserveDecision(outcome string, reason string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome, reason).Inc()
}
