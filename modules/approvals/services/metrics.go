package services

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type approvalMetrics struct {
	gateOutcomes  *prometheus.CounterVec
	votes         *prometheus.CounterVec
	applies       *prometheus.CounterVec
	applyDuration prometheus.Histogram
	sweepItems    *prometheus.CounterVec
}

var getMetrics = sync.OnceValue(func() *approvalMetrics {
	return &approvalMetrics{
		gateOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "gate_outcomes_total",
			Help:      "Gate checks by action and outcome.",
		}, []string{"action", "outcome"}),
		votes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "votes_total",
			Help:      "Votes recorded on change requests.",
		}, []string{"decision"}),
		applies: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "applies_total",
			Help:      "Apply pipeline runs by result.",
		}, []string{"action", "result"}),
		applyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "approvals",
			Name:      "apply_duration_seconds",
			Help:      "Time spent in the apply pipeline.",
			Buckets:   prometheus.DefBuckets,
		}),
		sweepItems: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "approvals",
			Name:      "sweep_items_total",
			Help:      "Items processed by maintenance sweeps.",
		}, []string{"sweep", "result"}),
	}
})

func recordGateOutcome(action string, kind GateResultKind) {
	if action == "" {
		action = "none"
	}
	getMetrics().gateOutcomes.WithLabelValues(action, string(kind)).Inc()
}

func recordApply(action, result string, started time.Time) {
	m := getMetrics()
	m.applies.WithLabelValues(action, result).Inc()
	m.applyDuration.Observe(time.Since(started).Seconds())
}
