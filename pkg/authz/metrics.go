package authz

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisions = sync.OnceValue(func() *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authz",
		Name:      "decisions_total",
		Help:      "Authorization decisions broken down by mode and result.",
	}, []string{"mode", "result"})
})

func recordDecision(mode Mode, allowed bool) {
	result := "denied"
	if allowed {
		result = "allowed"
	}
	decisions().WithLabelValues(string(mode), result).Inc()
}
