package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts token lifecycle events. A nil registerer keeps the
// collectors unregistered, which is what tests want.
type Metrics struct {
	gateRuns       *prometheus.CounterVec
	gateShared     *prometheus.CounterVec
	acquisitions   *prometheus.CounterVec
	schedulerFires prometheus.Counter
	clears         *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gateRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vakya",
			Subsystem: "session",
			Name:      "gate_runs_total",
			Help:      "Token operations actually executed, by gate.",
		}, []string{"gate"}),
		gateShared: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vakya",
			Subsystem: "session",
			Name:      "gate_shared_results_total",
			Help:      "Callers that received a result shared with other callers, by gate.",
		}, []string{"gate"}),
		acquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vakya",
			Subsystem: "session",
			Name:      "token_acquisitions_total",
			Help:      "Backend token requests, by source and result.",
		}, []string{"source", "result"}),
		schedulerFires: f.NewCounter(prometheus.CounterOpts{
			Namespace: "vakya",
			Subsystem: "session",
			Name:      "scheduled_refreshes_total",
			Help:      "Proactive refresh timer expirations.",
		}),
		clears: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vakya",
			Subsystem: "session",
			Name:      "clears_total",
			Help:      "Session clears, by reason.",
		}, []string{"reason"}),
	}
}
