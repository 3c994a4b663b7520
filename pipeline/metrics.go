package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	unauthorized    prometheus.Counter
	queued          prometheus.Counter
	replays         prometheus.Counter
	refreshFailures prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace: "vakya",
			Subsystem: "pipeline",
			Name:      name,
			Help:      help,
		})
	}
	return &metrics{
		unauthorized:    counter("unauthorized_total", "Responses with status 401 from non-identity endpoints."),
		queued:          counter("queued_total", "Requests that waited for a refresh started by another request."),
		replays:         counter("replays_total", "Requests replayed with a renewed token."),
		refreshFailures: counter("refresh_failures_total", "Refreshes after a 401 that failed."),
	}
}
