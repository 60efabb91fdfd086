package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Transitions     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workflow_transitions_total", Help: "Committed workflow operations by action"}, []string{"action"})
	Rejections      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workflow_rejections_total", Help: "Rejected workflow operations by error kind"}, []string{"kind"})
	Placements      = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_placements_total", Help: "Placements created by hires"})
	OutboxDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_outbox_delivered_total", Help: "Outbox messages delivered to the notifier"})
	OutboxFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_outbox_failed_total", Help: "Outbox delivery attempts that failed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			Transitions,
			Rejections,
			Placements,
			OutboxDelivered,
			OutboxFailed,
		)
	})
	return promhttp.Handler()
}
