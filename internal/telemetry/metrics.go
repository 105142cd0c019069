package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_queue_enqueued_total", Help: "Queue entries submitted through the API or CLI"})
	QueueCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_queue_completed_total", Help: "Queue entries completed successfully"})
	QueueFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_queue_failed_total", Help: "Queue entries failed, by retry disposition"}, []string{"disposition"})
	QueueTicks        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_queue_ticks_total", Help: "Queue processor ticks by outcome"}, []string{"result"})
	QueueExecution    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "orchestrator_queue_execution_seconds", Help: "Queue entry execution time", Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800}})
	QueuePending      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_queue_pending", Help: "Pending queue entries that are eligible now"})
	CronFirings       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_cron_firings_total", Help: "Cron trigger firings by action and result"}, []string{"action", "result"})
	StatusSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_status_subscribers", Help: "Connected status stream subscribers"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_rate_limited_total", Help: "Queue submissions rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			QueueCompleted,
			QueueFailed,
			QueueTicks,
			QueueExecution,
			QueuePending,
			CronFirings,
			StatusSubscribers,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
