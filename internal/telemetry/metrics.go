package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	AdmissionAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "sched_admissions_total", Help: "Schedule requests admitted"})
	AdmissionRejected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sched_admission_rejects_total", Help: "Schedule requests rejected at admission"}, []string{"reason"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "sched_rate_limit_rejects_total", Help: "Requests rejected by the per-user rate limiter"})
	CancelCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sched_cancellations_total", Help: "Jobs cancelled by users"})

	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sched_jobs_completed_total", Help: "Jobs completed successfully"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sched_jobs_failed_total", Help: "Jobs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "sched_jobs_dead_letter_total", Help: "Jobs routed to the dead-letter queue"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "sched_queue_depth", Help: "Ready depth per logical queue"}, []string{"queue"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sched_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			AdmissionAccepted,
			AdmissionRejected,
			RateLimitRejects,
			CancelCounter,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
