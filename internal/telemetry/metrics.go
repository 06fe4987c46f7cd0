package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_jobs_submitted_total", Help: "Jobs admitted and queued"})
	JobsLaunched  = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_jobs_launched_total", Help: "Jobs launched as a remote process"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_jobs_failed_total", Help: "Jobs that reached failed"})
	JobsCancelled = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_jobs_cancelled_total", Help: "Jobs that reached cancelled"})
	JobsLost      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_jobs_lost_total", Help: "Jobs that reached lost"})

	SubmitRateRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_submit_rate_rejects_total", Help: "Submissions rejected by the rate limiter"})
	QuotaRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_quota_rejects_total", Help: "Submissions rejected by the concurrency quota"})
	ScannerRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_scanner_rejects_total", Help: "Submissions rejected by the code scanner"})

	TransportReconnects = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_transport_reconnects_total", Help: "Bastion/node transport reconnect attempts"})
	TransportFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_transport_failures_total", Help: "Transport reconnect attempts that exhausted the reconnect budget"})

	ActiveJobsGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "dispatcher_active_jobs", Help: "Jobs currently active, by node"}, []string{"node"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsLaunched,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			JobsLost,
			SubmitRateRejects,
			QuotaRejects,
			ScannerRejects,
			TransportReconnects,
			TransportFailures,
			ActiveJobsGauge,
		)
	})
	return promhttp.Handler()
}
