// Package telemetry holds the process-wide Prometheus metrics for the
// queue engine, registered once via a singleton Handler (adapted from the
// teacher's internal/telemetry/metrics.go).
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAdded            = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobqueue_jobs_added_total", Help: "Total jobs saved into the waiting list"})
	JobsSucceeded        = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobqueue_jobs_succeeded_total", Help: "Jobs that reached a succeeded disposition"})
	JobsFailed           = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobqueue_jobs_failed_total", Help: "Jobs that reached a failed disposition with no retries left"})
	JobsRetried          = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobqueue_jobs_retried_total", Help: "Jobs returned to waiting for a retry attempt"})
	JobsStalledRecovered = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobqueue_jobs_stalled_recovered_total", Help: "Jobs recovered from the stalling set back into waiting"})
	JobProgressEvents    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobqueue_job_progress_events_total", Help: "Progress events observed on the events channel"})
	JobsActive           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobqueue_jobs_active", Help: "Jobs currently leased to a worker goroutine"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAdded,
			JobsSucceeded,
			JobsFailed,
			JobsRetried,
			JobsStalledRecovered,
			JobProgressEvents,
			JobsActive,
		)
	})
	return promhttp.Handler()
}
