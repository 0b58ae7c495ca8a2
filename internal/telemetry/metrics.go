package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsFired     = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_jobs_fired_total", Help: "Trigger firings handed to the worker pool"})
	JobsDropped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_jobs_dropped_total", Help: "Firings dropped because the execution queue was full"})
	JobsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_jobs_completed_total", Help: "Job executions that finished cleanly"})
	JobsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_jobs_failed_total", Help: "Job executions that failed after retries"})
	RetryAttempts = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduler_retry_attempts_total", Help: "Individual retry attempts across all collaborators"})
	QueueDepth    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_queue_depth", Help: "Executions waiting for a worker"})
	ProcessUp     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scheduler_graphflow_up", Help: "1 while the supervised graphflow process is running"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsFired,
			JobsDropped,
			JobsCompleted,
			JobsFailed,
			RetryAttempts,
			QueueDepth,
			ProcessUp,
		)
	})
	return promhttp.Handler()
}
