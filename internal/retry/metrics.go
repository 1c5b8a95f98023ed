package retry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	retryJobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cavern",
		Subsystem: "retry",
		Name:      "jobs_enqueued_total",
		Help:      "Total retry jobs enqueued by api action.",
	}, []string{"api_action"})

	retryJobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cavern",
		Subsystem: "retry",
		Name:      "jobs_processed_total",
		Help:      "Total retry job executions by outcome.",
	}, []string{"outcome"}) // "success", "rescheduled", "expired", "lock_skipped", "already_resolved"

	retryTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cavern",
		Subsystem: "retry",
		Name:      "scheduler_ticks_total",
		Help:      "Total scheduler ticks by outcome.",
	}, []string{"outcome"}) // "ok", "lock_missed"

	retryJobsDue = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cavern",
		Subsystem: "retry",
		Name:      "jobs_due",
		Help:      "Due jobs found by the most recent scheduler tick.",
	})

	retryStaleRecovered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cavern",
		Subsystem: "retry",
		Name:      "stale_processing_recovered_total",
		Help:      "Total jobs recovered from a stale PROCESSING state.",
	})
)

func init() {
	prometheus.MustRegister(
		retryJobsEnqueued,
		retryJobsProcessed,
		retryTicks,
		retryJobsDue,
		retryStaleRecovered,
	)
}
