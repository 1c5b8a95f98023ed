package cleanup

import "github.com/prometheus/client_golang/prometheus"

var (
	cleanupRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cavern",
			Subsystem: "cleanup",
			Name:      "runs_total",
			Help:      "Cleanup runs by outcome.",
		},
		[]string{"outcome"}, // "ok", "skipped_lock", "skipped_marker", "error"
	)

	cleanupDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cavern",
			Subsystem: "cleanup",
			Name:      "records_deleted_total",
			Help:      "Records removed by retention cleanup.",
		},
		[]string{"kind"}, // "audit", "retry_job"
	)
)

func init() {
	prometheus.MustRegister(
		cleanupRuns,
		cleanupDeleted,
	)
}
