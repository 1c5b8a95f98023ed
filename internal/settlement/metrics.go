package settlement

import "github.com/prometheus/client_golang/prometheus"

var retryDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cavern",
		Subsystem: "settlement",
		Name:      "retry_decisions_total",
		Help:      "Post-failure retry decisions by action.",
	},
	[]string{"action", "decision"}, // "enqueued", "skipped_rejected", "enqueue_failed"
)

func init() {
	prometheus.MustRegister(retryDecisions)
}
