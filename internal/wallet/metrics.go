package wallet

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	walletCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cavern",
		Subsystem: "wallet",
		Name:      "calls_total",
		Help:      "Total wallet gateway calls by action and outcome.",
	}, []string{"action", "outcome"}) // outcome: "success", "failure"

	walletFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cavern",
		Subsystem: "wallet",
		Name:      "failures_total",
		Help:      "Total wallet gateway failures by action and failure type.",
	}, []string{"action", "failure_type"})

	walletCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cavern",
		Subsystem: "wallet",
		Name:      "call_duration_seconds",
		Help:      "Agent callback round-trip latency in seconds by action.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		walletCalls,
		walletFailures,
		walletCallDuration,
	)
}
