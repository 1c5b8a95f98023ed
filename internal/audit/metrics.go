package audit

import "github.com/prometheus/client_golang/prometheus"

var auditWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cavern",
	Subsystem: "audit",
	Name:      "writes_total",
	Help:      "Total wallet audit log writes by outcome.",
}, []string{"outcome"}) // "ok", "error"

func init() {
	prometheus.MustRegister(auditWrites)
}
