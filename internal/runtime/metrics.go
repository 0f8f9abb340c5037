package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrite_handler_executions_total",
			Help: "Total number of handler executions dispatched by the executor.",
		},
		[]string{"lane", "status"},
	)

	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferrite_handler_execution_seconds",
			Help:    "Wall-clock handler execution time from dispatch to result, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"lane"},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
}

// observeExecution records counter and latency for one completed dispatch.
func observeExecution(lane string, success bool, start time.Time) {
	status := "success"
	if !success {
		status = "failed"
	}
	executionsTotal.WithLabelValues(lane, status).Inc()
	executionDuration.WithLabelValues(lane).Observe(time.Since(start).Seconds())
}
