package cron

import "github.com/prometheus/client_golang/prometheus"

var (
	jobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrite_cron_runs_total",
			Help: "Total number of cron job runs, by job name and outcome.",
		},
		[]string{"job", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ferrite_cron_run_seconds",
			Help:    "Cron job run duration from spawn to recorded outcome, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(jobRunsTotal)
	prometheus.MustRegister(jobDuration)
}
