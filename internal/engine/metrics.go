package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_runs_total",
			Help: "Total number of finished runs by terminal status.",
		},
		[]string{"status"},
	)

	runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kestrel_run_duration_seconds",
			Help:    "Wall-clock duration of finished runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kestrel_queue_depth",
			Help: "Number of runs waiting in the dispatch queue.",
		},
	)
)

func init() {
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(runDuration)
	prometheus.MustRegister(queueDepth)
}
