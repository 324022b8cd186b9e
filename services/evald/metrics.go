package evald

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nixfleet_evald_builds_total",
		Help: "Evaluation build outcomes.",
	}, []string{"outcome"})

	metricBuildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nixfleet_evald_build_duration_seconds",
		Help:    "Wall time of evaluation builds.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	metricQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nixfleet_evald_queue_depth",
		Help: "Evaluation targets per status.",
	}, []string{"status"})

	metricLeasesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nixfleet_evald_leases_swept_total",
		Help: "Expired worker leases reclaimed by the scheduler.",
	})
)
