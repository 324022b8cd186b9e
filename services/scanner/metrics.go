package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricScans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nixfleet_scanner_runs_total",
		Help: "Completed scan runs per outcome.",
	}, []string{"status"})

	metricFindings = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nixfleet_scanner_findings_total",
		Help: "Vulnerability findings recorded.",
	})
)
