package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nixfleet",
		Subsystem: "gateway",
		Name:      "events_ingested_total",
		Help:      "State events accepted and stored, by kind.",
	}, []string{"kind"})

	eventsRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "nixfleet",
		Subsystem: "gateway",
		Name:      "events_rejected_total",
		Help:      "State events rejected by protocol validation.",
	})
)
