package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subrelay",
			Subsystem: "fetch",
			Name:      "upstream_total",
			Help:      "Outbound document fetches by result.",
		},
		[]string{"result"},
	)
	cacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subrelay",
			Subsystem: "fetch",
			Name:      "cache_total",
			Help:      "URL cache lookups by outcome.",
		},
		[]string{"outcome"},
	)
)
