// Package metrics holds the process-wide Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calbooker_upstream_requests_total",
		Help: "Cal.com API requests by operation and outcome.",
	}, []string{"op", "outcome"})

	UpstreamRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calbooker_upstream_retries_total",
		Help: "Retries of Cal.com API requests by operation.",
	}, []string{"op"})

	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calbooker_availability_cache_hits_total",
		Help: "Availability cache hits.",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calbooker_availability_cache_misses_total",
		Help: "Availability cache misses (upstream fetches).",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calbooker_active_sessions",
		Help: "Booking sessions currently in a non-terminal state.",
	})

	Bookings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calbooker_bookings_total",
		Help: "Booking submissions by result.",
	}, []string{"result"})
)
