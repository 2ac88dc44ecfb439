package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_created_total", Help: "Rides created"})
	RidesMatched = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_accepted_total", Help: "Rides accepted by a driver"})

	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "transitions_total", Help: "Ride status transitions applied"},
		[]string{"to"},
	)
	Conflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "write_conflicts_total", Help: "Optimistic-concurrency conflicts surfaced to callers"},
		[]string{"kind"},
	)

	OffersBroadcast   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_broadcast_total", Help: "Ride offers fanned out to drivers"})
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "sessions_connected", Help: "Connected presence sessions"})
	DriversOnDuty     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_on_duty", Help: "Drivers currently in the on-duty pool"})
	EventsDropped     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "events_dropped_total", Help: "Notifications dropped for absent or slow consumers"})

	SweepActions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "reconciler_actions_total", Help: "Force-transitions applied by the timeout reconciler"},
		[]string{"action"},
	)
	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "reconciler_errors_total", Help: "Reconciler actions that failed and will be retried next sweep"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
