package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_session"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "sessions_active", Help: "Ride sessions currently in the Active phase"})

	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "phase_transitions_total", Help: "Ride session phase transitions"},
		[]string{"to"},
	)

	BookingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_outcomes_total", Help: "Booking decisions by outcome and reason"},
		[]string{"decision", "reason"},
	)
	LedgerOpDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_op_seconds",
		Help:      "Time from submitting a ledger operation to its completion, queueing included",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	LocationSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Captain location samples by result"},
		[]string{"result"},
	)
	ETARefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "eta_refreshes_total", Help: "Route provider ETA queries by result"},
		[]string{"result"},
	)

	MatchSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "match_subscriptions", Help: "Open rider route searches"})
	MatchUpdates       = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_updates_total", Help: "Candidate set updates emitted to riders"})

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notifications by delivery result"},
		[]string{"result"},
	)
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open websocket connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
