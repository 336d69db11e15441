package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersSent = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_dispatch", Name: "offers_sent_total", Help: "Driver offers sent, sequential and broadcast"})

	DriverTimeouts = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_dispatch", Name: "driver_timeouts_total", Help: "Offers that expired without a driver response"})

	DriverResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_dispatch", Name: "driver_responses_total", Help: "Driver responses applied"},
		[]string{"accepted"},
	)

	BroadcastsStarted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "campus_dispatch", Name: "broadcasts_started_total", Help: "Sessions escalated to broadcast"})

	SessionsTerminal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_dispatch", Name: "sessions_terminal_total", Help: "Sessions reaching a terminal phase"},
		[]string{"outcome"},
	)

	CommandsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_dispatch", Name: "commands_processed_total", Help: "Commands consumed by type"},
		[]string{"type"},
	)

	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "campus_dispatch",
		Name:      "command_duration_seconds",
		Help:      "Command handling latency",
		Buckets:   prometheus.DefBuckets,
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "campus_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "campus_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
