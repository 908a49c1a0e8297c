package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Delivery metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Total messages persisted",
		},
		[]string{"recipient"}, // "online" or "offline"
	)

	LivePushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_live_push_total",
			Help: "Live push attempts by outcome",
		},
		[]string{"result"}, // "delivered", "failed", "relayed"
	)

	IndexUpsertFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_index_upsert_failures_total",
			Help: "Conversation index updates abandoned after retries",
		},
	)

	PresenceConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_presence_connections",
			Help: "Users currently registered on this instance",
		},
	)

	RelayMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_relay_messages_total",
			Help: "Events exchanged with other instances",
		},
		[]string{"direction"}, // "out" or "in"
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_store_latency_seconds",
			Help:    "Durable store operation latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_rate_limit_decisions_total",
			Help: "Rate limiter outcomes by rule",
		},
		[]string{"rule", "outcome"}, // "allowed", "limited", "blocked" or "error"
	)
)
