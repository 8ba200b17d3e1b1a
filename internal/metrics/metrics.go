// Package metrics provides Prometheus metrics for the support-chat service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_chat",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "support_chat",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// WSConnections tracks live event-channel connections.
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "support_chat",
			Name:      "ws_connections",
			Help:      "Number of open event channel connections",
		},
	)

	EventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_chat",
			Name:      "ws_events_sent_total",
			Help:      "Events queued to event channel connections",
		},
		[]string{"event"},
	)

	// SlowConsumerDrops counts connections closed because their send queue was full.
	SlowConsumerDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "support_chat",
			Name:      "ws_slow_consumer_drops_total",
			Help:      "Connections dropped because the send queue was full",
		},
	)

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_chat",
			Name:      "ticket_status_transitions_total",
			Help:      "Ticket status transitions",
		},
		[]string{"from", "to"},
	)

	RepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "support_chat",
			Name:      "ticket_replies_total",
			Help:      "Replies appended to tickets",
		},
		[]string{"role"},
	)

	PresenceOnline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "support_chat",
			Name:      "presence_online",
			Help:      "Online actors by role",
		},
		[]string{"role"},
	)
)
