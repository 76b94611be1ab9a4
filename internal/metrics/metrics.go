// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection and room counts, counters for message
// throughput and status transitions, and histograms for fanout latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crmchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts the total number of messages processed, labeled by
	// type: "sent", "rejected", or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crmchat_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"}) // type = "sent", "rejected", "rate_limited"

	// StatusTransitionsTotal counts delivery status transitions, labeled by
	// the target status ("delivered" or "read").
	StatusTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crmchat_status_transitions_total",
		Help: "Total number of message status transitions applied",
	}, []string{"status"})

	// FanoutLatency records the time from message persistence to room
	// broadcast in seconds.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crmchat_fanout_latency_seconds",
		Help:    "Time from message persistence to room broadcast",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveRooms tracks the number of conversation rooms with at least one
	// local subscriber.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crmchat_active_rooms",
		Help: "Current number of rooms with local subscribers",
	})

	// ConversationsCreatedTotal counts conversations created by the resolver.
	ConversationsCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crmchat_conversations_created_total",
		Help: "Total number of conversations created",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		StatusTransitionsTotal,
		FanoutLatency,
		ActiveRooms,
		ConversationsCreatedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
