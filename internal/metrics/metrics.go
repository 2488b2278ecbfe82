// Package metrics provides Prometheus instrumentation for the Jummah chat
// server: connection and presence gauges, counters for the routing pipeline,
// and latency histograms for persistence and broadcast.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jummah_chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// PresenceEntries tracks connections that have joined a room.
	PresenceEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "jummah_chat_presence_entries",
		Help: "Current number of connections present in a room",
	})

	// MessagesTotal counts routed messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jummah_chat_messages_total",
		Help: "Total number of inbound chat messages by outcome",
	}, []string{"outcome"}) // broadcast, join, invalid, room_unavailable, rate_limited

	// BroadcastsTotal counts publish calls by result.
	BroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jummah_chat_broadcasts_total",
		Help: "Total number of broadcast publishes by result",
	}, []string{"result"}) // ok, failed

	// RoomsCreated counts rooms created lazily on first use.
	RoomsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jummah_chat_rooms_created_total",
		Help: "Rooms created on first message",
	})

	// RouteLatency records end-to-end routing latency in seconds.
	RouteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jummah_chat_route_latency_seconds",
		Help:    "Message routing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// HistoryRequests counts history reads by source.
	HistoryRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jummah_chat_history_requests_total",
		Help: "History reads by source",
	}, []string{"source"}) // store, cache
)

// Outcome labels for MessagesTotal.
const (
	OutcomeBroadcast       = "broadcast"
	OutcomeJoin            = "join"
	OutcomeInvalid         = "invalid"
	OutcomeRoomUnavailable = "room_unavailable"
	OutcomeRateLimited     = "rate_limited"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		PresenceEntries,
		MessagesTotal,
		BroadcastsTotal,
		RoomsCreated,
		RouteLatency,
		HistoryRequests,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
