// Package metrics provides Prometheus instrumentation for the chat client core
// and the development relay. It exposes counters for dropped frames, reconnects
// and suggestion outcomes, a latency histogram for suggestion requests, and
// gauges for relay connection counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Suggestion and insights outcome labels.
const (
	OutcomeSuccess    = "success"
	OutcomeEmpty      = "empty"
	OutcomeError      = "error"
	OutcomeAborted    = "aborted"
	OutcomeSuperseded = "superseded"
	OutcomeCacheHit   = "cache_hit"
	OutcomeBlank      = "blank"
)

var (
	// FramesDropped counts inbound frames the transport could not decode,
	// labeled by reason: "malformed", "unknown_type" or "invalid_payload".
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assist_frames_dropped_total",
		Help: "Inbound real-time frames dropped by the client transport",
	}, []string{"reason"})

	// Reconnects counts reconnect attempts made by the client transport.
	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "assist_reconnects_total",
		Help: "Reconnect attempts made by the client transport",
	})

	// SuggestOutcomes counts settled suggestion cycles by outcome.
	SuggestOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assist_suggest_outcomes_total",
		Help: "Settled suggestion cycles by outcome",
	}, []string{"outcome"})

	// SuggestLatency records the duration of suggestion requests that reached
	// the network, in seconds.
	SuggestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "assist_suggest_latency_seconds",
		Help:    "Suggestion request latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 4, 8, 12},
	})

	// InsightsOutcomes counts insights requests by outcome.
	InsightsOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "assist_insights_outcomes_total",
		Help: "Insights requests by outcome",
	}, []string{"outcome"})

	// RelayConnections tracks the current number of relay WebSocket connections.
	RelayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Current number of relay WebSocket connections",
	})

	// RelayMessages counts frames handled by the relay, labeled by type:
	// "join", "message", "rejected".
	RelayMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Frames handled by the relay",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(
		FramesDropped,
		Reconnects,
		SuggestOutcomes,
		SuggestLatency,
		InsightsOutcomes,
		RelayConnections,
		RelayMessages,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
