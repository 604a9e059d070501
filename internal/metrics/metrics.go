// Package metrics provides Prometheus instrumentation for the realtime
// service. It exposes gauges for connection and room counts, counters for
// message and call throughput, and histograms for pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts message submissions by outcome: "accepted",
	// "duplicate", "blocked", or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_total",
		Help: "Total number of message submissions processed",
	}, []string{"result"})

	// SubmitLatency records message pipeline latency in seconds.
	SubmitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_submit_latency_seconds",
		Help:    "Message pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RoomsActive tracks the current number of chat rooms with members.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_rooms_active",
		Help: "Current number of chat rooms with at least one member",
	})

	// CallsActive tracks the current number of live call sessions.
	CallsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_calls_active",
		Help: "Current number of live call sessions",
	})

	// AlertsTotal counts moderation alerts created.
	AlertsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_moderation_alerts_total",
		Help: "Total number of moderation alerts created",
	})

	// BundlerQueueDepth tracks jobs currently waiting in the bundling queue.
	BundlerQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_bundler_queue_depth",
		Help: "Jobs currently waiting in the bundling queue",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		SubmitLatency,
		RoomsActive,
		CallsActive,
		AlertsTotal,
		BundlerQueueDepth,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
