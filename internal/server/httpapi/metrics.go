package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the server's operational counters.
type Metrics struct {
	registry *prometheus.Registry

	PollBatches     prometheus.Counter
	PollCompletions prometheus.Counter
	PollFailures    prometheus.Counter
	StreamClients   prometheus.Gauge
	StreamEvents    prometheus.Counter
	GatewayFallback prometheus.Counter
}

// NewMetrics builds a self-contained registry so tests can run many
// servers in one process without collector collisions.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		PollBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_poll_batches_total",
			Help: "Workflow poll batches executed.",
		}),
		PollCompletions: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_poll_completions_total",
			Help: "Workflows completed by the poller.",
		}),
		PollFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_poll_failures_total",
			Help: "Workflows failed by the poller.",
		}),
		StreamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cortex_stream_clients",
			Help: "Currently connected SSE clients.",
		}),
		StreamEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_stream_events_total",
			Help: "Session events pushed over SSE.",
		}),
		GatewayFallback: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_gateway_fallback_total",
			Help: "Responses served from cached sessions because the gateway returned nothing.",
		}),
	}
}
