// Package metrics holds the Prometheus collectors for the transport core.
// A Metrics value is constructed once per process (or per test, with an
// isolated registry) and shared by injection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// Metrics bundles every collector the four core components record into.
type Metrics struct {
	// Connection registry.
	ActiveConnections  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionsEvicted prometheus.Counter
	MessagesSent       prometheus.Counter
	SendErrors         prometheus.Counter

	// Session registry.
	ActiveSessions  prometheus.Gauge
	SessionsClosed  prometheus.Counter
	SessionsEvicted prometheus.Counter

	// Dispatcher: frames by kind and outcome (ok / error).
	FramesTotal *prometheus.CounterVec

	// Routing queue. Exhausted counts items dropped after the retry
	// bound; the caller of Route was already acknowledged, so this
	// counter is the only place those failures remain observable.
	QueueDepth     prometheus.Gauge
	QueueDelivered prometheus.Counter
	QueueRetried   prometheus.Counter
	QueueExhausted prometheus.Counter
	QueueRejected  prometheus.Counter
}

// New builds the collector set against the given registry. Pass
// prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live client connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections accepted",
		}),
		ConnectionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_evicted_total",
			Help:      "Connections evicted by the liveness cleanup loop",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages successfully written to a transport",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Transport write failures",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of open sessions",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Sessions closed explicitly",
		}),
		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Sessions closed by the idle eviction loop",
		}),
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Inbound frames by kind and outcome",
		}, []string{"kind", "status"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Routing queue pending items",
		}),
		QueueDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_delivered_total",
			Help:      "Routing queue items resolved successfully",
		}),
		QueueRetried: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_retried_total",
			Help:      "Routing queue delivery retries",
		}),
		QueueExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_exhausted_total",
			Help:      "Routing queue items dropped after exhausting retries",
		}),
		QueueRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_rejected_total",
			Help:      "Route calls rejected at capacity",
		}),
	}
}
