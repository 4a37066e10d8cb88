// Package metrics exports dispatcher and transport counters in the
// Prometheus exposition format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mnehpets/instantapi/jsonrpc"
)

const namespace = "instantapi"

// unresolvedMethod labels messages that never resolved to a registered
// method (parse errors, unknown names). It keeps label cardinality bounded
// by the registry.
const unresolvedMethod = "(unresolved)"

// Collector implements jsonrpc.Observer and counts WebSocket connections.
type Collector struct {
	registry    *prometheus.Registry
	messages    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	connections prometheus.Gauge
}

// New registers the collectors on a fresh registry, together with the
// standard Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_messages_total",
			Help:      "JSON-RPC messages handled, by method and outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Time from dispatch to completion of a JSON-RPC message.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_connections",
			Help:      "Open WebSocket connections.",
		}),
	}
	c.registry.MustRegister(
		c.messages,
		c.duration,
		c.connections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Observe implements jsonrpc.Observer.
func (c *Collector) Observe(method string, outcome jsonrpc.Outcome, elapsed time.Duration) {
	if method == "" {
		method = unresolvedMethod
	}
	c.messages.WithLabelValues(method, string(outcome)).Inc()
	c.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ConnectionOpened and ConnectionClosed track the WebSocket gauge.
func (c *Collector) ConnectionOpened() { c.connections.Inc() }

func (c *Collector) ConnectionClosed() { c.connections.Dec() }

// Handler serves the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

var _ jsonrpc.Observer = (*Collector)(nil)
