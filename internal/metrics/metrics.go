// Package metrics provides Prometheus metrics export for the node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter aggregates the node's Prometheus collectors.
type Exporter struct {
	registry *prometheus.Registry

	// Memory cache metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheEvictions *prometheus.CounterVec

	// Scheduler metrics
	TaskTransitions *prometheus.CounterVec
	RunsActive      prometheus.Gauge
	DebtsRecorded   *prometheus.CounterVec

	// P2P metrics
	ConnectionsActive prometheus.Gauge
	HandshakeFailures *prometheus.CounterVec
	FramesDropped     prometheus.Counter

	// DHT metrics
	LookupLatency *prometheus.HistogramVec

	// Sandbox metrics
	InvocationFuel *prometheus.HistogramVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry  *prometheus.Registry
	Namespace string
}

// NewExporter creates and registers all collectors.
func NewExporter(cfg Config) *Exporter {
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "cis"
	}

	e := &Exporter{
		registry: registry,
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "cache_hits_total", Help: "Memory cache hits.",
		}, []string{"shard"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "cache_misses_total", Help: "Memory cache misses.",
		}, []string{"shard"}),
		CacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "cache_evictions_total", Help: "Memory cache evictions.",
		}, []string{"reason"}),
		TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "task_transitions_total", Help: "DAG task status transitions.",
		}, []string{"from", "to"}),
		RunsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "runs_active", Help: "DAG runs currently executing.",
		}),
		DebtsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "debts_recorded_total", Help: "Debt entries recorded.",
		}, []string{"failure_type"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "p2p_connections_active", Help: "Authenticated peer connections.",
		}),
		HandshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "p2p_handshake_failures_total", Help: "DID handshake failures.",
		}, []string{"reason"}),
		FramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "p2p_frames_dropped_total", Help: "Oversized frames dropped.",
		}),
		LookupLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "dht_lookup_seconds", Help: "Iterative lookup latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		InvocationFuel: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "sandbox_fuel_consumed", Help: "Fuel consumed per invocation.",
			Buckets: prometheus.ExponentialBuckets(1000, 10, 8),
		}, []string{"skill"}),
	}

	registry.MustRegister(
		e.CacheHits, e.CacheMisses, e.CacheEvictions,
		e.TaskTransitions, e.RunsActive, e.DebtsRecorded,
		e.ConnectionsActive, e.HandshakeFailures, e.FramesDropped,
		e.LookupLatency, e.InvocationFuel,
	)
	return e
}

// Handler returns an HTTP handler serving the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
