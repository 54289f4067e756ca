// Package metrics provides Prometheus metrics for the ingestion pipeline.
// All recording methods are no-ops on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	EventsIngested  *prometheus.CounterVec
	CacheErrors     *prometheus.CounterVec
	MirrorOps       *prometheus.CounterVec
	MirrorConnected prometheus.Gauge
	BusLagged       *prometheus.CounterVec
	WatcherDispatch *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		EventsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ijoka_events_ingested_total",
				Help: "Events written to the cache by source agent and event type.",
			},
			[]string{"source", "event_type"},
		),
		CacheErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ijoka_cache_errors_total",
				Help: "Local cache failures by operation.",
			},
			[]string{"op"},
		),
		MirrorOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ijoka_mirror_ops_total",
				Help: "Remote mirror operations by operation and result.",
			},
			[]string{"op", "result"},
		),
		MirrorConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ijoka_mirror_connected",
				Help: "1 when the remote graph mirror is connected.",
			},
		),
		BusLagged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ijoka_bus_lagged_total",
				Help: "Events a bus consumer missed because it fell behind.",
			},
			[]string{"consumer"},
		),
		WatcherDispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ijoka_watcher_dispatch_total",
				Help: "Settled file changes dispatched by kind.",
			},
			[]string{"kind"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ijoka_http_request_duration_seconds",
				Help:    "HTTP request duration by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		registry: reg,
	}

	reg.MustRegister(m.EventsIngested)
	reg.MustRegister(m.CacheErrors)
	reg.MustRegister(m.MirrorOps)
	reg.MustRegister(m.MirrorConnected)
	reg.MustRegister(m.BusLagged)
	reg.MustRegister(m.WatcherDispatch)
	reg.MustRegister(m.RequestDuration)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry (for testing).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordIngested counts an event written to the cache.
func (m *Metrics) RecordIngested(source, eventType string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(source, eventType).Inc()
}

// RecordCacheError counts a failed cache operation.
func (m *Metrics) RecordCacheError(op string) {
	if m == nil {
		return
	}
	m.CacheErrors.WithLabelValues(op).Inc()
}

// RecordMirrorOp counts a mirror operation outcome: ok, error, skipped or dropped.
func (m *Metrics) RecordMirrorOp(op, result string) {
	if m == nil {
		return
	}
	m.MirrorOps.WithLabelValues(op, result).Inc()
}

// SetMirrorConnected updates the mirror connection gauge.
func (m *Metrics) SetMirrorConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.MirrorConnected.Set(1)
		return
	}
	m.MirrorConnected.Set(0)
}

// RecordBusLag counts events a consumer missed.
func (m *Metrics) RecordBusLag(consumer string, missed uint64) {
	if m == nil {
		return
	}
	m.BusLagged.WithLabelValues(consumer).Add(float64(missed))
}

// RecordWatcherDispatch counts a dispatched file change.
func (m *Metrics) RecordWatcherDispatch(kind string) {
	if m == nil {
		return
	}
	m.WatcherDispatch.WithLabelValues(kind).Inc()
}

// ObserveRequest records an HTTP request duration.
func (m *Metrics) ObserveRequest(route string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}
