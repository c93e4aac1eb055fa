// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors for the velo daemon
// and its content store.
//
// A nil *Metrics is valid and records nothing, so components accept
// one unconditionally and tests pass nil.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "velo"

// Metrics is the set of collectors shared by the daemon, the service
// layer, and the content store.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	activeConnections prometheus.Gauge

	storePuts         prometheus.Counter
	storeDedupHits    prometheus.Counter
	storeBytesWritten prometheus.Counter
	storeCorrupt      prometheus.Counter

	gcRuns         prometheus.Counter
	gcRemoved      prometheus.Counter
	gcRemovedBytes prometheus.Counter

	materializations *prometheus.CounterVec
	liveGenerations  prometheus.Gauge
}

// New registers all collectors on a fresh registry, together with the
// Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegisterer(registry, registry)
}

// NewWithRegisterer registers the velo collectors on reg. The gatherer
// returned by Handler is registry, which may be nil when the caller
// exposes metrics some other way.
func NewWithRegisterer(reg prometheus.Registerer, registry *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Daemon requests by action and response status.",
		}, []string{"action", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Daemon request handling latency by action.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"action"}),
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Client connections currently open.",
		}),
		storePuts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "puts_total",
			Help:      "Objects ingested, including deduplicated puts.",
		}),
		storeDedupHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "dedup_hits_total",
			Help:      "Puts whose content was already stored.",
		}),
		storeBytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "bytes_written_total",
			Help:      "Bytes written to newly published objects.",
		}),
		storeCorrupt: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "corrupt_objects_total",
			Help:      "Objects that failed digest verification.",
		}),
		gcRuns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "runs_total",
			Help:      "Completed garbage collection passes.",
		}),
		gcRemoved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "objects_removed_total",
			Help:      "Objects deleted by garbage collection.",
		}),
		gcRemovedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gc",
			Name:      "bytes_removed_total",
			Help:      "Bytes reclaimed by garbage collection.",
		}),
		materializations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "materializations_total",
			Help:      "Manifest materializations by result.",
		}, []string{"result"}),
		liveGenerations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_generations",
			Help:      "Generations that are current or still held by a reader.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
// Returns http.NotFoundHandler when there is nothing to gather.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(action, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(action, status).Inc()
	m.requestDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// ConnectionOpened increments the active connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

// ConnectionClosed decrements the active connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// ObservePut records a store put. written is zero for dedup hits.
func (m *Metrics) ObservePut(written int64, dedup bool) {
	if m == nil {
		return
	}
	m.storePuts.Inc()
	if dedup {
		m.storeDedupHits.Inc()
		return
	}
	m.storeBytesWritten.Add(float64(written))
}

// ObserveCorrupt records a failed digest verification.
func (m *Metrics) ObserveCorrupt() {
	if m == nil {
		return
	}
	m.storeCorrupt.Inc()
}

// ObserveGC records a completed, non-dry-run collection.
func (m *Metrics) ObserveGC(removed int, removedBytes int64) {
	if m == nil {
		return
	}
	m.gcRuns.Inc()
	m.gcRemoved.Add(float64(removed))
	m.gcRemovedBytes.Add(float64(removedBytes))
}

// ObserveMaterialize records a materialization attempt.
func (m *Metrics) ObserveMaterialize(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.materializations.WithLabelValues(result).Inc()
}

// GenerationPublished increments the live generation gauge.
func (m *Metrics) GenerationPublished() {
	if m == nil {
		return
	}
	m.liveGenerations.Inc()
}

// GenerationReleased decrements the live generation gauge once a
// retired generation has no readers left.
func (m *Metrics) GenerationReleased() {
	if m == nil {
		return
	}
	m.liveGenerations.Dec()
}
