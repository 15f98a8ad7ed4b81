// Package metrics exposes build and dev-server metrics in the Prometheus
// format. Every Metrics value owns its own registry, so several sessions
// (and tests) can coexist in one process. All methods are safe to call on a
// nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Build kinds.
const (
	BuildCold        = "cold"
	BuildIncremental = "incremental"
)

// Metrics holds all Prometheus metrics for bundlr.
type Metrics struct {
	registry *prometheus.Registry

	// Build metrics
	buildsTotal        *prometheus.CounterVec
	buildDuration      *prometheus.HistogramVec
	generation         prometheus.Gauge
	modules            prometheus.Gauge
	chunks             prometheus.Gauge
	modulesTransformed prometheus.Counter
	artifactsWritten   prometheus.Counter
	bytesWritten       prometheus.Counter

	// Transform cache metrics
	cacheEntries prometheus.Gauge
	cacheHits    prometheus.Gauge
	cacheMisses  prometheus.Gauge

	// Dev server metrics
	clients        prometheus.Gauge
	messagesTotal  *prometheus.CounterVec
	protocolErrors prometheus.Counter
	changeBatches  prometheus.Counter
	batchesDropped prometheus.Counter
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		buildsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlr_builds_total",
				Help: "Total number of builds by kind and result",
			},
			[]string{"kind", "result"},
		),
		buildDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bundlr_build_duration_seconds",
				Help:    "Build latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		generation: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bundlr_generation",
			Help: "Generation of the last successful build",
		}),
		modules: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bundlr_graph_modules",
			Help: "Modules in the current module graph",
		}),
		chunks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bundlr_chunks",
			Help: "Chunks in the current chunk graph",
		}),
		modulesTransformed: factory.NewCounter(prometheus.CounterOpts{
			Name: "bundlr_modules_transformed_total",
			Help: "Modules run through the transform pipeline during rebuilds",
		}),
		artifactsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "bundlr_artifacts_written_total",
			Help: "Artifacts whose bytes changed on disk",
		}),
		bytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "bundlr_artifact_bytes_written_total",
			Help: "Bytes of artifacts written",
		}),

		cacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bundlr_transform_cache_entries",
			Help: "Records held by the transform cache",
		}),
		cacheHits: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bundlr_transform_cache_hits",
			Help: "Transform cache hits since start",
		}),
		cacheMisses: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bundlr_transform_cache_misses",
			Help: "Transform cache misses since start",
		}),

		clients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bundlr_devserver_clients",
			Help: "Connected hot-update clients",
		}),
		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bundlr_devserver_messages_total",
				Help: "Hot-update messages broadcast by type",
			},
			[]string{"type"},
		),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "bundlr_devserver_protocol_errors_total",
			Help: "Client connections closed for malformed frames",
		}),
		changeBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "bundlr_devserver_change_batches_total",
			Help: "Debounced change batches queued for rebuild",
		}),
		batchesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "bundlr_devserver_change_batches_dropped_total",
			Help: "Queued batches dropped because a newer batch subsumed them",
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordBuild records the outcome of one build.
func (m *Metrics) RecordBuild(kind string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.buildsTotal.WithLabelValues(kind, result).Inc()
	m.buildDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// UpdateGraph records the size of the committed build.
func (m *Metrics) UpdateGraph(generation uint64, modules, chunks int) {
	if m == nil {
		return
	}
	m.generation.Set(float64(generation))
	m.modules.Set(float64(modules))
	m.chunks.Set(float64(chunks))
}

// RecordTransformed adds n re-transformed modules.
func (m *Metrics) RecordTransformed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.modulesTransformed.Add(float64(n))
}

// RecordWritten adds written artifacts and their size.
func (m *Metrics) RecordWritten(files int, bytes int64) {
	if m == nil {
		return
	}
	m.artifactsWritten.Add(float64(files))
	m.bytesWritten.Add(float64(bytes))
}

// UpdateCache records transform cache statistics.
func (m *Metrics) UpdateCache(entries int, hits, misses int64) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(entries))
	m.cacheHits.Set(float64(hits))
	m.cacheMisses.Set(float64(misses))
}

// SetClients records the number of connected clients.
func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

// RecordMessage counts a broadcast hot-update message.
func (m *Metrics) RecordMessage(messageType string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(messageType).Inc()
}

// RecordProtocolError counts a connection closed for a malformed frame.
func (m *Metrics) RecordProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

// RecordBatch counts a queued change batch; dropped reports whether it
// replaced a pending batch it subsumed.
func (m *Metrics) RecordBatch(dropped bool) {
	if m == nil {
		return
	}
	m.changeBatches.Inc()
	if dropped {
		m.batchesDropped.Inc()
	}
}
