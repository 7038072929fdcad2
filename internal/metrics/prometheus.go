// Package metrics provides Prometheus metrics exporting.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics holds all gateway metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestSize      *prometheus.HistogramVec
	responseSize     *prometheus.HistogramVec
	requestsInFlight prometheus.Gauge

	operationsTotal *prometheus.CounterVec
	planningErrors  *prometheus.CounterVec

	subgraphRequests  *prometheus.CounterVec
	subgraphDuration  *prometheus.HistogramVec
	subgraphErrors    *prometheus.CounterVec
	subgraphCoalesced *prometheus.CounterVec

	introspectionsTotal *prometheus.CounterVec
	subgraphDegraded    *prometheus.GaugeVec

	compositionsTotal *prometheus.CounterVec
	schemaInfo        *prometheus.GaugeVec

	documentCacheTotal *prometheus.CounterVec
	snapshotOps        *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a new metrics instance with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	latency := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   latency,
			},
			[]string{"method", "route"},
		),
		requestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_size_bytes",
				Help:      "HTTP request size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
			},
			[]string{"method", "route"},
		),
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   prometheus.ExponentialBuckets(100, 10, 7),
			},
			[]string{"method", "route"},
		),
		requestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests being served",
			},
		),
		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of GraphQL operations by type and outcome",
			},
			[]string{"operation", "outcome"},
		),
		planningErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "planning_errors_total",
				Help:      "Total number of requests rejected during planning",
			},
			[]string{"code"},
		),
		subgraphRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subgraph_requests_total",
				Help:      "Total number of subgraph fetches",
			},
			[]string{"subgraph", "kind", "status"},
		),
		subgraphDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "subgraph_duration_seconds",
				Help:      "Subgraph fetch duration in seconds",
				Buckets:   latency,
			},
			[]string{"subgraph", "kind"},
		),
		subgraphErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subgraph_errors_total",
				Help:      "Total number of failed subgraph fetches",
			},
			[]string{"subgraph", "code"},
		),
		subgraphCoalesced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subgraph_coalesced_total",
				Help:      "Total number of subgraph fetches served by an identical in-flight fetch",
			},
			[]string{"subgraph"},
		),
		introspectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "introspections_total",
				Help:      "Total number of subgraph schema introspections",
			},
			[]string{"subgraph", "result"},
		),
		subgraphDegraded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "subgraph_degraded",
				Help:      "Subgraph degraded status (0=healthy, 1=degraded)",
			},
			[]string{"subgraph"},
		),
		compositionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compositions_total",
				Help:      "Total number of schema compositions by result",
			},
			[]string{"result"},
		),
		schemaInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "schema_info",
				Help:      "Hash of the active composed schema",
			},
			[]string{"hash"},
		),
		documentCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "document_cache_total",
				Help:      "Parsed document cache lookups by result",
			},
			[]string{"result"},
		),
		snapshotOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_operations_total",
				Help:      "Schema snapshot store operations by type and result",
			},
			[]string{"op", "result"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.requestSize,
		m.responseSize,
		m.requestsInFlight,
		m.operationsTotal,
		m.planningErrors,
		m.subgraphRequests,
		m.subgraphDuration,
		m.subgraphErrors,
		m.subgraphCoalesced,
		m.introspectionsTotal,
		m.subgraphDegraded,
		m.compositionsTotal,
		m.schemaInfo,
		m.documentCacheTotal,
		m.snapshotOps,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration, reqSize, respSize int64) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.requestsTotal.WithLabelValues(method, route, statusStr).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	if reqSize > 0 {
		m.requestSize.WithLabelValues(method, route).Observe(float64(reqSize))
	}
	m.responseSize.WithLabelValues(method, route).Observe(float64(respSize))
}

// RecordOperation counts an executed operation. outcome is "success",
// "partial" or "error".
func (m *Metrics) RecordOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordPlanningError counts a rejected request by error code.
func (m *Metrics) RecordPlanningError(code string) {
	if m == nil {
		return
	}
	m.planningErrors.WithLabelValues(code).Inc()
}

// RecordSubgraphFetch records one fetch. kind is "query", "mutation" or "entities".
func (m *Metrics) RecordSubgraphFetch(subgraph, kind string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.subgraphRequests.WithLabelValues(subgraph, kind, strconv.Itoa(status)).Inc()
	m.subgraphDuration.WithLabelValues(subgraph, kind).Observe(duration.Seconds())
}

// RecordSubgraphError records a failed fetch by error code.
func (m *Metrics) RecordSubgraphError(subgraph, code string) {
	if m == nil {
		return
	}
	m.subgraphErrors.WithLabelValues(subgraph, code).Inc()
}

// RecordCoalesced records a fetch that joined an identical in-flight fetch.
func (m *Metrics) RecordCoalesced(subgraph string) {
	if m == nil {
		return
	}
	m.subgraphCoalesced.WithLabelValues(subgraph).Inc()
}

// RecordIntrospection records one introspection attempt.
func (m *Metrics) RecordIntrospection(subgraph string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.introspectionsTotal.WithLabelValues(subgraph, result).Inc()
}

// SetSubgraphDegraded sets the degraded status of a subgraph.
func (m *Metrics) SetSubgraphDegraded(subgraph string, degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1.0
	}
	m.subgraphDegraded.WithLabelValues(subgraph).Set(v)
}

// RecordComposition records a composition attempt. result is "success",
// "failure" or "unchanged".
func (m *Metrics) RecordComposition(result string) {
	if m == nil {
		return
	}
	m.compositionsTotal.WithLabelValues(result).Inc()
}

// SetSchemaHash marks hash as the active schema.
func (m *Metrics) SetSchemaHash(hash string) {
	if m == nil {
		return
	}
	m.schemaInfo.Reset()
	m.schemaInfo.WithLabelValues(hash).Set(1)
}

// RecordDocumentCache records a document cache lookup.
func (m *Metrics) RecordDocumentCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.documentCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	m.documentCacheTotal.WithLabelValues("miss").Inc()
}

// RecordSnapshot records a snapshot store operation.
func (m *Metrics) RecordSnapshot(op string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.snapshotOps.WithLabelValues(op, result).Inc()
}

// Middleware returns an HTTP middleware for metrics collection.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			m.requestsInFlight.Inc()
			defer m.requestsInFlight.Dec()

			rw := &metricsResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			m.RecordRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start), r.ContentLength, rw.bytesWritten)
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture metrics.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *metricsResponseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
