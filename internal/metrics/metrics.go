// Package metrics exposes prometheus collectors for the query pipeline:
// per-stage timings (parse/enforce/compile/execute), RLS decisions, and
// HTTP request counts.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector this engine registers. Use NewMetrics to
// obtain the process-wide singleton; registering the same collector twice
// with the default registry panics, so construction happens once.
type Metrics struct {
	StageDuration    *prometheus.HistogramVec
	RLSDecisions     *prometheus.CounterVec
	QueryErrors      *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	HTTPDuration     *prometheus.HistogramVec
	SchemaTableCount prometheus.Gauge
}

var (
	instance *Metrics
	once     sync.Once
)

// NewMetrics returns the shared Metrics instance, constructing and
// registering it on first call.
func NewMetrics() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "litefuse",
				Name:      "pipeline_stage_duration_seconds",
				Help:      "Duration of each query pipeline stage (parse, enforce, compile, execute).",
				Buckets:   prometheus.DefBuckets,
			}, []string{"stage", "table"}),

			RLSDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "litefuse",
				Name:      "rls_decisions_total",
				Help:      "RLS enforcement outcomes by table and decision (allow, deny_all, passthrough).",
			}, []string{"table", "decision"}),

			QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "litefuse",
				Name:      "query_errors_total",
				Help:      "Pipeline errors by table and error kind.",
			}, []string{"table", "kind"}),

			HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "litefuse",
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, normalized path, and status class.",
			}, []string{"method", "path", "status_class"}),

			HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "litefuse",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration by method and normalized path.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "path"}),

			SchemaTableCount: promauto.NewGauge(prometheus.GaugeOpts{
				Namespace: "litefuse",
				Name:      "schema_table_count",
				Help:      "Number of tables in the last built schema catalog.",
			}),
		}
	})
	return instance
}

// RecordStage observes how long one pipeline stage took for one table.
func (m *Metrics) RecordStage(stage, table string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage, table).Observe(d.Seconds())
}

// RecordRLSDecision increments the decision counter for a table.
func (m *Metrics) RecordRLSDecision(table, decision string) {
	m.RLSDecisions.WithLabelValues(table, decision).Inc()
}

// RecordQueryError increments the error counter for a table/kind pair.
func (m *Metrics) RecordQueryError(table, kind string) {
	m.QueryErrors.WithLabelValues(table, kind).Inc()
}

// RecordHTTPRequest records one finished HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	normalized := normalizePath(path)
	m.HTTPRequests.WithLabelValues(method, normalized, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, normalized).Observe(d.Seconds())
}

// UpdateSchemaTableCount sets the schema_table_count gauge after a reload.
func (m *Metrics) UpdateSchemaTableCount(n int) {
	m.SchemaTableCount.Set(float64(n))
}

// statusClass buckets an HTTP status into its "Nxx" class.
func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// normalizePath collapses long or parameterized paths into a stable
// label so per-row-ID requests don't explode cardinality: every table
// path is already low-cardinality (/<table>), but admin routes carry a
// policy name segment, so anything past 50 characters is bucketed.
func normalizePath(path string) string {
	if len(path) > 50 {
		return "long_path"
	}
	return path
}
