// Package metrics exposes obddash counters and histograms on a private
// Prometheus registry.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "obddash"

// Registry owns every obddash collector. The zero value is not usable; call New.
type Registry struct {
	reg *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	serviceOps     *prometheus.HistogramVec
	ingestMessages *prometheus.CounterVec
	importRows     *prometheus.CounterVec
	reportJobs     *prometheus.CounterVec
}

// New builds a registry with the process and Go runtime collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		serviceOps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "operation_duration_seconds",
			Help:      "Service operation latency by operation and result.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"op", "result"}),
		ingestMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "messages_total",
			Help:      "MQTT messages by kind and result.",
		}, []string{"kind", "result"}),
		importRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "import",
			Name:      "rows_total",
			Help:      "Imported file rows by format and outcome.",
		}, []string{"format", "outcome"}),
		reportJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reports",
			Name:      "jobs_total",
			Help:      "Report jobs by kind and terminal status.",
		}, []string{"kind", "status"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests,
		r.httpDuration,
		r.serviceOps,
		r.ingestMessages,
		r.importRows,
		r.reportJobs,
	)
	return r
}

// Gatherer exposes the registry for tests and custom exporters.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Observe records a service operation outcome.
func (r *Registry) Observe(_ context.Context, op string, success bool, d time.Duration) {
	if op == "" {
		return
	}
	result := "error"
	if success {
		result = "success"
	}
	r.serviceOps.WithLabelValues(op, result).Observe(d.Seconds())
}

// ObserveHTTP records one served request. route is the mux pattern, never the
// raw path, to keep label cardinality bounded.
func (r *Registry) ObserveHTTP(method, route string, code int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// IngestMessage counts one MQTT message.
func (r *Registry) IngestMessage(kind, result string) {
	r.ingestMessages.WithLabelValues(kind, result).Inc()
}

// ImportRows counts the rows of one imported file.
func (r *Registry) ImportRows(format string, imported, skipped int) {
	if imported > 0 {
		r.importRows.WithLabelValues(format, "imported").Add(float64(imported))
	}
	if skipped > 0 {
		r.importRows.WithLabelValues(format, "skipped").Add(float64(skipped))
	}
}

// ReportJob counts a report job reaching status.
func (r *Registry) ReportJob(kind, status string) {
	r.reportJobs.WithLabelValues(kind, status).Inc()
}
