// Package metrics exposes Prometheus instrumentation for the HTTP surface
// and the background job engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the service collectors behind a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	jobsTotal       *prometheus.CounterVec
	syncFailures    *prometheus.CounterVec
}

// New constructs and registers the service collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facilityapi_http_requests_total",
			Help: "HTTP requests served, by method, route, and status code.",
		}, []string{"method", "route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "facilityapi_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facilityapi_jobs_total",
			Help: "Background jobs finished, by action and final status.",
		}, []string{"action", "status"}),
		syncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facilityapi_sync_failures_total",
			Help: "Upstream synchronization failures, by source.",
		}, []string{"source"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.jobsTotal,
		m.syncFailures,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// JobFinished records a finished background job.
func (m *Metrics) JobFinished(action, status string) {
	m.jobsTotal.WithLabelValues(action, status).Inc()
}

// SyncFailure records an upstream synchronization failure.
func (m *Metrics) SyncFailure(source string) {
	m.syncFailures.WithLabelValues(source).Inc()
}
