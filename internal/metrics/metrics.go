// Package metrics provides Prometheus instrumentation for the warden
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so that only warden metrics appear on the /metrics
// endpoint.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the warden server. The
// three storage tiers (Local/Remote/Durable) and the circuit breaker are
// labeled rather than split into distinct fields, so the evaluation
// pipeline and storage registry each touch one small surface.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	LocalCacheSize      prometheus.Gauge
	CacheInvalidations  prometheus.Counter
	StorageTierErrors   *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	EvaluationsTotal    *prometheus.CounterVec
	AuthFailuresTotal   prometheus.Counter
	ActiveStreams       prometheus.Gauge
	MetricsFlushesTotal prometheus.Counter
}

// New creates and registers all warden metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		LocalCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_local_cache_size",
			Help: "Number of flags currently cached in the Local Store.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_cache_invalidations_total",
			Help: "Total number of invalidation-channel messages processed.",
		}),

		StorageTierErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_storage_tier_errors_total",
			Help: "Total number of adapter errors per storage tier.",
		}, []string{"tier"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "warden_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"breaker"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"result"}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_active_streams",
			Help: "Number of active SSE streaming connections.",
		}),

		MetricsFlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_metrics_flushes_total",
			Help: "Total number of metrics pipeline flushes to the Remote Store.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LocalCacheSize,
		m.CacheInvalidations,
		m.StorageTierErrors,
		m.BreakerState,
		m.EvaluationsTotal,
		m.AuthFailuresTotal,
		m.ActiveStreams,
		m.MetricsFlushesTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(result bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(result)).Inc()
}

// SetLocalCacheSize updates the Local Store size gauge.
func (m *Metrics) SetLocalCacheSize(size float64) {
	m.LocalCacheSize.Set(size)
}

// IncCacheInvalidations increments the invalidation-channel counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// IncStorageTierError increments the per-tier adapter error counter.
func (m *Metrics) IncStorageTierError(tier string) {
	m.StorageTierErrors.WithLabelValues(tier).Inc()
}

// SetBreakerState records the breaker's current state (0 closed, 1
// half-open, 2 open), matching gobreaker.State's ordering.
func (m *Metrics) SetBreakerState(breaker string, state int) {
	m.BreakerState.WithLabelValues(breaker).Set(float64(state))
}
