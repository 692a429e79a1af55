package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the gateway's Prometheus registry and instruments.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	rateLimitRejected  *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	retriesTotal       *prometheus.CounterVec
	upstreamErrors     *prometheus.CounterVec
	websocketSessions  prometheus.Gauge
	configReloads      *prometheus.CounterVec
}

// NewCollector creates a collector with a dedicated registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairos",
			Name:      "requests_total",
			Help:      "Requests handled, by route, method, and status.",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kairos",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairos",
			Name:      "rate_limit_rejected_total",
			Help:      "Requests rejected by the rate limiter.",
		}, []string{"route"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairos",
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"route", "backend", "to"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kairos",
			Name:      "circuit_breaker_state",
			Help:      "Breaker state per backend: 0 closed, 1 open, 2 half-open.",
		}, []string{"route", "backend"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairos",
			Name:      "retries_total",
			Help:      "Retry attempts, by route.",
		}, []string{"route"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairos",
			Name:      "upstream_errors_total",
			Help:      "Upstream failures, by route and error code.",
		}, []string{"route", "code"}),
		websocketSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kairos",
			Name:      "websocket_sessions",
			Help:      "Live proxied WebSocket sessions.",
		}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kairos",
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts, by outcome.",
		}, []string{"outcome"}),
	}

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.rateLimitRejected,
		c.breakerTransitions,
		c.breakerState,
		c.retriesTotal,
		c.upstreamErrors,
		c.websocketSessions,
		c.configReloads,
	)
	return c
}

// RecordRequest records a completed request.
func (c *Collector) RecordRequest(route, method string, status int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordRateLimited records a 429 rejection.
func (c *Collector) RecordRateLimited(route string) {
	c.rateLimitRejected.WithLabelValues(route).Inc()
}

// RecordBreakerState records a breaker's current state.
func (c *Collector) RecordBreakerState(route, backend string, state int) {
	c.breakerState.WithLabelValues(route, backend).Set(float64(state))
}

// RecordBreakerTransition records a state change.
func (c *Collector) RecordBreakerTransition(route, backend, to string) {
	c.breakerTransitions.WithLabelValues(route, backend, to).Inc()
}

// RecordRetry records one retry attempt.
func (c *Collector) RecordRetry(route string) {
	c.retriesTotal.WithLabelValues(route).Inc()
}

// RecordUpstreamError records an upstream failure by taxonomy code.
func (c *Collector) RecordUpstreamError(route, code string) {
	c.upstreamErrors.WithLabelValues(route, code).Inc()
}

// WebSocketOpened increments the live session gauge.
func (c *Collector) WebSocketOpened() { c.websocketSessions.Inc() }

// WebSocketClosed decrements the live session gauge.
func (c *Collector) WebSocketClosed() { c.websocketSessions.Dec() }

// RecordConfigReload records a reload attempt.
func (c *Collector) RecordConfigReload(ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.configReloads.WithLabelValues(outcome).Inc()
}

// Handler returns the Prometheus text exposition handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
