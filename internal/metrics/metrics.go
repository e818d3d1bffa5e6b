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

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector tracks gateway metrics on its own Prometheus registry.
type Collector struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestsTotal     *prometheus.CounterVec
	requestDurations  *prometheus.HistogramVec
	upstreamErrors    *prometheus.CounterVec
	transformFailures *prometheus.CounterVec
	fanoutFailures    prometheus.Counter
	paginationPages   prometheus.Counter
	retryTotal        *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of requests served.",
		}, []string{"route", "method", "status"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration in seconds of a request, including the response body.",
			Buckets:   DefaultBuckets,
		}, []string{"route"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "errors_total",
			Help:      "Backend calls that failed before a response was received.",
		}, []string{"backend"}),
		transformFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transform",
			Name:      "failures_total",
			Help:      "Transform hooks that failed; the untransformed body was sent.",
		}, []string{"route"}),
		fanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "failures_total",
			Help:      "Per-item enrichment calls that failed.",
		}),
		paginationPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pagination",
			Name:      "pages_total",
			Help:      "Pages fetched by the pagination walker.",
		}),
		retryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "retries_total",
			Help:      "Retried gateway-originated backend calls.",
		}, []string{"backend"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per backend: 0=closed, 1=half-open, 2=open.",
		}, []string{"backend"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDurations,
		c.upstreamErrors,
		c.transformFailures,
		c.fanoutFailures,
		c.paginationPages,
		c.retryTotal,
		c.breakerState,
	)
	c.handler = promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return c
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordUpstreamError records a backend transport failure.
func (c *Collector) RecordUpstreamError(backend string) {
	c.upstreamErrors.WithLabelValues(backend).Inc()
}

// RecordTransformFailure records a swallowed hook error.
func (c *Collector) RecordTransformFailure(route string) {
	c.transformFailures.WithLabelValues(route).Inc()
}

// RecordFanoutFailures adds n failed enrichment calls.
func (c *Collector) RecordFanoutFailures(n int) {
	if n > 0 {
		c.fanoutFailures.Add(float64(n))
	}
}

// RecordPaginationPage counts one fetched page.
func (c *Collector) RecordPaginationPage() {
	c.paginationPages.Inc()
}

// RecordRetry counts one retry against backend.
func (c *Collector) RecordRetry(backend string) {
	c.retryTotal.WithLabelValues(backend).Inc()
}

// SetCircuitBreakerState sets the breaker gauge: 0=closed, 1=half-open, 2=open.
func (c *Collector) SetCircuitBreakerState(backend string, state int) {
	c.breakerState.WithLabelValues(backend).Set(float64(state))
}

// WatchRuleSetCache exports the rule set cache counters. stats is read on
// every scrape.
func (c *Collector) WatchRuleSetCache(stats func() (hits, misses, origins int64)) {
	c.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewrite",
			Name:      "ruleset_cache_hits_total",
			Help:      "Rule set lookups served from the cache.",
		}, func() float64 { h, _, _ := stats(); return float64(h) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewrite",
			Name:      "ruleset_cache_misses_total",
			Help:      "Rule set lookups that had to build a rule set.",
		}, func() float64 { _, m, _ := stats(); return float64(m) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rewrite",
			Name:      "ruleset_cache_origins",
			Help:      "Gateway origins with a cached rule set.",
		}, func() float64 { _, _, o := stats(); return float64(o) }),
	)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return c.handler
}
