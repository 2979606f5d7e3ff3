// Package metrics provides Prometheus-compatible instrumentation for the
// control plane, generalized from the teacher's pkg/metrics.Collector
// (hit counters, rate gauges, per-proxy histograms) into pool, action,
// and auth metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "browserctl"

// Collector owns every metric the control plane exports.
type Collector struct {
	registry *prometheus.Registry

	PoolActive   prometheus.Gauge
	PoolIdle     prometheus.Gauge
	PoolQueue    prometheus.Gauge
	PoolCreated  prometheus.Counter
	PoolDestroyed prometheus.Counter
	PoolRecycled prometheus.CounterVec
	AcquireWaitSeconds prometheus.Histogram
	AcquireTimeouts    prometheus.Counter

	CircuitState *prometheus.GaugeVec // 0=closed 1=half_open 2=open, label "key"

	ActionTotal    *prometheus.CounterVec // labels: kind, outcome
	ActionDuration *prometheus.HistogramVec // label: kind
	ActionRetries  *prometheus.CounterVec // label: kind

	AuthAttempts *prometheus.CounterVec // label: outcome
	RateLimited  prometheus.Counter

	AuditDropped prometheus.Counter
}

// New builds and registers a Collector against a fresh registry (not the
// global default, so tests can construct many independent collectors).
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{registry: reg}

	c.PoolActive = gauge(reg, "pool_active_browsers", "Number of browsers currently acquired")
	c.PoolIdle = gauge(reg, "pool_idle_browsers", "Number of idle browsers available for acquisition")
	c.PoolQueue = gauge(reg, "pool_queue_depth", "Number of acquire waiters currently queued")
	c.PoolCreated = counter(reg, "pool_browsers_created_total", "Total browser instances launched")
	c.PoolDestroyed = counter(reg, "pool_browsers_destroyed_total", "Total browser instances destroyed")
	c.PoolRecycled = *counterVec(reg, "pool_browsers_recycled_total", "Total browser instances recycled", []string{"reason"})
	c.AcquireWaitSeconds = histogram(reg, "pool_acquire_wait_seconds", "Time spent waiting in the acquire queue", prometheus.DefBuckets)
	c.AcquireTimeouts = counter(reg, "pool_acquire_timeouts_total", "Total acquire calls that timed out")

	c.CircuitState = gaugeVec(reg, "circuit_breaker_state", "Circuit breaker state (0=closed,1=half_open,2=open)", []string{"key"})

	c.ActionTotal = counterVec(reg, "action_total", "Total actions dispatched", []string{"kind", "outcome"})
	c.ActionDuration = histogramVec(reg, "action_duration_seconds", "Action execution duration", prometheus.DefBuckets, []string{"kind"})
	c.ActionRetries = counterVec(reg, "action_retries_total", "Total action retry attempts", []string{"kind"})

	c.AuthAttempts = counterVec(reg, "auth_attempts_total", "Total authentication attempts", []string{"outcome"})
	c.RateLimited = counter(reg, "rate_limited_total", "Total requests rejected by the rate limiter")

	c.AuditDropped = counter(reg, "audit_events_dropped_total", "Total audit events dropped due to queue overflow")

	return c
}

func gauge(reg *prometheus.Registry, name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	reg.MustRegister(g)
	return g
}

func counter(reg *prometheus.Registry, name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
	reg.MustRegister(c)
	return c
}

func counterVec(reg *prometheus.Registry, name, help string, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	reg.MustRegister(c)
	return c
}

func gaugeVec(reg *prometheus.Registry, name, help string, labels []string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labels)
	reg.MustRegister(g)
	return g
}

func histogram(reg *prometheus.Registry, name, help string, buckets []float64) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets})
	reg.MustRegister(h)
	return h
}

func histogramVec(reg *prometheus.Registry, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	reg.MustRegister(h)
	return h
}

// Handler returns the Prometheus scrape endpoint for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordAction records one completed action's outcome and duration.
func (c *Collector) RecordAction(kind string, success bool, d time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.ActionTotal.WithLabelValues(kind, outcome).Inc()
	c.ActionDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordAuth records an authentication attempt outcome.
func (c *Collector) RecordAuth(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.AuthAttempts.WithLabelValues(outcome).Inc()
}

// SetCircuitState publishes the current circuit breaker state for key.
func (c *Collector) SetCircuitState(key string, state int) {
	c.CircuitState.WithLabelValues(key).Set(float64(state))
}
