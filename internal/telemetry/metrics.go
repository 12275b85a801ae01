package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics for the service. A nil *Collector
// is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Proxy metrics
	ProxyForwards *prometheus.CounterVec
	ProxyDuration *prometheus.HistogramVec

	// View metrics
	ViewsActive  prometheus.Gauge
	GraphFetches *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry, so several
// collectors can coexist in one process (tests).
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ProxyForwards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "proxy_forwards_total",
				Help:      "Total number of forwarded upstream requests by outcome",
			},
			[]string{"method", "outcome"},
		),
		ProxyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "proxy_forward_duration_seconds",
				Help:      "Upstream round trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ViewsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "views_active",
				Help:      "Number of open graph views",
			},
		),
		GraphFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "graph_fetches_total",
				Help:      "Graph fetch results by outcome (applied, stale, failed)",
			},
			[]string{"kind", "outcome"},
		),
	}

	registry.MustRegister(
		c.HTTPRequests,
		c.HTTPDuration,
		c.ProxyForwards,
		c.ProxyDuration,
		c.ViewsActive,
		c.GraphFetches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry exposes the underlying registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request. A nil collector is a no-op, as
// for every Observe and View method below.
func (c *Collector) ObserveHTTP(method, route, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, status).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveForward records one forwarder call by outcome.
func (c *Collector) ObserveForward(method, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.ProxyForwards.WithLabelValues(method, outcome).Inc()
	c.ProxyDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ViewOpened increments the active views gauge.
func (c *Collector) ViewOpened() {
	if c == nil {
		return
	}
	c.ViewsActive.Inc()
}

// ViewClosed decrements the active views gauge.
func (c *Collector) ViewClosed() {
	if c == nil {
		return
	}
	c.ViewsActive.Dec()
}

// GraphFetch counts a finished graph fetch. Outcome is applied, stale or
// failed.
func (c *Collector) GraphFetch(kind, outcome string) {
	if c == nil {
		return
	}
	c.GraphFetches.WithLabelValues(kind, outcome).Inc()
}
