// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector groups the application metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	// Refreshes counts reconciliation reads by result (ok, error, stale).
	Refreshes *prometheus.CounterVec
	// ViewModels is the number of running view-model instances.
	ViewModels prometheus.Gauge
	// Subscriptions is the number of open change-feed subscriptions.
	Subscriptions prometheus.Gauge
	// BackendCalls counts data store calls by operation and result.
	BackendCalls *prometheus.CounterVec
	// BackendDuration observes data store call latency by operation.
	BackendDuration *prometheus.HistogramVec
	// HTTPRequests counts served requests by method and status.
	HTTPRequests *prometheus.CounterVec
}

// New builds a Collector with all metrics registered under namespace.
func New(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Bookmark collection reconciliation reads by result.",
		}, []string{"result"}),
		ViewModels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "viewmodels_active",
			Help:      "Running view-model instances.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "changefeed_subscriptions_active",
			Help:      "Open change-feed subscriptions.",
		}),
		BackendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_calls_total",
			Help:      "Data store calls by operation and result.",
		}, []string{"op", "result"}),
		BackendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_call_duration_seconds",
			Help:      "Data store call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status class.",
		}, []string{"method", "status"}),
	}
	c.registry.MustRegister(
		c.Refreshes,
		c.ViewModels,
		c.Subscriptions,
		c.BackendCalls,
		c.BackendDuration,
		c.HTTPRequests,
		collectors.NewGoCollector(),
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveBackend records one data store call.
func (c *Collector) ObserveBackend(op string, started time.Time, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.BackendCalls.WithLabelValues(op, result).Inc()
	c.BackendDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// ObserveRefresh records one reconciliation read.
func (c *Collector) ObserveRefresh(result string) {
	if c == nil {
		return
	}
	c.Refreshes.WithLabelValues(result).Inc()
}

// AddViewModels moves the active view-model gauge by delta.
func (c *Collector) AddViewModels(delta float64) {
	if c == nil {
		return
	}
	c.ViewModels.Add(delta)
}

// AddSubscriptions moves the active subscription gauge by delta.
func (c *Collector) AddSubscriptions(delta float64) {
	if c == nil {
		return
	}
	c.Subscriptions.Add(delta)
}

// ObserveHTTP records one served request by status class.
func (c *Collector) ObserveHTTP(method string, status int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, strconv.Itoa(status/100)+"xx").Inc()
}
