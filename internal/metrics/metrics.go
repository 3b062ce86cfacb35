// Package metrics exposes relay and HTTP counters on a private Prometheus
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all keyrelay metrics. It uses its own registry, so several
// servers in one process (tests) never collide.
type Collector struct {
	Registry *prometheus.Registry

	RelayRequestsTotal  *prometheus.CounterVec
	RelayDuration       *prometheus.HistogramVec
	RelayResponsesTotal *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
	ConfiguredProviders *prometheus.GaugeVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()

	m := &Collector{
		Registry: reg,

		RelayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyrelay",
			Subsystem: "relay",
			Name:      "requests_total",
			Help:      "Relay requests by provider and outcome.",
		}, []string{"provider", "outcome"}),

		RelayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keyrelay",
			Subsystem: "relay",
			Name:      "duration_seconds",
			Help:      "End-to-end relay duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),

		RelayResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyrelay",
			Subsystem: "relay",
			Name:      "responses_total",
			Help:      "Relay responses by provider and client status code.",
		}, []string{"provider", "status_code"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "keyrelay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "route", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keyrelay",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keyrelay",
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),

		ConfiguredProviders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "keyrelay",
			Name:      "provider_configured",
			Help:      "1 when the provider's API key is configured, 0 otherwise.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.RelayRequestsTotal,
		m.RelayDuration,
		m.RelayResponsesTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
		m.ConfiguredProviders,
	)
	return m
}

// ObserveRelay records one finished relay call. status is the code sent to
// the client.
func (m *Collector) ObserveRelay(provider, outcome string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RelayRequestsTotal.WithLabelValues(provider, outcome).Inc()
	m.RelayDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
	if status > 0 {
		m.RelayResponsesTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
	}
}

// SetConfigured publishes whether a provider has a key.
func (m *Collector) SetConfigured(provider string, ok bool) {
	if m == nil {
		return
	}
	v := 0.0
	if ok {
		v = 1
	}
	m.ConfiguredProviders.WithLabelValues(provider).Set(v)
}

// Middleware counts every request. Routes are labelled with the matched
// pattern so unknown paths do not blow up cardinality.
func (m *Collector) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		m.ActiveRequests.Inc()
		defer m.ActiveRequests.Dec()

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
