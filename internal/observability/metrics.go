package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the security pipeline.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal       *prometheus.CounterVec
	SecurityRejectionsTotal *prometheus.CounterVec
	StoreErrorsTotal        *prometheus.CounterVec
	RateLimitFailOpensTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldcrm_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "status"},
		),
		SecurityRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldcrm_security_rejections_total",
				Help: "Requests rejected by a security guard",
			},
			[]string{"guard", "reason"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fieldcrm_store_errors_total",
				Help: "Shared counter store failures",
			},
			[]string{"operation"},
		),
		RateLimitFailOpensTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fieldcrm_rate_limit_fail_open_total",
				Help: "Requests admitted without rate limit data because the store was unavailable",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.SecurityRejectionsTotal,
		m.StoreErrorsTotal,
		m.RateLimitFailOpensTotal,
	)

	return m
}

// Reject is nil-safe so guards can run without metrics in tests.
func (m *Metrics) Reject(guard, reason string) {
	if m == nil {
		return
	}
	m.SecurityRejectionsTotal.WithLabelValues(guard, reason).Inc()
}

func (m *Metrics) StoreError(operation string) {
	if m == nil {
		return
	}
	m.StoreErrorsTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) FailOpen() {
	if m == nil {
		return
	}
	m.RateLimitFailOpensTotal.Inc()
}

func (m *Metrics) observeRequest(method string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
