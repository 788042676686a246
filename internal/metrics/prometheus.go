package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"empowerher/internal/billing"
	"empowerher/internal/core"
	"empowerher/internal/types"
)

// PrometheusMetrics implements billing.Metrics and core.MetricsCollector
// over a private registry scraped at /metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	admissions      *prometheus.CounterVec
	reconciliations *prometheus.CounterVec
	checkoutFails   *prometheus.CounterVec
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

var (
	_ billing.Metrics       = (*PrometheusMetrics)(nil)
	_ core.MetricsCollector = (*PrometheusMetrics)(nil)
)

// NewPrometheusMetrics registers the billing and HTTP collectors under
// namespace.
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	m := &PrometheusMetrics{
		registry: prometheus.NewRegistry(),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "report_admissions_total",
			Help:      "Report admission decisions by outcome and reason.",
		}, []string{"allowed", "reason"}),
		reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "reconciliations_total",
			Help:      "Payment reconciliation outcomes by gateway and reason.",
		}, []string{"gateway", "reason"}),
		checkoutFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "checkout_failures_total",
			Help:      "Failed payment initiations by gateway and failure kind.",
		}, []string{"gateway", "kind"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration observed at the API layer.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(m.admissions, m.reconciliations, m.checkoutFails, m.requestTotal, m.requestDuration)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PrometheusMetrics) RecordAdmission(_ context.Context, allowed bool, reason string) {
	m.admissions.WithLabelValues(strconv.FormatBool(allowed), reason).Inc()
}

func (m *PrometheusMetrics) RecordReconciliation(_ context.Context, gateway types.GatewayName, reason billing.ReconcileReason) {
	m.reconciliations.WithLabelValues(string(gateway), string(reason)).Inc()
}

func (m *PrometheusMetrics) RecordCheckoutFailure(_ context.Context, gateway types.GatewayName, kind types.CheckoutFailureKind) {
	m.checkoutFails.WithLabelValues(string(gateway), string(kind)).Inc()
}

// RecordRequest records one API request keyed by route pattern.
func (m *PrometheusMetrics) RecordRequest(_ context.Context, method, endpoint, status string, duration time.Duration) {
	m.requestTotal.WithLabelValues(method, endpoint, status).Inc()
	m.requestDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
}

// Recorder is the union of the metric sinks the service writes to.
type Recorder interface {
	billing.Metrics
	core.MetricsCollector
}

// Fanout forwards every measurement to each recorder in order.
type Fanout []Recorder

var (
	_ billing.Metrics       = Fanout(nil)
	_ core.MetricsCollector = Fanout(nil)
)

func (f Fanout) RecordAdmission(ctx context.Context, allowed bool, reason string) {
	for _, r := range f {
		r.RecordAdmission(ctx, allowed, reason)
	}
}

func (f Fanout) RecordReconciliation(ctx context.Context, gateway types.GatewayName, reason billing.ReconcileReason) {
	for _, r := range f {
		r.RecordReconciliation(ctx, gateway, reason)
	}
}

func (f Fanout) RecordCheckoutFailure(ctx context.Context, gateway types.GatewayName, kind types.CheckoutFailureKind) {
	for _, r := range f {
		r.RecordCheckoutFailure(ctx, gateway, kind)
	}
}

func (f Fanout) RecordRequest(ctx context.Context, method, endpoint, status string, duration time.Duration) {
	for _, r := range f {
		r.RecordRequest(ctx, method, endpoint, status, duration)
	}
}
