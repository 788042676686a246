// Package metrics emits billing outcome and API request metrics to AWS
// CloudWatch.
package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"empowerher/internal/billing"
	"empowerher/internal/core"
	"empowerher/internal/types"
)

// Metric names.
const (
	MetricAdmission       = "ReportAdmission"
	MetricReconciliation  = "PaymentReconciliation"
	MetricCheckoutFailure = "CheckoutFailure"
	MetricAPIRequest      = "APIRequest"
	MetricAPILatency      = "APILatency"
)

// Dimension names.
const (
	DimAllowed = "Allowed"
	DimReason  = "Reason"
	DimGateway = "Gateway"
	DimKind    = "Kind"

	DimMethod   = "Method"
	DimEndpoint = "Endpoint"
	DimStatus   = "Status"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchBillingMetrics implements billing.Metrics and
// core.MetricsCollector. Failures are logged and never surface to callers.
//
// Metrics emitted:
//   - ReportAdmission: Dims {Allowed, Reason}
//   - PaymentReconciliation: Dims {Gateway, Reason}
//   - CheckoutFailure: Dims {Gateway, Kind}
//   - APIRequest (Count), APILatency (Milliseconds): Dims {Method, Endpoint, Status}
type CloudWatchBillingMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var (
	_ billing.Metrics       = (*CloudWatchBillingMetrics)(nil)
	_ core.MetricsCollector = (*CloudWatchBillingMetrics)(nil)
)

// NewCloudWatchBillingMetrics creates metrics publishing to namespace.
func NewCloudWatchBillingMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchBillingMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchBillingMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordAdmission counts a report admission decision.
func (m *CloudWatchBillingMetrics) RecordAdmission(ctx context.Context, allowed bool, reason string) {
	m.count(ctx, MetricAdmission,
		dim(DimAllowed, strconv.FormatBool(allowed)),
		dim(DimReason, reason),
	)
}

// RecordReconciliation counts a reconciliation outcome per gateway.
func (m *CloudWatchBillingMetrics) RecordReconciliation(ctx context.Context, gateway types.GatewayName, reason billing.ReconcileReason) {
	m.count(ctx, MetricReconciliation,
		dim(DimGateway, string(gateway)),
		dim(DimReason, string(reason)),
	)
}

// RecordCheckoutFailure counts a failed payment initiation.
func (m *CloudWatchBillingMetrics) RecordCheckoutFailure(ctx context.Context, gateway types.GatewayName, kind types.CheckoutFailureKind) {
	m.count(ctx, MetricCheckoutFailure,
		dim(DimGateway, string(gateway)),
		dim(DimKind, string(kind)),
	)
}

// RecordRequest records one API request: a count and its latency, both
// keyed by method, route pattern and status code.
func (m *CloudWatchBillingMetrics) RecordRequest(ctx context.Context, method, endpoint, status string, duration time.Duration) {
	dims := nonEmpty(
		dim(DimMethod, method),
		dim(DimEndpoint, endpoint),
		dim(DimStatus, status),
	)
	m.put(ctx, MetricAPIRequest,
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAPIRequest),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(MetricAPILatency),
			Value:      aws.Float64(float64(duration.Microseconds()) / 1000),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: dims,
		},
	)
}

func (m *CloudWatchBillingMetrics) count(ctx context.Context, name string, dims ...cwtypes.Dimension) {
	m.put(ctx, name, cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: nonEmpty(dims...),
	})
}

func (m *CloudWatchBillingMetrics) put(ctx context.Context, name string, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record metric",
			"error", err.Error(),
			"metric", name,
		)
	}
}

// nonEmpty drops dimensions with empty values, which CloudWatch rejects.
func nonEmpty(dims ...cwtypes.Dimension) []cwtypes.Dimension {
	filtered := dims[:0]
	for _, d := range dims {
		if aws.ToString(d.Value) != "" {
			filtered = append(filtered, d)
		}
	}
	return filtered
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
