package billing

import (
	"context"

	"empowerher/internal/types"
)

// EventPublisher announces entitlement changes to downstream consumers.
// Publishing is best effort; failures are logged by the caller.
type EventPublisher interface {
	PublishBillingEvent(ctx context.Context, evt types.BillingEvent) error
}

// Metrics records billing outcomes.
type Metrics interface {
	RecordAdmission(ctx context.Context, allowed bool, reason string)
	RecordReconciliation(ctx context.Context, gateway types.GatewayName, reason ReconcileReason)
	RecordCheckoutFailure(ctx context.Context, gateway types.GatewayName, kind types.CheckoutFailureKind)
}

// NoopPublisher discards events. Used when no queue is configured.
type NoopPublisher struct{}

func (NoopPublisher) PublishBillingEvent(context.Context, types.BillingEvent) error { return nil }

// NoopMetrics discards measurements.
type NoopMetrics struct{}

func (NoopMetrics) RecordAdmission(context.Context, bool, string) {}

func (NoopMetrics) RecordReconciliation(context.Context, types.GatewayName, ReconcileReason) {}

func (NoopMetrics) RecordCheckoutFailure(context.Context, types.GatewayName, types.CheckoutFailureKind) {
}
