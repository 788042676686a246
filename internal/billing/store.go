package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"empowerher/internal/types"
)

// PlanStore persists the plan catalog.
type PlanStore interface {
	// GetPlan returns nil, nil when no plan has the given name.
	GetPlan(ctx context.Context, name types.PlanName) (*types.Plan, error)
	// ListPlans returns plans ordered by ascending price.
	ListPlans(ctx context.Context, activeOnly bool) ([]types.Plan, error)
	// InsertPlanIfAbsent inserts the plan unless one with the same name exists.
	// Existing rows are never overwritten.
	InsertPlanIfAbsent(ctx context.Context, plan *types.Plan) (bool, error)
}

// UserStore looks up portal users.
type UserStore interface {
	// GetUser returns nil, nil when the user does not exist.
	GetUser(ctx context.Context, id string) (*types.User, error)
}

// UsageStore owns the monthly counter embedded on the user row. Both methods
// are single atomic statements.
type UsageStore interface {
	// RolloverUsage resets the counter when the stored reset month is earlier
	// than now's UTC month (or was never set) and returns the current usage.
	RolloverUsage(ctx context.Context, userID string, now time.Time) (types.Usage, error)
	// IncrementUsage adds one report if the counter is below limit, rolling
	// the month over first when needed. ok is false when the cap was hit.
	IncrementUsage(ctx context.Context, userID string, limit int, now time.Time) (usage types.Usage, ok bool, err error)
}

// SubscriptionStore owns the user entitlement, the subscription billing record
// and the settlement ledger. Every mutating method is atomic.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, userID string) (*types.Subscription, error)
	FindByGatewayReference(ctx context.Context, reference string) (*types.Subscription, error)
	GetSettlement(ctx context.Context, correlationID string) (*types.Settlement, error)

	// ExpireEntitlement demotes a lapsed paid entitlement to free/expired. The
	// write only lands if the stored period end still equals observedEnd, so a
	// payment confirmed concurrently is never overwritten.
	ExpireEntitlement(ctx context.Context, userID string, observedEnd time.Time, now time.Time) (bool, error)
	// ActivateFree puts both the entitlement and the record on free/active.
	ActivateFree(ctx context.Context, userID string, now time.Time) error
	// MarkCheckoutPending moves the billing record to pending for a new
	// correlation id. It is skipped (false) when the id is already settled.
	MarkCheckoutPending(ctx context.Context, p PendingCheckout) (bool, error)
	// ApplyPayment settles a successful payment and returns the period end
	// the entitlement carries afterwards. The period is chosen with
	// SettlementPeriod inside the same transaction as the ledger write.
	ApplyPayment(ctx context.Context, c PaymentConfirmation) (ConfirmOutcome, time.Time, error)
	// RecordPaymentFailure returns true when a pending or active record
	// matching the correlation id moved to past_due.
	RecordPaymentFailure(ctx context.Context, f PaymentFailure) (bool, error)
	// SetCancelAtPeriodEnd schedules (cancel=true) or clears a downgrade.
	// Clearing revives a cancelled or past_due record.
	SetCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool, now time.Time) error
}

// Store is everything the billing services need from persistence.
type Store interface {
	PlanStore
	UserStore
	UsageStore
	SubscriptionStore
}

// PendingCheckout is the write for a started checkout.
type PendingCheckout struct {
	UserID            string
	Plan              types.PlanName
	Gateway           types.GatewayName
	CorrelationID     string
	CheckoutReference string
	Now               time.Time
}

// PaymentConfirmation is the write for a successful payment event.
type PaymentConfirmation struct {
	CorrelationID string
	UserID        string
	Plan          types.PlanName
	Gateway       types.GatewayName
	Amount        decimal.Decimal
	Currency      string
	PaidAt        time.Time
	Interval      types.BillingInterval
	Now           time.Time
}

// PaymentFailure is the write for a failed or declined payment event.
type PaymentFailure struct {
	CorrelationID string
	UserID        string
	Gateway       types.GatewayName
	Amount        decimal.Decimal
	Currency      string
	At            time.Time
}

// ConfirmOutcome describes what ApplyPayment did.
type ConfirmOutcome string

const (
	// ConfirmApplied: the entitlement moved to the new paid period.
	ConfirmApplied ConfirmOutcome = "applied"
	// ConfirmDuplicate: the correlation id was already settled as succeeded.
	ConfirmDuplicate ConfirmOutcome = "duplicate"
	// ConfirmStale: an earlier failed settlement was upgraded but the
	// current paid period already reaches at least as far as the event would.
	ConfirmStale ConfirmOutcome = "stale"
)
