package billing

import (
	"context"
	"log/slog"
	"time"

	"empowerher/internal/types"
)

// ReconcileReason explains a reconciliation result.
type ReconcileReason string

const (
	ReasonConfirmed       ReconcileReason = "confirmed"
	ReasonDuplicate       ReconcileReason = "duplicate"
	ReasonStale           ReconcileReason = "stale"
	ReasonFailureRecorded ReconcileReason = "failure_recorded"
	ReasonFailureNoMatch  ReconcileReason = "failure_no_match"
	ReasonUserNotFound    ReconcileReason = "user_not_found"
)

// ReconcileResult is the outcome of one reconciliation. Applied is false
// only when the event could not be tied to a user.
type ReconcileResult struct {
	Applied bool            `json:"applied"`
	Reason  ReconcileReason `json:"reason"`
	UserID  string          `json:"userId,omitempty"`
}

// Reconciler turns normalized payment events into subscription transitions.
// It is safe to call any number of times with the same event, in any order.
type Reconciler struct {
	store     Store
	subs      *SubscriptionService
	plans     *PlanRegistry
	publisher EventPublisher
	metrics   Metrics
	clock     types.Clock
	logger    *slog.Logger
}

// NewReconciler wires a reconciler.
func NewReconciler(
	store Store,
	subs *SubscriptionService,
	plans *PlanRegistry,
	publisher EventPublisher,
	metrics Metrics,
	clock types.Clock,
	logger *slog.Logger,
) *Reconciler {
	if publisher == nil {
		publisher = NoopPublisher{}
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     store,
		subs:      subs,
		plans:     plans,
		publisher: publisher,
		metrics:   metrics,
		clock:     clock,
		logger:    logger,
	}
}

// Reconcile applies evt. A returned error means persistence failed and the
// event should be redelivered; every other outcome is in the result.
func (r *Reconciler) Reconcile(ctx context.Context, evt *types.PaymentEvent) (ReconcileResult, error) {
	logger := types.LoggerFromContext(ctx, r.logger).With(
		"gateway", evt.Gateway,
		"correlation_id", evt.CorrelationID,
		"success", evt.IsSuccess,
	)

	userID := evt.UserID()
	if userID == "" {
		logger.WarnContext(ctx, "payment event carries no user id")
		return r.done(ctx, evt, ReconcileResult{Reason: ReasonUserNotFound}), nil
	}
	user, err := r.store.GetUser(ctx, userID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if user == nil {
		logger.WarnContext(ctx, "payment event for unknown user", "user_id", userID)
		return r.done(ctx, evt, ReconcileResult{Reason: ReasonUserNotFound}), nil
	}

	// The stored record wins over event metadata when both name an owner.
	record, err := r.store.FindByGatewayReference(ctx, evt.CorrelationID)
	if err != nil {
		return ReconcileResult{}, err
	}
	if record != nil && record.UserID != userID {
		logger.WarnContext(ctx, "payment event owner differs from record owner",
			"event_user_id", userID,
			"record_user_id", record.UserID,
		)
		owner, err := r.store.GetUser(ctx, record.UserID)
		if err != nil {
			return ReconcileResult{}, err
		}
		if owner == nil {
			return r.done(ctx, evt, ReconcileResult{Reason: ReasonUserNotFound}), nil
		}
		userID = owner.ID
	}
	logger = logger.With("user_id", userID)

	in := PaymentInput{
		CorrelationID: evt.CorrelationID,
		UserID:        userID,
		Plan:          r.paidPlan(ctx, evt, record, logger),
		Gateway:       evt.Gateway,
		Amount:        evt.Amount,
		Currency:      evt.Currency,
		OccurredAt:    evt.OccurredAt,
	}

	if evt.IsSuccess {
		return r.confirm(ctx, evt, in, logger)
	}
	return r.fail(ctx, evt, in, logger)
}

func (r *Reconciler) confirm(ctx context.Context, evt *types.PaymentEvent, in PaymentInput, logger *slog.Logger) (ReconcileResult, error) {
	r.checkAmount(ctx, in, logger)

	outcome, end, err := r.subs.ConfirmPayment(ctx, in)
	if err != nil {
		return ReconcileResult{}, err
	}

	res := ReconcileResult{Applied: true, UserID: in.UserID}
	switch outcome {
	case ConfirmDuplicate:
		res.Reason = ReasonDuplicate
		logger.InfoContext(ctx, "payment already settled")
	case ConfirmStale:
		res.Reason = ReasonStale
		logger.InfoContext(ctx, "payment settled without extending period", "period_end", end)
	default:
		res.Reason = ReasonConfirmed
		logger.InfoContext(ctx, "payment confirmed", "plan", in.Plan, "period_end", end)
		r.publish(ctx, types.BillingEvent{
			UserID:        in.UserID,
			Plan:          in.Plan,
			Status:        types.SubStatusActive,
			PeriodEnd:     &end,
			CorrelationID: in.CorrelationID,
			Gateway:       in.Gateway,
		}, logger)
	}
	return r.done(ctx, evt, res), nil
}

func (r *Reconciler) fail(ctx context.Context, evt *types.PaymentEvent, in PaymentInput, logger *slog.Logger) (ReconcileResult, error) {
	moved, err := r.subs.MarkPaymentFailed(ctx, in)
	if err != nil {
		return ReconcileResult{}, err
	}

	res := ReconcileResult{Applied: true, UserID: in.UserID, Reason: ReasonFailureNoMatch}
	if moved {
		res.Reason = ReasonFailureRecorded
		logger.InfoContext(ctx, "payment failed", "raw_status", evt.RawStatus)
		r.publish(ctx, types.BillingEvent{
			UserID:        in.UserID,
			Plan:          in.Plan,
			Status:        types.SubStatusPastDue,
			CorrelationID: in.CorrelationID,
			Gateway:       in.Gateway,
		}, logger)
	} else {
		logger.InfoContext(ctx, "payment failure matched no open record", "raw_status", evt.RawStatus)
	}
	return r.done(ctx, evt, res), nil
}

// paidPlan picks the plan a payment is for: event metadata, then the pending
// record, then premium.
func (r *Reconciler) paidPlan(ctx context.Context, evt *types.PaymentEvent, record *types.Subscription, logger *slog.Logger) types.PlanName {
	if p := evt.Plan(); p.IsPaid() {
		return p
	}
	if record != nil && record.Plan.IsPaid() {
		return record.Plan
	}
	if evt.IsSuccess {
		logger.WarnContext(ctx, "payment event has no paid plan, assuming premium", "plan", evt.Plan())
	}
	return types.PlanPremium
}

func (r *Reconciler) checkAmount(ctx context.Context, in PaymentInput, logger *slog.Logger) {
	plan, found, err := r.plans.Get(ctx, in.Plan)
	if err != nil || !found {
		return
	}
	if in.Amount.LessThan(plan.Price) || (in.Currency != "" && in.Currency != plan.Currency) {
		logger.WarnContext(ctx, "payment amount does not match plan price",
			"amount", in.Amount.String(),
			"currency", in.Currency,
			"plan_price", plan.Price.String(),
			"plan_currency", plan.Currency,
		)
	}
}

func (r *Reconciler) publish(ctx context.Context, evt types.BillingEvent, logger *slog.Logger) {
	evt.Type = types.BillingEventSubscriptionChanged
	evt.OccurredAt = r.clock.Now()
	if err := r.publisher.PublishBillingEvent(ctx, evt); err != nil {
		logger.WarnContext(ctx, "failed to publish billing event", "error", err)
	}
}

func (r *Reconciler) done(ctx context.Context, evt *types.PaymentEvent, res ReconcileResult) ReconcileResult {
	r.metrics.RecordReconciliation(ctx, evt.Gateway, res.Reason)
	return res
}

// reconcileTimeout bounds inline reconciliation from a webhook delivery.
const reconcileTimeout = 10 * time.Second

// ReconcileDetached runs Reconcile on a context that survives the caller's
// cancellation, so a provider closing the webhook connection does not abort
// a half-applied confirmation.
func (r *Reconciler) ReconcileDetached(ctx context.Context, evt *types.PaymentEvent) (ReconcileResult, error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()
	return r.Reconcile(dctx, evt)
}
