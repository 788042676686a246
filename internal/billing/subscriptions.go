package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"empowerher/internal/types"
)

// CheckoutGateway starts a remote payment session.
type CheckoutGateway interface {
	Name() types.GatewayName
	Initiate(ctx context.Context, req types.CheckoutRequest) (*types.CheckoutSession, error)
}

// SubscriptionConfig carries the checkout settings.
type SubscriptionConfig struct {
	CallbackURL    string
	GatewayTimeout time.Duration
}

// CheckoutInput is the caller's request to pay for a plan.
type CheckoutInput struct {
	Plan        types.PlanName
	Method      types.PaymentMethod
	PhoneNumber string
}

// EffectiveView is the lazily corrected subscription as shown to its owner.
// PaymentStatus is the billing record status when it differs from the
// entitlement, such as pending while a checkout is in flight.
type EffectiveView struct {
	Plan               types.PlanName           `json:"plan"`
	Status             types.SubscriptionStatus `json:"status"`
	CurrentPeriodStart *time.Time               `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time               `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd  bool                     `json:"cancelAtPeriodEnd"`
	PaymentStatus      types.SubscriptionStatus `json:"paymentStatus,omitempty"`
	Usage              types.Usage              `json:"usage"`
	PlanDetails        *types.Plan              `json:"planDetails,omitempty"`
}

// SubscriptionService implements the per-user subscription state machine.
type SubscriptionService struct {
	store   Store
	plans   *PlanRegistry
	gateway CheckoutGateway
	cfg     SubscriptionConfig
	clock   types.Clock
	metrics Metrics
	logger  *slog.Logger
}

// NewSubscriptionService wires the service. gateway may be nil when no
// provider is configured; checkout then fails with gateway_not_configured.
func NewSubscriptionService(
	store Store,
	plans *PlanRegistry,
	gateway CheckoutGateway,
	cfg SubscriptionConfig,
	clock types.Clock,
	metrics Metrics,
	logger *slog.Logger,
) *SubscriptionService {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 15 * time.Second
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionService{
		store:   store,
		plans:   plans,
		gateway: gateway,
		cfg:     cfg,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

func (s *SubscriptionService) loadUser(ctx context.Context, userID string) (*types.User, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return user, nil
}

// Effective returns the user's entitlement after lazy expiry, persisting the
// demotion when the stored period has lapsed. user.Entitlement is updated in
// place so callers can keep using the same value.
func (s *SubscriptionService) Effective(ctx context.Context, user *types.User) (types.Entitlement, error) {
	now := s.clock.Now()
	view, changed := ComputeEffective(user.Entitlement, now)
	if !changed {
		return view, nil
	}

	ok, err := s.store.ExpireEntitlement(ctx, user.ID, *user.Entitlement.CurrentPeriodEnd, now)
	if err != nil {
		return types.Entitlement{}, err
	}
	if !ok {
		// Someone else wrote the entitlement first; trust what is stored now.
		fresh, err := s.loadUser(ctx, user.ID)
		if err != nil {
			return types.Entitlement{}, err
		}
		user.Entitlement = fresh.Entitlement
		view, _ = ComputeEffective(fresh.Entitlement, now)
		return view, nil
	}

	types.LoggerFromContext(ctx, s.logger).InfoContext(ctx, "subscription expired",
		"user_id", user.ID,
		"plan", user.Entitlement.Plan,
		"period_end", user.Entitlement.CurrentPeriodEnd,
	)
	user.Entitlement = view
	return view, nil
}

// GetEffective returns the owner's corrected subscription view.
func (s *SubscriptionService) GetEffective(ctx context.Context, userID string) (*EffectiveView, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.buildView(ctx, user)
}

func (s *SubscriptionService) buildView(ctx context.Context, user *types.User) (*EffectiveView, error) {
	ent, err := s.Effective(ctx, user)
	if err != nil {
		return nil, err
	}

	view := &EffectiveView{
		Plan:               ent.Plan,
		Status:             ent.Status,
		CurrentPeriodStart: ent.CurrentPeriodStart,
		CurrentPeriodEnd:   ent.CurrentPeriodEnd,
		CancelAtPeriodEnd:  ent.CancelAtPeriodEnd,
		Usage:              user.Usage,
	}
	if NeedsRollover(user.Usage.LastResetAt, s.clock.Now()) {
		view.Usage.ReportsThisMonth = 0
	}

	record, err := s.store.GetSubscription(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if record != nil && record.Status != ent.Status {
		view.PaymentStatus = record.Status
	}

	plan, found, err := s.plans.Get(ctx, ent.Plan)
	if err != nil {
		return nil, err
	}
	if found {
		view.PlanDetails = plan
	}
	return view, nil
}

// SubscribeFree moves the user onto the free plan. Paid plans must go
// through BeginPaidCheckout.
func (s *SubscriptionService) SubscribeFree(ctx context.Context, userID string, plan types.PlanName) (*EffectiveView, error) {
	if !plan.IsValid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, "invalid plan", nil)
	}
	if plan.IsPaid() {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			"premium plan requires payment; use initiate-payment", nil,
			map[string]any{"requiresPayment": true})
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ent, err := s.Effective(ctx, user)
	if err != nil {
		return nil, err
	}
	if ent.Plan == types.PlanFree && ent.Status == types.SubStatusActive {
		return s.buildView(ctx, user)
	}

	if err := s.store.ActivateFree(ctx, userID, s.clock.Now()); err != nil {
		return nil, err
	}
	return s.GetEffective(ctx, userID)
}

// Cancel schedules a downgrade at the end of the paid period. Access is kept
// until then.
func (s *SubscriptionService) Cancel(ctx context.Context, userID string) (*EffectiveView, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ent, err := s.Effective(ctx, user)
	if err != nil {
		return nil, err
	}
	if ent.Plan == types.PlanFree {
		return nil, types.NewAppError(types.ErrCodeConflictFreePlan, "cannot cancel free plan", nil)
	}
	if !ent.CancelAtPeriodEnd {
		if err := s.store.SetCancelAtPeriodEnd(ctx, userID, true, s.clock.Now()); err != nil {
			return nil, err
		}
	}
	return s.GetEffective(ctx, userID)
}

// Reactivate clears a scheduled downgrade.
func (s *SubscriptionService) Reactivate(ctx context.Context, userID string) (*EffectiveView, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ent, err := s.Effective(ctx, user)
	if err != nil {
		return nil, err
	}
	if ent.Plan == types.PlanFree {
		return nil, types.NewAppError(types.ErrCodeConflictFreePlan, "no paid subscription to reactivate", nil)
	}
	if err := s.store.SetCancelAtPeriodEnd(ctx, userID, false, s.clock.Now()); err != nil {
		return nil, err
	}
	return s.GetEffective(ctx, userID)
}

// RequirePremium returns nil when the actor may use premium features. Admins
// always pass.
func (s *SubscriptionService) RequirePremium(ctx context.Context, actor types.Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	user, err := s.loadUser(ctx, actor.UserID)
	if err != nil {
		return err
	}
	ent, err := s.Effective(ctx, user)
	if err != nil {
		return err
	}
	if ent.IsPremiumActive() {
		return nil
	}

	msg := "premium subscription required"
	if ent.Status == types.SubStatusExpired {
		msg = "premium subscription has expired"
	}
	return types.NewAppErrorWithDetails(types.ErrCodePermissionPremium, msg, nil, map[string]any{
		"requiresUpgrade": true,
		"currentPlan":     ent.Plan,
		"status":          ent.Status,
	})
}

// BeginPaidCheckout starts a gateway session for a paid plan and marks the
// billing record pending under a fresh correlation id. Retrying simply
// supersedes the earlier pending id.
func (s *SubscriptionService) BeginPaidCheckout(ctx context.Context, userID string, in CheckoutInput) (*types.CheckoutSession, error) {
	if !in.Plan.IsValid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, "invalid plan", nil)
	}
	if !in.Plan.IsPaid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan, "free plan does not require payment", nil)
	}
	if in.Method != types.PaymentMethodCard && in.Method != types.PaymentMethodMobileMoney {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidMethod, "payment method must be card or mobile_money", nil)
	}

	plan, found, err := s.plans.Get(ctx, in.Plan)
	if err != nil {
		return nil, err
	}
	if !found || !plan.IsActive {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan is not available", nil)
	}

	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if s.gateway == nil {
		s.metrics.RecordCheckoutFailure(ctx, "", types.FailureNotConfigured)
		return nil, checkoutError(types.FailedCheckout("", "", types.FailureNotConfigured, "no payment gateway configured"))
	}

	req := types.CheckoutRequest{
		CorrelationID: types.NewCorrelationID(user.ID, plan.Name),
		Amount:        plan.Price,
		Currency:      plan.Currency,
		PayerEmail:    user.Email,
		PayerName:     user.Name,
		Method:        in.Method,
		PhoneNumber:   in.PhoneNumber,
		CallbackURL:   s.cfg.CallbackURL,
		Description:   fmt.Sprintf("%s subscription", plan.DisplayName),
		Metadata: map[string]string{
			types.MetaUserID: user.ID,
			types.MetaPlan:   string(plan.Name),
		},
	}

	session, err := s.initiate(ctx, req)
	if err != nil {
		return nil, err
	}
	logger := types.LoggerFromContext(ctx, s.logger)
	if session.Failed() {
		s.metrics.RecordCheckoutFailure(ctx, session.Gateway, session.FailureKind)
		logger.WarnContext(ctx, "payment initiation failed",
			"user_id", user.ID,
			"gateway", session.Gateway,
			"kind", session.FailureKind,
			"reason", session.FailureReason,
		)
		return nil, checkoutError(session)
	}

	marked, err := s.store.MarkCheckoutPending(ctx, PendingCheckout{
		UserID:            user.ID,
		Plan:              plan.Name,
		Gateway:           session.Gateway,
		CorrelationID:     session.CorrelationID,
		CheckoutReference: session.CheckoutReference,
		Now:               s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	if !marked {
		logger.InfoContext(ctx, "payment settled before checkout returned", "correlation_id", session.CorrelationID)
	}

	logger.InfoContext(ctx, "payment initiated",
		"user_id", user.ID,
		"gateway", session.Gateway,
		"correlation_id", session.CorrelationID,
		"method", in.Method,
	)
	return session, nil
}

func (s *SubscriptionService) initiate(ctx context.Context, req types.CheckoutRequest) (*types.CheckoutSession, error) {
	ictx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	session, err := s.gateway.Initiate(ictx, req)
	if errors.Is(err, context.DeadlineExceeded) || (err == nil && session == nil && ictx.Err() != nil) {
		return types.FailedCheckout(s.gateway.Name(), req.CorrelationID, types.FailureTimeout, "payment provider did not respond in time"), nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "payment initiation failed", err)
	}
	if session == nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "payment gateway returned no session", nil)
	}
	if session.CorrelationID == "" {
		session.CorrelationID = req.CorrelationID
	}
	if session.Gateway == "" {
		session.Gateway = s.gateway.Name()
	}
	return session, nil
}

func checkoutError(session *types.CheckoutSession) *types.AppError {
	details := map[string]any{"gateway": session.Gateway}
	switch session.FailureKind {
	case types.FailureNotConfigured:
		return types.NewAppErrorWithDetails(types.ErrCodeGatewayNotConfigured,
			"payment service is not configured, please contact support", nil, details)
	case types.FailureInvalidInput:
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidBody, session.FailureReason, nil, details)
	case types.FailureRejected:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamGateway,
			"payment provider rejected the request: "+session.FailureReason, nil, details)
	case types.FailureTimeout:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamTimeout,
			"payment provider timed out, please try again", nil, details)
	default:
		return types.NewAppErrorWithDetails(types.ErrCodeUpstreamUnavailable,
			"payment provider is temporarily unavailable, please try again", nil, details)
	}
}

// PaymentInput identifies one payment outcome for a user.
type PaymentInput struct {
	CorrelationID string
	UserID        string
	Plan          types.PlanName
	Gateway       types.GatewayName
	Amount        decimal.Decimal
	Currency      string
	// OccurredAt is the provider's payment time, if known.
	OccurredAt *time.Time
}

// ConfirmPayment grants a paid period for the payment. A payment settling
// for the first time extends an active paid period from its end; otherwise
// the period starts now. It is idempotent per correlation id and never
// shortens a period. The returned time is the entitlement's period end.
func (s *SubscriptionService) ConfirmPayment(ctx context.Context, in PaymentInput) (ConfirmOutcome, time.Time, error) {
	now := s.clock.Now()

	interval := types.IntervalMonth
	plan, found, err := s.plans.Get(ctx, in.Plan)
	if err != nil {
		return "", time.Time{}, err
	}
	if found {
		interval = plan.BillingInterval
	}

	paidAt := now
	if in.OccurredAt != nil && in.OccurredAt.Before(now) {
		paidAt = in.OccurredAt.UTC()
	}

	return s.store.ApplyPayment(ctx, PaymentConfirmation{
		CorrelationID: in.CorrelationID,
		UserID:        in.UserID,
		Plan:          in.Plan,
		Gateway:       in.Gateway,
		Amount:        in.Amount,
		Currency:      in.Currency,
		PaidAt:        paidAt,
		Interval:      interval,
		Now:           now,
	})
}

// MarkPaymentFailed moves a pending or active record carrying the
// correlation id to past_due. Unknown or already settled ids are ignored.
// The entitlement is never touched.
func (s *SubscriptionService) MarkPaymentFailed(ctx context.Context, in PaymentInput) (bool, error) {
	return s.store.RecordPaymentFailure(ctx, PaymentFailure{
		CorrelationID: in.CorrelationID,
		UserID:        in.UserID,
		Gateway:       in.Gateway,
		Amount:        in.Amount,
		Currency:      in.Currency,
		At:            s.clock.Now(),
	})
}
