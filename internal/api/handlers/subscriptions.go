package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"empowerher/internal/billing"
	"empowerher/internal/core"
	"empowerher/internal/external"
	"empowerher/internal/types"
)

// defaultVerifyTimeout bounds the provider status lookup when no gateway
// timeout is configured.
const defaultVerifyTimeout = 15 * time.Second

// ---------------------------------------------------------------------------
// Interfaces for subscription handler dependencies
// ---------------------------------------------------------------------------

// SubscriptionService is the subset of billing.SubscriptionService the
// handler drives.
type SubscriptionService interface {
	GetEffective(ctx context.Context, userID string) (*billing.EffectiveView, error)
	SubscribeFree(ctx context.Context, userID string, plan types.PlanName) (*billing.EffectiveView, error)
	Cancel(ctx context.Context, userID string) (*billing.EffectiveView, error)
	Reactivate(ctx context.Context, userID string) (*billing.EffectiveView, error)
	BeginPaidCheckout(ctx context.Context, userID string, in billing.CheckoutInput) (*types.CheckoutSession, error)
}

// PlanCatalog lists and seeds plans.
type PlanCatalog interface {
	ListActive(ctx context.Context) ([]types.Plan, error)
	EnsureDefaults(ctx context.Context) ([]types.PlanName, error)
}

// PaymentReconciler applies normalized payment events.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, evt *types.PaymentEvent) (billing.ReconcileResult, error)
	ReconcileDetached(ctx context.Context, evt *types.PaymentEvent) (billing.ReconcileResult, error)
}

// GatewayLookup resolves payment providers by name.
type GatewayLookup interface {
	Get(name types.GatewayName) (external.PaymentGateway, error)
	Default() external.PaymentGateway
}

// BillingRecordFinder locates the billing record carrying a correlation id.
type BillingRecordFinder interface {
	FindByGatewayReference(ctx context.Context, reference string) (*types.Subscription, error)
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

// InitiatePaymentRequest is the body of POST /v1/subscriptions/initiate-payment.
type InitiatePaymentRequest struct {
	Plan          types.PlanName      `json:"plan" validate:"required,plan_name"`
	PaymentMethod types.PaymentMethod `json:"paymentMethod" validate:"required,payment_method"`
	// PhoneNumber is checked by the gateway adapter, which reports a missing
	// or malformed number for mobile money as a failed checkout.
	PhoneNumber string `json:"phoneNumber" validate:"omitempty,max=20"`
}

// InitiatePaymentResponse carries the checkout session and what the payer
// should do next.
type InitiatePaymentResponse struct {
	Payment      *types.CheckoutSession `json:"payment"`
	Instructions string                 `json:"instructions"`
}

// SubscribeRequest is the body of POST /v1/subscriptions/subscribe.
type SubscribeRequest struct {
	Plan types.PlanName `json:"plan" validate:"required,plan_name"`
}

// Verification states reported by GET /v1/subscriptions/verify/{reference}.
const (
	VerifyPending   = "pending"
	VerifySucceeded = "succeeded"
	VerifyFailed    = "failed"
)

// VerifyPaymentResponse reports the provider's view of a checkout and, once
// settled, the reconciled subscription.
type VerifyPaymentResponse struct {
	Reference      string                   `json:"reference"`
	Status         string                   `json:"status"`
	Reconciliation *billing.ReconcileResult `json:"reconciliation,omitempty"`
	Subscription   *billing.EffectiveView   `json:"subscription,omitempty"`
}

// EnsureDefaultsResponse lists the plans inserted by a seeding call.
type EnsureDefaultsResponse struct {
	Inserted []types.PlanName `json:"inserted"`
}

// ---------------------------------------------------------------------------
// SubscriptionHandler
// ---------------------------------------------------------------------------

// SubscriptionHandler serves the /v1/subscriptions endpoints other than the
// provider webhooks.
type SubscriptionHandler struct {
	subs           SubscriptionService
	plans          PlanCatalog
	reconciler     PaymentReconciler
	gateways       GatewayLookup
	records        BillingRecordFinder
	guards         RouteGuards
	validator      *core.Validator
	gatewayTimeout time.Duration
	logger         *slog.Logger
}

// NewSubscriptionHandler creates a SubscriptionHandler.
func NewSubscriptionHandler(
	subs SubscriptionService,
	plans PlanCatalog,
	reconciler PaymentReconciler,
	gateways GatewayLookup,
	records BillingRecordFinder,
	guards RouteGuards,
	v *core.Validator,
	gatewayTimeout time.Duration,
	l *slog.Logger,
) *SubscriptionHandler {
	if l == nil {
		l = slog.Default()
	}
	if gatewayTimeout <= 0 {
		gatewayTimeout = defaultVerifyTimeout
	}
	return &SubscriptionHandler{
		subs:           subs,
		plans:          plans,
		reconciler:     reconciler,
		gateways:       gateways,
		records:        records,
		guards:         guards,
		validator:      v,
		gatewayTimeout: gatewayTimeout,
		logger:         l,
	}
}

// RegisterRoutes mounts the subscription endpoints. The plan listing is
// public; everything else relies on the auth middleware applied by core.
func (h *SubscriptionHandler) RegisterRoutes(r chi.Router) {
	r.Route("/subscriptions", func(r chi.Router) {
		r.Get("/plans", h.ListPlans)
		r.With(h.guards.admin()).Post("/plans/ensure-defaults", h.EnsureDefaults)

		r.Get("/me", h.GetMine)
		r.With(h.guards.rateLimit("initiate")).Post("/initiate-payment", h.InitiatePayment)
		r.With(h.guards.rateLimit("verify")).Get("/verify/{reference}", h.VerifyPayment)
		r.Post("/subscribe", h.Subscribe)
		r.Post("/cancel", h.Cancel)
		r.Post("/reactivate", h.Reactivate)
	})
}

// ListPlans handles GET /v1/subscriptions/plans.
func (h *SubscriptionHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.ListActive(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if plans == nil {
		plans = []types.Plan{}
	}
	core.Success(w, r, http.StatusOK, plans)
}

// EnsureDefaults handles POST /v1/subscriptions/plans/ensure-defaults.
// Seeding is insert-if-absent, so repeated calls are harmless.
func (h *SubscriptionHandler) EnsureDefaults(w http.ResponseWriter, r *http.Request) {
	inserted, err := h.plans.EnsureDefaults(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if inserted == nil {
		inserted = []types.PlanName{}
	}
	core.Success(w, r, http.StatusOK, EnsureDefaultsResponse{Inserted: inserted})
}

// GetMine handles GET /v1/subscriptions/me.
func (h *SubscriptionHandler) GetMine(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	view, err := h.subs.GetEffective(r.Context(), actor.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusOK, view)
}

// InitiatePayment handles POST /v1/subscriptions/initiate-payment.
//
// Expected provider failures are mapped by the billing service to
// gateway_not_configured (503), upstream_* (502/504) or a validation error.
func (h *SubscriptionHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req InitiatePaymentRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	session, err := h.subs.BeginPaidCheckout(r.Context(), actor.UserID, billing.CheckoutInput{
		Plan:        req.Plan,
		Method:      req.PaymentMethod,
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.Success(w, r, http.StatusOK, InitiatePaymentResponse{
		Payment:      session,
		Instructions: paymentInstructions(session),
	})
}

func paymentInstructions(session *types.CheckoutSession) string {
	if session.Instructions != "" {
		return session.Instructions
	}
	if session.RedirectURL != "" {
		return "Complete your payment on the checkout page."
	}
	return "Check your phone and enter your PIN to complete the payment."
}

// VerifyPayment handles GET /v1/subscriptions/verify/{reference}.
//
// The provider is asked for the checkout's current state and a settled
// result is fed through the same reconciliation path as a webhook, so a
// payer returning from checkout before the webhook lands sees the upgrade.
// Only the owner of the checkout (or an admin) may verify it; other callers
// get the same 404 as an unknown reference.
func (h *SubscriptionHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField, "payment reference is required", nil))
		return
	}

	record, err := h.records.FindByGatewayReference(r.Context(), reference)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !ownsReference(actor, reference, record) {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundSubscription, "payment not found", nil))
		return
	}

	gw, err := h.gatewayFor(record)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	checkoutRef := ""
	if record != nil {
		checkoutRef = record.CheckoutReference
	}
	vctx, cancel := context.WithTimeout(r.Context(), h.gatewayTimeout)
	result, err := gw.Verify(vctx, reference, checkoutRef)
	cancel()
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if result == nil || result.Pending || result.Event == nil {
		core.Success(w, r, http.StatusOK, VerifyPaymentResponse{Reference: reference, Status: VerifyPending})
		return
	}

	recon, err := h.reconciler.ReconcileDetached(r.Context(), result.Event)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	resp := VerifyPaymentResponse{
		Reference:      reference,
		Status:         VerifyFailed,
		Reconciliation: &recon,
	}
	if result.Event.IsSuccess {
		resp.Status = VerifySucceeded
	}

	owner := recon.UserID
	if owner == "" {
		owner = actor.UserID
	}
	view, err := h.subs.GetEffective(r.Context(), owner)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	resp.Subscription = view
	core.Success(w, r, http.StatusOK, resp)
}

// ownsReference decides ownership from the stored record when one exists,
// falling back to the user embedded in the correlation id.
func ownsReference(actor types.Actor, reference string, record *types.Subscription) bool {
	if actor.IsAdmin() {
		return true
	}
	if record != nil {
		return record.UserID == actor.UserID
	}
	userID, _, ok := types.ParseCorrelationID(reference)
	return ok && userID == actor.UserID
}

func (h *SubscriptionHandler) gatewayFor(record *types.Subscription) (external.PaymentGateway, error) {
	if record != nil && record.Gateway != "" {
		return h.gateways.Get(record.Gateway)
	}
	if gw := h.gateways.Default(); gw != nil {
		return gw, nil
	}
	return nil, types.NewAppError(types.ErrCodeGatewayNotConfigured,
		"payment service is not configured, please contact support", nil)
}

// Subscribe handles POST /v1/subscriptions/subscribe. Only the free plan can
// be joined without payment.
func (h *SubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req SubscribeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	view, err := h.subs.SubscribeFree(r.Context(), actor.UserID, req.Plan)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusOK, view)
}

// Cancel handles POST /v1/subscriptions/cancel. Access continues until the
// current period ends.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	view, err := h.subs.Cancel(r.Context(), actor.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusOK, view)
}

// Reactivate handles POST /v1/subscriptions/reactivate.
func (h *SubscriptionHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	view, err := h.subs.Reactivate(r.Context(), actor.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Success(w, r, http.StatusOK, view)
}
