package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"empowerher/internal/types"
)

const stripeAPIBase = "https://api.stripe.com"

// StripeConfig is the adapter's view of the Stripe credentials.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// SuccessURL and CancelURL are where Checkout returns the payer. Both
	// default to the request's callback URL.
	SuccessURL string
	CancelURL  string
	BaseURL    string
}

// StripeGateway runs card payments as one-off Stripe Checkout Sessions. The
// correlation id travels as client_reference_id and comes back on the
// checkout.session webhooks.
type StripeGateway struct {
	base   *BaseClient
	cfg    StripeConfig
	logger *slog.Logger
}

// NewStripeGateway creates the adapter.
func NewStripeGateway(cfg StripeConfig, base *BaseClient, logger *slog.Logger) *StripeGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = stripeAPIBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeGateway{base: base, cfg: cfg, logger: logger}
}

func (g *StripeGateway) Name() types.GatewayName { return types.GatewayStripe }

func (g *StripeGateway) SignatureHeader() string { return "Stripe-Signature" }

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

// Initiate creates a Checkout Session in payment mode with a single ad hoc
// line item for the plan price.
func (g *StripeGateway) Initiate(ctx context.Context, req types.CheckoutRequest) (*types.CheckoutSession, error) {
	if g.cfg.SecretKey == "" {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureNotConfigured, "stripe secret key is not set"), nil
	}
	if req.Method != types.PaymentMethodCard {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureInvalidInput, "stripe supports card payments only"), nil
	}
	amount, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureInvalidInput, err.Error()), nil
	}

	successURL := firstNonEmpty(g.cfg.SuccessURL, req.CallbackURL)
	cancelURL := firstNonEmpty(g.cfg.CancelURL, req.CallbackURL)

	params := url.Values{}
	params.Set("mode", string(stripe.CheckoutSessionModePayment))
	params.Set("client_reference_id", req.CorrelationID)
	params.Set("success_url", successURL)
	params.Set("cancel_url", cancelURL)
	params.Set("payment_method_types[0]", "card")
	params.Set("line_items[0][quantity]", "1")
	params.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	params.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(amount, 10))
	params.Set("line_items[0][price_data][product_data][name]", firstNonEmpty(req.Description, "EmpowerHer subscription"))
	if req.PayerEmail != "" {
		params.Set("customer_email", req.PayerEmail)
	}
	for k, v := range req.Metadata {
		params.Set("metadata["+k+"]", v)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/checkout/sessions",
		strings.NewReader(params.Encode()))
	if err != nil {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureTransient, err.Error()), nil
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	g.setAuthHeaders(httpReq)

	resp, err := g.base.Do(httpReq)
	if err != nil {
		return types.FailedCheckout(g.Name(), req.CorrelationID, failureFromError(err), err.Error()), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body stripeErrorResponse
		_ = decodeJSON(resp, &body)
		g.logger.WarnContext(ctx, "stripe rejected checkout",
			"status", resp.StatusCode,
			"stripe_code", body.Error.Code,
			"message", body.Error.Message,
			"correlation_id", req.CorrelationID,
		)
		return types.FailedCheckout(g.Name(), req.CorrelationID, failureFromStatus(resp.StatusCode), body.Error.Message), nil
	}

	var session stripe.CheckoutSession
	if err := decodeJSON(resp, &session); err != nil {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureTransient, err.Error()), nil
	}
	if session.URL == "" {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureTransient, "stripe returned no checkout url"), nil
	}
	return &types.CheckoutSession{
		Gateway:           g.Name(),
		CorrelationID:     req.CorrelationID,
		CheckoutReference: session.ID,
		Status:            types.CheckoutPending,
		RedirectURL:       session.URL,
	}, nil
}

func (g *StripeGateway) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// Verify retrieves the Checkout Session by its id.
func (g *StripeGateway) Verify(ctx context.Context, correlationID, checkoutReference string) (*types.VerifyResult, error) {
	if g.cfg.SecretKey == "" {
		return nil, notConfigured(g.Name())
	}
	if checkoutReference == "" {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no stripe session recorded for this checkout", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.cfg.BaseURL+"/v1/checkout/sessions/"+url.PathEscape(checkoutReference), nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build session request", err)
	}
	g.setAuthHeaders(req)

	resp, err := g.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "checkout session not found", nil)
	}
	if resp.StatusCode != http.StatusOK {
		var body stripeErrorResponse
		_ = decodeJSON(resp, &body)
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway,
			fmt.Sprintf("stripe returned %d: %s", resp.StatusCode, body.Error.Message), nil)
	}

	var session stripe.CheckoutSession
	if err := decodeJSON(resp, &session); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway, "unreadable stripe session", err)
	}

	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		return &types.VerifyResult{Event: g.event(&session, true, correlationID)}, nil
	case session.Status == stripe.CheckoutSessionStatusExpired:
		return &types.VerifyResult{Event: g.event(&session, false, correlationID)}, nil
	default:
		return &types.VerifyResult{Pending: true}, nil
	}
}

// ParseWebhook validates the Stripe-Signature header, including its
// timestamp tolerance, and normalizes checkout.session events.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*types.WebhookResult, error) {
	if g.cfg.WebhookSecret == "" || signature == "" {
		return &types.WebhookResult{Valid: false}, nil
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, g.cfg.WebhookSecret, webhook.DefaultTolerance); err != nil {
		g.logger.Warn("stripe webhook signature rejected", "error", err)
		return &types.WebhookResult{Valid: false}, nil
	}

	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, invalidBody(g.Name(), err)
	}
	result := &types.WebhookResult{Valid: true, EventType: string(evt.Type)}

	var success bool
	switch evt.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		success = true
	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed, stripe.EventTypeCheckoutSessionExpired:
		success = false
	default:
		return result, nil
	}
	if evt.Data == nil {
		return nil, invalidBody(g.Name(), fmt.Errorf("event %s has no data", evt.ID))
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
		return nil, invalidBody(g.Name(), err)
	}
	// A completed session for a delayed method is not paid yet; the async
	// events settle it.
	if evt.Type == stripe.EventTypeCheckoutSessionCompleted && session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return result, nil
	}
	if session.ClientReferenceID == "" {
		return nil, invalidBody(g.Name(), fmt.Errorf("session %s has no client_reference_id", session.ID))
	}

	out := g.event(&session, success, session.ClientReferenceID)
	if evt.Created > 0 {
		at := time.Unix(evt.Created, 0).UTC()
		out.OccurredAt = &at
	}
	result.Event = out
	return result, nil
}

func (g *StripeGateway) event(s *stripe.CheckoutSession, success bool, fallbackRef string) *types.PaymentEvent {
	ref := firstNonEmpty(s.ClientReferenceID, fallbackRef)
	currency := strings.ToUpper(string(s.Currency))
	return &types.PaymentEvent{
		Gateway:       g.Name(),
		CorrelationID: ref,
		IsSuccess:     success,
		Amount:        FromMinorUnits(s.AmountTotal, currency),
		Currency:      currency,
		RawStatus:     string(s.PaymentStatus),
		Metadata:      fillFromCorrelation(copyMetadata(s.Metadata), ref),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ PaymentGateway = (*StripeGateway)(nil)
