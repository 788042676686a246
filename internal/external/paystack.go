package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"empowerher/internal/types"
)

// PaystackConfig is the adapter's view of the Paystack credentials.
type PaystackConfig struct {
	SecretKey string
	PublicKey string
	// WebhookSecret signs inbound deliveries. Paystack signs with the secret
	// key, so an empty value falls back to SecretKey.
	WebhookSecret string
	BaseURL       string
}

func (c PaystackConfig) configured() bool {
	return c.SecretKey != "" && c.PublicKey != ""
}

func (c PaystackConfig) webhookSecret() string {
	if c.WebhookSecret != "" {
		return c.WebhookSecret
	}
	return c.SecretKey
}

// PaystackGateway runs hosted card checkout and M-Pesa charges through
// Paystack. Amounts travel in minor units and the correlation id is sent as
// the transaction reference.
type PaystackGateway struct {
	base   *BaseClient
	cfg    PaystackConfig
	logger *slog.Logger
}

// NewPaystackGateway creates the adapter. An unconfigured adapter is still
// usable: Initiate reports not_configured without calling out.
func NewPaystackGateway(cfg PaystackConfig, base *BaseClient, logger *slog.Logger) *PaystackGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.paystack.co"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &PaystackGateway{base: base, cfg: cfg, logger: logger}
}

func (g *PaystackGateway) Name() types.GatewayName { return types.GatewayPaystack }

func (g *PaystackGateway) SignatureHeader() string { return "x-paystack-signature" }

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackInitData struct {
	AuthorizationURL string `json:"authorization_url"`
	Reference        string `json:"reference"`
}

type paystackChargeData struct {
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	DisplayText string `json:"display_text"`
}

type paystackTransaction struct {
	Reference string            `json:"reference"`
	Status    string            `json:"status"`
	Amount    int64             `json:"amount"`
	Currency  string            `json:"currency"`
	PaidAt    *time.Time        `json:"paid_at"`
	Metadata  looseMetadata  `json:"metadata"`
	Customer  *paystackCustomer `json:"customer,omitempty"`
}

type paystackCustomer struct {
	Email string `json:"email"`
}

// Initiate starts a hosted card checkout or an M-Pesa charge.
func (g *PaystackGateway) Initiate(ctx context.Context, req types.CheckoutRequest) (*types.CheckoutSession, error) {
	if !g.cfg.configured() {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureNotConfigured, "paystack keys are not set"), nil
	}
	amount, err := ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureInvalidInput, err.Error()), nil
	}

	if req.Method == types.PaymentMethodMobileMoney {
		return g.chargeMobile(ctx, req, amount)
	}
	return g.initializeCard(ctx, req, amount)
}

func (g *PaystackGateway) initializeCard(ctx context.Context, req types.CheckoutRequest, amount int64) (*types.CheckoutSession, error) {
	body := map[string]any{
		"email":        req.PayerEmail,
		"amount":       amount,
		"currency":     req.Currency,
		"reference":    req.CorrelationID,
		"callback_url": req.CallbackURL,
		"metadata":     req.Metadata,
	}

	var data paystackInitData
	if failed := g.post(ctx, "/transaction/initialize", body, req.CorrelationID, &data); failed != nil {
		return failed, nil
	}
	if data.AuthorizationURL == "" {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureTransient, "paystack returned no authorization url"), nil
	}
	return &types.CheckoutSession{
		Gateway:           g.Name(),
		CorrelationID:     req.CorrelationID,
		CheckoutReference: data.Reference,
		Status:            types.CheckoutPending,
		RedirectURL:       data.AuthorizationURL,
	}, nil
}

func (g *PaystackGateway) chargeMobile(ctx context.Context, req types.CheckoutRequest, amount int64) (*types.CheckoutSession, error) {
	phone, ok := NormalizePhone(req.PhoneNumber)
	if !ok {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureInvalidInput, "a valid phone number is required for mobile money"), nil
	}
	body := map[string]any{
		"email":     req.PayerEmail,
		"amount":    amount,
		"currency":  req.Currency,
		"reference": req.CorrelationID,
		"mobile_money": map[string]string{
			"phone":    phone,
			"provider": "mpesa",
		},
		"metadata": req.Metadata,
	}

	var data paystackChargeData
	if failed := g.post(ctx, "/charge", body, req.CorrelationID, &data); failed != nil {
		return failed, nil
	}
	instructions := data.DisplayText
	if instructions == "" {
		instructions = "Check your phone to complete the M-Pesa payment"
	}
	return &types.CheckoutSession{
		Gateway:           g.Name(),
		CorrelationID:     req.CorrelationID,
		CheckoutReference: data.Reference,
		Status:            types.CheckoutPending,
		Instructions:      instructions,
	}, nil
}

// post sends a JSON request and decodes the data field of the envelope into
// out. It returns a failed session for every expected failure.
func (g *PaystackGateway) post(ctx context.Context, path string, body any, correlationID string, out any) *types.CheckoutSession {
	payload, err := json.Marshal(body)
	if err != nil {
		return types.FailedCheckout(g.Name(), correlationID, types.FailureInvalidInput, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return types.FailedCheckout(g.Name(), correlationID, types.FailureTransient, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)

	resp, err := g.base.Do(req)
	if err != nil {
		return types.FailedCheckout(g.Name(), correlationID, failureFromError(err), err.Error())
	}
	defer resp.Body.Close()

	var env paystackEnvelope
	decodeErr := decodeJSON(resp, &env)
	if resp.StatusCode >= 300 {
		g.logger.WarnContext(ctx, "paystack rejected checkout",
			"status", resp.StatusCode, "message", env.Message, "correlation_id", correlationID)
		return types.FailedCheckout(g.Name(), correlationID, failureFromStatus(resp.StatusCode), env.Message)
	}
	if decodeErr != nil {
		return types.FailedCheckout(g.Name(), correlationID, types.FailureTransient, decodeErr.Error())
	}
	if !env.Status {
		return types.FailedCheckout(g.Name(), correlationID, types.FailureRejected, env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return types.FailedCheckout(g.Name(), correlationID, types.FailureTransient, err.Error())
	}
	return nil
}

// Verify looks the transaction up by reference. Paystack references are the
// correlation ids.
func (g *PaystackGateway) Verify(ctx context.Context, correlationID, _ string) (*types.VerifyResult, error) {
	if !g.cfg.configured() {
		return nil, notConfigured(g.Name())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.cfg.BaseURL+"/transaction/verify/"+url.PathEscape(correlationID), nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build verify request", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)

	resp, err := g.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "transaction not found", nil)
	}
	var env paystackEnvelope
	if err := decodeJSON(resp, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway, "unreadable paystack response", err)
	}
	if resp.StatusCode >= 300 || !env.Status {
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway, "paystack verify failed: "+env.Message, nil)
	}

	var tx paystackTransaction
	if err := json.Unmarshal(env.Data, &tx); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway, "unreadable paystack transaction", err)
	}
	switch tx.Status {
	case "success", "failed", "abandoned", "reversed":
		return &types.VerifyResult{Event: g.event(tx, correlationID)}, nil
	default:
		return &types.VerifyResult{Pending: true}, nil
	}
}

type paystackWebhook struct {
	Event string              `json:"event"`
	Data  paystackTransaction `json:"data"`
}

// ParseWebhook verifies the HMAC-SHA512 of the raw body and normalizes
// charge events. Only charge.success with a success status counts as paid.
func (g *PaystackGateway) ParseWebhook(payload []byte, signature string) (*types.WebhookResult, error) {
	if !verifySHA512(g.cfg.webhookSecret(), payload, signature) {
		return &types.WebhookResult{Valid: false}, nil
	}

	var hook paystackWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, invalidBody(g.Name(), err)
	}
	result := &types.WebhookResult{Valid: true, EventType: hook.Event}
	if !strings.HasPrefix(hook.Event, "charge.") {
		return result, nil
	}

	ref := hook.Data.Reference
	if ref == "" {
		ref = hook.Data.Metadata["reference"]
	}
	if ref == "" {
		return nil, invalidBody(g.Name(), fmt.Errorf("charge event without reference"))
	}
	evt := g.event(hook.Data, ref)
	evt.IsSuccess = hook.Event == "charge.success" && hook.Data.Status == "success"
	result.Event = evt
	return result, nil
}

func (g *PaystackGateway) event(tx paystackTransaction, ref string) *types.PaymentEvent {
	currency := strings.ToUpper(tx.Currency)
	meta := copyMetadata(tx.Metadata)
	return &types.PaymentEvent{
		Gateway:       g.Name(),
		CorrelationID: ref,
		IsSuccess:     tx.Status == "success",
		Amount:        FromMinorUnits(tx.Amount, currency),
		Currency:      currency,
		RawStatus:     tx.Status,
		OccurredAt:    tx.PaidAt,
		Metadata:      fillFromCorrelation(meta, ref),
	}
}

var _ PaymentGateway = (*PaystackGateway)(nil)

