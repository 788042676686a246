package external

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"empowerher/internal/types"
)

// IntaSendConfig is the adapter's view of the IntaSend credentials.
type IntaSendConfig struct {
	PublishableKey string
	SecretKey      string
	WebhookSecret  string
	BaseURL        string
}

func (c IntaSendConfig) configured() bool {
	return c.PublishableKey != "" && c.SecretKey != ""
}

// IntaSendGateway runs M-Pesa STK push and hosted payment links through
// IntaSend. Amounts travel in major units; the correlation id is sent as
// api_ref and the invoice id is the checkout reference.
type IntaSendGateway struct {
	base   *BaseClient
	cfg    IntaSendConfig
	logger *slog.Logger
}

// NewIntaSendGateway creates the adapter.
func NewIntaSendGateway(cfg IntaSendConfig, base *BaseClient, logger *slog.Logger) *IntaSendGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://payment.intasend.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if logger == nil {
		logger = slog.Default()
	}
	return &IntaSendGateway{base: base, cfg: cfg, logger: logger}
}

func (g *IntaSendGateway) Name() types.GatewayName { return types.GatewayIntaSend }

func (g *IntaSendGateway) SignatureHeader() string { return "X-IntaSend-Signature" }

type intasendInvoice struct {
	InvoiceID string          `json:"invoice_id"`
	State     string          `json:"state"`
	Value     decimal.Decimal `json:"value"`
	Currency  string          `json:"currency"`
	APIRef    string          `json:"api_ref"`
}

type intasendSTKResponse struct {
	ID      string           `json:"id"`
	Invoice *intasendInvoice `json:"invoice"`
}

type intasendLinkResponse struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	CheckoutURL string `json:"checkout_url"`
}

type intasendStatusResponse struct {
	Invoice intasendInvoice `json:"invoice"`
	Meta    struct {
		Metadata looseMetadata `json:"metadata"`
	} `json:"meta"`
}

// Initiate sends an STK push for mobile money and creates a payment link for
// card payments.
func (g *IntaSendGateway) Initiate(ctx context.Context, req types.CheckoutRequest) (*types.CheckoutSession, error) {
	if !g.cfg.configured() {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureNotConfigured, "intasend keys are not set"), nil
	}
	if req.Amount.IsNegative() {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureInvalidInput, "negative amount"), nil
	}

	first, last := splitName(req.PayerName)
	body := map[string]any{
		"public_key": g.cfg.PublishableKey,
		"amount":     req.Amount.StringFixed(2),
		"currency":   req.Currency,
		"email":      req.PayerEmail,
		"first_name": first,
		"last_name":  last,
		"api_ref":    req.CorrelationID,
		"narrative":  req.Description,
		"metadata":   req.Metadata,
	}

	if req.Method == types.PaymentMethodMobileMoney {
		phone, ok := NormalizePhone(req.PhoneNumber)
		if !ok {
			return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureInvalidInput, "a valid phone number is required for mobile money"), nil
		}
		body["phone_number"] = strings.TrimPrefix(phone, "+")
		body["callback_url"] = req.CallbackURL

		var out intasendSTKResponse
		if failed := g.post(ctx, "/api/v1/payment/mpesa-stk-push/", body, req.CorrelationID, &out); failed != nil {
			return failed, nil
		}
		ref := out.ID
		if out.Invoice != nil && out.Invoice.InvoiceID != "" {
			ref = out.Invoice.InvoiceID
		}
		return &types.CheckoutSession{
			Gateway:           g.Name(),
			CorrelationID:     req.CorrelationID,
			CheckoutReference: ref,
			Status:            types.CheckoutPending,
			Instructions:      "Enter your M-Pesa PIN on your phone to complete the payment",
		}, nil
	}

	body["redirect_url"] = req.CallbackURL
	var out intasendLinkResponse
	if failed := g.post(ctx, "/api/v1/payment/links/", body, req.CorrelationID, &out); failed != nil {
		return failed, nil
	}
	redirect := out.URL
	if redirect == "" {
		redirect = out.CheckoutURL
	}
	if redirect == "" {
		return types.FailedCheckout(g.Name(), req.CorrelationID, types.FailureTransient, "intasend returned no payment link"), nil
	}
	return &types.CheckoutSession{
		Gateway:           g.Name(),
		CorrelationID:     req.CorrelationID,
		CheckoutReference: out.ID,
		Status:            types.CheckoutPending,
		RedirectURL:       redirect,
	}, nil
}

func (g *IntaSendGateway) authorize(req *http.Request) {
	creds := g.cfg.PublishableKey + ":" + g.cfg.SecretKey
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
}

func (g *IntaSendGateway) post(ctx context.Context, path string, body any, correlationID string, out any) *types.CheckoutSession {
	payload, err := json.Marshal(body)
	if err != nil {
		return types.FailedCheckout(g.Name(), correlationID, types.FailureInvalidInput, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return types.FailedCheckout(g.Name(), correlationID, types.FailureTransient, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	g.authorize(req)

	resp, err := g.base.Do(req)
	if err != nil {
		return types.FailedCheckout(g.Name(), correlationID, failureFromError(err), err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var detail struct {
			Detail string `json:"detail"`
		}
		_ = decodeJSON(resp, &detail)
		g.logger.WarnContext(ctx, "intasend rejected checkout",
			"status", resp.StatusCode, "detail", detail.Detail, "correlation_id", correlationID)
		return types.FailedCheckout(g.Name(), correlationID, failureFromStatus(resp.StatusCode),
			fmt.Sprintf("intasend returned %d", resp.StatusCode))
	}
	if err := decodeJSON(resp, out); err != nil {
		return types.FailedCheckout(g.Name(), correlationID, types.FailureTransient, err.Error())
	}
	return nil
}

// Verify looks the invoice up by its IntaSend id.
func (g *IntaSendGateway) Verify(ctx context.Context, correlationID, checkoutReference string) (*types.VerifyResult, error) {
	if !g.cfg.configured() {
		return nil, notConfigured(g.Name())
	}
	if checkoutReference == "" {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "no intasend invoice recorded for this checkout", nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.cfg.BaseURL+"/api/v1/payment/status/"+url.PathEscape(checkoutReference)+"/", nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build status request", err)
	}
	g.authorize(req)

	resp, err := g.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "invoice not found", nil)
	}
	if resp.StatusCode >= 300 {
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway,
			fmt.Sprintf("intasend status returned %d", resp.StatusCode), nil)
	}
	var out intasendStatusResponse
	if err := decodeJSON(resp, &out); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamGateway, "unreadable intasend status", err)
	}

	success, final := intasendState(out.Invoice.State)
	if !final {
		return &types.VerifyResult{Pending: true}, nil
	}
	ref := out.Invoice.APIRef
	if ref == "" {
		ref = correlationID
	}
	return &types.VerifyResult{Event: &types.PaymentEvent{
		Gateway:       g.Name(),
		CorrelationID: ref,
		IsSuccess:     success,
		Amount:        out.Invoice.Value,
		Currency:      strings.ToUpper(out.Invoice.Currency),
		RawStatus:     out.Invoice.State,
		Metadata:      fillFromCorrelation(copyMetadata(out.Meta.Metadata), ref),
	}}, nil
}

// intasendState maps an invoice state to (paid, settled).
func intasendState(state string) (bool, bool) {
	switch strings.ToUpper(state) {
	case "COMPLETE", "COMPLETED", "SUCCESS":
		return true, true
	case "FAILED", "CANCELLED", "CANCELED":
		return false, true
	default:
		return false, false
	}
}

type intasendWebhook struct {
	InvoiceID string          `json:"invoice_id"`
	State     string          `json:"state"`
	Amount    decimal.Decimal `json:"amount"`
	Value     decimal.Decimal `json:"value"`
	Currency  string          `json:"currency"`
	APIRef    string          `json:"api_ref"`
	Metadata  looseMetadata   `json:"metadata"`
}

// ParseWebhook verifies the HMAC-SHA256 of the raw body. Without a
// configured secret every delivery is rejected.
func (g *IntaSendGateway) ParseWebhook(payload []byte, signature string) (*types.WebhookResult, error) {
	if !verifySHA256(g.cfg.WebhookSecret, payload, signature) {
		return &types.WebhookResult{Valid: false}, nil
	}

	var hook intasendWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, invalidBody(g.Name(), err)
	}
	result := &types.WebhookResult{Valid: true, EventType: "invoice." + strings.ToLower(hook.State)}

	success, final := intasendState(hook.State)
	if !final {
		return result, nil
	}
	ref := hook.APIRef
	if ref == "" {
		return nil, invalidBody(g.Name(), fmt.Errorf("invoice %s has no api_ref", hook.InvoiceID))
	}
	amount := hook.Amount
	if amount.IsZero() {
		amount = hook.Value
	}
	result.Event = &types.PaymentEvent{
		Gateway:       g.Name(),
		CorrelationID: ref,
		IsSuccess:     success,
		Amount:        amount,
		Currency:      strings.ToUpper(hook.Currency),
		RawStatus:     hook.State,
		Metadata:      fillFromCorrelation(copyMetadata(hook.Metadata), ref),
	}
	return result, nil
}

func splitName(full string) (string, string) {
	first, last, _ := strings.Cut(strings.TrimSpace(full), " ")
	return first, strings.TrimSpace(last)
}

var _ PaymentGateway = (*IntaSendGateway)(nil)
