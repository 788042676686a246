package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"empowerher/internal/types"
)

// PaymentGateway is the contract every provider adapter satisfies. It is a
// superset of billing.CheckoutGateway.
type PaymentGateway interface {
	Name() types.GatewayName

	// Initiate starts a checkout. Expected provider failures come back as a
	// failed session, not an error.
	Initiate(ctx context.Context, req types.CheckoutRequest) (*types.CheckoutSession, error)

	// Verify asks the provider for the current state of a checkout. Adapters
	// use whichever of the two references their API is keyed on.
	Verify(ctx context.Context, correlationID, checkoutReference string) (*types.VerifyResult, error)

	// ParseWebhook verifies the signature over the raw payload and normalizes
	// the delivery. A bad signature yields Valid=false and a nil error; a
	// malformed body behind a good signature is an error.
	ParseWebhook(payload []byte, signature string) (*types.WebhookResult, error)

	// SignatureHeader names the request header carrying the signature.
	SignatureHeader() string
}

// maxResponseBytes bounds provider response bodies read into memory.
const maxResponseBytes = 1 << 20

func decodeJSON(resp *http.Response, v any) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// failureFromError classifies a BaseClient error for a checkout result.
func failureFromError(err error) types.CheckoutFailureKind {
	if appErr, ok := err.(*types.AppError); ok && appErr.Code == types.ErrCodeUpstreamTimeout {
		return types.FailureTimeout
	}
	return types.FailureTransient
}

// failureFromStatus classifies a non-2xx response that BaseClient passed
// through.
func failureFromStatus(status int) types.CheckoutFailureKind {
	if status >= 400 && status < 500 {
		return types.FailureRejected
	}
	return types.FailureTransient
}

func invalidBody(gateway types.GatewayName, err error) *types.AppError {
	return types.NewAppError(types.ErrCodeValidationInvalidBody,
		fmt.Sprintf("malformed %s webhook payload", gateway), err)
}

func notConfigured(gateway types.GatewayName) *types.AppError {
	return types.NewAppError(types.ErrCodeGatewayNotConfigured,
		fmt.Sprintf("%s credentials are not configured", gateway), nil)
}

// looseMetadata is provider metadata echoed back on a transaction. Providers
// return it as an object, as a JSON-encoded string, or not at all; non-string
// values are dropped.
type looseMetadata map[string]string

func (m *looseMetadata) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" || string(b) == `""` {
		*m = nil
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	raw := map[string]any{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(looseMetadata, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	*m = out
	return nil
}

func copyMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// fillFromCorrelation completes user and plan metadata from the correlation
// id when the provider did not echo metadata back.
func fillFromCorrelation(meta map[string]string, correlationID string) map[string]string {
	if meta == nil {
		meta = map[string]string{}
	}
	userID, plan, ok := types.ParseCorrelationID(correlationID)
	if !ok {
		return meta
	}
	if meta[types.MetaUserID] == "" {
		meta[types.MetaUserID] = userID
	}
	if meta[types.MetaPlan] == "" {
		meta[types.MetaPlan] = string(plan)
	}
	return meta
}
