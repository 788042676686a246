package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CheckoutRequest is the gateway-agnostic input to a payment initiation.
// Amounts are in major units; adapters convert to minor units themselves.
type CheckoutRequest struct {
	CorrelationID string
	Amount        decimal.Decimal
	Currency      string
	PayerEmail    string
	PayerName     string
	Method        PaymentMethod
	// PhoneNumber is required when Method is mobile money.
	PhoneNumber string
	CallbackURL string
	Description string
	Metadata    map[string]string
}

// CheckoutStatus is the outcome of an initiation attempt.
type CheckoutStatus string

const (
	CheckoutPending CheckoutStatus = "pending"
	CheckoutFailed  CheckoutStatus = "failed"
)

// CheckoutFailureKind classifies an expected initiation failure so callers
// can choose the right response without parsing provider messages.
type CheckoutFailureKind string

const (
	FailureNotConfigured CheckoutFailureKind = "not_configured"
	FailureInvalidInput  CheckoutFailureKind = "invalid_input"
	FailureRejected      CheckoutFailureKind = "rejected"
	FailureTransient     CheckoutFailureKind = "transient"
	FailureTimeout       CheckoutFailureKind = "timeout"
)

// CheckoutSession is the normalized initiation result handed to the client.
// RedirectURL is set for card flows and empty for push-to-phone flows.
type CheckoutSession struct {
	Gateway           GatewayName         `json:"gateway"`
	CorrelationID     string              `json:"correlationId"`
	CheckoutReference string              `json:"checkoutReference,omitempty"`
	Status            CheckoutStatus      `json:"status"`
	RedirectURL       string              `json:"redirectUrl,omitempty"`
	Instructions      string              `json:"instructions,omitempty"`
	FailureKind       CheckoutFailureKind `json:"-"`
	FailureReason     string              `json:"-"`
}

// Failed reports whether the initiation did not produce a usable session.
func (s *CheckoutSession) Failed() bool {
	return s.Status == CheckoutFailed
}

// FailedCheckout builds a failure result.
func FailedCheckout(gateway GatewayName, correlationID string, kind CheckoutFailureKind, reason string) *CheckoutSession {
	return &CheckoutSession{
		Gateway:       gateway,
		CorrelationID: correlationID,
		Status:        CheckoutFailed,
		FailureKind:   kind,
		FailureReason: reason,
	}
}

// WebhookResult is the outcome of parsing an inbound gateway callback.
// Valid is false when the signature is wrong or no secret is configured.
// Event is nil for valid deliveries that carry no payment outcome.
type WebhookResult struct {
	Valid     bool
	EventType string
	Event     *PaymentEvent
}

const correlationPrefix = "sub_"

// NewCorrelationID returns a fresh correlation id that embeds the owning user
// and the plan, so gateways that echo only a reference still yield a
// self-contained payment event.
//
//	sub_<plan>_<userID>_<random>
func NewCorrelationID(userID string, plan PlanName) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s%s_%s_%s", correlationPrefix, plan, userID, suffix)
}

// ParseCorrelationID recovers the user and plan from an id produced by
// NewCorrelationID.
func ParseCorrelationID(id string) (userID string, plan PlanName, ok bool) {
	rest, found := strings.CutPrefix(id, correlationPrefix)
	if !found {
		return "", "", false
	}
	planPart, rest, found := strings.Cut(rest, "_")
	if !found || !PlanName(planPart).IsValid() {
		return "", "", false
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], PlanName(planPart), true
}

// BillingEventSubscriptionChanged is the message type published after a
// reconciliation changes a user's entitlement or billing record.
const BillingEventSubscriptionChanged = "billing.subscription_changed"

// BillingEvent is the queue message consumed by the notification senders.
type BillingEvent struct {
	Type          string             `json:"type"`
	UserID        string             `json:"userId"`
	Plan          PlanName           `json:"plan"`
	Status        SubscriptionStatus `json:"status"`
	PeriodEnd     *time.Time         `json:"periodEnd,omitempty"`
	CorrelationID string             `json:"correlationId"`
	Gateway       GatewayName        `json:"gateway"`
	OccurredAt    time.Time          `json:"occurredAt"`
}

// VerifyResult is a gateway's answer to a status lookup. Pending is true while
// the provider has not settled the payment either way; Event is nil then.
type VerifyResult struct {
	Pending bool
	Event   *PaymentEvent
}
