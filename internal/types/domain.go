package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// UnlimitedReports is the sentinel for a plan with no monthly report cap.
// Any negative MaxReportsPerMonth is treated as unlimited.
const UnlimitedReports = -1

// Plan is a catalog entry. Plans are seeded at startup, edited only by an
// operator, and never deleted.
type Plan struct {
	Name            PlanName        `json:"name"`
	DisplayName     string          `json:"displayName"`
	Description     string          `json:"description,omitempty"`
	Price           decimal.Decimal `json:"price"`
	Currency        string          `json:"currency"`
	BillingInterval BillingInterval `json:"billingInterval"`
	Features        PlanFeatures    `json:"features"`
	IsActive        bool            `json:"isActive"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// PlanFeatures is the capability set attached to a plan. It is stored as JSONB.
type PlanFeatures struct {
	// MaxReportsPerMonth is a pointer so a missing value can be told apart
	// from an explicit zero; both fall back to the free-tier default.
	MaxReportsPerMonth *int `json:"maxReportsPerMonth,omitempty"`
	UnlimitedReports   bool `json:"unlimitedReports"`
	PrioritySupport    bool `json:"prioritySupport"`
	AdvancedTracking   bool `json:"advancedTracking"`
	ExportReports      bool `json:"exportReports"`
	EmailNotifications bool `json:"emailNotifications"`
	SMSNotifications   bool `json:"smsNotifications"`
	CaseNotesAccess    bool `json:"caseNotesAccess"`
}

// Entitlement is the denormalized subscription summary kept on the user row.
// Admission decisions and the effective view are computed from it.
type Entitlement struct {
	Plan               PlanName           `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart *time.Time         `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancelAtPeriodEnd"`
}

// IsPremiumActive reports whether the entitlement grants unlimited usage as
// stored. It does not apply lazy expiry; see billing.ComputeEffective.
func (e Entitlement) IsPremiumActive() bool {
	return e.Plan == PlanPremium && e.Status == SubStatusActive
}

// Usage is the monthly report counter embedded in the user row.
type Usage struct {
	ReportsThisMonth int        `json:"reportsThisMonth"`
	LastResetAt      *time.Time `json:"lastResetDate,omitempty"`
}

// User is the subset of the portal account the billing core needs.
// Identity and credentials are owned by the identity service.
type User struct {
	ID          string      `json:"id"`
	Email       string      `json:"email"`
	Name        string      `json:"name"`
	Phone       string      `json:"phone,omitempty"`
	Role        UserRole    `json:"role"`
	Entitlement Entitlement `json:"subscription"`
	Usage       Usage       `json:"usage"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// IsAdmin reports whether the user bypasses quota and premium checks.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Subscription is the per-user billing record. Its Status follows the full
// payment state machine, including pending and past_due.
type Subscription struct {
	UserID             string             `json:"userId"`
	Plan               PlanName           `json:"plan"`
	Status             SubscriptionStatus `json:"status"`
	CurrentPeriodStart *time.Time         `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time         `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd  bool               `json:"cancelAtPeriodEnd"`
	CancelledAt        *time.Time         `json:"cancelledAt,omitempty"`
	Gateway            GatewayName        `json:"gateway,omitempty"`
	GatewayReference   string             `json:"gatewayReference,omitempty"`
	CheckoutReference  string             `json:"checkoutReference,omitempty"`
	Metadata           PaymentMetadata    `json:"metadata"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// PaymentMetadata is the last-payment bookkeeping stored as JSONB on the
// subscription record.
type PaymentMetadata struct {
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Currency  string           `json:"currency,omitempty"`
	Reference string           `json:"reference,omitempty"`
	PaidAt    *time.Time       `json:"paidAt,omitempty"`
	Gateway   GatewayName      `json:"gateway,omitempty"`
}

// PaymentEvent is the normalized result of parsing a gateway webhook or a
// verification lookup. Provider field names never appear past this type.
type PaymentEvent struct {
	Gateway       GatewayName     `json:"gateway"`
	CorrelationID string          `json:"correlationId"`
	IsSuccess     bool            `json:"isSuccess"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	RawStatus     string          `json:"rawStatus"`
	// OccurredAt is the provider's event time when it supplies one.
	OccurredAt *time.Time        `json:"occurredAt,omitempty"`
	Metadata   map[string]string `json:"metadata"`
}

// Metadata keys that make a payment event self-contained for reconciliation.
const (
	MetaUserID = "userId"
	MetaPlan   = "plan"
)

// UserID returns the owning user id carried in the event metadata.
func (e *PaymentEvent) UserID() string {
	return e.Metadata[MetaUserID]
}

// Plan returns the plan carried in the event metadata.
func (e *PaymentEvent) Plan() PlanName {
	return PlanName(e.Metadata[MetaPlan])
}

// Settlement is a row of the settlement ledger: the recorded outcome for one
// correlation id.
type Settlement struct {
	CorrelationID string            `json:"correlationId"`
	UserID        string            `json:"userId"`
	Outcome       SettlementOutcome `json:"outcome"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	SettledAt     time.Time         `json:"settledAt"`
}

// Report is the minimal incident record the admission path writes.
// Report content lives in Payload and is opaque to the billing core.
type Report struct {
	ID           string        `json:"id"`
	OBNumber     string        `json:"obNumber"`
	UserID       string        `json:"userId"`
	Status       ReportStatus  `json:"status"`
	IncidentType string        `json:"incidentType"`
	Urgency      Urgency       `json:"urgency"`
	Payload      ReportPayload `json:"payload"`
	SubmittedAt  time.Time     `json:"submittedAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// ReportPayload holds the incident details. Stored as JSONB.
type ReportPayload struct {
	FirstName        string `json:"firstName"`
	LastName         string `json:"lastName"`
	Email            string `json:"email"`
	Phone            string `json:"phone"`
	IncidentDate     string `json:"incidentDate"`
	IncidentTime     string `json:"incidentTime"`
	Location         string `json:"location"`
	Description      string `json:"description"`
	ConsentToContact bool   `json:"consentToContact"`
	ConsentToShare   bool   `json:"consentToShare"`
}
