package types

// PlanName identifies a catalog plan. Exactly one active plan exists per name.
type PlanName string

const (
	PlanFree    PlanName = "free"
	PlanPremium PlanName = "premium"
)

// IsValid reports whether the plan name is one of the known catalog names.
func (p PlanName) IsValid() bool {
	return p == PlanFree || p == PlanPremium
}

// IsPaid reports whether subscribing to the plan requires a payment.
func (p PlanName) IsPaid() bool {
	return p == PlanPremium
}

// BillingInterval is the length of one paid billing period.
type BillingInterval string

const (
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// SubscriptionStatus is the lifecycle state of a subscription.
//
//	pending  --confirm--> active
//	pending  --fail-->    past_due
//	active   --period end passed (read)--> expired
//	expired/past_due --checkout + confirm--> active
type SubscriptionStatus string

const (
	SubStatusActive    SubscriptionStatus = "active"
	SubStatusTrial     SubscriptionStatus = "trial"
	SubStatusPastDue   SubscriptionStatus = "past_due"
	SubStatusCancelled SubscriptionStatus = "cancelled"
	SubStatusExpired   SubscriptionStatus = "expired"
	SubStatusPending   SubscriptionStatus = "pending"
)

// UserRole defines authorization levels on the portal.
type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// PaymentMethod discriminates the checkout flow a gateway runs.
type PaymentMethod string

const (
	PaymentMethodCard        PaymentMethod = "card"
	PaymentMethodMobileMoney PaymentMethod = "mobile_money"
)

// GatewayName identifies a payment provider.
type GatewayName string

const (
	GatewayPaystack GatewayName = "paystack"
	GatewayIntaSend GatewayName = "intasend"
	GatewayStripe   GatewayName = "stripe"
)

// SettlementOutcome is the recorded result for a reconciled correlation id.
type SettlementOutcome string

const (
	SettlementSucceeded SettlementOutcome = "succeeded"
	SettlementFailed    SettlementOutcome = "failed"
)

// ReportStatus is the case status of an incident report.
type ReportStatus string

const (
	ReportSubmitted     ReportStatus = "submitted"
	ReportUnderReview   ReportStatus = "under_review"
	ReportInvestigating ReportStatus = "investigating"
	ReportResolved      ReportStatus = "resolved"
	ReportClosed        ReportStatus = "closed"
)

// Urgency ranks how quickly a report needs attention.
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)
