package billing

import (
	"context"
	"log/slog"

	"empowerher/internal/types"
)

// Admission reasons, also used as the metric dimension.
const (
	AdmitAdmin     = "admin"
	AdmitPremium   = "premium"
	AdmitUnlimited = "unlimited"
	AdmitQuota     = "quota"
	DenyQuota      = "quota_exceeded"
)

// Admission is the gate's answer for one report submission. Metered
// admissions must consume one unit of Limit when the report is written.
type Admission struct {
	Allowed bool
	Metered bool
	Reason  string
	Plan    types.PlanName
	Quota   Quota
}

// Err returns the denial as an AppError, or nil when allowed.
func (a *Admission) Err() error {
	if a.Allowed {
		return nil
	}
	return limitError(a.Quota, a.Plan)
}

// AdmissionGate decides whether a user may submit a report now.
type AdmissionGate struct {
	subs    *SubscriptionService
	plans   *PlanRegistry
	usage   *UsageCounter
	metrics Metrics
	logger  *slog.Logger
}

// NewAdmissionGate wires the gate.
func NewAdmissionGate(subs *SubscriptionService, plans *PlanRegistry, usage *UsageCounter, metrics Metrics, logger *slog.Logger) *AdmissionGate {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdmissionGate{subs: subs, plans: plans, usage: usage, metrics: metrics, logger: logger}
}

// Admit evaluates the actor. Admins and active premium users pass unmetered.
// A lapsed premium entitlement is demoted and persisted first, then the call
// falls through to free-tier accounting.
func (g *AdmissionGate) Admit(ctx context.Context, actor types.Actor) (*Admission, error) {
	if actor.IsAdmin() {
		return g.record(ctx, &Admission{Allowed: true, Reason: AdmitAdmin, Quota: Quota{Limit: types.UnlimitedReports}}), nil
	}

	user, err := g.subs.loadUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	ent, err := g.subs.Effective(ctx, user)
	if err != nil {
		return nil, err
	}
	if ent.IsPremiumActive() {
		return g.record(ctx, &Admission{Allowed: true, Reason: AdmitPremium, Plan: ent.Plan, Quota: Quota{Limit: types.UnlimitedReports}}), nil
	}

	limit, err := g.plans.FreeReportLimit(ctx)
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		return g.record(ctx, &Admission{Allowed: true, Reason: AdmitUnlimited, Plan: ent.Plan, Quota: Quota{Limit: limit}}), nil
	}

	quota, err := g.usage.Check(ctx, user.ID, limit)
	if err != nil {
		return nil, err
	}
	if quota.Exhausted() {
		types.LoggerFromContext(ctx, g.logger).InfoContext(ctx, "report admission denied",
			"user_id", user.ID,
			"reports_used", quota.Used,
			"reports_limit", quota.Limit,
		)
		return g.record(ctx, &Admission{Allowed: false, Reason: DenyQuota, Plan: ent.Plan, Quota: quota}), nil
	}
	return g.record(ctx, &Admission{Allowed: true, Metered: true, Reason: AdmitQuota, Plan: ent.Plan, Quota: quota}), nil
}

func (g *AdmissionGate) record(ctx context.Context, a *Admission) *Admission {
	g.metrics.RecordAdmission(ctx, a.Allowed, a.Reason)
	return a
}
