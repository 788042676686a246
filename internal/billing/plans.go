// Package billing holds the subscription core: the plan catalog, usage
// metering, the entitlement state machine, and payment reconciliation.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"empowerher/internal/types"
)

// DefaultFreeReports is the free-tier cap used when the catalog has none.
const DefaultFreeReports = 3

// DefaultPlans returns the seed catalog. Operators may edit prices and
// features afterwards; seeding never overwrites an existing row.
func DefaultPlans(currency string) []types.Plan {
	freeCap := DefaultFreeReports
	premiumCap := 999
	return []types.Plan{
		{
			Name:            types.PlanFree,
			DisplayName:     "Free Plan",
			Description:     "Basic reporting for individuals",
			Price:           decimal.Zero,
			Currency:        currency,
			BillingInterval: types.IntervalMonth,
			Features: types.PlanFeatures{
				MaxReportsPerMonth: &freeCap,
				EmailNotifications: true,
				CaseNotesAccess:    true,
			},
			IsActive: true,
		},
		{
			Name:            types.PlanPremium,
			DisplayName:     "Premium Plan",
			Description:     "Unlimited reporting with priority support",
			Price:           decimal.RequireFromString("9.99"),
			Currency:        currency,
			BillingInterval: types.IntervalMonth,
			Features: types.PlanFeatures{
				MaxReportsPerMonth: &premiumCap,
				UnlimitedReports:   true,
				PrioritySupport:    true,
				AdvancedTracking:   true,
				ExportReports:      true,
				EmailNotifications: true,
				SMSNotifications:   true,
				CaseNotesAccess:    true,
			},
			IsActive: true,
		},
	}
}

// PlanRegistry is the read path over the plan catalog. Reads never mutate;
// seeding happens once at startup through EnsureDefaults.
type PlanRegistry struct {
	store       PlanStore
	currency    string
	freeDefault int
	logger      *slog.Logger
}

// NewPlanRegistry creates a registry. freeDefault is the cap used when the
// free plan is missing or has no usable limit; values below 1 become 3.
func NewPlanRegistry(store PlanStore, currency string, freeDefault int, logger *slog.Logger) *PlanRegistry {
	if freeDefault < 1 {
		freeDefault = DefaultFreeReports
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanRegistry{store: store, currency: currency, freeDefault: freeDefault, logger: logger}
}

// Get returns the named plan. found is false for unknown names, which is an
// ordinary outcome rather than an error.
func (r *PlanRegistry) Get(ctx context.Context, name types.PlanName) (*types.Plan, bool, error) {
	plan, err := r.store.GetPlan(ctx, name)
	if err != nil {
		return nil, false, err
	}
	return plan, plan != nil, nil
}

// ListActive returns the active plans ordered by ascending price.
func (r *PlanRegistry) ListActive(ctx context.Context) ([]types.Plan, error) {
	plans, err := r.store.ListPlans(ctx, true)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(plans, func(i, j int) bool {
		return plans[i].Price.LessThan(plans[j].Price)
	})
	return plans, nil
}

// EnsureDefaults inserts any missing default plan. It returns the names it
// inserted; plans that already exist are left untouched.
func (r *PlanRegistry) EnsureDefaults(ctx context.Context) ([]types.PlanName, error) {
	defaults := DefaultPlans(r.currency)

	var (
		mu       sync.Mutex
		inserted []types.PlanName
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := range defaults {
		plan := defaults[i]
		g.Go(func() error {
			ok, err := r.store.InsertPlanIfAbsent(gctx, &plan)
			if err != nil {
				return fmt.Errorf("seeding plan %s: %w", plan.Name, err)
			}
			if ok {
				mu.Lock()
				inserted = append(inserted, plan.Name)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(inserted, func(i, j int) bool { return inserted[i] < inserted[j] })
	if len(inserted) > 0 {
		r.logger.InfoContext(ctx, "seeded default plans", "plans", inserted)
	}
	return inserted, nil
}

// FreeReportLimit resolves the free plan's monthly cap. It returns
// types.UnlimitedReports when the free plan is configured as unlimited.
func (r *PlanRegistry) FreeReportLimit(ctx context.Context) (int, error) {
	plan, found, err := r.Get(ctx, types.PlanFree)
	if err != nil {
		return 0, err
	}
	if !found {
		return r.freeDefault, nil
	}
	return ReportLimit(plan.Features, r.freeDefault), nil
}

// ReportLimit maps plan features to a cap. Missing or zero limits fall back
// to fallback; negative limits and the unlimited flag mean no cap.
func ReportLimit(f types.PlanFeatures, fallback int) int {
	if f.UnlimitedReports {
		return types.UnlimitedReports
	}
	if f.MaxReportsPerMonth == nil || *f.MaxReportsPerMonth == 0 {
		return fallback
	}
	if *f.MaxReportsPerMonth < 0 {
		return types.UnlimitedReports
	}
	return *f.MaxReportsPerMonth
}

// PeriodEnd returns the end of one billing interval starting at start.
func PeriodEnd(start time.Time, interval types.BillingInterval) time.Time {
	if interval == types.IntervalYear {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}
