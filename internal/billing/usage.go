package billing

import (
	"context"

	"empowerher/internal/types"
)

// Quota is a user's free-tier position for the current month.
type Quota struct {
	Used  int
	Limit int
}

// Remaining returns the reports left this month, never negative.
func (q Quota) Remaining() int {
	if q.Limit < 0 {
		return -1
	}
	return max(q.Limit-q.Used, 0)
}

// Exhausted reports whether the cap is reached. The Nth report is allowed and
// the N+1th denied.
func (q Quota) Exhausted() bool {
	return q.Limit >= 0 && q.Used >= q.Limit
}

// UsageCounter meters free-tier report submissions. Check is an optimistic
// pre-flight; Consume is the atomic gate that closes the race between two
// concurrent submissions.
type UsageCounter struct {
	store UsageStore
	clock types.Clock
}

// NewUsageCounter creates a counter over store.
func NewUsageCounter(store UsageStore, clock types.Clock) *UsageCounter {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &UsageCounter{store: store, clock: clock}
}

// Check rolls the counter over if a new month has started and returns the
// quota against limit. It never increments.
func (c *UsageCounter) Check(ctx context.Context, userID string, limit int) (Quota, error) {
	usage, err := c.store.RolloverUsage(ctx, userID, c.clock.Now())
	if err != nil {
		return Quota{}, err
	}
	return Quota{Used: usage.ReportsThisMonth, Limit: limit}, nil
}

// Consume records one report. It fails with limit_reports_exceeded when a
// concurrent submission took the last slot after Check passed.
func (c *UsageCounter) Consume(ctx context.Context, userID string, limit int) (Quota, error) {
	usage, ok, err := c.store.IncrementUsage(ctx, userID, limit, c.clock.Now())
	if err != nil {
		return Quota{}, err
	}
	q := Quota{Used: usage.ReportsThisMonth, Limit: limit}
	if !ok {
		return q, limitError(q, types.PlanFree)
	}
	return q, nil
}

func limitError(q Quota, plan types.PlanName) *types.AppError {
	return types.NewAppErrorWithDetails(types.ErrCodeLimitReports,
		"monthly report limit reached, upgrade to premium for unlimited reports", nil,
		map[string]any{
			"reportsUsed":      q.Used,
			"reportsLimit":     q.Limit,
			"remainingReports": 0,
			"requiresUpgrade":  true,
			"currentPlan":      plan,
		})
}
