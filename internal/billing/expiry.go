package billing

import (
	"time"

	"empowerher/internal/types"
)

// ComputeEffective applies lazy expiry to a stored entitlement. A paid,
// active (or trial) entitlement whose period end is at or before now reads as
// free/expired. The boolean reports whether the view differs from storage
// and should be persisted.
//
// Expiry is evaluated only on reads. An entitlement nobody reads stays
// "active" in storage past its end; every read path calls this first.
func ComputeEffective(ent types.Entitlement, now time.Time) (types.Entitlement, bool) {
	if ent.Plan == types.PlanFree || ent.Plan == "" {
		return ent, false
	}
	if ent.Status != types.SubStatusActive && ent.Status != types.SubStatusTrial {
		return ent, false
	}
	if ent.CurrentPeriodEnd == nil || now.Before(*ent.CurrentPeriodEnd) {
		return ent, false
	}

	expired := ent
	expired.Plan = types.PlanFree
	expired.Status = types.SubStatusExpired
	expired.CancelAtPeriodEnd = false
	return expired, true
}

// NeedsRollover reports whether the usage counter belongs to an earlier UTC
// calendar month than now. A counter that was never reset always rolls over.
// A stored month later than now (clock skew) does not.
func NeedsRollover(lastReset *time.Time, now time.Time) bool {
	if lastReset == nil {
		return true
	}
	return monthIndex(lastReset.UTC()) < monthIndex(now.UTC())
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}

// SettlementPeriod returns the period a successful payment grants against
// the stored entitlement. A payment settling for the first time stacks on an
// active paid period that has not yet ended. A payment upgrading an earlier
// failed settlement starts at now and applies only if it reaches further
// than the current period; apply is false in that case otherwise.
func SettlementPeriod(ent types.Entitlement, interval types.BillingInterval, now time.Time, firstSettlement bool) (start, end time.Time, apply bool) {
	paidActive := ent.Plan.IsPaid() && ent.Status == types.SubStatusActive && ent.CurrentPeriodEnd != nil

	start = now
	if firstSettlement && paidActive && ent.CurrentPeriodEnd.After(now) {
		start = ent.CurrentPeriodEnd.UTC()
	}
	end = PeriodEnd(start, interval)

	if paidActive && !ent.CurrentPeriodEnd.Before(end) {
		return start, end, false
	}
	return start, end, true
}
