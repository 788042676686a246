package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"empowerher/internal/types"
)

// UserRepository provides data access for the users table: the embedded
// entitlement summary and the monthly usage counter. Account identity is
// owned by the identity service; this repository never creates users.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// userColumns defines the standard set of columns selected for user queries.
// The order must match scanUser.
const userColumns = `u.id, u.email, u.name, u.phone, u.role,
	u.subscription_plan, u.subscription_status, u.subscription_period_start,
	u.subscription_period_end, u.subscription_cancel_at_period_end,
	u.reports_this_month, u.usage_last_reset, u.created_at`

// newMonthExpr is true when the stored reset instant belongs to an earlier
// UTC calendar month than $3, or was never set.
const newMonthExpr = `(usage_last_reset IS NULL
	OR date_trunc('month', usage_last_reset AT TIME ZONE 'UTC') < date_trunc('month', $3::timestamptz AT TIME ZONE 'UTC'))`

func scanUser(row pgx.Row) (*types.User, error) {
	var u types.User
	var phone *string
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&phone,
		&u.Role,
		&u.Entitlement.Plan,
		&u.Entitlement.Status,
		&u.Entitlement.CurrentPeriodStart,
		&u.Entitlement.CurrentPeriodEnd,
		&u.Entitlement.CancelAtPeriodEnd,
		&u.Usage.ReportsThisMonth,
		&u.Usage.LastResetAt,
		&u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if phone != nil {
		u.Phone = *phone
	}
	return &u, nil
}

// GetUser returns the user, or nil when no row exists.
func (r *UserRepository) GetUser(ctx context.Context, id string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users u WHERE u.id = $1`,
		id,
	)
	u, err := scanUser(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, dbError("failed to retrieve user", err)
	}
	return u, nil
}

// RolloverUsage resets the counter when a new UTC month has started and
// returns the current usage. The reset is a single conditional UPDATE; when
// it does not apply the current row is read instead.
func (r *UserRepository) RolloverUsage(ctx context.Context, userID string, now time.Time) (types.Usage, error) {
	var usage types.Usage
	err := r.db.QueryRow(ctx,
		`WITH reset AS (
			UPDATE users
			SET reports_this_month = 0,
			    usage_last_reset = $2
			WHERE id = $1 AND `+newMonthExpr+`
			RETURNING reports_this_month, usage_last_reset
		)
		SELECT reports_this_month, usage_last_reset FROM reset
		UNION ALL
		SELECT reports_this_month, usage_last_reset FROM users
		WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM reset)`,
		userID,
		now,
		now,
	).Scan(&usage.ReportsThisMonth, &usage.LastResetAt)
	if err != nil {
		if isNoRows(err) {
			return types.Usage{}, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return types.Usage{}, dbError("failed to roll over usage", err)
	}
	return usage, nil
}

// IncrementUsage adds one report when the counter is below limit, applying
// the monthly rollover in the same statement. A negative limit is
// unlimited. When the cap is hit the current usage is returned with
// ok=false.
func (r *UserRepository) IncrementUsage(ctx context.Context, userID string, limit int, now time.Time) (types.Usage, bool, error) {
	var usage types.Usage
	err := r.db.QueryRow(ctx,
		`UPDATE users
		 SET reports_this_month = CASE WHEN `+newMonthExpr+` THEN 1 ELSE reports_this_month + 1 END,
		     usage_last_reset = CASE WHEN `+newMonthExpr+` THEN $3 ELSE usage_last_reset END
		 WHERE id = $1
		   AND ($2 < 0 OR (CASE WHEN `+newMonthExpr+` THEN 0 ELSE reports_this_month END) < $2)
		 RETURNING reports_this_month, usage_last_reset`,
		userID,
		limit,
		now,
	).Scan(&usage.ReportsThisMonth, &usage.LastResetAt)
	if err == nil {
		return usage, true, nil
	}
	if !isNoRows(err) {
		return types.Usage{}, false, dbError("failed to increment usage", err)
	}

	// Either the cap was reached or the user does not exist.
	err = r.db.QueryRow(ctx,
		`SELECT reports_this_month, usage_last_reset FROM users WHERE id = $1`,
		userID,
	).Scan(&usage.ReportsThisMonth, &usage.LastResetAt)
	if err != nil {
		if isNoRows(err) {
			return types.Usage{}, false, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return types.Usage{}, false, dbError("failed to read usage", err)
	}
	return usage, false, nil
}
