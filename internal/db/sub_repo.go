package db

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"empowerher/internal/billing"
	"empowerher/internal/types"
)

// SubscriptionRepository owns the billing record (subscriptions), the
// entitlement summary on the user row, and the settlement ledger.
//
// Key invariants:
//   - A correlation id settles as succeeded at most once. The ledger upgrade
//     from failed to succeeded is the only transition allowed on a row.
//   - A confirmed payment never moves the entitlement's period end backwards.
//   - Pending checkouts and payment failures touch only the billing record,
//     so the entitlement a user already paid for is preserved.
type SubscriptionRepository struct {
	db     TxBeginner
	logger *slog.Logger
}

// NewSubscriptionRepository creates a new SubscriptionRepository. db must be
// able to open transactions; a pool or an outer transaction both work.
func NewSubscriptionRepository(db TxBeginner, logger *slog.Logger) *SubscriptionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepository{db: db, logger: logger}
}

const subscriptionColumns = `user_id, plan, status, current_period_start, current_period_end,
	cancel_at_period_end, cancelled_at, gateway, gateway_reference, checkout_reference,
	metadata, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	var gateway, reference, checkout *string
	err := row.Scan(
		&s.UserID,
		&s.Plan,
		&s.Status,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.CancelledAt,
		&gateway,
		&reference,
		&checkout,
		&s.Metadata,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if gateway != nil {
		s.Gateway = types.GatewayName(*gateway)
	}
	if reference != nil {
		s.GatewayReference = *reference
	}
	if checkout != nil {
		s.CheckoutReference = *checkout
	}
	return &s, nil
}

// GetSubscription returns the user's billing record, or nil when none exists.
func (r *SubscriptionRepository) GetSubscription(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`,
		userID,
	)
	s, err := scanSubscription(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, dbError("failed to retrieve subscription", err)
	}
	return s, nil
}

// FindByGatewayReference returns the record carrying the correlation id, or
// nil when none does.
func (r *SubscriptionRepository) FindByGatewayReference(ctx context.Context, reference string) (*types.Subscription, error) {
	if reference == "" {
		return nil, nil
	}
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE gateway_reference = $1`,
		reference,
	)
	s, err := scanSubscription(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, dbError("failed to find subscription by reference", err)
	}
	return s, nil
}

// GetSettlement returns the ledger row for the correlation id, or nil.
func (r *SubscriptionRepository) GetSettlement(ctx context.Context, correlationID string) (*types.Settlement, error) {
	var s types.Settlement
	err := r.db.QueryRow(ctx,
		`SELECT correlation_id, user_id, outcome, amount, currency, settled_at
		 FROM payment_settlements WHERE correlation_id = $1`,
		correlationID,
	).Scan(&s.CorrelationID, &s.UserID, &s.Outcome, &s.Amount, &s.Currency, &s.SettledAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, dbError("failed to retrieve settlement", err)
	}
	return &s, nil
}

// ExpireEntitlement demotes a lapsed paid entitlement to free/expired and,
// when the billing record lapsed too, the record as well. Both writes are
// one statement. The entitlement write is conditioned on the period end the
// caller observed, so a renewal committed in between wins.
func (r *SubscriptionRepository) ExpireEntitlement(ctx context.Context, userID string, observedEnd time.Time, now time.Time) (bool, error) {
	var demoted int
	err := r.db.QueryRow(ctx,
		`WITH demoted AS (
			UPDATE users
			SET subscription_plan = 'free',
			    subscription_status = 'expired',
			    subscription_cancel_at_period_end = FALSE
			WHERE id = $1
			  AND subscription_plan <> 'free'
			  AND subscription_status IN ('active', 'trial')
			  AND subscription_period_end = $2
			  AND subscription_period_end <= $3
			RETURNING id
		), record AS (
			UPDATE subscriptions
			SET plan = 'free', status = 'expired', updated_at = $3
			WHERE user_id IN (SELECT id FROM demoted)
			  AND status = 'active'
			  AND current_period_end IS NOT NULL
			  AND current_period_end <= $3
			RETURNING user_id
		)
		SELECT COUNT(*) FROM demoted`,
		userID,
		observedEnd,
		now,
	).Scan(&demoted)
	if err != nil {
		return false, dbError("failed to expire entitlement", err)
	}
	if demoted > 0 {
		r.logger.Info("entitlement expired",
			slog.String("user_id", userID),
			slog.Time("period_end", observedEnd),
		)
	}
	return demoted > 0, nil
}

// ActivateFree puts the entitlement and the billing record on free/active in
// one statement. The record is created when the user has none.
func (r *SubscriptionRepository) ActivateFree(ctx context.Context, userID string, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`WITH ent AS (
			UPDATE users
			SET subscription_plan = 'free',
			    subscription_status = 'active',
			    subscription_period_start = $2,
			    subscription_period_end = NULL,
			    subscription_cancel_at_period_end = FALSE
			WHERE id = $1
			RETURNING id
		)
		INSERT INTO subscriptions (user_id, plan, status, current_period_start, current_period_end,
			cancel_at_period_end, cancelled_at, gateway_reference, checkout_reference, created_at, updated_at)
		SELECT id, 'free', 'active', $2, NULL, FALSE, NULL, NULL, NULL, $2, $2 FROM ent
		ON CONFLICT (user_id) DO UPDATE
		SET plan = 'free',
		    status = 'active',
		    current_period_start = EXCLUDED.current_period_start,
		    current_period_end = NULL,
		    cancel_at_period_end = FALSE,
		    cancelled_at = NULL,
		    gateway_reference = NULL,
		    checkout_reference = NULL,
		    updated_at = EXCLUDED.updated_at`,
		userID,
		now,
	)
	if err != nil {
		return dbError("failed to activate free plan", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// MarkCheckoutPending moves the billing record to pending for a new
// correlation id, seeding the record from the entitlement when the user has
// none. It is a no-op when the id already has a settlement or is already
// the record's reference.
func (r *SubscriptionRepository) MarkCheckoutPending(ctx context.Context, p billing.PendingCheckout) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (user_id, plan, status, current_period_start, current_period_end,
			cancel_at_period_end, gateway, gateway_reference, checkout_reference, created_at, updated_at)
		SELECT u.id, $2, 'pending', u.subscription_period_start, u.subscription_period_end,
			u.subscription_cancel_at_period_end, $3, $4, NULLIF($5, ''), $6, $6
		FROM users u
		WHERE u.id = $1
		  AND NOT EXISTS (SELECT 1 FROM payment_settlements WHERE correlation_id = $4)
		ON CONFLICT (user_id) DO UPDATE
		SET plan = EXCLUDED.plan,
		    status = 'pending',
		    gateway = EXCLUDED.gateway,
		    gateway_reference = EXCLUDED.gateway_reference,
		    checkout_reference = EXCLUDED.checkout_reference,
		    updated_at = EXCLUDED.updated_at
		WHERE subscriptions.gateway_reference IS DISTINCT FROM EXCLUDED.gateway_reference`,
		p.UserID,
		p.Plan,
		p.Gateway,
		p.CorrelationID,
		p.CheckoutReference,
		p.Now,
	)
	if err != nil {
		return false, dbError("failed to mark checkout pending", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ApplyPayment settles a successful payment in one transaction: lock the
// user row, claim the ledger row, then either move the entitlement to the
// period billing.SettlementPeriod grants or, when the current paid period
// already reaches as far, leave it alone.
func (r *SubscriptionRepository) ApplyPayment(ctx context.Context, c billing.PaymentConfirmation) (billing.ConfirmOutcome, time.Time, error) {
	var (
		outcome   billing.ConfirmOutcome
		resultEnd time.Time
	)
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		var ent types.Entitlement
		err := tx.QueryRow(ctx,
			`SELECT subscription_plan, subscription_status, subscription_period_end
			 FROM users WHERE id = $1 FOR UPDATE`,
			c.UserID,
		).Scan(&ent.Plan, &ent.Status, &ent.CurrentPeriodEnd)
		if err != nil {
			if isNoRows(err) {
				return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
			}
			return dbError("failed to lock user", err)
		}
		if ent.CurrentPeriodEnd != nil {
			resultEnd = *ent.CurrentPeriodEnd
		}

		// xmax is zero only for a freshly inserted row, so first tells a new
		// settlement apart from an upgraded failure.
		var first bool
		err = tx.QueryRow(ctx,
			`INSERT INTO payment_settlements (correlation_id, user_id, outcome, amount, currency, settled_at)
			 VALUES ($1, $2, 'succeeded', $3, $4, $5)
			 ON CONFLICT (correlation_id) DO UPDATE
			 SET outcome = 'succeeded',
			     user_id = EXCLUDED.user_id,
			     amount = EXCLUDED.amount,
			     currency = EXCLUDED.currency,
			     settled_at = EXCLUDED.settled_at
			 WHERE payment_settlements.outcome <> 'succeeded'
			 RETURNING (xmax = 0)`,
			c.CorrelationID,
			c.UserID,
			c.Amount,
			c.Currency,
			c.Now,
		).Scan(&first)
		if err != nil {
			if isNoRows(err) {
				outcome = billing.ConfirmDuplicate
				return nil
			}
			return dbError("failed to record settlement", err)
		}

		start, end, apply := billing.SettlementPeriod(ent, c.Interval, c.Now, first)
		if !apply {
			if _, err := tx.Exec(ctx,
				`UPDATE subscriptions
				 SET status = 'active', updated_at = $3
				 WHERE user_id = $1 AND gateway_reference = $2 AND status IN ('pending', 'past_due')`,
				c.UserID,
				c.CorrelationID,
				c.Now,
			); err != nil {
				return dbError("failed to settle billing record", err)
			}
			outcome = billing.ConfirmStale
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE users
			 SET subscription_plan = $2,
			     subscription_status = 'active',
			     subscription_period_start = $3,
			     subscription_period_end = $4,
			     subscription_cancel_at_period_end = FALSE
			 WHERE id = $1`,
			c.UserID,
			c.Plan,
			start,
			end,
		); err != nil {
			return dbError("failed to update entitlement", err)
		}

		amount, paidAt := c.Amount, c.PaidAt
		meta := types.PaymentMetadata{
			Amount:    &amount,
			Currency:  c.Currency,
			Reference: c.CorrelationID,
			PaidAt:    &paidAt,
			Gateway:   c.Gateway,
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO subscriptions (user_id, plan, status, current_period_start, current_period_end,
				cancel_at_period_end, cancelled_at, gateway, gateway_reference, metadata, created_at, updated_at)
			 VALUES ($1, $2, 'active', $3, $4, FALSE, NULL, $5, $6, $7, $8, $8)
			 ON CONFLICT (user_id) DO UPDATE
			 SET plan = EXCLUDED.plan,
			     status = 'active',
			     current_period_start = EXCLUDED.current_period_start,
			     current_period_end = EXCLUDED.current_period_end,
			     cancel_at_period_end = FALSE,
			     cancelled_at = NULL,
			     gateway = EXCLUDED.gateway,
			     gateway_reference = EXCLUDED.gateway_reference,
			     metadata = EXCLUDED.metadata,
			     updated_at = EXCLUDED.updated_at`,
			c.UserID,
			c.Plan,
			start,
			end,
			c.Gateway,
			c.CorrelationID,
			meta,
			c.Now,
		); err != nil {
			return dbError("failed to upsert billing record", err)
		}
		outcome = billing.ConfirmApplied
		resultEnd = end
		return nil
	})
	if err != nil {
		return "", time.Time{}, dbError("failed to apply payment", err)
	}

	if outcome != billing.ConfirmApplied {
		r.logger.Info("payment confirmation did not change entitlement",
			slog.String("user_id", c.UserID),
			slog.String("correlation_id", c.CorrelationID),
			slog.String("outcome", string(outcome)),
		)
	}
	return outcome, resultEnd, nil
}

// RecordPaymentFailure records a failed outcome for the correlation id and
// moves a pending or active record carrying it to past_due. A correlation id
// already settled as succeeded is left untouched.
func (r *SubscriptionRepository) RecordPaymentFailure(ctx context.Context, f billing.PaymentFailure) (bool, error) {
	var moved bool
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO payment_settlements (correlation_id, user_id, outcome, amount, currency, settled_at)
			 SELECT $1, u.id, 'failed', $3, $4, $5 FROM users u WHERE u.id = $2
			 ON CONFLICT (correlation_id) DO NOTHING`,
			f.CorrelationID,
			f.UserID,
			f.Amount,
			f.Currency,
			f.At,
		); err != nil {
			return dbError("failed to record settlement", err)
		}

		var prior types.SettlementOutcome
		err := tx.QueryRow(ctx,
			`SELECT outcome FROM payment_settlements WHERE correlation_id = $1 FOR SHARE`,
			f.CorrelationID,
		).Scan(&prior)
		if err != nil && !isNoRows(err) {
			return dbError("failed to read settlement", err)
		}
		if prior == types.SettlementSucceeded {
			return nil
		}

		tag, err := tx.Exec(ctx,
			`UPDATE subscriptions
			 SET status = 'past_due', updated_at = $2
			 WHERE gateway_reference = $1 AND status IN ('pending', 'active')`,
			f.CorrelationID,
			f.At,
		)
		if err != nil {
			return dbError("failed to mark billing record past due", err)
		}
		moved = tag.RowsAffected() > 0
		return nil
	})
	if err != nil {
		return false, dbError("failed to record payment failure", err)
	}
	return moved, nil
}

// SetCancelAtPeriodEnd schedules (cancel=true) or clears a downgrade on both
// the entitlement and the billing record. Clearing also revives a record
// that was cancelled or past_due; a pending checkout is left alone.
func (r *SubscriptionRepository) SetCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool, now time.Time) error {
	tag, err := r.db.Exec(ctx,
		`WITH ent AS (
			UPDATE users
			SET subscription_cancel_at_period_end = $2::boolean
			WHERE id = $1
			RETURNING id, subscription_plan, subscription_status,
			          subscription_period_start, subscription_period_end
		)
		INSERT INTO subscriptions (user_id, plan, status, current_period_start, current_period_end,
			cancel_at_period_end, cancelled_at, created_at, updated_at)
		SELECT id, subscription_plan, subscription_status, subscription_period_start, subscription_period_end,
			$2::boolean, CASE WHEN $2::boolean THEN $3::timestamptz END, $3, $3
		FROM ent
		ON CONFLICT (user_id) DO UPDATE
		SET cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		    cancelled_at = EXCLUDED.cancelled_at,
		    status = CASE
		        WHEN NOT EXCLUDED.cancel_at_period_end AND subscriptions.status IN ('cancelled', 'past_due') THEN 'active'
		        ELSE subscriptions.status
		    END,
		    updated_at = EXCLUDED.updated_at`,
		userID,
		cancel,
		now,
	)
	if err != nil {
		return dbError("failed to update cancellation", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}
