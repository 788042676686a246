package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"empowerher/internal/types"
)

// PlanRepository provides data access for the plans catalog.
type PlanRepository struct {
	db DBTX
}

// NewPlanRepository creates a new PlanRepository backed by the given
// database connection (pool or transaction).
func NewPlanRepository(db DBTX) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `name, display_name, description, price, currency, billing_interval,
	features, is_active, created_at, updated_at`

func scanPlan(row pgx.Row) (*types.Plan, error) {
	var p types.Plan
	err := row.Scan(
		&p.Name,
		&p.DisplayName,
		&p.Description,
		&p.Price,
		&p.Currency,
		&p.BillingInterval,
		&p.Features,
		&p.IsActive,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPlan returns the plan with the given name, or nil when none exists.
func (r *PlanRepository) GetPlan(ctx context.Context, name types.PlanName) (*types.Plan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE name = $1`,
		name,
	)
	p, err := scanPlan(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, dbError("failed to load plan", err)
	}
	return p, nil
}

// ListPlans returns plans ordered by ascending price, then name.
func (r *PlanRepository) ListPlans(ctx context.Context, activeOnly bool) ([]types.Plan, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+planColumns+`
		 FROM plans
		 WHERE ($1 = FALSE OR is_active)
		 ORDER BY price ASC, name ASC`,
		activeOnly,
	)
	if err != nil {
		return nil, dbError("failed to list plans", err)
	}
	defer rows.Close()

	var plans []types.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, dbError("failed to scan plan", err)
		}
		plans = append(plans, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to iterate plans", err)
	}
	return plans, nil
}

// InsertPlanIfAbsent inserts the plan unless a row with the same name
// already exists. Operator edits to existing rows are never overwritten.
func (r *PlanRepository) InsertPlanIfAbsent(ctx context.Context, plan *types.Plan) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO plans (name, display_name, description, price, currency,
			billing_interval, features, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 ON CONFLICT (name) DO NOTHING`,
		plan.Name,
		plan.DisplayName,
		plan.Description,
		plan.Price,
		plan.Currency,
		plan.BillingInterval,
		plan.Features,
		plan.IsActive,
	)
	if err != nil {
		return false, dbError("failed to insert plan", err)
	}
	return tag.RowsAffected() == 1, nil
}
