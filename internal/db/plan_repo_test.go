package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"empowerher/internal/types"
)

func requireAppCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr), "expected *types.AppError, got %T: %v", err, err)
	assert.Equal(t, code, appErr.Code)
}

func planRow(name types.PlanName, price string, active bool) []any {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limit := 3
	return []any{
		name,
		"Free Plan",
		"",
		decimal.RequireFromString(price),
		"KES",
		types.IntervalMonth,
		types.PlanFeatures{MaxReportsPerMonth: &limit},
		active,
		now,
		now,
	}
}

func TestPlanRepository_GetPlan(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{types.PlanFree}).
		Return(rowOf(planRow(types.PlanFree, "0", true)...))

	plan, err := repo.GetPlan(ctx, types.PlanFree)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, types.PlanFree, plan.Name)
	assert.True(t, plan.Price.IsZero())
	require.NotNil(t, plan.Features.MaxReportsPerMonth)
	assert.Equal(t, 3, *plan.Features.MaxReportsPerMonth)
	db.AssertExpectations(t)
}

func TestPlanRepository_GetPlan_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	plan, err := repo.GetPlan(context.Background(), types.PlanPremium)
	require.NoError(t, err)
	assert.Nil(t, plan)
}

func TestPlanRepository_GetPlan_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: errors.New("connection reset")})

	_, err := repo.GetPlan(context.Background(), types.PlanPremium)
	requireAppCode(t, err, types.ErrCodeInternalDB)
}

func TestPlanRepository_ListPlans(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepository(db)
	ctx := context.Background()

	rows := newMockRows([][]any{
		planRow(types.PlanFree, "0", true),
		planRow(types.PlanPremium, "9.99", true),
	})
	db.On("Query", ctx, sqlContains("ORDER BY price ASC"), []any{true}).Return(rows, nil)

	plans, err := repo.ListPlans(ctx, true)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, types.PlanFree, plans[0].Name)
	assert.Equal(t, "9.99", plans[1].Price.String())
	assert.True(t, rows.closed)
	db.AssertExpectations(t)
}

func TestPlanRepository_ListPlans_IterationError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewPlanRepository(db)

	rows := newMockRows(nil)
	rows.errVal = errors.New("stream broken")
	db.On("Query", mock.Anything, mock.Anything, mock.Anything).Return(rows, nil)

	_, err := repo.ListPlans(context.Background(), false)
	requireAppCode(t, err, types.ErrCodeInternalDB)
}

func TestPlanRepository_InsertPlanIfAbsent(t *testing.T) {
	tests := []struct {
		name string
		tag  string
		want bool
	}{
		{name: "inserted", tag: "INSERT 0 1", want: true},
		{name: "already present", tag: "INSERT 0 0", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := new(mockDBTX)
			repo := NewPlanRepository(db)

			db.On("Exec", mock.Anything, sqlContains("ON CONFLICT (name) DO NOTHING"), mock.Anything).
				Return(cmdTag(tt.tag), nil)

			inserted, err := repo.InsertPlanIfAbsent(context.Background(), &types.Plan{
				Name:  types.PlanPremium,
				Price: decimal.RequireFromString("9.99"),
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, inserted)
			db.AssertExpectations(t)
		})
	}
}
