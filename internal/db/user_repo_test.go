package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"empowerher/internal/types"
)

func TestUserRepository_GetUser(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)
	ctx := context.Background()

	created := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	phone := "+254712345678"

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), []any{"user-1"}).Return(rowOf(
		"user-1",              // id
		"amina@example.com",   // email
		"Amina Otieno",        // name
		&phone,                // phone
		types.RoleUser,        // role
		types.PlanPremium,     // subscription_plan
		types.SubStatusActive, // subscription_status
		nil,                   // subscription_period_start
		&end,                  // subscription_period_end
		true,                  // subscription_cancel_at_period_end
		2,                     // reports_this_month
		&reset,                // usage_last_reset
		created,               // created_at
	))

	u, err := repo.GetUser(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "+254712345678", u.Phone)
	assert.Equal(t, types.PlanPremium, u.Entitlement.Plan)
	assert.Nil(t, u.Entitlement.CurrentPeriodStart)
	assert.Equal(t, end, *u.Entitlement.CurrentPeriodEnd)
	assert.True(t, u.Entitlement.CancelAtPeriodEnd)
	assert.Equal(t, 2, u.Usage.ReportsThisMonth)
	db.AssertExpectations(t)
}

func TestUserRepository_GetUser_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	u, err := repo.GetUser(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestUserRepository_RolloverUsage(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 1, 0, time.UTC)

	db.On("QueryRow", ctx, sqlContains("WITH reset AS"), []any{"user-1", now, now}).
		Return(rowOf(0, &now))

	usage, err := repo.RolloverUsage(ctx, "user-1", now)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.ReportsThisMonth)
	assert.Equal(t, now, *usage.LastResetAt)
	db.AssertExpectations(t)
}

func TestUserRepository_RolloverUsage_UnknownUser(t *testing.T) {
	db := new(mockDBTX)
	repo := NewUserRepository(db)

	db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.RolloverUsage(context.Background(), "ghost", time.Now())
	requireAppCode(t, err, types.ErrCodeNotFoundUser)
}

func TestUserRepository_IncrementUsage(t *testing.T) {
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	reset := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	t.Run("below cap", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewUserRepository(db)

		db.On("QueryRow", mock.Anything, sqlContains("UPDATE users"), []any{"user-1", 3, now}).
			Return(rowOf(3, &reset))

		usage, ok, err := repo.IncrementUsage(context.Background(), "user-1", 3, now)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 3, usage.ReportsThisMonth)
		db.AssertExpectations(t)
	})

	t.Run("cap reached returns current usage", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewUserRepository(db)

		db.On("QueryRow", mock.Anything, sqlContains("UPDATE users"), mock.Anything).
			Return(&mockRow{scanErr: pgx.ErrNoRows})
		db.On("QueryRow", mock.Anything, sqlContains("SELECT reports_this_month"), []any{"user-1"}).
			Return(rowOf(3, &reset))

		usage, ok, err := repo.IncrementUsage(context.Background(), "user-1", 3, now)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 3, usage.ReportsThisMonth)
		db.AssertExpectations(t)
	})

	t.Run("unknown user", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewUserRepository(db)

		db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: pgx.ErrNoRows})

		_, ok, err := repo.IncrementUsage(context.Background(), "ghost", 3, now)
		assert.False(t, ok)
		requireAppCode(t, err, types.ErrCodeNotFoundUser)
	})

	t.Run("database error", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewUserRepository(db)

		db.On("QueryRow", mock.Anything, mock.Anything, mock.Anything).Return(&mockRow{scanErr: errors.New("timeout")})

		_, _, err := repo.IncrementUsage(context.Background(), "user-1", 3, now)
		requireAppCode(t, err, types.ErrCodeInternalDB)
	})
}
