package db

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"empowerher/internal/billing"
	"empowerher/internal/reports"
)

var (
	_ billing.Store     = (*Store)(nil)
	_ reports.TxManager = (*ReportTxManager)(nil)
)

// Store composes the repositories the billing services need into one
// billing.Store over a pool.
type Store struct {
	*PlanRepository
	*UserRepository
	*SubscriptionRepository
}

// NewStore builds a Store over db.
func NewStore(db TxBeginner, logger *slog.Logger) *Store {
	return &Store{
		PlanRepository:         NewPlanRepository(db),
		UserRepository:         NewUserRepository(db),
		SubscriptionRepository: NewSubscriptionRepository(db, logger),
	}
}

// ReportTxManager runs report writes and the usage increment in one
// transaction.
type ReportTxManager struct {
	db TxBeginner
}

// NewReportTxManager creates a transaction manager over db.
func NewReportTxManager(db TxBeginner) *ReportTxManager {
	return &ReportTxManager{db: db}
}

// RunInTx opens a transaction, hands fn repositories bound to it, and
// commits when fn returns nil. Any error rolls everything back.
func (m *ReportTxManager) RunInTx(ctx context.Context, fn func(ctx context.Context, rs reports.Store, usage billing.UsageStore) error) error {
	err := pgx.BeginFunc(ctx, m.db, func(tx pgx.Tx) error {
		return fn(ctx, NewReportRepository(tx), NewUserRepository(tx))
	})
	if err != nil {
		return dbError("report transaction failed", err)
	}
	return nil
}
