// Package reports records incident reports behind the billing admission
// gate. Report content is opaque here; only the record needed to meter and
// track a submission is kept.
package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"empowerher/internal/billing"
	"empowerher/internal/types"
)

// maxOBAttempts bounds retries when a generated OB number collides.
const maxOBAttempts = 3

// Store persists reports.
type Store interface {
	// Insert writes a new report. An OB number collision returns a
	// conflict_concurrent_modification AppError.
	Insert(ctx context.Context, r *types.Report) error
	// ListByUser returns the user's reports, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]types.Report, error)
	// GetByOBNumber returns nil, nil when no report carries the number.
	GetByOBNumber(ctx context.Context, obNumber string) (*types.Report, error)
}

// TxManager runs fn in one transaction. The report insert and the usage
// increment commit or roll back together.
type TxManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, reports Store, usage billing.UsageStore) error) error
}

// SubmitInput is a validated report submission.
type SubmitInput struct {
	IncidentType string
	Urgency      types.Urgency
	Payload      types.ReportPayload
}

// Service submits and reads reports.
type Service struct {
	gate   *billing.AdmissionGate
	tx     TxManager
	store  Store
	clock  types.Clock
	logger *slog.Logger
}

// NewService wires the report service.
func NewService(gate *billing.AdmissionGate, tx TxManager, store Store, clock types.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{gate: gate, tx: tx, store: store, clock: clock, logger: logger}
}

// Submit admits the actor, then writes the report and, for metered
// admissions, consumes one unit of the monthly quota in the same
// transaction. A concurrent submission that took the last slot makes the
// consume fail and the insert roll back.
func (s *Service) Submit(ctx context.Context, actor types.Actor, in SubmitInput) (*types.Report, error) {
	admission, err := s.gate.Admit(ctx, actor)
	if err != nil {
		return nil, err
	}
	if !admission.Allowed {
		return nil, admission.Err()
	}

	logger := types.LoggerFromContext(ctx, s.logger)
	for attempt := 1; ; attempt++ {
		now := s.clock.Now()
		report := &types.Report{
			ID:           uuid.NewString(),
			OBNumber:     NewOBNumber(now),
			UserID:       actor.UserID,
			Status:       types.ReportSubmitted,
			IncidentType: in.IncidentType,
			Urgency:      in.Urgency,
			Payload:      in.Payload,
			SubmittedAt:  now,
			UpdatedAt:    now,
		}

		err := s.tx.RunInTx(ctx, func(ctx context.Context, reports Store, usage billing.UsageStore) error {
			if admission.Metered {
				counter := billing.NewUsageCounter(usage, s.clock)
				if _, err := counter.Consume(ctx, actor.UserID, admission.Quota.Limit); err != nil {
					return err
				}
			}
			return reports.Insert(ctx, report)
		})
		if err == nil {
			logger.InfoContext(ctx, "report submitted",
				"ob_number", report.OBNumber,
				"urgency", report.Urgency,
				"metered", admission.Metered,
			)
			return report, nil
		}
		if !isConflict(err) || attempt >= maxOBAttempts {
			return nil, err
		}
		logger.WarnContext(ctx, "ob number collision, retrying", "attempt", attempt)
	}
}

// Mine returns the actor's reports, newest first.
func (s *Service) Mine(ctx context.Context, userID string, limit int) ([]types.Report, error) {
	return s.store.ListByUser(ctx, userID, limit)
}

// Track returns the report carrying obNumber.
func (s *Service) Track(ctx context.Context, obNumber string) (*types.Report, error) {
	r, err := s.store.GetByOBNumber(ctx, strings.ToUpper(strings.TrimSpace(obNumber)))
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundReport, "report not found", nil)
	}
	return r, nil
}

// NewOBNumber returns an occurrence-book number of the form
// OB-YYYYMMDD-XXXXXX, dated in UTC.
func NewOBNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("OB-%s-%s", now.UTC().Format("20060102"), suffix)
}

func isConflict(err error) bool {
	var appErr *types.AppError
	return errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictConcurrent
}
