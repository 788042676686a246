package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"empowerher/internal/reports"
	"empowerher/internal/types"
)

var _ reports.Store = (*ReportRepository)(nil)

// ReportRepository provides data access for the reports table.
type ReportRepository struct {
	db DBTX
}

// NewReportRepository creates a new ReportRepository backed by the given
// database connection (pool or transaction).
func NewReportRepository(db DBTX) *ReportRepository {
	return &ReportRepository{db: db}
}

const reportColumns = `id, ob_number, user_id, status, incident_type, urgency, payload, submitted_at, updated_at`

func scanReport(row pgx.Row) (*types.Report, error) {
	var r types.Report
	err := row.Scan(
		&r.ID,
		&r.OBNumber,
		&r.UserID,
		&r.Status,
		&r.IncidentType,
		&r.Urgency,
		&r.Payload,
		&r.SubmittedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Insert writes a new report. A duplicate OB number maps to a conflict so
// the caller can retry with a fresh number.
func (r *ReportRepository) Insert(ctx context.Context, report *types.Report) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO reports (`+reportColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		report.ID,
		report.OBNumber,
		report.UserID,
		report.Status,
		report.IncidentType,
		report.Urgency,
		report.Payload,
		report.SubmittedAt,
		report.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictConcurrent, "ob number already in use", err)
		}
		return dbError("failed to insert report", err)
	}
	return nil
}

// ListByUser returns the user's reports, newest first.
func (r *ReportRepository) ListByUser(ctx context.Context, userID string, limit int) ([]types.Report, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+reportColumns+`
		 FROM reports
		 WHERE user_id = $1
		 ORDER BY submitted_at DESC
		 LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, dbError("failed to list reports", err)
	}
	defer rows.Close()

	var out []types.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, dbError("failed to scan report", err)
		}
		out = append(out, *rep)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("failed to iterate reports", err)
	}
	return out, nil
}

// GetByOBNumber returns the report with the given OB number, or nil.
func (r *ReportRepository) GetByOBNumber(ctx context.Context, obNumber string) (*types.Report, error) {
	rep, err := scanReport(r.db.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE ob_number = $1`,
		obNumber,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, dbError("failed to retrieve report", err)
	}
	return rep, nil
}
