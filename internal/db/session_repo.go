package db

import (
	"context"
	"time"

	"empowerher/internal/types"
)

// SessionRepository resolves bearer session tokens issued by the identity
// service. Only the SHA-256 hash of a token is stored.
type SessionRepository struct {
	db DBTX
}

// NewSessionRepository creates a new SessionRepository backed by the given
// database connection (pool or transaction).
func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

// Session is a resolved session row joined with its user's role.
type Session struct {
	UserID    string
	Role      types.UserRole
	ExpiresAt time.Time
}

// GetByTokenHash returns the session for tokenHash, or nil when none exists.
// Expiry is left to the caller.
func (r *SessionRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	var s Session
	err := r.db.QueryRow(ctx,
		`SELECT s.user_id, u.role, s.expires_at
		 FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.token_hash = $1`,
		tokenHash,
	).Scan(&s.UserID, &s.Role, &s.ExpiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, dbError("failed to resolve session", err)
	}
	return &s, nil
}
