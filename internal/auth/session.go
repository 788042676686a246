// Package auth resolves bearer session tokens into request actors. Tokens are
// issued by the identity service; only their SHA-256 hash is ever stored.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"empowerher/internal/db"
	"empowerher/internal/types"
)

// SessionLookup defines the data access needed by the SessionAuthenticator.
type SessionLookup interface {
	GetByTokenHash(ctx context.Context, tokenHash string) (*db.Session, error)
}

// SessionAuthenticator implements core.Authenticator against the sessions
// table.
type SessionAuthenticator struct {
	sessions SessionLookup
	clock    types.Clock
	logger   *slog.Logger
}

// NewSessionAuthenticator creates a new SessionAuthenticator.
func NewSessionAuthenticator(sessions SessionLookup, clock types.Clock, logger *slog.Logger) *SessionAuthenticator {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionAuthenticator{
		sessions: sessions,
		clock:    clock,
		logger:   logger,
	}
}

// ResolveToken returns the actor owning token.
//
//   - ErrCodeAuthTokenInvalid if the token is blank or unknown.
//   - ErrCodeAuthTokenExpired if the session exists but has expired.
func (a *SessionAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid session token", nil)
	}

	session, err := a.sessions.GetByTokenHash(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid session token", nil)
	}

	if !a.clock.Now().Before(session.ExpiresAt) {
		a.logger.InfoContext(ctx, "session expired",
			"user_id", session.UserID,
			"expired_at", session.ExpiresAt,
		)
		return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "session has expired", nil)
	}

	role := session.Role
	if role == "" {
		role = types.RoleUser
	}
	return &types.Actor{UserID: session.UserID, Role: role}, nil
}

// HashToken returns the hex-encoded SHA-256 digest under which a session
// token is stored.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
