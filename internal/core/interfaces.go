package core

import (
	"context"
	"time"

	"empowerher/internal/types"
)

// Authenticator decouples the HTTP layer from specific auth mechanisms
// (DB lookups), allowing for easy mocking in tests.
type Authenticator interface {
	// ResolveToken returns the Actor owning a bearer session token.
	//
	// Distinct Error Codes:
	// - Return ErrCodeAuthTokenInvalid if the token is malformed or unknown.
	// - Return ErrCodeAuthTokenExpired if the session exists but has expired.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// PremiumChecker decides whether an actor may use premium-only features.
// The billing subscription service implements it with lazy expiry.
type PremiumChecker interface {
	RequirePremium(ctx context.Context, actor types.Actor) error
}

// RateLimitStore abstracts the backing store for rate limiting.
// Production uses Redis; dev/test uses in-memory.
type RateLimitStore interface {
	// IncrementAndCheck atomically increments the rate limit counter for the
	// given key and checks if the limit has been exceeded within the window.
	IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)
}

// RateLimitResult contains the outcome of a rate limit check.
type RateLimitResult struct {
	// Allowed indicates whether the request is within the rate limit.
	Allowed bool
	// Remaining is the number of requests remaining in the current window.
	Remaining int
	// ResetAt is the time when the current rate limit window resets.
	ResetAt time.Time
}
