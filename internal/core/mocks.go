package core

import (
	"context"
	"sync"
	"time"

	"empowerher/internal/types"
)

// --- MockAuthenticator ---

// MockAuthenticator implements the Authenticator interface for testing.
// It returns a predefined Actor, or a fixed error to simulate
// authentication failures.
//
// Usage:
//
//	mock := &MockAuthenticator{
//	    Actor: &types.Actor{UserID: "user-1", Role: types.RoleUser},
//	}
type MockAuthenticator struct {
	// Actor is returned on successful token resolution.
	Actor *types.Actor

	// Err is returned by ResolveToken. When set, Actor is ignored.
	Err error

	// ResolveTokenFunc overrides the default behavior when set.
	ResolveTokenFunc func(ctx context.Context, token string) (*types.Actor, error)

	mu sync.Mutex

	// Calls records every token passed to ResolveToken.
	Calls []string
}

// ResolveToken implements the Authenticator interface.
func (m *MockAuthenticator) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, token)
	m.mu.Unlock()

	if m.ResolveTokenFunc != nil {
		return m.ResolveTokenFunc(ctx, token)
	}
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Actor, nil
}

// --- MockRateLimitStore ---

// MockRateLimitStore implements the RateLimitStore interface for testing.
//
// Usage:
//
//	mock := &MockRateLimitStore{
//	    Result: RateLimitResult{Allowed: false, Remaining: 0, ResetAt: time.Now().Add(time.Minute)},
//	}
type MockRateLimitStore struct {
	// Result is returned by IncrementAndCheck.
	Result RateLimitResult

	// Err is returned alongside Result.
	Err error

	// IncrementAndCheckFunc overrides the default behavior when set.
	IncrementAndCheckFunc func(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error)

	mu sync.Mutex

	// Calls records every invocation.
	Calls []RateLimitCall
}

// RateLimitCall records the arguments of a single IncrementAndCheck invocation.
type RateLimitCall struct {
	Key    string
	Limit  int
	Window time.Duration
}

// IncrementAndCheck implements the RateLimitStore interface.
func (m *MockRateLimitStore) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (RateLimitResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, RateLimitCall{Key: key, Limit: limit, Window: window})
	m.mu.Unlock()

	if m.IncrementAndCheckFunc != nil {
		return m.IncrementAndCheckFunc(ctx, key, limit, window)
	}
	return m.Result, m.Err
}

// --- MockPremiumChecker ---

// MockPremiumChecker implements PremiumChecker for testing. Err is returned
// for every non-admin actor.
type MockPremiumChecker struct {
	Err error
}

// RequirePremium implements PremiumChecker.
func (m *MockPremiumChecker) RequirePremium(_ context.Context, actor types.Actor) error {
	if actor.IsAdmin() {
		return nil
	}
	return m.Err
}

// Compile-time interface assertions.
var (
	_ Authenticator  = (*MockAuthenticator)(nil)
	_ RateLimitStore = (*MockRateLimitStore)(nil)
	_ PremiumChecker = (*MockPremiumChecker)(nil)
)
