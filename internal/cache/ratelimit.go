package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"empowerher/internal/core"
	"empowerher/internal/types"
)

var (
	_ core.RateLimitStore = (*RedisRateLimiter)(nil)
	_ core.RateLimitStore = (*MemoryRateLimiter)(nil)
)

// rateLimitScript increments a fixed-window counter, starting the window on
// the first hit, and returns the count and the window's remaining TTL in ms.
const rateLimitScript = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {n, ttl}
`

// RedisRateLimiter is a fixed-window counter shared by every API instance.
type RedisRateLimiter struct {
	client redisCmdable
	prefix string
	clock  types.Clock
}

// NewRedisRateLimiter creates a limiter whose keys start with prefix.
func NewRedisRateLimiter(client redisCmdable, prefix string, clock types.Clock) *RedisRateLimiter {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &RedisRateLimiter{client: client, prefix: prefix, clock: clock}
}

// IncrementAndCheck counts one request against key.
func (l *RedisRateLimiter) IncrementAndCheck(ctx context.Context, key string, limit int, window time.Duration) (core.RateLimitResult, error) {
	res, err := l.client.Eval(ctx, rateLimitScript, []string{l.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return core.RateLimitResult{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return core.RateLimitResult{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return core.RateLimitResult{
		Allowed:   count <= limit,
		Remaining: max(limit-count, 0),
		ResetAt:   l.clock.Now().Add(ttl),
	}, nil
}

// MemoryRateLimiter is the single-process fallback used when Redis is not
// configured.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]memWindow
	clock   types.Clock
}

type memWindow struct {
	count   int
	resetAt time.Time
}

// NewMemoryRateLimiter creates an empty in-memory limiter.
func NewMemoryRateLimiter(clock types.Clock) *MemoryRateLimiter {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryRateLimiter{windows: make(map[string]memWindow), clock: clock}
}

// IncrementAndCheck counts one request against key.
func (l *MemoryRateLimiter) IncrementAndCheck(_ context.Context, key string, limit int, window time.Duration) (core.RateLimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = memWindow{resetAt: now.Add(window)}
	}
	w.count++
	l.windows[key] = w
	return core.RateLimitResult{
		Allowed:   w.count <= limit,
		Remaining: max(limit-w.count, 0),
		ResetAt:   w.resetAt,
	}, nil
}
