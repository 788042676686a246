package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"empowerher/internal/types"
)

// ReplayGuard remembers webhook deliveries that were already reconciled so
// provider retries short-circuit before touching the database. It is an
// optimization only; reconciliation stays idempotent without it.
type ReplayGuard interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string, ttl time.Duration) error
}

var (
	_ ReplayGuard = (*RedisReplayGuard)(nil)
	_ ReplayGuard = (*MemoryReplayGuard)(nil)
)

// RedisReplayGuard stores delivery keys with a TTL.
type RedisReplayGuard struct {
	client redisCmdable
	prefix string
}

// NewRedisReplayGuard creates a guard whose keys start with prefix.
func NewRedisReplayGuard(client redisCmdable, prefix string) *RedisReplayGuard {
	return &RedisReplayGuard{client: client, prefix: prefix}
}

func (g *RedisReplayGuard) Seen(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, g.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("replay lookup failed: %w", err)
	}
	return n > 0, nil
}

func (g *RedisReplayGuard) Mark(ctx context.Context, key string, ttl time.Duration) error {
	if err := g.client.Set(ctx, g.prefix+key, 1, ttl).Err(); err != nil {
		return fmt.Errorf("replay mark failed: %w", err)
	}
	return nil
}

// MemoryReplayGuard is the single-process fallback.
type MemoryReplayGuard struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	clock types.Clock
}

// NewMemoryReplayGuard creates an empty in-memory guard.
func NewMemoryReplayGuard(clock types.Clock) *MemoryReplayGuard {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryReplayGuard{seen: make(map[string]time.Time), clock: clock}
}

func (g *MemoryReplayGuard) Seen(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	exp, ok := g.seen[key]
	if !ok {
		return false, nil
	}
	if !g.clock.Now().Before(exp) {
		delete(g.seen, key)
		return false, nil
	}
	return true, nil
}

func (g *MemoryReplayGuard) Mark(_ context.Context, key string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[key] = g.clock.Now().Add(ttl)
	return nil
}
