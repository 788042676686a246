// Package cache holds the Redis-backed request throttling and webhook replay
// guard, with in-memory equivalents for local runs and tests.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"empowerher/internal/config"
)

// ErrNotConfigured is returned by Connect when no Redis URL is set.
var ErrNotConfigured = errors.New("redis url not configured")

// redisCmdable is the subset of *redis.Client this package uses.
type redisCmdable interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Connect parses the URL and pings until the server answers, retrying up to
// cfg.ConnectRetries times within cfg.ConnectTimeout.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	if !cfg.URL.IsSet() {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	attempts := max(cfg.ConnectRetries, 1)
	var lastErr error
	for i := range attempts {
		client := redis.NewClient(opts)
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			return client, nil
		}
		_ = client.Close()
		logger.Warn("redis connection attempt failed",
			"attempt", i+1,
			"max_attempts", attempts,
			"error", lastErr,
		)
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ctx.Err(), lastErr)
		case <-time.After(cfg.RetryInterval):
		}
	}
	return nil, fmt.Errorf("redis not ready after %d attempts: %w", attempts, lastErr)
}

// Healthcheck returns a probe that pings the client.
func Healthcheck(client *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		return nil
	}
}
