package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrDuplicateRequest = errors.New("duplicate request")
)

var incrWithTTLScript = redis.NewScript(`
local c = redis.call("INCR", KEYS[1])
if c == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return c
`)

// RateLimitError reports the window a rejected wallet must wait out.
type RateLimitError struct {
	Limit   int64
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit of %d prompts per hour exceeded, resets at %s", e.Limit, e.ResetAt.Format(time.RFC3339))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RateLimiter counts prompts per wallet in fixed hourly windows.
type RateLimiter struct {
	redis *redis.Client
	limit int64
}

// NewRateLimiter returns a limiter; a limit of zero or less disables it.
func NewRateLimiter(rdb *redis.Client, limit int64) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit}
}

func (r *RateLimiter) Allow(ctx context.Context, wallet string, now time.Time) (used int64, err error) {
	if r == nil || r.limit <= 0 {
		return 0, nil
	}
	windowStart := now.UTC().Truncate(time.Hour)
	windowEnd := windowStart.Add(time.Hour)
	ttl := int64(windowEnd.Sub(now.UTC()).Seconds())
	if ttl < 1 {
		ttl = 1
	}

	key := fmt.Sprintf("payprompt:ratelimit:%s:%s", strings.ToLower(wallet), windowStart.Format("2006010215"))
	used, err = incrWithTTLScript.Run(ctx, r.redis, []string{key}, ttl).Int64()
	if err != nil {
		return 0, fmt.Errorf("rate limit script: %w", err)
	}
	if used > r.limit {
		return used, &RateLimitError{Limit: r.limit, ResetAt: windowEnd}
	}
	return used, nil
}

// IdempotencyGuard remembers client-supplied request keys for a while.
type IdempotencyGuard struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewIdempotencyGuard(rdb *redis.Client, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{redis: rdb, ttl: ttl}
}

// Claim fails with ErrDuplicateRequest when key was already claimed in scope.
// An empty key is always accepted.
func (g *IdempotencyGuard) Claim(ctx context.Context, scope, key string) error {
	if g == nil || strings.TrimSpace(key) == "" {
		return nil
	}
	ok, err := g.redis.SetNX(ctx, idempotencyKey(scope, key), "1", g.ttl).Result()
	if err != nil {
		return fmt.Errorf("idempotency setnx: %w", err)
	}
	if !ok {
		return ErrDuplicateRequest
	}
	return nil
}

// Release forgets a claim so a request rejected before any side effect can
// be retried with the same key.
func (g *IdempotencyGuard) Release(ctx context.Context, scope, key string) error {
	if g == nil || strings.TrimSpace(key) == "" {
		return nil
	}
	if err := g.redis.Del(ctx, idempotencyKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

func idempotencyKey(scope, key string) string {
	return fmt.Sprintf("payprompt:idempotency:%s:%s", scope, strings.TrimSpace(key))
}
