package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter counts hits per (scope, subject) within a fixed window.
type RateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

var rateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimiter implements distributed rate limiting using Redis.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, prefix string) *RedisRateLimiter {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "ledger:rate_limit"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	return &RedisRateLimiter{
		client: client,
		prefix: trimmedPrefix,
	}
}

func (r *RedisRateLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := rateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}

	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}

	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	return int(currentCount), retryAfterFromMillis(ttlMs), nil
}

// Ping reports whether the redis backend answers.
func (r *RedisRateLimiter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func retryAfterFromMillis(ttlMs int64) int {
	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return retryAfter
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

// MemoryRateLimiter is the single-process fallback used when redis is not configured.
type MemoryRateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*memoryWindow
	now       func() time.Time
	lastSweep time.Time
}

func NewMemoryRateLimiter() *MemoryRateLimiter {
	return &MemoryRateLimiter{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

func (m *MemoryRateLimiter) ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (int, int, error) {
	if limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if now.Sub(m.lastSweep) > time.Minute {
		for key, w := range m.windows {
			if !now.Before(w.resetAt) {
				delete(m.windows, key)
			}
		}
		m.lastSweep = now
	}

	key := scope + ":" + subject
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		m.windows[key] = w
	}
	w.count++
	return w.count, retryAfterFromMillis(w.resetAt.Sub(now).Milliseconds()), nil
}
