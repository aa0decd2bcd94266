// Package ratelimit implements the per-principal token bucket that guards
// admission. Buckets live in the shared store so every API process draws
// from the same budget; refill and consume happen in one scripted step.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	redisc "github.com/7and1/youtube-subtitle-api/internal/cache/redis"
	"github.com/7and1/youtube-subtitle-api/internal/clock"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
)

// bucketScript refills proportionally to elapsed time (capped at capacity),
// then consumes one token if available. Returns {allowed, floor(tokens)}.
// The TTL runs one second past the window so an idle bucket disappears.
const bucketScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_per_second = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local delta = now - ts
if delta < 0 then delta = 0 end
tokens = math.min(capacity, tokens + (delta * refill_per_second))

local allowed = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
end

redis.call('HSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, ttl)

return {allowed, math.floor(tokens)}
`

const windowSeconds = 61

// Config holds rate limiter parameters.
type Config struct {
	PerMinute int
	Burst     int
	FailOpen  bool
}

// Decision is the outcome of one admission check, including everything the
// binding layer needs for response headers.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int64         `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after"`
	ResetAt    time.Time     `json:"reset_at"`
}

// Limiter manages per-(principal, endpoint) token buckets in the shared
// store. When the store is unreachable the configured policy decides between
// failing open and failing closed; the default is closed.
type Limiter struct {
	redis  *redisc.Client
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger

	capacity        float64
	refillPerSecond float64
}

// New creates a Limiter.
func New(redis *redisc.Client, cfg Config, clk clock.Clock, logger *zap.Logger) *Limiter {
	if cfg.Burst < 0 {
		cfg.Burst = 0
	}
	return &Limiter{
		redis:           redis,
		cfg:             cfg,
		clock:           clk,
		logger:          logger,
		capacity:        float64(cfg.PerMinute + cfg.Burst),
		refillPerSecond: float64(cfg.PerMinute) / 60.0,
	}
}

// Allow checks and consumes one token for (principal, endpoint).
func (l *Limiter) Allow(ctx context.Context, principal, endpoint string) Decision {
	key := redisc.RateLimitKey(principal, endpoint)
	now := l.clock.Now()

	res, err := l.redis.Eval(ctx, bucketScript,
		[]string{key},
		float64(now.UnixNano())/1e9,
		l.capacity,
		l.refillPerSecond,
		1,
		windowSeconds,
	)
	if err != nil {
		return l.storeDown(now, err)
	}

	allowed, remaining, err := decodeBucketReply(res)
	if err != nil {
		return l.storeDown(now, err)
	}

	if allowed {
		metrics.ObserveRateLimitDecision("allow")
		return Decision{
			Allowed:   true,
			Limit:     l.cfg.PerMinute,
			Remaining: remaining,
			ResetAt:   now.Add(windowSeconds * time.Second),
		}
	}

	// Deny: estimate the wait for one token to refill.
	wait := time.Second
	if l.refillPerSecond > 0 {
		wait = time.Duration(float64(time.Second) / l.refillPerSecond)
		if wait < time.Second {
			wait = time.Second
		}
	}
	metrics.ObserveRateLimitDecision("deny")
	return Decision{
		Allowed:    false,
		Limit:      l.cfg.PerMinute,
		Remaining:  0,
		RetryAfter: wait,
		ResetAt:    now.Add(wait),
	}
}

// storeDown applies the fail-open/fail-closed policy when the shared store
// cannot answer.
func (l *Limiter) storeDown(now time.Time, err error) Decision {
	metrics.ObserveRateLimitDecision("error")
	if l.cfg.FailOpen {
		l.logger.Warn("rate limit store unreachable, failing open", zap.Error(err))
		return Decision{
			Allowed:   true,
			Limit:     l.cfg.PerMinute,
			Remaining: int64(l.cfg.PerMinute),
			ResetAt:   now.Add(time.Minute),
		}
	}
	l.logger.Error("rate limit store unreachable, failing closed", zap.Error(err))
	return Decision{
		Allowed:    false,
		Limit:      l.cfg.PerMinute,
		Remaining:  0,
		RetryAfter: time.Minute,
		ResetAt:    now.Add(time.Minute),
	}
}

func decodeBucketReply(res any) (bool, int64, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) != 2 {
		return false, 0, fmt.Errorf("unexpected bucket reply %T", res)
	}
	allowed, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected allowed type %T", arr[0])
	}
	remaining, ok := arr[1].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected remaining type %T", arr[1])
	}
	return allowed == 1, remaining, nil
}

// Reset clears every bucket for a principal.
func (l *Limiter) Reset(ctx context.Context, principal string) (int64, error) {
	deleted, err := l.redis.ScanDelete(ctx, redisc.RateLimitPrincipalPattern(principal))
	if err != nil {
		return 0, fmt.Errorf("reset rate limit for %s: %w", principal, err)
	}
	if deleted > 0 {
		l.logger.Info("rate limit reset",
			zap.String("principal", principal),
			zap.Int64("deleted", deleted),
		)
	}
	return deleted, nil
}

// EndpointStats describes one bucket for the admin surface.
type EndpointStats struct {
	Remaining      int64 `json:"remaining"`
	ResetInSeconds int64 `json:"reset_in_seconds"`
}

// Stats reports every active bucket for a principal.
func (l *Limiter) Stats(ctx context.Context, principal string) (map[string]EndpointStats, error) {
	keys, err := l.redis.ScanKeys(ctx, redisc.RateLimitPrincipalPattern(principal), 500)
	if err != nil {
		return nil, fmt.Errorf("rate limit stats for %s: %w", principal, err)
	}
	prefix := len(redisc.RateLimitKey(principal, ""))
	stats := make(map[string]EndpointStats, len(keys))
	for _, key := range keys {
		ttl, err := l.redis.TTL(ctx, key)
		if err != nil {
			return nil, err
		}
		endpoint := key
		if len(key) >= prefix {
			endpoint = key[prefix:]
		}
		entry := EndpointStats{}
		if ttl > 0 {
			entry.ResetInSeconds = int64(ttl.Seconds())
		}
		if raw, ok, err := l.redis.HGet(ctx, key, "tokens"); err == nil && ok {
			var tokens float64
			if _, err := fmt.Sscanf(raw, "%f", &tokens); err == nil {
				entry.Remaining = int64(tokens)
			}
		}
		stats[endpoint] = entry
	}
	return stats, nil
}
