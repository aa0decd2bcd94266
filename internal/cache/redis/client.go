// Package redis wraps the shared key/value store backing the Tier-2 cache,
// the single-flight locks, the job queue, the proxy health counters and the
// rate-limit buckets. Every cross-process coordination primitive the service
// uses lives behind this client.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client is a thin wrapper over go-redis exposing only the operations the
// core needs: TTL'd get/set/del, atomic increments, SETNX locks, FIFO list
// push/pop, scripted eval, and cursor-based pattern scans.
type Client struct {
	rdb    *goredis.Client
	logger *zap.Logger
}

// New connects to the store and verifies the connection with a ping.
func New(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{rdb: rdb, logger: logger}, nil
}

// NewFromClient wraps an existing go-redis client (tests).
func NewFromClient(rdb *goredis.Client, logger *zap.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

// Close releases the connection pool.
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// Get returns the string value at key, reporting presence.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

// MGet fetches multiple keys in one round trip; absent keys are omitted from
// the result map.
func (c *Client) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make(map[string]string, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

// Set writes key=val with a TTL (0 means no expiry).
func (c *Client) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// SetNX atomically writes key=val with TTL only if key is absent. This is
// the compare-and-set primitive behind single-flight locks.
func (c *Client) SetNX(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes keys, returning how many existed.
func (c *Client) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	return n, nil
}

// IncrBy atomically increments key by n and refreshes its TTL.
func (c *Client) IncrBy(ctx context.Context, key string, n int64, ttl time.Duration) (int64, error) {
	val, err := c.rdb.IncrBy(ctx, key, n).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %s: %w", key, err)
	}
	if ttl > 0 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return val, fmt.Errorf("redis expire %s: %w", key, err)
		}
	}
	return val, nil
}

// Eval runs a Lua script. Rate-limit buckets use this for atomic
// refill-and-consume.
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	res, err := c.rdb.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis eval: %w", err)
	}
	return res, nil
}

// LPush prepends values to the list at key.
func (c *Client) LPush(ctx context.Context, key string, vals ...string) error {
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	if err := c.rdb.LPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis lpush %s: %w", key, err)
	}
	return nil
}

// BRPop blocks up to timeout for the tail element of the list at key.
// A timeout is reported as absence, not an error.
func (c *Client) BRPop(ctx context.Context, timeout time.Duration, key string) (string, bool, error) {
	res, err := c.rdb.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis brpop %s: %w", key, err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return "", false, fmt.Errorf("redis brpop %s: unexpected reply length %d", key, len(res))
	}
	return res[1], true, nil
}

// LLen returns the length of the list at key.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", key, err)
	}
	return n, nil
}

// HGet returns one field of the hash at key, reporting presence.
func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis hget %s %s: %w", key, field, err)
	}
	return val, true, nil
}

// TTL returns the remaining lifetime of key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl %s: %w", key, err)
	}
	return d, nil
}

// ScanKeys collects keys matching pattern via cursor iteration, stopping at
// limit (0 means unlimited). Never uses KEYS.
func (c *Client) ScanKeys(ctx context.Context, pattern string, limit int) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		if limit > 0 && len(keys) >= limit {
			return keys[:limit], nil
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// ScanDelete deletes all keys matching pattern using cursor iteration with
// batched DELs, returning the number removed.
func (c *Client) ScanDelete(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		deleted int64
		batch   []string
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.Del(ctx, batch...)
		if err != nil {
			return err
		}
		deleted += n
		batch = batch[:0]
		return nil
	}
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return deleted, fmt.Errorf("redis scan %s: %w", pattern, err)
		}
		batch = append(batch, keys...)
		if len(batch) >= 500 {
			if err := flush(); err != nil {
				return deleted, err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if err := flush(); err != nil {
		return deleted, err
	}
	if deleted > 0 && c.logger != nil {
		c.logger.Debug("cache pattern cleared",
			zap.String("pattern", pattern),
			zap.Int64("deleted", deleted),
		)
	}
	return deleted, nil
}
