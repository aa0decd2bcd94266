// Package proxy maintains the outbound proxy pool used by the extractor.
// The pool is loaded from disk at startup; failure counts and cooldowns live
// in the shared store so every worker sees the same pool health.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	redisc "github.com/7and1/youtube-subtitle-api/internal/cache/redis"
	"github.com/7and1/youtube-subtitle-api/internal/clock"
)

// Proxy is one pool member.
type Proxy struct {
	URL string
	ID  string
}

// Config bounds failure handling.
type Config struct {
	MaxFailures int
	Cooldown    time.Duration
}

// Rotator selects proxies by pool health.
type Rotator struct {
	proxies []Proxy
	redis   *redisc.Client
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
}

// LoadPool reads a proxy list: one endpoint per line, '#' comments. A
// configured auth string (user:pass) is injected into URLs that carry none.
func LoadPool(path, auth string) ([]Proxy, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy pool %s: %w", path, err)
	}
	defer f.Close()

	var proxies []Proxy
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		u := normalizeURL(line, auth)
		proxies = append(proxies, Proxy{URL: u, ID: proxyID(u)})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read proxy pool %s: %w", path, err)
	}
	return proxies, nil
}

// PoolFromURLs builds a pool directly (tests, inline config).
func PoolFromURLs(urls []string, auth string) []Proxy {
	proxies := make([]Proxy, 0, len(urls))
	for _, raw := range urls {
		u := normalizeURL(strings.TrimSpace(raw), auth)
		if u == "" {
			continue
		}
		proxies = append(proxies, Proxy{URL: u, ID: proxyID(u)})
	}
	return proxies
}

func normalizeURL(raw, auth string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	if auth != "" && !strings.Contains(u, "@") {
		scheme, rest, found := strings.Cut(u, "://")
		if found {
			u = scheme + "://" + auth + "@" + rest
		}
	}
	return u
}

func proxyID(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:16]
}

// New constructs a Rotator over a loaded pool.
func New(proxies []Proxy, redis *redisc.Client, cfg Config, clk clock.Clock, logger *zap.Logger) *Rotator {
	return &Rotator{proxies: proxies, redis: redis, cfg: cfg, clock: clk, logger: logger}
}

// Size reports the pool size.
func (r *Rotator) Size() int {
	return len(r.proxies)
}

// Select returns the healthiest proxy: lowest failure count among those out
// of cooldown. A proxy whose cooldown elapsed has its counters reset. With
// every proxy cooling the least-failed one is returned anyway so the ladder
// can still try.
func (r *Rotator) Select(ctx context.Context) (Proxy, bool) {
	if len(r.proxies) == 0 {
		return Proxy{}, false
	}
	now := r.clock.Now()

	best := -1
	bestFails := int64(-1)
	fallback := 0
	fallbackFails := int64(-1)

	for i, p := range r.proxies {
		fails, coolingUntil := r.health(ctx, p)
		if fails >= int64(r.cfg.MaxFailures) && now.After(coolingUntil) {
			// Cooldown served; give the proxy a clean slate.
			_, _ = r.redis.Del(ctx, redisc.ProxyFailsKey(p.ID), redisc.ProxyLastFailureKey(p.ID))
			fails = 0
		}
		if fallbackFails < 0 || fails < fallbackFails {
			fallback, fallbackFails = i, fails
		}
		available := fails < int64(r.cfg.MaxFailures) || now.After(coolingUntil)
		if !available {
			continue
		}
		if bestFails < 0 || fails < bestFails {
			best, bestFails = i, fails
		}
	}

	if best >= 0 {
		return r.proxies[best], true
	}
	return r.proxies[fallback], true
}

func (r *Rotator) health(ctx context.Context, p Proxy) (fails int64, coolingUntil time.Time) {
	if raw, ok, err := r.redis.Get(ctx, redisc.ProxyFailsKey(p.ID)); err == nil && ok {
		fails, _ = strconv.ParseInt(raw, 10, 64)
	}
	if raw, ok, err := r.redis.Get(ctx, redisc.ProxyLastFailureKey(p.ID)); err == nil && ok {
		if unix, err := strconv.ParseFloat(raw, 64); err == nil {
			last := time.Unix(int64(unix), 0).UTC()
			scale := fails
			if scale < 1 {
				scale = 1
			}
			coolingUntil = last.Add(time.Duration(scale) * r.cfg.Cooldown)
		}
	}
	return fails, coolingUntil
}

// MarkSuccess clears the failure history for p.
func (r *Rotator) MarkSuccess(ctx context.Context, p Proxy) {
	if _, err := r.redis.Del(ctx, redisc.ProxyFailsKey(p.ID), redisc.ProxyLastFailureKey(p.ID)); err != nil {
		r.logger.Warn("proxy success bookkeeping failed", zap.String("proxy", p.ID), zap.Error(err))
	}
}

// MarkFailure bumps the failure count and stamps the cooldown origin.
func (r *Rotator) MarkFailure(ctx context.Context, p Proxy) {
	if _, err := r.redis.IncrBy(ctx, redisc.ProxyFailsKey(p.ID), 1, 24*time.Hour); err != nil {
		r.logger.Warn("proxy failure bookkeeping failed", zap.String("proxy", p.ID), zap.Error(err))
		return
	}
	ts := strconv.FormatInt(r.clock.Now().Unix(), 10)
	if err := r.redis.Set(ctx, redisc.ProxyLastFailureKey(p.ID), ts, 24*time.Hour); err != nil {
		r.logger.Warn("proxy failure bookkeeping failed", zap.String("proxy", p.ID), zap.Error(err))
	}
}

// MemberHealth describes one proxy for the health report.
type MemberHealth struct {
	ID        string `json:"id"`
	Failures  int64  `json:"failures"`
	Cooling   bool   `json:"cooling"`
	Available bool   `json:"available"`
}

// Health reports aggregate pool health.
func (r *Rotator) Health(ctx context.Context) []MemberHealth {
	now := r.clock.Now()
	out := make([]MemberHealth, 0, len(r.proxies))
	for _, p := range r.proxies {
		fails, coolingUntil := r.health(ctx, p)
		cooling := fails >= int64(r.cfg.MaxFailures) && now.Before(coolingUntil)
		out = append(out, MemberHealth{
			ID:        p.ID,
			Failures:  fails,
			Cooling:   cooling,
			Available: !cooling,
		})
	}
	return out
}
