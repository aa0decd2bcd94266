// Package memory implements the Tier-1 process-local artifact cache: a
// bounded LRU with per-entry TTL. It is an opportunistic accelerator;
// correctness never depends on it.
package memory

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

// Stats reports hit/miss counters for the local tier.
type Stats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Size   int    `json:"size"`
}

// HitRate is Hits / (Hits + Misses), or 0 with no traffic.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Cache is a bounded LRU+TTL keyed by fingerprint encoding.
type Cache struct {
	lru    *expirable.LRU[string, *subtitle.Artifact]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New constructs a cache holding at most capacity entries for at most ttl.
func New(capacity int, ttl time.Duration) *Cache {
	return &Cache{
		lru: expirable.NewLRU[string, *subtitle.Artifact](capacity, nil, ttl),
	}
}

// Get returns the cached artifact for f, if present and unexpired.
func (c *Cache) Get(f subtitle.Fingerprint) (*subtitle.Artifact, bool) {
	art, ok := c.lru.Get(f.Key())
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return art, true
}

// Put stores an artifact under its fingerprint.
func (c *Cache) Put(f subtitle.Fingerprint, art *subtitle.Artifact) {
	c.lru.Add(f.Key(), art)
}

// Invalidate evicts the entry for f, reporting whether one existed.
func (c *Cache) Invalidate(f subtitle.Fingerprint) bool {
	return c.lru.Remove(f.Key())
}

// InvalidateVideo evicts every entry for the given video id regardless of
// language or clean flag.
func (c *Cache) InvalidateVideo(videoID string) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		if len(key) > len(videoID) && key[:len(videoID)] == videoID && key[len(videoID)] == ':' {
			if c.lru.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.lru.Purge()
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.lru.Len(),
	}
}
