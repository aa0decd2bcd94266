// Package coordinator unifies the three cache tiers behind one interface:
// read-through lookups with promotion, single-flight reservation per
// fingerprint, and commits ordered durable-first so faster tiers never
// contradict the authoritative store.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/7and1/youtube-subtitle-api/internal/cache/memory"
	redisc "github.com/7and1/youtube-subtitle-api/internal/cache/redis"
	"github.com/7and1/youtube-subtitle-api/internal/clock"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

// Tier names the cache level that served a lookup.
type Tier string

const (
	TierLocal   Tier = "memory"
	TierShared  Tier = "redis"
	TierDurable Tier = "postgres"
)

// Scope selects which tiers an invalidation touches.
type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeShared Scope = "shared"
	ScopeAll    Scope = "all"
)

// ArtifactStore is the durable-tier surface the coordinator needs.
type ArtifactStore interface {
	GetArtifact(ctx context.Context, f subtitle.Fingerprint) (*subtitle.Artifact, bool, error)
	UpsertArtifact(ctx context.Context, art *subtitle.Artifact) error
	DeleteArtifact(ctx context.Context, f subtitle.Fingerprint) (bool, error)
	CreateJob(ctx context.Context, job *subtitle.Job) error
	GetActiveJob(ctx context.Context, f subtitle.Fingerprint) (*subtitle.Job, bool, error)
	CompleteJob(ctx context.Context, jobID string, status subtitle.JobStatus, kind subtitle.Kind, hint string, endedAt time.Time) error
}

// Enqueuer is the queue surface used during reservation.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *subtitle.Job) error
	Fetch(ctx context.Context, jobID string) (*subtitle.Job, bool, error)
}

// IDGenerator mints job ids.
type IDGenerator interface {
	NewID() (string, error)
}

// Config bounds coordinator behavior.
type Config struct {
	RedisTTL       time.Duration
	Retention      time.Duration
	LockTTL        time.Duration
	ReserveRetries int
	ReservePause   time.Duration
}

// Coordinator owns the tier walk and the single-flight protocol.
type Coordinator struct {
	local  *memory.Cache
	shared *redisc.Client
	store  ArtifactStore
	queue  Enqueuer
	ids    IDGenerator
	clock  clock.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Coordinator.
func New(local *memory.Cache, shared *redisc.Client, st ArtifactStore, q Enqueuer, ids IDGenerator, clk clock.Clock, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.ReserveRetries <= 0 {
		cfg.ReserveRetries = 3
	}
	if cfg.ReservePause <= 0 {
		cfg.ReservePause = 50 * time.Millisecond
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 45 * time.Second
	}
	return &Coordinator{
		local:  local,
		shared: shared,
		store:  st,
		queue:  q,
		ids:    ids,
		clock:  clk,
		cfg:    cfg,
		logger: logger,
	}
}

// Lookup walks C2 -> C3 -> C4, promoting on each hit. A durable row whose
// expiry passed counts as a miss so the artifact gets refreshed.
func (c *Coordinator) Lookup(ctx context.Context, f subtitle.Fingerprint) (*subtitle.Artifact, Tier, bool, error) {
	if art, ok := c.local.Get(f); ok {
		metrics.ObserveCacheHit(string(TierLocal))
		return tagged(art, TierLocal), TierLocal, true, nil
	}

	if raw, ok, err := c.shared.Get(ctx, redisc.ArtifactKey(f)); err != nil {
		c.logger.Warn("shared tier read failed", zap.String("fingerprint", f.Key()), zap.Error(err))
	} else if ok {
		art, err := decodeArtifact(raw)
		if err != nil {
			c.logger.Warn("shared tier entry corrupt", zap.String("fingerprint", f.Key()), zap.Error(err))
		} else {
			metrics.ObserveCacheHit(string(TierShared))
			c.local.Put(f, art)
			return tagged(art, TierShared), TierShared, true, nil
		}
	}

	art, found, err := c.store.GetArtifact(ctx, f)
	if err != nil {
		return nil, "", false, subtitle.E(subtitle.KindDependencyDown, "durable tier lookup failed", err)
	}
	if !found || art.Expired(c.clock.Now()) {
		metrics.ObserveCacheMiss()
		return nil, "", false, nil
	}

	metrics.ObserveCacheHit(string(TierDurable))
	c.promote(ctx, f, art)
	return tagged(art, TierDurable), TierDurable, true, nil
}

// LookupBatch serves many fingerprints from the fast tiers in two round
// trips (local scan + one MGET). Fingerprints absent from both are simply
// omitted; callers fall back to Lookup per miss.
func (c *Coordinator) LookupBatch(ctx context.Context, fps []subtitle.Fingerprint) (map[string]*subtitle.Artifact, error) {
	hits := make(map[string]*subtitle.Artifact, len(fps))
	var missing []subtitle.Fingerprint
	for _, f := range fps {
		if art, ok := c.local.Get(f); ok {
			metrics.ObserveCacheHit(string(TierLocal))
			hits[f.Key()] = tagged(art, TierLocal)
			continue
		}
		missing = append(missing, f)
	}
	if len(missing) == 0 {
		return hits, nil
	}

	keys := make([]string, len(missing))
	for i, f := range missing {
		keys[i] = redisc.ArtifactKey(f)
	}
	raw, err := c.shared.MGet(ctx, keys...)
	if err != nil {
		return hits, fmt.Errorf("batch shared lookup: %w", err)
	}
	for i, f := range missing {
		val, ok := raw[keys[i]]
		if !ok {
			continue
		}
		art, err := decodeArtifact(val)
		if err != nil {
			continue
		}
		metrics.ObserveCacheHit(string(TierShared))
		c.local.Put(f, art)
		hits[f.Key()] = tagged(art, TierShared)
	}
	return hits, nil
}

// Reservation is the outcome of the single-flight protocol.
type Reservation struct {
	Leader bool
	JobID  string
}

// Reserve runs the single-flight protocol for a missing fingerprint: CAS on
// the lock key elects a leader who creates and enqueues the job; everyone
// else reads the in-flight job id from the index. Lock TTL guards against
// crashed leaders.
func (c *Coordinator) Reserve(ctx context.Context, f subtitle.Fingerprint, webhookURL string) (Reservation, error) {
	for attempt := 0; attempt < c.cfg.ReserveRetries; attempt++ {
		won, err := c.shared.SetNX(ctx, redisc.LockKey(f), "1", c.cfg.LockTTL)
		if err != nil {
			return Reservation{}, subtitle.E(subtitle.KindDependencyDown, "single-flight lock unavailable", err)
		}
		if won {
			jobID, err := c.lead(ctx, f, webhookURL)
			if err != nil {
				c.Release(ctx, f)
				return Reservation{}, err
			}
			return Reservation{Leader: true, JobID: jobID}, nil
		}

		jobID, ok, err := c.shared.Get(ctx, redisc.JobIndexKey(f))
		if err != nil {
			return Reservation{}, subtitle.E(subtitle.KindDependencyDown, "single-flight index unavailable", err)
		}
		if ok {
			metrics.ObserveSingleFlightFollower()
			return Reservation{Leader: false, JobID: jobID}, nil
		}

		// The leader holds the lock but has not published the index yet, or
		// died in between. Pause briefly and try to supersede.
		select {
		case <-ctx.Done():
			return Reservation{}, subtitle.E(subtitle.KindServiceUnavailable, "reservation canceled", ctx.Err())
		case <-time.After(c.cfg.ReservePause):
		}
	}
	return Reservation{}, subtitle.E(subtitle.KindServiceUnavailable, "fingerprint is wedged mid-reservation", nil)
}

// lead creates the job record, enqueues it, and publishes the index. A
// durable row left active by a flushed queue (lock and snapshot gone) is
// either adopted, when its snapshot still lives, or retired as stale.
func (c *Coordinator) lead(ctx context.Context, f subtitle.Fingerprint, webhookURL string) (string, error) {
	if existing, ok, err := c.store.GetActiveJob(ctx, f); err != nil {
		return "", subtitle.E(subtitle.KindDependencyDown, "active job lookup", err)
	} else if ok {
		if _, alive, err := c.queue.Fetch(ctx, existing.ID); err == nil && alive {
			if err := c.shared.Set(ctx, redisc.JobIndexKey(f), existing.ID, c.cfg.LockTTL); err != nil {
				return "", subtitle.E(subtitle.KindDependencyDown, "publish job index", err)
			}
			return existing.ID, nil
		}
		c.logger.Warn("retiring stale job with missing queue record",
			zap.String("job_id", existing.ID),
			zap.String("fingerprint", f.Key()),
		)
		if err := c.store.CompleteJob(ctx, existing.ID, subtitle.JobFailed,
			subtitle.KindInternal, "queue record missing", c.clock.Now()); err != nil {
			return "", subtitle.E(subtitle.KindDependencyDown, "retire stale job", err)
		}
	}

	jobID, err := c.ids.NewID()
	if err != nil {
		return "", subtitle.E(subtitle.KindInternal, "mint job id", err)
	}
	job := &subtitle.Job{
		ID:              jobID,
		Fingerprint:     f,
		Status:          subtitle.JobQueued,
		EnqueuedAt:      c.clock.Now(),
		WebhookURL:      webhookURL,
		WebhookDelivery: subtitle.WebhookNone,
	}
	if webhookURL != "" {
		job.WebhookDelivery = subtitle.WebhookPending
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return "", subtitle.E(subtitle.KindDependencyDown, "create job record", err)
	}
	if err := c.queue.Enqueue(ctx, job); err != nil {
		return "", subtitle.E(subtitle.KindDependencyDown, "enqueue job", err)
	}
	if err := c.shared.Set(ctx, redisc.JobIndexKey(f), jobID, c.cfg.LockTTL); err != nil {
		return "", subtitle.E(subtitle.KindDependencyDown, "publish job index", err)
	}
	return jobID, nil
}

// Commit persists a finished artifact durable-first (C4, then C3, then C2)
// and releases the single-flight lock. Fast-tier failures degrade to logs;
// the durable write is the one that must succeed.
func (c *Coordinator) Commit(ctx context.Context, art *subtitle.Artifact) error {
	now := c.clock.Now()
	art.CreatedAt = now
	art.ExpiresAt = now.Add(c.cfg.Retention)
	art.Integrity = art.ComputeIntegrity()
	art.SegmentCount = len(art.Segments)
	art.Cached = false
	art.CacheTier = ""

	if err := c.store.UpsertArtifact(ctx, art); err != nil {
		return subtitle.E(subtitle.KindDependencyDown, "durable commit failed", err)
	}

	f := art.Fingerprint
	if raw, err := json.Marshal(art); err != nil {
		c.logger.Warn("artifact encode for shared tier failed", zap.String("fingerprint", f.Key()), zap.Error(err))
	} else if err := c.shared.Set(ctx, redisc.ArtifactKey(f), string(raw), c.cfg.RedisTTL); err != nil {
		c.logger.Warn("shared tier write failed", zap.String("fingerprint", f.Key()), zap.Error(err))
	}
	c.local.Put(f, art)

	c.Release(ctx, f)
	return nil
}

// Release drops the single-flight lock and index for f. Called after commit
// and after terminal failures.
func (c *Coordinator) Release(ctx context.Context, f subtitle.Fingerprint) {
	if _, err := c.shared.Del(ctx, redisc.LockKey(f), redisc.JobIndexKey(f)); err != nil {
		c.logger.Warn("single-flight release failed", zap.String("fingerprint", f.Key()), zap.Error(err))
	}
}

// Invalidate evicts f across the requested scope.
func (c *Coordinator) Invalidate(ctx context.Context, f subtitle.Fingerprint, scope Scope) error {
	c.local.Invalidate(f)
	if scope == ScopeLocal {
		return nil
	}
	if _, err := c.shared.Del(ctx, redisc.ArtifactKey(f)); err != nil {
		return fmt.Errorf("invalidate shared tier: %w", err)
	}
	if scope == ScopeShared {
		return nil
	}
	if _, err := c.store.DeleteArtifact(ctx, f); err != nil {
		return fmt.Errorf("invalidate durable tier: %w", err)
	}
	return nil
}

// InvalidateVideo evicts every language/clean variant of a video from the
// local and shared tiers using a cursor-based pattern sweep.
func (c *Coordinator) InvalidateVideo(ctx context.Context, videoID string) (int64, error) {
	c.local.InvalidateVideo(videoID)
	deleted, err := c.shared.ScanDelete(ctx, redisc.ArtifactVideoPattern(videoID))
	if err != nil {
		return 0, fmt.Errorf("invalidate video %s: %w", videoID, err)
	}
	return deleted, nil
}

// ClearShared drops every artifact entry from the local and shared tiers.
func (c *Coordinator) ClearShared(ctx context.Context) (int64, error) {
	c.local.Clear()
	deleted, err := c.shared.ScanDelete(ctx, redisc.ArtifactPattern)
	if err != nil {
		return 0, fmt.Errorf("clear shared tier: %w", err)
	}
	return deleted, nil
}

// LocalStats exposes Tier-1 counters for the admin surface.
func (c *Coordinator) LocalStats() memory.Stats {
	return c.local.Stats()
}

func (c *Coordinator) promote(ctx context.Context, f subtitle.Fingerprint, art *subtitle.Artifact) {
	if raw, err := json.Marshal(art); err == nil {
		if err := c.shared.Set(ctx, redisc.ArtifactKey(f), string(raw), c.cfg.RedisTTL); err != nil {
			c.logger.Warn("promotion to shared tier failed", zap.String("fingerprint", f.Key()), zap.Error(err))
		}
	}
	c.local.Put(f, art)
}

func decodeArtifact(raw string) (*subtitle.Artifact, error) {
	var art subtitle.Artifact
	if err := json.Unmarshal([]byte(raw), &art); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &art, nil
}

// tagged returns a shallow copy labeled with its serving tier, leaving the
// cached value itself untouched.
func tagged(art *subtitle.Artifact, tier Tier) *subtitle.Artifact {
	out := *art
	out.Cached = true
	out.CacheTier = string(tier)
	return &out
}
