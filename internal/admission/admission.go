// Package admission orchestrates the per-request flow: canonicalise, rate
// limit, tier lookup, and single-flight reservation. It is the only entry
// point handlers call into the pipeline.
package admission

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/7and1/youtube-subtitle-api/internal/cache/memory"
	"github.com/7and1/youtube-subtitle-api/internal/clock"
	"github.com/7and1/youtube-subtitle-api/internal/coordinator"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/queue"
	"github.com/7and1/youtube-subtitle-api/internal/ratelimit"
	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

// MaxBatchSize bounds one batch admission.
const MaxBatchSize = 100

// Cache is the coordinator surface admission uses.
type Cache interface {
	Lookup(ctx context.Context, f subtitle.Fingerprint) (*subtitle.Artifact, coordinator.Tier, bool, error)
	LookupBatch(ctx context.Context, fps []subtitle.Fingerprint) (map[string]*subtitle.Artifact, error)
	Reserve(ctx context.Context, f subtitle.Fingerprint, webhookURL string) (coordinator.Reservation, error)
	Invalidate(ctx context.Context, f subtitle.Fingerprint, scope coordinator.Scope) error
	InvalidateVideo(ctx context.Context, videoID string) (int64, error)
	ClearShared(ctx context.Context) (int64, error)
	LocalStats() memory.Stats
}

// Limiter guards admission per principal.
type Limiter interface {
	Allow(ctx context.Context, principal, endpoint string) ratelimit.Decision
	Reset(ctx context.Context, principal string) (int64, error)
	Stats(ctx context.Context, principal string) (map[string]ratelimit.EndpointStats, error)
}

// JobReader resolves job records (snapshot first) and queue statistics.
type JobReader interface {
	Fetch(ctx context.Context, jobID string) (*subtitle.Job, bool, error)
	SnapshotStats(ctx context.Context) (queue.Stats, error)
}

// StoreAdmin is the durable surface for status fallbacks and admin purges.
type StoreAdmin interface {
	GetJob(ctx context.Context, jobID string) (*subtitle.Job, bool, error)
	DeleteAllArtifacts(ctx context.Context) (int64, error)
	FailQueuedJobs(ctx context.Context, f subtitle.Fingerprint, kind subtitle.Kind, hint string, endedAt time.Time) (int64, error)
	CountJobsByStatus(ctx context.Context) (map[string]int64, error)
}

// Orchestrator binds canonicalisation, rate limiting, the cache coordinator
// and the queue into the admission flow.
type Orchestrator struct {
	cache   Cache
	limiter Limiter
	jobs    JobReader
	store   StoreAdmin
	clock   clock.Clock
	logger  *zap.Logger
}

// New constructs an Orchestrator.
func New(cache Cache, limiter Limiter, jobs JobReader, store StoreAdmin, clk clock.Clock, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cache:   cache,
		limiter: limiter,
		jobs:    jobs,
		store:   store,
		clock:   clk,
		logger:  logger,
	}
}

// SubmitRequest is one admission.
type SubmitRequest struct {
	VideoRef   string
	Language   string
	Clean      bool
	WebhookURL string
	Principal  string
}

// SubmitResult is either a synchronous artifact or a job handle. The rate
// limit decision rides along for response headers.
type SubmitResult struct {
	Artifact *subtitle.Artifact
	JobID    string
	Queued   bool
	Decision ratelimit.Decision
}

// Submit runs the full flow: C1 -> C6 -> C5, reserving on miss.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	f, err := subtitle.Canonicalise(req.VideoRef, req.Language, req.Clean)
	if err != nil {
		return SubmitResult{}, err
	}

	decision := o.limiter.Allow(ctx, req.Principal, "submit")
	if !decision.Allowed {
		return SubmitResult{Decision: decision}, subtitle.E(subtitle.KindRateLimited,
			"rate limit exhausted", nil)
	}
	metrics.ObserveExtractionRequest("submit")

	if art, _, found, err := o.cache.Lookup(ctx, f); err != nil {
		return SubmitResult{Decision: decision}, err
	} else if found {
		return SubmitResult{Artifact: art, Decision: decision}, nil
	}

	res, err := o.cache.Reserve(ctx, f, req.WebhookURL)
	if err != nil {
		return SubmitResult{Decision: decision}, err
	}
	return SubmitResult{JobID: res.JobID, Queued: true, Decision: decision}, nil
}

// LookupCached serves only the cache tiers and never enqueues.
func (o *Orchestrator) LookupCached(ctx context.Context, videoRef, language string, clean bool, principal string) (*subtitle.Artifact, ratelimit.Decision, error) {
	f, err := subtitle.Canonicalise(videoRef, language, clean)
	if err != nil {
		return nil, ratelimit.Decision{}, err
	}
	decision := o.limiter.Allow(ctx, principal, "cached")
	if !decision.Allowed {
		return nil, decision, subtitle.E(subtitle.KindRateLimited, "rate limit exhausted", nil)
	}
	art, _, found, err := o.cache.Lookup(ctx, f)
	if err != nil {
		return nil, decision, err
	}
	if !found {
		return nil, decision, nil
	}
	return art, decision, nil
}

// BatchItem reports the admission outcome for one input reference.
type BatchItem struct {
	VideoRef    string               `json:"video_ref"`
	Fingerprint subtitle.Fingerprint `json:"fingerprint"`
	Artifact    *subtitle.Artifact   `json:"artifact,omitempty"`
	JobID       string               `json:"job_id,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// BatchResult aggregates a batch admission.
type BatchResult struct {
	Items    []BatchItem
	Cached   int
	Queued   int
	Invalid  int
	Decision ratelimit.Decision
}

// SubmitBatch admits up to MaxBatchSize references, deduplicating identical
// fingerprints within the request so duplicates share one job.
func (o *Orchestrator) SubmitBatch(ctx context.Context, refs []string, language string, clean bool, webhookURL, principal string) (BatchResult, error) {
	if len(refs) == 0 {
		return BatchResult{}, subtitle.E(subtitle.KindInvalidInput, "empty batch", nil)
	}
	if len(refs) > MaxBatchSize {
		return BatchResult{}, subtitle.E(subtitle.KindInvalidInput, "batch exceeds 100 items", nil)
	}

	decision := o.limiter.Allow(ctx, principal, "batch")
	if !decision.Allowed {
		return BatchResult{Decision: decision}, subtitle.E(subtitle.KindRateLimited, "rate limit exhausted", nil)
	}
	metrics.ObserveExtractionRequest("batch")

	out := BatchResult{Decision: decision, Items: make([]BatchItem, len(refs))}

	// Canonicalise everything first; identical fingerprints collapse onto
	// the first occurrence.
	unique := make(map[string]int)
	var fps []subtitle.Fingerprint
	for i, ref := range refs {
		out.Items[i].VideoRef = ref
		f, err := subtitle.Canonicalise(ref, language, clean)
		if err != nil {
			out.Items[i].Error = err.Error()
			out.Invalid++
			continue
		}
		out.Items[i].Fingerprint = f
		if _, seen := unique[f.Key()]; !seen {
			unique[f.Key()] = i
			fps = append(fps, f)
		}
	}

	hits, err := o.cache.LookupBatch(ctx, fps)
	if err != nil {
		o.logger.Warn("batch fast-tier lookup degraded", zap.Error(err))
	}

	// Resolve each unique fingerprint once, concurrently, then fan the
	// outcome back out to every input position that mapped to it.
	type outcome struct {
		art   *subtitle.Artifact
		jobID string
		err   error
	}
	var (
		mu      sync.Mutex
		results = make(map[string]outcome, len(fps))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, f := range fps {
		if art, ok := hits[f.Key()]; ok {
			results[f.Key()] = outcome{art: art}
			continue
		}
		f := f
		g.Go(func() error {
			var res outcome
			art, _, found, err := o.cache.Lookup(gctx, f)
			switch {
			case err != nil:
				res = outcome{err: err}
			case found:
				res = outcome{art: art}
			default:
				r, err := o.cache.Reserve(gctx, f, webhookURL)
				if err != nil {
					res = outcome{err: err}
				} else {
					res = outcome{jobID: r.JobID}
				}
			}
			mu.Lock()
			results[f.Key()] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for i := range out.Items {
		item := &out.Items[i]
		if item.Error != "" {
			continue
		}
		res := results[item.Fingerprint.Key()]
		switch {
		case res.err != nil:
			item.Error = res.err.Error()
			out.Invalid++
		case res.art != nil:
			item.Artifact = res.art
			out.Cached++
		default:
			item.JobID = res.jobID
			out.Queued++
		}
	}
	return out, nil
}

// JobStatus resolves a job by id: queue snapshot first, durable row second.
// Finished jobs carry their artifact when the cache still holds it.
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (*subtitle.Job, *subtitle.Artifact, bool, error) {
	job, found, err := o.jobs.Fetch(ctx, jobID)
	if err != nil {
		o.logger.Warn("job snapshot read failed", zap.String("job_id", jobID), zap.Error(err))
	}
	if !found {
		job, found, err = o.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, nil, false, subtitle.E(subtitle.KindDependencyDown, "job lookup failed", err)
		}
		if !found {
			return nil, nil, false, nil
		}
	}

	var art *subtitle.Artifact
	if job.Status == subtitle.JobFinished {
		if cached, _, ok, err := o.cache.Lookup(ctx, job.Fingerprint); err == nil && ok {
			art = cached
		}
	}
	return job, art, true, nil
}

// ClearCacheOptions selects what an admin purge touches. PurgeDB deletes
// durable rows for a full purge or a single fingerprint; a VideoID-only purge
// clears the caches and leaves durable rows in place. CancelJobs extends a
// single-fingerprint durable purge to that fingerprint's queued jobs; a full
// purge cancels no jobs. In-flight work is never interrupted and simply
// recommits.
type ClearCacheOptions struct {
	Scope       coordinator.Scope
	Fingerprint *subtitle.Fingerprint
	VideoID     string
	PurgeDB     bool
	CancelJobs  bool
}

// ClearCacheResult reports what a purge removed.
type ClearCacheResult struct {
	SharedDeleted int64 `json:"shared_deleted"`
	DBDeleted     int64 `json:"db_deleted"`
	JobsCanceled  int64 `json:"jobs_canceled"`
}

// ClearCache evicts cache state at the requested granularity.
func (o *Orchestrator) ClearCache(ctx context.Context, opts ClearCacheOptions) (ClearCacheResult, error) {
	var result ClearCacheResult
	scope := opts.Scope
	if scope == "" {
		scope = coordinator.ScopeShared
	}

	switch {
	case opts.Fingerprint != nil:
		f := *opts.Fingerprint
		if opts.PurgeDB {
			scope = coordinator.ScopeAll
		}
		if err := o.cache.Invalidate(ctx, f, scope); err != nil {
			return result, err
		}
		if opts.PurgeDB && opts.CancelJobs {
			n, err := o.store.FailQueuedJobs(ctx, f, subtitle.KindInternal,
				"canceled by cache purge", o.clock.Now())
			if err != nil {
				return result, err
			}
			result.JobsCanceled = n
		}
	case opts.VideoID != "":
		n, err := o.cache.InvalidateVideo(ctx, opts.VideoID)
		if err != nil {
			return result, err
		}
		result.SharedDeleted = n
	default:
		n, err := o.cache.ClearShared(ctx)
		if err != nil {
			return result, err
		}
		result.SharedDeleted = n
		if opts.PurgeDB {
			deleted, err := o.store.DeleteAllArtifacts(ctx)
			if err != nil {
				return result, err
			}
			result.DBDeleted = deleted
		}
	}
	return result, nil
}

// QueueStatsReport aggregates queue depth, durable job counts and Tier-1
// cache counters for the admin surface.
type QueueStatsReport struct {
	Queue      queue.Stats      `json:"queue"`
	JobCounts  map[string]int64 `json:"job_counts"`
	LocalCache memory.Stats     `json:"local_cache"`
}

// QueueStats builds the admin statistics report.
func (o *Orchestrator) QueueStats(ctx context.Context) (QueueStatsReport, error) {
	qs, err := o.jobs.SnapshotStats(ctx)
	if err != nil {
		return QueueStatsReport{}, err
	}
	counts, err := o.store.CountJobsByStatus(ctx)
	if err != nil {
		return QueueStatsReport{}, subtitle.E(subtitle.KindDependencyDown, "job counts unavailable", err)
	}
	return QueueStatsReport{
		Queue:      qs,
		JobCounts:  counts,
		LocalCache: o.cache.LocalStats(),
	}, nil
}

// RateLimitStats exposes the limiter's view of one principal.
func (o *Orchestrator) RateLimitStats(ctx context.Context, principal string) (map[string]ratelimit.EndpointStats, error) {
	return o.limiter.Stats(ctx, principal)
}

// RateLimitReset clears one principal's buckets.
func (o *Orchestrator) RateLimitReset(ctx context.Context, principal string) (int64, error) {
	return o.limiter.Reset(ctx, principal)
}
