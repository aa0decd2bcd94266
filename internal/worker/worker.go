// Package worker implements the extraction pipeline execution loop: dequeue,
// extract, commit, notify. Workers in separate processes coordinate only
// through the shared store and the database.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/7and1/youtube-subtitle-api/internal/clock"
	"github.com/7and1/youtube-subtitle-api/internal/extractor"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
	"github.com/7and1/youtube-subtitle-api/internal/webhook"
)

// JobQueue is the queue surface the worker consumes.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*subtitle.Job, bool, error)
	Complete(ctx context.Context, job *subtitle.Job, status subtitle.JobStatus, kind subtitle.Kind, hint string) error
	Requeue(ctx context.Context, job *subtitle.Job) error
}

// Extractor runs the attempt ladder for one fingerprint.
type Extractor interface {
	Extract(ctx context.Context, f subtitle.Fingerprint) (*extractor.Result, error)
}

// Committer persists artifacts across the tiers and manages the
// single-flight lock.
type Committer interface {
	Commit(ctx context.Context, art *subtitle.Artifact) error
	Release(ctx context.Context, f subtitle.Fingerprint)
}

// JobStore is the durable job surface.
type JobStore interface {
	MarkJobRunning(ctx context.Context, jobID string, startedAt time.Time) error
	CompleteJob(ctx context.Context, jobID string, status subtitle.JobStatus, kind subtitle.Kind, hint string, endedAt time.Time) error
	ListExpiredRunning(ctx context.Context, cutoff time.Time) ([]subtitle.Job, error)
	RequeueJob(ctx context.Context, jobID string) (bool, error)
	SweepExpiredArtifacts(ctx context.Context, cutoff time.Time) (int64, error)
}

// Dispatcher hands terminal jobs to the webhook pool.
type Dispatcher interface {
	Dispatch(ctx context.Context, delivery webhook.Delivery) bool
}

// Config controls Worker behavior.
type Config struct {
	Concurrency       int
	DequeueTimeout    time.Duration
	ExtractionTimeout time.Duration
	LeaseGrace        time.Duration
	GracefulTimeout   time.Duration
	ReaperInterval    time.Duration
	SweepInterval     time.Duration
	Retention         time.Duration
}

// Worker consumes queue items and executes the extraction pipeline.
type Worker struct {
	queue      JobQueue
	extractor  Extractor
	committer  Committer
	store      JobStore
	dispatcher Dispatcher
	clock      clock.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Worker.
func New(q JobQueue, ex Extractor, committer Committer, store JobStore, dispatcher Dispatcher, clk clock.Clock, cfg Config, logger *zap.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.ExtractionTimeout <= 0 {
		cfg.ExtractionTimeout = 30 * time.Second
	}
	if cfg.LeaseGrace <= 0 {
		cfg.LeaseGrace = 15 * time.Second
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 30 * time.Second
	}
	return &Worker{
		queue:      q,
		extractor:  ex,
		committer:  committer,
		store:      store,
		dispatcher: dispatcher,
		clock:      clk,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run blocks, consuming queue items until the context finishes, then waits
// up to the graceful timeout for in-flight jobs. Jobs still running at that
// point are reclaimed later by the reaper.
func (w *Worker) Run(ctx context.Context) {
	if w.cfg.ReaperInterval > 0 {
		go w.reaperLoop(ctx)
	}
	if w.cfg.SweepInterval > 0 && w.cfg.Retention > 0 {
		go w.sweepLoop(ctx)
	}

	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	for {
		if ctx.Err() != nil {
			break
		}
		job, ok, err := w.queue.Dequeue(ctx, w.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			// Shutdown raced the dequeue; the lease reaper will reclaim it.
			w.logger.Warn("dropping job at shutdown", zap.String("job_id", job.ID))
			wg.Wait()
			return
		}
		wg.Add(1)
		go func(job *subtitle.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.processJob(ctx, job)
		}(job)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.cfg.GracefulTimeout):
		w.logger.Warn("graceful timeout elapsed with jobs in flight")
	}
}

func (w *Worker) processJob(ctx context.Context, job *subtitle.Job) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(
		zap.String("job_id", job.ID),
		zap.String("fingerprint", job.Fingerprint.Key()),
	)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job panicked", zap.Any("panic", r))
			w.completeJob(ctx, job, subtitle.JobFailed, subtitle.KindInternal,
				fmt.Sprintf("panic: %v", r), logger)
			w.committer.Release(ctx, job.Fingerprint)
		}
	}()

	if err := w.store.MarkJobRunning(ctx, job.ID, w.clock.Now()); err != nil {
		// A reaped-and-requeued job is already past queued in C4; the queue
		// snapshot is the lease owner, so keep going.
		logger.Warn("durable running transition failed", zap.Error(err))
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.cfg.ExtractionTimeout+time.Second)
	defer cancel()

	result, err := w.extractor.Extract(jobCtx, job.Fingerprint)
	if err != nil {
		kind := subtitle.KindOf(err)
		logger.Info("extraction failed",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		if kind == subtitle.KindDependencyDown {
			// Leave the job running; the lease reaper restores it to queued.
			return
		}
		w.completeJob(ctx, job, subtitle.JobFailed, kind, errHint(err), logger)
		w.committer.Release(ctx, job.Fingerprint)
		return
	}

	art := w.buildArtifact(job.Fingerprint, result)
	if err := w.committer.Commit(ctx, art); err != nil {
		// Terminal state never reached the durable tier: keep the job
		// running so the reaper retries it after the lease expires.
		logger.Error("commit failed, leaving job for the reaper", zap.Error(err))
		return
	}

	w.completeJob(ctx, job, subtitle.JobFinished, subtitle.KindNone, "", logger)
	w.dispatchWebhook(ctx, job, art, logger)

	logger.Info("extraction committed",
		zap.String("engine", string(art.EngineUsed)),
		zap.Int64("duration_ms", art.DurationMS),
		zap.Int("segments", len(art.Segments)),
	)
}

// completeJob records the terminal state durable-first, then on the queue
// snapshot, and emits the webhook for failures. The store transition is
// idempotent, so a crash after C4 but before the snapshot write resolves on
// the reaper's next pass.
func (w *Worker) completeJob(ctx context.Context, job *subtitle.Job, status subtitle.JobStatus, kind subtitle.Kind, hint string, logger *zap.Logger) {
	if err := w.store.CompleteJob(ctx, job.ID, status, kind, hint, w.clock.Now()); err != nil {
		logger.Error("terminal state did not reach the durable tier", zap.Error(err))
		return
	}
	if err := w.queue.Complete(ctx, job, status, kind, hint); err != nil {
		logger.Warn("terminal snapshot write failed", zap.Error(err))
	}
	metrics.ObserveJob(string(status))
	if status == subtitle.JobFailed {
		w.dispatchWebhook(ctx, job, nil, logger)
	}
}

func (w *Worker) dispatchWebhook(ctx context.Context, job *subtitle.Job, art *subtitle.Artifact, logger *zap.Logger) {
	if job.WebhookURL == "" {
		return
	}
	if !w.dispatcher.Dispatch(ctx, webhook.Delivery{Job: job, Artifact: art}) {
		logger.Warn("webhook hand-off refused")
	}
}

func (w *Worker) buildArtifact(f subtitle.Fingerprint, result *extractor.Result) *subtitle.Artifact {
	segments := result.Segments
	plain := ""
	if f.Clean {
		segments, plain = subtitle.CleanSegments(segments)
	}
	return &subtitle.Artifact{
		Fingerprint: f,
		Title:       result.Title,
		EngineUsed:  result.EngineUsed,
		Segments:    segments,
		PlainText:   plain,
		ProxyUsed:   result.ProxyUsed,
		DurationMS:  result.Duration.Milliseconds(),
	}
}

// reaperLoop restores running jobs whose lease expired back to queued.
func (w *Worker) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reapOnce(ctx)
		}
	}
}

func (w *Worker) reapOnce(ctx context.Context) {
	cutoff := w.clock.Now().Add(-(w.cfg.ExtractionTimeout + w.cfg.LeaseGrace))
	expired, err := w.store.ListExpiredRunning(ctx, cutoff)
	if err != nil {
		w.logger.Error("lease reaper scan failed", zap.Error(err))
		return
	}
	for i := range expired {
		job := expired[i]
		ok, err := w.store.RequeueJob(ctx, job.ID)
		if err != nil {
			w.logger.Error("lease reaper requeue failed",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := w.queue.Requeue(ctx, &job); err != nil {
			w.logger.Error("lease reaper queue push failed",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		w.logger.Warn("expired lease reclaimed",
			zap.String("job_id", job.ID),
			zap.String("fingerprint", job.Fingerprint.Key()),
		)
	}
}

// sweepLoop enforces the durable retention window.
func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := w.clock.Now().Add(-w.cfg.Retention)
			n, err := w.store.SweepExpiredArtifacts(ctx, cutoff)
			if err != nil {
				w.logger.Error("retention sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				w.logger.Info("retention sweep removed artifacts", zap.Int64("removed", n))
			}
		}
	}
}

func errHint(err error) string {
	var se *subtitle.Error
	if errors.As(err, &se) {
		return se.Hint
	}
	return err.Error()
}
