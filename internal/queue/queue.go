// Package queue implements the durable extraction FIFO: a shared list of
// job ids plus per-job record snapshots under stable keys. Workers in any
// process drain it in aggregate FIFO order.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	redisc "github.com/7and1/youtube-subtitle-api/internal/cache/redis"
	"github.com/7and1/youtube-subtitle-api/internal/clock"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

// Config controls queue naming and snapshot retention.
type Config struct {
	Name      string
	ResultTTL time.Duration
}

// Queue is the Redis-backed job FIFO.
type Queue struct {
	redis  *redisc.Client
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
}

// New constructs a Queue.
func New(redis *redisc.Client, cfg Config, clk clock.Clock, logger *zap.Logger) *Queue {
	if cfg.Name == "" {
		cfg.Name = "youtube-extraction"
	}
	return &Queue{redis: redis, cfg: cfg, clock: clk, logger: logger}
}

func (q *Queue) listKey() string {
	return redisc.QueueKey(q.cfg.Name)
}

// Enqueue writes the job snapshot with status=queued and pushes its id onto
// the list. The two writes are not atomic; Dequeue tolerates a list entry
// whose snapshot is missing.
func (q *Queue) Enqueue(ctx context.Context, job *subtitle.Job) error {
	job.Status = subtitle.JobQueued
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.clock.Now()
	}
	if job.WebhookDelivery == "" {
		job.WebhookDelivery = subtitle.WebhookNone
	}
	if err := q.writeSnapshot(ctx, job, 0); err != nil {
		return err
	}
	if err := q.redis.LPush(ctx, q.listKey(), job.ID); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	if depth, err := q.redis.LLen(ctx, q.listKey()); err == nil {
		metrics.SetQueueDepth(depth)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job, marking it running. A list
// entry whose record vanished (store flushed, expired snapshot) is dropped
// as an orphan and reported as absence.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*subtitle.Job, bool, error) {
	jobID, ok, err := q.redis.BRPop(ctx, timeout, q.listKey())
	if err != nil {
		return nil, false, fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	job, found, err := q.Fetch(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	if !found {
		q.logger.Warn("dropping orphan queue entry", zap.String("job_id", jobID))
		return nil, false, nil
	}
	if job.Status != subtitle.JobQueued {
		q.logger.Warn("dropping queue entry in unexpected state",
			zap.String("job_id", jobID),
			zap.String("status", string(job.Status)),
		)
		return nil, false, nil
	}

	now := q.clock.Now()
	job.Status = subtitle.JobRunning
	job.StartedAt = &now
	job.Attempts++
	if err := q.writeSnapshot(ctx, job, 0); err != nil {
		return nil, false, err
	}
	if depth, err := q.redis.LLen(ctx, q.listKey()); err == nil {
		metrics.SetQueueDepth(depth)
	}
	return job, true, nil
}

// Complete records the terminal outcome on the snapshot and lets it expire
// with the configured result TTL.
func (q *Queue) Complete(ctx context.Context, job *subtitle.Job, status subtitle.JobStatus, kind subtitle.Kind, hint string) error {
	if !status.Terminal() {
		return fmt.Errorf("complete job %s: %s is not terminal", job.ID, status)
	}
	now := q.clock.Now()
	job.Status = status
	job.EndedAt = &now
	job.ErrorKind = kind
	job.ErrorHint = hint
	return q.writeSnapshot(ctx, job, q.cfg.ResultTTL)
}

// UpdateSnapshot rewrites the snapshot in place, preserving the terminal TTL
// for finished jobs. Used for webhook delivery status.
func (q *Queue) UpdateSnapshot(ctx context.Context, job *subtitle.Job) error {
	ttl := time.Duration(0)
	if job.Status.Terminal() {
		ttl = q.cfg.ResultTTL
	}
	return q.writeSnapshot(ctx, job, ttl)
}

// UpdateWebhookDelivery rewrites the snapshot's delivery status. Implements
// the webhook recorder surface alongside the durable store.
func (q *Queue) UpdateWebhookDelivery(ctx context.Context, jobID string, status subtitle.WebhookStatus) error {
	job, found, err := q.Fetch(ctx, jobID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	job.WebhookDelivery = status
	return q.UpdateSnapshot(ctx, job)
}

// Requeue puts an expired running job back at the head of the lifecycle:
// snapshot reset to queued and id pushed again. Crash recovery only.
func (q *Queue) Requeue(ctx context.Context, job *subtitle.Job) error {
	job.Status = subtitle.JobQueued
	job.StartedAt = nil
	if err := q.writeSnapshot(ctx, job, 0); err != nil {
		return err
	}
	if err := q.redis.LPush(ctx, q.listKey(), job.ID); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return nil
}

// Fetch returns the job snapshot, if present.
func (q *Queue) Fetch(ctx context.Context, jobID string) (*subtitle.Job, bool, error) {
	raw, ok, err := q.redis.Get(ctx, redisc.JobKey(jobID))
	if err != nil {
		return nil, false, fmt.Errorf("fetch job %s: %w", jobID, err)
	}
	if !ok {
		return nil, false, nil
	}
	var job subtitle.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, false, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, true, nil
}

// Depth returns the number of queued entries.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.redis.LLen(ctx, q.listKey())
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Stats describes the queue for the admin surface.
type Stats struct {
	QueueName string `json:"queue_name"`
	Depth     int64  `json:"queue_depth"`
}

// SnapshotStats returns current queue statistics.
func (q *Queue) SnapshotStats(ctx context.Context) (Stats, error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{QueueName: q.cfg.Name, Depth: depth}, nil
}

func (q *Queue) writeSnapshot(ctx context.Context, job *subtitle.Job, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := q.redis.Set(ctx, redisc.JobKey(job.ID), string(raw), ttl); err != nil {
		return fmt.Errorf("write job snapshot %s: %w", job.ID, err)
	}
	return nil
}
