// Package store provides the durable Tier-3 persistence layer on Postgres:
// authoritative artifacts keyed by fingerprint and the job table.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

// Querier is the subset of pgxpool.Pool the store uses. pgxmock satisfies it
// for tests.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store reads and writes artifacts and jobs.
type Store struct {
	pool Querier
}

// New creates a Postgres-backed Store using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool Querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Bootstrap applies the schema. Used in development; production deployments
// run the same DDL through their migration tooling.
func (s *Store) Bootstrap(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("bootstrap schema: %w", err)
	}
	return nil
}

const artifactColumns = `video_id, language, clean_flag, title, engine_used,
	segments, plain_text, extraction_duration_ms, proxy_used, integrity,
	created_at, expires_at`

// GetArtifact returns the authoritative artifact for f, if one exists.
// Expiry is the caller's concern; the row is returned either way.
func (s *Store) GetArtifact(ctx context.Context, f subtitle.Fingerprint) (*subtitle.Artifact, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+artifactColumns+`
FROM subtitle_artifacts
WHERE video_id = $1 AND language = $2 AND clean_flag = $3`,
		f.VideoID, f.Language, f.Clean)

	art, err := scanArtifact(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get artifact %s: %w", f.Key(), err)
	}
	return art, true, nil
}

func scanArtifact(row pgx.Row) (*subtitle.Artifact, error) {
	var (
		art          subtitle.Artifact
		title        *string
		engine       string
		segmentsJSON []byte
		plainText    *string
		proxyUsed    *string
	)
	err := row.Scan(
		&art.Fingerprint.VideoID,
		&art.Fingerprint.Language,
		&art.Fingerprint.Clean,
		&title,
		&engine,
		&segmentsJSON,
		&plainText,
		&art.DurationMS,
		&proxyUsed,
		&art.Integrity,
		&art.CreatedAt,
		&art.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	if title != nil {
		art.Title = *title
	}
	if plainText != nil {
		art.PlainText = *plainText
	}
	if proxyUsed != nil {
		art.ProxyUsed = *proxyUsed
	}
	art.EngineUsed = subtitle.Engine(engine)
	if err := json.Unmarshal(segmentsJSON, &art.Segments); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	art.SegmentCount = len(art.Segments)
	return &art, nil
}

// UpsertArtifact writes an artifact with last-writer-wins semantics on the
// unique fingerprint index. The single-flight lock ensures only the leader
// commits, so converging on the newest row is safe.
func (s *Store) UpsertArtifact(ctx context.Context, art *subtitle.Artifact) error {
	segmentsJSON, err := json.Marshal(art.Segments)
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO subtitle_artifacts (`+artifactColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
ON CONFLICT (video_id, language, clean_flag) DO UPDATE SET
	title = EXCLUDED.title,
	engine_used = EXCLUDED.engine_used,
	segments = EXCLUDED.segments,
	plain_text = EXCLUDED.plain_text,
	extraction_duration_ms = EXCLUDED.extraction_duration_ms,
	proxy_used = EXCLUDED.proxy_used,
	integrity = EXCLUDED.integrity,
	created_at = EXCLUDED.created_at,
	expires_at = EXCLUDED.expires_at`,
		art.Fingerprint.VideoID,
		art.Fingerprint.Language,
		art.Fingerprint.Clean,
		nullable(art.Title),
		string(art.EngineUsed),
		segmentsJSON,
		nullable(art.PlainText),
		art.DurationMS,
		nullable(art.ProxyUsed),
		art.Integrity,
		art.CreatedAt,
		art.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("upsert artifact %s: %w", art.Fingerprint.Key(), err)
	}
	return nil
}

// DeleteArtifact removes the row for f, reporting whether one existed.
func (s *Store) DeleteArtifact(ctx context.Context, f subtitle.Fingerprint) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM subtitle_artifacts
WHERE video_id = $1 AND language = $2 AND clean_flag = $3`,
		f.VideoID, f.Language, f.Clean)
	if err != nil {
		return false, fmt.Errorf("delete artifact %s: %w", f.Key(), err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteAllArtifacts purges the table, returning the number of rows removed.
func (s *Store) DeleteAllArtifacts(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM subtitle_artifacts`)
	if err != nil {
		return 0, fmt.Errorf("purge artifacts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SweepExpiredArtifacts deletes artifacts created before the retention
// cutoff. Invoked periodically by the worker runtime.
func (s *Store) SweepExpiredArtifacts(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM subtitle_artifacts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep artifacts: %w", err)
	}
	return tag.RowsAffected(), nil
}

const jobColumns = `job_id, video_id, language, clean_flag, status,
	error_kind, error_hint, enqueued_at, started_at, ended_at,
	webhook_url, webhook_delivery_status, attempts`

// CreateJob inserts a new job row with status=queued.
func (s *Store) CreateJob(ctx context.Context, job *subtitle.Job) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO subtitle_jobs (`+jobColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		job.ID,
		job.Fingerprint.VideoID,
		job.Fingerprint.Language,
		job.Fingerprint.Clean,
		string(job.Status),
		nullable(string(job.ErrorKind)),
		nullable(job.ErrorHint),
		job.EnqueuedAt,
		job.StartedAt,
		job.EndedAt,
		nullable(job.WebhookURL),
		string(job.WebhookDelivery),
		job.Attempts,
	)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns the job row for id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*subtitle.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM subtitle_jobs WHERE job_id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, true, nil
}

func scanJob(row pgx.Row) (*subtitle.Job, error) {
	var (
		job        subtitle.Job
		status     string
		errorKind  *string
		errorHint  *string
		webhookURL *string
		webhookSt  string
	)
	err := row.Scan(
		&job.ID,
		&job.Fingerprint.VideoID,
		&job.Fingerprint.Language,
		&job.Fingerprint.Clean,
		&status,
		&errorKind,
		&errorHint,
		&job.EnqueuedAt,
		&job.StartedAt,
		&job.EndedAt,
		&webhookURL,
		&webhookSt,
		&job.Attempts,
	)
	if err != nil {
		return nil, err
	}
	job.Status = subtitle.JobStatus(status)
	job.WebhookDelivery = subtitle.WebhookStatus(webhookSt)
	if errorKind != nil {
		job.ErrorKind = subtitle.Kind(*errorKind)
	}
	if errorHint != nil {
		job.ErrorHint = *errorHint
	}
	if webhookURL != nil {
		job.WebhookURL = *webhookURL
	}
	return &job, nil
}

// GetActiveJob returns the queued or running job for f, if any. The unique
// single-flight lock keeps this to at most one row.
func (s *Store) GetActiveJob(ctx context.Context, f subtitle.Fingerprint) (*subtitle.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM subtitle_jobs
WHERE video_id = $1 AND language = $2 AND clean_flag = $3
  AND status IN ('queued','running')
ORDER BY enqueued_at DESC
LIMIT 1`,
		f.VideoID, f.Language, f.Clean)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get active job %s: %w", f.Key(), err)
	}
	return job, true, nil
}

// MarkJobRunning transitions queued->running, stamping started_at and
// bumping attempts. The status guard keeps the transition monotonic.
func (s *Store) MarkJobRunning(ctx context.Context, jobID string, startedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE subtitle_jobs
SET status = 'running', started_at = $2, attempts = attempts + 1
WHERE job_id = $1 AND status = 'queued'`,
		jobID, startedAt)
	if err != nil {
		return fmt.Errorf("mark job running %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark job running %s: not in queued state", jobID)
	}
	return nil
}

// CompleteJob transitions a non-terminal job to finished or failed. A job
// already terminal is left untouched so Complete stays idempotent.
func (s *Store) CompleteJob(ctx context.Context, jobID string, status subtitle.JobStatus, kind subtitle.Kind, hint string, endedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("complete job %s: %s is not terminal", jobID, status)
	}
	_, err := s.pool.Exec(ctx, `
UPDATE subtitle_jobs
SET status = $2, error_kind = $3, error_hint = $4, ended_at = $5
WHERE job_id = $1 AND status IN ('queued','running')`,
		jobID, string(status), nullable(string(kind)), nullable(hint), endedAt)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	return nil
}

// UpdateWebhookDelivery records the outcome of webhook dispatch for a job.
func (s *Store) UpdateWebhookDelivery(ctx context.Context, jobID string, status subtitle.WebhookStatus) error {
	_, err := s.pool.Exec(ctx, `
UPDATE subtitle_jobs SET webhook_delivery_status = $2 WHERE job_id = $1`,
		jobID, string(status))
	if err != nil {
		return fmt.Errorf("update webhook delivery %s: %w", jobID, err)
	}
	return nil
}

// ListExpiredRunning returns running jobs whose lease expired (started
// before the cutoff). Used by the reaper.
func (s *Store) ListExpiredRunning(ctx context.Context, cutoff time.Time) ([]subtitle.Job, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM subtitle_jobs
WHERE status = 'running' AND started_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expired running: %w", err)
	}
	defer rows.Close()

	var jobs []subtitle.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired jobs: %w", err)
	}
	return jobs, nil
}

// RequeueJob resets an expired running job back to queued so another worker
// can pick it up. Crash recovery only; the status guard prevents racing a
// worker that completed meanwhile.
func (s *Store) RequeueJob(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE subtitle_jobs
SET status = 'queued', started_at = NULL
WHERE job_id = $1 AND status = 'running'`, jobID)
	if err != nil {
		return false, fmt.Errorf("requeue job %s: %w", jobID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailQueuedJobs marks every queued job for f failed. Used by admin purge
// when job cancellation is requested.
func (s *Store) FailQueuedJobs(ctx context.Context, f subtitle.Fingerprint, kind subtitle.Kind, hint string, endedAt time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE subtitle_jobs
SET status = 'failed', error_kind = $4, error_hint = $5, ended_at = $6
WHERE video_id = $1 AND language = $2 AND clean_flag = $3 AND status = 'queued'`,
		f.VideoID, f.Language, f.Clean, string(kind), hint, endedAt)
	if err != nil {
		return 0, fmt.Errorf("fail queued jobs %s: %w", f.Key(), err)
	}
	return tag.RowsAffected(), nil
}

// CountJobsByStatus aggregates the job table for queue stats.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
SELECT status, COUNT(*) FROM subtitle_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job counts: %w", err)
	}
	return counts, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
