package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/7and1/youtube-subtitle-api/internal/admission"
	"github.com/7and1/youtube-subtitle-api/internal/cache/memory"
	"github.com/7and1/youtube-subtitle-api/internal/config"
	"github.com/7and1/youtube-subtitle-api/internal/coordinator"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/queue"
	"github.com/7and1/youtube-subtitle-api/internal/ratelimit"
	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

var testFingerprint = subtitle.Fingerprint{VideoID: "dQw4w9WgXcQ", Language: "en", Clean: true}

type fakeClock struct{}

func (fakeClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

type stubCache struct {
	mu        sync.Mutex
	artifacts map[string]*subtitle.Artifact
	jobID     string
}

func (c *stubCache) Lookup(_ context.Context, f subtitle.Fingerprint) (*subtitle.Artifact, coordinator.Tier, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	art, ok := c.artifacts[f.Key()]
	if !ok {
		return nil, "", false, nil
	}
	return art, coordinator.TierLocal, true, nil
}

func (c *stubCache) LookupBatch(_ context.Context, fps []subtitle.Fingerprint) (map[string]*subtitle.Artifact, error) {
	out := make(map[string]*subtitle.Artifact)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range fps {
		if art, ok := c.artifacts[f.Key()]; ok {
			out[f.Key()] = art
		}
	}
	return out, nil
}

func (c *stubCache) Reserve(context.Context, subtitle.Fingerprint, string) (coordinator.Reservation, error) {
	return coordinator.Reservation{Leader: true, JobID: c.jobID}, nil
}

func (c *stubCache) Invalidate(context.Context, subtitle.Fingerprint, coordinator.Scope) error {
	return nil
}

func (c *stubCache) InvalidateVideo(context.Context, string) (int64, error) { return 2, nil }
func (c *stubCache) ClearShared(context.Context) (int64, error)            { return 5, nil }
func (c *stubCache) LocalStats() memory.Stats                              { return memory.Stats{} }

type stubLimiter struct {
	denied bool
}

func (l *stubLimiter) Allow(context.Context, string, string) ratelimit.Decision {
	if l.denied {
		return ratelimit.Decision{Allowed: false, Limit: 30, RetryAfter: 2 * time.Second, ResetAt: time.Unix(1700000060, 0)}
	}
	return ratelimit.Decision{Allowed: true, Limit: 30, Remaining: 29, ResetAt: time.Unix(1700000060, 0)}
}

func (l *stubLimiter) Reset(context.Context, string) (int64, error) { return 1, nil }
func (l *stubLimiter) Stats(context.Context, string) (map[string]ratelimit.EndpointStats, error) {
	return map[string]ratelimit.EndpointStats{}, nil
}

type stubJobs struct {
	jobs map[string]*subtitle.Job
}

func (j *stubJobs) Fetch(_ context.Context, jobID string) (*subtitle.Job, bool, error) {
	job, ok := j.jobs[jobID]
	return job, ok, nil
}

func (j *stubJobs) SnapshotStats(context.Context) (queue.Stats, error) {
	return queue.Stats{QueueName: "q", Depth: 1}, nil
}

type stubStore struct{}

func (stubStore) GetJob(context.Context, string) (*subtitle.Job, bool, error) {
	return nil, false, nil
}
func (stubStore) DeleteAllArtifacts(context.Context) (int64, error) { return 3, nil }
func (stubStore) FailQueuedJobs(context.Context, subtitle.Fingerprint, subtitle.Kind, string, time.Time) (int64, error) {
	return 0, nil
}
func (stubStore) CountJobsByStatus(context.Context) (map[string]int64, error) {
	return map[string]int64{"queued": 1}, nil
}

type fixture struct {
	server  *Server
	cache   *stubCache
	limiter *stubLimiter
	jobs    *stubJobs
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	metrics.Init()
	c := &stubCache{artifacts: make(map[string]*subtitle.Artifact), jobID: "job-1"}
	l := &stubLimiter{}
	j := &stubJobs{jobs: make(map[string]*subtitle.Job)}
	orch := admission.New(c, l, j, stubStore{}, fakeClock{}, zap.NewNop())
	return &fixture{
		server:  NewServer(orch, cfg, zap.NewNop()),
		cache:   c,
		limiter: l,
		jobs:    j,
	}
}

func doRequest(t *testing.T, s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmit_CacheHitReturnsArtifact(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, config.Config{})
	fx.cache.artifacts[testFingerprint.Key()] = &subtitle.Artifact{
		Fingerprint: testFingerprint,
		PlainText:   "hello",
		Integrity:   "H",
	}

	rec := doRequest(t, fx.server, http.MethodPost, "/api/v1/subtitles",
		`{"video_id":"dQw4w9WgXcQ","language":"en"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "30", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "29", rec.Header().Get("X-RateLimit-Remaining"))

	var art subtitle.Artifact
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &art))
	require.Equal(t, "H", art.Integrity)
}

func TestSubmit_MissReturnsJobHandle(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, config.Config{})
	rec := doRequest(t, fx.server, http.MethodPost, "/api/v1/subtitles",
		`{"video_url":"https://youtu.be/dQw4w9WgXcQ"}`, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "queued", body["status"])
	require.Equal(t, "job-1", body["job_id"])
}

func TestSubmit_InvalidInput(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, config.Config{})
	rec := doRequest(t, fx.server, http.MethodPost, "/api/v1/subtitles",
		`{"video_id":"not-valid"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSubmit_RateLimited(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, config.Config{})
	fx.limiter.denied = true

	rec := doRequest(t, fx.server, http.MethodPost, "/api/v1/subtitles",
		`{"video_id":"dQw4w9WgXcQ"}`, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "2", rec.Header().Get("Retry-After"))
	require.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestLookupCached(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, config.Config{})
	fx.cache.artifacts[testFingerprint.Key()] = &subtitle.Artifact{Fingerprint: testFingerprint}

	rec := doRequest(t, fx.server, http.MethodGet, "/api/v1/subtitles/dQw4w9WgXcQ?language=en", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, fx.server, http.MethodGet, "/api/v1/subtitles/abcdefghijk", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobStatus(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, config.Config{})
	ended := time.Unix(1700000100, 0).UTC()
	fx.jobs.jobs["job-9"] = &subtitle.Job{
		ID:              "job-9",
		Status:          subtitle.JobFailed,
		ErrorKind:       subtitle.KindSubtitlesDisabled,
		EndedAt:         &ended,
		WebhookDelivery: subtitle.WebhookNone,
	}

	rec := doRequest(t, fx.server, http.MethodGet, "/api/v1/jobs/job-9", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "failed", body["status"])

	rec = doRequest(t, fx.server, http.MethodGet, "/api/v1/jobs/unknown", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitBatch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, config.Config{})
	rec := doRequest(t, fx.server, http.MethodPost, "/api/v1/subtitles/batch",
		`{"video_ids":["dQw4w9WgXcQ","dQw4w9WgXcQ"],"language":"en"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queued int `json:"queued"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Queued)
}

func TestAdmin_RequiresKey(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, config.Config{Auth: config.AuthConfig{AdminKey: "sekrit"}})

	rec := doRequest(t, fx.server, http.MethodGet, "/api/v1/admin/queue/stats", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, fx.server, http.MethodGet, "/api/v1/admin/queue/stats", "",
		map[string]string{"X-Admin-Key": "sekrit"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_DisabledWithoutKey(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, config.Config{})
	rec := doRequest(t, fx.server, http.MethodGet, "/api/v1/admin/queue/stats", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "key-1"}})

	rec := doRequest(t, fx.server, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, fx.server, http.MethodGet, "/healthz", "",
		map[string]string{"X-API-Key": "key-1"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestClearCache_Admin(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, config.Config{Auth: config.AuthConfig{AdminKey: "sekrit"}})
	rec := doRequest(t, fx.server, http.MethodPost, "/api/v1/admin/cache/clear?purge_db=true", "",
		map[string]string{"X-Admin-Key": "sekrit"})
	require.Equal(t, http.StatusOK, rec.Code)

	var res admission.ClearCacheResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, int64(5), res.SharedDeleted)
	require.Equal(t, int64(3), res.DBDeleted)
}
