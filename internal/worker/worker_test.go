package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/7and1/youtube-subtitle-api/internal/clock/system"
	"github.com/7and1/youtube-subtitle-api/internal/extractor"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
	"github.com/7and1/youtube-subtitle-api/internal/webhook"
)

var testFingerprint = subtitle.Fingerprint{VideoID: "dQw4w9WgXcQ", Language: "en", Clean: true}

type fakeQueue struct {
	mu        sync.Mutex
	items     []*subtitle.Job
	completed []struct {
		Job    *subtitle.Job
		Status subtitle.JobStatus
		Kind   subtitle.Kind
	}
	requeued []*subtitle.Job
}

func (q *fakeQueue) Dequeue(ctx context.Context, timeout time.Duration) (*subtitle.Job, bool, error) {
	q.mu.Lock()
	if len(q.items) > 0 {
		job := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()
		return job, true, nil
	}
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, false, nil
	}
}

func (q *fakeQueue) Complete(_ context.Context, job *subtitle.Job, status subtitle.JobStatus, kind subtitle.Kind, hint string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.Status = status
	job.ErrorKind = kind
	job.ErrorHint = hint
	q.completed = append(q.completed, struct {
		Job    *subtitle.Job
		Status subtitle.JobStatus
		Kind   subtitle.Kind
	}{job, status, kind})
	return nil
}

func (q *fakeQueue) Requeue(_ context.Context, job *subtitle.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requeued = append(q.requeued, job)
	return nil
}

func (q *fakeQueue) completedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

type fakeExtractor struct {
	mu     sync.Mutex
	result *extractor.Result
	err    error
	panics bool
	calls  int
}

func (e *fakeExtractor) Extract(context.Context, subtitle.Fingerprint) (*extractor.Result, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.panics {
		panic("extractor exploded")
	}
	return e.result, e.err
}

type fakeCommitter struct {
	mu        sync.Mutex
	committed []*subtitle.Artifact
	released  []subtitle.Fingerprint
	err       error
}

func (c *fakeCommitter) Commit(_ context.Context, art *subtitle.Artifact) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, art)
	return nil
}

func (c *fakeCommitter) Release(_ context.Context, f subtitle.Fingerprint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, f)
}

type terminalRecord struct {
	Status subtitle.JobStatus
	Kind   subtitle.Kind
	Hint   string
}

type fakeJobStore struct {
	mu        sync.Mutex
	running   []string
	terminals map[string]terminalRecord
	expired   []subtitle.Job
	swept     int64
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{terminals: make(map[string]terminalRecord)}
}

func (s *fakeJobStore) MarkJobRunning(_ context.Context, jobID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = append(s.running, jobID)
	return nil
}

func (s *fakeJobStore) CompleteJob(_ context.Context, jobID string, status subtitle.JobStatus, kind subtitle.Kind, hint string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals[jobID] = terminalRecord{Status: status, Kind: kind, Hint: hint}
	return nil
}

func (s *fakeJobStore) ListExpiredRunning(context.Context, time.Time) ([]subtitle.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.expired
	s.expired = nil
	return out, nil
}

func (s *fakeJobStore) RequeueJob(context.Context, string) (bool, error) {
	return true, nil
}

func (s *fakeJobStore) SweepExpiredArtifacts(context.Context, time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swept++
	return 3, nil
}

func (s *fakeJobStore) terminal(jobID string) (terminalRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.terminals[jobID]
	return rec, ok
}

type fakeDispatcher struct {
	mu         sync.Mutex
	deliveries []webhook.Delivery
}

func (d *fakeDispatcher) Dispatch(_ context.Context, delivery webhook.Delivery) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deliveries = append(d.deliveries, delivery)
	return true
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deliveries)
}

func queuedJob(id, webhookURL string) *subtitle.Job {
	now := time.Unix(1700000000, 0).UTC()
	started := now
	return &subtitle.Job{
		ID:          id,
		Fingerprint: testFingerprint,
		Status:      subtitle.JobRunning,
		EnqueuedAt:  now,
		StartedAt:   &started,
		WebhookURL:  webhookURL,
		Attempts:    1,
	}
}

func testConfig() Config {
	return Config{
		Concurrency:       2,
		DequeueTimeout:    20 * time.Millisecond,
		ExtractionTimeout: time.Second,
		LeaseGrace:        100 * time.Millisecond,
		GracefulTimeout:   time.Second,
	}
}

func successResult() *extractor.Result {
	return &extractor.Result{
		Title:      "Test Video",
		EngineUsed: subtitle.EnginePrimary,
		Segments: []subtitle.Segment{
			{Text: "[Music] never gonna", Start: 0, Duration: 1.5},
			{Text: "give you up", Start: 1.5, Duration: 2},
		},
		Duration: 1200 * time.Millisecond,
	}
}

func TestWorker_SuccessFlow(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := &fakeQueue{items: []*subtitle.Job{queuedJob("job-ok", "https://example.com/hook")}}
	ex := &fakeExtractor{result: successResult()}
	committer := &fakeCommitter{}
	st := newFakeJobStore()
	disp := &fakeDispatcher{}

	w := New(q, ex, committer, st, disp, system.New(), testConfig(), zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		rec, ok := st.terminal("job-ok")
		return ok && rec.Status == subtitle.JobFinished
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return disp.count() == 1 }, time.Second, 10*time.Millisecond)

	committer.mu.Lock()
	require.Len(t, committer.committed, 1)
	art := committer.committed[0]
	committer.mu.Unlock()

	require.Equal(t, subtitle.EnginePrimary, art.EngineUsed)
	require.Equal(t, int64(1200), art.DurationMS)
	// clean_flag applies the cleaner: cue tag dropped, plain text composed.
	require.Equal(t, "never gonna", art.Segments[0].Text)
	require.Equal(t, "never gonna give you up", art.PlainText)

	disp.mu.Lock()
	delivery := disp.deliveries[0]
	disp.mu.Unlock()
	require.Equal(t, subtitle.JobFinished, delivery.Job.Status)
	require.NotNil(t, delivery.Artifact)
	cancel()
}

func TestWorker_TerminalFailureFlow(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := &fakeQueue{items: []*subtitle.Job{queuedJob("job-bad", "https://example.com/hook")}}
	ex := &fakeExtractor{err: subtitle.E(subtitle.KindVideoUnavailable, "video removed", nil)}
	committer := &fakeCommitter{}
	st := newFakeJobStore()
	disp := &fakeDispatcher{}

	w := New(q, ex, committer, st, disp, system.New(), testConfig(), zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		rec, ok := st.terminal("job-bad")
		return ok && rec.Status == subtitle.JobFailed && rec.Kind == subtitle.KindVideoUnavailable
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return disp.count() == 1 }, time.Second, 10*time.Millisecond)

	committer.mu.Lock()
	require.Empty(t, committer.committed, "failed extraction commits nothing")
	require.Len(t, committer.released, 1, "single-flight lock released on failure")
	committer.mu.Unlock()
	cancel()
}

func TestWorker_CommitFailureLeavesJobRunning(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := &fakeQueue{items: []*subtitle.Job{queuedJob("job-db-down", "")}}
	ex := &fakeExtractor{result: successResult()}
	committer := &fakeCommitter{err: subtitle.E(subtitle.KindDependencyDown, "db down", nil)}
	st := newFakeJobStore()
	disp := &fakeDispatcher{}

	w := New(q, ex, committer, st, disp, system.New(), testConfig(), zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		ex.mu.Lock()
		defer ex.mu.Unlock()
		return ex.calls == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	_, ok := st.terminal("job-db-down")
	require.False(t, ok, "no terminal state when the durable commit failed")
	require.Equal(t, 0, q.completedCount())
	cancel()
}

func TestWorker_PanicRecovery(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := &fakeQueue{items: []*subtitle.Job{queuedJob("job-panic", "")}}
	ex := &fakeExtractor{panics: true}
	committer := &fakeCommitter{}
	st := newFakeJobStore()
	disp := &fakeDispatcher{}

	w := New(q, ex, committer, st, disp, system.New(), testConfig(), zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		rec, ok := st.terminal("job-panic")
		return ok && rec.Status == subtitle.JobFailed && rec.Kind == subtitle.KindInternal
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestWorker_GracefulShutdown(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())

	q := &fakeQueue{}
	w := New(q, &fakeExtractor{result: successResult()}, &fakeCommitter{}, newFakeJobStore(), &fakeDispatcher{}, system.New(), testConfig(), zap.NewNop())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestWorker_ReaperRequeuesExpiredLeases(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newFakeJobStore()
	stale := *queuedJob("job-stale", "")
	st.expired = []subtitle.Job{stale}

	q := &fakeQueue{}
	cfg := testConfig()
	cfg.ReaperInterval = 20 * time.Millisecond

	w := New(q, &fakeExtractor{result: successResult()}, &fakeCommitter{}, st, &fakeDispatcher{}, system.New(), cfg, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.requeued) == 1 && q.requeued[0].ID == "job-stale"
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}

func TestWorker_RetentionSweep(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := newFakeJobStore()
	cfg := testConfig()
	cfg.SweepInterval = 20 * time.Millisecond
	cfg.Retention = time.Hour

	w := New(&fakeQueue{}, &fakeExtractor{result: successResult()}, &fakeCommitter{}, st, &fakeDispatcher{}, system.New(), cfg, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.swept >= 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
}
