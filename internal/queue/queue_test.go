package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	redisc "github.com/7and1/youtube-subtitle-api/internal/cache/redis"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newTestQueue(t *testing.T) (*Queue, *redisc.Client) {
	t.Helper()
	metrics.Init()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	client := redisc.NewFromClient(rdb, zap.NewNop())
	t.Cleanup(func() { _ = client.Close() })
	clk := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	return New(client, Config{Name: "test-extraction", ResultTTL: time.Hour}, clk, zap.NewNop()), client
}

func newJob(id string) *subtitle.Job {
	return &subtitle.Job{
		ID: id,
		Fingerprint: subtitle.Fingerprint{
			VideoID: "dQw4w9WgXcQ", Language: "en", Clean: true,
		},
	}
}

func TestEnqueueDequeue_FIFO(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("job-1")))
	require.NoError(t, q.Enqueue(ctx, newJob("job-2")))
	require.NoError(t, q.Enqueue(ctx, newJob("job-3")))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), depth)

	for _, want := range []string{"job-1", "job-2", "job-3"} {
		job, ok, err := q.Dequeue(ctx, 100*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, job.ID)
		require.Equal(t, subtitle.JobRunning, job.Status)
		require.NotNil(t, job.StartedAt)
		require.Equal(t, 1, job.Attempts)
	}

	_, ok, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "empty queue times out as absence")
}

func TestDequeue_DropsOrphans(t *testing.T) {
	t.Parallel()

	q, client := newTestQueue(t)
	ctx := context.Background()

	// A list entry with no job record simulates a flushed snapshot.
	require.NoError(t, client.LPush(ctx, redisc.QueueKey("test-extraction"), "ghost-job"))

	_, ok, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "orphan entries are dropped, not surfaced")
}

func TestComplete_TerminalSnapshot(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("job-done")))
	job, ok, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Complete(ctx, job, subtitle.JobFinished, subtitle.KindNone, ""))

	fetched, found, err := q.Fetch(ctx, "job-done")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, subtitle.JobFinished, fetched.Status)
	require.NotNil(t, fetched.EndedAt)
}

func TestComplete_RejectsNonTerminal(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	err := q.Complete(context.Background(), newJob("job-x"), subtitle.JobRunning, subtitle.KindNone, "")
	require.ErrorContains(t, err, "not terminal")
}

func TestComplete_RecordsFailureKind(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("job-fail")))
	job, ok, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Complete(ctx, job, subtitle.JobFailed, subtitle.KindVideoUnavailable, "video removed"))

	fetched, found, err := q.Fetch(ctx, "job-fail")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, subtitle.JobFailed, fetched.Status)
	require.Equal(t, subtitle.KindVideoUnavailable, fetched.ErrorKind)
	require.Equal(t, "video removed", fetched.ErrorHint)
}

func TestRequeue_MakesJobDequeueableAgain(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob("job-stale")))
	job, ok, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, q.Requeue(ctx, job))

	again, ok, err := q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "job-stale", again.ID)
	require.Equal(t, 2, again.Attempts, "second lease bumps the attempt count")
}

func TestFetch_Missing(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	_, found, err := q.Fetch(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, found)
}

func TestSnapshotStats(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, newJob("job-a")))
	require.NoError(t, q.Enqueue(ctx, newJob("job-b")))

	stats, err := q.SnapshotStats(ctx)
	require.NoError(t, err)
	require.Equal(t, "test-extraction", stats.QueueName)
	require.Equal(t, int64(2), stats.Depth)
}
