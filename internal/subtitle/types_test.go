package subtitle

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestArtifactIntegrity_StableAcrossCopies(t *testing.T) {
	t.Parallel()

	a := &Artifact{
		Fingerprint: Fingerprint{VideoID: "dQw4w9WgXcQ", Language: "en", Clean: true},
		Segments: []Segment{
			{Text: "hello", Start: 0, Duration: 1.5},
			{Text: "world", Start: 1.5, Duration: 2},
		},
	}
	b := &Artifact{Segments: append([]Segment(nil), a.Segments...)}

	require.Equal(t, a.ComputeIntegrity(), b.ComputeIntegrity())

	b.Segments[1].Text = "world!"
	require.NotEqual(t, a.ComputeIntegrity(), b.ComputeIntegrity())
}

func TestArtifactExpired(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	a := &Artifact{ExpiresAt: now.Add(time.Hour)}
	require.False(t, a.Expired(now))
	require.True(t, a.Expired(now.Add(2*time.Hour)))

	unset := &Artifact{}
	require.False(t, unset.Expired(now))
}

func TestErrorKinds(t *testing.T) {
	t.Parallel()

	err := E(KindVideoUnavailable, "video removed", nil)
	require.Equal(t, KindVideoUnavailable, KindOf(err))
	require.True(t, KindVideoUnavailable.Terminal())
	require.False(t, KindVideoUnavailable.Retryable())

	require.True(t, KindUpstreamTransient.Retryable())
	require.False(t, KindUpstreamTransient.Terminal())

	wrapped := fmt.Errorf("outer: %w", err)
	require.Equal(t, KindVideoUnavailable, KindOf(wrapped))
	require.Equal(t, KindInternal, KindOf(errors.New("plain")))
	require.Equal(t, KindNone, KindOf(nil))
}

func TestErrorCorrelation(t *testing.T) {
	t.Parallel()

	base := E(KindInternal, "boom", errors.New("cause"))
	tagged := base.WithCorrelation("req-123")
	require.Equal(t, "req-123", tagged.CorrelationID)
	require.Empty(t, base.CorrelationID)
	require.ErrorContains(t, tagged, "boom")
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobQueued.Terminal())
	require.False(t, JobRunning.Terminal())
	require.True(t, JobFinished.Terminal())
	require.True(t, JobFailed.Terminal())
}
