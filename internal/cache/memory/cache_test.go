package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

func fp(id, lang string) subtitle.Fingerprint {
	return subtitle.Fingerprint{VideoID: id, Language: lang, Clean: true}
}

func art(id string) *subtitle.Artifact {
	return &subtitle.Artifact{Fingerprint: fp(id, "en"), PlainText: "text for " + id}
}

func TestCache_PutGet(t *testing.T) {
	t.Parallel()

	c := New(8, time.Minute)
	f := fp("dQw4w9WgXcQ", "en")

	_, ok := c.Get(f)
	require.False(t, ok)

	c.Put(f, art("dQw4w9WgXcQ"))
	got, ok := c.Get(f)
	require.True(t, ok)
	require.Equal(t, "text for dQw4w9WgXcQ", got.PlainText)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
	require.InDelta(t, 0.5, stats.HitRate(), 1e-9)
}

func TestCache_TTLExpiry(t *testing.T) {
	t.Parallel()

	c := New(8, 20*time.Millisecond)
	f := fp("dQw4w9WgXcQ", "en")
	c.Put(f, art("dQw4w9WgXcQ"))

	_, ok := c.Get(f)
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get(f)
	require.False(t, ok)
}

func TestCache_CapacityBound(t *testing.T) {
	t.Parallel()

	c := New(2, time.Minute)
	c.Put(fp("aaaaaaaaaa1", "en"), art("aaaaaaaaaa1"))
	c.Put(fp("bbbbbbbbbb2", "en"), art("bbbbbbbbbb2"))
	c.Put(fp("cccccccccc3", "en"), art("cccccccccc3"))

	require.LessOrEqual(t, c.Stats().Size, 2)
	_, ok := c.Get(fp("aaaaaaaaaa1", "en"))
	require.False(t, ok, "oldest entry should have been evicted")
}

func TestCache_InvalidateVideo(t *testing.T) {
	t.Parallel()

	c := New(8, time.Minute)
	c.Put(fp("dQw4w9WgXcQ", "en"), art("dQw4w9WgXcQ"))
	c.Put(fp("dQw4w9WgXcQ", "de"), art("dQw4w9WgXcQ"))
	c.Put(fp("abcabcabcab", "en"), art("abcabcabcab"))

	require.Equal(t, 2, c.InvalidateVideo("dQw4w9WgXcQ"))
	_, ok := c.Get(fp("abcabcabcab", "en"))
	require.True(t, ok)

	c.Clear()
	require.Equal(t, 0, c.Stats().Size)
}
