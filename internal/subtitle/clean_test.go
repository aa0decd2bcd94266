package subtitle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanText(t *testing.T) {
	t.Parallel()

	require.Equal(t, "hello world", CleanText("  hello   world  "))
	require.Equal(t, "hello world", CleanText("hello\nworld"))
	require.Equal(t, "hello world", CleanText("<i>hello</i> world"))
	require.Equal(t, "hello", CleanText("[Music] hello"))
	require.Equal(t, "hello", CleanText("(applause) hello"))
	require.Equal(t, "hello there", CleanText("SPEAKER_1: hello there"))
	require.Equal(t, "hello there", CleanText(">> hello there"))
	require.Equal(t, "", CleanText("[Music]"))
}

func TestCleanSegments_DropsEmptyAndComposesPlainText(t *testing.T) {
	t.Parallel()

	segs := []Segment{
		{Text: "[Music]", Start: 0, Duration: 1},
		{Text: "never gonna", Start: 1, Duration: 2},
		{Text: "give  you\nup", Start: 3, Duration: 2},
	}
	cleaned, plain := CleanSegments(segs)
	require.Len(t, cleaned, 2)
	require.Equal(t, "never gonna", cleaned[0].Text)
	require.Equal(t, "give you up", cleaned[1].Text)
	require.Equal(t, "never gonna give you up", plain)
}

func TestCleanSegments_CollapsesAdjacentDuplicates(t *testing.T) {
	t.Parallel()

	segs := []Segment{
		{Text: "we know the game", Start: 0, Duration: 2},
		{Text: "we know the game and we're", Start: 2, Duration: 2},
	}
	_, plain := CleanSegments(segs)
	require.Equal(t, "we know the game and we're", plain)
}

func TestCleanSegments_Empty(t *testing.T) {
	t.Parallel()

	cleaned, plain := CleanSegments(nil)
	require.Empty(t, cleaned)
	require.Equal(t, "", plain)
}
