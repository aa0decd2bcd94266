package extractor

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

func TestPickTrack_ManualBeatsAutoGenerated(t *testing.T) {
	t.Parallel()

	tracks := []captionTrack{
		{BaseURL: "asr", LanguageCode: "en", Kind: "asr"},
		{BaseURL: "manual", LanguageCode: "en", Kind: ""},
	}
	got, err := pickTrack(tracks, "en")
	require.NoError(t, err)
	require.Equal(t, "manual", got.BaseURL)
}

func TestPickTrack_ExactBeatsPrefix(t *testing.T) {
	t.Parallel()

	tracks := []captionTrack{
		{BaseURL: "regional", LanguageCode: "en-US", Kind: ""},
		{BaseURL: "plain", LanguageCode: "en", Kind: ""},
	}
	got, err := pickTrack(tracks, "en")
	require.NoError(t, err)
	require.Equal(t, "plain", got.BaseURL)

	got, err = pickTrack(tracks[:1], "en")
	require.NoError(t, err)
	require.Equal(t, "regional", got.BaseURL, "primary-subtag match is acceptable")
}

func TestPickTrack_AutoGeneratedWhenOnlyOption(t *testing.T) {
	t.Parallel()

	tracks := []captionTrack{{BaseURL: "asr", LanguageCode: "de", Kind: "asr"}}
	got, err := pickTrack(tracks, "de")
	require.NoError(t, err)
	require.Equal(t, "asr", got.BaseURL)
}

func TestPickTrack_AbsentLanguageIsTerminal(t *testing.T) {
	t.Parallel()

	tracks := []captionTrack{{BaseURL: "x", LanguageCode: "de", Kind: ""}}
	_, err := pickTrack(tracks, "fr")
	require.Equal(t, subtitle.KindLanguageUnavailable, subtitle.KindOf(err))
}

func TestParseTimedText(t *testing.T) {
	t.Parallel()

	segs, err := parseTimedText([]byte(timedTextXML))
	require.NoError(t, err)
	require.Len(t, segs, 2)
	require.Equal(t, subtitle.Segment{Text: "never gonna", Start: 0, Duration: 1.5}, segs[0])
}

func TestParseTimedText_UnescapesEntities(t *testing.T) {
	t.Parallel()

	body := `<transcript><text start="0" dur="1">it&amp;#39;s here</text></transcript>`
	segs, err := parseTimedText([]byte(body))
	require.NoError(t, err)
	require.Equal(t, "it's here", segs[0].Text)
}

func TestParseTimedText_EmptyTrack(t *testing.T) {
	t.Parallel()

	_, err := parseTimedText([]byte(`<transcript></transcript>`))
	require.Equal(t, subtitle.KindUpstreamTransient, subtitle.KindOf(err))
}

func TestParseJSON3(t *testing.T) {
	t.Parallel()

	segs, err := parseJSON3([]byte(json3Body))
	require.NoError(t, err)
	require.Len(t, segs, 2)
	require.Equal(t, "give you up", segs[1].Text)
	require.InDelta(t, 1.5, segs[1].Start, 1e-9)
	require.InDelta(t, 2.0, segs[1].Duration, 1e-9)
}

func TestParseJSON3_SkipsTimingOnlyEvents(t *testing.T) {
	t.Parallel()

	body := `{"events":[{"tStartMs":0,"dDurationMs":100},{"tStartMs":100,"dDurationMs":200,"segs":[{"utf8":"hi"}]}]}`
	segs, err := parseJSON3([]byte(body))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.Equal(t, "hi", segs[0].Text)
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.NoError(t, classifyStatus(http.StatusOK, "x"))
	require.Equal(t, subtitle.KindUpstreamBlocked, subtitle.KindOf(classifyStatus(http.StatusForbidden, "x")))
	require.Equal(t, subtitle.KindUpstreamBlocked, subtitle.KindOf(classifyStatus(http.StatusTooManyRequests, "x")))
	require.Equal(t, subtitle.KindVideoUnavailable, subtitle.KindOf(classifyStatus(http.StatusNotFound, "x")))
	require.Equal(t, subtitle.KindUpstreamTransient, subtitle.KindOf(classifyStatus(http.StatusBadGateway, "x")))
}
