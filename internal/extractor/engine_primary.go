package extractor

import (
	"context"
	"encoding/xml"
	"html"
	"net/http"
	"strings"

	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

// PrimaryEngine resolves caption tracks through the ANDROID innertube
// /player surface and downloads them as timedtext XML. It is the cheaper of
// the two engines and works from most unblocked addresses.
type PrimaryEngine struct {
	BaseURL string
}

// NewPrimaryEngine builds the engine; an empty base URL targets YouTube.
func NewPrimaryEngine(baseURL string) *PrimaryEngine {
	if baseURL == "" {
		baseURL = defaultInnertubeBase
	}
	return &PrimaryEngine{BaseURL: baseURL}
}

// Name identifies the engine in artifacts.
func (e *PrimaryEngine) Name() subtitle.Engine {
	return subtitle.EnginePrimary
}

// Fetch implements Engine.
func (e *PrimaryEngine) Fetch(ctx context.Context, client *http.Client, videoID, language string) (string, []subtitle.Segment, error) {
	pr, err := fetchPlayer(ctx, client, e.BaseURL, videoID, innertubeClient{
		ClientName:    "ANDROID",
		ClientVersion: "19.09.37",
		Hl:            "en",
		Gl:            "US",
	})
	if err != nil {
		return "", nil, err
	}
	tracks, err := tracksFor(pr)
	if err != nil {
		return "", nil, err
	}
	track, err := pickTrack(tracks, language)
	if err != nil {
		return "", nil, err
	}

	body, err := fetchTrackBody(ctx, client, track.BaseURL, "text/xml")
	if err != nil {
		return "", nil, err
	}
	segments, err := parseTimedText(body)
	if err != nil {
		return "", nil, err
	}
	return pr.VideoDetails.Title, segments, nil
}

type timedText struct {
	Lines []timedTextLine `xml:"text"`
}

type timedTextLine struct {
	Start    float64 `xml:"start,attr"`
	Duration float64 `xml:"dur,attr"`
	Text     string  `xml:",chardata"`
}

// parseTimedText decodes the timedtext XML caption format. Entities are
// double-encoded in the wire format, so one extra unescape pass is needed.
func parseTimedText(body []byte) ([]subtitle.Segment, error) {
	var tt timedText
	if err := xml.Unmarshal(body, &tt); err != nil {
		return nil, subtitle.E(subtitle.KindUpstreamTransient, "parse timedtext", err)
	}
	segments := make([]subtitle.Segment, 0, len(tt.Lines))
	for _, line := range tt.Lines {
		text := strings.TrimSpace(html.UnescapeString(line.Text))
		if text == "" {
			continue
		}
		segments = append(segments, subtitle.Segment{
			Text:     text,
			Start:    line.Start,
			Duration: line.Duration,
		})
	}
	if len(segments) == 0 {
		return nil, subtitle.E(subtitle.KindUpstreamTransient, "timedtext track was empty", nil)
	}
	return segments, nil
}
