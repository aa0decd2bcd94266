package extractor

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

// FallbackEngine resolves caption tracks through the WEB innertube /player
// surface and downloads them in the json3 format. Slower but survives some
// blocks that stop the ANDROID surface.
type FallbackEngine struct {
	BaseURL string
}

// NewFallbackEngine builds the engine; an empty base URL targets YouTube.
func NewFallbackEngine(baseURL string) *FallbackEngine {
	if baseURL == "" {
		baseURL = defaultInnertubeBase
	}
	return &FallbackEngine{BaseURL: baseURL}
}

// Name identifies the engine in artifacts.
func (e *FallbackEngine) Name() subtitle.Engine {
	return subtitle.EngineFallback
}

// Fetch implements Engine.
func (e *FallbackEngine) Fetch(ctx context.Context, client *http.Client, videoID, language string) (string, []subtitle.Segment, error) {
	pr, err := fetchPlayer(ctx, client, e.BaseURL, videoID, innertubeClient{
		ClientName:    "WEB",
		ClientVersion: "2.20240401.00.00",
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

	url := track.BaseURL
	if !strings.Contains(url, "fmt=json3") {
		sep := "?"
		if strings.Contains(url, "?") {
			sep = "&"
		}
		url += sep + "fmt=json3"
	}

	body, err := fetchTrackBody(ctx, client, url, "application/json")
	if err != nil {
		return "", nil, err
	}
	segments, err := parseJSON3(body)
	if err != nil {
		return "", nil, err
	}
	return pr.VideoDetails.Title, segments, nil
}

type json3Payload struct {
	Events []json3Event `json:"events"`
}

type json3Event struct {
	StartMS    int64        `json:"tStartMs"`
	DurationMS int64        `json:"dDurationMs"`
	Segs       []json3Token `json:"segs"`
}

type json3Token struct {
	UTF8 string `json:"utf8"`
}

// parseJSON3 decodes the json3 caption format: events carry millisecond
// timings and a list of utf8 runs.
func parseJSON3(body []byte) ([]subtitle.Segment, error) {
	var payload json3Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, subtitle.E(subtitle.KindUpstreamTransient, "parse json3", err)
	}
	segments := make([]subtitle.Segment, 0, len(payload.Events))
	for _, ev := range payload.Events {
		if len(ev.Segs) == 0 {
			continue
		}
		var sb strings.Builder
		for _, tok := range ev.Segs {
			sb.WriteString(tok.UTF8)
		}
		text := strings.TrimSpace(strings.ReplaceAll(sb.String(), "\n", " "))
		if text == "" {
			continue
		}
		segments = append(segments, subtitle.Segment{
			Text:     text,
			Start:    float64(ev.StartMS) / 1000.0,
			Duration: float64(ev.DurationMS) / 1000.0,
		})
	}
	if len(segments) == 0 {
		return nil, subtitle.E(subtitle.KindUpstreamTransient, "json3 track was empty", nil)
	}
	return segments, nil
}
