// Package extractor fetches subtitle tracks from YouTube with a dual-engine
// strategy: each engine is tried directly and then through the proxy pool,
// under one bounded wall-clock budget.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

const (
	defaultInnertubeBase = "https://www.youtube.com"
	defaultOEmbedBase    = "https://www.youtube.com"
	maxResponseBytes     = 4 << 20
)

// Engine fetches a caption track for one video and language. Fetch errors
// carry the subtitle error taxonomy so the ladder can decide whether to keep
// climbing.
type Engine interface {
	Name() subtitle.Engine
	Fetch(ctx context.Context, client *http.Client, videoID, language string) (title string, segments []subtitle.Segment, err error)
}

// innertube request/response plumbing shared by both engines.

type innertubeClient struct {
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion"`
	Hl            string `json:"hl"`
	Gl            string `json:"gl"`
}

type innertubeRequest struct {
	VideoID string `json:"videoId"`
	Context struct {
		Client innertubeClient `json:"client"`
	} `json:"context"`
}

type captionTrack struct {
	BaseURL      string `json:"baseUrl"`
	LanguageCode string `json:"languageCode"`
	Kind         string `json:"kind"`
}

type playerResponse struct {
	PlayabilityStatus struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	} `json:"playabilityStatus"`
	VideoDetails struct {
		Title string `json:"title"`
	} `json:"videoDetails"`
	Captions struct {
		Renderer struct {
			CaptionTracks []captionTrack `json:"captionTracks"`
		} `json:"playerCaptionsTracklistRenderer"`
	} `json:"captions"`
}

// fetchPlayer calls the innertube /player endpoint with the given client
// identity and returns the decoded response.
func fetchPlayer(ctx context.Context, httpClient *http.Client, baseURL, videoID string, ident innertubeClient) (*playerResponse, error) {
	reqBody := innertubeRequest{VideoID: videoID}
	reqBody.Context.Client = ident
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, subtitle.E(subtitle.KindInternal, "encode player request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/youtubei/v1/player?prettyPrint=false", bytes.NewReader(payload))
	if err != nil {
		return nil, subtitle.E(subtitle.KindInternal, "build player request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgentFor(ident))

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError("player request", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, "player endpoint"); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError("read player response", err)
	}

	var pr playerResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, subtitle.E(subtitle.KindUpstreamTransient, "decode player response", err)
	}
	return &pr, nil
}

func userAgentFor(ident innertubeClient) string {
	if ident.ClientName == "ANDROID" {
		return "com.google.android.youtube/" + ident.ClientVersion + " (Linux; U; Android 11) gzip"
	}
	return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
}

// tracksFor validates playability and returns the caption tracks.
func tracksFor(pr *playerResponse) ([]captionTrack, error) {
	switch pr.PlayabilityStatus.Status {
	case "", "OK":
	case "LOGIN_REQUIRED":
		// Datacenter IPs get LOGIN_REQUIRED even for public videos; a proxy
		// or the other engine may still succeed.
		return nil, subtitle.E(subtitle.KindUpstreamBlocked, "player requires login: "+pr.PlayabilityStatus.Reason, nil)
	case "ERROR", "UNPLAYABLE":
		return nil, subtitle.E(subtitle.KindVideoUnavailable, "video unavailable: "+pr.PlayabilityStatus.Reason, nil)
	default:
		return nil, subtitle.E(subtitle.KindUpstreamTransient, "unexpected playability "+pr.PlayabilityStatus.Status, nil)
	}
	tracks := pr.Captions.Renderer.CaptionTracks
	if len(tracks) == 0 {
		return nil, subtitle.E(subtitle.KindSubtitlesDisabled, "no caption tracks published", nil)
	}
	return tracks, nil
}

// pickTrack selects the track for the requested language: a manual track
// before an auto-generated one, exact tag match before a primary-subtag
// match. An absent language is a terminal failure.
func pickTrack(tracks []captionTrack, language string) (captionTrack, error) {
	want := strings.ToLower(language)
	base := want
	if i := strings.IndexByte(base, '-'); i > 0 {
		base = base[:i]
	}

	type matcher func(captionTrack) bool
	exact := func(t captionTrack) bool { return strings.ToLower(t.LanguageCode) == want }
	prefix := func(t captionTrack) bool {
		code := strings.ToLower(t.LanguageCode)
		return code == base || strings.HasPrefix(code, base+"-")
	}

	for _, m := range []matcher{exact, prefix} {
		for _, t := range tracks {
			if t.Kind != "asr" && m(t) {
				return t, nil
			}
		}
		for _, t := range tracks {
			if m(t) {
				return t, nil
			}
		}
	}
	return captionTrack{}, subtitle.E(subtitle.KindLanguageUnavailable,
		fmt.Sprintf("no %s caption track among %d published", language, len(tracks)), nil)
}

// classifyStatus maps upstream HTTP status codes onto the error taxonomy.
func classifyStatus(code int, where string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusForbidden || code == http.StatusTooManyRequests:
		return subtitle.E(subtitle.KindUpstreamBlocked, fmt.Sprintf("%s returned %d", where, code), nil)
	case code == http.StatusNotFound:
		return subtitle.E(subtitle.KindVideoUnavailable, fmt.Sprintf("%s returned 404", where), nil)
	case code >= 500:
		return subtitle.E(subtitle.KindUpstreamTransient, fmt.Sprintf("%s returned %d", where, code), nil)
	default:
		return subtitle.E(subtitle.KindUpstreamTransient, fmt.Sprintf("%s returned unexpected %d", where, code), nil)
	}
}

// classifyTransportError maps connection resets and timeouts onto the
// transient kind; context cancellation passes through for the budget check.
func classifyTransportError(where string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return subtitle.E(subtitle.KindUpstreamTransient, where+" deadline elapsed", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return subtitle.E(subtitle.KindUpstreamTransient, where+" timed out", err)
	}
	return subtitle.E(subtitle.KindUpstreamTransient, where+" failed", err)
}

// fetchTrackBody downloads a caption track URL.
func fetchTrackBody(ctx context.Context, httpClient *http.Client, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, subtitle.E(subtitle.KindInternal, "build track request", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError("track download", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode, "track download"); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError("read track body", err)
	}
	return body, nil
}
