package extractor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/7and1/youtube-subtitle-api/internal/clock"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/proxy"
	"github.com/7and1/youtube-subtitle-api/internal/retry"
	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

// ProxySelector is the rotator surface the ladder needs.
type ProxySelector interface {
	Select(ctx context.Context) (proxy.Proxy, bool)
	MarkSuccess(ctx context.Context, p proxy.Proxy)
	MarkFailure(ctx context.Context, p proxy.Proxy)
	Size() int
}

// Config bounds one extraction call.
type Config struct {
	Timeout       time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	OEmbedTimeout time.Duration
	UpstreamRPS   float64
	UpstreamBurst int
	OEmbedBaseURL string
}

// Result is the outcome of a successful ladder climb.
type Result struct {
	Title      string
	EngineUsed subtitle.Engine
	Segments   []subtitle.Segment
	ProxyUsed  string
	Duration   time.Duration
}

// Extractor runs the attempt ladder: primary direct, primary via proxy,
// fallback direct, fallback via proxy, under one wall-clock budget with
// jittered backoff between attempts. Non-retryable failures short-circuit.
type Extractor struct {
	primary  Engine
	fallback Engine
	rotator  ProxySelector
	policy   *retry.Policy
	throttle *rate.Limiter
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
}

// New constructs an Extractor.
func New(primary, fallback Engine, rotator ProxySelector, cfg Config, clk clock.Clock, logger *zap.Logger) *Extractor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 8 * time.Second
	}
	if cfg.OEmbedTimeout <= 0 {
		cfg.OEmbedTimeout = 5 * time.Second
	}
	throttleRate := rate.Inf
	if cfg.UpstreamRPS > 0 {
		throttleRate = rate.Limit(cfg.UpstreamRPS)
	}
	burst := cfg.UpstreamBurst
	if burst <= 0 {
		burst = 1
	}
	policy := retry.New(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffCap, func(err error) bool {
		return subtitle.KindOf(err).Retryable()
	})
	return &Extractor{
		primary:  primary,
		fallback: fallback,
		rotator:  rotator,
		policy:   policy,
		throttle: rate.NewLimiter(throttleRate, burst),
		cfg:      cfg,
		clock:    clk,
		logger:   logger,
	}
}

type step struct {
	engine   Engine
	useProxy bool
}

// Extract climbs the ladder for one fingerprint. It returns a Result or an
// error whose kind is terminal for the job.
func (e *Extractor) Extract(ctx context.Context, f subtitle.Fingerprint) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	start := e.clock.Now()
	steps := e.ladder()

	var lastErr error
	for attempt, st := range steps {
		if attempt >= e.cfg.MaxAttempts {
			break
		}
		if err := e.throttle.Wait(ctx); err != nil {
			lastErr = subtitle.E(subtitle.KindUpstreamTransient, "extraction budget elapsed", err)
			break
		}

		var (
			prx    proxy.Proxy
			hasPrx bool
		)
		if st.useProxy {
			prx, hasPrx = e.rotator.Select(ctx)
			if !hasPrx {
				continue
			}
		}

		client, err := e.httpClient(prx.URL, hasPrx)
		if err != nil {
			lastErr = err
			continue
		}

		title, segments, err := st.engine.Fetch(ctx, client, f.VideoID, f.Language)
		if err == nil {
			if hasPrx {
				e.rotator.MarkSuccess(ctx, prx)
				metrics.ObserveProxySelection("success")
			}
			res := e.buildResult(ctx, st.engine.Name(), title, segments, prx, hasPrx, f)
			res.Duration = e.clock.Now().Sub(start)
			metrics.ObserveExtractionSuccess(string(res.EngineUsed), res.Duration)
			return res, nil
		}

		lastErr = err
		kind := subtitle.KindOf(err)
		if hasPrx {
			e.rotator.MarkFailure(ctx, prx)
			metrics.ObserveProxySelection("failure")
		}
		e.logger.Info("extraction attempt failed",
			zap.String("video_id", f.VideoID),
			zap.String("engine", string(st.engine.Name())),
			zap.Bool("proxied", hasPrx),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)

		if !kind.Retryable() {
			break
		}
		if !e.policy.ShouldRetry(err, attempt) {
			break
		}
		if err := e.policy.Sleep(ctx, attempt); err != nil {
			break
		}
	}

	if lastErr == nil {
		lastErr = subtitle.E(subtitle.KindUpstreamTransient, "no extraction attempt could run", nil)
	}
	kind := subtitle.KindOf(lastErr)
	if kind == subtitle.KindUpstreamTransient && ctx.Err() != nil {
		lastErr = subtitle.E(subtitle.KindUpstreamTransient, "extraction budget elapsed", ctx.Err())
	}
	metrics.ObserveExtractionFailure(string(subtitle.KindOf(lastErr)))
	return nil, lastErr
}

func (e *Extractor) ladder() []step {
	steps := []step{{engine: e.primary}}
	if e.rotator.Size() > 0 {
		steps = append(steps, step{engine: e.primary, useProxy: true})
	}
	steps = append(steps, step{engine: e.fallback})
	if e.rotator.Size() > 0 {
		steps = append(steps, step{engine: e.fallback, useProxy: true})
	}
	return steps
}

// httpClient builds a per-attempt client, proxied when requested. The
// overall deadline rides on the request context.
func (e *Extractor) httpClient(proxyURL string, useProxy bool) (*http.Client, error) {
	transport := &http.Transport{}
	if useProxy {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, subtitle.E(subtitle.KindInternal, "parse proxy url", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport}, nil
}

func (e *Extractor) buildResult(ctx context.Context, engine subtitle.Engine, title string, segments []subtitle.Segment, prx proxy.Proxy, proxied bool, f subtitle.Fingerprint) *Result {
	res := &Result{
		Title:      title,
		EngineUsed: engine,
		Segments:   segments,
	}
	if proxied {
		res.ProxyUsed = prx.ID
	}
	if res.Title == "" {
		res.Title = e.fetchOEmbedTitle(ctx, f.VideoID)
	}
	return res
}

// fetchOEmbedTitle is a best-effort title lookup with its own small budget.
func (e *Extractor) fetchOEmbedTitle(ctx context.Context, videoID string) string {
	base := e.cfg.OEmbedBaseURL
	if base == "" {
		base = defaultOEmbedBase
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.OEmbedTimeout)
	defer cancel()

	u := base + "/oembed?url=" + url.QueryEscape("https://www.youtube.com/watch?v="+videoID) + "&format=json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ""
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var payload struct {
		Title string `json:"title"`
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Title
}
