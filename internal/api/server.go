// Package api exposes the HTTP interface for the subtitle service. Handlers
// are deliberately thin: decode, call the admission orchestrator, encode.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/7and1/youtube-subtitle-api/internal/admission"
	"github.com/7and1/youtube-subtitle-api/internal/config"
	"github.com/7and1/youtube-subtitle-api/internal/coordinator"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/ratelimit"
	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

// Server wires HTTP handlers to the admission orchestrator.
type Server struct {
	router chi.Router
	orch   *admission.Orchestrator
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(orch *admission.Orchestrator, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{orch: orch, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/subtitles", s.submit)
		r.Post("/subtitles/batch", s.submitBatch)
		r.Get("/subtitles/{videoID}", s.lookupCached)
		r.Get("/jobs/{jobID}", s.jobStatus)

		r.Route("/admin", func(r chi.Router) {
			r.Use(adminKeyMiddleware(s.cfg.Auth.AdminKey))
			r.Post("/cache/clear", s.clearCache)
			r.Delete("/cache/{videoID}", s.clearVideoCache)
			r.Get("/queue/stats", s.queueStats)
			r.Get("/rate-limit/{principal}", s.rateLimitStats)
			r.Delete("/rate-limit/{principal}", s.rateLimitReset)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	VideoID    string `json:"video_id"`
	VideoURL   string `json:"video_url"`
	Language   string `json:"language"`
	CleanForAI *bool  `json:"clean_for_ai"`
	WebhookURL string `json:"webhook_url"`
}

func (r submitRequest) videoRef() string {
	if r.VideoID != "" {
		return r.VideoID
	}
	return r.VideoURL
}

func (r submitRequest) clean() bool {
	if r.CleanForAI == nil {
		return true
	}
	return *r.CleanForAI
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, subtitle.E(subtitle.KindInvalidInput, "malformed request body", err))
		return
	}

	res, err := s.orch.Submit(r.Context(), admission.SubmitRequest{
		VideoRef:   req.videoRef(),
		Language:   req.Language,
		Clean:      req.clean(),
		WebhookURL: req.WebhookURL,
		Principal:  principalFor(r),
	})
	writeRateLimitHeaders(w, res.Decision)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Queued {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status": "queued",
			"job_id": res.JobID,
		})
		return
	}
	writeJSON(w, http.StatusOK, res.Artifact)
}

func (s *Server) lookupCached(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")
	language := r.URL.Query().Get("language")
	clean := true
	if raw := r.URL.Query().Get("clean"); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			clean = parsed
		}
	}

	art, decision, err := s.orch.LookupCached(r.Context(), videoID, language, clean, principalFor(r))
	writeRateLimitHeaders(w, decision)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if art == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_cached"})
		return
	}
	writeJSON(w, http.StatusOK, art)
}

type batchRequest struct {
	VideoIDs   []string `json:"video_ids"`
	Language   string   `json:"language"`
	CleanForAI *bool    `json:"clean_for_ai"`
	WebhookURL string   `json:"webhook_url"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, subtitle.E(subtitle.KindInvalidInput, "malformed request body", err))
		return
	}
	clean := true
	if req.CleanForAI != nil {
		clean = *req.CleanForAI
	}

	res, err := s.orch.SubmitBatch(r.Context(), req.VideoIDs, req.Language, clean, req.WebhookURL, principalFor(r))
	writeRateLimitHeaders(w, res.Decision)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":   res.Items,
		"cached":  res.Cached,
		"queued":  res.Queued,
		"invalid": res.Invalid,
	})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, art, found, err := s.orch.JobStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"job_id": jobID,
			"status": "not_found",
		})
		return
	}
	payload := map[string]any{
		"job_id":                  job.ID,
		"status":                  job.Status,
		"enqueued_at":             job.EnqueuedAt,
		"webhook_delivery_status": job.WebhookDelivery,
		"attempts":                job.Attempts,
	}
	if job.EndedAt != nil {
		payload["ended_at"] = job.EndedAt
	}
	if job.ErrorKind != subtitle.KindNone {
		payload["error"] = map[string]string{
			"kind": string(job.ErrorKind),
			"hint": job.ErrorHint,
		}
	}
	if art != nil {
		payload["result"] = art
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) clearCache(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := admission.ClearCacheOptions{
		Scope:      coordinator.Scope(q.Get("scope")),
		PurgeDB:    q.Get("purge_db") == "true",
		CancelJobs: q.Get("cancel_jobs") == "true",
	}
	if videoID := q.Get("video_id"); videoID != "" {
		if language := q.Get("language"); language != "" {
			clean := q.Get("clean") != "false"
			f, err := subtitle.Canonicalise(videoID, language, clean)
			if err != nil {
				writeError(w, r, err)
				return
			}
			opts.Fingerprint = &f
		} else {
			opts.VideoID = videoID
		}
	}

	res, err := s.orch.ClearCache(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) clearVideoCache(w http.ResponseWriter, r *http.Request) {
	res, err := s.orch.ClearCache(r.Context(), admission.ClearCacheOptions{
		VideoID: chi.URLParam(r, "videoID"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	report, err := s.orch.QueueStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) rateLimitStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orch.RateLimitStats(r.Context(), chi.URLParam(r, "principal"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) rateLimitReset(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.orch.RateLimitReset(r.Context(), chi.URLParam(r, "principal"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// principalFor identifies the caller: API key when present, client address
// otherwise.
func principalFor(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit == 0 && d.ResetAt.IsZero() {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter/time.Second)))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := subtitle.KindOf(err)
	status := statusFor(kind)
	body := map[string]any{
		"error": map[string]string{
			"kind": string(kind),
			"hint": hintFor(err),
		},
	}
	if id := requestIDFrom(r.Context()); id != "" {
		body["request_id"] = id
	}
	writeJSON(w, status, body)
}

func statusFor(kind subtitle.Kind) int {
	switch kind {
	case subtitle.KindInvalidInput:
		return http.StatusBadRequest
	case subtitle.KindRateLimited:
		return http.StatusTooManyRequests
	case subtitle.KindServiceUnavailable, subtitle.KindDependencyDown:
		return http.StatusServiceUnavailable
	case subtitle.KindVideoUnavailable, subtitle.KindLanguageUnavailable, subtitle.KindSubtitlesDisabled:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func hintFor(err error) string {
	var se *subtitle.Error
	if errors.As(err, &se) {
		return se.Hint
	}
	return "internal error"
}
