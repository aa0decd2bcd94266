// Package metrics exposes Prometheus collectors for the subtitle service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cacheHitsTotal             *prometheus.CounterVec
	cacheMissesTotal           prometheus.Counter
	extractionRequestsTotal    *prometheus.CounterVec
	extractionSuccessTotal     *prometheus.CounterVec
	extractionFailureTotal     *prometheus.CounterVec
	extractionDurationSeconds  *prometheus.HistogramVec
	queueDepth                 prometheus.Gauge
	activeWorkers              prometheus.Gauge
	jobsTotal                  *prometheus.CounterVec
	webhookDeliveriesTotal     *prometheus.CounterVec
	rateLimitDecisionsTotal    *prometheus.CounterVec
	proxySelectionsTotal       *prometheus.CounterVec
	singleFlightFollowersTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		cacheHitsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subtitle_cache_hits_total",
				Help: "Total cache hits, labeled by tier (memory, redis, postgres).",
			},
			[]string{"tier"},
		)

		cacheMissesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "subtitle_cache_misses_total",
				Help: "Total lookups that missed every tier.",
			},
		)

		extractionRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subtitle_extraction_requests_total",
				Help: "Total extraction admissions, labeled by endpoint.",
			},
			[]string{"endpoint"},
		)

		extractionSuccessTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subtitle_extraction_success_total",
				Help: "Successful extractions, labeled by engine.",
			},
			[]string{"engine"},
		)

		extractionFailureTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subtitle_extraction_failure_total",
				Help: "Failed extractions, labeled by error kind.",
			},
			[]string{"kind"},
		)

		extractionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "subtitle_extraction_duration_seconds",
				Help:    "Histogram of full-ladder extraction durations, labeled by engine.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"engine"},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "subtitle_queue_depth",
				Help: "Current number of queued extraction jobs.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "subtitle_active_workers",
				Help: "Number of worker slots currently processing a job.",
			},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subtitle_jobs_total",
				Help: "Total jobs reaching a terminal state, labeled by status.",
			},
			[]string{"status"},
		)

		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subtitle_webhook_deliveries_total",
				Help: "Webhook delivery outcomes, labeled by status (delivered, failed).",
			},
			[]string{"status"},
		)

		rateLimitDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subtitle_rate_limit_decisions_total",
				Help: "Rate limiter outcomes, labeled by decision (allow, deny, error).",
			},
			[]string{"decision"},
		)

		proxySelectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "subtitle_proxy_selections_total",
				Help: "Proxy attempts, labeled by outcome (success, failure).",
			},
			[]string{"outcome"},
		)

		singleFlightFollowersTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "subtitle_single_flight_followers_total",
				Help: "Admissions that joined an in-flight extraction instead of starting one.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCacheHit increments the per-tier hit counter.
func ObserveCacheHit(tier string) {
	cacheHitsTotal.WithLabelValues(tier).Inc()
}

// ObserveCacheMiss increments the all-tier miss counter.
func ObserveCacheMiss() {
	cacheMissesTotal.Inc()
}

// ObserveExtractionRequest counts an admission by endpoint.
func ObserveExtractionRequest(endpoint string) {
	extractionRequestsTotal.WithLabelValues(endpoint).Inc()
}

// ObserveExtractionSuccess records a completed extraction.
func ObserveExtractionSuccess(engine string, duration time.Duration) {
	extractionSuccessTotal.WithLabelValues(engine).Inc()
	extractionDurationSeconds.WithLabelValues(engine).Observe(duration.Seconds())
}

// ObserveExtractionFailure records a terminal extraction failure.
func ObserveExtractionFailure(kind string) {
	extractionFailureTotal.WithLabelValues(kind).Inc()
}

// SetQueueDepth publishes the current queue depth.
func SetQueueDepth(n int64) {
	queueDepth.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveJob increments the terminal job counter for the given status.
func ObserveJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveWebhookDelivery records a webhook outcome.
func ObserveWebhookDelivery(status string) {
	webhookDeliveriesTotal.WithLabelValues(status).Inc()
}

// ObserveRateLimitDecision records an allow/deny/error decision.
func ObserveRateLimitDecision(decision string) {
	rateLimitDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveProxySelection records a proxied attempt outcome.
func ObserveProxySelection(outcome string) {
	proxySelectionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSingleFlightFollower counts a follower admission.
func ObserveSingleFlightFollower() {
	singleFlightFollowersTotal.Inc()
}
