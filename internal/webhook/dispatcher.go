// Package webhook delivers signed job-completion notifications. Deliveries
// are handed off to a small dispatch pool so the worker loop never blocks on
// a slow receiver; each delivery retries on a fixed schedule and records its
// outcome on the job.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/7and1/youtube-subtitle-api/internal/clock"
	"github.com/7and1/youtube-subtitle-api/internal/metrics"
	"github.com/7and1/youtube-subtitle-api/internal/retry"
	"github.com/7and1/youtube-subtitle-api/internal/subtitle"
)

const (
	// SignatureHeader carries "sha256=<hex>" over body||"."||timestamp.
	SignatureHeader = "X-Webhook-Signature"
	// TimestampHeader carries the RFC3339 UTC timestamp the MAC covers.
	TimestampHeader = "X-Webhook-Timestamp"

	eventJobCompleted = "job.completed"
)

// Recorder persists the delivery outcome on a job record. Both the durable
// store and the queue snapshot implement it.
type Recorder interface {
	UpdateWebhookDelivery(ctx context.Context, jobID string, status subtitle.WebhookStatus) error
}

// Delivery is one notification to send.
type Delivery struct {
	Job      *subtitle.Job
	Artifact *subtitle.Artifact
}

// Payload is the wire body POSTed to receivers.
type Payload struct {
	Event       string               `json:"event"`
	JobID       string               `json:"job_id"`
	Fingerprint subtitle.Fingerprint `json:"fingerprint"`
	Status      string               `json:"status"`
	Result      *subtitle.Artifact   `json:"result,omitempty"`
	Error       string               `json:"error,omitempty"`
	Timestamp   string               `json:"timestamp"`
}

// Config controls delivery behavior.
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	Secret         string
	PoolSize       int
	QueueDepth     int
	HandoffTimeout time.Duration
}

// Dispatcher runs the dispatch pool.
type Dispatcher struct {
	client    *http.Client
	cfg       Config
	policy    *retry.Policy
	recorders []Recorder
	clock     clock.Clock
	logger    *zap.Logger

	deliveries chan Delivery
	wg         sync.WaitGroup
}

// New constructs a Dispatcher. Recorders receive the delivery outcome in
// order; a failing recorder is logged, not fatal.
func New(cfg Config, recorders []Recorder, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.HandoffTimeout <= 0 {
		cfg.HandoffTimeout = time.Second
	}
	return &Dispatcher{
		client:     &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		policy:     retry.NewFixed(cfg.MaxRetries, time.Second, 2*time.Second, nil),
		recorders:  recorders,
		clock:      clk,
		logger:     logger,
		deliveries: make(chan Delivery, cfg.QueueDepth),
	}
}

// Start launches the dispatch pool. Workers drain until ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.PoolSize; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case delivery := <-d.deliveries:
					d.deliver(ctx, delivery)
				}
			}
		}()
	}
}

// Wait blocks until the pool has drained after Start's context ended.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch hands a terminal job to the pool. The hand-off is bounded: a full
// pool past the timeout records the delivery as failed rather than blocking
// the worker loop.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery Delivery) bool {
	if delivery.Job == nil || delivery.Job.WebhookURL == "" {
		return true
	}
	if !delivery.Job.Status.Terminal() {
		d.logger.Warn("refusing webhook for non-terminal job",
			zap.String("job_id", delivery.Job.ID),
			zap.String("status", string(delivery.Job.Status)),
		)
		return false
	}
	timer := time.NewTimer(d.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case d.deliveries <- delivery:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		d.logger.Error("webhook hand-off timed out, recording failure",
			zap.String("job_id", delivery.Job.ID),
		)
		d.record(ctx, delivery.Job.ID, subtitle.WebhookFailed)
		return false
	}
}

func (d *Dispatcher) deliver(ctx context.Context, delivery Delivery) {
	job := delivery.Job
	if err := validateURL(job.WebhookURL); err != nil {
		d.logger.Error("invalid webhook url",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		d.record(ctx, job.ID, subtitle.WebhookFailed)
		return
	}

	body, err := json.Marshal(d.payloadFor(delivery))
	if err != nil {
		d.logger.Error("webhook payload encode failed", zap.String("job_id", job.ID), zap.Error(err))
		d.record(ctx, job.ID, subtitle.WebhookFailed)
		return
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := d.policy.Sleep(ctx, attempt-1); err != nil {
				lastErr = err
				break
			}
		}
		status, err := d.post(ctx, job.WebhookURL, body)
		if err == nil && status >= 200 && status < 300 {
			d.logger.Info("webhook delivered",
				zap.String("job_id", job.ID),
				zap.Int("attempt", attempt+1),
			)
			metrics.ObserveWebhookDelivery("delivered")
			d.record(ctx, job.ID, subtitle.WebhookDelivered)
			return
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("receiver returned %d", status)
		}
		d.logger.Warn("webhook attempt failed",
			zap.String("job_id", job.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	d.logger.Error("webhook delivery failed",
		zap.String("job_id", job.ID),
		zap.Int("attempts", d.cfg.MaxRetries),
		zap.Error(lastErr),
	)
	metrics.ObserveWebhookDelivery("failed")
	d.record(ctx, job.ID, subtitle.WebhookFailed)
}

func (d *Dispatcher) payloadFor(delivery Delivery) Payload {
	job := delivery.Job
	payload := Payload{
		Event:       eventJobCompleted,
		JobID:       job.ID,
		Fingerprint: job.Fingerprint,
		Status:      string(job.Status),
		Timestamp:   d.clock.Now().Format(time.RFC3339),
	}
	if job.Status == subtitle.JobFinished {
		payload.Result = delivery.Artifact
	} else {
		payload.Error = string(job.ErrorKind)
		if job.ErrorHint != "" {
			payload.Error = string(job.ErrorKind) + ": " + job.ErrorHint
		}
	}
	return payload
}

func (d *Dispatcher) post(ctx context.Context, target string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	timestamp := d.clock.Now().UTC().Format(time.RFC3339)
	req.Header.Set(TimestampHeader, timestamp)
	if d.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(d.cfg.Secret, body, timestamp))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Dispatcher) record(ctx context.Context, jobID string, status subtitle.WebhookStatus) {
	for _, r := range d.recorders {
		if err := r.UpdateWebhookDelivery(ctx, jobID, status); err != nil {
			d.logger.Warn("webhook status write failed",
				zap.String("job_id", jobID),
				zap.String("status", string(status)),
				zap.Error(err),
			)
		}
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url scheme %q not allowed", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url missing host")
	}
	return nil
}

// Sign computes the signature header value: sha256=<hex> of
// HMAC-SHA256(secret, body || "." || timestamp).
func Sign(secret string, body []byte, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	mac.Write([]byte("."))
	mac.Write([]byte(timestamp))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature in constant time. Receivers use this to
// authenticate payloads.
func Verify(secret string, body []byte, timestamp, signature string) bool {
	expected := Sign(secret, body, timestamp)
	return hmac.Equal([]byte(expected), []byte(signature))
}
