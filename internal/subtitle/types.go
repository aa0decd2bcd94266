// Package subtitle defines the value types shared across the pipeline:
// fingerprints, extracted artifacts, job records and the error taxonomy.
package subtitle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Engine identifies which extraction engine produced an artifact.
type Engine string

const (
	EnginePrimary  Engine = "primary"
	EngineFallback Engine = "fallback"
)

// Segment is one timed caption line.
type Segment struct {
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// Fingerprint identifies a unique artifact. It is the sole cache key; tier
// keys derive from its stable string encoding.
type Fingerprint struct {
	VideoID  string `json:"video_id"`
	Language string `json:"language"`
	Clean    bool   `json:"clean"`
}

// Key returns the stable string encoding used to derive tier keys. Equal
// fingerprints encode byte-for-byte equal.
func (f Fingerprint) Key() string {
	mode := "raw"
	if f.Clean {
		mode = "clean"
	}
	return fmt.Sprintf("%s:%s:%s", f.VideoID, f.Language, mode)
}

func (f Fingerprint) String() string {
	return f.Key()
}

// Artifact is the committed extraction result for a fingerprint. It is
// immutable once persisted.
type Artifact struct {
	Fingerprint  Fingerprint `json:"fingerprint"`
	Title        string      `json:"title,omitempty"`
	EngineUsed   Engine      `json:"engine_used"`
	Segments     []Segment   `json:"segments"`
	PlainText    string      `json:"plain_text,omitempty"`
	DurationMS   int64       `json:"extraction_duration_ms"`
	ProxyUsed    string      `json:"proxy_used,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	Integrity    string      `json:"integrity"`
	Cached       bool        `json:"cached,omitempty"`
	CacheTier    string      `json:"cache_tier,omitempty"`
	SegmentCount int         `json:"segment_count"`
}

// ComputeIntegrity hashes the ordered segments for change detection. The
// result is stable across encode/decode round trips.
func (a *Artifact) ComputeIntegrity() string {
	h := sha256.New()
	for _, s := range a.Segments {
		b, _ := json.Marshal(s)
		h.Write(b)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Expired reports whether the artifact's tier policy window has passed.
func (a *Artifact) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && now.After(a.ExpiresAt)
}

// JobStatus is the lifecycle of an extraction job. Transitions are
// monotonic: queued -> running -> {finished, failed}.
type JobStatus string

const (
	JobQueued   JobStatus = "queued"
	JobRunning  JobStatus = "running"
	JobFinished JobStatus = "finished"
	JobFailed   JobStatus = "failed"
)

// Terminal reports whether s is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobFinished || s == JobFailed
}

// WebhookStatus tracks delivery of the completion notification.
type WebhookStatus string

const (
	WebhookNone      WebhookStatus = "none"
	WebhookPending   WebhookStatus = "pending"
	WebhookDelivered WebhookStatus = "delivered"
	WebhookFailed    WebhookStatus = "failed"
)

// Job is the durable record of one extraction request.
type Job struct {
	ID              string        `json:"job_id"`
	Fingerprint     Fingerprint   `json:"fingerprint"`
	Status          JobStatus     `json:"status"`
	EnqueuedAt      time.Time     `json:"enqueued_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	ErrorKind       Kind          `json:"error_kind,omitempty"`
	ErrorHint       string        `json:"error_hint,omitempty"`
	WebhookURL      string        `json:"webhook_url,omitempty"`
	WebhookDelivery WebhookStatus `json:"webhook_delivery_status"`
	Attempts        int           `json:"attempts"`
}
