// Package retry provides the single backoff policy shared by the extractor
// ladder and the webhook dispatcher.
package retry

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// Classifier decides whether an error is worth another attempt.
type Classifier func(err error) bool

// Policy implements bounded attempts with exponential backoff. Jittered
// policies draw the full-jitter uniform wait; deterministic policies wait
// the exact exponential delay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	Retryable   Classifier
}

// New builds a full-jitter policy. A nil classifier retries every error.
func New(maxAttempts int, base, cap time.Duration, retryable Classifier) *Policy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    cap,
		Jitter:      true,
		Retryable:   retryable,
	}
}

// NewFixed builds a deterministic policy for fixed schedules (webhook
// delivery retries at exact intervals).
func NewFixed(maxAttempts int, base, cap time.Duration, retryable Classifier) *Policy {
	p := New(maxAttempts, base, cap, retryable)
	p.Jitter = false
	return p
}

// ShouldRetry reports whether attempt (0-based, already failed) may be
// followed by another.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	if attempt+1 >= p.MaxAttempts {
		return false
	}
	if p.Retryable != nil && !p.Retryable(err) {
		return false
	}
	return true
}

// Backoff returns the wait before attempt+1: min(cap, base*2^attempt),
// drawn uniformly from [0, ceiling) when jitter is on.
func (p *Policy) Backoff(attempt int) time.Duration {
	ceiling := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if ceiling > float64(p.MaxDelay) {
		ceiling = float64(p.MaxDelay)
	}
	if !p.Jitter {
		return time.Duration(ceiling)
	}
	return randomBelow(time.Duration(ceiling))
}

// Sleep waits for the attempt's backoff or until ctx is done.
func (p *Policy) Sleep(ctx context.Context, attempt int) error {
	delay := p.Backoff(attempt)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomBelow(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
