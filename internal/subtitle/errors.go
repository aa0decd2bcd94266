package subtitle

import (
	"errors"
	"fmt"
)

// Kind is the stable error taxonomy shared by admission, extraction and job
// records. Kinds are persisted, so values never change.
type Kind string

const (
	KindNone                Kind = ""
	KindInvalidInput        Kind = "invalid_input"
	KindRateLimited         Kind = "rate_limited"
	KindVideoUnavailable    Kind = "video_unavailable"
	KindSubtitlesDisabled   Kind = "subtitles_disabled"
	KindLanguageUnavailable Kind = "language_unavailable"
	KindUpstreamBlocked     Kind = "upstream_blocked"
	KindUpstreamTransient   Kind = "upstream_transient"
	KindDependencyDown      Kind = "dependency_down"
	KindServiceUnavailable  Kind = "service_unavailable"
	KindInternal            Kind = "internal"
)

// Error carries a stable kind, a human hint, and a correlation id suitable
// for end-to-end tracing.
type Error struct {
	Kind          Kind
	Hint          string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Hint, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Hint)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an Error wrapping cause (which may be nil).
func E(kind Kind, hint string, cause error) *Error {
	return &Error{Kind: kind, Hint: hint, Err: cause}
}

// WithCorrelation returns a copy of the error tagged with a correlation id.
func (e *Error) WithCorrelation(id string) *Error {
	clone := *e
	clone.CorrelationID = id
	return &clone
}

// KindOf extracts the Kind from err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// Retryable reports whether the extractor ladder may keep trying after an
// attempt failed with this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindUpstreamTransient, KindUpstreamBlocked:
		return true
	default:
		return false
	}
}

// Terminal reports whether a job outcome of this kind must not be retried by
// the worker.
func (k Kind) Terminal() bool {
	switch k {
	case KindVideoUnavailable, KindSubtitlesDisabled, KindLanguageUnavailable,
		KindUpstreamBlocked, KindInternal:
		return true
	default:
		return false
	}
}
