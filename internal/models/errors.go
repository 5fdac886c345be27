package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors
var (
	// ErrAlreadyLinked: lost a create race; a link for the (local id,
	// partner) pair already exists. Caller re-reads the link and proceeds
	// as an update.
	ErrAlreadyLinked = errors.New("sync link already exists")

	// ErrVersionConflict: an optimistic-concurrency check failed; the
	// stored remote version no longer matches the expected token.
	ErrVersionConflict = errors.New("remote version conflict")

	// ErrAlreadyResolved: double-resolution attempt on a conflict; the
	// original resolution stands.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrManualResolutionRequired: the policy for the conflicting field
	// requires a human decision.
	ErrManualResolutionRequired = errors.New("manual resolution required")

	ErrLinkNotFound     = errors.New("sync link not found")
	ErrConflictNotFound = errors.New("conflict not found")
	ErrRecordNotFound   = errors.New("record not found")
)

// FieldViolation names one field that failed a partner's checklist.
type FieldViolation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (v FieldViolation) String() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Reason)
}

// ValidationError reports every missing or invalid field found by a
// partner's required-field checklist. Not retryable; the record must be
// corrected at the source.
type ValidationError struct {
	Partner    Partner
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return fmt.Sprintf("%s validation failed: %s", e.Partner, strings.Join(parts, "; "))
}

// ImmutableFieldError reports an attempted mutation of a field the partner
// has frozen after submission. Distinct from ValidationError so callers can
// notify instead of failing silently.
type ImmutableFieldError struct {
	Partner      Partner
	Fields       []string
	ReviewStatus string
}

func (e *ImmutableFieldError) Error() string {
	return fmt.Sprintf("%s forbids changing %s while the record is %q",
		e.Partner, strings.Join(e.Fields, ", "), e.ReviewStatus)
}

// TransientError wraps a retryable failure from an external call: a timeout,
// a 5xx, or a rate-limit signal. RetryAfter is honored when the remote set
// one.
type TransientError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether the error (anywhere in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// RetryAfter extracts a remote-requested backoff from the error chain, or
// zero when none was signaled.
func RetryAfter(err error) time.Duration {
	var te *TransientError
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}

// APIError is a non-transient failure response from an external API.
type APIError struct {
	System     string `json:"system"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.System, e.StatusCode, e.Message)
}
