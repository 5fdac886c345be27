package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
)

// Retrier executes calls with bounded exponential backoff. Only transient
// failures are retried; validation errors, immutable-field errors, and other
// non-transient API failures surface immediately.
type Retrier struct {
	MaxAttempts int
	Delay       time.Duration
	Logger      *events.Logger
}

// Do runs fn up to MaxAttempts times. A remote-requested backoff
// (Retry-After) overrides the computed delay for that round.
func (r *Retrier) Do(ctx context.Context, op string, fn func() error) error {
	delay := r.Delay
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := delay
			if after := models.RetryAfter(lastErr); after > 0 {
				wait = after
			}
			r.Logger.WithFields(map[string]interface{}{
				"op":      op,
				"attempt": attempt,
				"delay":   wait.String(),
			}).Debug("Retrying")

			select {
			case <-time.After(wait):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !models.IsTransient(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%s: retries exhausted: %w", op, lastErr)
}

// StatusError maps an HTTP response status to the engine's error taxonomy:
// 429 and 5xx become TransientError (with any Retry-After honored), 412 and
// 409 become ErrVersionConflict, and everything else a terminal APIError.
// Returns nil for 2xx.
func StatusError(system, op string, resp *http.Response, message string) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusPreconditionFailed || status == http.StatusConflict:
		return models.ErrVersionConflict
	case status == http.StatusTooManyRequests || status >= 500:
		return &models.TransientError{
			Op:         op,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        &models.APIError{System: system, StatusCode: status, Message: message},
		}
	default:
		return &models.APIError{System: system, StatusCode: status, Message: message}
	}
}

// ValidateStatus adapts StatusError into a response validator for the
// requests builder. On failure it consumes up to 2 KiB of the body for the
// error message.
func ValidateStatus(system, op string) func(*http.Response) error {
	return func(resp *http.Response) error {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return StatusError(system, op, resp, strings.TrimSpace(string(body)))
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
