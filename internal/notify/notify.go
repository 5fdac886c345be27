// Package notify delivers operator notifications for events that need a
// human: detected conflicts, blocked immutable-field updates, exhausted
// retries. Delivery is fire-and-forget; a dead notification channel never
// blocks or fails a sync round.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/carlmjohnson/requests"

	"github.com/TheMichaelB/dealsync/internal/config"
	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
)

// Kind classifies a notification.
type Kind string

const (
	KindConflict       Kind = "conflict_detected"
	KindImmutableField Kind = "immutable_field_blocked"
	KindSyncFailed     Kind = "sync_failed"
	KindResolved       Kind = "conflict_resolved"
)

// Notification is one operator-facing event.
type Notification struct {
	Kind       Kind           `json:"kind"`
	LocalID    string         `json:"local_id"`
	Partner    models.Partner `json:"partner,omitempty"`
	Message    string         `json:"message"`
	ConflictID string         `json:"conflict_id,omitempty"`
	Fields     []string       `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Notifier delivers notifications. Implementations must be safe for
// concurrent use and must never block the caller beyond their own timeout.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the structured log. Always configured;
// the webhook sink is layered on top when a URL is set.
type LogNotifier struct {
	logger *events.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *events.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.WithField("component", "notify")}
}

func (n *LogNotifier) Notify(_ context.Context, notification Notification) {
	logger := n.logger.WithFields(map[string]interface{}{
		"kind":     string(notification.Kind),
		"local_id": notification.LocalID,
		"partner":  string(notification.Partner),
	})
	if notification.ConflictID != "" {
		logger = logger.WithField("conflict_id", notification.ConflictID)
	}
	logger.Warn(notification.Message)
}

// WebhookNotifier POSTs notifications to an operator webhook. Failures are
// logged and dropped.
type WebhookNotifier struct {
	url     string
	timeout time.Duration
	logger  *events.Logger
}

// NewWebhookNotifier creates a webhook notifier from configuration.
func NewWebhookNotifier(cfg config.NotifyConfig, logger *events.Logger) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:     cfg.WebhookURL,
		timeout: timeout,
		logger:  logger.WithField("component", "webhook_notify"),
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, notification Notification) {
	// Detach from the caller's deadline; the sync round should not wait on
	// notification delivery.
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()

		err := requests.URL(n.url).
			BodyJSON(notification).
			Fetch(ctx)
		if err != nil {
			n.logger.WithError(err).WithField("kind", string(notification.Kind)).
				Warn("Notification delivery failed")
		}
	}()
}

// Multi fans one notification out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, notifier := range m {
		notifier.Notify(ctx, n)
	}
}

// ForConflict builds the notification for a freshly detected conflict.
func ForConflict(c *models.ConflictRecord) Notification {
	return Notification{
		Kind:       KindConflict,
		LocalID:    c.LocalID,
		Partner:    c.Partner,
		ConflictID: c.ID,
		Fields:     []string{c.Field},
		Message: fmt.Sprintf("conflict on %s: local %q vs remote %q",
			c.Field, c.LocalValue, c.RemoteValue),
		OccurredAt: c.DetectedAt,
	}
}

// ForImmutable builds the notification for a blocked immutable-field change.
func ForImmutable(localID string, err *models.ImmutableFieldError) Notification {
	return Notification{
		Kind:       KindImmutableField,
		LocalID:    localID,
		Partner:    err.Partner,
		Fields:     err.Fields,
		Message:    err.Error(),
		OccurredAt: time.Now().UTC(),
	}
}
