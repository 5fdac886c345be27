package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChangeEvent is an inbound change notification for a CRM record. Events
// arrive at least once, not exactly once; the sync tracker treats duplicate
// deliveries as ordinary idempotent retries. The engine does not know or
// care whether the event arrived via webhook or poll.
type ChangeEvent struct {
	EventID       string    `json:"event_id"`
	RecordID      string    `json:"record_id"`
	ChangedFields []string  `json:"changed_fields"`
	OccurredAt    time.Time `json:"occurred_at"`

	// Attempt counts prior deliveries of the same event, when the
	// transport exposes it.
	Attempt int `json:"attempt,omitempty"`
}

// NewChangeEvent builds an event with a fresh id.
func NewChangeEvent(recordID string, changed []string, occurredAt time.Time) ChangeEvent {
	return ChangeEvent{
		EventID:       uuid.NewString(),
		RecordID:      recordID,
		ChangedFields: changed,
		OccurredAt:    occurredAt,
	}
}

// Validate checks the event's required attributes.
func (e ChangeEvent) Validate() error {
	if strings.TrimSpace(e.RecordID) == "" {
		return fmt.Errorf("record id is required")
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("occurrence time is required")
	}
	return nil
}

// LocalVersion derives the idempotency version component from the event's
// occurrence time. Retried deliveries of the same change carry the same
// occurrence time and therefore the same version.
func (e ChangeEvent) LocalVersion() string {
	return fmt.Sprintf("%d", e.OccurredAt.UnixMilli())
}

// Source delivers inbound change notifications. Webhook receivers and
// pollers both satisfy this interface; consumers never distinguish them.
type Source interface {
	// Next blocks until an event is available or the context is done.
	Next(ctx context.Context) (ChangeEvent, error)
}
