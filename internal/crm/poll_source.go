package crm

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/dealsync/internal/events"
)

// Poller is the slice of the CRM client the poll source needs.
type Poller interface {
	ModifiedSince(ctx context.Context, cutoff time.Time) ([]DealChange, error)
}

// PollSource turns CRM modification polling into a change-event stream. It is
// the fallback when webhooks are unavailable; both feed the same engine
// entrypoint.
type PollSource struct {
	poller   Poller
	interval time.Duration
	logger   *events.Logger

	cursor time.Time
	queue  []events.ChangeEvent
}

// NewPollSource creates a source that polls from the given start time.
func NewPollSource(poller Poller, interval time.Duration, start time.Time, logger *events.Logger) *PollSource {
	return &PollSource{
		poller:   poller,
		interval: interval,
		logger:   logger.WithField("component", "poll_source"),
		cursor:   start,
	}
}

// Next blocks until a change event is available or the context ends. Events
// drain in modification order; the cursor only advances past events already
// handed out, so a crash never skips a change.
func (s *PollSource) Next(ctx context.Context) (events.ChangeEvent, error) {
	for len(s.queue) == 0 {
		changes, err := s.poller.ModifiedSince(ctx, s.cursor)
		if err != nil {
			return events.ChangeEvent{}, err
		}

		for _, change := range changes {
			s.queue = append(s.queue, events.ChangeEvent{
				EventID:    uuid.New().String(),
				RecordID:   change.ID,
				OccurredAt: change.ModifiedAt,
			})
			if change.ModifiedAt.After(s.cursor) {
				s.cursor = change.ModifiedAt
			}
		}

		if len(s.queue) > 0 {
			s.logger.WithField("count", len(s.queue)).Debug("Polled changed deals")
			break
		}

		select {
		case <-time.After(s.interval):
		case <-ctx.Done():
			return events.ChangeEvent{}, ctx.Err()
		}
	}

	next := s.queue[0]
	s.queue = s.queue[1:]
	return next, nil
}
