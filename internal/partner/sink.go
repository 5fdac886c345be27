// Package partner performs the remote writes against partner co-sell APIs.
// Each sink speaks one partner's surface but presents the same contract:
// creates return the new remote identity, updates are conditioned on the
// version token the caller observed, and 412/409 responses surface as
// models.ErrVersionConflict.
package partner

import (
	"context"

	"github.com/TheMichaelB/dealsync/internal/models"
)

// RemoteRecord is a partner record read back from the wire, with the version
// token concurrent updates must be conditioned on.
type RemoteRecord struct {
	RemoteID     string
	Version      string
	ReviewStatus string
	Payload      models.PartnerPayload
}

// Sink writes records into one partner system.
type Sink interface {
	Partner() models.Partner

	// Create submits a new remote record and returns its identity.
	Create(ctx context.Context, payload models.PartnerPayload) (RemoteRecord, error)

	// Update overwrites the remote record. A non-empty expectedVersion makes
	// the write conditional; a stale token fails with
	// models.ErrVersionConflict and no write happens.
	Update(ctx context.Context, remoteID string, payload models.PartnerPayload, expectedVersion string) (RemoteRecord, error)

	// Get fetches the remote record's current state.
	Get(ctx context.Context, remoteID string) (RemoteRecord, error)
}
