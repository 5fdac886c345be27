// Package state persists sync links and conflict records. Stores are the
// durability boundary of the engine: every sync decision is derived from a
// link read, and every commit is a conditional write against the version the
// decision was based on.
package state

import (
	"context"

	"github.com/TheMichaelB/dealsync/internal/models"
)

// LinkStore manages the durable links between CRM records and partner
// records. Implementations must provide the two conditional writes the
// tracker depends on: Create fails with models.ErrAlreadyLinked when a link
// for the (local id, partner) pair already exists, and Update fails with
// models.ErrVersionConflict when the stored remote version no longer matches
// the one the caller observed.
type LinkStore interface {
	// Get retrieves the link for a (local id, partner) pair, or
	// models.ErrLinkNotFound.
	Get(ctx context.Context, localID string, partner models.Partner) (*models.SyncLink, error)

	// Create inserts a new link if and only if none exists for the pair.
	Create(ctx context.Context, link *models.SyncLink) error

	// Update overwrites a link if and only if the stored remote version
	// equals expectedRemoteVersion.
	Update(ctx context.Context, link *models.SyncLink, expectedRemoteVersion string) error

	// SetStatus transitions a link's status and error text without touching
	// version tokens. Used to mark conflict and error states.
	SetStatus(ctx context.Context, localID string, partner models.Partner, status models.SyncStatus, lastError string) error

	// FindByRemoteID locates the link holding a partner-side id. Returns
	// models.ErrLinkNotFound when no link references it.
	FindByRemoteID(ctx context.Context, partner models.Partner, remoteID string) (*models.SyncLink, error)

	// List returns every link, unordered.
	List(ctx context.Context) ([]*models.SyncLink, error)

	// Close releases resources.
	Close() error
}

// ConflictStore is the append-only log of detected conflicts. Conflicts are
// never deleted; Resolve transitions a pending conflict to resolved exactly
// once and fails with models.ErrAlreadyResolved on any later attempt.
type ConflictStore interface {
	// Append records a newly detected conflict.
	Append(ctx context.Context, conflict *models.ConflictRecord) error

	// Get retrieves a conflict by id, or models.ErrConflictNotFound.
	Get(ctx context.Context, id string) (*models.ConflictRecord, error)

	// ListPending returns unresolved conflicts, oldest first.
	ListPending(ctx context.Context) ([]*models.ConflictRecord, error)

	// ListByRecord returns all conflicts for a local record, oldest first.
	ListByRecord(ctx context.Context, localID string) ([]*models.ConflictRecord, error)

	// Resolve attaches a resolution to a pending conflict.
	Resolve(ctx context.Context, id string, resolution models.Resolution) (*models.ConflictRecord, error)

	// Close releases resources.
	Close() error
}
