package models

import (
	"fmt"
	"strings"
	"time"
)

// SyncStatus is the lifecycle state of a SyncLink.
type SyncStatus string

const (
	SyncStatusNotSynced SyncStatus = "not_synced"
	SyncStatusSynced    SyncStatus = "synced"
	SyncStatusConflict  SyncStatus = "conflict"
	SyncStatusError     SyncStatus = "error"
)

// Review statuses that freeze the remote record. While a partner has the
// record under review, no update may be sent.
var updateBlockedStatuses = map[string]struct{}{
	"Submitted": {},
	"In Review": {},
}

// ReviewBlocksUpdate reports whether a partner review status freezes the
// remote record against updates.
func ReviewBlocksUpdate(status string) bool {
	_, blocked := updateBlockedStatuses[status]
	return blocked
}

// SyncLink is the durable link between one CRM record and one partner record.
// For a given (local id, partner) pair there is at most one active link. It
// is created on the first successful remote create, mutated on every
// successful sync, and never silently overwritten on conflict.
type SyncLink struct {
	LocalID       string     `json:"local_id"`
	Partner       Partner    `json:"partner"`
	RemoteID      string     `json:"remote_id"`
	RemoteVersion string     `json:"remote_version"` // last-known remote version token
	LocalVersion  string     `json:"local_version"`  // last local version reflected remotely
	Status        SyncStatus `json:"status"`
	ReviewStatus  string     `json:"review_status,omitempty"`
	LastSyncedAt  time.Time  `json:"last_synced_at"`
	LastError     string     `json:"last_error,omitempty"`
}

// Key returns the store key for the (local id, partner) pair.
func (l *SyncLink) Key() string {
	return LinkKey(l.LocalID, l.Partner)
}

// LinkKey builds the store key for a (local id, partner) pair.
func LinkKey(localID string, partner Partner) string {
	return localID + "#" + string(partner)
}

// UnderReview reports whether the remote record is in a review state that
// blocks updates.
func (l *SyncLink) UnderReview() bool {
	return ReviewBlocksUpdate(l.ReviewStatus)
}

// SetError records a terminal sync failure against the link.
func (l *SyncLink) SetError(err error) {
	l.Status = SyncStatusError
	if err != nil {
		l.LastError = err.Error()
	}
}

// ClearError resets error state after a successful sync.
func (l *SyncLink) ClearError() {
	l.LastError = ""
}

// Validate checks the link's structural invariants.
func (l *SyncLink) Validate() error {
	if strings.TrimSpace(l.LocalID) == "" {
		return fmt.Errorf("local id is required")
	}
	if !l.Partner.Valid() {
		return fmt.Errorf("unknown partner %q", l.Partner)
	}
	if strings.TrimSpace(l.RemoteID) == "" {
		return fmt.Errorf("remote id is required")
	}
	switch l.Status {
	case SyncStatusNotSynced, SyncStatusSynced, SyncStatusConflict, SyncStatusError:
	default:
		return fmt.Errorf("unknown sync status %q", l.Status)
	}
	return nil
}

// Clone returns a deep copy of the link.
func (l *SyncLink) Clone() *SyncLink {
	clone := *l
	return &clone
}
