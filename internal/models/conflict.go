package models

import "time"

// Side names which system a conflicting value came from.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Valid reports whether the side is recognized.
func (s Side) Valid() bool {
	return s == SideLocal || s == SideRemote
}

// ResolutionStatus tracks a conflict's lifecycle.
type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionResolved ResolutionStatus = "resolved"
)

// FieldConflict describes one field that diverged on both sides since the
// last synced version.
type FieldConflict struct {
	Field           string    `json:"field"`
	LocalValue      string    `json:"local_value"`
	LocalChangedAt  time.Time `json:"local_changed_at"`
	RemoteValue     string    `json:"remote_value"`
	RemoteChangedAt time.Time `json:"remote_changed_at"`
}

// Resolution records the outcome of resolving a conflict. Write-once: a
// resolved conflict never changes its resolution.
type Resolution struct {
	Winner     Side      `json:"winner"`
	Value      string    `json:"value"`
	Policy     string    `json:"policy"` // policy that decided, or "manual"
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// ConflictRecord is the durable, append-only record of a detected conflict.
// Created on detection, transitions to resolved exactly once, never deleted.
type ConflictRecord struct {
	ID      string  `json:"id"`
	LocalID string  `json:"local_id"`
	Partner Partner `json:"partner"`
	FieldConflict
	DetectedAt time.Time        `json:"detected_at"`
	Status     ResolutionStatus `json:"status"`
	Resolution *Resolution      `json:"resolution,omitempty"`
}

// Resolved reports whether the conflict has a recorded resolution.
func (c *ConflictRecord) Resolved() bool {
	return c.Status == ResolutionResolved
}

// SideValue returns the conflicting value from the given side.
func (c *ConflictRecord) SideValue(side Side) string {
	if side == SideRemote {
		return c.RemoteValue
	}
	return c.LocalValue
}

// Clone returns a deep copy of the conflict record.
func (c *ConflictRecord) Clone() *ConflictRecord {
	clone := *c
	if c.Resolution != nil {
		res := *c.Resolution
		clone.Resolution = &res
	}
	return &clone
}
