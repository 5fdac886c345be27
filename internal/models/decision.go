package models

// SyncAction is the outcome of a BeginSync check.
type SyncAction string

const (
	// ActionCreate: no link exists; create the remote record.
	ActionCreate SyncAction = "create"
	// ActionUpdate: link exists and the write is safe.
	ActionUpdate SyncAction = "update"
	// ActionSkip: the local version is already reflected remotely
	// (idempotent re-delivery of the same event).
	ActionSkip SyncAction = "skip"
	// ActionConflict: both sides changed the same field since the last
	// synced version.
	ActionConflict SyncAction = "conflict"
	// ActionBlocked: the remote record is in an immutable/under-review state.
	ActionBlocked SyncAction = "blocked"
)

// SyncDecision tells the caller how to proceed with a sync round.
type SyncDecision struct {
	Action SyncAction `json:"action"`

	// RemoteID and RemoteVersion are set for ActionUpdate. RemoteVersion is
	// the baseline token the remote write must be conditioned on; when the
	// remote token advanced for unrelated reasons it is already the
	// refreshed token.
	RemoteID      string `json:"remote_id,omitempty"`
	RemoteVersion string `json:"remote_version,omitempty"`

	// PriorRemoteVersion is the token the link held when the decision was
	// made. The link commit is guarded on it, so two racing rounds for the
	// same pair cannot both land.
	PriorRemoteVersion string `json:"prior_remote_version,omitempty"`

	// Reason is set for ActionSkip and ActionBlocked.
	Reason string `json:"reason,omitempty"`

	// Conflicts is set for ActionConflict.
	Conflicts []FieldConflict `json:"conflicts,omitempty"`
}
