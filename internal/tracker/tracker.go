// Package tracker decides what one sync round should do and commits the
// outcome. Decisions are pure reads; commits are conditional writes against
// the link version the decision observed, so two racing rounds cannot both
// win.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
	"github.com/TheMichaelB/dealsync/internal/state"
)

// SyncRequest describes one prospective sync round for a (record, partner)
// pair. The engine fills in the freshly observed remote version and the field
// sets that changed on each side since the last synced state.
type SyncRequest struct {
	LocalID string
	Partner models.Partner

	// LocalVersion is the version token of the local change driving this
	// round. Monotonic per record (event occurrence time in epoch millis).
	LocalVersion string

	// ChangedFields are the canonical fields the local change touched.
	// Empty means a full-record sync.
	ChangedFields []string

	// RemoteVersion is the remote version token observed just before the
	// decision; empty when the remote record was not fetched.
	RemoteVersion string

	// RemoteChangedFields are fields whose remote values drifted from the
	// last synced state. Only consulted when RemoteVersion differs from the
	// link's stored token.
	RemoteChangedFields []string

	// LocalValues and RemoteValues carry the diverged values, keyed by
	// canonical field name, used to build conflict records.
	LocalValues  map[string]string
	RemoteValues map[string]string

	LocalChangedAt  time.Time
	RemoteChangedAt time.Time
}

// Tracker makes sync decisions against the durable link store.
type Tracker struct {
	links  state.LinkStore
	logger *events.Logger
	now    func() time.Time
}

// New creates a tracker backed by a link store.
func New(links state.LinkStore, logger *events.Logger) *Tracker {
	return &Tracker{
		links:  links,
		logger: logger.WithField("component", "tracker"),
		now:    time.Now,
	}
}

// BeginSync reads the link state and decides the round's action. It never
// writes; the caller performs the remote call and then commits.
func (t *Tracker) BeginSync(ctx context.Context, req SyncRequest) (*models.SyncDecision, error) {
	logger := t.logger.WithFields(map[string]interface{}{
		"local_id": req.LocalID,
		"partner":  string(req.Partner),
	})

	link, err := t.links.Get(ctx, req.LocalID, req.Partner)
	if errors.Is(err, models.ErrLinkNotFound) {
		logger.Debug("No link, deciding create")
		return &models.SyncDecision{Action: models.ActionCreate}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load link: %w", err)
	}

	// Duplicate or out-of-order delivery of an already-reflected change.
	if stale, reason := staleLocalVersion(link, req.LocalVersion); stale {
		logger.WithField("reason", reason).Debug("Deciding skip")
		return &models.SyncDecision{
			Action:   models.ActionSkip,
			RemoteID: link.RemoteID,
			Reason:   reason,
		}, nil
	}

	if link.UnderReview() {
		logger.WithField("review_status", link.ReviewStatus).Info("Remote record under review, blocking update")
		return &models.SyncDecision{
			Action:   models.ActionBlocked,
			RemoteID: link.RemoteID,
			Reason:   fmt.Sprintf("remote record is %s", link.ReviewStatus),
		}, nil
	}

	decision := &models.SyncDecision{
		Action:             models.ActionUpdate,
		RemoteID:           link.RemoteID,
		RemoteVersion:      link.RemoteVersion,
		PriorRemoteVersion: link.RemoteVersion,
	}

	// Remote drifted since we last synced.
	if req.RemoteVersion != "" && req.RemoteVersion != link.RemoteVersion {
		conflicts := t.fieldConflicts(req)
		if len(conflicts) > 0 {
			logger.WithField("fields", len(conflicts)).Warn("Both sides changed, deciding conflict")
			return &models.SyncDecision{
				Action:             models.ActionConflict,
				RemoteID:           link.RemoteID,
				PriorRemoteVersion: link.RemoteVersion,
				Conflicts:          conflicts,
				Reason:             "local and remote changed the same fields",
			}, nil
		}
		// Disjoint changes: take the remote's new version as the CAS base so
		// the update lands on what we just observed.
		decision.RemoteVersion = req.RemoteVersion
		decision.Reason = "remote advanced on disjoint fields"
	}

	return decision, nil
}

// fieldConflicts builds a conflict per field changed on both sides.
func (t *Tracker) fieldConflicts(req SyncRequest) []models.FieldConflict {
	var out []models.FieldConflict
	remote := make(map[string]struct{}, len(req.RemoteChangedFields))
	for _, f := range req.RemoteChangedFields {
		remote[f] = struct{}{}
	}
	for _, f := range req.ChangedFields {
		if _, both := remote[f]; !both {
			continue
		}
		out = append(out, models.FieldConflict{
			Field:           f,
			LocalValue:      req.LocalValues[f],
			LocalChangedAt:  req.LocalChangedAt,
			RemoteValue:     req.RemoteValues[f],
			RemoteChangedAt: req.RemoteChangedAt,
		})
	}
	return out
}

// CommitCreate records the link after a successful remote create. Exactly one
// of the racing rounds wins; the rest get models.ErrAlreadyLinked.
func (t *Tracker) CommitCreate(ctx context.Context, req SyncRequest, remoteID, remoteVersion, reviewStatus string) (*models.SyncLink, error) {
	link := &models.SyncLink{
		LocalID:       req.LocalID,
		Partner:       req.Partner,
		RemoteID:      remoteID,
		RemoteVersion: remoteVersion,
		LocalVersion:  req.LocalVersion,
		Status:        models.SyncStatusSynced,
		ReviewStatus:  reviewStatus,
		LastSyncedAt:  t.now().UTC(),
	}
	if err := t.links.Create(ctx, link); err != nil {
		return nil, err
	}

	t.logger.WithFields(map[string]interface{}{
		"local_id":  req.LocalID,
		"partner":   string(req.Partner),
		"remote_id": remoteID,
	}).Info("Linked record")
	return link, nil
}

// CommitUpdate advances the link after a successful remote update, guarded on
// the token the link held when the decision was made.
func (t *Tracker) CommitUpdate(ctx context.Context, req SyncRequest, decision *models.SyncDecision, newRemoteVersion, reviewStatus string) (*models.SyncLink, error) {
	link := &models.SyncLink{
		LocalID:       req.LocalID,
		Partner:       req.Partner,
		RemoteID:      decision.RemoteID,
		RemoteVersion: newRemoteVersion,
		LocalVersion:  req.LocalVersion,
		Status:        models.SyncStatusSynced,
		ReviewStatus:  reviewStatus,
		LastSyncedAt:  t.now().UTC(),
	}
	if err := t.links.Update(ctx, link, decision.PriorRemoteVersion); err != nil {
		return nil, err
	}
	return link, nil
}

// MarkConflict flags the link without touching its version tokens, so the
// round that resolves the conflict still sees the pre-conflict baseline.
func (t *Tracker) MarkConflict(ctx context.Context, localID string, partner models.Partner, reason string) error {
	return t.links.SetStatus(ctx, localID, partner, models.SyncStatusConflict, reason)
}

// MarkError records a terminal sync failure on the link.
func (t *Tracker) MarkError(ctx context.Context, localID string, partner models.Partner, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	err := t.links.SetStatus(ctx, localID, partner, models.SyncStatusError, msg)
	if errors.Is(err, models.ErrLinkNotFound) {
		// Failure before the first successful create: nothing durable yet.
		return nil
	}
	return err
}

// Link exposes the stored link for a pair.
func (t *Tracker) Link(ctx context.Context, localID string, partner models.Partner) (*models.SyncLink, error) {
	return t.links.Get(ctx, localID, partner)
}

// LinkByRemote finds the link owning a partner-side record id. Reverse sync
// uses it to dedupe inbound remote changes against existing links.
func (t *Tracker) LinkByRemote(ctx context.Context, partner models.Partner, remoteID string) (*models.SyncLink, error) {
	return t.links.FindByRemoteID(ctx, partner, remoteID)
}

// Links returns every stored link, unordered.
func (t *Tracker) Links(ctx context.Context) ([]*models.SyncLink, error) {
	return t.links.List(ctx)
}

// ClearConflict returns a link to the synced state once its conflicts are
// resolved and applied.
func (t *Tracker) ClearConflict(ctx context.Context, localID string, partner models.Partner) error {
	return t.links.SetStatus(ctx, localID, partner, models.SyncStatusSynced, "")
}

// staleLocalVersion reports whether the incoming local version is already
// reflected (duplicate) or older than what the link has (out of order).
func staleLocalVersion(link *models.SyncLink, incoming string) (bool, string) {
	if incoming == "" || link.Status != models.SyncStatusSynced {
		return false, ""
	}
	if incoming == link.LocalVersion {
		return true, "change already synced"
	}
	in, err1 := strconv.ParseInt(incoming, 10, 64)
	cur, err2 := strconv.ParseInt(link.LocalVersion, 10, 64)
	if err1 == nil && err2 == nil && in < cur {
		return true, "older than last synced change"
	}
	return false, ""
}
