package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TheMichaelB/dealsync/internal/mapper"
	"github.com/TheMichaelB/dealsync/internal/models"
	"github.com/TheMichaelB/dealsync/internal/notify"
	"github.com/TheMichaelB/dealsync/internal/partner"
	"github.com/TheMichaelB/dealsync/internal/tracker"
)

// SyncFromPartner pulls one partner record's state back into the CRM. Only
// fields whose remote values differ from the CRM land; a remote version
// matching the link's stored token is the echo of our own last write and is
// dropped without touching the CRM. Records without a link are
// partner-originated: the CRM is searched on the partner's external id and
// a deal is created when none exists.
func (e *Engine) SyncFromPartner(ctx context.Context, p models.Partner, remoteID string) (*RoundResult, error) {
	logger := e.logger.WithFields(map[string]interface{}{
		"partner":   p.String(),
		"remote_id": remoteID,
	})

	sink, ok := e.sinks[p]
	if !ok {
		return nil, fmt.Errorf("partner %s is not enabled", p)
	}
	a, err := e.registry.ForPartner(p)
	if err != nil {
		return nil, err
	}

	link, err := e.tracker.LinkByRemote(ctx, p, remoteID)
	if errors.Is(err, models.ErrLinkNotFound) {
		return e.createFromPartner(ctx, sink, a, p, remoteID)
	}
	if err != nil {
		return nil, fmt.Errorf("find link for remote %s: %w", remoteID, err)
	}

	result := &RoundResult{LocalID: link.LocalID, Partner: p, RemoteID: remoteID}

	remote, err := e.fetchRemote(ctx, sink, remoteID)
	if err != nil {
		return nil, fmt.Errorf("fetch remote %s: %w", remoteID, err)
	}
	if remote.Version != "" && remote.Version == link.RemoteVersion {
		logger.Debug("Remote version already reflected, dropping echo")
		result.Action = models.ActionSkip
		result.Reason = "change already synced"
		return result, nil
	}

	patch, err := a.FromPartner(remote.Payload)
	if err != nil {
		return nil, fmt.Errorf("translate from %s: %w", p, err)
	}

	rec, err := e.reader.GetDeal(ctx, link.LocalID)
	if err != nil {
		return nil, fmt.Errorf("fetch deal %s: %w", link.LocalID, err)
	}
	prunePatch(patch, rec)

	if fields := patch.Fields(); len(fields) > 0 {
		if err := e.writer.ApplyPatch(ctx, link.LocalID, patch); err != nil {
			return nil, fmt.Errorf("apply patch to deal %s: %w", link.LocalID, err)
		}
		logger.WithField("fields", len(fields)).Info("Applied partner changes to deal")
	}

	// Advance the link's remote baseline so the forward path does not see
	// this change as drift.
	req := tracker.SyncRequest{
		LocalID:      link.LocalID,
		Partner:      p,
		LocalVersion: link.LocalVersion,
	}
	decision := &models.SyncDecision{
		Action:             models.ActionUpdate,
		RemoteID:           link.RemoteID,
		RemoteVersion:      link.RemoteVersion,
		PriorRemoteVersion: link.RemoteVersion,
	}
	if _, err := e.tracker.CommitUpdate(ctx, req, decision, remote.Version, remote.ReviewStatus); err != nil {
		return nil, fmt.Errorf("advance link baseline: %w", err)
	}

	result.Action = models.ActionUpdate
	return result, nil
}

// createFromPartner lands a partner-originated record in the CRM. The deal
// search on the partner's external id runs first, so redelivered events and
// crash-retries link to the existing deal instead of creating another.
func (e *Engine) createFromPartner(ctx context.Context, sink partner.Sink, a mapper.Adapter, p models.Partner, remoteID string) (*RoundResult, error) {
	logger := e.logger.WithFields(map[string]interface{}{
		"partner":   p.String(),
		"remote_id": remoteID,
	})

	remote, err := e.fetchRemote(ctx, sink, remoteID)
	if err != nil {
		return nil, fmt.Errorf("fetch remote %s: %w", remoteID, err)
	}
	patch, err := a.FromPartner(remote.Payload)
	if err != nil {
		return nil, fmt.Errorf("translate from %s: %w", p, err)
	}
	rec := &models.CanonicalRecord{}
	patch.Apply(rec)

	result := &RoundResult{Partner: p, RemoteID: remoteID}

	localID, err := e.writer.FindByExternalID(ctx, p, remoteID)
	switch {
	case err == nil:
		logger.WithField("deal_id", localID).Info("Partner record already has a deal, linking")
		result.Action = models.ActionSkip
		result.Reason = "deal already exists"
	case errors.Is(err, models.ErrRecordNotFound):
		localID, err = e.writer.CreateDeal(ctx, rec, p, remoteID)
		if err != nil {
			return nil, fmt.Errorf("create deal for remote %s: %w", remoteID, err)
		}
		logger.WithField("deal_id", localID).Info("Created deal from partner record")
		result.Action = models.ActionCreate
	default:
		return nil, fmt.Errorf("search deals for remote %s: %w", remoteID, err)
	}
	result.LocalID = localID

	req := tracker.SyncRequest{
		LocalID:      localID,
		Partner:      p,
		LocalVersion: fmt.Sprintf("%d", time.Now().UnixMilli()),
	}
	if _, err := e.tracker.CommitCreate(ctx, req, remoteID, remote.Version, remote.ReviewStatus); err != nil {
		if errors.Is(err, models.ErrAlreadyLinked) {
			logger.Debug("Deal linked concurrently, keeping existing link")
			return result, nil
		}
		return nil, fmt.Errorf("link deal %s: %w", localID, err)
	}
	return result, nil
}

// prunePatch drops patch fields whose values already match the local record,
// so reverse sync writes only what actually differs. Identity and review
// metadata never patch the CRM.
func prunePatch(patch *models.RecordPatch, rec *models.CanonicalRecord) {
	for _, f := range patch.Fields() {
		if patch.FieldValue(f) != rec.FieldValue(f) {
			continue
		}
		switch f {
		case models.FieldTitle:
			patch.Title = nil
		case models.FieldStage:
			patch.Stage = nil
		case models.FieldAmount:
			patch.Amount = nil
		case models.FieldCurrency:
			patch.Currency = nil
		case models.FieldCloseDate:
			patch.CloseDate = nil
		case models.FieldDescription:
			patch.Description = nil
		case models.FieldCompany:
			patch.CompanyName = nil
		}
	}
}

// ResolveConflict applies a human decision to a parked conflict and pushes
// the winning value to whichever side lost. Once no pending conflicts remain
// for the record, its link leaves the conflict state.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, winner models.Side, resolvedBy string) (*models.ConflictRecord, error) {
	resolved, err := e.resolver.ResolveManual(ctx, conflictID, winner, resolvedBy)
	if err != nil {
		return nil, err
	}
	if err := e.applyResolution(ctx, resolved); err != nil {
		return resolved, err
	}

	e.notifier.Notify(ctx, notify.Notification{
		Kind:       notify.KindResolved,
		LocalID:    resolved.LocalID,
		Partner:    resolved.Partner,
		ConflictID: resolved.ID,
		Fields:     []string{resolved.Field},
		Message:    fmt.Sprintf("conflict on %s resolved: %s wins", resolved.Field, winner),
		OccurredAt: time.Now().UTC(),
	})
	return resolved, nil
}

// applyResolution lands a resolved conflict's winning value. Remote winners
// patch the CRM; local winners re-run a forward round so the CRM value
// reaches the partner.
func (e *Engine) applyResolution(ctx context.Context, c *models.ConflictRecord) error {
	if c.Resolution == nil {
		return fmt.Errorf("conflict %s has no resolution", c.ID)
	}

	if c.Resolution.Winner == models.SideRemote {
		patch := &models.RecordPatch{}
		if err := setPatchField(patch, c.Field, c.Resolution.Value); err != nil {
			return err
		}
		if err := e.writer.ApplyPatch(ctx, c.LocalID, patch); err != nil {
			return fmt.Errorf("apply resolution to deal %s: %w", c.LocalID, err)
		}
	} else if err := e.pushLocalWinner(ctx, c); err != nil {
		return err
	}

	pending, err := e.resolver.ForRecord(ctx, c.LocalID)
	if err != nil {
		return err
	}
	for _, other := range pending {
		if other.Partner == c.Partner && !other.Resolved() {
			return nil
		}
	}
	return e.tracker.ClearConflict(ctx, c.LocalID, c.Partner)
}

// pushLocalWinner overwrites the remote record with the CRM's current state
// so a locally-won conflict reaches the partner. The write lands on the
// remote version observed here; a concurrent remote write surfaces as
// models.ErrVersionConflict for the operator to retry.
func (e *Engine) pushLocalWinner(ctx context.Context, c *models.ConflictRecord) error {
	a, err := e.registry.ForPartner(c.Partner)
	if err != nil {
		return err
	}
	sink, ok := e.sinks[c.Partner]
	if !ok {
		return fmt.Errorf("partner %s is not enabled", c.Partner)
	}
	link, err := e.tracker.Link(ctx, c.LocalID, c.Partner)
	if err != nil {
		return fmt.Errorf("load link: %w", err)
	}
	rec, err := e.reader.GetDeal(ctx, c.LocalID)
	if err != nil {
		return fmt.Errorf("fetch deal %s: %w", c.LocalID, err)
	}

	remote, err := e.fetchRemote(ctx, sink, link.RemoteID)
	if err != nil {
		return fmt.Errorf("observe remote %s: %w", link.RemoteID, err)
	}
	if models.ReviewBlocksUpdate(remote.ReviewStatus) {
		return fmt.Errorf("remote record is %s, resolution cannot land yet", remote.ReviewStatus)
	}

	payload, err := a.ToPartner(rec, mapper.ToPartnerOptions{
		ForUpdate:     true,
		ChangedFields: []string{c.Field},
	})
	if err != nil {
		return fmt.Errorf("translate for %s: %w", c.Partner, err)
	}

	var updated partner.RemoteRecord
	err = e.retrier.Do(ctx, "push resolution", func() error {
		var uerr error
		updated, uerr = sink.Update(ctx, link.RemoteID, payload, remote.Version)
		return uerr
	})
	if err != nil {
		return fmt.Errorf("push resolution to %s: %w", c.Partner, err)
	}

	req := tracker.SyncRequest{
		LocalID:      c.LocalID,
		Partner:      c.Partner,
		LocalVersion: fmt.Sprintf("%d", time.Now().UnixMilli()),
	}
	decision := &models.SyncDecision{
		Action:             models.ActionUpdate,
		RemoteID:           link.RemoteID,
		RemoteVersion:      remote.Version,
		PriorRemoteVersion: link.RemoteVersion,
	}
	if _, err := e.tracker.CommitUpdate(ctx, req, decision, updated.Version, updated.ReviewStatus); err != nil {
		return fmt.Errorf("advance link baseline: %w", err)
	}
	return nil
}
