// Package sync orchestrates sync rounds between the CRM and the partner
// sinks. The engine composes the mapper, tracker, resolver, and sinks; every
// round is idempotent, so at-least-once event delivery and crash-retry both
// reduce to running the round again.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/TheMichaelB/dealsync/internal/config"
	"github.com/TheMichaelB/dealsync/internal/crm"
	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/mapper"
	"github.com/TheMichaelB/dealsync/internal/models"
	"github.com/TheMichaelB/dealsync/internal/notify"
	"github.com/TheMichaelB/dealsync/internal/partner"
	"github.com/TheMichaelB/dealsync/internal/resolver"
	"github.com/TheMichaelB/dealsync/internal/tracker"
	"github.com/TheMichaelB/dealsync/internal/transport"
)

// maxRounds bounds how often one event retries after losing a create race or
// an optimistic-concurrency check. Each retry re-observes the remote record.
const maxRounds = 3

// ChangeLister pages through CRM records modified after a cutoff.
type ChangeLister interface {
	ModifiedSince(ctx context.Context, cutoff time.Time) ([]crm.DealChange, error)
}

// RoundResult is the outcome of one (record, partner) sync round.
type RoundResult struct {
	LocalID   string            `json:"local_id"`
	Partner   models.Partner    `json:"partner"`
	Action    models.SyncAction `json:"action"`
	RemoteID  string            `json:"remote_id,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Conflicts int               `json:"conflicts,omitempty"`
	Err       error             `json:"-"`
}

// Engine runs sync rounds.
type Engine struct {
	reader   crm.Reader
	writer   crm.Writer
	lister   ChangeLister
	registry *mapper.Registry
	tracker  *tracker.Tracker
	resolver *resolver.Resolver
	sinks    map[models.Partner]partner.Sink
	notifier notify.Notifier
	retrier  *transport.Retrier
	logger   *events.Logger
}

// NewEngine creates an engine. Lister may be nil when bulk sync is not used;
// the event-driven path never calls it.
func NewEngine(
	reader crm.Reader,
	writer crm.Writer,
	lister ChangeLister,
	registry *mapper.Registry,
	tr *tracker.Tracker,
	res *resolver.Resolver,
	sinks []partner.Sink,
	notifier notify.Notifier,
	cfg config.SyncConfig,
	logger *events.Logger,
) *Engine {
	byPartner := make(map[models.Partner]partner.Sink, len(sinks))
	for _, s := range sinks {
		byPartner[s.Partner()] = s
	}
	return &Engine{
		reader:   reader,
		writer:   writer,
		lister:   lister,
		registry: registry,
		tracker:  tr,
		resolver: res,
		sinks:    byPartner,
		notifier: notifier,
		retrier: &transport.Retrier{
			MaxAttempts: cfg.RetryAttempts,
			Delay:       cfg.RetryDelay,
			Logger:      logger,
		},
		logger: logger.WithField("component", "sync_engine"),
	}
}

// Run consumes events from a source until the context ends.
func (e *Engine) Run(ctx context.Context, source events.Source) error {
	for {
		ev, err := source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("event source: %w", err)
		}
		if _, err := e.HandleEvent(ctx, ev); err != nil {
			e.logger.WithError(err).WithField("record_id", ev.RecordID).Error("Event processing failed")
		}
	}
}

// HandleEvent syncs one CRM change to every partner whose tag the deal title
// carries. Partners without an enabled sink are skipped.
func (e *Engine) HandleEvent(ctx context.Context, ev events.ChangeEvent) ([]RoundResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}

	logger := e.logger.WithField("record_id", ev.RecordID)

	var rec *models.CanonicalRecord
	err := e.retrier.Do(ctx, "fetch deal", func() error {
		var ferr error
		rec, ferr = e.reader.GetDeal(ctx, ev.RecordID)
		return ferr
	})
	if errors.Is(err, models.ErrRecordNotFound) {
		logger.Info("Deal no longer visible, skipping event")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch deal %s: %w", ev.RecordID, err)
	}

	adapters := e.registry.RouteTitle(rec.Title)
	if len(adapters) == 0 {
		logger.Debug("No partner tags in title, nothing to sync")
		return nil, nil
	}

	var results []RoundResult
	for _, a := range adapters {
		sink, ok := e.sinks[a.Partner()]
		if !ok {
			logger.WithField("partner", a.Partner().String()).Debug("Partner not enabled, skipping")
			continue
		}
		req := tracker.SyncRequest{
			LocalID:        rec.ID,
			Partner:        a.Partner(),
			LocalVersion:   ev.LocalVersion(),
			ChangedFields:  ev.ChangedFields,
			LocalValues:    fieldValues(rec, ev.ChangedFields),
			LocalChangedAt: ev.OccurredAt,
		}
		results = append(results, e.syncRecord(ctx, rec, a, sink, req))
	}
	return results, nil
}

// SyncAll pushes every CRM record modified after the cutoff. Used for
// startup catch-up and manual resync.
func (e *Engine) SyncAll(ctx context.Context, since time.Time) ([]RoundResult, error) {
	if e.lister == nil {
		return nil, errors.New("bulk sync requires a change lister")
	}

	changes, err := e.lister.ModifiedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list modified deals: %w", err)
	}
	e.logger.WithField("count", len(changes)).Info("Bulk sync starting")

	var results []RoundResult
	for _, change := range changes {
		ev := events.NewChangeEvent(change.ID, nil, change.ModifiedAt)
		rounds, err := e.HandleEvent(ctx, ev)
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			e.logger.WithError(err).WithField("record_id", change.ID).Error("Bulk sync round failed")
			continue
		}
		results = append(results, rounds...)
	}
	return results, nil
}

// syncRecord runs rounds for one (record, partner) pair until a round lands
// or the round budget is spent. Losing a create race or a version check means
// another writer advanced the remote record; the next round re-observes it.
func (e *Engine) syncRecord(ctx context.Context, rec *models.CanonicalRecord, a mapper.Adapter, sink partner.Sink, req tracker.SyncRequest) RoundResult {
	logger := e.logger.WithFields(map[string]interface{}{
		"local_id": req.LocalID,
		"partner":  req.Partner.String(),
	})
	result := RoundResult{LocalID: req.LocalID, Partner: req.Partner}

	for round := 0; round < maxRounds; round++ {
		decision, review, err := e.observeAndDecide(ctx, rec, a, sink, &req)
		if err != nil {
			return e.fail(ctx, result, req, err)
		}
		result.Action = decision.Action
		result.RemoteID = decision.RemoteID
		result.Reason = decision.Reason

		switch decision.Action {
		case models.ActionSkip:
			logger.WithField("reason", decision.Reason).Debug("Round skipped")
			return result

		case models.ActionBlocked:
			e.reportBlocked(ctx, rec, a, req, review)
			logger.WithField("reason", decision.Reason).Info("Round blocked by partner review")
			return result

		case models.ActionConflict:
			result.Conflicts = len(decision.Conflicts)
			proceed, err := e.resolveConflicts(ctx, rec, req, decision)
			if err != nil {
				return e.fail(ctx, result, req, err)
			}
			if !proceed {
				logger.WithField("conflicts", result.Conflicts).Warn("Round parked on manual conflict")
				return result
			}
			// Every conflict was decided by policy; the merged record can
			// land on the version we just observed.
			decision.Action = models.ActionUpdate
			decision.RemoteVersion = req.RemoteVersion
			fallthrough

		case models.ActionUpdate:
			retry, err := e.doUpdate(ctx, rec, a, sink, req, decision)
			if retry {
				logger.WithField("round", round).Debug("Remote advanced mid-round, retrying")
				continue
			}
			if err != nil {
				return e.fail(ctx, result, req, err)
			}
			result.Action = models.ActionUpdate
			return result

		case models.ActionCreate:
			retry, remoteID, err := e.doCreate(ctx, rec, a, sink, req)
			if retry {
				logger.WithField("round", round).Debug("Lost create race, retrying as update")
				continue
			}
			if err != nil {
				return e.fail(ctx, result, req, err)
			}
			result.RemoteID = remoteID
			return result
		}
	}

	return e.fail(ctx, result, req, fmt.Errorf("remote record kept advancing after %d rounds", maxRounds))
}

// observeAndDecide fetches the linked remote record, fills the request's
// remote observation, and asks the tracker for a decision. A freshly observed
// review status that freezes the record overrides an update decision.
func (e *Engine) observeAndDecide(ctx context.Context, rec *models.CanonicalRecord, a mapper.Adapter, sink partner.Sink, req *tracker.SyncRequest) (*models.SyncDecision, string, error) {
	req.RemoteVersion = ""
	req.RemoteChangedFields = nil
	req.RemoteValues = nil

	link, err := e.tracker.Link(ctx, req.LocalID, req.Partner)
	if err != nil && !errors.Is(err, models.ErrLinkNotFound) {
		return nil, "", fmt.Errorf("load link: %w", err)
	}

	review := ""
	if link != nil {
		review = link.ReviewStatus
		remote, err := e.fetchRemote(ctx, sink, link.RemoteID)
		switch {
		case errors.Is(err, models.ErrRecordNotFound):
			e.logger.WithFields(map[string]interface{}{
				"local_id":  req.LocalID,
				"remote_id": link.RemoteID,
			}).Warn("Linked remote record is gone, proceeding on stored state")
		case err != nil:
			return nil, "", fmt.Errorf("observe remote %s: %w", link.RemoteID, err)
		default:
			req.RemoteVersion = remote.Version
			req.RemoteChangedAt = versionTime(remote.Version)
			review = remote.ReviewStatus
			if remote.Version != link.RemoteVersion {
				fields, values, err := remoteDrift(a, rec, remote.Payload)
				if err != nil {
					return nil, "", fmt.Errorf("diff remote %s: %w", link.RemoteID, err)
				}
				req.RemoteChangedFields = fields
				req.RemoteValues = values
			}
		}
	}

	decision, err := e.tracker.BeginSync(ctx, *req)
	if err != nil {
		return nil, "", err
	}

	if decision.Action == models.ActionUpdate && models.ReviewBlocksUpdate(review) {
		decision = &models.SyncDecision{
			Action:   models.ActionBlocked,
			RemoteID: decision.RemoteID,
			Reason:   fmt.Sprintf("remote record is %s", review),
		}
	}
	return decision, review, nil
}

// doCreate submits a new remote record and commits the link. retry is true
// when another round linked the pair first.
func (e *Engine) doCreate(ctx context.Context, rec *models.CanonicalRecord, a mapper.Adapter, sink partner.Sink, req tracker.SyncRequest) (retry bool, remoteID string, err error) {
	payload, err := a.ToPartner(rec, mapper.ToPartnerOptions{ChangedFields: req.ChangedFields})
	if err != nil {
		return false, "", fmt.Errorf("translate for %s: %w", req.Partner, err)
	}

	var remote partner.RemoteRecord
	err = e.retrier.Do(ctx, "create remote record", func() error {
		var cerr error
		remote, cerr = sink.Create(ctx, payload)
		return cerr
	})
	if err != nil {
		return false, "", fmt.Errorf("create remote record: %w", err)
	}

	if _, err := e.tracker.CommitCreate(ctx, req, remote.RemoteID, remote.Version, remote.ReviewStatus); err != nil {
		if errors.Is(err, models.ErrAlreadyLinked) {
			return true, "", nil
		}
		return false, "", fmt.Errorf("commit create: %w", err)
	}
	return false, remote.RemoteID, nil
}

// doUpdate overwrites the remote record conditioned on the decision's version
// baseline and commits the advanced link. retry is true when the baseline was
// stale, either at the sink or at the commit.
func (e *Engine) doUpdate(ctx context.Context, rec *models.CanonicalRecord, a mapper.Adapter, sink partner.Sink, req tracker.SyncRequest, decision *models.SyncDecision) (retry bool, err error) {
	payload, err := a.ToPartner(rec, mapper.ToPartnerOptions{
		ForUpdate:     true,
		ChangedFields: req.ChangedFields,
	})
	if err != nil {
		return false, fmt.Errorf("translate for %s: %w", req.Partner, err)
	}

	var remote partner.RemoteRecord
	err = e.retrier.Do(ctx, "update remote record", func() error {
		var uerr error
		remote, uerr = sink.Update(ctx, decision.RemoteID, payload, decision.RemoteVersion)
		return uerr
	})
	if errors.Is(err, models.ErrVersionConflict) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("update remote record: %w", err)
	}

	if _, err := e.tracker.CommitUpdate(ctx, req, decision, remote.Version, remote.ReviewStatus); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			return true, nil
		}
		return false, fmt.Errorf("commit update: %w", err)
	}
	return false, nil
}

// resolveConflicts records the round's conflicts and applies policies.
// Remote-winning values are written back to the CRM immediately. proceed is
// true only when no conflict is left pending manual resolution, in which case
// rec already carries the merged values.
func (e *Engine) resolveConflicts(ctx context.Context, rec *models.CanonicalRecord, req tracker.SyncRequest, decision *models.SyncDecision) (proceed bool, err error) {
	outcomes, err := e.resolver.Record(ctx, req.LocalID, req.Partner, decision.Conflicts)
	if err != nil {
		return false, fmt.Errorf("record conflicts: %w", err)
	}

	pending := false
	patch := &models.RecordPatch{}
	for _, o := range outcomes {
		e.notifier.Notify(ctx, notify.ForConflict(o.Conflict))
		if !o.Resolved {
			pending = true
			continue
		}
		if o.Conflict.Resolution.Winner == models.SideRemote {
			if err := setPatchField(patch, o.Conflict.Field, o.Conflict.Resolution.Value); err != nil {
				return false, err
			}
		}
	}

	if len(patch.Fields()) > 0 {
		if err := e.writer.ApplyPatch(ctx, req.LocalID, patch); err != nil {
			return false, fmt.Errorf("write remote winners to crm: %w", err)
		}
		patch.Apply(rec)
	}

	if pending {
		if err := e.tracker.MarkConflict(ctx, req.LocalID, req.Partner, decision.Reason); err != nil {
			return false, fmt.Errorf("mark conflict: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// reportBlocked notifies when a blocked round would also have changed a
// frozen field. The round is dropped either way; the notification tells the
// operator which change did not land.
func (e *Engine) reportBlocked(ctx context.Context, rec *models.CanonicalRecord, a mapper.Adapter, req tracker.SyncRequest, review string) {
	_, err := a.ToPartner(rec, mapper.ToPartnerOptions{
		ForUpdate:     true,
		UnderReview:   true,
		ReviewStatus:  review,
		ChangedFields: req.ChangedFields,
	})
	var imm *models.ImmutableFieldError
	if errors.As(err, &imm) {
		e.notifier.Notify(ctx, notify.ForImmutable(req.LocalID, imm))
	}
}

// fail marks the link errored and returns the result with the cause.
func (e *Engine) fail(ctx context.Context, result RoundResult, req tracker.SyncRequest, cause error) RoundResult {
	e.logger.WithError(cause).WithFields(map[string]interface{}{
		"local_id": req.LocalID,
		"partner":  req.Partner.String(),
	}).Error("Sync round failed")

	if err := e.tracker.MarkError(ctx, req.LocalID, req.Partner, cause); err != nil {
		e.logger.WithError(err).Warn("Could not record sync failure on link")
	}
	e.notifier.Notify(ctx, notify.Notification{
		Kind:       notify.KindSyncFailed,
		LocalID:    req.LocalID,
		Partner:    req.Partner,
		Message:    cause.Error(),
		OccurredAt: time.Now().UTC(),
	})

	result.Err = cause
	if result.Action == "" {
		result.Action = models.ActionSkip
	}
	result.Reason = cause.Error()
	return result
}

func (e *Engine) fetchRemote(ctx context.Context, sink partner.Sink, remoteID string) (partner.RemoteRecord, error) {
	var remote partner.RemoteRecord
	err := e.retrier.Do(ctx, "fetch remote record", func() error {
		var gerr error
		remote, gerr = sink.Get(ctx, remoteID)
		return gerr
	})
	return remote, err
}

// remoteDrift lists the canonical fields whose remote values differ from the
// local record, with the remote renderings. Consulted only when the remote
// version token moved, so a difference means the remote side changed.
func remoteDrift(a mapper.Adapter, rec *models.CanonicalRecord, payload models.PartnerPayload) ([]string, map[string]string, error) {
	patch, err := a.FromPartner(payload)
	if err != nil {
		return nil, nil, err
	}

	var fields []string
	values := make(map[string]string)
	for _, f := range patch.Fields() {
		rv := patch.FieldValue(f)
		if rv == rec.FieldValue(f) {
			continue
		}
		fields = append(fields, f)
		values[f] = rv
	}
	return fields, values, nil
}

// fieldValues renders the changed local fields for conflict records.
func fieldValues(rec *models.CanonicalRecord, fields []string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]string, len(fields))
	for _, f := range fields {
		values[f] = rec.FieldValue(f)
	}
	return values
}

// versionTime recovers a change time from a remote version token. AWS and GCP
// tokens are modification timestamps; opaque tokens fall back to now.
func versionTime(version string) time.Time {
	if ts, err := time.Parse(time.RFC3339, version); err == nil {
		return ts
	}
	return time.Now().UTC()
}

// setPatchField parses a resolved string value back into a typed patch field.
func setPatchField(patch *models.RecordPatch, field, value string) error {
	switch field {
	case models.FieldTitle:
		patch.Title = &value
	case models.FieldDescription:
		patch.Description = &value
	case models.FieldCurrency:
		patch.Currency = &value
	case models.FieldCompany:
		patch.CompanyName = &value
	case models.FieldStage:
		stage := models.Stage(value)
		if !stage.Valid() {
			return fmt.Errorf("resolved stage %q is not canonical", value)
		}
		patch.Stage = &stage
	case models.FieldAmount:
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return fmt.Errorf("resolved amount %q: %w", value, err)
		}
		patch.Amount = &amount
	case models.FieldCloseDate:
		date, err := models.ParseDate(value)
		if err != nil {
			return fmt.Errorf("resolved close date %q: %w", value, err)
		}
		patch.CloseDate = &date
	default:
		return fmt.Errorf("cannot patch unknown field %q", field)
	}
	return nil
}
