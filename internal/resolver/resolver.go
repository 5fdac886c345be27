// Package resolver decides which side of a detected conflict wins. Policies
// are configured per deployment with per-field overrides; conflicts whose
// policy cannot decide are parked for a manual, write-once resolution.
package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/TheMichaelB/dealsync/internal/config"
	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
	"github.com/TheMichaelB/dealsync/internal/state"
)

// Resolution policies.
const (
	PolicyLastWriteWins = "last-write-wins"
	PolicyPreferLocal   = "prefer-local"
	PolicyPreferRemote  = "prefer-remote"
	PolicyManual        = "manual"
)

// Outcome pairs a recorded conflict with its disposition after policy
// application.
type Outcome struct {
	Conflict *models.ConflictRecord
	// Resolved is true when a policy decided the conflict automatically;
	// false means it is parked pending manual resolution.
	Resolved bool
}

// Resolver applies conflict policies against the durable conflict log.
type Resolver struct {
	conflicts     state.ConflictStore
	defaultPolicy string
	overrides     map[string]string
	logger        *events.Logger
	now           func() time.Time
}

// New creates a resolver from configuration.
func New(conflicts state.ConflictStore, cfg config.ResolverConfig, logger *events.Logger) *Resolver {
	return &Resolver{
		conflicts:     conflicts,
		defaultPolicy: cfg.Default,
		overrides:     cfg.FieldOverrides,
		logger:        logger.WithField("component", "resolver"),
		now:           time.Now,
	}
}

// PolicyFor returns the policy governing a canonical field. Field overrides
// always beat the default.
func (r *Resolver) PolicyFor(field string) string {
	if policy, ok := r.overrides[field]; ok {
		return policy
	}
	return r.defaultPolicy
}

// Decide applies the field's policy to a conflict. Returns
// models.ErrManualResolutionRequired when the policy is manual.
func (r *Resolver) Decide(c models.FieldConflict) (models.Resolution, error) {
	policy := r.PolicyFor(c.Field)

	var winner models.Side
	switch policy {
	case PolicyPreferLocal:
		winner = models.SideLocal
	case PolicyPreferRemote:
		winner = models.SideRemote
	case PolicyLastWriteWins:
		// Ties keep the local value: the CRM is the system of record.
		if c.RemoteChangedAt.After(c.LocalChangedAt) {
			winner = models.SideRemote
		} else {
			winner = models.SideLocal
		}
	case PolicyManual:
		return models.Resolution{}, models.ErrManualResolutionRequired
	default:
		return models.Resolution{}, fmt.Errorf("unknown policy %q for field %q", policy, c.Field)
	}

	value := c.LocalValue
	if winner == models.SideRemote {
		value = c.RemoteValue
	}
	return models.Resolution{
		Winner:     winner,
		Value:      value,
		Policy:     policy,
		ResolvedBy: "policy",
		ResolvedAt: r.now().UTC(),
	}, nil
}

// Record logs detected conflicts and immediately applies policies. Every
// conflict is appended first so the log is complete even when a policy
// decides it in the same breath.
func (r *Resolver) Record(ctx context.Context, localID string, partner models.Partner, conflicts []models.FieldConflict) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(conflicts))

	for _, fc := range conflicts {
		record := &models.ConflictRecord{
			ID:            uuid.New().String(),
			LocalID:       localID,
			Partner:       partner,
			FieldConflict: fc,
			DetectedAt:    r.now().UTC(),
			Status:        models.ResolutionPending,
		}
		if err := r.conflicts.Append(ctx, record); err != nil {
			return outcomes, fmt.Errorf("record conflict on %s: %w", fc.Field, err)
		}

		logger := r.logger.WithFields(map[string]interface{}{
			"local_id":    localID,
			"partner":     string(partner),
			"field":       fc.Field,
			"conflict_id": record.ID,
		})

		resolution, err := r.Decide(fc)
		if err == models.ErrManualResolutionRequired {
			logger.Warn("Conflict requires manual resolution")
			outcomes = append(outcomes, Outcome{Conflict: record})
			continue
		}
		if err != nil {
			return outcomes, err
		}

		resolved, err := r.conflicts.Resolve(ctx, record.ID, resolution)
		if err != nil {
			return outcomes, fmt.Errorf("resolve conflict on %s: %w", fc.Field, err)
		}
		logger.WithFields(map[string]interface{}{
			"policy": resolution.Policy,
			"winner": string(resolution.Winner),
		}).Info("Conflict auto-resolved")
		outcomes = append(outcomes, Outcome{Conflict: resolved, Resolved: true})
	}

	return outcomes, nil
}

// ResolveManual records a human decision against a pending conflict. The
// resolution is write-once: a second attempt fails with
// models.ErrAlreadyResolved and the first decision stands.
func (r *Resolver) ResolveManual(ctx context.Context, conflictID string, winner models.Side, resolvedBy string) (*models.ConflictRecord, error) {
	if !winner.Valid() {
		return nil, fmt.Errorf("unknown side %q", winner)
	}
	if resolvedBy == "" {
		return nil, fmt.Errorf("resolved_by is required")
	}

	conflict, err := r.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	resolution := models.Resolution{
		Winner:     winner,
		Value:      conflict.SideValue(winner),
		Policy:     PolicyManual,
		ResolvedBy: resolvedBy,
		ResolvedAt: r.now().UTC(),
	}

	resolved, err := r.conflicts.Resolve(ctx, conflictID, resolution)
	if err != nil {
		return nil, err
	}

	r.logger.WithFields(map[string]interface{}{
		"conflict_id": conflictID,
		"field":       resolved.Field,
		"winner":      string(winner),
		"resolved_by": resolvedBy,
	}).Info("Conflict manually resolved")
	return resolved, nil
}

// Pending lists unresolved conflicts, oldest first.
func (r *Resolver) Pending(ctx context.Context) ([]*models.ConflictRecord, error) {
	return r.conflicts.ListPending(ctx)
}

// ForRecord lists all conflicts for a local record.
func (r *Resolver) ForRecord(ctx context.Context, localID string) ([]*models.ConflictRecord, error) {
	return r.conflicts.ListByRecord(ctx, localID)
}

// Get retrieves one conflict.
func (r *Resolver) Get(ctx context.Context, conflictID string) (*models.ConflictRecord, error) {
	return r.conflicts.Get(ctx, conflictID)
}
