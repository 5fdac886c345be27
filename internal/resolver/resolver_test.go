package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/dealsync/internal/config"
	"github.com/TheMichaelB/dealsync/internal/events"
	"github.com/TheMichaelB/dealsync/internal/models"
	"github.com/TheMichaelB/dealsync/internal/state"
)

func newTestResolver(cfg config.ResolverConfig) (*Resolver, *state.MemoryConflictStore) {
	store := state.NewMemoryConflictStore()
	return New(store, cfg, events.Discard()), store
}

func fieldConflict(field string, localNewer bool) models.FieldConflict {
	base := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	local, remote := base.Add(time.Hour), base
	if !localNewer {
		local, remote = base, base.Add(time.Hour)
	}
	return models.FieldConflict{
		Field:           field,
		LocalValue:      "local-value",
		LocalChangedAt:  local,
		RemoteValue:     "remote-value",
		RemoteChangedAt: remote,
	}
}

func TestPolicyPrecedence(t *testing.T) {
	r, _ := newTestResolver(config.ResolverConfig{
		Default: PolicyLastWriteWins,
		FieldOverrides: map[string]string{
			models.FieldAmount: PolicyManual,
			models.FieldStage:  PolicyPreferLocal,
		},
	})

	assert.Equal(t, PolicyManual, r.PolicyFor(models.FieldAmount))
	assert.Equal(t, PolicyPreferLocal, r.PolicyFor(models.FieldStage))
	assert.Equal(t, PolicyLastWriteWins, r.PolicyFor(models.FieldCloseDate))
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		policy     string
		localNewer bool
		winner     models.Side
		wantErr    error
	}{
		{"prefer local", PolicyPreferLocal, false, models.SideLocal, nil},
		{"prefer remote", PolicyPreferRemote, true, models.SideRemote, nil},
		{"lww local newer", PolicyLastWriteWins, true, models.SideLocal, nil},
		{"lww remote newer", PolicyLastWriteWins, false, models.SideRemote, nil},
		{"manual", PolicyManual, true, "", models.ErrManualResolutionRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestResolver(config.ResolverConfig{Default: tt.policy})

			res, err := r.Decide(fieldConflict(models.FieldCloseDate, tt.localNewer))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.winner, res.Winner)
			if tt.winner == models.SideLocal {
				assert.Equal(t, "local-value", res.Value)
			} else {
				assert.Equal(t, "remote-value", res.Value)
			}
			assert.Equal(t, tt.policy, res.Policy)
		})
	}
}

func TestDecideLastWriteWinsTieKeepsLocal(t *testing.T) {
	r, _ := newTestResolver(config.ResolverConfig{Default: PolicyLastWriteWins})

	ts := time.Date(2026, time.August, 1, 12, 0, 0, 0, time.UTC)
	res, err := r.Decide(models.FieldConflict{
		Field: models.FieldAmount, LocalValue: "1", RemoteValue: "2",
		LocalChangedAt: ts, RemoteChangedAt: ts,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SideLocal, res.Winner)
}

func TestRecordMixedPolicies(t *testing.T) {
	r, store := newTestResolver(config.ResolverConfig{
		Default: PolicyLastWriteWins,
		FieldOverrides: map[string]string{
			models.FieldAmount: PolicyManual,
		},
	})
	ctx := context.Background()

	outcomes, err := r.Record(ctx, "42", models.PartnerAWS, []models.FieldConflict{
		fieldConflict(models.FieldAmount, true),
		fieldConflict(models.FieldCloseDate, false),
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	// Manual conflict parked pending.
	assert.False(t, outcomes[0].Resolved)
	assert.Equal(t, models.FieldAmount, outcomes[0].Conflict.Field)
	assert.Equal(t, models.ResolutionPending, outcomes[0].Conflict.Status)

	// LWW conflict auto-resolved to the newer remote value.
	assert.True(t, outcomes[1].Resolved)
	require.NotNil(t, outcomes[1].Conflict.Resolution)
	assert.Equal(t, models.SideRemote, outcomes[1].Conflict.Resolution.Winner)
	assert.Equal(t, "policy", outcomes[1].Conflict.Resolution.ResolvedBy)

	// Both landed in the durable log.
	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.FieldAmount, pending[0].Field)
}

func TestResolveManual(t *testing.T) {
	r, _ := newTestResolver(config.ResolverConfig{
		Default:        PolicyLastWriteWins,
		FieldOverrides: map[string]string{models.FieldAmount: PolicyManual},
	})
	ctx := context.Background()

	outcomes, err := r.Record(ctx, "42", models.PartnerAWS, []models.FieldConflict{
		fieldConflict(models.FieldAmount, true),
	})
	require.NoError(t, err)
	id := outcomes[0].Conflict.ID

	resolved, err := r.ResolveManual(ctx, id, models.SideRemote, "ops@example.com")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, "remote-value", resolved.Resolution.Value)
	assert.Equal(t, "ops@example.com", resolved.Resolution.ResolvedBy)
	assert.Equal(t, PolicyManual, resolved.Resolution.Policy)
}

func TestResolveManualIsWriteOnce(t *testing.T) {
	r, _ := newTestResolver(config.ResolverConfig{
		Default:        PolicyLastWriteWins,
		FieldOverrides: map[string]string{models.FieldAmount: PolicyManual},
	})
	ctx := context.Background()

	outcomes, err := r.Record(ctx, "42", models.PartnerAWS, []models.FieldConflict{
		fieldConflict(models.FieldAmount, true),
	})
	require.NoError(t, err)
	id := outcomes[0].Conflict.ID

	_, err = r.ResolveManual(ctx, id, models.SideLocal, "alex@example.com")
	require.NoError(t, err)

	_, err = r.ResolveManual(ctx, id, models.SideRemote, "sam@example.com")
	assert.ErrorIs(t, err, models.ErrAlreadyResolved)

	// First decision stands.
	conflict, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SideLocal, conflict.Resolution.Winner)
	assert.Equal(t, "alex@example.com", conflict.Resolution.ResolvedBy)
}

func TestResolveManualValidation(t *testing.T) {
	r, _ := newTestResolver(config.ResolverConfig{Default: PolicyManual})
	ctx := context.Background()

	_, err := r.ResolveManual(ctx, "some-id", models.Side("upstream"), "ops")
	assert.Error(t, err)

	_, err = r.ResolveManual(ctx, "some-id", models.SideLocal, "")
	assert.Error(t, err)

	_, err = r.ResolveManual(ctx, "missing", models.SideLocal, "ops")
	assert.ErrorIs(t, err, models.ErrConflictNotFound)
}
