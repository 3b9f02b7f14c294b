package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policygov/internal/audit"
	"policygov/internal/boundary"
	"policygov/internal/policy"
	"policygov/internal/rbac"
)

func (f *fixture) delegate(policyID string, field policy.Field, value string, params DelegationParams) Grant {
	f.t.Helper()
	r := f.submit(policyID, field, value)
	res, err := f.svc.ApproveRequest(context.Background(), wsID, owner, r.ID, ApproveInput{Mode: ModeDelegate, DelegationParams: &params})
	require.NoError(f.t, err)
	require.NotNil(f.t, res.Grant)
	return *res.Grant
}

func (f *fixture) apply(g Grant, as Actor, field policy.Field, value string) (ChangeResult, error) {
	return f.svc.ApplyDelegatedChange(context.Background(), wsID, as, g.ID, DelegatedChange{
		AgentID:  as.ID,
		PolicyID: g.AllowedChanges.PolicyID,
		Field:    field,
		NewValue: policy.Value(value),
	})
}

func TestDelegation_RoundTrip(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	g := f.delegate(dailyID, policy.FieldThresholdValue, "40", DelegationParams{DurationMinutes: 60})

	active, err := f.svc.GetActiveGrants(context.Background(), wsID, agentID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, g.ValidFrom.Add(60*time.Minute), active[0].ValidTo)

	_, err = f.apply(g, agent, policy.FieldThresholdValue, "45")
	require.ErrorIs(t, err, ErrEnvelopeViolation)
	assert.Equal(t, "20", f.policy(dailyID).ThresholdValue.String())

	v := f.auditOf(audit.EventBoundaryViolation)
	require.Len(t, v, 1)
	var d violationDetails
	require.NoError(t, v[0].DecodeDetails(&d))
	assert.Equal(t, sourceGrantEnvelope, d.Source)
	assert.Equal(t, g.ID, d.GrantID)

	f.advance(10 * time.Minute)
	res, err := f.apply(g, agent, policy.FieldThresholdValue, "30")
	require.NoError(t, err)
	assert.Equal(t, "30", f.policy(dailyID).ThresholdValue.String())
	assert.Equal(t, "20", res.PolicyBefore.ThresholdValue.String())
	assert.Equal(t, "30", res.PolicyAfter.ThresholdValue.String())

	// The range is direction-agnostic and the grant stays usable.
	_, err = f.apply(g, agent, policy.FieldThresholdValue, "20")
	require.NoError(t, err)

	assert.Len(t, f.auditOf(audit.EventGrantUsed), 2)
	applied := f.auditOf(audit.EventChangeApplied)
	require.Len(t, applied, 2)
	assert.Equal(t, res.AuditEntryID, applied[0].ID)
}

func TestDelegation_FieldAndPolicyMustMatch(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	g := f.delegate(dailyID, policy.FieldThresholdValue, "40", DelegationParams{DurationMinutes: 60})

	_, err := f.apply(g, agent, policy.FieldCooldownMinutes, "45")
	assert.ErrorIs(t, err, ErrEnvelopeViolation)

	_, err = f.svc.ApplyDelegatedChange(context.Background(), wsID, agent, g.ID, DelegatedChange{
		AgentID: agentID, PolicyID: hourlyID, Field: policy.FieldThresholdValue, NewValue: "6",
	})
	assert.ErrorIs(t, err, ErrEnvelopeViolation)
	assert.Equal(t, "5", f.policy(hourlyID).ThresholdValue.String())
}

func TestDelegation_OnlyTheGranteeMayApply(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	g := f.delegate(dailyID, policy.FieldThresholdValue, "40", DelegationParams{DurationMinutes: 60})

	_, err := f.apply(g, agent2, policy.FieldThresholdValue, "30")
	assert.ErrorIs(t, err, ErrGrantNotOwned)

	_, err = f.svc.ApplyDelegatedChange(context.Background(), wsID, agent2, g.ID, DelegatedChange{
		AgentID: agentID, PolicyID: dailyID, Field: policy.FieldThresholdValue, NewValue: "30",
	})
	assert.ErrorIs(t, err, ErrNotOwnAgent)

	_, err = f.svc.ApplyDelegatedChange(context.Background(), "ws_2", agent, g.ID, DelegatedChange{
		AgentID: agentID, PolicyID: dailyID, Field: policy.FieldThresholdValue, NewValue: "30",
	})
	assert.ErrorIs(t, err, ErrGrantNotFound)
}

func TestDelegation_HumansCannotApply(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	g := f.delegate(dailyID, policy.FieldThresholdValue, "40", DelegationParams{DurationMinutes: 60})

	// A human carrying the grantee's id is still not the grantee.
	impostor := Actor{ID: agentID, Role: rbac.RoleOwner}
	for _, as := range []Actor{owner, admin, member, impostor} {
		_, err := f.svc.ApplyDelegatedChange(context.Background(), wsID, as, g.ID, DelegatedChange{
			AgentID: agentID, PolicyID: dailyID, Field: policy.FieldThresholdValue, NewValue: "30",
		})
		assert.ErrorIs(t, err, ErrNotGrantee, as.ID)
		assert.ErrorIs(t, err, ErrForbidden, as.ID)
	}
	assert.Equal(t, "20", f.policy(dailyID).ThresholdValue.String())
	assert.Empty(t, f.auditOf(audit.EventGrantUsed))
}

func TestDelegation_MalformedValueIsInvalidNotAudited(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	g := f.delegate(dailyID, policy.FieldThresholdValue, "40", DelegationParams{DurationMinutes: 60})
	violations := len(f.auditOf(audit.EventBoundaryViolation))

	for _, v := range []string{"1e-20000000", "3e1", "25.00001"} {
		_, err := f.apply(g, agent, policy.FieldThresholdValue, v)
		assert.ErrorIs(t, err, ErrInvalidArgument, v)
	}
	assert.Len(t, f.auditOf(audit.EventBoundaryViolation), violations)
	assert.Empty(t, f.auditOf(audit.EventGrantUsed))
	assert.Equal(t, "20", f.policy(dailyID).ThresholdValue.String())
}

func TestDelegation_WorkspaceBoundaryStillApplies(t *testing.T) {
	f := newFixture(t, boundary.TierPro)
	g := f.delegate(dailyID, policy.FieldThresholdValue, "1500", DelegationParams{DurationMinutes: 120})

	// The workspace drops to free after the grant was issued.
	f.store.PutWorkspace(Workspace{ID: wsID, OwnerID: ownerID, Tier: boundary.TierFree})

	_, err := f.apply(g, agent, policy.FieldThresholdValue, "1000")
	require.ErrorIs(t, err, boundary.ErrBoundaryViolation)
	assert.Equal(t, "20", f.policy(dailyID).ThresholdValue.String())

	v := f.auditOf(audit.EventBoundaryViolation)
	require.Len(t, v, 1)
	var d violationDetails
	require.NoError(t, v[0].DecodeDetails(&d))
	assert.Equal(t, sourceWorkspaceBoundary, d.Source)

	_, err = f.apply(g, agent, policy.FieldThresholdValue, "50")
	require.NoError(t, err)
}

func TestDelegation_ActionEnvelopeCannotDeescalate(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	g := f.delegate(dailyID, policy.FieldActionType, "pause_agent", DelegationParams{DurationMinutes: 30})
	assert.Equal(t, []string{"alert_only", "pause_agent"}, g.AllowedChanges.Fields[policy.FieldActionType].AllowedValues)

	_, err := f.apply(g, agent, policy.FieldActionType, "throttle")
	require.ErrorIs(t, err, ErrEnvelopeViolation)

	_, err = f.apply(g, agent, policy.FieldActionType, "pause_agent")
	require.NoError(t, err)

	// alert_only is inside the envelope but below the current severity.
	_, err = f.apply(g, agent, policy.FieldActionType, "alert_only")
	require.ErrorIs(t, err, boundary.ErrBoundaryViolation)
	assert.Equal(t, policy.ActionPauseAgent, f.policy(dailyID).ActionType)
}

func TestDelegation_SpendDelta(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	g := f.delegate(dailyID, policy.FieldThresholdValue, "40", DelegationParams{DurationMinutes: 60, MaxSpendDelta: "5"})
	require.NotNil(t, g.MaxSpendDelta)

	_, err := f.apply(g, agent, policy.FieldThresholdValue, "30")
	require.ErrorIs(t, err, ErrEnvelopeViolation)

	_, err = f.apply(g, agent, policy.FieldThresholdValue, "25")
	require.NoError(t, err)
	_, err = f.apply(g, agent, policy.FieldThresholdValue, "30")
	require.NoError(t, err, "delta is measured from the live value")
}

func TestDelegation_LazyExpiry(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	g := f.delegate(dailyID, policy.FieldThresholdValue, "40", DelegationParams{DurationMinutes: 60})

	require.True(t, f.store.EditGrant(g.ID, func(g *Grant) { g.ValidTo = f.now.Add(-time.Minute) }))

	_, err := f.apply(g, agent, policy.FieldThresholdValue, "30")
	require.ErrorIs(t, err, ErrGrantExpired)
	assert.Contains(t, err.Error(), "grant has expired")
	assert.False(t, f.store.Grants()[0].Active)
	assert.Len(t, f.auditOf(audit.EventGrantExpired), 1)

	_, err = f.apply(g, agent, policy.FieldThresholdValue, "30")
	require.ErrorIs(t, err, ErrGrantInactive)
	assert.Len(t, f.auditOf(audit.EventGrantExpired), 1, "expiry is logged once")

	n, err := f.svc.ExpireGrants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "20", f.policy(dailyID).ThresholdValue.String())
}

func TestExpireGrants_Sweep(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	f.delegate(dailyID, policy.FieldThresholdValue, "40", DelegationParams{DurationMinutes: 60})
	f.delegate(hourlyID, policy.FieldThresholdValue, "8", DelegationParams{DurationMinutes: 240})

	f.advance(61 * time.Minute)
	n, err := f.svc.ExpireGrants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.svc.ExpireGrants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	active, err := f.svc.GetActiveGrants(context.Background(), wsID, "")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, hourlyID, active[0].AllowedChanges.PolicyID)
	assert.Len(t, f.auditOf(audit.EventGrantExpired), 1)
}

func TestRevokeGrant(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	ctx := context.Background()
	g := f.delegate(dailyID, policy.FieldThresholdValue, "40", DelegationParams{DurationMinutes: 60})

	_, err := f.svc.RevokeGrant(ctx, wsID, agent, g.ID, "")
	assert.ErrorIs(t, err, ErrAgentCannotDecide)
	_, err = f.svc.RevokeGrant(ctx, wsID, member, g.ID, "")
	assert.ErrorIs(t, err, ErrNotOwner)

	out, err := f.svc.RevokeGrant(ctx, wsID, owner, g.ID, "rotating keys")
	require.NoError(t, err)
	assert.False(t, out.Active)
	require.NotNil(t, out.RevokedAt)
	assert.Equal(t, ownerID, out.RevokedBy)
	assert.Len(t, f.auditOf(audit.EventGrantRevoked), 1)

	_, err = f.apply(g, agent, policy.FieldThresholdValue, "30")
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "revoked", se.Current)

	_, err = f.svc.RevokeGrant(ctx, wsID, owner, g.ID, "")
	assert.ErrorIs(t, err, ErrGrantInactive)

	_, err = f.svc.RevokeGrant(ctx, wsID, owner, "nope", "")
	assert.ErrorIs(t, err, ErrGrantNotFound)
}
