package governance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policygov/internal/audit"
	"policygov/internal/boundary"
	"policygov/internal/events"
	"policygov/internal/policy"
	"policygov/internal/rbac"
)

const (
	wsID      = "ws_1"
	ownerID   = "owner_1"
	agentID   = "agent_1"
	agent2ID  = "agent_2"
	dailyID   = "pol_daily"
	hourlyID  = "pol_hourly"
	foreignID = "pol_foreign"
)

var (
	owner  = Actor{ID: ownerID, Role: rbac.RoleOwner}
	admin  = Actor{ID: "root", Role: rbac.RoleSuperAdmin}
	member = Actor{ID: "member_1", Role: rbac.RoleMember}
	agent  = Actor{ID: agentID, Role: rbac.RoleAgent, Agent: true}
	agent2 = Actor{ID: agent2ID, Role: rbac.RoleAgent, Agent: true}
)

type recordingEmitter struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recordingEmitter) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
}

func (r *recordingEmitter) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.got))
	for _, e := range r.got {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	t       *testing.T
	store   *MemoryStore
	svc     *Service
	emitter *recordingEmitter
	now     time.Time
}

func newFixture(t *testing.T, tier string) *fixture {
	t.Helper()
	f := &fixture{
		t:       t,
		store:   NewMemoryStore(),
		emitter: &recordingEmitter{},
		now:     time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
	f.store.PutWorkspace(Workspace{ID: wsID, OwnerID: ownerID, Tier: tier})
	f.store.PutWorkspace(Workspace{ID: "ws_2", OwnerID: "owner_2", Tier: boundary.TierAgency})
	f.store.PutAgent(Agent{ID: agentID, WorkspaceID: wsID, Name: "buyer"})
	f.store.PutAgent(Agent{ID: agent2ID, WorkspaceID: wsID, Name: "planner"})
	f.store.PutPolicy(policy.RiskPolicy{
		ID: dailyID, WorkspaceID: wsID, AgentID: agentID, PolicyType: "daily_spend_cap",
		ThresholdValue: decimal.RequireFromString("20.00"), CooldownMinutes: 60,
		ActionType: policy.ActionAlertOnly, IsEnabled: true,
	})
	f.store.PutPolicy(policy.RiskPolicy{
		ID: hourlyID, WorkspaceID: wsID, AgentID: agentID, PolicyType: "hourly_spend_cap",
		ThresholdValue: decimal.RequireFromString("5.00"), CooldownMinutes: 30,
		ActionType: policy.ActionThrottle, IsEnabled: true,
	})
	f.store.PutPolicy(policy.RiskPolicy{
		ID: foreignID, WorkspaceID: "ws_2", PolicyType: "daily_spend_cap",
		ThresholdValue: decimal.RequireFromString("1.00"), CooldownMinutes: 60,
		ActionType: policy.ActionAlertOnly,
	})

	validator := boundary.NewValidator(boundary.NewCache(f.store, nil, 0))
	f.svc = NewService(f.store, validator).
		WithClock(func() time.Time { return f.now }).
		WithEmitter(f.emitter)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) policy(id string) policy.RiskPolicy {
	f.t.Helper()
	p, ok := f.store.Policy(id)
	require.True(f.t, ok, "policy %s missing", id)
	return p
}

func (f *fixture) submit(policyID string, field policy.Field, value string) Request {
	f.t.Helper()
	r, err := f.svc.CreateRequest(context.Background(), wsID, agent, CreateRequestInput{
		AgentID: agentID,
		RequestedChanges: RequestedChange{
			PolicyID:       policyID,
			Field:          field,
			RequestedValue: policy.Value(value),
		},
		Reason: "spend forecast went up",
	})
	require.NoError(f.t, err)
	return r
}

func (f *fixture) auditOf(t audit.EventType) []audit.Event {
	var out []audit.Event
	for _, e := range f.store.AuditEvents() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestCreateRequest_NeverMutatesPolicy(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	before := f.policy(dailyID)

	for _, v := range []string{"75.00", "9999999999999999.9999", "0"} {
		f.advance(20 * time.Minute)
		f.submit(dailyID, policy.FieldThresholdValue, v)
		assert.Equal(t, before, f.policy(dailyID), "value %s", v)
	}
}

func TestCreateRequest_SnapshotsAndDefaults(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	r := f.submit(dailyID, policy.FieldCooldownMinutes, "45")

	assert.Equal(t, RequestPending, r.Status)
	assert.Equal(t, policy.Value("60"), r.RequestedChanges.CurrentValue)
	require.NotNil(t, r.ExpiresAt)
	assert.Equal(t, f.now.Add(24*time.Hour), *r.ExpiresAt)
	require.NotNil(t, r.PolicySnapshot.ThresholdValue)
	assert.Equal(t, "20", r.PolicySnapshot.ThresholdValue.String())

	sub := f.auditOf(audit.EventRequestSubmitted)
	require.Len(t, sub, 1)
	assert.Equal(t, agentID, sub[0].AgentID)
	assert.Equal(t, []string{"request_submitted"}, f.emitter.types())
}

func TestCreateRequest_ValidationErrorsAreNotAudited(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	ctx := context.Background()

	cases := []struct {
		name  string
		actor Actor
		in    CreateRequestInput
		want  error
	}{
		{"immutable field", agent, CreateRequestInput{AgentID: agentID, Reason: "r",
			RequestedChanges: RequestedChange{PolicyID: dailyID, Field: "workspace_id", RequestedValue: "ws_2"}}, ErrInvalidArgument},
		{"policy_type field", agent, CreateRequestInput{AgentID: agentID, Reason: "r",
			RequestedChanges: RequestedChange{PolicyID: dailyID, Field: "policy_type", RequestedValue: "x"}}, ErrInvalidArgument},
		{"missing reason", agent, CreateRequestInput{AgentID: agentID,
			RequestedChanges: RequestedChange{PolicyID: dailyID, Field: policy.FieldThresholdValue, RequestedValue: "1"}}, ErrInvalidArgument},
		{"missing value", agent, CreateRequestInput{AgentID: agentID, Reason: "r",
			RequestedChanges: RequestedChange{PolicyID: dailyID, Field: policy.FieldThresholdValue}}, ErrInvalidArgument},
		{"malformed value", agent, CreateRequestInput{AgentID: agentID, Reason: "r",
			RequestedChanges: RequestedChange{PolicyID: dailyID, Field: policy.FieldThresholdValue, RequestedValue: "lots"}}, ErrInvalidArgument},
		{"unknown action", agent, CreateRequestInput{AgentID: agentID, Reason: "r",
			RequestedChanges: RequestedChange{PolicyID: dailyID, Field: policy.FieldActionType, RequestedValue: "explode"}}, ErrInvalidArgument},
		{"agent not in workspace", Actor{ID: "stranger", Agent: true}, CreateRequestInput{AgentID: "stranger", Reason: "r",
			RequestedChanges: RequestedChange{PolicyID: dailyID, Field: policy.FieldThresholdValue, RequestedValue: "1"}}, ErrAgentNotFound},
		{"policy in other workspace", agent, CreateRequestInput{AgentID: agentID, Reason: "r",
			RequestedChanges: RequestedChange{PolicyID: foreignID, Field: policy.FieldThresholdValue, RequestedValue: "1"}}, ErrPolicyNotFound},
		{"agent acting for another", agent2, CreateRequestInput{AgentID: agentID, Reason: "r",
			RequestedChanges: RequestedChange{PolicyID: dailyID, Field: policy.FieldThresholdValue, RequestedValue: "1"}}, ErrNotOwnAgent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateRequest(ctx, wsID, tc.actor, tc.in)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, f.store.AuditEvents())
	assert.Empty(t, f.store.Requests())
	assert.True(t, errors.Is(ErrAgentNotFound, ErrNotFound))
}

func TestCreateRequest_RejectsUnboundedDecimals(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	before := f.policy(dailyID)

	cases := []struct {
		field policy.Field
		value string
	}{
		{policy.FieldCooldownMinutes, "1e20000000"},
		{policy.FieldThresholdValue, "1e-20000000"},
		{policy.FieldThresholdValue, "2e1"},
		{policy.FieldThresholdValue, "49.99999"},
		{policy.FieldThresholdValue, "12345678901234567"},
	}
	for _, tc := range cases {
		start := time.Now()
		_, err := f.svc.CreateRequest(context.Background(), wsID, agent, CreateRequestInput{
			AgentID:          agentID,
			RequestedChanges: RequestedChange{PolicyID: dailyID, Field: tc.field, RequestedValue: policy.Value(tc.value)},
			Reason:           "r",
		})
		assert.ErrorIs(t, err, ErrInvalidArgument, tc.value)
		assert.Less(t, time.Since(start), time.Second, tc.value)
	}

	pending, err := f.svc.ListRequests(context.Background(), RequestFilter{WorkspaceID: wsID})
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, before, f.policy(dailyID))

	// Four decimal places fit the stored column and go through unchanged.
	r := f.submit(dailyID, policy.FieldThresholdValue, "19.9999")
	res, err := f.svc.ApproveRequest(context.Background(), wsID, owner, r.ID, ApproveInput{Mode: ModeOneTime})
	require.NoError(t, err)
	assert.Equal(t, "19.9999", res.Policy.ThresholdValue.String())
}

func TestApproveRequest_RejectsUnboundedSpendDelta(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	r := f.submit(dailyID, policy.FieldThresholdValue, "30")

	for _, v := range []string{"1e-20000000", "0.00001"} {
		_, err := f.svc.ApproveRequest(context.Background(), wsID, owner, r.ID, ApproveInput{
			Mode:             ModeDelegate,
			DelegationParams: &DelegationParams{DurationMinutes: 60, MaxSpendDelta: policy.Value(v)},
		})
		assert.ErrorIs(t, err, ErrInvalidArgument, v)
	}
	assert.Equal(t, "20", f.policy(dailyID).ThresholdValue.String())
}

func TestCreateRequest_CooldownIsPerPolicy(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	ctx := context.Background()

	first := f.submit(dailyID, policy.FieldThresholdValue, "30")

	f.advance(5 * time.Minute)
	_, err := f.svc.CreateRequest(ctx, wsID, agent, CreateRequestInput{
		AgentID: agentID, Reason: "again",
		RequestedChanges: RequestedChange{PolicyID: dailyID, Field: policy.FieldThresholdValue, RequestedValue: "35"},
	})
	require.ErrorIs(t, err, ErrCooldownActive)

	pending := 0
	for _, r := range f.store.Requests() {
		if r.PolicyID == dailyID && r.Status == RequestPending {
			pending++
		}
	}
	assert.Equal(t, 1, pending)

	// An unrelated policy is not affected.
	f.submit(hourlyID, policy.FieldThresholdValue, "6")

	// Backdate the first request past the window.
	require.True(t, f.store.EditRequest(first.ID, func(r *Request) {
		r.RequestedAt = r.RequestedAt.Add(-16 * time.Minute)
	}))
	f.submit(dailyID, policy.FieldThresholdValue, "35")
}

type busyGuard struct{}

func (busyGuard) Acquire(context.Context, string) (func(), bool, error) { return nil, false, nil }

func TestCreateRequest_BusyGuardReportsCooldown(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	f.svc.WithGuard(busyGuard{})

	_, err := f.svc.CreateRequest(context.Background(), wsID, agent, CreateRequestInput{
		AgentID: agentID, Reason: "r",
		RequestedChanges: RequestedChange{PolicyID: dailyID, Field: policy.FieldThresholdValue, RequestedValue: "30"},
	})
	assert.ErrorIs(t, err, ErrCooldownActive)
}

func TestExpireStaleRequests_Idempotent(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	ctx := context.Background()

	r := f.submit(dailyID, policy.FieldThresholdValue, "30")
	legacy := f.submit(hourlyID, policy.FieldThresholdValue, "6")
	require.True(t, f.store.EditRequest(legacy.ID, func(r *Request) { r.ExpiresAt = nil }))

	n, err := f.svc.ExpireStaleRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing is stale yet")

	f.advance(25 * time.Hour)
	n, err = f.svc.ExpireStaleRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.svc.ExpireStaleRequests(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for _, req := range f.store.Requests() {
		assert.Equal(t, RequestExpired, req.Status, req.ID)
	}
	assert.Len(t, f.auditOf(audit.EventRequestExpired), 2)

	_, err = f.svc.ApproveRequest(ctx, wsID, owner, r.ID, ApproveInput{Mode: ModeOneTime})
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "expired", se.Current)
}

func TestListRequests_Filters(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	ctx := context.Background()

	r1 := f.submit(dailyID, policy.FieldThresholdValue, "30")
	f.advance(time.Minute)
	f.submit(hourlyID, policy.FieldThresholdValue, "6")
	_, err := f.svc.DenyRequest(ctx, wsID, owner, r1.ID, "no")
	require.NoError(t, err)

	all, err := f.svc.ListRequests(ctx, RequestFilter{WorkspaceID: wsID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, hourlyID, all[0].PolicyID, "newest first")

	pending, err := f.svc.ListRequests(ctx, RequestFilter{WorkspaceID: wsID, Status: RequestPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)

	none, err := f.svc.ListRequests(ctx, RequestFilter{WorkspaceID: wsID, AgentID: agent2ID})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.svc.ListRequests(ctx, RequestFilter{WorkspaceID: wsID, Status: "maybe"})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBoundariesFor(t *testing.T) {
	f := newFixture(t, boundary.TierPro)
	b, err := f.svc.BoundariesFor(context.Background(), wsID)
	require.NoError(t, err)
	assert.Equal(t, boundary.TierPro, b.TierName)

	_, err = f.svc.BoundariesFor(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoleFor(t *testing.T) {
	f := newFixture(t, boundary.TierFree)
	ctx := context.Background()

	role, err := f.svc.RoleFor(ctx, wsID, ownerID, false)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleOwner, role)

	role, err = f.svc.RoleFor(ctx, wsID, "member_1", false)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleMember, role)

	role, err = f.svc.RoleFor(ctx, wsID, agentID, true)
	require.NoError(t, err)
	assert.Equal(t, rbac.RoleAgent, role)

	_, err = f.svc.RoleFor(ctx, wsID, "ghost", true)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.RoleFor(ctx, "ws_missing", ownerID, false)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.RoleFor(ctx, "", ownerID, false)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
