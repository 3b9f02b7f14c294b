package governance

import (
	"context"
	"sort"
	"sync"
	"time"

	"policygov/internal/audit"
	"policygov/internal/policy"
)

// MemoryStore is an in-memory Store useful for tests and local runs.
// Transactions are serialized and work on a copy that replaces the committed
// state only when fn succeeds.
type MemoryStore struct {
	txMu sync.Mutex

	mu    sync.RWMutex
	state *memState
}

type memState struct {
	workspaces map[string]Workspace
	agents     map[string]Agent
	policies   map[string]policy.RiskPolicy
	requests   []Request
	grants     []Grant
	audit      *audit.MemoryRepo
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		workspaces: make(map[string]Workspace),
		agents:     make(map[string]Agent),
		policies:   make(map[string]policy.RiskPolicy),
		audit:      audit.NewMemoryRepo(),
	}}
}

func (st *memState) clone() *memState {
	out := &memState{
		workspaces: make(map[string]Workspace, len(st.workspaces)),
		agents:     make(map[string]Agent, len(st.agents)),
		policies:   make(map[string]policy.RiskPolicy, len(st.policies)),
		requests:   append([]Request(nil), st.requests...),
		grants:     append([]Grant(nil), st.grants...),
		audit:      st.audit.Clone(),
	}
	for k, v := range st.workspaces {
		out.workspaces[k] = v
	}
	for k, v := range st.agents {
		out.agents[k] = v
	}
	for k, v := range st.policies {
		out.policies[k] = v
	}
	return out
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) WorkspaceTier(ctx context.Context, workspaceID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.state.workspaces[workspaceID]
	if !ok {
		return "", ErrWorkspaceNotFound
	}
	return ws.Tier, nil
}

// Seeding and inspection helpers. These bypass governance entirely.

func (s *MemoryStore) PutWorkspace(ws Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.workspaces[ws.ID] = ws
}

func (s *MemoryStore) PutAgent(a Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.agents[agentKey(a.WorkspaceID, a.ID)] = a
}

func (s *MemoryStore) PutPolicy(p policy.RiskPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.policies[p.ID] = p
}

func (s *MemoryStore) Policy(id string) (policy.RiskPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.state.policies[id]
	return p, ok
}

func (s *MemoryStore) Requests() []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Request(nil), s.state.requests...)
}

func (s *MemoryStore) Grants() []Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Grant(nil), s.state.grants...)
}

// AuditEvents returns committed audit events in insertion order.
func (s *MemoryStore) AuditEvents() []audit.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.audit.Events()
}

// EditRequest rewrites a stored request in place, e.g. to backdate it.
func (s *MemoryStore) EditRequest(id string, fn func(*Request)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.requests {
		if s.state.requests[i].ID == id {
			fn(&s.state.requests[i])
			return true
		}
	}
	return false
}

// EditGrant rewrites a stored grant in place, e.g. to move valid_to.
func (s *MemoryStore) EditGrant(id string, fn func(*Grant)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.state.grants {
		if s.state.grants[i].ID == id {
			fn(&s.state.grants[i])
			return true
		}
	}
	return false
}

func agentKey(workspaceID, agentID string) string { return workspaceID + "/" + agentID }

type memTx struct {
	st *memState
}

func (t *memTx) Audit() audit.Repository { return t.st.audit }

func (t *memTx) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	ws, ok := t.st.workspaces[workspaceID]
	if !ok {
		return Workspace{}, ErrWorkspaceNotFound
	}
	return ws, nil
}

func (t *memTx) GetAgent(ctx context.Context, workspaceID, agentID string) (Agent, error) {
	a, ok := t.st.agents[agentKey(workspaceID, agentID)]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return a, nil
}

func (t *memTx) GetPolicyForUpdate(ctx context.Context, workspaceID, policyID string) (policy.RiskPolicy, error) {
	p, ok := t.st.policies[policyID]
	if !ok || p.WorkspaceID != workspaceID {
		return policy.RiskPolicy{}, ErrPolicyNotFound
	}
	return p, nil
}

func (t *memTx) UpdatePolicy(ctx context.Context, p policy.RiskPolicy) error {
	cur, ok := t.st.policies[p.ID]
	if !ok || cur.WorkspaceID != p.WorkspaceID {
		return ErrPolicyNotFound
	}
	cur.ThresholdValue = p.ThresholdValue
	cur.CooldownMinutes = p.CooldownMinutes
	cur.ActionType = p.ActionType
	cur.UpdatedAt = p.UpdatedAt
	t.st.policies[p.ID] = cur
	return nil
}

func (t *memTx) InsertRequest(ctx context.Context, r Request) error {
	t.st.requests = append(t.st.requests, r)
	return nil
}

func (t *memTx) GetRequestForUpdate(ctx context.Context, workspaceID, requestID string) (Request, error) {
	for _, r := range t.st.requests {
		if r.ID == requestID && r.WorkspaceID == workspaceID {
			return r, nil
		}
	}
	return Request{}, ErrRequestNotFound
}

func (t *memTx) UpdateRequestReview(ctx context.Context, r Request) error {
	for i := range t.st.requests {
		cur := &t.st.requests[i]
		if cur.ID == r.ID && cur.WorkspaceID == r.WorkspaceID {
			cur.Status = r.Status
			cur.ReviewedBy = r.ReviewedBy
			cur.ReviewedAt = r.ReviewedAt
			cur.ReviewNote = r.ReviewNote
			return nil
		}
	}
	return ErrRequestNotFound
}

func (t *memTx) HasPendingRequestSince(ctx context.Context, workspaceID, policyID string, since time.Time) (bool, error) {
	for _, r := range t.st.requests {
		if r.WorkspaceID == workspaceID && r.PolicyID == policyID && r.Status == RequestPending && !r.RequestedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) ListRequests(ctx context.Context, f RequestFilter) ([]Request, error) {
	var out []Request
	for i := len(t.st.requests) - 1; i >= 0; i-- {
		r := t.st.requests[i]
		if r.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.AgentID != "" && r.AgentID != f.AgentID {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RequestedAt.After(out[j].RequestedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *memTx) ExpireRequests(ctx context.Context, now, fallbackCutoff time.Time) ([]Request, error) {
	var out []Request
	for i := range t.st.requests {
		r := &t.st.requests[i]
		if r.Status != RequestPending {
			continue
		}
		stale := r.ExpiresAt != nil && r.ExpiresAt.Before(now)
		if r.ExpiresAt == nil {
			stale = r.RequestedAt.Before(fallbackCutoff)
		}
		if stale {
			r.Status = RequestExpired
			out = append(out, *r)
		}
	}
	return out, nil
}

func (t *memTx) InsertGrant(ctx context.Context, g Grant) error {
	t.st.grants = append(t.st.grants, g)
	return nil
}

func (t *memTx) GetGrantForUpdate(ctx context.Context, workspaceID, grantID string) (Grant, error) {
	for _, g := range t.st.grants {
		if g.ID == grantID && g.WorkspaceID == workspaceID {
			return g, nil
		}
	}
	return Grant{}, ErrGrantNotFound
}

func (t *memTx) UpdateGrant(ctx context.Context, g Grant) error {
	for i := range t.st.grants {
		cur := &t.st.grants[i]
		if cur.ID == g.ID && cur.WorkspaceID == g.WorkspaceID {
			// active only ever goes true -> false
			cur.Active = cur.Active && g.Active
			cur.RevokedAt = g.RevokedAt
			cur.RevokedBy = g.RevokedBy
			return nil
		}
	}
	return ErrGrantNotFound
}

func (t *memTx) ListActiveGrants(ctx context.Context, workspaceID, agentID string, now time.Time) ([]Grant, error) {
	var out []Grant
	for _, g := range t.st.grants {
		if g.WorkspaceID != workspaceID || !g.Active || !g.InWindow(now) {
			continue
		}
		if agentID != "" && g.AgentID != agentID {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

func (t *memTx) ExpireGrants(ctx context.Context, now time.Time) ([]Grant, error) {
	var out []Grant
	for i := range t.st.grants {
		g := &t.st.grants[i]
		if g.Active && g.ValidTo.Before(now) {
			g.Active = false
			out = append(out, *g)
		}
	}
	return out, nil
}
