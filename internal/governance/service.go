// Package governance is the control plane through which agents ask for, and
// humans grant, changes to the policies that bound the agents.
//
// Invariants:
// - No RiskPolicy field changes outside an audited, boundary-checked path.
// - Each operation is one transaction: validate, mutate, audit, commit.
// - Boundary and envelope violations are audited; other failures are not.
package governance

import (
	"context"
	"time"

	"policygov/internal/audit"
	"policygov/internal/boundary"
	"policygov/internal/events"
	"policygov/internal/policy"
	"policygov/internal/rbac"
)

// Emitter receives events after commit. It must not block.
type Emitter interface {
	Emit(events.Event)
}

type Service struct {
	store     Store
	validator *boundary.Validator
	guard     SubmitGuard
	emitter   Emitter
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(store Store, validator *boundary.Validator) *Service {
	return &Service{
		store:     store,
		validator: validator,
		guard:     NewLocalGuard(),
		emitter:   events.Discard{},
		clock:     time.Now,
	}
}

func (s *Service) WithGuard(g SubmitGuard) *Service {
	s.guard = g
	return s
}

func (s *Service) WithEmitter(e Emitter) *Service {
	s.emitter = e
	return s
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

// BoundariesFor exposes the resolved limits of a workspace.
func (s *Service) BoundariesFor(ctx context.Context, workspaceID string) (boundary.Boundaries, error) {
	if workspaceID == "" {
		return boundary.Boundaries{}, ErrInvalidArgument
	}
	return s.validator.BoundariesFor(ctx, workspaceID)
}

// auditor writes through the transaction's audit repository and remembers
// what it wrote so events go out only after commit.
type auditor struct {
	svc     *audit.Service
	written []audit.Event
}

func (s *Service) auditor(tx Tx) *auditor {
	return &auditor{svc: audit.NewService(tx.Audit()).WithClock(s.clock)}
}

func (a *auditor) log(ctx context.Context, workspaceID string, t audit.EventType, details any, agentID, actorID string) (audit.Event, error) {
	e, err := a.svc.Log(ctx, workspaceID, t, details, agentID, actorID)
	if err != nil {
		return audit.Event{}, err
	}
	a.written = append(a.written, e)
	return e, nil
}

func (s *Service) publish(a *auditor) {
	if a == nil {
		return
	}
	for _, e := range a.written {
		var ref struct {
			Source   string `json:"source"`
			PolicyID string `json:"policy_id"`
			Field    string `json:"field"`
		}
		// Details without these keys leave them empty.
		_ = e.DecodeDetails(&ref)
		s.emitter.Emit(events.Event{
			Type:        string(e.Type),
			WorkspaceID: e.WorkspaceID,
			AgentID:     e.AgentID,
			ActorID:     e.ActorID,
			EntryID:     e.ID,
			At:          e.CreatedAt,
			PolicyID:    ref.PolicyID,
			Field:       ref.Field,
			Source:      ref.Source,
		})
	}
}

// RoleFor derives a caller's role from current workspace state, for
// re-issuing tokens. Agents must still be registered; the owner gets owner
// and any other human gets member.
func (s *Service) RoleFor(ctx context.Context, workspaceID, userID string, agent bool) (string, error) {
	if workspaceID == "" || userID == "" {
		return "", ErrInvalidArgument
	}
	var role string
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if agent {
			if _, err := tx.GetAgent(ctx, workspaceID, userID); err != nil {
				return err
			}
			role = rbac.RoleAgent
			return nil
		}
		ws, err := tx.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return err
		}
		role = rbac.RoleMember
		if ws.OwnerID == userID {
			role = rbac.RoleOwner
		}
		return nil
	})
	return role, err
}

// requireDecider checks the actor may approve, deny, revoke or roll back in
// the workspace. Agents never may.
func requireDecider(actor Actor, ws Workspace) error {
	if actor.ID == "" {
		return ErrForbidden
	}
	if actor.Agent {
		return ErrAgentCannotDecide
	}
	if rbac.IsSuperAdmin(actor.Role) || ws.OwnerID == actor.ID {
		return nil
	}
	return ErrNotOwner
}

// violationDetails is the payload of boundary_violation entries.
type violationDetails struct {
	Source    string `json:"source"`
	RequestID string `json:"request_id,omitempty"`
	GrantID   string `json:"grant_id,omitempty"`
	EntryID   string `json:"audit_entry_id,omitempty"`
	PolicyID  string `json:"policy_id"`
	Field     string `json:"field"`
	Value     string `json:"value"`
	Limit     string `json:"limit,omitempty"`
	Reason    string `json:"reason"`
}

const (
	sourceWorkspaceBoundary = "workspace_boundary"
	sourceGrantEnvelope     = "grant_envelope"
	sourceRollback          = "rollback"
)

func newViolationDetails(source, policyID, field, value string, err error) violationDetails {
	d := violationDetails{Source: source, PolicyID: policyID, Field: field, Value: value, Reason: err.Error()}
	if v, ok := err.(*boundary.Violation); ok {
		d.Limit = v.Limit
		d.Reason = v.Reason
	}
	if e, ok := err.(*EnvelopeError); ok {
		d.Reason = e.Reason
	}
	return d
}

// changeDetails is the payload of change_applied and change_rolled_back. Both
// carry the snapshots rollback needs.
type changeDetails struct {
	Source          string            `json:"source"`
	RequestID       string            `json:"request_id,omitempty"`
	GrantID         string            `json:"grant_id,omitempty"`
	RolledBackEntry string            `json:"rolled_back_entry_id,omitempty"`
	PolicyID        string            `json:"policy_id"`
	Changes         map[string]change `json:"changes"`
	PolicyBefore    *policy.Snapshot  `json:"policy_before"`
	PolicyAfter     *policy.Snapshot  `json:"policy_after"`
}

type change struct {
	From string `json:"from"`
	To   string `json:"to"`
}
