package governance

import (
	"context"
	"strings"

	"policygov/internal/audit"
	"policygov/internal/boundary"
	"policygov/internal/policy"
)

// DelegatedChange is the change an agent applies under a grant.
type DelegatedChange struct {
	AgentID  string       `json:"agent_id"`
	PolicyID string       `json:"policy_id"`
	Field    policy.Field `json:"field"`
	NewValue policy.Value `json:"new_value"`
}

// ChangeResult is a committed policy mutation with its snapshot pair.
type ChangeResult struct {
	Policy       policy.RiskPolicy `json:"policy"`
	PolicyBefore policy.Snapshot   `json:"policy_before"`
	PolicyAfter  policy.Snapshot   `json:"policy_after"`
	AuditEntryID string            `json:"audit_entry_id"`
}

// GetActiveGrants lists usable grants, optionally for one agent.
func (s *Service) GetActiveGrants(ctx context.Context, workspaceID, agentID string) ([]Grant, error) {
	if workspaceID == "" {
		return nil, ErrInvalidArgument
	}
	now := s.now()
	var out []Grant
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListActiveGrants(ctx, workspaceID, strings.TrimSpace(agentID), now)
		return err
	})
	return out, err
}

// ApplyDelegatedChange lets an agent change its policy inside a grant. The
// value must satisfy the grant envelope and the workspace boundaries as they
// are now.
func (s *Service) ApplyDelegatedChange(ctx context.Context, workspaceID string, actor Actor, grantID string, in DelegatedChange) (ChangeResult, error) {
	in.AgentID = strings.TrimSpace(in.AgentID)
	in.PolicyID = strings.TrimSpace(in.PolicyID)
	if workspaceID == "" || strings.TrimSpace(grantID) == "" || in.AgentID == "" || in.PolicyID == "" {
		return ChangeResult{}, ErrInvalidArgument
	}
	field, err := policy.ParseField(string(in.Field))
	if err != nil {
		return ChangeResult{}, invalid("%s", err.Error())
	}
	if in.NewValue == "" {
		return ChangeResult{}, invalid("new_value is required")
	}
	if err := policy.CheckFormat(field, in.NewValue.String()); err != nil {
		return ChangeResult{}, invalid("new_value: %s", err.Error())
	}
	if !actor.Agent {
		return ChangeResult{}, ErrNotGrantee
	}
	if actor.ID != in.AgentID {
		return ChangeResult{}, ErrNotOwnAgent
	}
	raw := in.NewValue.String()

	now := s.now()
	var (
		out    ChangeResult
		a      *auditor
		failed error
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		a = s.auditor(tx)
		g, err := tx.GetGrantForUpdate(ctx, workspaceID, grantID)
		if err != nil {
			return err
		}
		if g.AgentID != actor.ID || g.WorkspaceID != workspaceID {
			return ErrGrantNotOwned
		}
		if !g.Active {
			return stateErr(ErrGrantInactive, grantState(g))
		}
		if now.Before(g.ValidFrom) {
			return stateErr(ErrGrantNotYetValid, "active")
		}
		if now.After(g.ValidTo) {
			g.Active = false
			if err := tx.UpdateGrant(ctx, g); err != nil {
				return err
			}
			if _, err := a.log(ctx, workspaceID, audit.EventGrantExpired, map[string]any{
				"grant_id": g.ID,
				"valid_to": g.ValidTo,
				"trigger":  "use",
			}, g.AgentID, ""); err != nil {
				return err
			}
			failed = stateErr(ErrGrantExpired, "expired")
			return nil
		}

		reject := func(source string, verr error) error {
			d := newViolationDetails(source, in.PolicyID, string(field), raw, verr)
			d.GrantID = g.ID
			if _, err := a.log(ctx, workspaceID, audit.EventBoundaryViolation, d, g.AgentID, actorIDIfHuman(actor)); err != nil {
				return err
			}
			failed = verr
			return nil
		}

		if verr := g.AllowedChanges.Check(in.PolicyID, field, raw); verr != nil {
			return reject(sourceGrantEnvelope, verr)
		}

		p, err := tx.GetPolicyForUpdate(ctx, workspaceID, in.PolicyID)
		if err != nil {
			return err
		}
		if verr := checkSpendDelta(g.MaxSpendDelta, field, p.ThresholdValue, raw); verr != nil {
			return reject(sourceGrantEnvelope, verr)
		}

		b, err := s.validator.BoundariesFor(ctx, workspaceID)
		if err != nil {
			return err
		}
		value, verr := boundary.Validate(b, p, field, raw)
		if verr != nil {
			return reject(sourceWorkspaceBoundary, verr)
		}

		before := p.Snapshot()
		from := p.Value(field)
		if err := p.Set(field, value); err != nil {
			return err
		}
		p.UpdatedAt = now
		if err := tx.UpdatePolicy(ctx, p); err != nil {
			return err
		}
		after := p.Snapshot()

		if _, err := a.log(ctx, workspaceID, audit.EventGrantUsed, map[string]any{
			"grant_id":  g.ID,
			"policy_id": p.ID,
			"field":     field,
			"from":      from,
			"to":        value,
		}, g.AgentID, actorIDIfHuman(actor)); err != nil {
			return err
		}
		entry, err := a.log(ctx, workspaceID, audit.EventChangeApplied, changeDetails{
			Source:       "delegation",
			RequestID:    g.RequestID,
			GrantID:      g.ID,
			PolicyID:     p.ID,
			Changes:      map[string]change{string(field): {From: from, To: value}},
			PolicyBefore: &before,
			PolicyAfter:  &after,
		}, g.AgentID, actorIDIfHuman(actor))
		if err != nil {
			return err
		}
		out = ChangeResult{Policy: p, PolicyBefore: before, PolicyAfter: after, AuditEntryID: entry.ID}
		return nil
	})
	if err != nil {
		return ChangeResult{}, err
	}
	s.publish(a)
	if failed != nil {
		return ChangeResult{}, failed
	}
	return out, nil
}

func grantState(g Grant) string {
	if g.RevokedAt != nil {
		return "revoked"
	}
	if g.Active {
		return "active"
	}
	return "expired"
}

// ExpireGrants deactivates every active grant past valid_to, one
// grant_expired entry each.
func (s *Service) ExpireGrants(ctx context.Context) (int, error) {
	now := s.now()
	var (
		n int
		a *auditor
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		a = s.auditor(tx)
		expired, err := tx.ExpireGrants(ctx, now)
		if err != nil {
			return err
		}
		for _, g := range expired {
			if _, err := a.log(ctx, g.WorkspaceID, audit.EventGrantExpired, map[string]any{
				"grant_id": g.ID,
				"valid_to": g.ValidTo,
				"trigger":  "sweep",
			}, g.AgentID, ""); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.publish(a)
	return n, nil
}

// RevokeGrant deactivates a grant immediately, regardless of its window.
func (s *Service) RevokeGrant(ctx context.Context, workspaceID string, actor Actor, grantID, reason string) (Grant, error) {
	if workspaceID == "" || strings.TrimSpace(grantID) == "" {
		return Grant{}, ErrInvalidArgument
	}
	if actor.Agent {
		return Grant{}, ErrAgentCannotDecide
	}

	now := s.now()
	var (
		out Grant
		a   *auditor
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		a = s.auditor(tx)
		ws, err := tx.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return err
		}
		if err := requireDecider(actor, ws); err != nil {
			return err
		}
		g, err := tx.GetGrantForUpdate(ctx, workspaceID, grantID)
		if err != nil {
			return err
		}
		if !g.Active {
			return stateErr(ErrGrantInactive, grantState(g))
		}

		g.Active = false
		g.RevokedAt = &now
		g.RevokedBy = actor.ID
		if err := tx.UpdateGrant(ctx, g); err != nil {
			return err
		}
		if _, err := a.log(ctx, workspaceID, audit.EventGrantRevoked, map[string]any{
			"grant_id": g.ID,
			"reason":   strings.TrimSpace(reason),
		}, g.AgentID, actor.ID); err != nil {
			return err
		}
		out = g
		return nil
	})
	if err != nil {
		return Grant{}, err
	}
	s.publish(a)
	return out, nil
}
