package governance

import (
	"context"
	"errors"
	"strings"

	"policygov/internal/audit"
	"policygov/internal/boundary"
	"policygov/internal/policy"
)

type RollbackResult struct {
	Policy          policy.RiskPolicy `json:"policy"`
	PolicyBefore    policy.Snapshot   `json:"policy_before"`
	PolicyAfter     policy.Snapshot   `json:"policy_after"`
	RolledBackEntry string            `json:"rolled_back_entry_id"`
	AuditEntryID    string            `json:"audit_entry_id"`
}

// RollbackChange restores the policy_before snapshot of a change_applied or
// change_rolled_back entry. Every differing field is checked against current
// boundaries before any is written; one violation rejects the whole rollback.
func (s *Service) RollbackChange(ctx context.Context, workspaceID string, actor Actor, entryID string) (RollbackResult, error) {
	entryID = strings.TrimSpace(entryID)
	if workspaceID == "" || entryID == "" {
		return RollbackResult{}, ErrInvalidArgument
	}
	if actor.Agent {
		return RollbackResult{}, ErrAgentCannotDecide
	}

	now := s.now()
	var (
		out    RollbackResult
		a      *auditor
		failed error
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

		entry, err := tx.Audit().Get(ctx, workspaceID, entryID)
		if errors.Is(err, audit.ErrNotFound) {
			return ErrAuditEntryNotFound
		}
		if err != nil {
			return err
		}
		if entry.Type != audit.EventChangeApplied && entry.Type != audit.EventChangeRolledBack {
			return invalidRollback("entry %s is %s", entry.ID, entry.Type)
		}
		var prior changeDetails
		if err := entry.DecodeDetails(&prior); err != nil || prior.PolicyBefore == nil {
			return invalidRollback("entry %s has no policy_before snapshot", entry.ID)
		}
		target := prior.PolicyBefore
		policyID := target.ID
		if policyID == "" {
			policyID = prior.PolicyID
		}

		p, err := tx.GetPolicyForUpdate(ctx, workspaceID, policyID)
		if err != nil {
			return err
		}
		b, err := s.validator.BoundariesFor(ctx, workspaceID)
		if err != nil {
			return err
		}

		restored := p
		changes := make(map[string]change)
		values := target.Values()
		for _, f := range policy.MutableFields {
			raw, ok := values[f]
			if !ok || raw == p.Value(f) {
				continue
			}
			value, verr := boundary.ValidateRestore(b, p, f, raw)
			if verr != nil {
				d := newViolationDetails(sourceRollback, p.ID, string(f), raw, verr)
				d.EntryID = entry.ID
				if _, err := a.log(ctx, workspaceID, audit.EventBoundaryViolation, d, p.AgentID, actor.ID); err != nil {
					return err
				}
				failed = verr
				return nil
			}
			if err := restored.Set(f, value); err != nil {
				return err
			}
			changes[string(f)] = change{From: p.Value(f), To: value}
		}

		before := p.Snapshot()
		restored.UpdatedAt = now
		if len(changes) > 0 {
			if err := tx.UpdatePolicy(ctx, restored); err != nil {
				return err
			}
		}
		after := restored.Snapshot()

		rb, err := a.log(ctx, workspaceID, audit.EventChangeRolledBack, changeDetails{
			Source:          sourceRollback,
			RolledBackEntry: entry.ID,
			PolicyID:        p.ID,
			Changes:         changes,
			PolicyBefore:    &before,
			PolicyAfter:     &after,
		}, p.AgentID, actor.ID)
		if err != nil {
			return err
		}
		out = RollbackResult{
			Policy:          restored,
			PolicyBefore:    before,
			PolicyAfter:     after,
			RolledBackEntry: entry.ID,
			AuditEntryID:    rb.ID,
		}
		return nil
	})
	if err != nil {
		return RollbackResult{}, err
	}
	s.publish(a)
	if failed != nil {
		return RollbackResult{}, failed
	}
	return out, nil
}

func invalidRollback(format string, args ...any) error {
	return errors.Join(ErrNotRollbackable, invalid(format, args...))
}
