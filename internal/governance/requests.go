package governance

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"policygov/internal/audit"
	"policygov/internal/boundary"
	"policygov/internal/policy"
)

type CreateRequestInput struct {
	AgentID          string          `json:"agent_id"`
	RequestedChanges RequestedChange `json:"requested_changes"`
	Reason           string          `json:"reason"`
}

func (in *CreateRequestInput) normalize() error {
	in.AgentID = strings.TrimSpace(in.AgentID)
	in.Reason = strings.TrimSpace(in.Reason)
	rc := &in.RequestedChanges
	rc.PolicyID = strings.TrimSpace(rc.PolicyID)

	if in.AgentID == "" {
		return invalid("agent_id is required")
	}
	if in.Reason == "" {
		return invalid("reason is required")
	}
	if rc.PolicyID == "" {
		return invalid("requested_changes.policy_id is required")
	}
	f, err := policy.ParseField(string(rc.Field))
	if err != nil {
		return invalid("%s", err.Error())
	}
	rc.Field = f
	if rc.RequestedValue == "" {
		return invalid("requested_changes.requested_value is required")
	}
	if err := policy.CheckFormat(f, rc.RequestedValue.String()); err != nil {
		return invalid("requested_value: %s", err.Error())
	}
	if rc.CurrentValue != "" {
		if err := policy.CheckFormat(f, rc.CurrentValue.String()); err != nil {
			return invalid("current_value: %s", err.Error())
		}
	}
	return nil
}

// CreateRequest records an agent's proposal. It never mutates the policy.
func (s *Service) CreateRequest(ctx context.Context, workspaceID string, actor Actor, in CreateRequestInput) (Request, error) {
	if workspaceID == "" {
		return Request{}, ErrInvalidArgument
	}
	if err := in.normalize(); err != nil {
		return Request{}, err
	}
	if actor.Agent && actor.ID != in.AgentID {
		return Request{}, ErrNotOwnAgent
	}

	rc := in.RequestedChanges
	release, ok, err := s.guard.Acquire(ctx, submitKey(workspaceID, rc.PolicyID))
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return Request{}, ErrCooldownActive
	}
	defer release()

	now := s.now()
	var (
		out Request
		a   *auditor
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		a = s.auditor(tx)
		if _, err := tx.GetAgent(ctx, workspaceID, in.AgentID); err != nil {
			return err
		}
		p, err := tx.GetPolicyForUpdate(ctx, workspaceID, rc.PolicyID)
		if err != nil {
			return err
		}

		busy, err := tx.HasPendingRequestSince(ctx, workspaceID, rc.PolicyID, now.Add(-boundary.RequestCooldown))
		if err != nil {
			return err
		}
		if busy {
			return ErrCooldownActive
		}

		if rc.CurrentValue == "" {
			rc.CurrentValue = policy.Value(p.Value(rc.Field))
		}
		expires := now.Add(boundary.RequestTTL)
		out = Request{
			ID:               uuid.NewString(),
			WorkspaceID:      workspaceID,
			AgentID:          in.AgentID,
			PolicyID:         rc.PolicyID,
			RequestedChanges: rc,
			Reason:           in.Reason,
			Status:           RequestPending,
			RequestedAt:      now,
			ExpiresAt:        &expires,
			PolicySnapshot:   p.Snapshot(),
		}
		if err := tx.InsertRequest(ctx, out); err != nil {
			return err
		}

		_, err = a.log(ctx, workspaceID, audit.EventRequestSubmitted, map[string]any{
			"request_id":      out.ID,
			"policy_id":       rc.PolicyID,
			"field":           rc.Field,
			"current_value":   rc.CurrentValue,
			"requested_value": rc.RequestedValue,
			"reason":          in.Reason,
			"expires_at":      expires,
		}, in.AgentID, actorIDIfHuman(actor))
		return err
	})
	if err != nil {
		return Request{}, err
	}
	s.publish(a)
	return out, nil
}

func actorIDIfHuman(actor Actor) string {
	if actor.Agent {
		return ""
	}
	return actor.ID
}

// ListRequests returns requests newest first.
func (s *Service) ListRequests(ctx context.Context, f RequestFilter) ([]Request, error) {
	if f.WorkspaceID == "" {
		return nil, ErrInvalidArgument
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, invalid("unknown status %q", f.Status)
	}
	f.Limit = audit.ClampLimit(f.Limit)

	var out []Request
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListRequests(ctx, f)
		return err
	})
	return out, err
}

// ExpireStaleRequests moves every overdue pending request to expired with one
// audit entry per transition. Rows already transitioned are skipped, so
// repeated or concurrent runs are safe.
func (s *Service) ExpireStaleRequests(ctx context.Context) (int, error) {
	now := s.now()
	var (
		n int
		a *auditor
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		a = s.auditor(tx)
		expired, err := tx.ExpireRequests(ctx, now, now.Add(-boundary.RequestTTL))
		if err != nil {
			return err
		}
		for _, r := range expired {
			if _, err := a.log(ctx, r.WorkspaceID, audit.EventRequestExpired, map[string]any{
				"request_id": r.ID,
				"policy_id":  r.PolicyID,
				"expires_at": r.ExpiresAt,
			}, r.AgentID, ""); err != nil {
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
