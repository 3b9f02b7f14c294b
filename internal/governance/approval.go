package governance

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"policygov/internal/audit"
	"policygov/internal/boundary"
	"policygov/internal/policy"
)

type ApprovalMode string

const (
	ModeOneTime  ApprovalMode = "one_time"
	ModeDelegate ApprovalMode = "delegate"
)

// DelegationParams configures the grant created in delegate mode.
type DelegationParams struct {
	DurationMinutes int          `json:"duration_minutes"`
	MaxSpendDelta   policy.Value `json:"max_spend_delta,omitempty"`
	MaxModelUpgrade string       `json:"max_model_upgrade,omitempty"`
}

type ApproveInput struct {
	Mode             ApprovalMode      `json:"mode"`
	DelegationParams *DelegationParams `json:"delegation_params,omitempty"`
}

// ApprovalResult carries the policy change (one_time) or the grant (delegate).
type ApprovalResult struct {
	Request      Request            `json:"request"`
	Mode         ApprovalMode       `json:"mode"`
	Policy       *policy.RiskPolicy `json:"policy,omitempty"`
	PolicyBefore *policy.Snapshot   `json:"policy_before,omitempty"`
	PolicyAfter  *policy.Snapshot   `json:"policy_after,omitempty"`
	Grant        *Grant             `json:"grant,omitempty"`
	AuditEntryID string             `json:"audit_entry_id,omitempty"`
}

func (in ApproveInput) parse() (spendDelta *decimal.Decimal, err error) {
	switch in.Mode {
	case ModeOneTime:
		return nil, nil
	case ModeDelegate:
	default:
		return nil, invalid("mode must be one_time or delegate")
	}
	dp := in.DelegationParams
	if dp == nil {
		return nil, invalid("delegation_params.duration_minutes is required for delegate mode")
	}
	if dp.DurationMinutes < 1 || dp.DurationMinutes > boundary.MaxGrantDurationMinutes {
		return nil, invalid("duration_minutes must be between 1 and %d", boundary.MaxGrantDurationMinutes)
	}
	if dp.MaxSpendDelta != "" {
		d, err := policy.ParseDecimal(dp.MaxSpendDelta.String())
		if err != nil || d.IsNegative() {
			return nil, invalid("max_spend_delta must be a non-negative decimal")
		}
		spendDelta = &d
	}
	return spendDelta, nil
}

// loadPendingRequest locks the request and checks it can still be decided.
// A request past expires_at is expired on the spot; the caller must commit
// and return the error.
func (s *Service) loadPendingRequest(ctx context.Context, tx Tx, a *auditor, workspaceID, requestID string, now time.Time) (Request, error) {
	req, err := tx.GetRequestForUpdate(ctx, workspaceID, requestID)
	if err != nil {
		return Request{}, err
	}
	if req.Status != RequestPending {
		return req, stateErr(ErrRequestNotPending, string(req.Status))
	}
	if req.ExpiresAt != nil && now.After(*req.ExpiresAt) {
		req.Status = RequestExpired
		if err := tx.UpdateRequestReview(ctx, req); err != nil {
			return Request{}, err
		}
		if _, err := a.log(ctx, workspaceID, audit.EventRequestExpired, map[string]any{
			"request_id": req.ID,
			"policy_id":  req.PolicyID,
			"expires_at": req.ExpiresAt,
		}, req.AgentID, ""); err != nil {
			return Request{}, err
		}
		return req, errCommitted{stateErr(ErrRequestExpired, string(RequestExpired))}
	}
	return req, nil
}

// errCommitted marks a failure whose audit rows must still commit.
type errCommitted struct{ err error }

func (e errCommitted) Error() string { return e.err.Error() }

// splitCommitted turns an errCommitted into (nil, err) so WithTx commits.
func splitCommitted(err error) (txErr, opErr error) {
	var c errCommitted
	if errors.As(err, &c) {
		return nil, c.err
	}
	return err, nil
}

// ApproveRequest is the human decision point. Both modes re-validate the
// requested value against live boundaries and fail closed.
func (s *Service) ApproveRequest(ctx context.Context, workspaceID string, actor Actor, requestID string, in ApproveInput) (ApprovalResult, error) {
	if workspaceID == "" || strings.TrimSpace(requestID) == "" {
		return ApprovalResult{}, ErrInvalidArgument
	}
	if actor.Agent {
		return ApprovalResult{}, ErrAgentCannotDecide
	}
	spendDelta, err := in.parse()
	if err != nil {
		return ApprovalResult{}, err
	}

	now := s.now()
	var (
		out    ApprovalResult
		a      *auditor
		failed error
	)
	err = s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		a = s.auditor(tx)
		ws, err := tx.GetWorkspace(ctx, workspaceID)
		if err != nil {
			return err
		}
		if err := requireDecider(actor, ws); err != nil {
			return err
		}

		req, err := s.loadPendingRequest(ctx, tx, a, workspaceID, requestID, now)
		if err != nil {
			txErr, opErr := splitCommitted(err)
			failed = opErr
			return txErr
		}
		if req.AgentID == actor.ID {
			return ErrSelfApproval
		}

		p, err := tx.GetPolicyForUpdate(ctx, workspaceID, req.PolicyID)
		if err != nil {
			return err
		}
		b, err := s.validator.BoundariesFor(ctx, workspaceID)
		if err != nil {
			return err
		}

		rc := req.RequestedChanges
		value, verr := boundary.Validate(b, p, rc.Field, rc.RequestedValue.String())
		if verr != nil {
			d := newViolationDetails(sourceWorkspaceBoundary, p.ID, string(rc.Field), rc.RequestedValue.String(), verr)
			d.RequestID = req.ID
			if _, err := a.log(ctx, workspaceID, audit.EventBoundaryViolation, d, req.AgentID, actor.ID); err != nil {
				return err
			}
			failed = verr
			return nil
		}

		reviewedAt := now
		req.ReviewedBy = actor.ID
		req.ReviewedAt = &reviewedAt

		switch in.Mode {
		case ModeOneTime:
			before := p.Snapshot()
			from := p.Value(rc.Field)
			if err := p.Set(rc.Field, value); err != nil {
				return err
			}
			p.UpdatedAt = now
			if err := tx.UpdatePolicy(ctx, p); err != nil {
				return err
			}
			after := p.Snapshot()

			req.Status = RequestApplied
			if err := tx.UpdateRequestReview(ctx, req); err != nil {
				return err
			}
			if _, err := a.log(ctx, workspaceID, audit.EventRequestApproved, map[string]any{
				"request_id": req.ID,
				"mode":       ModeOneTime,
			}, req.AgentID, actor.ID); err != nil {
				return err
			}
			entry, err := a.log(ctx, workspaceID, audit.EventChangeApplied, changeDetails{
				Source:       string(ModeOneTime),
				RequestID:    req.ID,
				PolicyID:     p.ID,
				Changes:      map[string]change{string(rc.Field): {From: from, To: value}},
				PolicyBefore: &before,
				PolicyAfter:  &after,
			}, req.AgentID, actor.ID)
			if err != nil {
				return err
			}
			out = ApprovalResult{Request: req, Mode: ModeOneTime, Policy: &p, PolicyBefore: &before, PolicyAfter: &after, AuditEntryID: entry.ID}

		case ModeDelegate:
			env, err := NewFieldEnvelope(rc.Field, p.Value(rc.Field), value)
			if err != nil {
				return err
			}
			dp := in.DelegationParams
			g := Grant{
				ID:          uuid.NewString(),
				WorkspaceID: workspaceID,
				AgentID:     req.AgentID,
				RequestID:   req.ID,
				GrantedBy:   actor.ID,
				AllowedChanges: AllowedChanges{
					PolicyID: p.ID,
					Fields:   map[policy.Field]FieldEnvelope{rc.Field: env},
				},
				MaxSpendDelta:   spendDelta,
				MaxModelUpgrade: strings.TrimSpace(dp.MaxModelUpgrade),
				DurationMinutes: dp.DurationMinutes,
				ValidFrom:       now,
				ValidTo:         now.Add(time.Duration(dp.DurationMinutes) * time.Minute),
				Active:          true,
				CreatedAt:       now,
			}
			if err := tx.InsertGrant(ctx, g); err != nil {
				return err
			}

			req.Status = RequestApproved
			if err := tx.UpdateRequestReview(ctx, req); err != nil {
				return err
			}
			if _, err := a.log(ctx, workspaceID, audit.EventRequestApproved, map[string]any{
				"request_id": req.ID,
				"mode":       ModeDelegate,
			}, req.AgentID, actor.ID); err != nil {
				return err
			}
			entry, err := a.log(ctx, workspaceID, audit.EventGrantCreated, map[string]any{
				"grant_id":          g.ID,
				"request_id":        req.ID,
				"allowed_changes":   g.AllowedChanges,
				"duration_minutes":  g.DurationMinutes,
				"valid_from":        g.ValidFrom,
				"valid_to":          g.ValidTo,
				"max_spend_delta":   g.MaxSpendDelta,
				"max_model_upgrade": g.MaxModelUpgrade,
			}, req.AgentID, actor.ID)
			if err != nil {
				return err
			}
			out = ApprovalResult{Request: req, Mode: ModeDelegate, Grant: &g, AuditEntryID: entry.ID}
		}
		return nil
	})
	if err != nil {
		return ApprovalResult{}, err
	}
	s.publish(a)
	if failed != nil {
		return ApprovalResult{}, failed
	}
	return out, nil
}

// DenyRequest closes a pending request without touching the policy.
func (s *Service) DenyRequest(ctx context.Context, workspaceID string, actor Actor, requestID, reason string) (Request, error) {
	if workspaceID == "" || strings.TrimSpace(requestID) == "" {
		return Request{}, ErrInvalidArgument
	}
	if actor.Agent {
		return Request{}, ErrAgentCannotDecide
	}

	now := s.now()
	reason = strings.TrimSpace(reason)
	var (
		out    Request
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
		req, err := s.loadPendingRequest(ctx, tx, a, workspaceID, requestID, now)
		if err != nil {
			txErr, opErr := splitCommitted(err)
			failed = opErr
			return txErr
		}

		req.Status = RequestDenied
		req.ReviewedBy = actor.ID
		req.ReviewedAt = &now
		req.ReviewNote = reason
		if err := tx.UpdateRequestReview(ctx, req); err != nil {
			return err
		}
		if _, err := a.log(ctx, workspaceID, audit.EventRequestDenied, map[string]any{
			"request_id": req.ID,
			"policy_id":  req.PolicyID,
			"reason":     reason,
		}, req.AgentID, actor.ID); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return Request{}, err
	}
	s.publish(a)
	if failed != nil {
		return Request{}, failed
	}
	return out, nil
}
