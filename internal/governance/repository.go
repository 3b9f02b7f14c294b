package governance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"policygov/internal/audit"
	"policygov/internal/policy"
	"policygov/pkg/utils"
)

// NOTE: This store assumes the tables created by internal/migrate:
// workspaces, agents, risk_policies, policy_change_requests,
// delegation_grants and governance_audit_log (insert-only).

// PGStore is the Postgres Store.
type PGStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

// WithLockTimeout bounds row lock waits per transaction. Zero waits forever.
func (s *PGStore) WithLockTimeout(d time.Duration) *PGStore {
	s.lockTimeout = d
	return s
}

func (s *PGStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := utils.SetLockTimeout(ctx, tx, s.lockTimeout); err != nil {
			return err
		}
		return fn(ctx, &pgTx{tx: tx, audit: audit.NewPGRepo(tx)})
	})
	if utils.IsLockNotAvailable(err) {
		return fmt.Errorf("%w: %v", ErrBusy, err)
	}
	return err
}

func (s *PGStore) WorkspaceTier(ctx context.Context, workspaceID string) (string, error) {
	var tier string
	err := s.db.QueryRowContext(ctx, `SELECT tier FROM workspaces WHERE id = $1`, workspaceID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrWorkspaceNotFound
	}
	return tier, err
}

type pgTx struct {
	tx    *sql.Tx
	audit *audit.PGRepo
}

func (t *pgTx) Audit() audit.Repository { return t.audit }

func (t *pgTx) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	const q = `SELECT id, owner_id, tier FROM workspaces WHERE id = $1`
	var ws Workspace
	if err := t.tx.QueryRowContext(ctx, q, workspaceID).Scan(&ws.ID, &ws.OwnerID, &ws.Tier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Workspace{}, ErrWorkspaceNotFound
		}
		return Workspace{}, err
	}
	return ws, nil
}

func (t *pgTx) GetAgent(ctx context.Context, workspaceID, agentID string) (Agent, error) {
	const q = `SELECT id, workspace_id, name FROM agents WHERE workspace_id = $1 AND id = $2`
	var a Agent
	if err := t.tx.QueryRowContext(ctx, q, workspaceID, agentID).Scan(&a.ID, &a.WorkspaceID, &a.Name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrAgentNotFound
		}
		return Agent{}, err
	}
	return a, nil
}

func (t *pgTx) GetPolicyForUpdate(ctx context.Context, workspaceID, policyID string) (policy.RiskPolicy, error) {
	// Lock the policy row to serialize governance writes per policy.
	const q = `
SELECT id, workspace_id, agent_id, policy_type, threshold_value, cooldown_minutes, action_type, is_enabled, updated_at
FROM risk_policies
WHERE workspace_id = $1 AND id = $2
FOR UPDATE
`
	var (
		p      policy.RiskPolicy
		agent  sql.NullString
		action string
	)
	if err := t.tx.QueryRowContext(ctx, q, workspaceID, policyID).Scan(
		&p.ID,
		&p.WorkspaceID,
		&agent,
		&p.PolicyType,
		&p.ThresholdValue,
		&p.CooldownMinutes,
		&action,
		&p.IsEnabled,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return policy.RiskPolicy{}, ErrPolicyNotFound
		}
		return policy.RiskPolicy{}, err
	}
	p.AgentID = agent.String
	p.ActionType = policy.ActionType(action)
	return p, nil
}

func (t *pgTx) UpdatePolicy(ctx context.Context, p policy.RiskPolicy) error {
	// Only the governance-mutable columns are written.
	const q = `
UPDATE risk_policies
SET threshold_value = $3, cooldown_minutes = $4, action_type = $5, updated_at = $6
WHERE workspace_id = $1 AND id = $2
`
	res, err := t.tx.ExecContext(ctx, q, p.WorkspaceID, p.ID, p.ThresholdValue, p.CooldownMinutes, string(p.ActionType), p.UpdatedAt)
	if err != nil {
		return err
	}
	return expectOne(res, ErrPolicyNotFound)
}

func (t *pgTx) InsertRequest(ctx context.Context, r Request) error {
	const q = `
INSERT INTO policy_change_requests (
  id, workspace_id, agent_id, policy_id, requested_changes, reason, status,
  requested_at, expires_at, policy_snapshot
) VALUES (
  $1,$2,$3,$4,$5::jsonb,$6,$7,$8,$9,$10::jsonb
)
`
	changes, err := json.Marshal(r.RequestedChanges)
	if err != nil {
		return err
	}
	snap, err := json.Marshal(r.PolicySnapshot)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, q,
		r.ID,
		r.WorkspaceID,
		r.AgentID,
		r.PolicyID,
		string(changes),
		r.Reason,
		string(r.Status),
		r.RequestedAt,
		nullTime(r.ExpiresAt),
		string(snap),
	)
	return err
}

const requestColumns = `
id, workspace_id, agent_id, policy_id, requested_changes, reason, status,
requested_at, expires_at, reviewed_by, reviewed_at, review_note, policy_snapshot`

func scanRequest(s interface{ Scan(...any) error }) (Request, error) {
	var (
		r                   Request
		status              string
		changes, snap       []byte
		expires, reviewedAt sql.NullTime
		reviewedBy, note    sql.NullString
	)
	if err := s.Scan(
		&r.ID,
		&r.WorkspaceID,
		&r.AgentID,
		&r.PolicyID,
		&changes,
		&r.Reason,
		&status,
		&r.RequestedAt,
		&expires,
		&reviewedBy,
		&reviewedAt,
		&note,
		&snap,
	); err != nil {
		return Request{}, err
	}
	if err := json.Unmarshal(changes, &r.RequestedChanges); err != nil {
		return Request{}, fmt.Errorf("decode requested_changes: %w", err)
	}
	if err := json.Unmarshal(snap, &r.PolicySnapshot); err != nil {
		return Request{}, fmt.Errorf("decode policy_snapshot: %w", err)
	}
	r.Status = RequestStatus(status)
	r.ExpiresAt = timePtr(expires)
	r.ReviewedAt = timePtr(reviewedAt)
	r.ReviewedBy = reviewedBy.String
	r.ReviewNote = note.String
	return r, nil
}

func (t *pgTx) GetRequestForUpdate(ctx context.Context, workspaceID, requestID string) (Request, error) {
	q := `SELECT ` + requestColumns + `
FROM policy_change_requests
WHERE workspace_id = $1 AND id = $2
FOR UPDATE`
	r, err := scanRequest(t.tx.QueryRowContext(ctx, q, workspaceID, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrRequestNotFound
	}
	return r, err
}

func (t *pgTx) UpdateRequestReview(ctx context.Context, r Request) error {
	// policy_snapshot and requested_changes are never rewritten.
	const q = `
UPDATE policy_change_requests
SET status = $3, reviewed_by = $4, reviewed_at = $5, review_note = $6
WHERE workspace_id = $1 AND id = $2
`
	res, err := t.tx.ExecContext(ctx, q, r.WorkspaceID, r.ID, string(r.Status), nullString(r.ReviewedBy), nullTime(r.ReviewedAt), nullString(r.ReviewNote))
	if err != nil {
		return err
	}
	return expectOne(res, ErrRequestNotFound)
}

func (t *pgTx) HasPendingRequestSince(ctx context.Context, workspaceID, policyID string, since time.Time) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM policy_change_requests
  WHERE workspace_id = $1 AND policy_id = $2 AND status = 'pending' AND requested_at >= $3
)
`
	var ok bool
	err := t.tx.QueryRowContext(ctx, q, workspaceID, policyID, since).Scan(&ok)
	return ok, err
}

func (t *pgTx) ListRequests(ctx context.Context, f RequestFilter) ([]Request, error) {
	var (
		where = []string{"workspace_id = $1"}
		args  = []any{f.WorkspaceID}
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	args = append(args, audit.ClampLimit(f.Limit))

	q := `SELECT ` + requestColumns + `
FROM policy_change_requests
WHERE ` + strings.Join(where, " AND ") + fmt.Sprintf(`
ORDER BY requested_at DESC
LIMIT $%d`, len(args))

	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) ExpireRequests(ctx context.Context, now, fallbackCutoff time.Time) ([]Request, error) {
	// Concurrent sweeps re-check status after the row lock, so each row is
	// returned by exactly one of them.
	q := `
UPDATE policy_change_requests
SET status = 'expired'
WHERE status = 'pending'
  AND ((expires_at IS NOT NULL AND expires_at < $1) OR (expires_at IS NULL AND requested_at < $2))
RETURNING ` + requestColumns

	rows, err := t.tx.QueryContext(ctx, q, now, fallbackCutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertGrant(ctx context.Context, g Grant) error {
	const q = `
INSERT INTO delegation_grants (
  id, workspace_id, agent_id, request_id, granted_by, allowed_changes,
  max_spend_delta, max_model_upgrade, duration_minutes, valid_from, valid_to, active, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6::jsonb,$7,$8,$9,$10,$11,$12,$13
)
`
	env, err := json.Marshal(g.AllowedChanges)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, q,
		g.ID,
		g.WorkspaceID,
		g.AgentID,
		g.RequestID,
		g.GrantedBy,
		string(env),
		nullDecimal(g.MaxSpendDelta),
		nullString(g.MaxModelUpgrade),
		g.DurationMinutes,
		g.ValidFrom,
		g.ValidTo,
		g.Active,
		g.CreatedAt,
	)
	return err
}

const grantColumns = `
id, workspace_id, agent_id, request_id, granted_by, allowed_changes, max_spend_delta,
max_model_upgrade, duration_minutes, valid_from, valid_to, active, revoked_at, revoked_by, created_at`

func scanGrant(s interface{ Scan(...any) error }) (Grant, error) {
	var (
		g                  Grant
		env                []byte
		delta              decimal.NullDecimal
		upgrade, revokedBy sql.NullString
		revokedAt          sql.NullTime
	)
	if err := s.Scan(
		&g.ID,
		&g.WorkspaceID,
		&g.AgentID,
		&g.RequestID,
		&g.GrantedBy,
		&env,
		&delta,
		&upgrade,
		&g.DurationMinutes,
		&g.ValidFrom,
		&g.ValidTo,
		&g.Active,
		&revokedAt,
		&revokedBy,
		&g.CreatedAt,
	); err != nil {
		return Grant{}, err
	}
	if err := json.Unmarshal(env, &g.AllowedChanges); err != nil {
		return Grant{}, fmt.Errorf("decode allowed_changes: %w", err)
	}
	if delta.Valid {
		d := delta.Decimal
		g.MaxSpendDelta = &d
	}
	g.MaxModelUpgrade = upgrade.String
	g.RevokedAt = timePtr(revokedAt)
	g.RevokedBy = revokedBy.String
	return g, nil
}

func (t *pgTx) GetGrantForUpdate(ctx context.Context, workspaceID, grantID string) (Grant, error) {
	q := `SELECT ` + grantColumns + `
FROM delegation_grants
WHERE workspace_id = $1 AND id = $2
FOR UPDATE`
	g, err := scanGrant(t.tx.QueryRowContext(ctx, q, workspaceID, grantID))
	if errors.Is(err, sql.ErrNoRows) {
		return Grant{}, ErrGrantNotFound
	}
	return g, err
}

func (t *pgTx) UpdateGrant(ctx context.Context, g Grant) error {
	// "active AND $3" keeps deactivation one-way.
	const q = `
UPDATE delegation_grants
SET active = active AND $3, revoked_at = $4, revoked_by = $5
WHERE workspace_id = $1 AND id = $2
`
	res, err := t.tx.ExecContext(ctx, q, g.WorkspaceID, g.ID, g.Active, nullTime(g.RevokedAt), nullString(g.RevokedBy))
	if err != nil {
		return err
	}
	return expectOne(res, ErrGrantNotFound)
}

func (t *pgTx) ListActiveGrants(ctx context.Context, workspaceID, agentID string, now time.Time) ([]Grant, error) {
	q := `SELECT ` + grantColumns + `
FROM delegation_grants
WHERE workspace_id = $1 AND active AND valid_from <= $2 AND valid_to >= $2
  AND ($3 = '' OR agent_id = $3)
ORDER BY valid_to ASC`
	return t.queryGrants(ctx, q, workspaceID, now, agentID)
}

func (t *pgTx) ExpireGrants(ctx context.Context, now time.Time) ([]Grant, error) {
	q := `
UPDATE delegation_grants
SET active = false
WHERE active AND valid_to < $1
RETURNING ` + grantColumns
	return t.queryGrants(ctx, q, now)
}

func (t *pgTx) queryGrants(ctx context.Context, q string, args ...any) ([]Grant, error) {
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
