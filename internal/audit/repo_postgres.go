package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"policygov/pkg/utils"
)

// PGRepo stores events in governance_audit_log. It runs on whatever DBTX it is
// given, so a *sql.Tx keeps audit rows in the caller's transaction.
type PGRepo struct {
	db utils.DBTX
}

func NewPGRepo(db utils.DBTX) *PGRepo {
	return &PGRepo{db: db}
}

func (r *PGRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO governance_audit_log (id, workspace_id, agent_id, actor_id, event_type, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
`, e.ID, e.WorkspaceID, nullString(e.AgentID), nullString(e.ActorID), string(e.Type), string(e.Details), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

func (r *PGRepo) List(ctx context.Context, f Filter) ([]Event, error) {
	var (
		where = []string{"workspace_id = $1"}
		args  = []any{f.WorkspaceID}
	)
	if f.Type != "" {
		args = append(args, string(f.Type))
		where = append(where, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if f.AgentID != "" {
		args = append(args, f.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	args = append(args, ClampLimit(f.Limit))

	q := `
SELECT id, workspace_id, agent_id, actor_id, event_type, details, created_at
FROM governance_audit_log
WHERE ` + strings.Join(where, " AND ") + fmt.Sprintf(`
ORDER BY created_at DESC, seq DESC
LIMIT $%d`, len(args))

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PGRepo) Get(ctx context.Context, workspaceID, id string) (Event, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, workspace_id, agent_id, actor_id, event_type, details, created_at
FROM governance_audit_log
WHERE workspace_id = $1 AND id = $2
`, workspaceID, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (Event, error) {
	var (
		e            Event
		agent, actor sql.NullString
		eventType    string
		details      []byte
	)
	if err := s.Scan(&e.ID, &e.WorkspaceID, &agent, &actor, &eventType, &details, &e.CreatedAt); err != nil {
		return Event{}, err
	}
	e.AgentID = agent.String
	e.ActorID = actor.String
	e.Type = EventType(eventType)
	e.Details = details
	return e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
