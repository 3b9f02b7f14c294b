package governance

import (
	"context"
	"errors"
	"strings"

	"policygov/internal/audit"
)

// AuditTrail reads the workspace's audit log, newest first.
func (s *Service) AuditTrail(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	if f.WorkspaceID == "" {
		return nil, invalid("workspace_id is required")
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, invalid("unknown event_type %q", f.Type)
	}
	var out []audit.Event
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		evs, err := audit.NewService(tx.Audit()).Trail(ctx, f)
		if err != nil {
			return err
		}
		out = evs
		return nil
	})
	if errors.Is(err, audit.ErrInvalidEvent) {
		return nil, invalid("invalid audit filter")
	}
	return out, err
}

// TaskEventInput is what the task orchestrator reports about a collaborator task.
type TaskEventInput struct {
	Type    audit.EventType `json:"event_type"`
	AgentID string          `json:"agent_id"`
	TaskID  string          `json:"task_id"`
	Reason  string          `json:"reason"`
	// ReassignedTo is only meaningful for task_reassigned.
	ReassignedTo string `json:"reassigned_to,omitempty"`
}

type taskDetails struct {
	TaskID       string `json:"task_id"`
	Reason       string `json:"reason,omitempty"`
	ReassignedTo string `json:"reassigned_to,omitempty"`
}

// RecordTaskEvent appends a task_blocked, task_escalated or task_reassigned
// entry. Nothing else is touched.
func (s *Service) RecordTaskEvent(ctx context.Context, workspaceID string, actor Actor, in TaskEventInput) (audit.Event, error) {
	if workspaceID == "" {
		return audit.Event{}, invalid("workspace_id is required")
	}
	if !in.Type.TaskEvent() {
		return audit.Event{}, invalid("event_type must be task_blocked, task_escalated or task_reassigned")
	}
	in.TaskID = strings.TrimSpace(in.TaskID)
	in.AgentID = strings.TrimSpace(in.AgentID)
	if in.TaskID == "" {
		return audit.Event{}, invalid("task_id is required")
	}
	if in.Type == audit.EventTaskReassigned && strings.TrimSpace(in.ReassignedTo) == "" {
		return audit.Event{}, invalid("reassigned_to is required for task_reassigned")
	}

	var (
		a     *auditor
		entry audit.Event
	)
	err := s.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if in.AgentID != "" {
			if _, err := tx.GetAgent(ctx, workspaceID, in.AgentID); err != nil {
				return err
			}
		}
		a = s.auditor(tx)
		e, err := a.log(ctx, workspaceID, in.Type, taskDetails{
			TaskID:       in.TaskID,
			Reason:       strings.TrimSpace(in.Reason),
			ReassignedTo: strings.TrimSpace(in.ReassignedTo),
		}, in.AgentID, actor.ID)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		return audit.Event{}, err
	}
	s.publish(a)
	return entry, nil
}
