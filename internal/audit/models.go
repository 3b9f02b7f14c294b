package audit

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is an immutable, append-only governance log record.
//
// Invariants:
// - Events are never updated or deleted.
// - workspace_id is required for tenancy isolation.
// - Mutation events carry policy_before/policy_after in Details.
type Event struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	// AgentID is the agent the event concerns, if any.
	AgentID string `json:"agent_id,omitempty" db:"agent_id"`
	// ActorID is the human (or service) that caused the event, if any.
	ActorID string `json:"actor_id,omitempty" db:"actor_id"`

	Type EventType `json:"event_type" db:"event_type"`

	// Details is event-specific JSON.
	Details json.RawMessage `json:"details" db:"details"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// DecodeDetails unmarshals Details into v.
func (e Event) DecodeDetails(v any) error {
	if len(e.Details) == 0 {
		return fmt.Errorf("audit: event %s has no details", e.ID)
	}
	return json.Unmarshal(e.Details, v)
}

type EventType string

const (
	EventRequestSubmitted  EventType = "request_submitted"
	EventRequestExpired    EventType = "request_expired"
	EventRequestApproved   EventType = "request_approved"
	EventRequestDenied     EventType = "request_denied"
	EventChangeApplied     EventType = "change_applied"
	EventChangeRolledBack  EventType = "change_rolled_back"
	EventGrantCreated      EventType = "grant_created"
	EventGrantExpired      EventType = "grant_expired"
	EventGrantRevoked      EventType = "grant_revoked"
	EventGrantUsed         EventType = "grant_used"
	EventBoundaryViolation EventType = "boundary_violation"
	EventTaskBlocked       EventType = "task_blocked"
	EventTaskEscalated     EventType = "task_escalated"
	EventTaskReassigned    EventType = "task_reassigned"
)

var knownTypes = map[EventType]bool{
	EventRequestSubmitted: true, EventRequestExpired: true, EventRequestApproved: true,
	EventRequestDenied: true, EventChangeApplied: true, EventChangeRolledBack: true,
	EventGrantCreated: true, EventGrantExpired: true, EventGrantRevoked: true,
	EventGrantUsed: true, EventBoundaryViolation: true, EventTaskBlocked: true,
	EventTaskEscalated: true, EventTaskReassigned: true,
}

func (t EventType) Valid() bool { return knownTypes[t] }

// TaskEvent reports whether t is written by the task orchestrator.
func (t EventType) TaskEvent() bool {
	return t == EventTaskBlocked || t == EventTaskEscalated || t == EventTaskReassigned
}

// Filter narrows a trail query. Zero values mean "any".
type Filter struct {
	WorkspaceID string
	Type        EventType
	AgentID     string
	Limit       int
}

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ClampLimit applies the default and the hard cap.
func ClampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}
