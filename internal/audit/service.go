package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, f Filter) ([]Event, error)
	Get(ctx context.Context, workspaceID, id string) (Event, error)
}

var (
	ErrInvalidEvent = errors.New("audit: invalid event")
	ErrNotFound     = errors.New("audit: event not found")
)

// Service writes and reads the governance trail. It never commits: callers
// pass a Repository bound to their transaction so mutation and audit land
// together.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) Append(ctx context.Context, e Event) (Event, error) {
	if s.repo == nil {
		return Event{}, errors.New("audit: repository not configured")
	}
	if e.WorkspaceID == "" || !e.Type.Valid() {
		return Event{}, ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if len(e.Details) == 0 {
		e.Details = json.RawMessage(`{}`)
	}
	if err := s.repo.Append(ctx, e); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Log marshals details and appends one event.
func (s *Service) Log(ctx context.Context, workspaceID string, t EventType, details any, agentID, actorID string) (Event, error) {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return Event{}, fmt.Errorf("audit: marshal details: %w", err)
		}
		raw = b
	}
	return s.Append(ctx, Event{
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		ActorID:     actorID,
		Type:        t,
		Details:     raw,
	})
}

// Trail returns events newest first.
func (s *Service) Trail(ctx context.Context, f Filter) ([]Event, error) {
	if f.WorkspaceID == "" {
		return nil, ErrInvalidEvent
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, ErrInvalidEvent
	}
	f.Limit = ClampLimit(f.Limit)
	return s.repo.List(ctx, f)
}

func (s *Service) Get(ctx context.Context, workspaceID, id string) (Event, error) {
	return s.repo.Get(ctx, workspaceID, id)
}
