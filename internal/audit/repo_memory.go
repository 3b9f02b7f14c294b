package audit

import (
	"context"
	"sync"
)

// MemoryRepo is a simple in-memory append-only repository useful for tests
// and local runs.
type MemoryRepo struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *MemoryRepo) List(ctx context.Context, f Filter) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := ClampLimit(f.Limit)
	var out []Event
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.events[i]
		if e.WorkspaceID != f.WorkspaceID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.AgentID != "" && e.AgentID != f.AgentID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *MemoryRepo) Get(ctx context.Context, workspaceID, id string) (Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id && e.WorkspaceID == workspaceID {
			return e, nil
		}
	}
	return Event{}, ErrNotFound
}

// Events returns every stored event in insertion order.
func (r *MemoryRepo) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Clone returns an independent copy. Stored events are never mutated, so a
// shallow copy of the slice is enough.
func (r *MemoryRepo) Clone() *MemoryRepo {
	return &MemoryRepo{events: r.Events()}
}
