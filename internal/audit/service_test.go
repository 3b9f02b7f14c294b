package audit

import (
	"context"
	"testing"
	"time"
)

func TestService_AppendRequiresWorkspaceAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	if _, err := svc.Append(context.Background(), Event{Type: EventRequestSubmitted}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := svc.Append(context.Background(), Event{WorkspaceID: "w"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := svc.Append(context.Background(), Event{WorkspaceID: "w", Type: "wallet_debited"}); err == nil {
		t.Fatalf("expected unknown type rejected")
	}
}

func TestService_LogFillsIDTimeAndDetails(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(repo).WithClock(func() time.Time { return now })

	e, err := svc.Log(context.Background(), "w", EventChangeApplied, map[string]any{"field": "threshold_value"}, "agent_1", "user_1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if e.ID == "" || !e.CreatedAt.Equal(now) {
		t.Fatalf("expected id and timestamp, got %+v", e)
	}

	var d struct {
		Field string `json:"field"`
	}
	if err := e.DecodeDetails(&d); err != nil || d.Field != "threshold_value" {
		t.Fatalf("unexpected details %s: %v", e.Details, err)
	}

	e, err = svc.Log(context.Background(), "w", EventRequestDenied, nil, "", "user_1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if string(e.Details) != "{}" {
		t.Fatalf("expected empty object details, got %s", e.Details)
	}
	if len(repo.Events()) != 2 {
		t.Fatalf("expected 2 events")
	}
}

func TestService_TrailNewestFirstWithFilters(t *testing.T) {
	repo := NewMemoryRepo()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	svc := NewService(repo).WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})
	ctx := context.Background()

	_, _ = svc.Log(ctx, "w", EventRequestSubmitted, nil, "a1", "")
	_, _ = svc.Log(ctx, "w", EventRequestSubmitted, nil, "a2", "")
	_, _ = svc.Log(ctx, "w", EventRequestApproved, nil, "a1", "u")
	_, _ = svc.Log(ctx, "other", EventRequestSubmitted, nil, "a1", "")

	all, err := svc.Trail(ctx, Filter{WorkspaceID: "w"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(all) != 3 || all[0].Type != EventRequestApproved {
		t.Fatalf("expected newest first within workspace, got %+v", all)
	}

	sub, _ := svc.Trail(ctx, Filter{WorkspaceID: "w", Type: EventRequestSubmitted, AgentID: "a2"})
	if len(sub) != 1 || sub[0].AgentID != "a2" {
		t.Fatalf("unexpected filtered trail: %+v", sub)
	}

	one, _ := svc.Trail(ctx, Filter{WorkspaceID: "w", Limit: 1})
	if len(one) != 1 {
		t.Fatalf("expected limit applied")
	}

	if _, err := svc.Trail(ctx, Filter{WorkspaceID: "w", Type: "nope"}); err == nil {
		t.Fatalf("expected invalid type rejected")
	}
}

func TestService_GetIsWorkspaceScoped(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	e, _ := svc.Log(context.Background(), "w", EventGrantRevoked, nil, "", "u")

	if _, err := svc.Get(context.Background(), "w", e.ID); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if _, err := svc.Get(context.Background(), "other", e.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRepo_CloneIsIndependent(t *testing.T) {
	repo := NewMemoryRepo()
	_ = repo.Append(context.Background(), Event{ID: "1", WorkspaceID: "w", Type: EventGrantUsed})

	c := repo.Clone()
	_ = c.Append(context.Background(), Event{ID: "2", WorkspaceID: "w", Type: EventGrantUsed})

	if len(repo.Events()) != 1 || len(c.Events()) != 2 {
		t.Fatalf("clone should not share appends")
	}
}

func TestClampLimit(t *testing.T) {
	if ClampLimit(0) != DefaultLimit || ClampLimit(-3) != DefaultLimit {
		t.Fatalf("expected default limit")
	}
	if ClampLimit(1000) != MaxLimit {
		t.Fatalf("expected cap")
	}
	if ClampLimit(7) != 7 {
		t.Fatalf("expected passthrough")
	}
}
