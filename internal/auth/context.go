package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxWorkspaceID
	ctxRole
	ctxActorType
)

// Identity is the authenticated caller as resolved from the access token.
type Identity struct {
	UserID      string
	WorkspaceID string
	Role        string
	ActorType   ActorType
}

// IsAgent reports whether the caller authenticated as an agent.
func (i Identity) IsAgent() bool { return i.ActorType == ActorAgent }

func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, id.UserID)
	ctx = context.WithValue(ctx, ctxWorkspaceID, id.WorkspaceID)
	ctx = context.WithValue(ctx, ctxRole, id.Role)
	ctx = context.WithValue(ctx, ctxActorType, id.ActorType)
	return ctx
}

// IdentityFrom returns the caller identity; user and workspace are required.
func IdentityFrom(ctx context.Context) (Identity, error) {
	uid, err := UserID(ctx)
	if err != nil {
		return Identity{}, err
	}
	wid, err := WorkspaceID(ctx)
	if err != nil {
		return Identity{}, err
	}
	role, _ := Role(ctx)
	at, _ := ctx.Value(ctxActorType).(ActorType)
	if at == "" {
		at = ActorHuman
	}
	return Identity{UserID: uid, WorkspaceID: wid, Role: role, ActorType: at}, nil
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

func WorkspaceID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxWorkspaceID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("workspace_id not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
