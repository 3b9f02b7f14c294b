package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// ActorType separates human operators from autonomous agents.
// Agents may propose and self-apply within a grant; only humans decide.
type ActorType string

const (
	ActorHuman ActorType = "human"
	ActorAgent ActorType = "agent"
)

func (a ActorType) Valid() bool {
	return a == ActorHuman || a == ActorAgent
}

// Claims are the only supported JWT claims shape for this service.
// WorkspaceID must be present for all activity.
type Claims struct {
	jwt.RegisteredClaims

	UserID      string    `json:"user_id"`
	WorkspaceID string    `json:"workspace_id"`
	Role        string    `json:"role"`
	ActorType   ActorType `json:"actor_type"`
	TokenType   TokenType `json:"token_type"`
}
