package governance

import (
	"context"
	"time"

	"policygov/internal/audit"
	"policygov/internal/policy"
)

// Store runs units of work atomically. Every mutation and its audit rows go
// through one WithTx call; an error from fn rolls all of it back.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	WorkspaceTier(ctx context.Context, workspaceID string) (string, error)
}

// Tx is the transactional view used by the service. Get*ForUpdate methods
// lock the row until commit where the backend supports it.
type Tx interface {
	Audit() audit.Repository

	GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error)
	GetAgent(ctx context.Context, workspaceID, agentID string) (Agent, error)

	GetPolicyForUpdate(ctx context.Context, workspaceID, policyID string) (policy.RiskPolicy, error)
	UpdatePolicy(ctx context.Context, p policy.RiskPolicy) error

	InsertRequest(ctx context.Context, r Request) error
	GetRequestForUpdate(ctx context.Context, workspaceID, requestID string) (Request, error)
	UpdateRequestReview(ctx context.Context, r Request) error
	HasPendingRequestSince(ctx context.Context, workspaceID, policyID string, since time.Time) (bool, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]Request, error)
	// ExpireRequests moves stale pending requests to expired and returns the
	// rows it transitioned.
	ExpireRequests(ctx context.Context, now, fallbackCutoff time.Time) ([]Request, error)

	InsertGrant(ctx context.Context, g Grant) error
	GetGrantForUpdate(ctx context.Context, workspaceID, grantID string) (Grant, error)
	UpdateGrant(ctx context.Context, g Grant) error
	ListActiveGrants(ctx context.Context, workspaceID, agentID string, now time.Time) ([]Grant, error)
	// ExpireGrants deactivates active grants past valid_to and returns them.
	ExpireGrants(ctx context.Context, now time.Time) ([]Grant, error)
}
