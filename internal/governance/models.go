package governance

import (
	"time"

	"github.com/shopspring/decimal"

	"policygov/internal/policy"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
	RequestApplied  RequestStatus = "applied"
	RequestExpired  RequestStatus = "expired"
)

func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestDenied, RequestApplied, RequestExpired:
		return true
	}
	return false
}

// RequestedChange is one proposed single-field change.
type RequestedChange struct {
	PolicyID       string       `json:"policy_id"`
	Field          policy.Field `json:"field"`
	CurrentValue   policy.Value `json:"current_value,omitempty"`
	RequestedValue policy.Value `json:"requested_value"`
}

// Request is an agent's proposal awaiting a human decision.
//
// Invariants:
// - Created pending; PolicySnapshot is never rewritten.
// - Only the approval gate and the expiry sweep change Status.
type Request struct {
	ID               string          `json:"id" db:"id"`
	WorkspaceID      string          `json:"workspace_id" db:"workspace_id"`
	AgentID          string          `json:"agent_id" db:"agent_id"`
	PolicyID         string          `json:"policy_id" db:"policy_id"`
	RequestedChanges RequestedChange `json:"requested_changes" db:"requested_changes"`
	Reason           string          `json:"reason" db:"reason"`
	Status           RequestStatus   `json:"status" db:"status"`
	RequestedAt      time.Time       `json:"requested_at" db:"requested_at"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty" db:"expires_at"`
	ReviewedBy       string          `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewedAt       *time.Time      `json:"reviewed_at,omitempty" db:"reviewed_at"`
	ReviewNote       string          `json:"review_note,omitempty" db:"review_note"`
	PolicySnapshot   policy.Snapshot `json:"policy_snapshot" db:"policy_snapshot"`
}

// Grant lets one agent self-apply changes to one policy inside an envelope
// for a bounded time.
//
// Invariants:
// - ValidTo = ValidFrom + DurationMinutes, DurationMinutes <= 1440.
// - Once Active is false it never becomes true again.
type Grant struct {
	ID              string           `json:"id" db:"id"`
	WorkspaceID     string           `json:"workspace_id" db:"workspace_id"`
	AgentID         string           `json:"agent_id" db:"agent_id"`
	RequestID       string           `json:"request_id" db:"request_id"`
	GrantedBy       string           `json:"granted_by" db:"granted_by"`
	AllowedChanges  AllowedChanges   `json:"allowed_changes" db:"allowed_changes"`
	MaxSpendDelta   *decimal.Decimal `json:"max_spend_delta,omitempty" db:"max_spend_delta"`
	MaxModelUpgrade string           `json:"max_model_upgrade,omitempty" db:"max_model_upgrade"`
	DurationMinutes int              `json:"duration_minutes" db:"duration_minutes"`
	ValidFrom       time.Time        `json:"valid_from" db:"valid_from"`
	ValidTo         time.Time        `json:"valid_to" db:"valid_to"`
	Active          bool             `json:"active" db:"active"`
	RevokedAt       *time.Time       `json:"revoked_at,omitempty" db:"revoked_at"`
	RevokedBy       string           `json:"revoked_by,omitempty" db:"revoked_by"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// InWindow reports valid_from <= now <= valid_to.
func (g Grant) InWindow(now time.Time) bool {
	return !now.Before(g.ValidFrom) && !now.After(g.ValidTo)
}

// Workspace is the tenant row governance reads for ownership and tier.
type Workspace struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`
	Tier    string `json:"tier" db:"tier"`
}

type Agent struct {
	ID          string `json:"id" db:"id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`
	Name        string `json:"name" db:"name"`
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID    string
	Role  string
	Agent bool
}

type RequestFilter struct {
	WorkspaceID string
	Status      RequestStatus
	AgentID     string
	Limit       int
}
