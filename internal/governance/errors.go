package governance

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")

	ErrAgentNotFound      = fmt.Errorf("agent %w", ErrNotFound)
	ErrPolicyNotFound     = fmt.Errorf("policy %w", ErrNotFound)
	ErrRequestNotFound    = fmt.Errorf("request %w", ErrNotFound)
	ErrGrantNotFound      = fmt.Errorf("grant %w", ErrNotFound)
	ErrWorkspaceNotFound  = fmt.Errorf("workspace %w", ErrNotFound)
	ErrAuditEntryNotFound = fmt.Errorf("audit entry %w", ErrNotFound)

	ErrCooldownActive = errors.New("a pending request for this policy was submitted within the cooldown window")

	ErrNotOwner          = fmt.Errorf("%w: actor must be the workspace owner or an admin", ErrForbidden)
	ErrAgentCannotDecide = fmt.Errorf("%w: agent identities cannot decide on governance changes", ErrForbidden)
	ErrSelfApproval      = fmt.Errorf("%w: approver cannot be the requesting agent", ErrForbidden)
	ErrNotOwnAgent       = fmt.Errorf("%w: agents may only act for themselves", ErrForbidden)
	ErrGrantNotOwned     = fmt.Errorf("%w: grant does not belong to this agent", ErrForbidden)
	ErrNotGrantee        = fmt.Errorf("%w: only the grantee agent may apply a delegated change", ErrForbidden)

	ErrRequestNotPending = errors.New("request is not pending")
	ErrRequestExpired    = errors.New("request has expired")
	ErrGrantInactive     = errors.New("grant is not active")
	ErrGrantExpired      = errors.New("grant has expired")
	ErrGrantNotYetValid  = errors.New("grant is not yet valid")

	ErrEnvelopeViolation = errors.New("envelope violation")
	ErrBusy              = errors.New("resource is locked by another operation, retry")
	ErrNotRollbackable   = errors.New("audit entry cannot be rolled back")
)

// StateError surfaces the current state of the entity that refused a
// transition.
type StateError struct {
	Err     error
	Current string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s (current state: %s)", e.Err.Error(), e.Current)
}

func (e *StateError) Unwrap() error { return e.Err }

func stateErr(err error, current string) error {
	return &StateError{Err: err, Current: current}
}

// EnvelopeError is a proposed value outside a grant's allowed changes.
type EnvelopeError struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

func (e *EnvelopeError) Error() string { return "envelope violation: " + e.Reason }

func (e *EnvelopeError) Is(target error) bool { return target == ErrEnvelopeViolation }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
