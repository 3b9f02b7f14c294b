package boundary

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"policygov/internal/policy"
)

var ErrBoundaryViolation = errors.New("boundary violation")

// Violation describes why a value can never be persisted.
type Violation struct {
	Field  policy.Field `json:"field"`
	Value  string       `json:"value"`
	Limit  string       `json:"limit,omitempty"`
	Reason string       `json:"reason"`
}

func (v *Violation) Error() string { return v.Reason }

func (v *Violation) Is(target error) bool { return target == ErrBoundaryViolation }

func violation(field policy.Field, value, limit, format string, args ...any) *Violation {
	return &Violation{Field: field, Value: value, Limit: limit, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks raw against b for field on the live policy p and returns
// the canonical value. Any rejection is a *Violation.
func Validate(b Boundaries, p policy.RiskPolicy, field policy.Field, raw string) (string, error) {
	return validate(b, p, field, raw, true)
}

// ValidateRestore is Validate without the severity rule. Restoring a
// snapshot may move action_type back down; the action must still be known.
func ValidateRestore(b Boundaries, p policy.RiskPolicy, field policy.Field, raw string) (string, error) {
	return validate(b, p, field, raw, false)
}

func validate(b Boundaries, p policy.RiskPolicy, field policy.Field, raw string, monotonic bool) (string, error) {
	switch field {
	case policy.FieldThresholdValue:
		d, err := policy.ParseDecimal(raw)
		if err != nil {
			return "", violation(field, raw, "", "threshold_value %q is not a decimal", raw)
		}
		if d.IsNegative() {
			return "", violation(field, raw, "0", "threshold_value %s must not be negative", d.String())
		}
		if c, ok := b.CapFor(p.PolicyType); ok && d.GreaterThan(c) {
			return "", violation(field, raw, c.StringFixed(2),
				"threshold_value %s exceeds max_%s of %s for the %s tier", d.String(), p.PolicyType, c.StringFixed(2), b.TierName)
		}
		if d.GreaterThan(b.MaxThresholdValue) {
			return "", violation(field, raw, b.MaxThresholdValue.StringFixed(2),
				"threshold_value %s exceeds max_threshold_value of %s", d.String(), b.MaxThresholdValue.StringFixed(2))
		}
		return d.String(), nil

	case policy.FieldCooldownMinutes:
		n, err := policy.ParseMinutes(raw)
		if err != nil {
			return "", violation(field, raw, "", "cooldown_minutes %q is not a whole number", raw)
		}
		if n < b.MinCooldownMinutes {
			return "", violation(field, raw, strconv.Itoa(b.MinCooldownMinutes),
				"cooldown_minutes %d is below the minimum of %d", n, b.MinCooldownMinutes)
		}
		return strconv.Itoa(n), nil

	case policy.FieldActionType:
		next, err := policy.ParseActionType(raw)
		if err != nil {
			return "", violation(field, raw, "", "action_type %q is not a known action", raw)
		}
		if monotonic {
			cur, ok := p.ActionType.Severity()
			sev, _ := next.Severity()
			if ok && sev < cur {
				return "", violation(field, raw, string(p.ActionType),
					"action_type %s is less severe than current %s", next, p.ActionType)
			}
		}
		return string(next), nil
	}
	return "", violation(field, raw, "", "field %q is not governance-mutable", field)
}

// Validator resolves workspace boundaries through a Cache.
type Validator struct {
	cache *Cache
}

func NewValidator(cache *Cache) *Validator {
	return &Validator{cache: cache}
}

func (v *Validator) BoundariesFor(ctx context.Context, workspaceID string) (Boundaries, error) {
	return v.cache.Get(ctx, workspaceID)
}

func (v *Validator) Validate(ctx context.Context, workspaceID string, p policy.RiskPolicy, field policy.Field, raw string) (string, error) {
	b, err := v.cache.Get(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	return Validate(b, p, field, raw)
}

// Invalidate drops the cached boundaries of one workspace, or all when
// workspaceID is empty.
func (v *Validator) Invalidate(workspaceID string) {
	if workspaceID == "" {
		v.cache.InvalidateAll()
		return
	}
	v.cache.Invalidate(workspaceID)
}
