package governance

import (
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"policygov/internal/policy"
)

// FieldEnvelope is the wire form of one field's allowed changes: either a
// numeric range or an explicit value set.
type FieldEnvelope struct {
	MinValue      *string  `json:"min_value,omitempty"`
	MaxValue      *string  `json:"max_value,omitempty"`
	AllowedValues []string `json:"allowed_values,omitempty"`
}

// AllowedChanges scopes a grant to one policy. Unknown keys in Fields are
// kept so new policy fields round-trip.
type AllowedChanges struct {
	PolicyID string                         `json:"policy_id"`
	Fields   map[policy.Field]FieldEnvelope `json:"fields"`
}

// Constraint is the decoded form of a FieldEnvelope.
type Constraint interface {
	Permits(value string) error
}

// RangeConstraint is a closed numeric interval, used for threshold_value and
// cooldown_minutes.
type RangeConstraint struct {
	Min, Max decimal.Decimal
}

func (r RangeConstraint) Permits(value string) error {
	d, err := policy.ParseDecimal(value)
	if err != nil {
		return fmt.Errorf("%q is not numeric", value)
	}
	if d.LessThan(r.Min) || d.GreaterThan(r.Max) {
		return fmt.Errorf("%s is outside [%s, %s]", d.String(), r.Min.String(), r.Max.String())
	}
	return nil
}

// SetConstraint is an explicit allow-list, used for action_type.
type SetConstraint struct {
	Allowed []string
}

func (s SetConstraint) Permits(value string) error {
	if !slices.Contains(s.Allowed, value) {
		return fmt.Errorf("%q is not one of %v", value, s.Allowed)
	}
	return nil
}

// Constraint decodes the envelope for field.
func (e FieldEnvelope) Constraint(field policy.Field) (Constraint, error) {
	if !field.Numeric() {
		if len(e.AllowedValues) == 0 {
			return nil, fmt.Errorf("envelope for %s has no allowed_values", field)
		}
		return SetConstraint{Allowed: e.AllowedValues}, nil
	}
	if e.MinValue == nil || e.MaxValue == nil {
		return nil, fmt.Errorf("envelope for %s needs min_value and max_value", field)
	}
	lo, err := policy.ParseDecimal(*e.MinValue)
	if err != nil {
		return nil, err
	}
	hi, err := policy.ParseDecimal(*e.MaxValue)
	if err != nil {
		return nil, err
	}
	return RangeConstraint{Min: lo, Max: hi}, nil
}

// NewFieldEnvelope builds the envelope between the live value and the
// approved value. Numeric fields get the closed interval in either direction;
// action_type gets {current, requested}.
func NewFieldEnvelope(field policy.Field, current, requested string) (FieldEnvelope, error) {
	if !field.Numeric() {
		allowed := []string{current}
		if requested != current {
			allowed = append(allowed, requested)
		}
		return FieldEnvelope{AllowedValues: allowed}, nil
	}
	a, err := policy.ParseDecimal(current)
	if err != nil {
		return FieldEnvelope{}, err
	}
	b, err := policy.ParseDecimal(requested)
	if err != nil {
		return FieldEnvelope{}, err
	}
	lo, hi := decimal.Min(a, b).String(), decimal.Max(a, b).String()
	return FieldEnvelope{MinValue: &lo, MaxValue: &hi}, nil
}

// Check verifies a proposed change against the envelope.
func (a AllowedChanges) Check(policyID string, field policy.Field, value string) error {
	if a.PolicyID != policyID {
		return &EnvelopeError{Field: string(field), Value: value, Reason: fmt.Sprintf("grant does not cover policy %s", policyID)}
	}
	env, ok := a.Fields[field]
	if !ok {
		return &EnvelopeError{Field: string(field), Value: value, Reason: fmt.Sprintf("grant does not cover field %s", field)}
	}
	c, err := env.Constraint(field)
	if err != nil {
		return &EnvelopeError{Field: string(field), Value: value, Reason: err.Error()}
	}
	if err := c.Permits(value); err != nil {
		return &EnvelopeError{Field: string(field), Value: value, Reason: err.Error()}
	}
	return nil
}

// checkSpendDelta bounds how far a delegated threshold change may move from
// the live value.
func checkSpendDelta(maxDelta *decimal.Decimal, field policy.Field, live decimal.Decimal, value string) error {
	if maxDelta == nil || field != policy.FieldThresholdValue {
		return nil
	}
	d, err := policy.ParseDecimal(value)
	if err != nil {
		return &EnvelopeError{Field: string(field), Value: value, Reason: err.Error()}
	}
	if delta := d.Sub(live).Abs(); delta.GreaterThan(*maxDelta) {
		return &EnvelopeError{
			Field:  string(field),
			Value:  value,
			Reason: fmt.Sprintf("change of %s exceeds max_spend_delta %s", delta.String(), maxDelta.String()),
		}
	}
	return nil
}
