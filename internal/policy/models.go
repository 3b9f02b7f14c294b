// Package policy models the RiskPolicy rows this service is allowed to tune.
//
// RiskPolicy is owned by the external risk evaluator. Governance never creates
// or deletes one; it only rewrites the three fields in MutableFields.
package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrFieldNotMutable = errors.New("policy: field is not governance-mutable")
	ErrInvalidValue    = errors.New("policy: invalid field value")
	ErrUnknownAction   = errors.New("policy: unknown action type")
)

// Field names a governance-mutable RiskPolicy column.
type Field string

const (
	FieldThresholdValue  Field = "threshold_value"
	FieldCooldownMinutes Field = "cooldown_minutes"
	FieldActionType      Field = "action_type"
)

// MutableFields is the allow-list. workspace_id, policy_type, is_enabled and
// every other column are out of reach.
var MutableFields = []Field{FieldThresholdValue, FieldCooldownMinutes, FieldActionType}

func ParseField(s string) (Field, error) {
	f := Field(strings.TrimSpace(s))
	for _, m := range MutableFields {
		if f == m {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrFieldNotMutable, s)
}

// Numeric reports whether the field takes a range envelope.
func (f Field) Numeric() bool {
	return f == FieldThresholdValue || f == FieldCooldownMinutes
}

// ActionType is the response a policy takes when breached.
type ActionType string

const (
	ActionAlertOnly      ActionType = "alert_only"
	ActionThrottle       ActionType = "throttle"
	ActionModelDowngrade ActionType = "model_downgrade"
	ActionPauseAgent     ActionType = "pause_agent"
)

// severity is the total order; changes may only escalate.
var severity = map[ActionType]int{
	ActionAlertOnly:      0,
	ActionThrottle:       1,
	ActionModelDowngrade: 2,
	ActionPauseAgent:     3,
}

func (a ActionType) Severity() (int, bool) {
	s, ok := severity[a]
	return s, ok
}

func (a ActionType) Known() bool {
	_, ok := severity[a]
	return ok
}

func ParseActionType(s string) (ActionType, error) {
	a := ActionType(strings.TrimSpace(s))
	if !a.Known() {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, s)
	}
	return a, nil
}

// RiskPolicy is the mutable target of governance.
type RiskPolicy struct {
	ID              string          `json:"id" db:"id"`
	WorkspaceID     string          `json:"workspace_id" db:"workspace_id"`
	AgentID         string          `json:"agent_id" db:"agent_id"`
	PolicyType      string          `json:"policy_type" db:"policy_type"`
	ThresholdValue  decimal.Decimal `json:"threshold_value" db:"threshold_value"`
	CooldownMinutes int             `json:"cooldown_minutes" db:"cooldown_minutes"`
	ActionType      ActionType      `json:"action_type" db:"action_type"`
	IsEnabled       bool            `json:"is_enabled" db:"is_enabled"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Value returns the canonical string form of a mutable field.
func (p RiskPolicy) Value(f Field) string {
	switch f {
	case FieldThresholdValue:
		return p.ThresholdValue.String()
	case FieldCooldownMinutes:
		return strconv.Itoa(p.CooldownMinutes)
	case FieldActionType:
		return string(p.ActionType)
	default:
		return ""
	}
}

// Set parses raw and assigns it to exactly one field.
func (p *RiskPolicy) Set(f Field, raw string) error {
	switch f {
	case FieldThresholdValue:
		d, err := ParseDecimal(raw)
		if err != nil {
			return err
		}
		p.ThresholdValue = d
	case FieldCooldownMinutes:
		n, err := ParseMinutes(raw)
		if err != nil {
			return err
		}
		p.CooldownMinutes = n
	case FieldActionType:
		a, err := ParseActionType(raw)
		if err != nil {
			return err
		}
		p.ActionType = a
	default:
		return fmt.Errorf("%w: %q", ErrFieldNotMutable, f)
	}
	return nil
}

// CheckFormat verifies raw parses for the field without applying it.
func CheckFormat(f Field, raw string) error {
	var scratch RiskPolicy
	return scratch.Set(f, raw)
}

func ParseDecimal(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if err := checkPlainDecimal(s); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q %v", ErrInvalidValue, clip(raw), err)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: %q is not a decimal", ErrInvalidValue, clip(raw))
	}
	return d, nil
}

// Stored values are NUMERIC(20,4).
const (
	MaxIntegerDigits = 16
	MaxScale         = 4

	maxRawLen = 64
)

var (
	errNotPlainDecimal = errors.New("is not a plain decimal")
	errTooManyDigits   = fmt.Errorf("has more than %d integer digits", MaxIntegerDigits)
	errScaleTooLarge   = fmt.Errorf("has more than %d decimal places", MaxScale)
)

// checkPlainDecimal accepts [+-]digits[.digits] only. Exponent notation is
// rejected so a short string can never expand into a huge value.
func checkPlainDecimal(s string) error {
	if len(s) == 0 || len(s) > maxRawLen {
		return errNotPlainDecimal
	}
	if s[0] == '+' || s[0] == '-' {
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return errNotPlainDecimal
	}
	for _, part := range []string{whole, frac} {
		for i := 0; i < len(part); i++ {
			if part[i] < '0' || part[i] > '9' {
				return errNotPlainDecimal
			}
		}
	}
	if len(strings.TrimLeft(whole, "0")) > MaxIntegerDigits {
		return errTooManyDigits
	}
	if len(strings.TrimRight(frac, "0")) > MaxScale {
		return errScaleTooLarge
	}
	return nil
}

func clip(raw string) string {
	if len(raw) > maxRawLen {
		return raw[:maxRawLen] + "..."
	}
	return raw
}

func ParseMinutes(raw string) (int, error) {
	d, err := ParseDecimal(raw)
	if err != nil {
		return 0, err
	}
	if !d.IsInteger() || !d.LessThanOrEqual(decimal.NewFromInt(1<<31-1)) || d.LessThan(decimal.NewFromInt(-(1 << 31))) {
		return 0, fmt.Errorf("%w: %q is not a whole number of minutes", ErrInvalidValue, clip(raw))
	}
	return int(d.IntPart()), nil
}
