// Package boundary computes and checks the ceilings no approval or grant can
// exceed: system constants, tier-derived caps and the action severity order.
package boundary

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	MinCooldownMinutes      = 30
	MaxGrantDurationMinutes = 1440
	RequestCooldown         = 15 * time.Minute
	RequestTTL              = 24 * time.Hour
)

var MaxThresholdValue = decimal.NewFromInt(1_000_000)

// Boundaries is the resolved set of limits for one workspace.
type Boundaries struct {
	TierName                string
	MinCooldownMinutes      int
	MaxGrantDurationMinutes int
	RequestCooldownMinutes  int
	RequestTTLHours         int
	MaxThresholdValue       decimal.Decimal
	// Caps is keyed by policy_type.
	Caps map[string]decimal.Decimal
}

// For resolves the boundaries of a workspace on the given tier.
func (t TierTable) For(tier string) Boundaries {
	name, caps := t.Resolve(tier)
	cp := make(map[string]decimal.Decimal, len(caps))
	for k, v := range caps {
		cp[k] = v
	}
	return Boundaries{
		TierName:                name,
		MinCooldownMinutes:      MinCooldownMinutes,
		MaxGrantDurationMinutes: MaxGrantDurationMinutes,
		RequestCooldownMinutes:  int(RequestCooldown / time.Minute),
		RequestTTLHours:         int(RequestTTL / time.Hour),
		MaxThresholdValue:       MaxThresholdValue,
		Caps:                    cp,
	}
}

// CapFor returns the tier cap for a policy type, if any.
func (b Boundaries) CapFor(policyType string) (decimal.Decimal, bool) {
	c, ok := b.Caps[policyType]
	return c, ok
}

// MarshalJSON flattens caps into max_<policy_type> keys next to the constants.
func (b Boundaries) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"tier_name":                  b.TierName,
		"min_cooldown_minutes":       b.MinCooldownMinutes,
		"max_grant_duration_minutes": b.MaxGrantDurationMinutes,
		"request_cooldown_minutes":   b.RequestCooldownMinutes,
		"request_ttl_hours":          b.RequestTTLHours,
		"max_threshold_value":        b.MaxThresholdValue.StringFixed(2),
	}
	for policyType, c := range b.Caps {
		out["max_"+policyType] = c.StringFixed(2)
	}
	return json.Marshal(out)
}
