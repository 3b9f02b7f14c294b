package policy

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Snapshot is the point-in-time policy state stored in requests and audit
// details. Mutable fields are pointers so a partial snapshot can be told apart
// from a zero value.
type Snapshot struct {
	ID              string           `json:"id"`
	WorkspaceID     string           `json:"workspace_id"`
	AgentID         string           `json:"agent_id,omitempty"`
	PolicyType      string           `json:"policy_type,omitempty"`
	ThresholdValue  *decimal.Decimal `json:"threshold_value,omitempty"`
	CooldownMinutes *int             `json:"cooldown_minutes,omitempty"`
	ActionType      *ActionType      `json:"action_type,omitempty"`
	IsEnabled       *bool            `json:"is_enabled,omitempty"`
}

func (p RiskPolicy) Snapshot() Snapshot {
	th := p.ThresholdValue
	cd := p.CooldownMinutes
	at := p.ActionType
	en := p.IsEnabled
	return Snapshot{
		ID:              p.ID,
		WorkspaceID:     p.WorkspaceID,
		AgentID:         p.AgentID,
		PolicyType:      p.PolicyType,
		ThresholdValue:  &th,
		CooldownMinutes: &cd,
		ActionType:      &at,
		IsEnabled:       &en,
	}
}

// Values returns the mutable fields present in the snapshot, in canonical form.
func (s Snapshot) Values() map[Field]string {
	out := make(map[Field]string, len(MutableFields))
	if s.ThresholdValue != nil {
		out[FieldThresholdValue] = s.ThresholdValue.String()
	}
	if s.CooldownMinutes != nil {
		out[FieldCooldownMinutes] = strconv.Itoa(*s.CooldownMinutes)
	}
	if s.ActionType != nil {
		out[FieldActionType] = string(*s.ActionType)
	}
	return out
}
