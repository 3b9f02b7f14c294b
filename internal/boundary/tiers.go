package boundary

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Tier names, smallest first.
const (
	TierFree       = "free"
	TierProduction = "production"
	TierPro        = "pro"
	TierAgency     = "agency"
)

// TierTable maps tier name -> policy_type -> threshold cap.
//
// Caps are looked up as max_<policy_type>. A policy type missing from a tier is
// bounded only by MaxThresholdValue.
type TierTable map[string]map[string]decimal.Decimal

func DefaultTierTable() TierTable {
	d := decimal.RequireFromString
	return TierTable{
		TierFree: {
			"daily_spend_cap":  d("50.00"),
			"hourly_spend_cap": d("10.00"),
			"task_cost_cap":    d("5.00"),
			"token_velocity":   d("50000"),
		},
		TierProduction: {
			"daily_spend_cap":  d("500.00"),
			"hourly_spend_cap": d("100.00"),
			"task_cost_cap":    d("50.00"),
			"token_velocity":   d("500000"),
		},
		TierPro: {
			"daily_spend_cap":  d("2000.00"),
			"hourly_spend_cap": d("400.00"),
			"task_cost_cap":    d("200.00"),
			"token_velocity":   d("2000000"),
		},
		TierAgency: {
			"daily_spend_cap":  d("10000.00"),
			"hourly_spend_cap": d("2000.00"),
			"task_cost_cap":    d("1000.00"),
			"token_velocity":   d("10000000"),
		},
	}
}

// Resolve returns the tier's caps, falling back to free for unknown names.
func (t TierTable) Resolve(tier string) (string, map[string]decimal.Decimal) {
	tier = strings.ToLower(strings.TrimSpace(tier))
	if caps, ok := t[tier]; ok {
		return tier, caps
	}
	return TierFree, t[TierFree]
}

// Names returns the tier names in a stable order.
func (t TierTable) Names() []string {
	rank := map[string]int{TierFree: 0, TierProduction: 1, TierPro: 2, TierAgency: 3}
	out := make([]string, 0, len(t))
	for name := range t {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, iok := rank[out[i]]
		rj, jok := rank[out[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return out[i] < out[j]
		}
	})
	return out
}

type capValue decimal.Decimal

func (c *capValue) UnmarshalYAML(n *yaml.Node) error {
	d, err := decimal.NewFromString(strings.TrimSpace(n.Value))
	if err != nil {
		return fmt.Errorf("line %d: cap %q is not a decimal", n.Line, n.Value)
	}
	if d.IsNegative() {
		return fmt.Errorf("line %d: cap %q is negative", n.Line, n.Value)
	}
	*c = capValue(d)
	return nil
}

type tierFile struct {
	Tiers map[string]map[string]capValue `yaml:"tiers"`
}

// ParseTierTable reads a YAML document of the form
//
//	tiers:
//	  free:
//	    daily_spend_cap: "50.00"
func ParseTierTable(b []byte) (TierTable, error) {
	var f tierFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse tiers: %w", err)
	}
	if len(f.Tiers) == 0 {
		return nil, fmt.Errorf("parse tiers: no tiers defined")
	}
	out := make(TierTable, len(f.Tiers))
	for name, caps := range f.Tiers {
		name = strings.ToLower(strings.TrimSpace(name))
		m := make(map[string]decimal.Decimal, len(caps))
		for policyType, v := range caps {
			m[strings.TrimPrefix(policyType, "max_")] = decimal.Decimal(v)
		}
		out[name] = m
	}
	if _, ok := out[TierFree]; !ok {
		return nil, fmt.Errorf("parse tiers: %q tier is required", TierFree)
	}
	return out, nil
}

// MarshalYAML writes the same document ParseTierTable reads, caps as
// max_<policy_type> strings.
func (t TierTable) MarshalYAML() (any, error) {
	tiers := make(map[string]map[string]string, len(t))
	for name, caps := range t {
		m := make(map[string]string, len(caps))
		for policyType, c := range caps {
			m["max_"+policyType] = c.StringFixed(2)
		}
		tiers[name] = m
	}
	return map[string]any{"tiers": tiers}, nil
}

// LoadTierTable returns the default table when path is empty.
func LoadTierTable(path string) (TierTable, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultTierTable(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tiers file: %w", err)
	}
	return ParseTierTable(b)
}
