package boundary

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestTierTable_UnknownTierIsFree(t *testing.T) {
	b := DefaultTierTable().For("platinum")
	assert.Equal(t, TierFree, b.TierName)

	c, ok := b.CapFor("daily_spend_cap")
	require.True(t, ok)
	assert.Equal(t, "50.00", c.StringFixed(2))
}

func TestTierTable_CapsIncreaseWithTier(t *testing.T) {
	tbl := DefaultTierTable()
	names := tbl.Names()
	require.Equal(t, []string{TierFree, TierProduction, TierPro, TierAgency}, names)

	for i := 1; i < len(names); i++ {
		for policyType, lo := range tbl[names[i-1]] {
			hi := tbl[names[i]][policyType]
			assert.True(t, hi.GreaterThan(lo), "%s: %s should exceed %s", policyType, names[i], names[i-1])
		}
	}
}

func TestParseTierTable(t *testing.T) {
	tbl, err := ParseTierTable([]byte(`
tiers:
  free:
    max_daily_spend_cap: "25.00"
    token_velocity: 1000
  enterprise:
    daily_spend_cap: 99999.99
`))
	require.NoError(t, err)
	assert.Equal(t, "25.00", tbl[TierFree]["daily_spend_cap"].StringFixed(2))
	assert.Equal(t, "1000", tbl[TierFree]["token_velocity"].String())
	assert.Equal(t, "99999.99", tbl["enterprise"]["daily_spend_cap"].String())

	_, err = ParseTierTable([]byte("tiers:\n  pro:\n    daily_spend_cap: 1\n"))
	assert.Error(t, err, "free tier is required")

	_, err = ParseTierTable([]byte("tiers:\n  free:\n    daily_spend_cap: lots\n"))
	assert.Error(t, err)
}

func TestTierTable_YAMLRoundTrip(t *testing.T) {
	b, err := yaml.Marshal(DefaultTierTable())
	require.NoError(t, err)
	assert.Contains(t, string(b), "max_daily_spend_cap: \"50.00\"")

	back, err := ParseTierTable(b)
	require.NoError(t, err)
	for _, name := range DefaultTierTable().Names() {
		for policyType, c := range DefaultTierTable()[name] {
			assert.True(t, c.Equal(back[name][policyType]), "%s/%s", name, policyType)
		}
	}
}

func TestLoadTierTable_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  free:\n    daily_spend_cap: \"5\"\n"), 0o600))

	tbl, err := LoadTierTable(path)
	require.NoError(t, err)
	assert.Equal(t, "5", tbl[TierFree]["daily_spend_cap"].String())

	def, err := LoadTierTable("")
	require.NoError(t, err)
	assert.Len(t, def, 4)
}

func TestBoundaries_JSONFlattensCaps(t *testing.T) {
	b, err := json.Marshal(DefaultTierTable().For(TierProduction))
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "production", out["tier_name"])
	assert.Equal(t, "500.00", out["max_daily_spend_cap"])
	assert.EqualValues(t, 30, out["min_cooldown_minutes"])
	assert.EqualValues(t, 1440, out["max_grant_duration_minutes"])
	assert.EqualValues(t, 15, out["request_cooldown_minutes"])
	assert.EqualValues(t, 24, out["request_ttl_hours"])
}

type countingSource struct {
	tier  string
	calls int
}

func (c *countingSource) WorkspaceTier(context.Context, string) (string, error) {
	c.calls++
	return c.tier, nil
}

func TestCache_TTLAndInvalidate(t *testing.T) {
	src := &countingSource{tier: TierFree}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewCache(src, nil, 5*time.Second).WithClock(func() time.Time { return now })
	ctx := context.Background()

	b, err := cache.Get(ctx, "ws_1")
	require.NoError(t, err)
	assert.Equal(t, TierFree, b.TierName)

	src.tier = TierPro
	b, _ = cache.Get(ctx, "ws_1")
	assert.Equal(t, TierFree, b.TierName, "served from cache")
	assert.Equal(t, 1, src.calls)

	cache.Invalidate("ws_1")
	b, _ = cache.Get(ctx, "ws_1")
	assert.Equal(t, TierPro, b.TierName)
	assert.Equal(t, 2, src.calls)

	src.tier = TierAgency
	now = now.Add(6 * time.Second)
	b, _ = cache.Get(ctx, "ws_1")
	assert.Equal(t, TierAgency, b.TierName, "refreshed after ttl")

	cache.InvalidateAll()
	_, _ = cache.Get(ctx, "ws_1")
	assert.Equal(t, 4, src.calls)
}

func TestValidator_UsesWorkspaceTier(t *testing.T) {
	v := NewValidator(NewCache(StaticTiers{"ws_pro": TierPro}, nil, time.Minute))
	p := dailyCap("alert_only")

	_, err := v.Validate(context.Background(), "ws_pro", p, "threshold_value", "1500")
	assert.NoError(t, err)

	_, err = v.Validate(context.Background(), "ws_other", p, "threshold_value", "1500")
	assert.ErrorIs(t, err, ErrBoundaryViolation)
}
