package boundary

import (
	"context"
	"sync"
	"time"
)

// TierSource looks up the tier a workspace is billed on.
type TierSource interface {
	WorkspaceTier(ctx context.Context, workspaceID string) (string, error)
}

type cacheEntry struct {
	b       Boundaries
	expires time.Time
}

// Cache holds resolved boundaries per workspace for a short TTL. Readers may
// see a tier change up to ttl late.
type Cache struct {
	source TierSource
	table  TierTable
	ttl    time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache(source TierSource, table TierTable, ttl time.Duration) *Cache {
	if table == nil {
		table = DefaultTierTable()
	}
	return &Cache{
		source:  source,
		table:   table,
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// WithClock overrides the time source used for TTL checks.
func (c *Cache) WithClock(clock func() time.Time) *Cache {
	c.clock = clock
	return c
}

func (c *Cache) Table() TierTable { return c.table }

func (c *Cache) Get(ctx context.Context, workspaceID string) (Boundaries, error) {
	now := c.clock()
	c.mu.Lock()
	e, ok := c.entries[workspaceID]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.b, nil
	}

	tier, err := c.source.WorkspaceTier(ctx, workspaceID)
	if err != nil {
		return Boundaries{}, err
	}
	b := c.table.For(tier)
	if c.ttl > 0 {
		c.mu.Lock()
		c.entries[workspaceID] = cacheEntry{b: b, expires: now.Add(c.ttl)}
		c.mu.Unlock()
	}
	return b, nil
}

func (c *Cache) Invalidate(workspaceID string) {
	c.mu.Lock()
	delete(c.entries, workspaceID)
	c.mu.Unlock()
}

func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// StaticTiers is a TierSource backed by a map, for tests and local runs.
// Unknown workspaces resolve to the free tier.
type StaticTiers map[string]string

func (s StaticTiers) WorkspaceTier(ctx context.Context, workspaceID string) (string, error) {
	_ = ctx
	if t, ok := s[workspaceID]; ok {
		return t, nil
	}
	return TierFree, nil
}
