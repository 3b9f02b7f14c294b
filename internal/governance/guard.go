package governance

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"policygov/pkg/logger"
	"policygov/pkg/utils"
)

// SubmitGuard serializes request submission per (workspace, policy) so the
// cooldown check and the insert are not interleaved. ok=false means another
// submission holds the slot.
type SubmitGuard interface {
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

func submitKey(workspaceID, policyID string) string {
	return "gov:submit:" + workspaceID + ":" + policyID
}

// LocalGuard is an in-process keyed lock for single-instance deployments.
type LocalGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalGuard() *LocalGuard {
	return &LocalGuard{held: make(map[string]struct{})}
}

func (g *LocalGuard) Acquire(ctx context.Context, key string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.held[key]; busy {
		return nil, false, nil
	}
	g.held[key] = struct{}{}
	return func() {
		g.mu.Lock()
		delete(g.held, key)
		g.mu.Unlock()
	}, true, nil
}

// RedisGuard shares the slot across API instances. The TTL frees a slot held
// by a crashed process.
type RedisGuard struct {
	rdb redis.Scripter
	ttl time.Duration
}

func NewRedisGuard(rdb redis.Scripter, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisGuard{rdb: rdb, ttl: ttl}
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), bool, error) {
	ok, err := utils.AcquireSlot(ctx, g.rdb, key, 1, g.ttl)
	if err != nil || !ok {
		return nil, ok, err
	}
	log := logger.From(ctx)
	return func() {
		// Release on a fresh context; the request context may already be done.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed release holds the slot until the TTL lapses.
		if err := utils.ReleaseSlot(rctx, g.rdb, key); err != nil {
			log.Warn("submission guard release failed", "key", key, "ttl", g.ttl, "err", err)
		}
	}, true, nil
}
