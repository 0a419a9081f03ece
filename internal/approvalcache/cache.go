// Package approvalcache caches per-step approval grants in front of the
// state store, so policy rechecks on the hot dispatch path avoid a
// store read per message.
package approvalcache

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/planforge/planforge/internal/domain/step"
	"github.com/planforge/planforge/internal/port/statestore"
)

const (
	// entryTTL bounds staleness if an invalidation is ever missed.
	entryTTL = time.Minute

	numCounters = 10_000
	maxCost     = 1 << 20
)

// Cache is a read-through approval cache over the state store.
type Cache struct {
	store statestore.Store
	cache *ristretto.Cache[string, map[string]bool]
}

// New builds the cache.
func New(store statestore.Store) (*Cache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, map[string]bool]{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("approval cache: %w", err)
	}
	return &Cache{store: store, cache: c}, nil
}

// Approvals returns the approval set for (planID, stepID), reading
// through to the store on a miss. A step unknown to the store yields an
// empty set.
func (c *Cache) Approvals(ctx context.Context, planID, stepID string) (map[string]bool, error) {
	key := step.IdempotencyKey(planID, stepID)
	if cached, ok := c.cache.Get(key); ok {
		return cached, nil
	}

	rec, ok, err := c.store.GetEntry(ctx, planID, stepID)
	if err != nil {
		return nil, err
	}
	approvals := map[string]bool{}
	if ok {
		for cap, granted := range rec.Approvals {
			approvals[cap] = granted
		}
	}
	c.cache.SetWithTTL(key, approvals, int64(len(approvals)+1), entryTTL)
	return approvals, nil
}

// Record persists an approval decision and refreshes the cached entry.
func (c *Cache) Record(ctx context.Context, planID, stepID, capability string, granted bool) (step.Record, error) {
	rec, err := c.store.RecordApproval(ctx, planID, stepID, capability, granted)
	if err != nil {
		return step.Record{}, err
	}

	approvals := make(map[string]bool, len(rec.Approvals))
	for cap, g := range rec.Approvals {
		approvals[cap] = g
	}
	// Drop the stale entry synchronously; Set is buffered and best-effort,
	// a miss falls back to the store.
	key := step.IdempotencyKey(planID, stepID)
	c.cache.Del(key)
	c.cache.SetWithTTL(key, approvals, int64(len(approvals)+1), entryTTL)
	return rec, nil
}

// Invalidate drops the cached entry, typically when a step reaches a
// terminal state and its record is forgotten.
func (c *Cache) Invalidate(planID, stepID string) {
	c.cache.Del(step.IdempotencyKey(planID, stepID))
}

// Wait blocks until pending cache writes are applied. Intended for tests.
func (c *Cache) Wait() {
	c.cache.Wait()
}

// Close releases the cache resources.
func (c *Cache) Close() {
	c.cache.Close()
}
