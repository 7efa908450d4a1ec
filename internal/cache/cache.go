// Package cache keeps recently read price history in process memory.
package cache

import (
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/seedsx/market-engine/internal/model"
)

// TickCache caches each decision's ordered ticks. Entries carry the
// generation they were read at; Invalidate bumps the generation so a read
// that raced a trade can never be served afterwards.
type TickCache struct {
	c   *ristretto.Cache
	ttl time.Duration

	mu  sync.Mutex
	gen map[string]uint64
}

type entry struct {
	gen   uint64
	ticks []model.OpinionTick
}

// New creates a cache holding about maxTicks ticks in total.
func New(maxTicks int64, ttl time.Duration) (*TickCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxTicks,
		BufferItems: 64,

		IgnoreInternalCost: true, // cost is counted in ticks
	})
	if err != nil {
		return nil, err
	}
	return &TickCache{c: c, ttl: ttl, gen: make(map[string]uint64)}, nil
}

// Generation returns the current generation of a decision. Read it before
// loading from the store and pass it to Set.
func (c *TickCache) Generation(decisionID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen[decisionID]
}

// Get returns the cached ticks if they are still current.
func (c *TickCache) Get(decisionID string) ([]model.OpinionTick, bool) {
	v, ok := c.c.Get(decisionID)
	if !ok {
		return nil, false
	}
	e, ok := v.(entry)
	if !ok || e.gen != c.Generation(decisionID) {
		return nil, false
	}
	return e.ticks, true
}

// Set stores ticks loaded at generation gen. Stale loads are dropped.
func (c *TickCache) Set(decisionID string, gen uint64, ticks []model.OpinionTick) {
	if gen != c.Generation(decisionID) {
		return
	}
	c.c.SetWithTTL(decisionID, entry{gen: gen, ticks: ticks}, int64(len(ticks))+1, c.ttl)
}

// Invalidate drops a decision's ticks after a trade.
func (c *TickCache) Invalidate(decisionID string) {
	c.mu.Lock()
	c.gen[decisionID]++
	c.mu.Unlock()
	c.c.Del(decisionID)
}

// Wait blocks until buffered writes are applied.
func (c *TickCache) Wait() { c.c.Wait() }

// Close stops the cache's background goroutines.
func (c *TickCache) Close() { c.c.Close() }
