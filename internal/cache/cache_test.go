package cache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedsx/market-engine/internal/cache"
	"github.com/seedsx/market-engine/internal/model"
)

func newCache(t *testing.T) *cache.TickCache {
	t.Helper()
	c, err := cache.New(1000, time.Minute)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestTickCache_SetGet(t *testing.T) {
	c := newCache(t)
	ticks := []model.OpinionTick{{ID: "k1", DecisionID: "d1"}}

	c.Set("d1", c.Generation("d1"), ticks)
	c.Wait()

	got, ok := c.Get("d1")
	require.True(t, ok)
	assert.Equal(t, ticks, got)

	_, ok = c.Get("d2")
	assert.False(t, ok)
}

func TestTickCache_Invalidate(t *testing.T) {
	c := newCache(t)
	c.Set("d1", c.Generation("d1"), []model.OpinionTick{{ID: "k1"}})
	c.Wait()

	c.Invalidate("d1")
	c.Wait()

	_, ok := c.Get("d1")
	assert.False(t, ok)
}

func TestTickCache_StaleLoadDropped(t *testing.T) {
	c := newCache(t)

	gen := c.Generation("d1") // a reader starts loading
	c.Invalidate("d1")        // a trade commits meanwhile
	c.Set("d1", gen, []model.OpinionTick{{ID: "stale"}})
	c.Wait()

	_, ok := c.Get("d1")
	assert.False(t, ok)
}
