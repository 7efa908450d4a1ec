package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedsx/market-engine/internal/model"
	"github.com/seedsx/market-engine/internal/store"
)

var yesKey = model.PoolKey{DecisionID: "d1", Position: model.PositionYes}

// laggingPrimary runs afterRead once, after a pool read has returned its
// row but before the caller sees it.
type laggingPrimary struct {
	*store.MemoryStore
	afterRead func()
}

func (p *laggingPrimary) GetPool(ctx context.Context, key model.PoolKey) (*model.TradingPool, error) {
	got, err := p.MemoryStore.GetPool(ctx, key)
	if f := p.afterRead; f != nil {
		p.afterRead = nil
		f()
	}
	return got, err
}

func newCached(t *testing.T, primary store.Store) *store.CachedStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return store.NewCachedStore(primary, rdb, time.Minute)
}

func putSupply(t *testing.T, s store.Store, supply string) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.PutPool(context.Background(), &model.TradingPool{
			DecisionID: "d1", Position: model.PositionYes,
			Slope: d("0.01"), GhostSupply: d("8000"), RealSupply: d(supply), Reserve: d("0"),
			CreatedAt: t0, UpdatedAt: t0,
		})
	})
	require.NoError(t, err)
}

func TestCachedStore_ReadThrough(t *testing.T) {
	primary := store.NewMemoryStore()
	s := newCached(t, primary)
	ctx := context.Background()
	seedDecision(t, s, "d1")
	putSupply(t, s, "10")

	got, err := s.GetPool(ctx, yesKey)
	require.NoError(t, err)
	assert.Equal(t, "10", got.RealSupply.String())

	// A write that bypasses the cache is not seen until invalidation.
	putSupply(t, primary, "20")
	got, err = s.GetPool(ctx, yesKey)
	require.NoError(t, err)
	assert.Equal(t, "10", got.RealSupply.String())

	putSupply(t, s, "30")
	got, err = s.GetPool(ctx, yesKey)
	require.NoError(t, err)
	assert.Equal(t, "30", got.RealSupply.String())
}

func TestCachedStore_SlowReadDoesNotRestoreOldRow(t *testing.T) {
	primary := &laggingPrimary{MemoryStore: store.NewMemoryStore()}
	s := newCached(t, primary)
	ctx := context.Background()
	seedDecision(t, s, "d1")
	putSupply(t, s, "10")

	// A commit lands between the primary read and the cache fill.
	primary.afterRead = func() { putSupply(t, s, "11") }
	got, err := s.GetPool(ctx, yesKey)
	require.NoError(t, err)
	assert.Equal(t, "10", got.RealSupply.String())

	got, err = s.GetPool(ctx, yesKey)
	require.NoError(t, err)
	assert.Equal(t, "11", got.RealSupply.String())
}
