package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedsx/market-engine/internal/model"
	"github.com/seedsx/market-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSQLite(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// backends runs the same behaviour checks against every Store that needs
// no external server.
func backends(t *testing.T, run func(t *testing.T, s store.Store)) {
	t.Run("memory", func(t *testing.T) { run(t, store.NewMemoryStore()) })
	t.Run("sqlite", func(t *testing.T) { run(t, newSQLite(t)) })
}

func seedDecision(t *testing.T, s store.Store, id string) {
	t.Helper()
	err := s.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertDecision(context.Background(), &model.Decision{
			ID:          id,
			Title:       "Build the bridge",
			TargetPrice: d("80"),
			DepthFactor: d("10000"),
			Status:      model.DecisionOpen,
			CreatedAt:   t0,
		})
	})
	require.NoError(t, err)
}

func TestDecisions(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedDecision(t, s, "d1")

		got, err := s.GetDecision(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, "Build the bridge", got.Title)
		assert.Equal(t, "80", got.TargetPrice.String())
		assert.Equal(t, "10000", got.DepthFactor.String())
		assert.True(t, got.Open())
		assert.Nil(t, got.Resolution)
		assert.Nil(t, got.ResolvedAt)

		_, err = s.GetDecision(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = s.WithinTx(ctx, func(tx store.Tx) error {
			return tx.InsertDecision(ctx, &model.Decision{ID: "d1", TargetPrice: d("1"), DepthFactor: d("1"), Status: model.DecisionOpen, CreatedAt: t0})
		})
		assert.ErrorIs(t, err, store.ErrDuplicate)

		resolvedAt := t0.Add(time.Hour)
		err = s.WithinTx(ctx, func(tx store.Tx) error {
			dec, err := tx.GetDecision(ctx, "d1")
			if err != nil {
				return err
			}
			dec.Status = model.DecisionResolved
			dec.Resolution = &model.ResolutionInfo{Resolution: model.OutcomeResolution{Winner: model.PositionYes}}
			dec.ResolvedAt = &resolvedAt
			return tx.UpdateDecision(ctx, dec)
		})
		require.NoError(t, err)

		got, err = s.GetDecision(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, model.DecisionResolved, got.Status)
		require.NotNil(t, got.Resolution)
		assert.Equal(t, model.OutcomeResolution{Winner: model.PositionYes}, got.Resolution.Resolution)
		require.NotNil(t, got.ResolvedAt)
		assert.True(t, resolvedAt.Equal(*got.ResolvedAt))

		list, err := s.ListDecisions(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})
}

func TestWithinTx_RollbackOnError(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedDecision(t, s, "d1")
		boom := errors.New("boom")

		err := s.WithinTx(ctx, func(tx store.Tx) error {
			require.NoError(t, tx.PutPool(ctx, &model.TradingPool{
				DecisionID: "d1", Position: model.PositionYes,
				Slope: d("0.01"), GhostSupply: d("8000"), RealSupply: d("10"), Reserve: d("800.5"),
				CreatedAt: t0, UpdatedAt: t0,
			}))
			require.NoError(t, tx.PutUser(ctx, &model.User{ID: "u1", SeedsBalance: d("199.5"), Level: 2, SeedsToNextLevel: d("200.5"), CreatedAt: t0, UpdatedAt: t0}))
			require.NoError(t, tx.InsertTick(ctx, &model.OpinionTick{ID: "k1", DecisionID: "d1", Timestamp: t0, YesPrice: d("80.1"), NoPrice: d("80"), YesCount: d("10"), NoCount: d("0")}))
			return boom
		})
		assert.ErrorIs(t, err, boom)

		_, err = s.GetPool(ctx, model.PoolKey{DecisionID: "d1", Position: model.PositionYes})
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetUser(ctx, "u1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		ticks, err := s.ListTicks(ctx, "d1")
		require.NoError(t, err)
		assert.Empty(t, ticks)
	})
}

func TestPools(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedDecision(t, s, "d1")
		yesKey := model.PoolKey{DecisionID: "d1", Position: model.PositionYes}

		err := s.WithinTx(ctx, func(tx store.Tx) error {
			for _, pos := range []model.Position{model.PositionNo, model.PositionYes} {
				if err := tx.PutPool(ctx, &model.TradingPool{
					DecisionID: "d1", Position: pos,
					Slope: d("0.01"), GhostSupply: d("8000"), RealSupply: decimal.Zero, Reserve: decimal.Zero,
					CreatedAt: t0, UpdatedAt: t0,
				}); err != nil {
					return err
				}
			}
			// Read-your-writes inside the transaction.
			p, err := tx.GetPool(ctx, yesKey)
			if err != nil {
				return err
			}
			p.RealSupply = d("10")
			p.Reserve = d("800.5")
			p.UpdatedAt = t0.Add(time.Minute)
			return tx.PutPool(ctx, p)
		})
		require.NoError(t, err)

		pools, err := s.GetPools(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, pools, 2)
		assert.Equal(t, model.PositionYes, pools[0].Position)
		assert.Equal(t, model.PositionNo, pools[1].Position)

		yes, err := s.GetPool(ctx, yesKey)
		require.NoError(t, err)
		assert.Equal(t, "10", yes.RealSupply.String())
		assert.Equal(t, "800.5", yes.Reserve.String())
		assert.Equal(t, "80.1", yes.CurrentPrice().String())

		none, err := s.GetPools(ctx, "other")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestUsersAndSeedsTransactions(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		err := s.WithinTx(ctx, func(tx store.Tx) error {
			if err := tx.PutUser(ctx, &model.User{ID: "u1", SeedsBalance: d("199.5"), Level: 2, SeedsToNextLevel: d("200.5"), CreatedAt: t0, UpdatedAt: t0}); err != nil {
				return err
			}
			return tx.InsertSeedsTransaction(ctx, &model.SeedsTransaction{
				ID: "s1", UserID: "u1", Type: model.SeedsLost, Amount: d("-800.5"),
				Reason: model.ReasonTradeBuy, RelatedID: "d1", RelatedType: model.RelatedDecision,
				LevelBefore: 4, LevelAfter: 2, BalanceAfter: d("199.5"), CreatedAt: t0,
			})
		})
		require.NoError(t, err)

		u, err := s.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "199.5", u.SeedsBalance.String())
		assert.Equal(t, 2, u.Level)

		txns, err := s.ListSeedsTransactions(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, txns, 1)
		assert.Equal(t, "-800.5", txns[0].Amount.String())
		assert.Equal(t, model.SeedsLost, txns[0].Type)
		assert.Equal(t, 4, txns[0].LevelBefore)
		assert.Equal(t, "d1", txns[0].RelatedID)
	})
}

func TestAnticipations(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		seedDecision(t, s, "d1")
		key := model.PoolKey{DecisionID: "d1", Position: model.PositionYes}

		put := func(shares, invested string) {
			err := s.WithinTx(ctx, func(tx store.Tx) error {
				return tx.PutAnticipation(ctx, &model.Anticipation{
					ID: "a1", DecisionID: "d1", UserID: "u1", Position: model.PositionYes,
					SharesOwned: d(shares), TotalInvested: d(invested), SeedsEarned: decimal.Zero,
					CreatedAt: t0, UpdatedAt: t0,
				})
			})
			require.NoError(t, err)
		}
		put("10", "800.5")
		put("6", "480.3")

		a, err := s.GetAnticipation(ctx, key, "u1")
		require.NoError(t, err)
		assert.Equal(t, "6", a.SharesOwned.String())
		assert.Equal(t, "480.3", a.TotalInvested.String())
		assert.False(t, a.Resolved)

		_, err = s.GetAnticipation(ctx, key, "u2")
		assert.ErrorIs(t, err, store.ErrNotFound)

		byUser, err := s.ListAnticipationsByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, byUser, 1)

		err = s.WithinTx(ctx, func(tx store.Tx) error {
			list, err := tx.ListAnticipationsByDecision(ctx, "d1")
			if err != nil {
				return err
			}
			require.Len(t, list, 1)
			list[0].Resolved = true
			list[0].Result = model.ResultWon
			list[0].SeedsEarned = d("1200")
			return tx.PutAnticipation(ctx, &list[0])
		})
		require.NoError(t, err)

		a, err = s.GetAnticipation(ctx, key, "u1")
		require.NoError(t, err)
		assert.True(t, a.Resolved)
		assert.Equal(t, model.ResultWon, a.Result)
		assert.Equal(t, "1200", a.SeedsEarned.String())
	})
}

func TestTradingLogAndTicks(t *testing.T) {
	backends(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		err := s.WithinTx(ctx, func(tx store.Tx) error {
			for i, shares := range []string{"10", "4"} {
				typ := model.TradeBuy
				if i == 1 {
					typ = model.TradeSell
				}
				ts := t0.Add(time.Duration(i) * time.Minute)
				if err := tx.InsertTradingTransaction(ctx, &model.TradingTransaction{
					ID: "t" + shares, DecisionID: "d1", UserID: "u1", Position: model.PositionYes, Type: typ,
					Shares: d(shares), Cost: d("1"), NetAmount: decimal.Zero, Fee: decimal.Zero, PricePerShare: d("0.1"),
					Timestamp: ts,
				}); err != nil {
					return err
				}
				if err := tx.InsertTick(ctx, &model.OpinionTick{
					ID: "k" + shares, DecisionID: "d1", Timestamp: ts,
					YesPrice: d("80.1"), NoPrice: d("80"), YesCount: d(shares), NoCount: decimal.Zero,
				}); err != nil {
					return err
				}
			}
			return nil
		})
		require.NoError(t, err)

		trades, err := s.ListTradingTransactions(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, trades, 2)
		assert.Equal(t, model.TradeBuy, trades[0].Type)
		assert.Equal(t, model.TradeSell, trades[1].Type)

		ticks, err := s.ListTicks(ctx, "d1")
		require.NoError(t, err)
		require.Len(t, ticks, 2)
		assert.Equal(t, "10", ticks[0].YesCount.String())
		assert.True(t, ticks[0].Timestamp.Before(ticks[1].Timestamp))
	})
}

func TestCachedStore_FallsBackWhenRedisIsDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	primary := store.NewMemoryStore()
	s := store.NewCachedStore(primary, rdb, time.Minute)
	ctx := context.Background()

	seedDecision(t, s, "d1")
	got, err := s.GetDecision(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", got.ID)

	_, err = s.GetUser(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
