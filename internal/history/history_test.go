package history_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedsx/market-engine/internal/history"
	"github.com/seedsx/market-engine/internal/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pools() (*model.TradingPool, *model.TradingPool) {
	yes := &model.TradingPool{DecisionID: "d1", Position: model.PositionYes, Slope: dec("0.01"), GhostSupply: dec("8000"), RealSupply: dec("10")}
	no := &model.TradingPool{DecisionID: "d1", Position: model.PositionNo, Slope: dec("0.01"), GhostSupply: dec("8000")}
	return yes, no
}

func TestNewTick(t *testing.T) {
	yes, no := pools()
	now := time.Now().UTC()

	tick, err := history.NewTick(yes, no, now)
	require.NoError(t, err)

	assert.Equal(t, "d1", tick.DecisionID)
	assert.Equal(t, "80.1", tick.YesPrice.String())
	assert.Equal(t, "80", tick.NoPrice.String())
	assert.Equal(t, "10", tick.YesCount.String())
	assert.True(t, tick.NoCount.IsZero())
	assert.NotEmpty(t, tick.ID)
}

func TestNewTick_Mismatch(t *testing.T) {
	yes, no := pools()
	_, err := history.NewTick(no, yes, time.Now())
	assert.ErrorIs(t, err, history.ErrPoolMismatch)

	no.DecisionID = "other"
	_, err = history.NewTick(yes, no, time.Now())
	assert.ErrorIs(t, err, history.ErrPoolMismatch)
}

func TestDownsample(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tick := func(offset time.Duration, yes, no string) model.OpinionTick {
		return model.OpinionTick{DecisionID: "d1", Timestamp: base.Add(offset), YesPrice: dec(yes), NoPrice: dec(no)}
	}
	ticks := []model.OpinionTick{
		tick(70*time.Minute, "83", "79"),
		tick(5*time.Minute, "80", "80"),
		tick(40*time.Minute, "81", "80"),
		tick(3*time.Hour, "90", "70"),
	}

	snaps := history.Downsample(ticks, time.Hour)
	require.Len(t, snaps, 3)

	assert.Equal(t, base, snaps[0].BucketStart)
	assert.Equal(t, "80", snaps[0].OpenYes.String())
	assert.Equal(t, "81", snaps[0].CloseYes.String())
	assert.Equal(t, 2, snaps[0].Trades)

	assert.Equal(t, base.Add(time.Hour), snaps[1].BucketStart)
	assert.Equal(t, 1, snaps[1].Trades)
	assert.Equal(t, base.Add(3*time.Hour), snaps[2].BucketStart)

	assert.Nil(t, history.Downsample(ticks, 0))
}

func TestRebuild(t *testing.T) {
	created := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d := &model.Decision{ID: "d1", TargetPrice: dec("80"), DepthFactor: dec("10000"), CreatedAt: created}
	txns := []model.TradingTransaction{
		{ID: "t2", DecisionID: "d1", Position: model.PositionYes, Type: model.TradeSell, Shares: dec("4"), Cost: dec("320.38"), Timestamp: created.Add(2 * time.Minute)},
		{ID: "t1", DecisionID: "d1", Position: model.PositionYes, Type: model.TradeBuy, Shares: dec("10"), Cost: dec("800.5"), Timestamp: created.Add(time.Minute)},
		{ID: "t3", DecisionID: "d1", Position: model.PositionNo, Type: model.TradeBuy, Shares: dec("1"), Cost: dec("80.005"), Timestamp: created.Add(3 * time.Minute)},
	}

	ticks, err := history.Rebuild(d, txns)
	require.NoError(t, err)
	require.Len(t, ticks, 3)

	assert.Equal(t, "80.1", ticks[0].YesPrice.String())
	assert.Equal(t, "80.06", ticks[1].YesPrice.String())
	assert.Equal(t, "6", ticks[1].YesCount.String())
	assert.Equal(t, "80.01", ticks[2].NoPrice.String())
	assert.Equal(t, "1", ticks[2].NoCount.String())
}

func TestRebuild_NegativeSupply(t *testing.T) {
	d := &model.Decision{ID: "d1", TargetPrice: dec("80"), DepthFactor: dec("10000")}
	_, err := history.Rebuild(d, []model.TradingTransaction{
		{ID: "t1", DecisionID: "d1", Position: model.PositionYes, Type: model.TradeSell, Shares: dec("1"), Cost: dec("80")},
	})
	assert.Error(t, err)
}
