package portfolio_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedsx/market-engine/internal/model"
	"github.com/seedsx/market-engine/internal/portfolio"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEvaluate_OpenPositionScenario(t *testing.T) {
	// 10 shares bought for 800.5; the pool has since moved to price 85.
	pool := &model.TradingPool{
		DecisionID:  "d1",
		Position:    model.PositionYes,
		Slope:       dec("0.01"),
		GhostSupply: dec("8000"),
		RealSupply:  dec("500"),
	}
	a := model.Anticipation{
		DecisionID:    "d1",
		Position:      model.PositionYes,
		SharesOwned:   dec("10"),
		TotalInvested: dec("800.5"),
	}

	pp := portfolio.Evaluate(a, pool, nil)

	assert.Equal(t, "85", pp.CurrentPrice.String())
	assert.Equal(t, "850", pp.EstimatedValue.String())
	assert.Equal(t, "49.5", pp.Profit.String())
	assert.Equal(t, "6.18", pp.ProfitPercentage.String())
}

func TestEvaluate_MissingPoolUsesTargetPrice(t *testing.T) {
	a := model.Anticipation{DecisionID: "d1", SharesOwned: dec("2"), TotalInvested: dec("150")}
	d := &model.Decision{ID: "d1", TargetPrice: dec("80")}

	pp := portfolio.Evaluate(a, nil, d)

	assert.Equal(t, "80", pp.CurrentPrice.String())
	assert.Equal(t, "10", pp.Profit.String())
}

func TestEvaluate_Resolved(t *testing.T) {
	a := model.Anticipation{
		SharesOwned:   dec("10"),
		TotalInvested: dec("800.5"),
		Resolved:      true,
		Result:        model.ResultWon,
		SeedsEarned:   dec("1200"),
	}
	pp := portfolio.Evaluate(a, nil, nil)
	assert.Equal(t, "399.5", pp.Profit.String())

	a.Result = model.ResultLost
	a.SeedsEarned = decimal.Zero
	pp = portfolio.Evaluate(a, nil, nil)
	assert.Equal(t, "-800.5", pp.Profit.String())
	assert.Equal(t, "-100", pp.ProfitPercentage.String())
}

func TestPercentage_ZeroInvested(t *testing.T) {
	assert.True(t, portfolio.Percentage(dec("5"), decimal.Zero).IsZero())
}

func TestAggregate(t *testing.T) {
	now := time.Now().UTC()
	pools := map[model.PoolKey]*model.TradingPool{
		{DecisionID: "d1", Position: model.PositionYes}: {
			DecisionID: "d1", Position: model.PositionYes,
			Slope: dec("1"), GhostSupply: dec("60"), RealSupply: dec("10"),
		},
	}
	decisions := map[string]*model.Decision{
		"d2": {ID: "d2", TargetPrice: dec("50")},
	}
	ants := []model.Anticipation{
		{ID: "a1", DecisionID: "d1", Position: model.PositionYes, SharesOwned: dec("2"), TotalInvested: dec("130"), CreatedAt: now.Add(-time.Hour)},
		{ID: "a2", DecisionID: "d2", Position: model.PositionNo, SharesOwned: dec("1"), TotalInvested: dec("50"), CreatedAt: now},
		{ID: "a3", DecisionID: "d3", Position: model.PositionNo, SharesOwned: decimal.Zero, TotalInvested: decimal.Zero, CreatedAt: now},
		{ID: "a4", DecisionID: "d4", Position: model.PositionYes, TotalInvested: dec("20"), Resolved: true, Result: model.ResultLost, CreatedAt: now},
	}

	p := portfolio.Aggregate("u1", ants, pools, decisions)

	require.Len(t, p.Positions, 3)
	assert.Equal(t, "a2", p.Positions[0].ID)
	assert.Equal(t, "a1", p.Positions[1].ID)
	assert.Equal(t, "a4", p.Positions[2].ID)

	assert.Equal(t, "200", p.TotalInvested.String())
	assert.Equal(t, "190", p.TotalEstimatedValue.String()) // 2*70 + 1*50 + 0
	assert.Equal(t, "-10", p.TotalProfit.String())         // 10 + 0 − 20
}

func TestAggregate_Empty(t *testing.T) {
	p := portfolio.Aggregate("nobody", nil, nil, nil)
	assert.NotNil(t, p.Positions)
	assert.Empty(t, p.Positions)
	assert.True(t, p.TotalProfit.IsZero())
}
