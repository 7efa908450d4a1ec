// Package portfolio joins a user's anticipations with live pool state to
// produce profit/loss figures.
package portfolio

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/model"
)

// PercentScale is the rounding applied to profit percentages.
const PercentScale int32 = 2

var hundred = decimal.NewFromInt(100)

// Aggregate builds the portfolio for userID.
//
// Open positions are marked to the pool's current price; a pool that does
// not exist yet is priced at the decision's target price. Resolved
// positions report seedsEarned − totalInvested. Open positions with no
// shares left are omitted.
func Aggregate(
	userID string,
	anticipations []model.Anticipation,
	pools map[model.PoolKey]*model.TradingPool,
	decisions map[string]*model.Decision,
) model.Portfolio {
	out := model.Portfolio{
		UserID:              userID,
		Positions:           []model.PortfolioPosition{},
		TotalInvested:       decimal.Zero,
		TotalEstimatedValue: decimal.Zero,
		TotalProfit:         decimal.Zero,
	}

	for _, a := range anticipations {
		if !a.Resolved && !a.SharesOwned.IsPositive() {
			continue
		}
		pp := Evaluate(a, pools[model.PoolKey{DecisionID: a.DecisionID, Position: a.Position}], decisions[a.DecisionID])

		out.Positions = append(out.Positions, pp)
		out.TotalInvested = out.TotalInvested.Add(a.TotalInvested)
		out.TotalEstimatedValue = out.TotalEstimatedValue.Add(pp.EstimatedValue)
		out.TotalProfit = out.TotalProfit.Add(pp.Profit)
	}

	// Open positions first, newest first within each group.
	sort.SliceStable(out.Positions, func(i, j int) bool {
		a, b := out.Positions[i], out.Positions[j]
		if a.Resolved != b.Resolved {
			return !a.Resolved
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return out
}

// Evaluate computes the profit figures for one anticipation. pool and
// decision may be nil.
func Evaluate(a model.Anticipation, pool *model.TradingPool, decision *model.Decision) model.PortfolioPosition {
	pp := model.PortfolioPosition{Anticipation: a}

	if a.Resolved {
		pp.EstimatedValue = a.SeedsEarned
		pp.Profit = a.SeedsEarned.Sub(a.TotalInvested)
		pp.ProfitPercentage = Percentage(pp.Profit, a.TotalInvested)
		return pp
	}

	switch {
	case pool != nil:
		pp.CurrentPrice = pool.CurrentPrice()
	case decision != nil:
		pp.CurrentPrice = decision.TargetPrice
	}
	pp.EstimatedValue = pp.CurrentPrice.Mul(a.SharesOwned)
	pp.Profit = pp.EstimatedValue.Sub(a.TotalInvested)
	pp.ProfitPercentage = Percentage(pp.Profit, a.TotalInvested)
	return pp
}

// Percentage is profit / invested * 100, or 0 when nothing was invested.
func Percentage(profit, invested decimal.Decimal) decimal.Decimal {
	if invested.IsZero() {
		return decimal.Zero
	}
	return profit.Div(invested).Mul(hundred).Round(PercentScale)
}
