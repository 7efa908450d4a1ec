// Package curve implements the linear bonding curve that prices every
// decision pool.
//
// The marginal price grows linearly with supply:
//
//	price(S) = m * S
//
// and the cost of moving supply from S1 to S2 is the exact integral
//
//	cost = (m/2) * (S2² − S1²)
//
// which makes pricing path-independent: buying N shares at once costs the
// same as N sequential single-share buys. A "ghost supply" of
// targetPrice/m lets a pool open at an arbitrary price without collateral,
// and m = 100/depthFactor ties steepness to a configured market depth.
//
// All arithmetic is done in shopspring/decimal; nothing here is float64.
package curve

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/model"
)

var (
	// ErrInvalidSlope is returned when m <= 0.
	ErrInvalidSlope = errors.New("curve: slope must be positive")

	// ErrInvalidDepth is returned when depthFactor <= 0.
	ErrInvalidDepth = errors.New("curve: depth factor must be positive")

	// ErrInvalidTargetPrice is returned when a pool would open at price <= 0.
	ErrInvalidTargetPrice = errors.New("curve: target price must be positive")

	// ErrInvalidShares is returned for a non-positive share amount.
	ErrInvalidShares = errors.New("curve: shares must be positive")

	// ErrNegativeSupply is returned when supply is negative or a sell would
	// take it below zero.
	ErrNegativeSupply = errors.New("curve: supply cannot go negative")

	// ErrArithmetic is returned when a computed cost is not strictly
	// positive. Results are rejected, never clamped.
	ErrArithmetic = errors.New("curve: non-positive cost")

	// CostScale is the number of decimal places kept on costs and proceeds.
	CostScale int32 = 8

	// DepthNumerator is the constant in slope = DepthNumerator / depthFactor.
	DepthNumerator = decimal.NewFromInt(100)

	half    = decimal.New(5, -1)
	hundred = decimal.NewFromInt(100)
)

// Curve is a stateless linear bonding curve. Pool quantities are passed as
// arguments, not stored.
type Curve struct {
	slope decimal.Decimal
}

// New creates a curve with slope m.
func New(slope decimal.Decimal) (*Curve, error) {
	if slope.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidSlope
	}
	return &Curve{slope: slope}, nil
}

// FromDepth creates a curve with m = 100 / depthFactor. Small depth gives a
// steep, volatile market; large depth a flat, stable one.
func FromDepth(depthFactor decimal.Decimal) (*Curve, error) {
	if depthFactor.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidDepth
	}
	return New(DepthNumerator.Div(depthFactor))
}

// ForPool returns the curve a pool is priced on.
func ForPool(p *model.TradingPool) (*Curve, error) {
	return New(p.Slope)
}

// Slope returns m.
func (c *Curve) Slope() decimal.Decimal {
	return c.slope
}

// Price is the marginal price at the given supply: m * S.
func (c *Curve) Price(supply decimal.Decimal) decimal.Decimal {
	return c.slope.Mul(supply)
}

// GhostSupply is the virtual supply at which the marginal price equals
// targetPrice.
func (c *Curve) GhostSupply(targetPrice decimal.Decimal) (decimal.Decimal, error) {
	if targetPrice.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidTargetPrice
	}
	return targetPrice.Div(c.slope), nil
}

// area computes (m/2) * (hi² − lo²) as (m/2) * (hi−lo) * (hi+lo), which is
// exact in decimal.
func (c *Curve) area(lo, hi decimal.Decimal) decimal.Decimal {
	return c.slope.Mul(half).Mul(hi.Sub(lo)).Mul(hi.Add(lo))
}

// BuyCost is the cost of buying shares starting at supply:
//
//	cost = (m/2) * ((S+n)² − S²)
//
// rounded up to CostScale so the pool never collects less than the integral.
func (c *Curve) BuyCost(supply, shares decimal.Decimal) (decimal.Decimal, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidShares
	}
	if supply.IsNegative() {
		return decimal.Zero, ErrNegativeSupply
	}
	cost := c.area(supply, supply.Add(shares)).RoundCeil(CostScale)
	if !cost.IsPositive() {
		return decimal.Zero, ErrArithmetic
	}
	return cost, nil
}

// SellProceeds is the gross amount returned for selling shares at supply:
//
//	gross = (m/2) * (S² − (S−n)²)
//
// rounded down to CostScale so the pool never pays out more than it took.
func (c *Curve) SellProceeds(supply, shares decimal.Decimal) (decimal.Decimal, error) {
	if shares.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrInvalidShares
	}
	if shares.GreaterThan(supply) {
		return decimal.Zero, ErrNegativeSupply
	}
	gross := c.area(supply.Sub(shares), supply).RoundFloor(CostScale)
	if !gross.IsPositive() {
		return decimal.Zero, ErrArithmetic
	}
	return gross, nil
}

// Quote is the buy cost of shares against the pool's current supply.
func Quote(p *model.TradingPool, shares decimal.Decimal) (decimal.Decimal, error) {
	c, err := ForPool(p)
	if err != nil {
		return decimal.Zero, err
	}
	return c.BuyCost(p.CurrentSupply(), shares)
}

// QuoteSell is the gross sell proceeds of shares against the pool. Only
// real supply can be sold back.
func QuoteSell(p *model.TradingPool, shares decimal.Decimal) (decimal.Decimal, error) {
	if shares.GreaterThan(p.RealSupply) {
		return decimal.Zero, ErrNegativeSupply
	}
	c, err := ForPool(p)
	if err != nil {
		return decimal.Zero, err
	}
	return c.SellProceeds(p.CurrentSupply(), shares)
}

// NewPool builds an empty pool that opens at targetPrice on a curve of the
// given depth.
func NewPool(decisionID string, pos model.Position, targetPrice, depthFactor decimal.Decimal, now time.Time) (*model.TradingPool, error) {
	c, err := FromDepth(depthFactor)
	if err != nil {
		return nil, err
	}
	ghost, err := c.GhostSupply(targetPrice)
	if err != nil {
		return nil, err
	}
	return &model.TradingPool{
		DecisionID:  decisionID,
		Position:    pos,
		Slope:       c.Slope(),
		GhostSupply: ghost,
		RealSupply:  decimal.Zero,
		Reserve:     decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Probability is the displayed YES probability in [0, 100]:
// yes / (yes + no) * 100, rounded to two places. Two zero prices read 50.
func Probability(yesPrice, noPrice decimal.Decimal) decimal.Decimal {
	total := yesPrice.Add(noPrice)
	if !total.IsPositive() {
		return decimal.NewFromInt(50)
	}
	return yesPrice.Div(total).Mul(hundred).Round(2)
}
