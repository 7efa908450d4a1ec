// Package limits enforces per-user share limits on a decision and per-user
// trade rate limits.
//
// A user may hold both positions of the same decision. The limiter caps
// each Anticipation and the combined holding across the YES and NO pools,
// so a single account cannot corner either pool.
package limits

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/model"
)

var (
	// ErrPositionLimitExceeded is returned when a buy would push one
	// anticipation beyond the per-position maximum.
	ErrPositionLimitExceeded = errors.New("limits: per-position share limit exceeded")

	// ErrDecisionLimitExceeded is returned when a buy would push the
	// combined YES+NO holding on one decision beyond the maximum.
	ErrDecisionLimitExceeded = errors.New("limits: combined decision share limit exceeded")
)

// PositionLimiter caps share holdings. A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerPosition is the maximum shares in a single anticipation.
	MaxPerPosition decimal.Decimal

	// MaxPerDecision is the maximum shares across both positions of one
	// decision.
	MaxPerDecision decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given limits.
func NewPositionLimiter(maxPerPosition, maxPerDecision decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerPosition: maxPerPosition,
		MaxPerDecision: maxPerDecision,
	}
}

// CheckLimit validates whether buying delta shares of position respects
// the limits.
//
// Parameters:
//   - position: the pool being bought into
//   - delta: shares being acquired (sells never violate a limit)
//   - holdings: the user's current shares per position on this decision
//
// Returns nil if the trade is within limits.
func (l *PositionLimiter) CheckLimit(
	position model.Position,
	delta decimal.Decimal,
	holdings map[model.Position]decimal.Decimal,
) error {
	if l == nil || !delta.IsPositive() {
		return nil
	}

	// 1. Per-position limit.
	newPosition := holdings[position].Add(delta)
	if l.MaxPerPosition.IsPositive() && newPosition.GreaterThan(l.MaxPerPosition) {
		return ErrPositionLimitExceeded
	}

	// 2. Combined holding on the decision.
	total := newPosition
	for pos, shares := range holdings {
		if pos == position {
			continue // already counted via newPosition above
		}
		total = total.Add(shares)
	}
	if l.MaxPerDecision.IsPositive() && total.GreaterThan(l.MaxPerDecision) {
		return ErrDecisionLimitExceeded
	}

	return nil
}
