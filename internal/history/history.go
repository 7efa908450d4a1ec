// Package history maintains the opinion-course read model: one tick per
// trade with both pool prices and real share counts, and down-sampled
// snapshots for charts. Ticks are never authoritative; Rebuild regenerates
// them from the trading log.
package history

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/seedsx/market-engine/internal/curve"
	"github.com/seedsx/market-engine/internal/model"
)

// ErrPoolMismatch is returned when NewTick gets pools of the wrong side or
// of different decisions.
var ErrPoolMismatch = errors.New("history: pools do not form a yes/no pair")

// NewTick records both pools' state after a trade.
func NewTick(yes, no *model.TradingPool, now time.Time) (model.OpinionTick, error) {
	if yes.Position != model.PositionYes || no.Position != model.PositionNo || yes.DecisionID != no.DecisionID {
		return model.OpinionTick{}, ErrPoolMismatch
	}
	return model.OpinionTick{
		ID:         uuid.New().String(),
		DecisionID: yes.DecisionID,
		Timestamp:  now,
		YesPrice:   yes.CurrentPrice(),
		NoPrice:    no.CurrentPrice(),
		YesCount:   yes.RealSupply,
		NoCount:    no.RealSupply,
	}, nil
}

// Downsample groups ticks into interval buckets (time.Truncate alignment).
// Each bucket keeps the first and last prices and the last
// share counts. A non-positive interval returns nil.
func Downsample(ticks []model.OpinionTick, interval time.Duration) []model.OpinionSnapshot {
	if interval <= 0 || len(ticks) == 0 {
		return nil
	}
	sorted := make([]model.OpinionTick, len(ticks))
	copy(sorted, ticks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var out []model.OpinionSnapshot
	for _, t := range sorted {
		start := t.Timestamp.Truncate(interval)
		if n := len(out); n > 0 && out[n-1].BucketStart.Equal(start) {
			s := &out[n-1]
			s.CloseYes = t.YesPrice
			s.CloseNo = t.NoPrice
			s.YesCount = t.YesCount
			s.NoCount = t.NoCount
			s.Trades++
			continue
		}
		out = append(out, model.OpinionSnapshot{
			DecisionID:  t.DecisionID,
			BucketStart: start,
			OpenYes:     t.YesPrice,
			CloseYes:    t.YesPrice,
			OpenNo:      t.NoPrice,
			CloseNo:     t.NoPrice,
			YesCount:    t.YesCount,
			NoCount:     t.NoCount,
			Trades:      1,
		})
	}
	return out
}

// Rebuild replays a decision's trading log from fresh pools and returns the
// tick each trade would have produced.
func Rebuild(d *model.Decision, txns []model.TradingTransaction) ([]model.OpinionTick, error) {
	yes, err := curve.NewPool(d.ID, model.PositionYes, d.TargetPrice, d.DepthFactor, d.CreatedAt)
	if err != nil {
		return nil, err
	}
	no, err := curve.NewPool(d.ID, model.PositionNo, d.TargetPrice, d.DepthFactor, d.CreatedAt)
	if err != nil {
		return nil, err
	}

	sorted := make([]model.TradingTransaction, len(txns))
	copy(sorted, txns)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	ticks := make([]model.OpinionTick, 0, len(sorted))
	for _, tx := range sorted {
		if tx.DecisionID != d.ID {
			continue
		}
		pool := yes
		if tx.Position == model.PositionNo {
			pool = no
		}
		switch tx.Type {
		case model.TradeBuy:
			pool.RealSupply = pool.RealSupply.Add(tx.Shares)
			pool.Reserve = pool.Reserve.Add(tx.Cost)
		case model.TradeSell:
			pool.RealSupply = pool.RealSupply.Sub(tx.Shares)
			pool.Reserve = pool.Reserve.Sub(tx.Cost)
		default:
			return nil, fmt.Errorf("history: transaction %s has unknown type %q", tx.ID, tx.Type)
		}
		if pool.RealSupply.IsNegative() {
			return nil, fmt.Errorf("history: transaction %s drives %s supply negative", tx.ID, pool.Position)
		}
		tick, err := NewTick(yes, no, tx.Timestamp)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}
