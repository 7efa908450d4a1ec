// Package resolution settles decisions: it pays out winning anticipations
// from both pools' reserves, or refunds every stake when a decision is
// cancelled.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/events"
	"github.com/seedsx/market-engine/internal/ledger"
	"github.com/seedsx/market-engine/internal/metrics"
	"github.com/seedsx/market-engine/internal/model"
	"github.com/seedsx/market-engine/internal/store"
)

// PayoutScale is the number of decimal places on payouts.
const PayoutScale int32 = 2

var (
	ErrAlreadyResolved   = errors.New("resolution: decision already settled")
	ErrInvalidResolution = errors.New("resolution: invalid resolution")
)

// Result summarizes a settlement.
type Result struct {
	Decision       model.Decision  `json:"decision"`
	Settled        int             `json:"settled"`
	Winners        int             `json:"winners"`
	PayoutPool     decimal.Decimal `json:"payout_pool"`
	PayoutPerShare decimal.Decimal `json:"payout_per_share"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
}

// Engine settles decisions in one store transaction.
type Engine struct {
	store   store.Store
	events  *events.Dispatcher
	retries int
	now     func() time.Time
}

// NewEngine creates an engine. A nil dispatcher discards events.
func NewEngine(st store.Store, d *events.Dispatcher) *Engine {
	if d == nil {
		d = events.NewDispatcher(nil, 0)
	}
	return &Engine{
		store:   st,
		events:  d,
		retries: 3,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the engine's clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Resolve settles decisionID.
//
// An OutcomeResolution pays every winning anticipation
// round2down(shares * (yesReserve + noReserve) / winningRealSupply) and
// marks losing ones lost with nothing earned. A CancelledResolution
// refunds each open anticipation its remaining cost basis. Anticipations
// already sold down to zero shares are left untouched. Pool reserves are
// reduced by what was paid out in the same transaction.
func (e *Engine) Resolve(ctx context.Context, decisionID string, r model.Resolution) (*Result, error) {
	if err := validate(r); err != nil {
		return nil, err
	}

	var res *Result
	err := store.WithRetry(ctx, e.store, e.retries, func(tx store.Tx) error {
		now := e.now()
		dec, err := tx.GetDecision(ctx, decisionID)
		if err != nil {
			return fmt.Errorf("decision %s: %w", decisionID, err)
		}
		if !dec.Open() {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyResolved, decisionID, dec.Status)
		}

		ants, err := tx.ListAnticipationsByDecision(ctx, decisionID)
		if err != nil {
			return err
		}

		res = &Result{PayoutPool: decimal.Zero, PayoutPerShare: decimal.Zero, TotalPaid: decimal.Zero}
		var credits []credit
		switch v := r.(type) {
		case model.OutcomeResolution:
			credits, err = settleOutcome(ctx, tx, dec, v.Winner, ants, res, now)
			dec.Status = model.DecisionResolved
		case model.CancelledResolution:
			credits, err = settleCancelled(ctx, tx, dec, ants, res, now)
			dec.Status = model.DecisionCancelled
		}
		if err != nil {
			return err
		}

		for i := range ants {
			a := &ants[i]
			if !a.SharesOwned.IsPositive() || a.Resolved {
				continue
			}
			a.Resolved = true
			a.UpdatedAt = now
			if err := tx.PutAnticipation(ctx, a); err != nil {
				return err
			}
			res.Settled++
		}
		if err := e.pay(ctx, tx, decisionID, credits, now); err != nil {
			return err
		}

		dec.Resolution = &model.ResolutionInfo{Resolution: r}
		dec.ResolvedAt = &now
		if err := tx.UpdateDecision(ctx, dec); err != nil {
			return err
		}
		res.Decision = *dec
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := string(r.Kind())
	metrics.Resolutions.WithLabelValues(kind).Inc()
	metrics.ActiveDecisions.Dec()
	e.events.Dispatch(events.Event{
		Kind:       events.KindDecisionResolved,
		DecisionID: decisionID,
		Timestamp:  *res.Decision.ResolvedAt,
		Resolution: res.Decision.Resolution,
		Settled:    res.Settled,
	})
	slog.Info("decision resolved",
		"decision", decisionID,
		"kind", kind,
		"settled", res.Settled,
		"winners", res.Winners,
		"payout_per_share", res.PayoutPerShare.String(),
		"total_paid", res.TotalPaid.String(),
	)
	return res, nil
}

func validate(r model.Resolution) error {
	switch v := r.(type) {
	case model.OutcomeResolution:
		if !v.Winner.Valid() {
			return fmt.Errorf("%w: winner must be yes or no", ErrInvalidResolution)
		}
	case model.CancelledResolution:
	default:
		return fmt.Errorf("%w: %T", ErrInvalidResolution, r)
	}
	return nil
}

// credit is one payout owed to a user.
type credit struct {
	userID string
	amount decimal.Decimal
	reason string
}

// settlementPools loads the pools that exist for a decision.
func settlementPools(ctx context.Context, tx store.Tx, decisionID string) (map[model.Position]*model.TradingPool, error) {
	pools := make(map[model.Position]*model.TradingPool, 2)
	for _, pos := range model.Positions {
		p, err := tx.GetPool(ctx, model.PoolKey{DecisionID: decisionID, Position: pos})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		pools[pos] = p
	}
	return pools, nil
}

// drain writes each pool's reserve after settlement.
func drain(ctx context.Context, tx store.Tx, pools map[model.Position]*model.TradingPool,
	remaining func(pos model.Position, reserve decimal.Decimal) decimal.Decimal, now time.Time) error {
	for _, pos := range model.Positions {
		p, ok := pools[pos]
		if !ok {
			continue
		}
		p.Reserve = remaining(pos, p.Reserve)
		p.UpdatedAt = now
		if err := tx.PutPool(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// settleOutcome sets result and seedsEarned on every open anticipation.
// Both reserves fund the payout; the winning pool keeps only what
// rounding left unpaid and the losing pool is emptied.
func settleOutcome(ctx context.Context, tx store.Tx, dec *model.Decision, winner model.Position,
	ants []model.Anticipation, res *Result, now time.Time) ([]credit, error) {
	pools, err := settlementPools(ctx, tx, dec.ID)
	if err != nil {
		return nil, err
	}
	pot := decimal.Zero
	winningSupply := decimal.Zero
	for pos, p := range pools {
		pot = pot.Add(p.Reserve)
		if pos == winner {
			winningSupply = p.RealSupply
		}
	}
	res.PayoutPool = pot
	if winningSupply.IsPositive() {
		res.PayoutPerShare = pot.Div(winningSupply)
	}

	var credits []credit
	for i := range ants {
		a := &ants[i]
		if !a.SharesOwned.IsPositive() || a.Resolved {
			continue
		}
		if a.Position != winner {
			a.Result = model.ResultLost
			a.SeedsEarned = decimal.Zero
			continue
		}
		a.Result = model.ResultWon
		a.SeedsEarned = a.SharesOwned.Mul(pot).Div(winningSupply).RoundFloor(PayoutScale)
		res.Winners++
		if a.SeedsEarned.IsPositive() {
			credits = append(credits, credit{userID: a.UserID, amount: a.SeedsEarned, reason: model.ReasonDecisionWon})
			res.TotalPaid = res.TotalPaid.Add(a.SeedsEarned)
		}
	}

	left := pot.Sub(res.TotalPaid)
	err = drain(ctx, tx, pools, func(pos model.Position, _ decimal.Decimal) decimal.Decimal {
		if pos == winner {
			return left
		}
		return decimal.Zero
	}, now)
	if err != nil {
		return nil, err
	}
	return credits, nil
}

// settleCancelled refunds each open anticipation its cost basis and takes
// the refunds out of the matching pool's reserve, never below zero.
func settleCancelled(ctx context.Context, tx store.Tx, dec *model.Decision,
	ants []model.Anticipation, res *Result, now time.Time) ([]credit, error) {
	pools, err := settlementPools(ctx, tx, dec.ID)
	if err != nil {
		return nil, err
	}
	refunded := make(map[model.Position]decimal.Decimal, 2)
	var credits []credit
	for i := range ants {
		a := &ants[i]
		if !a.SharesOwned.IsPositive() || a.Resolved {
			continue
		}
		a.Result = model.ResultRefunded
		a.SeedsEarned = a.TotalInvested
		if a.TotalInvested.IsPositive() {
			credits = append(credits, credit{userID: a.UserID, amount: a.TotalInvested, reason: model.ReasonDecisionRefund})
			res.TotalPaid = res.TotalPaid.Add(a.TotalInvested)
			refunded[a.Position] = refunded[a.Position].Add(a.TotalInvested)
		}
	}

	err = drain(ctx, tx, pools, func(pos model.Position, reserve decimal.Decimal) decimal.Decimal {
		left := reserve.Sub(refunded[pos])
		if left.IsNegative() {
			return decimal.Zero
		}
		return left
	}, now)
	if err != nil {
		return nil, err
	}
	return credits, nil
}

// pay credits users in ID order so concurrent settlements lock rows in the
// same sequence.
func (e *Engine) pay(ctx context.Context, tx store.Tx, decisionID string, credits []credit, now time.Time) error {
	sort.SliceStable(credits, func(i, j int) bool { return credits[i].userID < credits[j].userID })

	users := make(map[string]*model.User)
	for _, c := range credits {
		u, ok := users[c.userID]
		if !ok {
			var err error
			u, err = tx.GetUser(ctx, c.userID)
			if err != nil {
				return fmt.Errorf("user %s: %w", c.userID, err)
			}
			users[c.userID] = u
		}
		row, err := ledger.Apply(u, c.amount, c.reason, ledger.DecisionRef(decisionID), now)
		if err != nil {
			return err
		}
		if err := tx.InsertSeedsTransaction(ctx, &row); err != nil {
			return err
		}
	}
	for _, c := range credits {
		if u, ok := users[c.userID]; ok {
			if err := tx.PutUser(ctx, u); err != nil {
				return err
			}
			delete(users, c.userID)
		}
	}
	return nil
}
