package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/curve"
	"github.com/seedsx/market-engine/internal/history"
	"github.com/seedsx/market-engine/internal/ledger"
	"github.com/seedsx/market-engine/internal/model"
	"github.com/seedsx/market-engine/internal/portfolio"
	"github.com/seedsx/market-engine/internal/store"
	"github.com/seedsx/market-engine/internal/tax"
)

// Reads never lock. They may trail the latest committed trade.

// Pools is the pair of pools of one decision.
type Pools struct {
	Yes model.TradingPool `json:"yes"`
	No  model.TradingPool `json:"no"`
}

// Quote is a lock-free estimate of a trade. The authoritative amount is
// recomputed when the trade executes.
type Quote struct {
	Type          model.TradeType `json:"type"`
	Position      model.Position  `json:"position"`
	Shares        decimal.Decimal `json:"shares"`
	Cost          decimal.Decimal `json:"cost"` // buy cost or gross sell proceeds
	TaxRate       decimal.Decimal `json:"tax_rate,omitempty"`
	Fee           decimal.Decimal `json:"fee,omitempty"`
	Net           decimal.Decimal `json:"net,omitempty"`
	PricePerShare decimal.Decimal `json:"price_per_share"`
	PriceBefore   decimal.Decimal `json:"price_before"`
	PriceAfter    decimal.Decimal `json:"price_after"`
}

// History is a decision's price course: raw ticks, or snapshots when an
// interval was requested.
type History struct {
	DecisionID string                  `json:"decision_id"`
	Ticks      []model.OpinionTick     `json:"ticks,omitempty"`
	Snapshots  []model.OpinionSnapshot `json:"snapshots,omitempty"`
}

// GetDecision returns a decision.
func (s *Service) GetDecision(ctx context.Context, id string) (*model.Decision, error) {
	dec, err := s.store.GetDecision(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	return dec, err
}

// ListDecisions returns every decision, newest first.
func (s *Service) ListDecisions(ctx context.Context) ([]model.Decision, error) {
	decs, err := s.store.ListDecisions(ctx)
	if err != nil {
		return nil, err
	}
	if decs == nil {
		decs = []model.Decision{}
	}
	return decs, nil
}

// TradingPools returns both pools. Pools not yet created are shown as they
// would open.
func (s *Service) TradingPools(ctx context.Context, decisionID string) (*Pools, error) {
	dec, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	return s.pools(ctx, dec)
}

func (s *Service) pools(ctx context.Context, dec *model.Decision) (*Pools, error) {
	stored, err := s.store.GetPools(ctx, dec.ID)
	if err != nil {
		return nil, err
	}
	byPos := make(map[model.Position]model.TradingPool, 2)
	for _, p := range stored {
		byPos[p.Position] = p
	}
	for _, pos := range model.Positions {
		if _, ok := byPos[pos]; ok {
			continue
		}
		p, err := curve.NewPool(dec.ID, pos, dec.TargetPrice, dec.DepthFactor, dec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArithmetic, err)
		}
		byPos[pos] = *p
	}
	return &Pools{Yes: byPos[model.PositionYes], No: byPos[model.PositionNo]}, nil
}

// SingleOdds is the displayed YES probability in [0, 100].
func (s *Service) SingleOdds(ctx context.Context, decisionID string) (decimal.Decimal, error) {
	p, err := s.TradingPools(ctx, decisionID)
	if err != nil {
		return decimal.Zero, err
	}
	return curve.Probability(p.Yes.CurrentPrice(), p.No.CurrentPrice()), nil
}

// CurrentPrice is the marginal price of one position.
func (s *Service) CurrentPrice(ctx context.Context, decisionID string, pos model.Position) (decimal.Decimal, error) {
	if !pos.Valid() {
		return decimal.Zero, fmt.Errorf("%w: position must be yes or no", ErrValidation)
	}
	p, err := s.TradingPools(ctx, decisionID)
	if err != nil {
		return decimal.Zero, err
	}
	if pos == model.PositionYes {
		return p.Yes.CurrentPrice(), nil
	}
	return p.No.CurrentPrice(), nil
}

func (p *Pools) get(pos model.Position) *model.TradingPool {
	if pos == model.PositionYes {
		return &p.Yes
	}
	return &p.No
}

// QuoteBuy estimates the cost of buying shares.
func (s *Service) QuoteBuy(ctx context.Context, decisionID string, pos model.Position, shares decimal.Decimal) (*Quote, error) {
	pool, err := s.quotePool(ctx, decisionID, pos, shares)
	if err != nil {
		return nil, err
	}
	cost, err := curve.Quote(pool, shares)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArithmetic, err)
	}
	return &Quote{
		Type:          model.TradeBuy,
		Position:      pos,
		Shares:        shares,
		Cost:          cost,
		PricePerShare: cost.Div(shares).Round(curve.CostScale),
		PriceBefore:   pool.CurrentPrice(),
		PriceAfter:    pool.Slope.Mul(pool.CurrentSupply().Add(shares)),
	}, nil
}

// QuoteSell estimates the proceeds of selling shares. The tax rate uses
// userID's holding age when known and the highest rate otherwise.
func (s *Service) QuoteSell(ctx context.Context, userID, decisionID string, pos model.Position, shares decimal.Decimal) (*Quote, error) {
	pool, err := s.quotePool(ctx, decisionID, pos, shares)
	if err != nil {
		return nil, err
	}
	gross, err := curve.QuoteSell(pool, shares)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArithmetic, err)
	}

	rate := s.tax.MaxRate()
	if userID != "" {
		a, err := s.store.GetAnticipation(ctx, pool.Key(), userID)
		switch {
		case err == nil && a.SharesOwned.IsPositive():
			rate = s.tax.Rate(s.now().Sub(a.CreatedAt))
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	br := tax.ApplyRate(gross, rate)

	return &Quote{
		Type:          model.TradeSell,
		Position:      pos,
		Shares:        shares,
		Cost:          gross,
		TaxRate:       br.Rate,
		Fee:           br.Fee,
		Net:           br.Net,
		PricePerShare: gross.Div(shares).Round(curve.CostScale),
		PriceBefore:   pool.CurrentPrice(),
		PriceAfter:    pool.Slope.Mul(pool.CurrentSupply().Sub(shares)),
	}, nil
}

func (s *Service) quotePool(ctx context.Context, decisionID string, pos model.Position, shares decimal.Decimal) (*model.TradingPool, error) {
	if !pos.Valid() {
		return nil, fmt.Errorf("%w: position must be yes or no", ErrValidation)
	}
	if !shares.IsPositive() {
		return nil, fmt.Errorf("%w: shares must be positive", ErrValidation)
	}
	p, err := s.TradingPools(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	return p.get(pos), nil
}

// CourseHistory returns a decision's price ticks in time order, or
// snapshots bucketed by interval when interval > 0.
func (s *Service) CourseHistory(ctx context.Context, decisionID string, interval time.Duration) (*History, error) {
	if _, err := s.GetDecision(ctx, decisionID); err != nil {
		return nil, err
	}
	ticks, err := s.loadTicks(ctx, decisionID)
	if err != nil {
		return nil, err
	}

	h := &History{DecisionID: decisionID}
	if interval > 0 {
		h.Snapshots = history.Downsample(ticks, interval)
		if h.Snapshots == nil {
			h.Snapshots = []model.OpinionSnapshot{}
		}
		return h, nil
	}
	h.Ticks = ticks
	if h.Ticks == nil {
		h.Ticks = []model.OpinionTick{}
	}
	return h, nil
}

func (s *Service) loadTicks(ctx context.Context, decisionID string) ([]model.OpinionTick, error) {
	if s.ticks == nil {
		return s.store.ListTicks(ctx, decisionID)
	}
	if ticks, ok := s.ticks.Get(decisionID); ok {
		return ticks, nil
	}
	gen := s.ticks.Generation(decisionID)
	ticks, err := s.store.ListTicks(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	s.ticks.Set(decisionID, gen, ticks)
	return ticks, nil
}

// RebuildHistory replays the trading log into ticks without touching the
// stored history.
func (s *Service) RebuildHistory(ctx context.Context, decisionID string) ([]model.OpinionTick, error) {
	dec, err := s.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	txns, err := s.store.ListTradingTransactions(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	return history.Rebuild(dec, txns)
}

// Portfolio joins a user's anticipations with current pool prices.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	ants, err := s.store.ListAnticipationsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	decisions := make(map[string]*model.Decision)
	pools := make(map[model.PoolKey]*model.TradingPool)
	for _, a := range ants {
		if _, seen := decisions[a.DecisionID]; seen {
			continue
		}
		dec, err := s.store.GetDecision(ctx, a.DecisionID)
		if errors.Is(err, store.ErrNotFound) {
			decisions[a.DecisionID] = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		decisions[a.DecisionID] = dec

		stored, err := s.store.GetPools(ctx, a.DecisionID)
		if err != nil {
			return nil, err
		}
		for i := range stored {
			pools[stored[i].Key()] = &stored[i]
		}
	}

	p := portfolio.Aggregate(userID, ants, pools, decisions)
	return &p, nil
}

// Seeds returns a user's balance and level. Unknown users read as a fresh
// account holding the initial grant.
func (s *Service) Seeds(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	u, err := s.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ledger.NewUser(userID, s.grant, s.now()), nil
	}
	return u, err
}

// SeedsTransactions returns a user's ledger rows in time order.
func (s *Service) SeedsTransactions(ctx context.Context, userID string) ([]model.SeedsTransaction, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	rows, err := s.store.ListSeedsTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []model.SeedsTransaction{}
	}
	return rows, nil
}
