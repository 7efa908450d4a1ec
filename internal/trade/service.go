// Package trade executes buys and sells against the decision pools and
// serves the market read models over HTTP.
//
// Every trade runs inside one store transaction spanning pool, ledger,
// anticipation, trade log and price tick. Trades against the same pool are
// additionally serialized in-process. Events, websocket broadcasts, cache
// invalidation and metrics happen after commit and never fail a trade.
//
// All monetary values use shopspring/decimal; never float64 for money.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/cache"
	"github.com/seedsx/market-engine/internal/curve"
	"github.com/seedsx/market-engine/internal/events"
	"github.com/seedsx/market-engine/internal/history"
	"github.com/seedsx/market-engine/internal/ledger"
	"github.com/seedsx/market-engine/internal/limits"
	"github.com/seedsx/market-engine/internal/metrics"
	"github.com/seedsx/market-engine/internal/model"
	"github.com/seedsx/market-engine/internal/params"
	"github.com/seedsx/market-engine/internal/store"
	"github.com/seedsx/market-engine/internal/tax"
)

// MaxTxRetries bounds how often a conflicting trade is retried before
// ErrConcurrencyConflict is returned.
const MaxTxRetries = 3

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	InitialGrant decimal.Decimal
	Tax          *tax.Schedule
	Limiter      *limits.PositionLimiter
	RateLimiter  *limits.RateLimiter
	Defaults     params.Defaults
	Ticks        *cache.TickCache
	Events       *events.Dispatcher
	Now          func() time.Time
}

// Service handles market operations.
type Service struct {
	store   store.Store
	grant   decimal.Decimal
	tax     *tax.Schedule
	limiter *limits.PositionLimiter
	rate    *limits.RateLimiter
	def     params.Defaults
	ticks   *cache.TickCache
	events  *events.Dispatcher
	now     func() time.Time
	locks   keyedMutex
}

// NewService creates a new trade service.
func NewService(st store.Store, opts Options) *Service {
	s := &Service{
		store:   st,
		grant:   opts.InitialGrant,
		tax:     opts.Tax,
		limiter: opts.Limiter,
		rate:    opts.RateLimiter,
		def:     opts.Defaults,
		ticks:   opts.Ticks,
		events:  opts.Events,
		now:     opts.Now,
	}
	if !s.grant.IsPositive() {
		s.grant = decimal.NewFromInt(1000)
	}
	if s.tax == nil {
		s.tax = tax.Default()
	}
	if s.events == nil {
		s.events = events.NewDispatcher(nil, 0)
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if !s.def.TargetPrice.IsPositive() {
		s.def.TargetPrice = decimal.NewFromInt(50)
	}
	if s.def.Depth == "" {
		s.def.Depth = "10000"
	}
	return s
}

// InitialGrant is the balance a new account opens with.
func (s *Service) InitialGrant() decimal.Decimal { return s.grant }

// --- Results ---

// BuyResult is returned by Buy.
type BuyResult struct {
	Trade        model.TradingTransaction `json:"trade"`
	Cost         decimal.Decimal          `json:"cost"`
	Balance      decimal.Decimal          `json:"balance"`
	Anticipation model.Anticipation       `json:"anticipation"`
	Pool         model.TradingPool        `json:"pool"`
}

// SellResult is returned by Sell.
type SellResult struct {
	Trade        model.TradingTransaction `json:"trade"`
	Gross        decimal.Decimal          `json:"gross"`
	Net          decimal.Decimal          `json:"net"`
	Fee          decimal.Decimal          `json:"fee"`
	TaxRate      decimal.Decimal          `json:"tax_rate"`
	Balance      decimal.Decimal          `json:"balance"`
	Anticipation model.Anticipation       `json:"anticipation"`
	Pool         model.TradingPool        `json:"pool"`
}

// --- Trading ---

// Buy purchases shares of position on a decision for userID.
func (s *Service) Buy(ctx context.Context, userID, decisionID string, pos model.Position, shares decimal.Decimal) (*BuyResult, error) {
	start := time.Now()
	if err := validateTrade(userID, decisionID, pos, shares); err != nil {
		return nil, err
	}
	if err := s.allow(userID); err != nil {
		return nil, err
	}

	key := model.PoolKey{DecisionID: decisionID, Position: pos}
	unlock := s.locks.Lock(key)
	defer unlock()

	var (
		res  *BuyResult
		tick model.OpinionTick
	)
	err := s.withinTx(ctx, func(tx store.Tx) error {
		now := s.now()
		dec, err := openDecision(ctx, tx, decisionID)
		if err != nil {
			return err
		}
		pools, err := s.lockPools(ctx, tx, dec, now)
		if err != nil {
			return err
		}
		pool := pools[pos]

		user, err := s.lockUser(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		holdings, ants, err := lockAnticipations(ctx, tx, decisionID, userID)
		if err != nil {
			return err
		}
		if err := s.limiter.CheckLimit(pos, shares, holdings); err != nil {
			metrics.PositionLimitRejections.Inc()
			return fmt.Errorf("%w: %v", ErrPositionLimit, err)
		}

		c, err := curve.ForPool(pool)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrArithmetic, err)
		}
		cost, err := c.BuyCost(pool.CurrentSupply(), shares)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrArithmetic, err)
		}
		if user.SeedsBalance.LessThan(cost) {
			return fmt.Errorf("%w: cost %s exceeds balance %s", ErrInsufficientFunds, cost, user.SeedsBalance)
		}

		row, err := ledger.Apply(user, cost.Neg(), model.ReasonTradeBuy, ledger.DecisionRef(decisionID), now)
		if err != nil {
			return ledgerError(err)
		}

		pool.RealSupply = pool.RealSupply.Add(shares)
		pool.Reserve = pool.Reserve.Add(cost)
		pool.UpdatedAt = now

		ant := ants[pos]
		if ant == nil {
			ant = &model.Anticipation{
				ID:         uuid.New().String(),
				DecisionID: decisionID,
				UserID:     userID,
				Position:   pos,
			}
		}
		if !ant.SharesOwned.IsPositive() {
			// First acquisition, or re-entry after a full exit.
			ant.CreatedAt = now
		}
		ant.SharesOwned = ant.SharesOwned.Add(shares)
		ant.TotalInvested = ant.TotalInvested.Add(cost)
		ant.UpdatedAt = now

		trade := model.TradingTransaction{
			ID:            uuid.New().String(),
			DecisionID:    decisionID,
			UserID:        userID,
			Position:      pos,
			Type:          model.TradeBuy,
			Shares:        shares,
			Cost:          cost,
			PricePerShare: cost.Div(shares).Round(curve.CostScale),
			Timestamp:     now,
		}
		tick, err = history.NewTick(pools[model.PositionYes], pools[model.PositionNo], now)
		if err != nil {
			return err
		}

		if err := persist(ctx, tx, user, &row, pool, ant, &trade, &tick); err != nil {
			return err
		}
		res = &BuyResult{
			Trade:        trade,
			Cost:         cost,
			Balance:      user.SeedsBalance,
			Anticipation: *ant,
			Pool:         *pool,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTrade(res.Trade, tick, start)
	slog.Info("trade executed",
		"trade_id", res.Trade.ID,
		"type", model.TradeBuy,
		"user", userID,
		"decision", decisionID,
		"position", pos,
		"shares", shares.String(),
		"cost", res.Cost.String(),
		"price_after", res.Pool.CurrentPrice().String(),
	)
	return res, nil
}

// Sell returns shares of position to the pool. Proceeds are taxed by how
// long the anticipation has been held; the cost basis shrinks in
// proportion to the shares sold.
func (s *Service) Sell(ctx context.Context, userID, decisionID string, pos model.Position, shares decimal.Decimal) (*SellResult, error) {
	start := time.Now()
	if err := validateTrade(userID, decisionID, pos, shares); err != nil {
		return nil, err
	}
	if err := s.allow(userID); err != nil {
		return nil, err
	}

	key := model.PoolKey{DecisionID: decisionID, Position: pos}
	unlock := s.locks.Lock(key)
	defer unlock()

	var (
		res  *SellResult
		tick model.OpinionTick
	)
	err := s.withinTx(ctx, func(tx store.Tx) error {
		now := s.now()
		dec, err := openDecision(ctx, tx, decisionID)
		if err != nil {
			return err
		}
		ant, err := tx.GetAnticipation(ctx, key, userID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: no %s position on %s", ErrInsufficientShares, pos, decisionID)
		}
		if err != nil {
			return err
		}
		if shares.GreaterThan(ant.SharesOwned) {
			return fmt.Errorf("%w: selling %s, holding %s", ErrInsufficientShares, shares, ant.SharesOwned)
		}

		pools, err := s.lockPools(ctx, tx, dec, now)
		if err != nil {
			return err
		}
		pool := pools[pos]
		gross, err := curve.QuoteSell(pool, shares)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrArithmetic, err)
		}
		br := s.tax.Apply(gross, now.Sub(ant.CreatedAt))
		if !br.Net.IsPositive() {
			return fmt.Errorf("%w: proceeds of %s shares round to zero", ErrValidation, shares)
		}
		if br.Net.GreaterThan(gross) || br.Fee.IsNegative() {
			return fmt.Errorf("%w: net %s exceeds gross %s", ErrArithmetic, br.Net, gross)
		}

		pool.RealSupply = pool.RealSupply.Sub(shares)
		pool.Reserve = pool.Reserve.Sub(gross)
		if pool.Reserve.IsNegative() || pool.RealSupply.IsNegative() {
			return fmt.Errorf("%w: pool %s would go negative", ErrArithmetic, key)
		}
		pool.UpdatedAt = now

		user, err := s.lockUser(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		row, err := ledger.Apply(user, br.Net, model.ReasonTradeSell, ledger.DecisionRef(decisionID), now)
		if err != nil {
			return ledgerError(err)
		}

		if shares.Equal(ant.SharesOwned) {
			ant.TotalInvested = decimal.Zero
		} else {
			released := ant.TotalInvested.Mul(shares).Div(ant.SharesOwned).Round(curve.CostScale)
			ant.TotalInvested = ant.TotalInvested.Sub(released)
		}
		ant.SharesOwned = ant.SharesOwned.Sub(shares)
		ant.UpdatedAt = now

		trade := model.TradingTransaction{
			ID:            uuid.New().String(),
			DecisionID:    decisionID,
			UserID:        userID,
			Position:      pos,
			Type:          model.TradeSell,
			Shares:        shares,
			Cost:          gross,
			NetAmount:     br.Net,
			Fee:           br.Fee,
			PricePerShare: gross.Div(shares).Round(curve.CostScale),
			Timestamp:     now,
		}
		tick, err = history.NewTick(pools[model.PositionYes], pools[model.PositionNo], now)
		if err != nil {
			return err
		}

		if err := persist(ctx, tx, user, &row, pool, ant, &trade, &tick); err != nil {
			return err
		}
		res = &SellResult{
			Trade:        trade,
			Gross:        gross,
			Net:          br.Net,
			Fee:          br.Fee,
			TaxRate:      br.Rate,
			Balance:      user.SeedsBalance,
			Anticipation: *ant,
			Pool:         *pool,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Fee.IsPositive() {
		metrics.ExitTaxCollected.Add(res.Fee.InexactFloat64())
	}
	s.afterTrade(res.Trade, tick, start)
	slog.Info("trade executed",
		"trade_id", res.Trade.ID,
		"type", model.TradeSell,
		"user", userID,
		"decision", decisionID,
		"position", pos,
		"shares", shares.String(),
		"gross", res.Gross.String(),
		"net", res.Net.String(),
		"tax_rate", res.TaxRate.String(),
	)
	return res, nil
}

func validateTrade(userID, decisionID string, pos model.Position, shares decimal.Decimal) error {
	switch {
	case strings.TrimSpace(userID) == "":
		return fmt.Errorf("%w: user is required", ErrValidation)
	case strings.TrimSpace(decisionID) == "":
		return fmt.Errorf("%w: decision is required", ErrValidation)
	case !pos.Valid():
		return fmt.Errorf("%w: position must be yes or no", ErrValidation)
	case !shares.IsPositive():
		return fmt.Errorf("%w: shares must be positive", ErrValidation)
	}
	return nil
}

func (s *Service) allow(userID string) error {
	if s.rate.Allow(userID) {
		return nil
	}
	metrics.RateLimitRejections.Inc()
	return ErrRateLimited
}

// withinTx runs fn with bounded retries on store conflicts.
func (s *Service) withinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := store.WithRetry(ctx, s.store, MaxTxRetries, fn)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	return err
}

// openDecision loads and locks a decision that still accepts trades.
func openDecision(ctx context.Context, tx store.Tx, id string) (*model.Decision, error) {
	dec, err := tx.GetDecision(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if !dec.Open() {
		return nil, fmt.Errorf("%w: %s is %s", ErrDecisionClosed, id, dec.Status)
	}
	return dec, nil
}

// lockPools loads both pools of a decision, creating missing ones at the
// decision's target price. New pools are only written with the trade.
func (s *Service) lockPools(ctx context.Context, tx store.Tx, dec *model.Decision, now time.Time) (map[model.Position]*model.TradingPool, error) {
	pools := make(map[model.Position]*model.TradingPool, 2)
	for _, pos := range model.Positions {
		p, err := tx.GetPool(ctx, model.PoolKey{DecisionID: dec.ID, Position: pos})
		if errors.Is(err, store.ErrNotFound) {
			p, err = curve.NewPool(dec.ID, pos, dec.TargetPrice, dec.DepthFactor, now)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrArithmetic, err)
			}
			if err := tx.PutPool(ctx, p); err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
		pools[pos] = p
	}
	return pools, nil
}

// lockUser loads the user, opening an account with the initial grant on
// first contact.
func (s *Service) lockUser(ctx context.Context, tx store.Tx, id string, now time.Time) (*model.User, error) {
	u, err := tx.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ledger.NewUser(id, s.grant, now), nil
	}
	return u, err
}

// lockAnticipations loads the user's stakes in both pools of a decision.
func lockAnticipations(ctx context.Context, tx store.Tx, decisionID, userID string) (map[model.Position]decimal.Decimal, map[model.Position]*model.Anticipation, error) {
	holdings := make(map[model.Position]decimal.Decimal, 2)
	ants := make(map[model.Position]*model.Anticipation, 2)
	for _, pos := range model.Positions {
		a, err := tx.GetAnticipation(ctx, model.PoolKey{DecisionID: decisionID, Position: pos}, userID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		holdings[pos] = a.SharesOwned
		ants[pos] = a
	}
	return holdings, ants, nil
}

// persist writes every row a trade touches.
func persist(ctx context.Context, tx store.Tx, user *model.User, row *model.SeedsTransaction,
	pool *model.TradingPool, ant *model.Anticipation, trade *model.TradingTransaction, tick *model.OpinionTick) error {
	if err := tx.PutUser(ctx, user); err != nil {
		return err
	}
	if err := tx.InsertSeedsTransaction(ctx, row); err != nil {
		return err
	}
	if err := tx.PutPool(ctx, pool); err != nil {
		return err
	}
	if err := tx.PutAnticipation(ctx, ant); err != nil {
		return err
	}
	if err := tx.InsertTradingTransaction(ctx, trade); err != nil {
		return err
	}
	return tx.InsertTick(ctx, tick)
}

func ledgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case errors.Is(err, ledger.ErrZeroAmount):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return err
}

// afterTrade runs the post-commit side effects of a trade.
func (s *Service) afterTrade(t model.TradingTransaction, tick model.OpinionTick, start time.Time) {
	if s.ticks != nil {
		s.ticks.Invalidate(t.DecisionID)
	}

	typ, pos := string(t.Type), string(t.Position)
	metrics.TradesTotal.WithLabelValues(typ, pos).Inc()
	metrics.TradeShares.WithLabelValues(typ, pos).Add(t.Shares.InexactFloat64())
	metrics.TradeSeeds.WithLabelValues(typ).Add(t.Cost.InexactFloat64())
	metrics.TradeLatency.WithLabelValues(typ).Observe(time.Since(start).Seconds())

	s.events.Dispatch(events.Event{
		Kind:       events.KindTradeExecuted,
		DecisionID: t.DecisionID,
		UserID:     t.UserID,
		Timestamp:  t.Timestamp,
		Trade:      &t,
		Tick:       &tick,
	})
}

// --- Decisions ---

// CreateDecision registers a decision's market parameters and opens both
// pools at the target price.
func (s *Service) CreateDecision(ctx context.Context, req params.Request) (*model.Decision, error) {
	dec, err := params.Build(req, s.def, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	err = s.withinTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertDecision(ctx, dec); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: %s", ErrDecisionExists, dec.ID)
			}
			return err
		}
		for _, pos := range model.Positions {
			p, err := curve.NewPool(dec.ID, pos, dec.TargetPrice, dec.DepthFactor, dec.CreatedAt)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrValidation, err)
			}
			if err := tx.PutPool(ctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ActiveDecisions.Inc()
	s.events.Dispatch(events.Event{
		Kind:       events.KindDecisionCreated,
		DecisionID: dec.ID,
		Timestamp:  dec.CreatedAt,
	})
	slog.Info("decision created",
		"id", dec.ID,
		"target_price", dec.TargetPrice.String(),
		"depth", dec.DepthFactor.String(),
	)
	return dec, nil
}

// --- Ledger ---

// AdjustSeeds credits (positive delta) or debits (negative delta) a user's
// balance for a collaborator, e.g. a reward grant. Returns the ledger row.
func (s *Service) AdjustSeeds(ctx context.Context, userID string, delta decimal.Decimal, reason string, rel ledger.Related) (*model.SeedsTransaction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrValidation)
	}
	switch reason {
	case model.ReasonReward, model.ReasonAdjustment:
	default:
		return nil, fmt.Errorf("%w: reason must be %s or %s", ErrValidation, model.ReasonReward, model.ReasonAdjustment)
	}

	var row model.SeedsTransaction
	err := s.withinTx(ctx, func(tx store.Tx) error {
		now := s.now()
		user, err := s.lockUser(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		row, err = ledger.Apply(user, delta, reason, rel, now)
		if err != nil {
			return ledgerError(err)
		}
		if err := tx.PutUser(ctx, user); err != nil {
			return err
		}
		return tx.InsertSeedsTransaction(ctx, &row)
	})
	if err != nil {
		return nil, err
	}

	s.events.Dispatch(events.Event{
		Kind:      events.KindSeedsAdjusted,
		UserID:    userID,
		Timestamp: row.CreatedAt,
		Seeds:     &row,
	})
	slog.Info("seeds adjusted",
		"user", userID,
		"amount", delta.String(),
		"reason", reason,
		"balance", row.BalanceAfter.String(),
	)
	return &row, nil
}

// keyedMutex serializes work per pool.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[model.PoolKey]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release func.
func (k *keyedMutex) Lock(key model.PoolKey) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[model.PoolKey]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
