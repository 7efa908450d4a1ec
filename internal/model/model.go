// Package model defines the core domain types shared across the market engine.
// All monetary values and share quantities use shopspring/decimal, never
// float64.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Position is one of the two mutually exclusive outcomes of a decision.
type Position string

const (
	PositionYes Position = "yes"
	PositionNo  Position = "no"
)

// Positions lists both outcomes in display order.
var Positions = []Position{PositionYes, PositionNo}

func (p Position) String() string { return string(p) }

func (p Position) Valid() bool {
	return p == PositionYes || p == PositionNo
}

// Opposite returns the other outcome of the same decision.
func (p Position) Opposite() Position {
	if p == PositionYes {
		return PositionNo
	}
	return PositionYes
}

// ParsePosition accepts "yes"/"no" in any case.
func ParsePosition(s string) (Position, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes":
		return PositionYes, nil
	case "no":
		return PositionNo, nil
	default:
		return "", fmt.Errorf("position must be yes or no, got %q", s)
	}
}

// DecisionStatus tracks whether a decision still accepts trades.
type DecisionStatus string

const (
	DecisionOpen      DecisionStatus = "open"
	DecisionResolved  DecisionStatus = "resolved"
	DecisionCancelled DecisionStatus = "cancelled"
)

// Decision holds the market parameters of a tracked real-world decision.
// The decision itself (title, article, governance) is owned elsewhere; the
// engine only keeps what pricing and settlement need.
type Decision struct {
	ID          string          `json:"id" db:"id"`
	Title       string          `json:"title" db:"title"`
	TargetPrice decimal.Decimal `json:"target_price" db:"target_price"` // opening price of both pools
	DepthFactor decimal.Decimal `json:"depth_factor" db:"depth_factor"` // slope = 100 / depth
	Status      DecisionStatus  `json:"status" db:"status"`
	Resolution  *ResolutionInfo `json:"resolution,omitempty" db:"resolution"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Open reports whether the decision accepts trades.
func (d *Decision) Open() bool { return d.Status == DecisionOpen }

// TradingPool is the mutable bonding-curve state of one position of one
// decision. Reserve always equals the gross cost of all outstanding real
// shares; it is only changed by buy and sell.
type TradingPool struct {
	DecisionID  string          `json:"decision_id" db:"decision_id"`
	Position    Position        `json:"position" db:"position"`
	Slope       decimal.Decimal `json:"slope" db:"slope"`
	GhostSupply decimal.Decimal `json:"ghost_supply" db:"ghost_supply"`
	RealSupply  decimal.Decimal `json:"real_supply" db:"real_supply"`
	Reserve     decimal.Decimal `json:"reserve" db:"reserve"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// PoolKey identifies one pool: a decision and a position.
type PoolKey struct {
	DecisionID string
	Position   Position
}

func (k PoolKey) String() string { return k.DecisionID + ":" + string(k.Position) }

// Key returns the pool's identity.
func (p *TradingPool) Key() PoolKey {
	return PoolKey{DecisionID: p.DecisionID, Position: p.Position}
}

// CurrentSupply is ghost plus real supply.
func (p *TradingPool) CurrentSupply() decimal.Decimal {
	return p.GhostSupply.Add(p.RealSupply)
}

// CurrentPrice is the marginal price at the current supply.
func (p *TradingPool) CurrentPrice() decimal.Decimal {
	return p.Slope.Mul(p.CurrentSupply())
}

// AnticipationResult records how a position ended.
type AnticipationResult string

const (
	ResultNone     AnticipationResult = ""
	ResultWon      AnticipationResult = "won"
	ResultLost     AnticipationResult = "lost"
	ResultRefunded AnticipationResult = "refunded"
)

// Anticipation is a user's stake in one position of one decision.
// Rows are never deleted; settlement marks them resolved.
type Anticipation struct {
	ID            string             `json:"id" db:"id"`
	DecisionID    string             `json:"decision_id" db:"decision_id"`
	UserID        string             `json:"user_id" db:"user_id"`
	Position      Position           `json:"position" db:"position"`
	SharesOwned   decimal.Decimal    `json:"shares_owned" db:"shares_owned"`
	TotalInvested decimal.Decimal    `json:"total_invested" db:"total_invested"` // cost basis
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`         // first acquisition
	UpdatedAt     time.Time          `json:"updated_at" db:"updated_at"`
	Resolved      bool               `json:"resolved" db:"resolved"`
	Result        AnticipationResult `json:"result,omitempty" db:"result"`
	SeedsEarned   decimal.Decimal    `json:"seeds_earned" db:"seeds_earned"`
}

// TradeType distinguishes buys from sells in the trading log.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// TradingTransaction is an immutable record of one trade execution.
type TradingTransaction struct {
	ID            string          `json:"id" db:"id"`
	DecisionID    string          `json:"decision_id" db:"decision_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Position      Position        `json:"position" db:"position"`
	Type          TradeType       `json:"type" db:"type"`
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	Cost          decimal.Decimal `json:"cost" db:"cost"`                               // gross
	NetAmount     decimal.Decimal `json:"net_amount,omitempty" db:"net_amount"`         // sell only
	Fee           decimal.Decimal `json:"fee,omitempty" db:"fee"`                       // sell only
	PricePerShare decimal.Decimal `json:"price_per_share" db:"price_per_share"`
	Timestamp     time.Time       `json:"timestamp" db:"timestamp"`
}

// SeedsTransactionType is the direction of a ledger row.
type SeedsTransactionType string

const (
	SeedsEarned SeedsTransactionType = "earned"
	SeedsLost   SeedsTransactionType = "lost"
)

// Ledger reasons.
const (
	ReasonTradeBuy       = "trade_buy"
	ReasonTradeSell      = "trade_sell"
	ReasonDecisionWon    = "decision_won"
	ReasonDecisionRefund = "decision_refund"
	ReasonReward         = "reward"
	ReasonAdjustment     = "adjustment"
)

// RelatedDecision is the RelatedType of ledger rows caused by a decision.
const RelatedDecision = "decision"

// SeedsTransaction is an immutable ledger row. Amount is signed (negative
// for lost) so that initialGrant + Σ Amount equals the user's balance.
type SeedsTransaction struct {
	ID           string               `json:"id" db:"id"`
	UserID       string               `json:"user_id" db:"user_id"`
	Type         SeedsTransactionType `json:"type" db:"type"`
	Amount       decimal.Decimal      `json:"amount" db:"amount"`
	Reason       string               `json:"reason" db:"reason"`
	RelatedID    string               `json:"related_id,omitempty" db:"related_id"`
	RelatedType  string               `json:"related_type,omitempty" db:"related_type"`
	LevelBefore  int                  `json:"level_before" db:"level_before"`
	LevelAfter   int                  `json:"level_after" db:"level_after"`
	BalanceAfter decimal.Decimal      `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time            `json:"created_at" db:"created_at"`
}

// User is the collaborator-owned account, mutated here only through ledger
// operations. Level and SeedsToNextLevel are derived from the balance.
type User struct {
	ID               string          `json:"id" db:"id"`
	SeedsBalance     decimal.Decimal `json:"seeds_balance" db:"seeds_balance"`
	Level            int             `json:"level" db:"level"`
	SeedsToNextLevel decimal.Decimal `json:"seeds_to_next_level" db:"seeds_to_next_level"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// OpinionTick is one write-once price history point, appended after a trade.
type OpinionTick struct {
	ID         string          `json:"id" db:"id"`
	DecisionID string          `json:"decision_id" db:"decision_id"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
	YesPrice   decimal.Decimal `json:"yes_price" db:"yes_price"`
	NoPrice    decimal.Decimal `json:"no_price" db:"no_price"`
	YesCount   decimal.Decimal `json:"yes_count" db:"yes_count"` // real YES supply
	NoCount    decimal.Decimal `json:"no_count" db:"no_count"`
}

// OpinionSnapshot is a down-sampled bucket of ticks.
type OpinionSnapshot struct {
	DecisionID  string          `json:"decision_id"`
	BucketStart time.Time       `json:"bucket_start"`
	OpenYes     decimal.Decimal `json:"open_yes"`
	CloseYes    decimal.Decimal `json:"close_yes"`
	OpenNo      decimal.Decimal `json:"open_no"`
	CloseNo     decimal.Decimal `json:"close_no"`
	YesCount    decimal.Decimal `json:"yes_count"`
	NoCount     decimal.Decimal `json:"no_count"`
	Trades      int             `json:"trades"`
}

// PortfolioPosition is an Anticipation joined with live pool state.
type PortfolioPosition struct {
	Anticipation
	CurrentPrice     decimal.Decimal `json:"current_price"`
	EstimatedValue   decimal.Decimal `json:"estimated_value"`
	Profit           decimal.Decimal `json:"profit"`
	ProfitPercentage decimal.Decimal `json:"profit_percentage"`
}

// Portfolio aggregates all of a user's anticipations with profit/loss.
type Portfolio struct {
	UserID              string              `json:"user_id"`
	Positions           []PortfolioPosition `json:"positions"`
	TotalInvested       decimal.Decimal     `json:"total_invested"`
	TotalEstimatedValue decimal.Decimal     `json:"total_estimated_value"`
	TotalProfit         decimal.Decimal     `json:"total_profit"`
}
