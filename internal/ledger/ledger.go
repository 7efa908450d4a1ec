// Package ledger holds the Seeds ledger rules: level derivation and the
// credit/debit primitive that pairs every balance change with an immutable
// transaction row.
//
// Level is a pure function of balance and is recomputed after every
// mutation; it is never set on its own.
package ledger

import (
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/model"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient seeds")

	// ErrZeroAmount is returned for a zero delta; every row moves seeds.
	ErrZeroAmount = errors.New("ledger: amount must be non-zero")

	seedsPerLevel = decimal.NewFromInt(100)
)

// Related identifies what caused a ledger row.
type Related struct {
	ID   string
	Type string
}

// DecisionRef is a Related pointing at a decision.
func DecisionRef(decisionID string) Related {
	return Related{ID: decisionID, Type: model.RelatedDecision}
}

// Level returns floor(sqrt(balance / 100)) + 1. Balances at or below zero
// are level 1. The root is an integer square root, exact for any balance.
func Level(balance decimal.Decimal) int {
	if !balance.IsPositive() {
		return 1
	}
	hundreds := balance.Shift(-2).Floor().BigInt()
	root := new(big.Int).Sqrt(hundreds)
	if !root.IsInt64() || root.Int64() >= math.MaxInt-1 {
		return math.MaxInt - 1
	}
	return int(root.Int64()) + 1
}

// SeedsForLevel is the balance at which level L starts: (L−1)² * 100.
func SeedsForLevel(l int) decimal.Decimal {
	if l <= 1 {
		return decimal.Zero
	}
	n := decimal.NewFromInt(int64(l - 1))
	return n.Mul(n).Mul(seedsPerLevel)
}

// SeedsToNextLevel is max(0, L² * 100 − balance).
func SeedsToNextLevel(balance decimal.Decimal) decimal.Decimal {
	need := SeedsForLevel(Level(balance) + 1).Sub(balance)
	if need.IsNegative() {
		return decimal.Zero
	}
	return need
}

// NewUser creates an account holding the initial grant. The grant is not a
// ledger row; conservation is initialGrant + Σ amounts == balance.
func NewUser(id string, initialGrant decimal.Decimal, now time.Time) *model.User {
	u := &model.User{
		ID:           id,
		SeedsBalance: initialGrant,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	refresh(u)
	return u
}

func refresh(u *model.User) {
	u.Level = Level(u.SeedsBalance)
	u.SeedsToNextLevel = SeedsToNextLevel(u.SeedsBalance)
}

// Apply moves delta seeds on the user (positive credits, negative debits)
// and returns the paired transaction row. The user is only modified when
// no error is returned. Callers persist both in the same store transaction.
func Apply(u *model.User, delta decimal.Decimal, reason string, rel Related, now time.Time) (model.SeedsTransaction, error) {
	if delta.IsZero() {
		return model.SeedsTransaction{}, ErrZeroAmount
	}
	after := u.SeedsBalance.Add(delta)
	if after.IsNegative() {
		return model.SeedsTransaction{}, ErrInsufficientFunds
	}

	before := Level(u.SeedsBalance)
	u.SeedsBalance = after
	u.UpdatedAt = now
	refresh(u)

	typ := model.SeedsEarned
	if delta.IsNegative() {
		typ = model.SeedsLost
	}

	return model.SeedsTransaction{
		ID:           uuid.New().String(),
		UserID:       u.ID,
		Type:         typ,
		Amount:       delta,
		Reason:       reason,
		RelatedID:    rel.ID,
		RelatedType:  rel.Type,
		LevelBefore:  before,
		LevelAfter:   u.Level,
		BalanceAfter: after,
		CreatedAt:    now,
	}, nil
}

// Reconcile replays a user's ledger rows on top of the initial grant. The
// result must equal the stored balance.
func Reconcile(initialGrant decimal.Decimal, txns []model.SeedsTransaction) decimal.Decimal {
	total := initialGrant
	for _, t := range txns {
		total = total.Add(t.Amount)
	}
	return total
}
