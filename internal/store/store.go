// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), SQLite (single
// node), Redis (read-through cache) and in-memory (for testing).
//
// Reads are lock-free and may trail the latest commit. Every mutation goes
// through WithinTx, which is the atomic unit spanning pool, ledger,
// position, trade log and price history.
package store

import (
	"context"
	"errors"

	"github.com/seedsx/market-engine/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when inserting a row that already exists.
	ErrDuplicate = errors.New("store: already exists")

	// ErrConflict is returned when a transaction lost a race with a
	// concurrent writer (serialization failure, deadlock, busy database).
	// The whole transaction may be retried.
	ErrConflict = errors.New("store: transaction conflict")
)

// Reader is the lock-free query side.
type Reader interface {
	// GetDecision retrieves a decision by ID.
	GetDecision(ctx context.Context, id string) (*model.Decision, error)

	// ListDecisions returns all decisions, newest first.
	ListDecisions(ctx context.Context) ([]model.Decision, error)

	// GetPool retrieves one pool.
	GetPool(ctx context.Context, key model.PoolKey) (*model.TradingPool, error)

	// GetPools returns the existing pools of a decision (zero, one or two).
	GetPools(ctx context.Context, decisionID string) ([]model.TradingPool, error)

	// GetUser retrieves a user's balance and level.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetAnticipation retrieves a user's stake in one pool.
	GetAnticipation(ctx context.Context, key model.PoolKey, userID string) (*model.Anticipation, error)

	// ListAnticipationsByUser returns every anticipation of a user.
	ListAnticipationsByUser(ctx context.Context, userID string) ([]model.Anticipation, error)

	// ListTradingTransactions returns a decision's trades in time order.
	ListTradingTransactions(ctx context.Context, decisionID string) ([]model.TradingTransaction, error)

	// ListSeedsTransactions returns a user's ledger rows in time order.
	ListSeedsTransactions(ctx context.Context, userID string) ([]model.SeedsTransaction, error)

	// ListTicks returns a decision's price history in time order.
	ListTicks(ctx context.Context, decisionID string) ([]model.OpinionTick, error)
}

// Store is the persistence interface.
type Store interface {
	Reader

	// WithinTx runs fn in one atomic transaction. If fn returns an error
	// nothing is written. Conflicts with concurrent writers surface as
	// ErrConflict.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the write side, valid only inside WithinTx. Get methods lock the
// row (or serialize the transaction) until commit.
type Tx interface {
	GetDecision(ctx context.Context, id string) (*model.Decision, error)
	InsertDecision(ctx context.Context, d *model.Decision) error
	UpdateDecision(ctx context.Context, d *model.Decision) error

	GetPool(ctx context.Context, key model.PoolKey) (*model.TradingPool, error)
	PutPool(ctx context.Context, p *model.TradingPool) error

	GetUser(ctx context.Context, id string) (*model.User, error)
	PutUser(ctx context.Context, u *model.User) error
	InsertSeedsTransaction(ctx context.Context, t *model.SeedsTransaction) error

	GetAnticipation(ctx context.Context, key model.PoolKey, userID string) (*model.Anticipation, error)
	PutAnticipation(ctx context.Context, a *model.Anticipation) error
	ListAnticipationsByDecision(ctx context.Context, decisionID string) ([]model.Anticipation, error)

	InsertTradingTransaction(ctx context.Context, t *model.TradingTransaction) error
	InsertTick(ctx context.Context, t *model.OpinionTick) error
}

type antKey struct {
	model.PoolKey
	UserID string
}

func keyOf(a *model.Anticipation) antKey {
	return antKey{PoolKey: model.PoolKey{DecisionID: a.DecisionID, Position: a.Position}, UserID: a.UserID}
}
