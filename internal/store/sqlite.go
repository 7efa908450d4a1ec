package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"

	"github.com/seedsx/market-engine/internal/model"
)

// SQLiteStore implements Store on an embedded SQLite database (pure Go, no
// CGo). Decimals are kept in TEXT columns so they round-trip exactly. The
// pool holds a single connection, which makes every transaction the only
// writer.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	id           TEXT PRIMARY KEY,
	title        TEXT NOT NULL DEFAULT '',
	target_price TEXT NOT NULL,
	depth_factor TEXT NOT NULL,
	status       TEXT NOT NULL,
	resolution   TEXT,
	created_at   DATETIME NOT NULL,
	resolved_at  DATETIME
);

CREATE TABLE IF NOT EXISTS trading_pools (
	decision_id  TEXT NOT NULL REFERENCES decisions(id),
	position     TEXT NOT NULL,
	slope        TEXT NOT NULL,
	ghost_supply TEXT NOT NULL,
	real_supply  TEXT NOT NULL,
	reserve      TEXT NOT NULL,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL,
	PRIMARY KEY (decision_id, position)
);

CREATE TABLE IF NOT EXISTS users (
	id                  TEXT PRIMARY KEY,
	seeds_balance       TEXT NOT NULL,
	level               INTEGER NOT NULL,
	seeds_to_next_level TEXT NOT NULL,
	created_at          DATETIME NOT NULL,
	updated_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS anticipations (
	id             TEXT PRIMARY KEY,
	decision_id    TEXT NOT NULL REFERENCES decisions(id),
	user_id        TEXT NOT NULL,
	position       TEXT NOT NULL,
	shares_owned   TEXT NOT NULL,
	total_invested TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL,
	resolved       INTEGER NOT NULL DEFAULT 0,
	result         TEXT NOT NULL DEFAULT '',
	seeds_earned   TEXT NOT NULL DEFAULT '0',
	UNIQUE (decision_id, user_id, position)
);
CREATE INDEX IF NOT EXISTS idx_anticipations_user ON anticipations(user_id);

CREATE TABLE IF NOT EXISTS trading_transactions (
	id              TEXT PRIMARY KEY,
	decision_id     TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	position        TEXT NOT NULL,
	type            TEXT NOT NULL,
	shares          TEXT NOT NULL,
	cost            TEXT NOT NULL,
	net_amount      TEXT NOT NULL DEFAULT '0',
	fee             TEXT NOT NULL DEFAULT '0',
	price_per_share TEXT NOT NULL,
	timestamp       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trading_transactions_decision ON trading_transactions(decision_id, timestamp);

CREATE TABLE IF NOT EXISTS seeds_transactions (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	type          TEXT NOT NULL,
	amount        TEXT NOT NULL,
	reason        TEXT NOT NULL,
	related_id    TEXT NOT NULL DEFAULT '',
	related_type  TEXT NOT NULL DEFAULT '',
	level_before  INTEGER NOT NULL,
	level_after   INTEGER NOT NULL,
	balance_after TEXT NOT NULL,
	created_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seeds_transactions_user ON seeds_transactions(user_id, created_at);

CREATE TABLE IF NOT EXISTS opinion_ticks (
	id          TEXT PRIMARY KEY,
	decision_id TEXT NOT NULL,
	timestamp   DATETIME NOT NULL,
	yes_price   TEXT NOT NULL,
	no_price    TEXT NOT NULL,
	yes_count   TEXT NOT NULL,
	no_count    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_opinion_ticks_decision ON opinion_ticks(decision_id, timestamp);
`

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer; also keeps ":memory:" on one connection
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store.NewSQLiteStore: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SQLite primary result codes.
const (
	sqliteBusy       = 5
	sqliteLocked     = 6
	sqliteConstraint = 19
)

// mapSQLiteError translates driver errors into store sentinels.
func mapSQLiteError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return fmt.Errorf("%w: %s", ErrConflict, sqErr.Error())
		case sqliteConstraint:
			if strings.Contains(sqErr.Error(), "UNIQUE") || strings.Contains(sqErr.Error(), "PRIMARY KEY") {
				return fmt.Errorf("%w: %s", ErrDuplicate, sqErr.Error())
			}
		}
	}
	return err
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	sqliteDecisionColumns     = `id, title, target_price, depth_factor, status, resolution, created_at, resolved_at`
	sqlitePoolColumns         = `decision_id, position, slope, ghost_supply, real_supply, reserve, created_at, updated_at`
	sqliteAnticipationColumns = `id, decision_id, user_id, position, shares_owned, total_invested,
		created_at, updated_at, resolved, result, seeds_earned`
)

// --- Reads ---

func (s *SQLiteStore) GetDecision(ctx context.Context, id string) (*model.Decision, error) {
	return sqliteGetDecision(ctx, s.db, id)
}

func (s *SQLiteStore) ListDecisions(ctx context.Context) ([]model.Decision, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteDecisionColumns+` FROM decisions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store.ListDecisions: %w", err)
	}
	defer rows.Close()

	var decisions []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("store.ListDecisions: scan: %w", err)
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

func (s *SQLiteStore) GetPool(ctx context.Context, key model.PoolKey) (*model.TradingPool, error) {
	return sqliteGetPool(ctx, s.db, key)
}

func (s *SQLiteStore) GetPools(ctx context.Context, decisionID string) ([]model.TradingPool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqlitePoolColumns+` FROM trading_pools WHERE decision_id = ? ORDER BY position DESC`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("store.GetPools: %w", err)
	}
	defer rows.Close()

	var pools []model.TradingPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("store.GetPools: scan: %w", err)
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return sqliteGetUser(ctx, s.db, id)
}

func (s *SQLiteStore) GetAnticipation(ctx context.Context, key model.PoolKey, userID string) (*model.Anticipation, error) {
	return sqliteGetAnticipation(ctx, s.db, key, userID)
}

func (s *SQLiteStore) ListAnticipationsByUser(ctx context.Context, userID string) ([]model.Anticipation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAnticipationColumns+` FROM anticipations WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("store.ListAnticipationsByUser: %w", err)
	}
	defer rows.Close()
	return scanAnticipations(rows)
}

func (s *SQLiteStore) ListTradingTransactions(ctx context.Context, decisionID string) ([]model.TradingTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, decision_id, user_id, position, type, shares, cost, net_amount, fee, price_per_share, timestamp
		 FROM trading_transactions WHERE decision_id = ? ORDER BY timestamp, rowid`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("store.ListTradingTransactions: %w", err)
	}
	defer rows.Close()

	var txns []model.TradingTransaction
	for rows.Next() {
		var t model.TradingTransaction
		var shares, cost, net, fee, price string
		if err := rows.Scan(&t.ID, &t.DecisionID, &t.UserID, &t.Position, &t.Type,
			&shares, &cost, &net, &fee, &price, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("store.ListTradingTransactions: scan: %w", err)
		}
		if err := errors.Join(
			numeric(&t.Shares, shares), numeric(&t.Cost, cost), numeric(&t.NetAmount, net),
			numeric(&t.Fee, fee), numeric(&t.PricePerShare, price),
		); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (s *SQLiteStore) ListSeedsTransactions(ctx context.Context, userID string) ([]model.SeedsTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, type, amount, reason, related_id, related_type,
		        level_before, level_after, balance_after, created_at
		 FROM seeds_transactions WHERE user_id = ? ORDER BY created_at, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("store.ListSeedsTransactions: %w", err)
	}
	defer rows.Close()

	var txns []model.SeedsTransaction
	for rows.Next() {
		var t model.SeedsTransaction
		var amount, balance string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &amount, &t.Reason, &t.RelatedID, &t.RelatedType,
			&t.LevelBefore, &t.LevelAfter, &balance, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("store.ListSeedsTransactions: scan: %w", err)
		}
		if err := errors.Join(numeric(&t.Amount, amount), numeric(&t.BalanceAfter, balance)); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (s *SQLiteStore) ListTicks(ctx context.Context, decisionID string) ([]model.OpinionTick, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, decision_id, timestamp, yes_price, no_price, yes_count, no_count
		 FROM opinion_ticks WHERE decision_id = ? ORDER BY timestamp, rowid`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("store.ListTicks: %w", err)
	}
	defer rows.Close()

	var ticks []model.OpinionTick
	for rows.Next() {
		var t model.OpinionTick
		var yp, np, yc, nc string
		if err := rows.Scan(&t.ID, &t.DecisionID, &t.Timestamp, &yp, &np, &yc, &nc); err != nil {
			return nil, fmt.Errorf("store.ListTicks: scan: %w", err)
		}
		if err := errors.Join(
			numeric(&t.YesPrice, yp), numeric(&t.NoPrice, np),
			numeric(&t.YesCount, yc), numeric(&t.NoCount, nc),
		); err != nil {
			return nil, err
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// --- Transactions ---

// WithinTx runs fn in a SQLite transaction. A busy or locked database is
// reported as ErrConflict.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.WithinTx: begin: %w", mapSQLiteError(err))
	}
	defer tx.Rollback() // no-op after commit

	if err := fn(&sqliteTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store.WithinTx: commit: %w", mapSQLiteError(err))
	}
	return nil
}

type sqliteTx struct {
	q sqlQuerier
}

func (t *sqliteTx) GetDecision(ctx context.Context, id string) (*model.Decision, error) {
	return sqliteGetDecision(ctx, t.q, id)
}

func (t *sqliteTx) InsertDecision(ctx context.Context, d *model.Decision) error {
	res, err := resolutionJSON(d.Resolution)
	if err != nil {
		return err
	}
	_, err = t.q.ExecContext(ctx,
		`INSERT INTO decisions (id, title, target_price, depth_factor, status, resolution, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Title, d.TargetPrice.String(), d.DepthFactor.String(), string(d.Status),
		nullString(res), d.CreatedAt.UTC(), nullTime(d),
	)
	return mapSQLiteError(err)
}

func (t *sqliteTx) UpdateDecision(ctx context.Context, d *model.Decision) error {
	res, err := resolutionJSON(d.Resolution)
	if err != nil {
		return err
	}
	r, err := t.q.ExecContext(ctx,
		`UPDATE decisions SET title = ?, status = ?, resolution = ?, resolved_at = ? WHERE id = ?`,
		d.Title, string(d.Status), nullString(res), nullTime(d), d.ID,
	)
	if err != nil {
		return mapSQLiteError(err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("decision %s: %w", d.ID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) GetPool(ctx context.Context, key model.PoolKey) (*model.TradingPool, error) {
	return sqliteGetPool(ctx, t.q, key)
}

func (t *sqliteTx) PutPool(ctx context.Context, p *model.TradingPool) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO trading_pools (decision_id, position, slope, ghost_supply, real_supply, reserve, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(decision_id, position) DO UPDATE SET
		     real_supply = excluded.real_supply,
		     reserve     = excluded.reserve,
		     updated_at  = excluded.updated_at`,
		p.DecisionID, string(p.Position), p.Slope.String(), p.GhostSupply.String(),
		p.RealSupply.String(), p.Reserve.String(), p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	return mapSQLiteError(err)
}

func (t *sqliteTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return sqliteGetUser(ctx, t.q, id)
}

func (t *sqliteTx) PutUser(ctx context.Context, u *model.User) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO users (id, seeds_balance, level, seeds_to_next_level, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     seeds_balance       = excluded.seeds_balance,
		     level               = excluded.level,
		     seeds_to_next_level = excluded.seeds_to_next_level,
		     updated_at          = excluded.updated_at`,
		u.ID, u.SeedsBalance.String(), u.Level, u.SeedsToNextLevel.String(), u.CreatedAt.UTC(), u.UpdatedAt.UTC(),
	)
	return mapSQLiteError(err)
}

func (t *sqliteTx) InsertSeedsTransaction(ctx context.Context, st *model.SeedsTransaction) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO seeds_transactions (id, user_id, type, amount, reason, related_id, related_type,
		                                 level_before, level_after, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.UserID, string(st.Type), st.Amount.String(), st.Reason, st.RelatedID, st.RelatedType,
		st.LevelBefore, st.LevelAfter, st.BalanceAfter.String(), st.CreatedAt.UTC(),
	)
	return mapSQLiteError(err)
}

func (t *sqliteTx) GetAnticipation(ctx context.Context, key model.PoolKey, userID string) (*model.Anticipation, error) {
	return sqliteGetAnticipation(ctx, t.q, key, userID)
}

func (t *sqliteTx) PutAnticipation(ctx context.Context, a *model.Anticipation) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO anticipations (id, decision_id, user_id, position, shares_owned, total_invested,
		                            created_at, updated_at, resolved, result, seeds_earned)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(decision_id, user_id, position) DO UPDATE SET
		     shares_owned   = excluded.shares_owned,
		     total_invested = excluded.total_invested,
		     updated_at     = excluded.updated_at,
		     resolved       = excluded.resolved,
		     result         = excluded.result,
		     seeds_earned   = excluded.seeds_earned`,
		a.ID, a.DecisionID, a.UserID, string(a.Position), a.SharesOwned.String(), a.TotalInvested.String(),
		a.CreatedAt.UTC(), a.UpdatedAt.UTC(), a.Resolved, string(a.Result), a.SeedsEarned.String(),
	)
	return mapSQLiteError(err)
}

func (t *sqliteTx) ListAnticipationsByDecision(ctx context.Context, decisionID string) ([]model.Anticipation, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+sqliteAnticipationColumns+` FROM anticipations WHERE decision_id = ? ORDER BY created_at, id`,
		decisionID)
	if err != nil {
		return nil, mapSQLiteError(err)
	}
	defer rows.Close()
	return scanAnticipations(rows)
}

func (t *sqliteTx) InsertTradingTransaction(ctx context.Context, tt *model.TradingTransaction) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO trading_transactions (id, decision_id, user_id, position, type,
		                                   shares, cost, net_amount, fee, price_per_share, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tt.ID, tt.DecisionID, tt.UserID, string(tt.Position), string(tt.Type),
		tt.Shares.String(), tt.Cost.String(), tt.NetAmount.String(), tt.Fee.String(), tt.PricePerShare.String(),
		tt.Timestamp.UTC(),
	)
	return mapSQLiteError(err)
}

func (t *sqliteTx) InsertTick(ctx context.Context, tick *model.OpinionTick) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO opinion_ticks (id, decision_id, timestamp, yes_price, no_price, yes_count, no_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tick.ID, tick.DecisionID, tick.Timestamp.UTC(),
		tick.YesPrice.String(), tick.NoPrice.String(), tick.YesCount.String(), tick.NoCount.String(),
	)
	return mapSQLiteError(err)
}

// --- Row helpers ---

func sqliteGetDecision(ctx context.Context, q sqlQuerier, id string) (*model.Decision, error) {
	d, err := scanDecision(q.QueryRowContext(ctx,
		`SELECT `+sqliteDecisionColumns+` FROM decisions WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("get decision %s: %w", id, mapSQLiteError(err))
	}
	return d, nil
}

func sqliteGetPool(ctx context.Context, q sqlQuerier, key model.PoolKey) (*model.TradingPool, error) {
	p, err := scanPool(q.QueryRowContext(ctx,
		`SELECT `+sqlitePoolColumns+` FROM trading_pools WHERE decision_id = ? AND position = ?`,
		key.DecisionID, string(key.Position)))
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", key, mapSQLiteError(err))
	}
	return p, nil
}

func sqliteGetUser(ctx context.Context, q sqlQuerier, id string) (*model.User, error) {
	var u model.User
	var balance, toNext string
	err := q.QueryRowContext(ctx,
		`SELECT id, seeds_balance, level, seeds_to_next_level, created_at, updated_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &balance, &u.Level, &toNext, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, mapSQLiteError(err))
	}
	if err := errors.Join(numeric(&u.SeedsBalance, balance), numeric(&u.SeedsToNextLevel, toNext)); err != nil {
		return nil, err
	}
	return &u, nil
}

func sqliteGetAnticipation(ctx context.Context, q sqlQuerier, key model.PoolKey, userID string) (*model.Anticipation, error) {
	a, err := scanAnticipation(q.QueryRowContext(ctx,
		`SELECT `+sqliteAnticipationColumns+` FROM anticipations
		 WHERE decision_id = ? AND position = ? AND user_id = ?`,
		key.DecisionID, string(key.Position), userID))
	if err != nil {
		return nil, fmt.Errorf("get anticipation %s/%s: %w", key, userID, mapSQLiteError(err))
	}
	return a, nil
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullTime(d *model.Decision) sql.NullTime {
	if d.ResolvedAt == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: d.ResolvedAt.UTC(), Valid: true}
}
