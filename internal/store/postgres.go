package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/seedsx/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Transactions run at REPEATABLE READ and lock the rows they mutate with
// SELECT ... FOR UPDATE.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS decisions (
		id           TEXT PRIMARY KEY,
		title        TEXT NOT NULL DEFAULT '',
		target_price NUMERIC NOT NULL,
		depth_factor NUMERIC NOT NULL,
		status       TEXT NOT NULL,
		resolution   JSONB,
		created_at   TIMESTAMPTZ NOT NULL,
		resolved_at  TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS trading_pools (
		decision_id  TEXT NOT NULL REFERENCES decisions(id),
		position     TEXT NOT NULL,
		slope        NUMERIC NOT NULL,
		ghost_supply NUMERIC NOT NULL,
		real_supply  NUMERIC NOT NULL CHECK (real_supply >= 0),
		reserve      NUMERIC NOT NULL CHECK (reserve >= 0),
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (decision_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id                  TEXT PRIMARY KEY,
		seeds_balance       NUMERIC NOT NULL CHECK (seeds_balance >= 0),
		level               INTEGER NOT NULL,
		seeds_to_next_level NUMERIC NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS anticipations (
		id             TEXT PRIMARY KEY,
		decision_id    TEXT NOT NULL REFERENCES decisions(id),
		user_id        TEXT NOT NULL,
		position       TEXT NOT NULL,
		shares_owned   NUMERIC NOT NULL CHECK (shares_owned >= 0),
		total_invested NUMERIC NOT NULL CHECK (total_invested >= 0),
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		resolved       BOOLEAN NOT NULL DEFAULT FALSE,
		result         TEXT NOT NULL DEFAULT '',
		seeds_earned   NUMERIC NOT NULL DEFAULT 0,
		UNIQUE (decision_id, user_id, position)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_anticipations_user ON anticipations(user_id)`,
	`CREATE TABLE IF NOT EXISTS trading_transactions (
		id              TEXT PRIMARY KEY,
		decision_id     TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		position        TEXT NOT NULL,
		type            TEXT NOT NULL,
		shares          NUMERIC NOT NULL,
		cost            NUMERIC NOT NULL,
		net_amount      NUMERIC NOT NULL DEFAULT 0,
		fee             NUMERIC NOT NULL DEFAULT 0,
		price_per_share NUMERIC NOT NULL,
		timestamp       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trading_transactions_decision ON trading_transactions(decision_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS seeds_transactions (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		type          TEXT NOT NULL,
		amount        NUMERIC NOT NULL,
		reason        TEXT NOT NULL,
		related_id    TEXT NOT NULL DEFAULT '',
		related_type  TEXT NOT NULL DEFAULT '',
		level_before  INTEGER NOT NULL,
		level_after   INTEGER NOT NULL,
		balance_after NUMERIC NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_seeds_transactions_user ON seeds_transactions(user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS opinion_ticks (
		id          TEXT PRIMARY KEY,
		decision_id TEXT NOT NULL,
		timestamp   TIMESTAMPTZ NOT NULL,
		yes_price   NUMERIC NOT NULL,
		no_price    NUMERIC NOT NULL,
		yes_count   NUMERIC NOT NULL,
		no_count    NUMERIC NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_opinion_ticks_decision ON opinion_ticks(decision_id, timestamp)`,
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// pgxQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgxRows is the subset of pgx.Rows used by the scanners.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// mapPgError translates driver errors into store sentinels.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.Message)
		}
	}
	return err
}

func numeric(dst *decimal.Decimal, s string) error {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("parse numeric %q: %w", s, err)
	}
	*dst = d
	return nil
}

// --- Reads ---

func (s *PostgresStore) GetDecision(ctx context.Context, id string) (*model.Decision, error) {
	return pgGetDecision(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListDecisions(ctx context.Context) ([]model.Decision, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+decisionColumns+` FROM decisions ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var decisions []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, *d)
	}
	return decisions, rows.Err()
}

func (s *PostgresStore) GetPool(ctx context.Context, key model.PoolKey) (*model.TradingPool, error) {
	return pgGetPool(ctx, s.pool, key, false)
}

func (s *PostgresStore) GetPools(ctx context.Context, decisionID string) ([]model.TradingPool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+poolColumns+` FROM trading_pools WHERE decision_id = $1 ORDER BY position DESC`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []model.TradingPool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return pgGetUser(ctx, s.pool, id, false)
}

func (s *PostgresStore) GetAnticipation(ctx context.Context, key model.PoolKey, userID string) (*model.Anticipation, error) {
	return pgGetAnticipation(ctx, s.pool, key, userID, false)
}

func (s *PostgresStore) ListAnticipationsByUser(ctx context.Context, userID string) ([]model.Anticipation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+anticipationColumns+` FROM anticipations WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAnticipations(rows)
}

func (s *PostgresStore) ListTradingTransactions(ctx context.Context, decisionID string) ([]model.TradingTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, decision_id, user_id, position, type,
		        shares::TEXT, cost::TEXT, net_amount::TEXT, fee::TEXT, price_per_share::TEXT, timestamp
		 FROM trading_transactions WHERE decision_id = $1 ORDER BY timestamp, id`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.TradingTransaction
	for rows.Next() {
		var t model.TradingTransaction
		var shares, cost, net, fee, price string
		if err := rows.Scan(&t.ID, &t.DecisionID, &t.UserID, &t.Position, &t.Type,
			&shares, &cost, &net, &fee, &price, &t.Timestamp); err != nil {
			return nil, err
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

func (s *PostgresStore) ListSeedsTransactions(ctx context.Context, userID string) ([]model.SeedsTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, type, amount::TEXT, reason, related_id, related_type,
		        level_before, level_after, balance_after::TEXT, created_at
		 FROM seeds_transactions WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []model.SeedsTransaction
	for rows.Next() {
		var t model.SeedsTransaction
		var amount, balance string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Type, &amount, &t.Reason, &t.RelatedID, &t.RelatedType,
			&t.LevelBefore, &t.LevelAfter, &balance, &t.CreatedAt); err != nil {
			return nil, err
		}
		if err := errors.Join(numeric(&t.Amount, amount), numeric(&t.BalanceAfter, balance)); err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (s *PostgresStore) ListTicks(ctx context.Context, decisionID string) ([]model.OpinionTick, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, decision_id, timestamp, yes_price::TEXT, no_price::TEXT, yes_count::TEXT, no_count::TEXT
		 FROM opinion_ticks WHERE decision_id = $1 ORDER BY timestamp, id`, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []model.OpinionTick
	for rows.Next() {
		var t model.OpinionTick
		var yp, np, yc, nc string
		if err := rows.Scan(&t.ID, &t.DecisionID, &t.Timestamp, &yp, &np, &yc, &nc); err != nil {
			return nil, err
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

// WithinTx runs fn in a REPEATABLE READ transaction. Serialization
// failures and deadlocks, including those raised at commit, are reported
// as ErrConflict.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapPgError(err))
	}
	defer tx.Rollback(ctx) // no-op after commit

	if err := fn(&postgresTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", mapPgError(err))
	}
	return nil
}

type postgresTx struct {
	q pgxQuerier
}

func (t *postgresTx) GetDecision(ctx context.Context, id string) (*model.Decision, error) {
	return pgGetDecision(ctx, t.q, id, true)
}

func (t *postgresTx) InsertDecision(ctx context.Context, d *model.Decision) error {
	res, err := resolutionJSON(d.Resolution)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO decisions (id, title, target_price, depth_factor, status, resolution, created_at, resolved_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8)`,
		d.ID, d.Title, d.TargetPrice.String(), d.DepthFactor.String(), d.Status, res, d.CreatedAt, d.ResolvedAt,
	)
	return mapPgError(err)
}

func (t *postgresTx) UpdateDecision(ctx context.Context, d *model.Decision) error {
	res, err := resolutionJSON(d.Resolution)
	if err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx,
		`UPDATE decisions SET title = $2, status = $3, resolution = $4, resolved_at = $5 WHERE id = $1`,
		d.ID, d.Title, d.Status, res, d.ResolvedAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("decision %s: %w", d.ID, ErrNotFound)
	}
	return nil
}

func (t *postgresTx) GetPool(ctx context.Context, key model.PoolKey) (*model.TradingPool, error) {
	return pgGetPool(ctx, t.q, key, true)
}

func (t *postgresTx) PutPool(ctx context.Context, p *model.TradingPool) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trading_pools (decision_id, position, slope, ghost_supply, real_supply, reserve, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (decision_id, position) DO UPDATE SET
		     real_supply = EXCLUDED.real_supply,
		     reserve     = EXCLUDED.reserve,
		     updated_at  = EXCLUDED.updated_at`,
		p.DecisionID, p.Position, p.Slope.String(), p.GhostSupply.String(),
		p.RealSupply.String(), p.Reserve.String(), p.CreatedAt, p.UpdatedAt,
	)
	return mapPgError(err)
}

func (t *postgresTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return pgGetUser(ctx, t.q, id, true)
}

func (t *postgresTx) PutUser(ctx context.Context, u *model.User) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (id, seeds_balance, level, seeds_to_next_level, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     seeds_balance       = EXCLUDED.seeds_balance,
		     level               = EXCLUDED.level,
		     seeds_to_next_level = EXCLUDED.seeds_to_next_level,
		     updated_at          = EXCLUDED.updated_at`,
		u.ID, u.SeedsBalance.String(), u.Level, u.SeedsToNextLevel.String(), u.CreatedAt, u.UpdatedAt,
	)
	return mapPgError(err)
}

func (t *postgresTx) InsertSeedsTransaction(ctx context.Context, st *model.SeedsTransaction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO seeds_transactions (id, user_id, type, amount, reason, related_id, related_type,
		                                 level_before, level_after, balance_after, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8, $9, $10::NUMERIC, $11)`,
		st.ID, st.UserID, st.Type, st.Amount.String(), st.Reason, st.RelatedID, st.RelatedType,
		st.LevelBefore, st.LevelAfter, st.BalanceAfter.String(), st.CreatedAt,
	)
	return mapPgError(err)
}

func (t *postgresTx) GetAnticipation(ctx context.Context, key model.PoolKey, userID string) (*model.Anticipation, error) {
	return pgGetAnticipation(ctx, t.q, key, userID, true)
}

// PutAnticipation upserts on the natural key so that two transactions
// opening the same position race into a serialization failure rather than
// a duplicate row.
func (t *postgresTx) PutAnticipation(ctx context.Context, a *model.Anticipation) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO anticipations (id, decision_id, user_id, position, shares_owned, total_invested,
		                            created_at, updated_at, resolved, result, seeds_earned)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11::NUMERIC)
		 ON CONFLICT (decision_id, user_id, position) DO UPDATE SET
		     shares_owned   = EXCLUDED.shares_owned,
		     total_invested = EXCLUDED.total_invested,
		     updated_at     = EXCLUDED.updated_at,
		     resolved       = EXCLUDED.resolved,
		     result         = EXCLUDED.result,
		     seeds_earned   = EXCLUDED.seeds_earned`,
		a.ID, a.DecisionID, a.UserID, a.Position, a.SharesOwned.String(), a.TotalInvested.String(),
		a.CreatedAt, a.UpdatedAt, a.Resolved, a.Result, a.SeedsEarned.String(),
	)
	return mapPgError(err)
}

func (t *postgresTx) ListAnticipationsByDecision(ctx context.Context, decisionID string) ([]model.Anticipation, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+anticipationColumns+` FROM anticipations WHERE decision_id = $1 ORDER BY created_at, id FOR UPDATE`,
		decisionID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()
	return scanAnticipations(rows)
}

func (t *postgresTx) InsertTradingTransaction(ctx context.Context, tt *model.TradingTransaction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO trading_transactions (id, decision_id, user_id, position, type,
		                                   shares, cost, net_amount, fee, price_per_share, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		tt.ID, tt.DecisionID, tt.UserID, tt.Position, tt.Type,
		tt.Shares.String(), tt.Cost.String(), tt.NetAmount.String(), tt.Fee.String(), tt.PricePerShare.String(),
		tt.Timestamp,
	)
	return mapPgError(err)
}

func (t *postgresTx) InsertTick(ctx context.Context, tick *model.OpinionTick) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO opinion_ticks (id, decision_id, timestamp, yes_price, no_price, yes_count, no_count)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC)`,
		tick.ID, tick.DecisionID, tick.Timestamp,
		tick.YesPrice.String(), tick.NoPrice.String(), tick.YesCount.String(), tick.NoCount.String(),
	)
	return mapPgError(err)
}

// --- Shared row helpers ---

const decisionColumns = `id, title, target_price::TEXT, depth_factor::TEXT, status, resolution, created_at, resolved_at`

func pgGetDecision(ctx context.Context, q pgxQuerier, id string, lock bool) (*model.Decision, error) {
	sql := `SELECT ` + decisionColumns + ` FROM decisions WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	d, err := scanDecision(q.QueryRow(ctx, sql, id))
	if err != nil {
		return nil, fmt.Errorf("get decision %s: %w", id, mapPgError(err))
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*model.Decision, error) {
	var d model.Decision
	var target, depth string
	var resolution []byte
	var resolvedAt *time.Time
	if err := row.Scan(&d.ID, &d.Title, &target, &depth, &d.Status, &resolution, &d.CreatedAt, &resolvedAt); err != nil {
		return nil, err
	}
	if err := errors.Join(numeric(&d.TargetPrice, target), numeric(&d.DepthFactor, depth)); err != nil {
		return nil, err
	}
	d.ResolvedAt = resolvedAt
	if len(resolution) > 0 && string(resolution) != "null" {
		var info model.ResolutionInfo
		if err := json.Unmarshal(resolution, &info); err != nil {
			return nil, fmt.Errorf("decode resolution of %s: %w", d.ID, err)
		}
		d.Resolution = &info
	}
	return &d, nil
}

// resolutionJSON encodes a resolution for a JSON/JSONB column; nil stays NULL.
func resolutionJSON(r *model.ResolutionInfo) ([]byte, error) {
	if r == nil || r.Resolution == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

const poolColumns = `decision_id, position, slope::TEXT, ghost_supply::TEXT, real_supply::TEXT, reserve::TEXT, created_at, updated_at`

func pgGetPool(ctx context.Context, q pgxQuerier, key model.PoolKey, lock bool) (*model.TradingPool, error) {
	sql := `SELECT ` + poolColumns + ` FROM trading_pools WHERE decision_id = $1 AND position = $2`
	if lock {
		sql += ` FOR UPDATE`
	}
	p, err := scanPool(q.QueryRow(ctx, sql, key.DecisionID, key.Position))
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", key, mapPgError(err))
	}
	return p, nil
}

func scanPool(row rowScanner) (*model.TradingPool, error) {
	var p model.TradingPool
	var slope, ghost, realSupply, reserve string
	if err := row.Scan(&p.DecisionID, &p.Position, &slope, &ghost, &realSupply, &reserve, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := errors.Join(
		numeric(&p.Slope, slope), numeric(&p.GhostSupply, ghost),
		numeric(&p.RealSupply, realSupply), numeric(&p.Reserve, reserve),
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func pgGetUser(ctx context.Context, q pgxQuerier, id string, lock bool) (*model.User, error) {
	sql := `SELECT id, seeds_balance::TEXT, level, seeds_to_next_level::TEXT, created_at, updated_at
	        FROM users WHERE id = $1`
	if lock {
		sql += ` FOR UPDATE`
	}
	var u model.User
	var balance, toNext string
	if err := q.QueryRow(ctx, sql, id).Scan(&u.ID, &balance, &u.Level, &toNext, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, mapPgError(err))
	}
	if err := errors.Join(numeric(&u.SeedsBalance, balance), numeric(&u.SeedsToNextLevel, toNext)); err != nil {
		return nil, err
	}
	return &u, nil
}

const anticipationColumns = `id, decision_id, user_id, position, shares_owned::TEXT, total_invested::TEXT,
	created_at, updated_at, resolved, result, seeds_earned::TEXT`

func pgGetAnticipation(ctx context.Context, q pgxQuerier, key model.PoolKey, userID string, lock bool) (*model.Anticipation, error) {
	sql := `SELECT ` + anticipationColumns + ` FROM anticipations
	        WHERE decision_id = $1 AND position = $2 AND user_id = $3`
	if lock {
		sql += ` FOR UPDATE`
	}
	a, err := scanAnticipation(q.QueryRow(ctx, sql, key.DecisionID, key.Position, userID))
	if err != nil {
		return nil, fmt.Errorf("get anticipation %s/%s: %w", key, userID, mapPgError(err))
	}
	return a, nil
}

func scanAnticipation(row rowScanner) (*model.Anticipation, error) {
	var a model.Anticipation
	var shares, invested, earned string
	if err := row.Scan(&a.ID, &a.DecisionID, &a.UserID, &a.Position, &shares, &invested,
		&a.CreatedAt, &a.UpdatedAt, &a.Resolved, &a.Result, &earned); err != nil {
		return nil, err
	}
	if err := errors.Join(
		numeric(&a.SharesOwned, shares), numeric(&a.TotalInvested, invested), numeric(&a.SeedsEarned, earned),
	); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAnticipations(rows pgxRows) ([]model.Anticipation, error) {
	var result []model.Anticipation
	for rows.Next() {
		a, err := scanAnticipation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}
