package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seedsx/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for decisions, pools and users. Writes go to the primary store
// inside WithinTx; the keys a transaction touched are invalidated after it
// commits, and the next read re-populates them.
//
// Every cached key has a generation counter. Invalidation bumps it, and a
// read-through only stores its row if the generation it saw before reading
// the primary is still current, so a slow reader cannot put back a row
// older than the last commit.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// genTTL outlives any cached row so a counter never resets under a live
// entry.
const genTTL = 24 * time.Hour

var errStaleRead = errors.New("store: cache fill raced a commit")

// --- Write path (primary, then invalidate) ---

func (s *CachedStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	rec := &recordingTx{keys: make(map[string]struct{})}
	err := s.primary.WithinTx(ctx, func(tx Tx) error {
		rec.Tx = tx
		return fn(rec)
	})
	if err != nil {
		return err
	}
	if len(rec.keys) == 0 {
		return nil
	}
	keys := make([]string, 0, len(rec.keys))
	for k := range rec.keys {
		keys = append(keys, k)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Incr(ctx, genKey(k))
			p.Expire(ctx, genKey(k), genTTL)
		}
		p.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
	return nil
}

// recordingTx remembers which cached keys the transaction wrote.
type recordingTx struct {
	Tx
	keys map[string]struct{}
}

func (t *recordingTx) touch(keys ...string) {
	for _, k := range keys {
		t.keys[k] = struct{}{}
	}
}

func (t *recordingTx) InsertDecision(ctx context.Context, d *model.Decision) error {
	t.touch(decisionKey(d.ID), poolsKey(d.ID))
	return t.Tx.InsertDecision(ctx, d)
}

func (t *recordingTx) UpdateDecision(ctx context.Context, d *model.Decision) error {
	t.touch(decisionKey(d.ID))
	return t.Tx.UpdateDecision(ctx, d)
}

func (t *recordingTx) PutPool(ctx context.Context, p *model.TradingPool) error {
	t.touch(poolKey(p.Key()), poolsKey(p.DecisionID))
	return t.Tx.PutPool(ctx, p)
}

func (t *recordingTx) PutUser(ctx context.Context, u *model.User) error {
	t.touch(userKey(u.ID))
	return t.Tx.PutUser(ctx, u)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetDecision(ctx context.Context, id string) (*model.Decision, error) {
	var d model.Decision
	if s.load(ctx, decisionKey(id), &d) {
		return &d, nil
	}

	// Cache miss: read from primary.
	gen := s.generation(ctx, decisionKey(id))
	got, err := s.primary.GetDecision(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, decisionKey(id), gen, got)
	return got, nil
}

func (s *CachedStore) GetPool(ctx context.Context, key model.PoolKey) (*model.TradingPool, error) {
	var p model.TradingPool
	if s.load(ctx, poolKey(key), &p) {
		return &p, nil
	}

	gen := s.generation(ctx, poolKey(key))
	got, err := s.primary.GetPool(ctx, key)
	if err != nil {
		return nil, err
	}
	s.save(ctx, poolKey(key), gen, got)
	return got, nil
}

func (s *CachedStore) GetPools(ctx context.Context, decisionID string) ([]model.TradingPool, error) {
	var pools []model.TradingPool
	if s.load(ctx, poolsKey(decisionID), &pools) {
		return pools, nil
	}

	gen := s.generation(ctx, poolsKey(decisionID))
	got, err := s.primary.GetPools(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, poolsKey(decisionID), gen, got)
	return got, nil
}

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.load(ctx, userKey(id), &u) {
		return &u, nil
	}

	gen := s.generation(ctx, userKey(id))
	got, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.save(ctx, userKey(id), gen, got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListDecisions(ctx context.Context) ([]model.Decision, error) {
	return s.primary.ListDecisions(ctx)
}

func (s *CachedStore) GetAnticipation(ctx context.Context, key model.PoolKey, userID string) (*model.Anticipation, error) {
	return s.primary.GetAnticipation(ctx, key, userID)
}

func (s *CachedStore) ListAnticipationsByUser(ctx context.Context, userID string) ([]model.Anticipation, error) {
	return s.primary.ListAnticipationsByUser(ctx, userID)
}

func (s *CachedStore) ListTradingTransactions(ctx context.Context, decisionID string) ([]model.TradingTransaction, error) {
	return s.primary.ListTradingTransactions(ctx, decisionID)
}

func (s *CachedStore) ListSeedsTransactions(ctx context.Context, userID string) ([]model.SeedsTransaction, error) {
	return s.primary.ListSeedsTransactions(ctx, userID)
}

func (s *CachedStore) ListTicks(ctx context.Context, decisionID string) ([]model.OpinionTick, error) {
	return s.primary.ListTicks(ctx, decisionID)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// generation returns the key's invalidation counter, -1 when Redis is
// unreachable.
func (s *CachedStore) generation(ctx context.Context, key string) int64 {
	gen, err := s.rdb.Get(ctx, genKey(key)).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0
	case err != nil:
		return -1
	}
	return gen
}

// save caches v unless key was invalidated since gen was read.
func (s *CachedStore) save(ctx context.Context, key string, gen int64, v any) {
	if gen < 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey(key)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleRead
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, genKey(key))
	if err != nil && !errors.Is(err, errStaleRead) && !errors.Is(err, redis.TxFailedErr) {
		slog.Debug("cache fill failed", "key", key, "err", err)
	}
}

func decisionKey(id string) string      { return fmt.Sprintf("decision:%s", id) }
func poolKey(k model.PoolKey) string    { return fmt.Sprintf("pool:%s", k) }
func poolsKey(decisionID string) string { return fmt.Sprintf("pools:%s", decisionID) }
func userKey(id string) string          { return fmt.Sprintf("user:%s", id) }
func genKey(key string) string          { return "gen:" + key }
