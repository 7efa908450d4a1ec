package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/seedsx/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Write transactions are serialized by txMu and stage their writes in an
// overlay that is applied under mu on commit, so readers never observe a
// half-applied trade.
type MemoryStore struct {
	txMu sync.Mutex

	mu            sync.RWMutex
	decisions     map[string]*model.Decision
	pools         map[model.PoolKey]*model.TradingPool
	users         map[string]*model.User
	anticipations map[antKey]*model.Anticipation
	trades        []model.TradingTransaction
	seeds         []model.SeedsTransaction
	ticks         []model.OpinionTick
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		decisions:     make(map[string]*model.Decision),
		pools:         make(map[model.PoolKey]*model.TradingPool),
		users:         make(map[string]*model.User),
		anticipations: make(map[antKey]*model.Anticipation),
	}
}

func (s *MemoryStore) GetDecision(_ context.Context, id string) (*model.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	copy := *d
	return &copy, nil
}

func (s *MemoryStore) ListDecisions(_ context.Context) ([]model.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	decisions := make([]model.Decision, 0, len(s.decisions))
	for _, d := range s.decisions {
		decisions = append(decisions, *d)
	}
	sort.Slice(decisions, func(i, j int) bool { return decisions[i].CreatedAt.After(decisions[j].CreatedAt) })
	return decisions, nil
}

func (s *MemoryStore) GetPool(_ context.Context, key model.PoolKey) (*model.TradingPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[key]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", key, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) GetPools(_ context.Context, decisionID string) ([]model.TradingPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pools []model.TradingPool
	for _, pos := range model.Positions {
		if p, ok := s.pools[model.PoolKey{DecisionID: decisionID, Position: pos}]; ok {
			pools = append(pools, *p)
		}
	}
	return pools, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetAnticipation(_ context.Context, key model.PoolKey, userID string) (*model.Anticipation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.anticipations[antKey{PoolKey: key, UserID: userID}]
	if !ok {
		return nil, fmt.Errorf("anticipation %s/%s: %w", key, userID, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAnticipationsByUser(_ context.Context, userID string) ([]model.Anticipation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Anticipation
	for _, a := range s.anticipations {
		if a.UserID == userID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ListTradingTransactions(_ context.Context, decisionID string) ([]model.TradingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradingTransaction
	for _, t := range s.trades {
		if t.DecisionID == decisionID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListSeedsTransactions(_ context.Context, userID string) ([]model.SeedsTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SeedsTransaction
	for _, t := range s.seeds {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTicks(_ context.Context, decisionID string) ([]model.OpinionTick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.OpinionTick
	for _, t := range s.ticks {
		if t.DecisionID == decisionID {
			result = append(result, t)
		}
	}
	return result, nil
}

// WithinTx runs fn against a staging overlay and applies it only if fn
// succeeds. Transactions never conflict because they are serialized.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		s:             s,
		decisions:     make(map[string]*model.Decision),
		pools:         make(map[model.PoolKey]*model.TradingPool),
		users:         make(map[string]*model.User),
		anticipations: make(map[antKey]*model.Anticipation),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memoryTx stages writes. Reads see staged rows first, then the committed
// state; nobody else can commit while a tx is open.
type memoryTx struct {
	s *MemoryStore

	decisions     map[string]*model.Decision
	pools         map[model.PoolKey]*model.TradingPool
	users         map[string]*model.User
	anticipations map[antKey]*model.Anticipation
	trades        []model.TradingTransaction
	seeds         []model.SeedsTransaction
	ticks         []model.OpinionTick
}

func (t *memoryTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for k, v := range t.decisions {
		t.s.decisions[k] = v
	}
	for k, v := range t.pools {
		t.s.pools[k] = v
	}
	for k, v := range t.users {
		t.s.users[k] = v
	}
	for k, v := range t.anticipations {
		t.s.anticipations[k] = v
	}
	t.s.trades = append(t.s.trades, t.trades...)
	t.s.seeds = append(t.s.seeds, t.seeds...)
	t.s.ticks = append(t.s.ticks, t.ticks...)
}

func (t *memoryTx) GetDecision(ctx context.Context, id string) (*model.Decision, error) {
	if d, ok := t.decisions[id]; ok {
		copy := *d
		return &copy, nil
	}
	return t.s.GetDecision(ctx, id)
}

func (t *memoryTx) InsertDecision(ctx context.Context, d *model.Decision) error {
	if _, err := t.GetDecision(ctx, d.ID); err == nil {
		return fmt.Errorf("decision %s: %w", d.ID, ErrDuplicate)
	}
	copy := *d
	t.decisions[d.ID] = &copy
	return nil
}

func (t *memoryTx) UpdateDecision(ctx context.Context, d *model.Decision) error {
	if _, err := t.GetDecision(ctx, d.ID); err != nil {
		return err
	}
	copy := *d
	t.decisions[d.ID] = &copy
	return nil
}

func (t *memoryTx) GetPool(ctx context.Context, key model.PoolKey) (*model.TradingPool, error) {
	if p, ok := t.pools[key]; ok {
		copy := *p
		return &copy, nil
	}
	return t.s.GetPool(ctx, key)
}

func (t *memoryTx) PutPool(_ context.Context, p *model.TradingPool) error {
	copy := *p
	t.pools[p.Key()] = &copy
	return nil
}

func (t *memoryTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	if u, ok := t.users[id]; ok {
		copy := *u
		return &copy, nil
	}
	return t.s.GetUser(ctx, id)
}

func (t *memoryTx) PutUser(_ context.Context, u *model.User) error {
	copy := *u
	t.users[u.ID] = &copy
	return nil
}

func (t *memoryTx) InsertSeedsTransaction(_ context.Context, st *model.SeedsTransaction) error {
	t.seeds = append(t.seeds, *st)
	return nil
}

func (t *memoryTx) GetAnticipation(ctx context.Context, key model.PoolKey, userID string) (*model.Anticipation, error) {
	if a, ok := t.anticipations[antKey{PoolKey: key, UserID: userID}]; ok {
		copy := *a
		return &copy, nil
	}
	return t.s.GetAnticipation(ctx, key, userID)
}

func (t *memoryTx) PutAnticipation(_ context.Context, a *model.Anticipation) error {
	copy := *a
	t.anticipations[keyOf(a)] = &copy
	return nil
}

func (t *memoryTx) ListAnticipationsByDecision(_ context.Context, decisionID string) ([]model.Anticipation, error) {
	t.s.mu.RLock()
	merged := make(map[antKey]model.Anticipation)
	for k, a := range t.s.anticipations {
		if a.DecisionID == decisionID {
			merged[k] = *a
		}
	}
	t.s.mu.RUnlock()

	for k, a := range t.anticipations {
		if a.DecisionID == decisionID {
			merged[k] = *a
		}
	}

	result := make([]model.Anticipation, 0, len(merged))
	for _, a := range merged {
		result = append(result, a)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (t *memoryTx) InsertTradingTransaction(_ context.Context, tt *model.TradingTransaction) error {
	t.trades = append(t.trades, *tt)
	return nil
}

func (t *memoryTx) InsertTick(_ context.Context, tick *model.OpinionTick) error {
	t.ticks = append(t.ticks, *tick)
	return nil
}
