package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/predmkt-core/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache over the hot-read subset: markets, lmsr_state, and positions.
// Writes always go through BeginTx against the primary; the cache is
// invalidated for any entity a transaction may have touched once it
// commits, so a read-through miss never serves pre-write state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// --- Read-through ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	if data, err := s.rdb.Get(ctx, marketKey(id)).Bytes(); err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	if id, err := s.rdb.Get(ctx, slugKey(slug)).Result(); err == nil {
		if m, err := s.GetMarket(ctx, id); err == nil {
			return m, nil
		}
	}
	m, err := s.primary.GetMarketBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, slugKey(slug), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) GetLMSRState(ctx context.Context, marketID string) (*model.LMSRState, error) {
	if data, err := s.rdb.Get(ctx, lmsrKey(marketID)).Bytes(); err == nil {
		var st model.LMSRState
		if json.Unmarshal(data, &st) == nil {
			return &st, nil
		}
	}
	st, err := s.primary.GetLMSRState(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(st); err == nil {
		s.rdb.Set(ctx, lmsrKey(marketID), data, s.ttl)
	}
	return st, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	if data, err := s.rdb.Get(ctx, positionKey(userID, marketID)).Bytes(); err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}
	p, err := s.primary.GetPosition(ctx, userID, marketID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(userID, marketID), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	if data, err := s.rdb.Get(ctx, userPositionsKey(userID)).Bytes(); err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}
	positions, err := s.primary.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, userPositionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached: low hit-rate or always-fresh reads) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return s.primary.GetAccount(ctx, id)
}

func (s *CachedStore) GetAccountByOwnerKind(ctx context.Context, ownerID string, kind model.AccountKind, currency string) (*model.Account, error) {
	return s.primary.GetAccountByOwnerKind(ctx, ownerID, kind, currency)
}

func (s *CachedStore) GetAccountLedger(ctx context.Context, accountID string, cur LedgerCursor) ([]model.LedgerEntry, error) {
	return s.primary.GetAccountLedger(ctx, accountID, cur)
}

func (s *CachedStore) GetTransaction(ctx context.Context, txnID string) ([]model.LedgerEntry, error) {
	return s.primary.GetTransaction(ctx, txnID)
}

func (s *CachedStore) GetIdempotency(ctx context.Context, scope, key string) (*model.IdempotencyRecord, error) {
	return s.primary.GetIdempotency(ctx, scope, key)
}

func (s *CachedStore) ListMarkets(ctx context.Context, category string) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, category)
}

func (s *CachedStore) GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.GetMarketPositions(ctx, marketID)
}

func (s *CachedStore) GetUserTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.primary.GetUserTrades(ctx, userID, limit)
}

func (s *CachedStore) GetMarketTrades(ctx context.Context, marketID string, limit int) ([]model.Trade, error) {
	return s.primary.GetMarketTrades(ctx, marketID, limit)
}

func (s *CachedStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return s.primary.GetWithdrawal(ctx, id)
}

func (s *CachedStore) GetUserWithdrawals(ctx context.Context, userID string) ([]model.Withdrawal, error) {
	return s.primary.GetUserWithdrawals(ctx, userID)
}

// CleanupExpiredIdempotency delegates to the primary store. Idempotency
// records are never cached, so there is nothing to invalidate here.
func (s *CachedStore) CleanupExpiredIdempotency(ctx context.Context, batchSize int) (int64, error) {
	return s.primary.CleanupExpiredIdempotency(ctx, batchSize)
}

// BeginTx delegates to the primary store, then invalidates every cache
// entry the transaction's writes may have touched. Invalidation is best
// effort and happens after commit; a failed fn never invalidates.
func (s *CachedStore) BeginTx(ctx context.Context, fn func(Tx) error) error {
	inval := &invalidatingTx{ctx: ctx, cache: s}
	err := s.primary.BeginTx(ctx, func(tx Tx) error {
		inval.Tx = tx
		return fn(inval)
	})
	if err != nil {
		return err
	}
	inval.flush()
	return nil
}

// invalidatingTx wraps the primary's Tx, recording which cache keys to
// drop once the enclosing transaction commits.
type invalidatingTx struct {
	Tx
	ctx     context.Context
	cache   *CachedStore
	markets []string
	slugs   []string
	lmsr    []string
	users   []string
	posKeys [][2]string
}

func (t *invalidatingTx) UpdateLMSRState(ctx context.Context, marketID string, qYes, qNo string) error {
	t.lmsr = append(t.lmsr, marketID)
	return t.Tx.UpdateLMSRState(ctx, marketID, qYes, qNo)
}

func (t *invalidatingTx) UpdateMarketStatus(ctx context.Context, marketID string, status model.MarketStatus, resolution model.Resolution) error {
	t.markets = append(t.markets, marketID)
	return t.Tx.UpdateMarketStatus(ctx, marketID, status, resolution)
}

func (t *invalidatingTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	t.posKeys = append(t.posKeys, [2]string{p.UserID, p.MarketID})
	t.users = append(t.users, p.UserID)
	return t.Tx.UpsertPosition(ctx, p)
}

func (t *invalidatingTx) CreateMarket(ctx context.Context, m *model.Market, lmsr *model.LMSRState) error {
	t.markets = append(t.markets, m.ID)
	t.slugs = append(t.slugs, m.Slug)
	return t.Tx.CreateMarket(ctx, m, lmsr)
}

func (t *invalidatingTx) flush() {
	for _, id := range t.markets {
		t.cache.rdb.Del(t.ctx, marketKey(id))
	}
	for _, slug := range t.slugs {
		t.cache.rdb.Del(t.ctx, slugKey(slug))
	}
	for _, id := range t.lmsr {
		t.cache.rdb.Del(t.ctx, lmsrKey(id))
	}
	for _, uid := range t.users {
		t.cache.rdb.Del(t.ctx, userPositionsKey(uid))
	}
	for _, pk := range t.posKeys {
		t.cache.rdb.Del(t.ctx, positionKey(pk[0], pk[1]))
	}
}

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string              { return fmt.Sprintf("market:%s", id) }
func slugKey(slug string) string              { return fmt.Sprintf("market:slug:%s", slug) }
func lmsrKey(marketID string) string          { return fmt.Sprintf("lmsr:%s", marketID) }
func userPositionsKey(uid string) string      { return fmt.Sprintf("positions:user:%s", uid) }
func positionKey(uid, marketID string) string { return fmt.Sprintf("position:%s:%s", uid, marketID) }
