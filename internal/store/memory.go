package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predmkt-core/internal/model"
)

// errIdempotencyExists signals a (scope, key) collision to PutIdempotency
// callers; the ledger package maps this onto its own Conflict error.
var errIdempotencyExists = errors.New("store: idempotency key exists")

// ErrIdempotencyExists is the exported form of the same condition, for
// PostgresStore parity.
var ErrIdempotencyExists = errIdempotencyExists

// MemoryStore is an in-process test double implementing Store. A single
// mutex serializes all access — sufficient for tests, which exercise
// concurrency at the call-sequencing level rather than true parallel
// transactions (PostgresStore provides the real serializable isolation).
type MemoryStore struct {
	mu sync.Mutex

	accounts     map[string]*model.Account
	ledger       []model.LedgerEntry
	idempotency  map[string]model.IdempotencyRecord
	markets      map[string]*model.Market
	lmsrStates   map[string]*model.LMSRState
	positions    map[string]*model.Position
	trades       []model.Trade
	withdrawals  map[string]*model.Withdrawal
	auditEntries []model.AdminAuditEntry
	amlEvents    []model.AMLEvent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*model.Account),
		idempotency: make(map[string]model.IdempotencyRecord),
		markets:     make(map[string]*model.Market),
		lmsrStates:  make(map[string]*model.LMSRState),
		positions:   make(map[string]*model.Position),
		withdrawals: make(map[string]*model.Withdrawal),
	}
}

func idemKey(scope, key string) string      { return scope + "|" + key }
func posKey(userID, marketID string) string { return userID + "|" + marketID }

// --- Store (read side) ---

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetAccountByOwnerKind(ctx context.Context, ownerID string, kind model.AccountKind, currency string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.OwnerID == ownerID && a.Kind == kind && a.Currency == currency {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetAccountLedger(ctx context.Context, accountID string, cur LedgerCursor) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID != accountID {
			continue
		}
		if cur.Kind != "" && e.Kind != cur.Kind {
			continue
		}
		if !cur.From.IsZero() && e.Timestamp.Before(cur.From) {
			continue
		}
		if !cur.To.IsZero() && e.Timestamp.After(cur.To) {
			continue
		}
		out = append(out, e)
		if cur.Limit > 0 && len(out) >= cur.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, txnID string) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.TxnID == txnID {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *MemoryStore) GetIdempotency(ctx context.Context, scope, key string) (*model.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idempotency[idemKey(scope, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := rec
	return &cp, nil
}

func (s *MemoryStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.markets {
		if m.Slug == slug {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListMarkets(ctx context.Context, category string) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Market
	for _, m := range s.markets {
		if category != "" && m.Category != category {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *MemoryStore) GetLMSRState(ctx context.Context, marketID string) (*model.LMSRState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.lmsrStates[marketID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[posKey(userID, marketID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetUserTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].UserID == userID {
			out = append(out, s.trades[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) GetMarketTrades(ctx context.Context, marketID string, limit int) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].MarketID == marketID {
			out = append(out, s.trades[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetUserWithdrawals(ctx context.Context, userID string) ([]model.Withdrawal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Withdrawal
	for _, w := range s.withdrawals {
		if w.UserID == userID {
			out = append(out, *w)
		}
	}
	return out, nil
}

// CleanupExpiredIdempotency deletes expired idempotency records.
func (s *MemoryStore) CleanupExpiredIdempotency(ctx context.Context, batchSize int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var deleted int64
	for k, rec := range s.idempotency {
		if batchSize > 0 && deleted >= int64(batchSize) {
			break
		}
		if rec.ExpiresAt.Before(now) {
			delete(s.idempotency, k)
			deleted++
		}
	}
	return deleted, nil
}

// BeginTx runs fn against the same store under the single mutex. There
// is no real serialization conflict to retry in-memory; fn's error (if
// any) is returned as-is.
func (s *MemoryStore) BeginTx(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{s: s}
	return fn(tx)
}

// memTx is the Tx implementation backing MemoryStore.BeginTx. It
// operates directly on the parent store's maps; the caller already
// holds s.mu for the duration of the enclosing BeginTx call.
type memTx struct {
	s *MemoryStore
}

func (t *memTx) CreateAccountIfAbsent(ctx context.Context, ownerID string, kind model.AccountKind, currency string) (*model.Account, error) {
	for _, a := range t.s.accounts {
		if a.OwnerID == ownerID && a.Kind == kind && a.Currency == currency {
			cp := *a
			return &cp, nil
		}
	}
	now := time.Now()
	a := &model.Account{
		ID:        uuid.NewString(),
		Kind:      kind,
		OwnerID:   ownerID,
		Currency:  currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.s.accounts[a.ID] = a
	cp := *a
	return &cp, nil
}

func (t *memTx) LockAccount(ctx context.Context, id string) (*model.Account, error) {
	a, ok := t.s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) AdjustAccountBalance(ctx context.Context, id string, availableDelta, pendingDelta int64) error {
	a, ok := t.s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	a.AvailableMinor += availableDelta
	a.PendingMinor += pendingDelta
	a.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) InsertLedgerEntries(ctx context.Context, entries []model.LedgerEntry) error {
	t.s.ledger = append(t.s.ledger, entries...)
	return nil
}

func (t *memTx) PutIdempotency(ctx context.Context, rec model.IdempotencyRecord) error {
	k := idemKey(rec.Scope, rec.Key)
	if _, exists := t.s.idempotency[k]; exists {
		return errIdempotencyExists
	}
	t.s.idempotency[k] = rec
	return nil
}

func (t *memTx) CompleteIdempotency(ctx context.Context, scope, key string, responseBlob []byte) error {
	k := idemKey(scope, key)
	rec, ok := t.s.idempotency[k]
	if !ok {
		return ErrNotFound
	}
	rec.ResponseBlob = responseBlob
	t.s.idempotency[k] = rec
	return nil
}

func (t *memTx) CreateMarket(ctx context.Context, m *model.Market, lmsr *model.LMSRState) error {
	cp := *m
	t.s.markets[m.ID] = &cp
	lcp := *lmsr
	t.s.lmsrStates[m.ID] = &lcp
	return nil
}

func (t *memTx) LockLMSRState(ctx context.Context, marketID string) (*model.LMSRState, error) {
	st, ok := t.s.lmsrStates[marketID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (t *memTx) UpdateLMSRState(ctx context.Context, marketID string, qYes, qNo string) error {
	st, ok := t.s.lmsrStates[marketID]
	if !ok {
		return ErrNotFound
	}
	qy, err := decimal.NewFromString(qYes)
	if err != nil {
		return err
	}
	qn, err := decimal.NewFromString(qNo)
	if err != nil {
		return err
	}
	st.QYes = qy
	st.QNo = qn
	st.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) UpdateMarketStatus(ctx context.Context, marketID string, status model.MarketStatus, resolution model.Resolution) error {
	m, ok := t.s.markets[marketID]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	if resolution != "" {
		m.Resolution = resolution
	}
	m.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, ok := t.s.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (t *memTx) LockPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	k := posKey(userID, marketID)
	p, ok := t.s.positions[k]
	if !ok {
		p = &model.Position{UserID: userID, MarketID: marketID, UpdatedAt: time.Now()}
		t.s.positions[k] = p
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	cp := *p
	cp.UpdatedAt = time.Now()
	t.s.positions[posKey(p.UserID, p.MarketID)] = &cp
	return nil
}

func (t *memTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	t.s.trades = append(t.s.trades, *tr)
	return nil
}

func (t *memTx) CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error {
	cp := *w
	t.s.withdrawals[w.ID] = &cp
	return nil
}

func (t *memTx) LockWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	w, ok := t.s.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (t *memTx) UpdateWithdrawalStatus(ctx context.Context, id string, status model.WithdrawalStatus) error {
	w, ok := t.s.withdrawals[id]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return nil
}

func (t *memTx) InsertAuditEntry(ctx context.Context, e *model.AdminAuditEntry) error {
	t.s.auditEntries = append(t.s.auditEntries, *e)
	return nil
}

func (t *memTx) InsertAMLEvent(ctx context.Context, e *model.AMLEvent) error {
	t.s.amlEvents = append(t.s.amlEvents, *e)
	return nil
}
