// Package store defines the persistence interface for the trading and
// accounting core. Implementations include PostgreSQL (source of
// truth), Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/predmkt-core/internal/model"
)

// ErrNotFound is returned when a lookup by id/slug/scope+key finds
// nothing.
var ErrNotFound = errors.New("store: not found")

// LedgerCursor paginates get_account_ledger reads.
type LedgerCursor struct {
	After string
	Limit int
	Kind  model.LedgerEntryKind // empty = any
	From  time.Time
	To    time.Time
}

// Store is the read-side persistence interface shared by every tier
// (Postgres, Redis-cached, in-memory). Mutations that must be atomic
// across entities go through Tx, obtained via BeginTx.
type Store interface {
	// --- accounts ---
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	GetAccountByOwnerKind(ctx context.Context, ownerID string, kind model.AccountKind, currency string) (*model.Account, error)
	GetAccountLedger(ctx context.Context, accountID string, cur LedgerCursor) ([]model.LedgerEntry, error)

	// --- ledger ---
	GetTransaction(ctx context.Context, txnID string) ([]model.LedgerEntry, error)

	// --- idempotency ---
	GetIdempotency(ctx context.Context, scope, key string) (*model.IdempotencyRecord, error)

	// --- markets ---
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error)
	ListMarkets(ctx context.Context, category string) ([]model.Market, error)
	GetLMSRState(ctx context.Context, marketID string) (*model.LMSRState, error)

	// --- positions ---
	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)
	GetUserPositions(ctx context.Context, userID string) ([]model.Position, error)
	GetMarketPositions(ctx context.Context, marketID string) ([]model.Position, error)

	// --- trades ---
	GetUserTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error)
	GetMarketTrades(ctx context.Context, marketID string, limit int) ([]model.Trade, error)

	// --- withdrawals ---
	GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)
	GetUserWithdrawals(ctx context.Context, userID string) ([]model.Withdrawal, error)

	// BeginTx opens an atomic unit of work at serializable isolation.
	// fn runs fn(tx); on a serialization failure the call is retried
	// per the fixed backoff schedule before surfacing ErrSerialization.
	BeginTx(ctx context.Context, fn func(Tx) error) error

	// CleanupExpiredIdempotency deletes idempotency records whose
	// expires_at has passed, up to batchSize rows, returning the
	// count removed. Periodic maintenance, not part of any trading
	// transaction.
	CleanupExpiredIdempotency(ctx context.Context, batchSize int) (int64, error)
}

// Tx is the write surface available inside BeginTx. Every method here
// participates in the enclosing transaction; none of them commits on
// its own.
type Tx interface {
	// CreateAccountIfAbsent returns the existing account for
	// (ownerID, kind, currency) or creates and returns a new one —
	// idempotent on that tuple.
	CreateAccountIfAbsent(ctx context.Context, ownerID string, kind model.AccountKind, currency string) (*model.Account, error)

	// LockAccount takes a row lock on an account for the duration of
	// the transaction, returning its current balances. Callers must
	// lock accounts touched by a transaction in ascending id order.
	LockAccount(ctx context.Context, id string) (*model.Account, error)

	// AdjustAccountBalance applies a signed delta to available_minor
	// (and, if pendingDelta != 0, to pending_minor) for an account
	// already locked in this transaction.
	AdjustAccountBalance(ctx context.Context, id string, availableDelta, pendingDelta int64) error

	// InsertLedgerEntries appends the entries of one txn_id. Callers
	// must ensure Σ amount_minor == 0 before calling.
	InsertLedgerEntries(ctx context.Context, entries []model.LedgerEntry) error

	// PutIdempotency inserts a new idempotency record, failing with
	// ErrIdempotencyExists if (scope, key) already exists.
	PutIdempotency(ctx context.Context, rec model.IdempotencyRecord) error

	// CompleteIdempotency stamps a previously-inserted in-flight record
	// with its final response payload.
	CompleteIdempotency(ctx context.Context, scope, key string, responseBlob []byte) error

	// CreateMarket inserts a new DRAFT market and its LMSR state.
	CreateMarket(ctx context.Context, m *model.Market, lmsr *model.LMSRState) error

	// LockLMSRState takes a row lock on a market's LMSR state for the
	// duration of the transaction.
	LockLMSRState(ctx context.Context, marketID string) (*model.LMSRState, error)

	// UpdateLMSRState persists advanced (q_yes, q_no) for a locked
	// market's state.
	UpdateLMSRState(ctx context.Context, marketID string, qYes, qNo string) error

	// UpdateMarketStatus performs one lifecycle transition.
	UpdateMarketStatus(ctx context.Context, marketID string, status model.MarketStatus, resolution model.Resolution) error

	// GetMarket re-reads a market inside the transaction (no lock; the
	// lifecycle is serialized through UpdateMarketStatus's own row
	// lock acquisition).
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// LockPosition takes a row lock on (or lazily creates) a user's
	// position in a market.
	LockPosition(ctx context.Context, userID, marketID string) (*model.Position, error)

	// UpsertPosition persists an updated position row.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// InsertTrade appends an immutable trade row.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// CreateWithdrawal inserts a new REQUESTED withdrawal row.
	CreateWithdrawal(ctx context.Context, w *model.Withdrawal) error

	// LockWithdrawal takes a row lock on a withdrawal for a status
	// transition.
	LockWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error)

	// UpdateWithdrawalStatus persists a withdrawal's new status.
	UpdateWithdrawalStatus(ctx context.Context, id string, status model.WithdrawalStatus) error

	// InsertAuditEntry appends one admin-audit-log row.
	InsertAuditEntry(ctx context.Context, e *model.AdminAuditEntry) error

	// InsertAMLEvent appends one compliance gate consultation record.
	InsertAMLEvent(ctx context.Context, e *model.AMLEvent) error
}
