// Package ledger implements the double-entry, append-only accounting
// core: transaction posting, idempotency, and balance projection.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/predmkt-core/internal/coreerr"
	"github.com/atmx/predmkt-core/internal/model"
	"github.com/atmx/predmkt-core/internal/store"
)

var (
	// ErrConflict signals an idempotency key already in flight (no
	// stored response yet) — the caller must not retry blindly.
	ErrConflict = errors.New("ledger: idempotency conflict")
	// ErrUnbalanced signals a proposed transaction whose entries do
	// not sum to zero.
	ErrUnbalanced = errors.New("ledger: entries do not sum to zero")
	// ErrInvalidEntry signals a malformed entry: zero amount, equal
	// account/counter-account, empty description, or unknown kind.
	ErrInvalidEntry = errors.New("ledger: invalid entry")
	// ErrAccountNotFound signals a reference to a nonexistent account.
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// DefaultIdempotencyTTL is how long a completed idempotency record is
// retained before cleanup_expired_idempotency_keys may remove it.
const DefaultIdempotencyTTL = 72 * time.Hour

// EntryInput is one leg of a proposed transaction, prior to assignment
// of an ID and timestamp.
type EntryInput struct {
	AccountID        string
	CounterAccountID string
	UserID           string
	AmountMinor      int64
	Kind             model.LedgerEntryKind
	Description      string
}

// TxnResult is the outcome of a successful post_transaction call.
type TxnResult struct {
	TxnID   string              `json:"txn_id"`
	Entries []model.LedgerEntry `json:"entries"`
}

// Service is the ledger's public contract, backed by a store.Store.
type Service struct {
	db store.Store
}

// New constructs a ledger Service over the given store.
func New(db store.Store) *Service {
	return &Service{db: db}
}

// CreateAccount returns the existing account for (ownerID, kind,
// currency) or creates a new one — idempotent on that tuple.
func (s *Service) CreateAccount(ctx context.Context, ownerID string, kind model.AccountKind, currency string) (*model.Account, error) {
	var out *model.Account
	err := s.db.BeginTx(ctx, func(tx store.Tx) error {
		a, err := tx.CreateAccountIfAbsent(ctx, ownerID, kind, currency)
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PostTransaction posts a balanced transaction under (scope, idempotencyKey).
// On a replayed key with a stored response it returns that response
// verbatim with no side effects; on a key in flight without a response
// it fails ErrConflict.
func (s *Service) PostTransaction(ctx context.Context, entries []EntryInput, scope, idempotencyKey string) (*TxnResult, error) {
	if existing, err := s.db.GetIdempotency(ctx, scope, idempotencyKey); err == nil {
		if len(existing.ResponseBlob) == 0 {
			return nil, coreerr.New(coreerr.KindConcurrency, ErrConflict)
		}
		var cached TxnResult
		if err := json.Unmarshal(existing.ResponseBlob, &cached); err != nil {
			return nil, err
		}
		return &cached, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if err := validateEntries(entries); err != nil {
		return nil, err
	}

	txnID := uuid.NewString()
	now := time.Now()
	rows := make([]model.LedgerEntry, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, model.LedgerEntry{
			ID:               uuid.NewString(),
			TxnID:            txnID,
			AccountID:        e.AccountID,
			CounterAccountID: e.CounterAccountID,
			UserID:           e.UserID,
			AmountMinor:      e.AmountMinor,
			Kind:             e.Kind,
			Description:      e.Description,
			Timestamp:        now,
		})
	}
	result := &TxnResult{TxnID: txnID, Entries: rows}
	blob, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}

	err = s.db.BeginTx(ctx, func(tx store.Tx) error {
		rec := model.IdempotencyRecord{
			Scope:     scope,
			Key:       idempotencyKey,
			CreatedAt: now,
			ExpiresAt: now.Add(DefaultIdempotencyTTL),
		}
		if err := tx.PutIdempotency(ctx, rec); err != nil {
			return err
		}

		touched := map[string]int64{}
		for _, e := range entries {
			touched[e.AccountID] += e.AmountMinor
		}
		accountIDs := make([]string, 0, len(touched))
		for accountID := range touched {
			accountIDs = append(accountIDs, accountID)
		}
		sort.Strings(accountIDs)
		for _, accountID := range accountIDs {
			if _, err := tx.LockAccount(ctx, accountID); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return coreerr.New(coreerr.KindNotFound, ErrAccountNotFound)
				}
				return err
			}
			if err := tx.AdjustAccountBalance(ctx, accountID, touched[accountID], 0); err != nil {
				return err
			}
		}

		if err := tx.InsertLedgerEntries(ctx, rows); err != nil {
			return err
		}
		return tx.CompleteIdempotency(ctx, scope, idempotencyKey, blob)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func validateEntries(entries []EntryInput) error {
	if len(entries) < 2 {
		return coreerr.New(coreerr.KindValidation, ErrInvalidEntry)
	}
	var sum int64
	for _, e := range entries {
		if e.AmountMinor == 0 {
			return coreerr.New(coreerr.KindValidation, ErrInvalidEntry)
		}
		if e.AccountID == "" || e.AccountID == e.CounterAccountID {
			return coreerr.New(coreerr.KindValidation, ErrInvalidEntry)
		}
		if e.Description == "" {
			return coreerr.New(coreerr.KindValidation, ErrInvalidEntry)
		}
		switch e.Kind {
		case model.EntryDeposit, model.EntryWithdrawal, model.EntryTrade, model.EntryFee, model.EntrySettlement:
		default:
			return coreerr.New(coreerr.KindValidation, ErrInvalidEntry)
		}
		sum += e.AmountMinor
	}
	if sum != 0 {
		return coreerr.New(coreerr.KindValidation, ErrUnbalanced)
	}
	return nil
}

// GetTransaction returns every entry posted under one txn_id.
func (s *Service) GetTransaction(ctx context.Context, txnID string) ([]model.LedgerEntry, error) {
	return s.db.GetTransaction(ctx, txnID)
}

// GetAccountLedger is a read-only, cursor-paginated projection.
func (s *Service) GetAccountLedger(ctx context.Context, accountID string, cur store.LedgerCursor) ([]model.LedgerEntry, error) {
	return s.db.GetAccountLedger(ctx, accountID, cur)
}

// GetAccountBalance returns an account's current available/pending
// balances as persisted. Reconciliation against the full ledger history
// is performed by ReconcileAccountBalance, not this fast path.
func (s *Service) GetAccountBalance(ctx context.Context, accountID string) (*model.Account, error) {
	return s.db.GetAccount(ctx, accountID)
}

// ReconcileAccountBalance recomputes available_minor from the full
// entry history for accountID and reports whether it matches the
// persisted balance.
func (s *Service) ReconcileAccountBalance(ctx context.Context, accountID string) (recomputed int64, matches bool, err error) {
	acct, err := s.db.GetAccount(ctx, accountID)
	if err != nil {
		return 0, false, err
	}
	entries, err := s.db.GetAccountLedger(ctx, accountID, store.LedgerCursor{})
	if err != nil {
		return 0, false, err
	}
	var sum int64
	for _, e := range entries {
		sum += e.AmountMinor
	}
	return sum, sum == acct.AvailableMinor, nil
}

// CleanupExpiredIdempotencyKeys deletes one batch of at most batchSize
// idempotency records whose expires_at has passed, returning the number
// removed by that batch.
func (s *Service) CleanupExpiredIdempotencyKeys(ctx context.Context, batchSize int) (int64, error) {
	return s.db.CleanupExpiredIdempotency(ctx, batchSize)
}

// StartIdempotencyCleanupWorker runs CleanupExpiredIdempotencyKeys on
// interval until ctx is cancelled, draining each batch fully before
// waiting for the next tick.
func (s *Service) StartIdempotencyCleanupWorker(ctx context.Context, interval time.Duration, batchSize int, onResult func(deleted int64, err error)) {
	if interval <= 0 {
		return
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for {
					deleted, err := s.CleanupExpiredIdempotencyKeys(ctx, batchSize)
					if onResult != nil {
						onResult(deleted, err)
					}
					if err != nil || deleted < int64(batchSize) {
						break
					}
				}
			}
		}
	}()
}
