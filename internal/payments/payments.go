// Package payments bridges the core to an external payment provider:
// inbound webhook ingestion for deposits and payout confirmations, and
// the two-phase withdrawal flow (available → pending → external_bank).
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/predmkt-core/internal/coreerr"
	"github.com/atmx/predmkt-core/internal/gateway"
	"github.com/atmx/predmkt-core/internal/metrics"
	"github.com/atmx/predmkt-core/internal/model"
	"github.com/atmx/predmkt-core/internal/store"
)

var (
	ErrInvalidSignature     = errors.New("payments: webhook signature verification failed")
	ErrConflict             = errors.New("payments: idempotency conflict")
	ErrUnknownEventType     = errors.New("payments: unrecognized provider event type")
	ErrInsufficientFunds    = errors.New("payments: insufficient available funds")
	ErrInvalidWithdrawal    = errors.New("payments: withdrawal is not in the required state for this action")
	ErrWithdrawalNotPending = errors.New("payments: payout completion event references a withdrawal that was never approved")
	ErrKycNotEligible       = errors.New("payments: user has not passed KYC")
	ErrForbidden            = errors.New("payments: action blocked by compliance gate")
)

// EventType enumerates the provider event kinds process_payment_event
// recognizes.
type EventType string

const (
	EventDeposit         EventType = "deposit"
	EventPayoutCompleted EventType = "payout_completed"
)

// ProviderEvent is the normalized shape of an inbound payment webhook,
// after the transport layer has parsed the provider's wire format.
type ProviderEvent struct {
	EventID      string
	Type         EventType
	UserID       string
	AmountMinor  int64
	WithdrawalID string
	Payload      []byte
	Signature    []byte
}

// EventResult is process_payment_event's idempotent, replayable result.
type EventResult struct {
	EventID string `json:"event_id"`
	Applied bool   `json:"applied"`
	NoOp    bool   `json:"no_op,omitempty"`
}

// Service is the payments bridge's public contract.
type Service struct {
	db       store.Store
	provider gateway.PaymentProvider
	kyc      gateway.KycGate
	aml      gateway.AmlMonitor
	rg       gateway.RgGate
}

// New constructs a payments Service. provider, kyc, aml, and rg may each
// be nil, in which case they default to permissive no-op doubles.
func New(db store.Store, provider gateway.PaymentProvider, kyc gateway.KycGate, aml gateway.AmlMonitor, rg gateway.RgGate) *Service {
	if provider == nil {
		provider = gateway.NoopPaymentProvider{}
	}
	if kyc == nil {
		kyc = gateway.NoopKycGate{}
	}
	if aml == nil {
		aml = gateway.NoopAmlMonitor{}
	}
	if rg == nil {
		rg = gateway.NoopRgGate{}
	}
	return &Service{db: db, provider: provider, kyc: kyc, aml: aml, rg: rg}
}

// checkCompliance consults KYC eligibility and the AML monitor for
// action, persisting the AML consultation via tx.InsertAMLEvent. It
// returns a coreerr.KindCompliance error if the user is not
// KYC-eligible or the AML decision is BLOCK.
func (s *Service) checkCompliance(ctx context.Context, tx store.Tx, userID, action string, amountMinor int64, now time.Time) error {
	eligible, err := s.kyc.CheckUser(ctx, userID)
	if err != nil {
		return err
	}
	if !eligible {
		return coreerr.New(coreerr.KindCompliance, ErrKycNotEligible)
	}

	decision, reasons, err := s.aml.MonitorAction(ctx, userID, action, amountMinor)
	if err != nil {
		return err
	}
	if err := tx.InsertAMLEvent(ctx, &model.AMLEvent{
		ID: uuid.NewString(), UserID: userID, Action: action,
		Decision: decision, Reasons: reasons, Timestamp: now,
	}); err != nil {
		return err
	}
	if decision == model.AMLBlock {
		return coreerr.New(coreerr.KindCompliance, fmt.Errorf("%w: %v", ErrForbidden, reasons))
	}
	return nil
}

func webhookKey(eventID string) string {
	return fmt.Sprintf("payment:%s", eventID)
}

// ProcessPaymentEvent ingests one provider webhook: verifies its
// signature, dedupes on `payment:{event_id}` in the payment_webhook
// scope, and applies a deposit credit or a payout-completion status
// transition. Unknown event types are recorded as no-op idempotent rows
// rather than rejected, so a provider adding new event kinds cannot
// retry itself into a failure loop.
func (s *Service) ProcessPaymentEvent(ctx context.Context, ev ProviderEvent) (*EventResult, error) {
	if !s.provider.VerifyWebhookSignature(ev.Payload, ev.Signature) {
		return nil, coreerr.New(coreerr.KindValidation, ErrInvalidSignature)
	}

	scope := "payment_webhook"
	key := webhookKey(ev.EventID)
	if existing, err := s.db.GetIdempotency(ctx, scope, key); err == nil {
		if len(existing.ResponseBlob) == 0 {
			return nil, coreerr.New(coreerr.KindConcurrency, ErrConflict)
		}
		var cached EventResult
		if err := json.Unmarshal(existing.ResponseBlob, &cached); err != nil {
			return nil, err
		}
		return &cached, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	var result *EventResult
	err := s.db.BeginTx(ctx, func(tx store.Tx) error {
		now := time.Now()
		rec := model.IdempotencyRecord{Scope: scope, Key: key, CreatedAt: now, ExpiresAt: now.Add(72 * time.Hour)}
		if err := tx.PutIdempotency(ctx, rec); err != nil {
			return err
		}

		var err error
		switch ev.Type {
		case EventDeposit:
			err = s.applyDeposit(ctx, tx, ev, now)
			result = &EventResult{EventID: ev.EventID, Applied: true}
		case EventPayoutCompleted:
			err = s.applyPayoutCompletion(ctx, tx, ev)
			result = &EventResult{EventID: ev.EventID, Applied: true}
		default:
			result = &EventResult{EventID: ev.EventID, NoOp: true}
		}
		if err != nil {
			return err
		}

		blob, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return tx.CompleteIdempotency(ctx, scope, key, blob)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyDeposit posts the deposit's ledger transaction: credit user_cash,
// debit custody_cash, per spec.
func (s *Service) applyDeposit(ctx context.Context, tx store.Tx, ev ProviderEvent, now time.Time) error {
	if err := s.checkCompliance(ctx, tx, ev.UserID, "deposit", ev.AmountMinor, now); err != nil {
		return err
	}

	userCash, err := tx.CreateAccountIfAbsent(ctx, ev.UserID, model.AccountUserCash, "USD")
	if err != nil {
		return err
	}
	custody, err := tx.CreateAccountIfAbsent(ctx, "", model.AccountCustodyCash, "USD")
	if err != nil {
		return err
	}
	ids := []string{userCash.ID, custody.ID}
	sort.Strings(ids)
	for _, id := range ids {
		if _, err := tx.LockAccount(ctx, id); err != nil {
			return err
		}
	}

	if err := tx.AdjustAccountBalance(ctx, userCash.ID, ev.AmountMinor, 0); err != nil {
		return err
	}
	if err := tx.AdjustAccountBalance(ctx, custody.ID, -ev.AmountMinor, 0); err != nil {
		return err
	}

	txnID := uuid.NewString()
	if err := tx.InsertLedgerEntries(ctx, []model.LedgerEntry{
		{ID: uuid.NewString(), TxnID: txnID, AccountID: userCash.ID, CounterAccountID: custody.ID, UserID: ev.UserID,
			AmountMinor: ev.AmountMinor, Kind: model.EntryDeposit, Description: "provider deposit", Timestamp: now},
		{ID: uuid.NewString(), TxnID: txnID, AccountID: custody.ID, CounterAccountID: userCash.ID, UserID: ev.UserID,
			AmountMinor: -ev.AmountMinor, Kind: model.EntryDeposit, Description: "provider deposit", Timestamp: now},
	}); err != nil {
		return err
	}
	metrics.LedgerEntriesTotal.WithLabelValues(string(model.EntryDeposit)).Add(2)
	return nil
}

// applyPayoutCompletion finalizes a withdrawal the provider confirms it
// has paid out. The pending→external_bank ledger entries were already
// posted at approval time (ApproveWithdrawal); this only transitions
// status so a second confirmation is a no-op.
func (s *Service) applyPayoutCompletion(ctx context.Context, tx store.Tx, ev ProviderEvent) error {
	w, err := tx.LockWithdrawal(ctx, ev.WithdrawalID)
	if err != nil {
		return err
	}
	if w.Status == model.WithdrawalCompleted {
		return nil
	}
	if w.Status != model.WithdrawalApproved {
		return coreerr.New(coreerr.KindState, ErrWithdrawalNotPending)
	}
	return tx.UpdateWithdrawalStatus(ctx, ev.WithdrawalID, model.WithdrawalCompleted)
}

// RequestWithdrawal locks funds by moving amountMinor from available to
// pending, and creates a REQUESTED withdrawal row.
func (s *Service) RequestWithdrawal(ctx context.Context, userID string, amountMinor int64) (*model.Withdrawal, error) {
	if amountMinor <= 0 {
		return nil, coreerr.New(coreerr.KindValidation, fmt.Errorf("payments: withdrawal amount must be positive, got %d", amountMinor))
	}

	var w *model.Withdrawal
	err := s.db.BeginTx(ctx, func(tx store.Tx) error {
		now := time.Now()
		if err := s.checkCompliance(ctx, tx, userID, "withdrawal", amountMinor, now); err != nil {
			return err
		}
		if err := s.rg.ValidateAction(ctx, userID, "withdrawal", amountMinor); err != nil {
			return coreerr.New(coreerr.KindCompliance, err)
		}

		userCash, err := tx.CreateAccountIfAbsent(ctx, userID, model.AccountUserCash, "USD")
		if err != nil {
			return err
		}
		locked, err := tx.LockAccount(ctx, userCash.ID)
		if err != nil {
			return err
		}
		if locked.AvailableMinor < amountMinor {
			return coreerr.New(coreerr.KindValidation, ErrInsufficientFunds)
		}
		if err := tx.AdjustAccountBalance(ctx, userCash.ID, -amountMinor, amountMinor); err != nil {
			return err
		}

		w = &model.Withdrawal{
			ID: uuid.NewString(), UserID: userID, AmountMinor: amountMinor,
			Status: model.WithdrawalRequested, CreatedAt: now, UpdatedAt: now,
		}
		return tx.CreateWithdrawal(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ApproveWithdrawal is the admin-gated action that initiates the
// external payout and posts the ledger transaction that debits the
// user's pending sub-ledger and credits external_bank.
func (s *Service) ApproveWithdrawal(ctx context.Context, withdrawalID string) (*model.Withdrawal, error) {
	var result *model.Withdrawal
	err := s.db.BeginTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if w.Status != model.WithdrawalRequested {
			return coreerr.New(coreerr.KindState, ErrInvalidWithdrawal)
		}

		if err := s.checkCompliance(ctx, tx, w.UserID, "withdrawal_approved", w.AmountMinor, time.Now()); err != nil {
			return err
		}

		userCash, err := tx.CreateAccountIfAbsent(ctx, w.UserID, model.AccountUserCash, "USD")
		if err != nil {
			return err
		}
		externalBank, err := tx.CreateAccountIfAbsent(ctx, "", model.AccountExternalBank, "USD")
		if err != nil {
			return err
		}
		ids := []string{userCash.ID, externalBank.ID}
		sort.Strings(ids)
		for _, id := range ids {
			if _, err := tx.LockAccount(ctx, id); err != nil {
				return err
			}
		}

		if _, err := s.provider.InitiatePayout(ctx, withdrawalID, w.UserID, w.AmountMinor); err != nil {
			return coreerr.New(coreerr.KindExternal, err)
		}

		if err := tx.AdjustAccountBalance(ctx, userCash.ID, 0, -w.AmountMinor); err != nil {
			return err
		}
		if err := tx.AdjustAccountBalance(ctx, externalBank.ID, w.AmountMinor, 0); err != nil {
			return err
		}

		now := time.Now()
		txnID := uuid.NewString()
		if err := tx.InsertLedgerEntries(ctx, []model.LedgerEntry{
			{ID: uuid.NewString(), TxnID: txnID, AccountID: externalBank.ID, CounterAccountID: userCash.ID, UserID: w.UserID,
				AmountMinor: w.AmountMinor, Kind: model.EntryWithdrawal, Description: "withdrawal payout", Timestamp: now},
			{ID: uuid.NewString(), TxnID: txnID, AccountID: userCash.ID, CounterAccountID: externalBank.ID, UserID: w.UserID,
				AmountMinor: -w.AmountMinor, Kind: model.EntryWithdrawal, Description: "withdrawal payout", Timestamp: now},
		}); err != nil {
			return err
		}
		metrics.LedgerEntriesTotal.WithLabelValues(string(model.EntryWithdrawal)).Add(2)

		if err := tx.UpdateWithdrawalStatus(ctx, withdrawalID, model.WithdrawalApproved); err != nil {
			return err
		}
		result, err = tx.LockWithdrawal(ctx, withdrawalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RejectWithdrawal returns a REQUESTED withdrawal's funds from pending
// back to available.
func (s *Service) RejectWithdrawal(ctx context.Context, withdrawalID string) (*model.Withdrawal, error) {
	var result *model.Withdrawal
	err := s.db.BeginTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if w.Status != model.WithdrawalRequested {
			return coreerr.New(coreerr.KindState, ErrInvalidWithdrawal)
		}
		userCash, err := tx.CreateAccountIfAbsent(ctx, w.UserID, model.AccountUserCash, "USD")
		if err != nil {
			return err
		}
		if _, err := tx.LockAccount(ctx, userCash.ID); err != nil {
			return err
		}
		if err := tx.AdjustAccountBalance(ctx, userCash.ID, w.AmountMinor, -w.AmountMinor); err != nil {
			return err
		}
		if err := tx.UpdateWithdrawalStatus(ctx, withdrawalID, model.WithdrawalRejected); err != nil {
			return err
		}
		result, err = tx.LockWithdrawal(ctx, withdrawalID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetWithdrawal and GetUserWithdrawals are thin store passthroughs.
func (s *Service) GetWithdrawal(ctx context.Context, id string) (*model.Withdrawal, error) {
	return s.db.GetWithdrawal(ctx, id)
}

func (s *Service) GetUserWithdrawals(ctx context.Context, userID string) ([]model.Withdrawal, error) {
	return s.db.GetUserWithdrawals(ctx, userID)
}
