package payments_test

import (
	"context"
	"testing"

	"github.com/atmx/predmkt-core/internal/gateway"
	"github.com/atmx/predmkt-core/internal/model"
	"github.com/atmx/predmkt-core/internal/payments"
	"github.com/atmx/predmkt-core/internal/store"
)

func fundAccount(t *testing.T, ms *store.MemoryStore, ownerID string, kind model.AccountKind, amountMinor int64) *model.Account {
	t.Helper()
	ctx := context.Background()
	var acct *model.Account
	err := ms.BeginTx(ctx, func(tx store.Tx) error {
		a, err := tx.CreateAccountIfAbsent(ctx, ownerID, kind, "USD")
		if err != nil {
			return err
		}
		if _, err := tx.LockAccount(ctx, a.ID); err != nil {
			return err
		}
		if err := tx.AdjustAccountBalance(ctx, a.ID, amountMinor, 0); err != nil {
			return err
		}
		acct = a
		return nil
	})
	if err != nil {
		t.Fatalf("fund account: %v", err)
	}
	return acct
}

func TestProcessPaymentEvent_DepositCreditsUserDebitsCustody(t *testing.T) {
	ms := store.NewMemoryStore()
	fundAccount(t, ms, "", model.AccountCustodyCash, 1000000)

	svc := payments.New(ms, gateway.NoopPaymentProvider{}, nil, nil, nil)
	ev := payments.ProviderEvent{
		EventID: "evt-1", Type: payments.EventDeposit, UserID: "user-1", AmountMinor: 5000,
		Payload: []byte("payload"), Signature: []byte("sig"),
	}
	result, err := svc.ProcessPaymentEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("process deposit event: %v", err)
	}
	if !result.Applied {
		t.Error("expected deposit to be applied")
	}

	userCash, err := ms.GetAccountByOwnerKind(context.Background(), "user-1", model.AccountUserCash, "USD")
	if err != nil {
		t.Fatalf("get user account: %v", err)
	}
	if userCash.AvailableMinor != 5000 {
		t.Errorf("expected user_cash credited 5000, got %d", userCash.AvailableMinor)
	}

	custody, err := ms.GetAccountByOwnerKind(context.Background(), "", model.AccountCustodyCash, "USD")
	if err != nil {
		t.Fatalf("get custody account: %v", err)
	}
	if custody.AvailableMinor != 1000000-5000 {
		t.Errorf("expected custody_cash debited to %d, got %d", 1000000-5000, custody.AvailableMinor)
	}
}

func TestProcessPaymentEvent_IsIdempotentOnRepeatEventID(t *testing.T) {
	ms := store.NewMemoryStore()
	fundAccount(t, ms, "", model.AccountCustodyCash, 1000000)
	svc := payments.New(ms, gateway.NoopPaymentProvider{}, nil, nil, nil)

	ev := payments.ProviderEvent{
		EventID: "evt-dup", Type: payments.EventDeposit, UserID: "user-1", AmountMinor: 2500,
		Payload: []byte("payload"), Signature: []byte("sig"),
	}
	if _, err := svc.ProcessPaymentEvent(context.Background(), ev); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if _, err := svc.ProcessPaymentEvent(context.Background(), ev); err != nil {
		t.Fatalf("second process: %v", err)
	}

	userCash, err := ms.GetAccountByOwnerKind(context.Background(), "user-1", model.AccountUserCash, "USD")
	if err != nil {
		t.Fatalf("get user account: %v", err)
	}
	if userCash.AvailableMinor != 2500 {
		t.Errorf("expected deposit applied exactly once (2500), got %d", userCash.AvailableMinor)
	}
}

func TestProcessPaymentEvent_RejectsBadSignature(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := payments.New(ms, rejectingProvider{}, nil, nil, nil)
	ev := payments.ProviderEvent{
		EventID: "evt-bad-sig", Type: payments.EventDeposit, UserID: "user-1", AmountMinor: 1000,
		Payload: []byte("payload"), Signature: []byte("bad"),
	}
	if _, err := svc.ProcessPaymentEvent(context.Background(), ev); err == nil {
		t.Fatal("expected signature verification failure")
	}
}

func TestProcessPaymentEvent_UnknownEventTypeIsNoOp(t *testing.T) {
	ms := store.NewMemoryStore()
	svc := payments.New(ms, gateway.NoopPaymentProvider{}, nil, nil, nil)
	ev := payments.ProviderEvent{
		EventID: "evt-unknown", Type: "some_future_event", UserID: "user-1",
		Payload: []byte("payload"), Signature: []byte("sig"),
	}
	result, err := svc.ProcessPaymentEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("process unknown event: %v", err)
	}
	if !result.NoOp {
		t.Error("expected an unrecognized event type to be recorded as a no-op")
	}
}

func TestRequestWithdrawal_MovesFundsToPending(t *testing.T) {
	ms := store.NewMemoryStore()
	fundAccount(t, ms, "user-1", model.AccountUserCash, 10000)
	svc := payments.New(ms, gateway.NoopPaymentProvider{}, nil, nil, nil)

	w, err := svc.RequestWithdrawal(context.Background(), "user-1", 4000)
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}
	if w.Status != model.WithdrawalRequested {
		t.Errorf("expected REQUESTED status, got %s", w.Status)
	}

	acct, err := ms.GetAccountByOwnerKind(context.Background(), "user-1", model.AccountUserCash, "USD")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.AvailableMinor != 6000 {
		t.Errorf("expected available 6000, got %d", acct.AvailableMinor)
	}
	if acct.PendingMinor != 4000 {
		t.Errorf("expected pending 4000, got %d", acct.PendingMinor)
	}
}

func TestRequestWithdrawal_RejectsInsufficientFunds(t *testing.T) {
	ms := store.NewMemoryStore()
	fundAccount(t, ms, "user-1", model.AccountUserCash, 1000)
	svc := payments.New(ms, gateway.NoopPaymentProvider{}, nil, nil, nil)

	if _, err := svc.RequestWithdrawal(context.Background(), "user-1", 5000); err == nil {
		t.Fatal("expected insufficient funds error")
	}
}

func TestApproveWithdrawal_PostsPendingToExternalBank(t *testing.T) {
	ms := store.NewMemoryStore()
	fundAccount(t, ms, "user-1", model.AccountUserCash, 10000)
	svc := payments.New(ms, gateway.NoopPaymentProvider{}, nil, nil, nil)

	w, err := svc.RequestWithdrawal(context.Background(), "user-1", 4000)
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}
	approved, err := svc.ApproveWithdrawal(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("approve withdrawal: %v", err)
	}
	if approved.Status != model.WithdrawalApproved {
		t.Errorf("expected APPROVED status, got %s", approved.Status)
	}

	acct, err := ms.GetAccountByOwnerKind(context.Background(), "user-1", model.AccountUserCash, "USD")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.PendingMinor != 0 {
		t.Errorf("expected pending released to 0, got %d", acct.PendingMinor)
	}
	if acct.AvailableMinor != 6000 {
		t.Errorf("expected available unchanged at 6000, got %d", acct.AvailableMinor)
	}

	externalBank, err := ms.GetAccountByOwnerKind(context.Background(), "", model.AccountExternalBank, "USD")
	if err != nil {
		t.Fatalf("get external_bank account: %v", err)
	}
	if externalBank.AvailableMinor != 4000 {
		t.Errorf("expected external_bank credited 4000, got %d", externalBank.AvailableMinor)
	}
}

func TestProcessPaymentEvent_PayoutCompletionFinalizesApprovedWithdrawal(t *testing.T) {
	ms := store.NewMemoryStore()
	fundAccount(t, ms, "user-1", model.AccountUserCash, 10000)
	svc := payments.New(ms, gateway.NoopPaymentProvider{}, nil, nil, nil)

	w, err := svc.RequestWithdrawal(context.Background(), "user-1", 4000)
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}
	if _, err := svc.ApproveWithdrawal(context.Background(), w.ID); err != nil {
		t.Fatalf("approve withdrawal: %v", err)
	}

	ev := payments.ProviderEvent{
		EventID: "evt-payout-1", Type: payments.EventPayoutCompleted, WithdrawalID: w.ID,
		Payload: []byte("payload"), Signature: []byte("sig"),
	}
	if _, err := svc.ProcessPaymentEvent(context.Background(), ev); err != nil {
		t.Fatalf("process payout completion: %v", err)
	}

	final, err := svc.GetWithdrawal(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("get withdrawal: %v", err)
	}
	if final.Status != model.WithdrawalCompleted {
		t.Errorf("expected COMPLETED status, got %s", final.Status)
	}
}

func TestRejectWithdrawal_ReturnsPendingToAvailable(t *testing.T) {
	ms := store.NewMemoryStore()
	fundAccount(t, ms, "user-1", model.AccountUserCash, 10000)
	svc := payments.New(ms, gateway.NoopPaymentProvider{}, nil, nil, nil)

	w, err := svc.RequestWithdrawal(context.Background(), "user-1", 4000)
	if err != nil {
		t.Fatalf("request withdrawal: %v", err)
	}
	rejected, err := svc.RejectWithdrawal(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("reject withdrawal: %v", err)
	}
	if rejected.Status != model.WithdrawalRejected {
		t.Errorf("expected REJECTED status, got %s", rejected.Status)
	}

	acct, err := ms.GetAccountByOwnerKind(context.Background(), "user-1", model.AccountUserCash, "USD")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.AvailableMinor != 10000 {
		t.Errorf("expected available restored to 10000, got %d", acct.AvailableMinor)
	}
	if acct.PendingMinor != 0 {
		t.Errorf("expected pending cleared, got %d", acct.PendingMinor)
	}
}

type rejectingProvider struct{}

func (rejectingProvider) VerifyWebhookSignature(payload, signature []byte) bool { return false }

func (rejectingProvider) InitiatePayout(ctx context.Context, withdrawalID, userID string, amountMinor int64) (string, error) {
	return "", nil
}
