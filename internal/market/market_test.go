package market_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/predmkt-core/internal/ledger"
	"github.com/atmx/predmkt-core/internal/market"
	"github.com/atmx/predmkt-core/internal/model"
	"github.com/atmx/predmkt-core/internal/store"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func newTestService(t *testing.T) (*market.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return market.New(ms), ms
}

func createDraft(t *testing.T, svc *market.Service, slug string) *model.Market {
	t.Helper()
	m, err := svc.Create(context.Background(), market.CreateParams{
		Slug:          slug,
		Title:         "Will it happen",
		Category:      "politics",
		MinTradeMinor: 100,
		OpenAt:        time.Now().Add(-time.Hour),
		CloseAt:       time.Now().Add(30 * 24 * time.Hour),
		CreatorID:     "admin-1",
		LiquidityB:    d(100),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return m
}

func TestCreate_RejectsInvalidSlug(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), market.CreateParams{
		Slug:       "Not Valid Slug!",
		Title:      "x",
		OpenAt:     time.Now(),
		CloseAt:    time.Now().Add(time.Hour),
		LiquidityB: d(100),
	})
	if err == nil {
		t.Fatal("expected error for invalid slug")
	}
}

func TestCreate_RejectsDuplicateSlug(t *testing.T) {
	svc, _ := newTestService(t)
	createDraft(t, svc, "same-slug")
	_, err := svc.Create(context.Background(), market.CreateParams{
		Slug:       "same-slug",
		Title:      "y",
		OpenAt:     time.Now(),
		CloseAt:    time.Now().Add(time.Hour),
		LiquidityB: d(100),
	})
	if err == nil {
		t.Fatal("expected error for duplicate slug")
	}
}

func seedHouseAccount(t *testing.T, ms *store.MemoryStore, ledgerSvc *ledger.Service, amountMinor int64) *model.Account {
	t.Helper()
	house, err := ledgerSvc.CreateAccount(context.Background(), "house", model.AccountCustodyCash, "USD")
	if err != nil {
		t.Fatalf("create house account: %v", err)
	}
	err = ms.BeginTx(context.Background(), func(tx store.Tx) error {
		if _, err := tx.LockAccount(context.Background(), house.ID); err != nil {
			return err
		}
		return tx.AdjustAccountBalance(context.Background(), house.ID, amountMinor, 0)
	})
	if err != nil {
		t.Fatalf("fund house account: %v", err)
	}
	return house
}

func TestSeed_TransitionsDraftToOpen(t *testing.T) {
	svc, ms := newTestService(t)
	m := createDraft(t, svc, "seed-test")
	ledgerSvc := ledger.New(ms)
	house := seedHouseAccount(t, ms, ledgerSvc, 100000)

	seeded, err := svc.Seed(context.Background(), m.ID, 50000, d(0.5), house.ID)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if seeded.Status != model.MarketOpen {
		t.Errorf("expected status OPEN, got %s", seeded.Status)
	}
}

func TestSeed_RejectsNonDraft(t *testing.T) {
	svc, ms := newTestService(t)
	m := createDraft(t, svc, "seed-twice")
	ledgerSvc := ledger.New(ms)
	house := seedHouseAccount(t, ms, ledgerSvc, 100000)

	if _, err := svc.Seed(context.Background(), m.ID, 50000, d(0.5), house.ID); err != nil {
		t.Fatalf("first seed: %v", err)
	}
	if _, err := svc.Seed(context.Background(), m.ID, 50000, d(0.5), house.ID); err == nil {
		t.Fatal("expected error seeding an already-OPEN market")
	}
}

func TestClose_RequiresOpen(t *testing.T) {
	svc, _ := newTestService(t)
	m := createDraft(t, svc, "close-test")
	if _, err := svc.Close(context.Background(), m.ID); err == nil {
		t.Fatal("expected error closing a DRAFT market")
	}
}

func TestLifecycle_DraftOpenClosedResolved(t *testing.T) {
	svc, ms := newTestService(t)
	m := createDraft(t, svc, "full-lifecycle")
	ledgerSvc := ledger.New(ms)
	house := seedHouseAccount(t, ms, ledgerSvc, 100000)

	if _, err := svc.Seed(context.Background(), m.ID, 50000, d(0.5), house.ID); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Close(context.Background(), m.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	resolved, err := svc.Resolve(context.Background(), m.ID, model.ResolutionYes)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != model.MarketResolved || resolved.Resolution != model.ResolutionYes {
		t.Errorf("expected RESOLVED/YES, got %s/%s", resolved.Status, resolved.Resolution)
	}
}

func TestResolve_RepeatSameOutcomeIsNoop(t *testing.T) {
	svc, ms := newTestService(t)
	m := createDraft(t, svc, "resolve-idempotent")
	ledgerSvc := ledger.New(ms)
	house := seedHouseAccount(t, ms, ledgerSvc, 100000)

	if _, err := svc.Seed(context.Background(), m.ID, 50000, d(0.5), house.ID); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Close(context.Background(), m.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.Resolve(context.Background(), m.ID, model.ResolutionNo); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := svc.Resolve(context.Background(), m.ID, model.ResolutionNo); err != nil {
		t.Errorf("expected repeat resolve with same outcome to be a no-op, got %v", err)
	}
}

func TestResolve_DifferentOutcomeFails(t *testing.T) {
	svc, ms := newTestService(t)
	m := createDraft(t, svc, "resolve-conflict")
	ledgerSvc := ledger.New(ms)
	house := seedHouseAccount(t, ms, ledgerSvc, 100000)

	if _, err := svc.Seed(context.Background(), m.ID, 50000, d(0.5), house.ID); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := svc.Close(context.Background(), m.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := svc.Resolve(context.Background(), m.ID, model.ResolutionYes); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := svc.Resolve(context.Background(), m.ID, model.ResolutionNo); err == nil {
		t.Fatal("expected error resolving with a conflicting outcome")
	}
}

func TestRequireOpenForTrading_RejectsOutsideWindow(t *testing.T) {
	m := &model.Market{
		Status:  model.MarketOpen,
		OpenAt:  time.Now().Add(time.Hour),
		CloseAt: time.Now().Add(2 * time.Hour),
	}
	if err := market.RequireOpenForTrading(m, time.Now()); err == nil {
		t.Fatal("expected error trading before open_at")
	}
}
