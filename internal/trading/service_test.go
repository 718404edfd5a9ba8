package trading_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/predmkt-core/internal/market"
	"github.com/atmx/predmkt-core/internal/model"
	"github.com/atmx/predmkt-core/internal/quote"
	"github.com/atmx/predmkt-core/internal/store"
	"github.com/atmx/predmkt-core/internal/trading"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var testHMACKey = []byte("test-only-hmac-key")

func newTestEnv(t *testing.T) (*store.MemoryStore, *market.Service, *trading.Quoter, *trading.Service) {
	t.Helper()
	ms := store.NewMemoryStore()
	marketSvc := market.New(ms)
	quoter := trading.NewQuoter(ms, testHMACKey, 15)
	tradingSvc := trading.New(ms, trading.Deps{
		HMACKey: testHMACKey,
		FeeBps:  50,
		SlippageTolerance: func(costMinor int64) int64 {
			pct := costMinor / 100
			if pct < 2 {
				return 2
			}
			return pct
		},
	})
	return ms, marketSvc, quoter, tradingSvc
}

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

func seedOpenMarket(t *testing.T, ms *store.MemoryStore, marketSvc *market.Service, slug string) *model.Market {
	t.Helper()
	ctx := context.Background()
	m, err := marketSvc.Create(ctx, market.CreateParams{
		Slug:       slug,
		Title:      "test market",
		OpenAt:     time.Now().Add(-time.Hour),
		CloseAt:    time.Now().Add(30 * 24 * time.Hour),
		LiquidityB: d(100),
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	house := fundAccount(t, ms, "house", model.AccountCustodyCash, 1000000)
	seeded, err := marketSvc.Seed(ctx, m.ID, 100000, d(0.5), house.ID)
	if err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return seeded
}

func TestGenerateQuote_PricesBuyYes(t *testing.T) {
	ms, marketSvc, quoter, _ := newTestEnv(t)
	m := seedOpenMarket(t, ms, marketSvc, "quote-buy")

	env, err := quoter.GenerateQuote(context.Background(), m.ID, "YES", "BUY", d(10))
	if err != nil {
		t.Fatalf("generate quote: %v", err)
	}
	if env.CostMinor <= 0 {
		t.Errorf("expected positive cost for a buy, got %d", env.CostMinor)
	}
	if env.Signature == "" {
		t.Error("expected a non-empty signature")
	}
}

func TestExecuteTrade_BuyDebitsUserAndCreditsFeeRevenue(t *testing.T) {
	ms, marketSvc, quoter, tradingSvc := newTestEnv(t)
	m := seedOpenMarket(t, ms, marketSvc, "execute-buy")
	userCash := fundAccount(t, ms, "user-1", model.AccountUserCash, 100000)

	env, err := quoter.GenerateQuote(context.Background(), m.ID, "YES", "BUY", d(10))
	if err != nil {
		t.Fatalf("generate quote: %v", err)
	}

	result, err := tradingSvc.ExecuteTrade(context.Background(), "user-1", m.ID, env, "idem-buy-1")
	if err != nil {
		t.Fatalf("execute trade: %v", err)
	}
	if result.Trade.Shares.Cmp(d(10)) != 0 {
		t.Errorf("expected 10 shares, got %s", result.Trade.Shares)
	}
	if result.FeeMinor <= 0 {
		t.Errorf("expected a positive fee, got %d", result.FeeMinor)
	}

	after, err := ms.GetAccount(context.Background(), userCash.ID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	wantAvailable := int64(100000) - env.CostMinor - result.FeeMinor
	if after.AvailableMinor != wantAvailable {
		t.Errorf("expected user_cash balance %d, got %d", wantAvailable, after.AvailableMinor)
	}

	feeRevenue, err := ms.GetAccountByOwnerKind(context.Background(), "", model.AccountFeeRevenue, "USD")
	if err != nil {
		t.Fatalf("get fee_revenue account: %v", err)
	}
	if feeRevenue.AvailableMinor != result.FeeMinor {
		t.Errorf("expected fee_revenue credited %d, got %d", result.FeeMinor, feeRevenue.AvailableMinor)
	}

	pos, err := ms.GetPosition(context.Background(), "user-1", m.ID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.YesShares.Cmp(d(10)) != 0 {
		t.Errorf("expected position of 10 YES shares, got %s", pos.YesShares)
	}
}

func TestExecuteTrade_IsIdempotentOnRepeatKey(t *testing.T) {
	ms, marketSvc, quoter, tradingSvc := newTestEnv(t)
	m := seedOpenMarket(t, ms, marketSvc, "execute-idem")
	fundAccount(t, ms, "user-1", model.AccountUserCash, 100000)

	env, err := quoter.GenerateQuote(context.Background(), m.ID, "YES", "BUY", d(10))
	if err != nil {
		t.Fatalf("generate quote: %v", err)
	}

	first, err := tradingSvc.ExecuteTrade(context.Background(), "user-1", m.ID, env, "idem-repeat")
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := tradingSvc.ExecuteTrade(context.Background(), "user-1", m.ID, env, "idem-repeat")
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if first.Trade.ID != second.Trade.ID {
		t.Errorf("expected replayed trade id %s, got %s", first.Trade.ID, second.Trade.ID)
	}
}

func TestExecuteTrade_RejectsInsufficientFunds(t *testing.T) {
	ms, marketSvc, quoter, tradingSvc := newTestEnv(t)
	m := seedOpenMarket(t, ms, marketSvc, "execute-insufficient")
	fundAccount(t, ms, "user-1", model.AccountUserCash, 1)

	env, err := quoter.GenerateQuote(context.Background(), m.ID, "YES", "BUY", d(10))
	if err != nil {
		t.Fatalf("generate quote: %v", err)
	}
	if _, err := tradingSvc.ExecuteTrade(context.Background(), "user-1", m.ID, env, "idem-poor"); err == nil {
		t.Fatal("expected insufficient funds error")
	}
}

func TestExecuteTrade_RejectsExpiredEnvelope(t *testing.T) {
	ms, marketSvc, quoter, tradingSvc := newTestEnv(t)
	m := seedOpenMarket(t, ms, marketSvc, "execute-expired")
	fundAccount(t, ms, "user-1", model.AccountUserCash, 100000)

	env, err := quoter.GenerateQuote(context.Background(), m.ID, "YES", "BUY", d(10))
	if err != nil {
		t.Fatalf("generate quote: %v", err)
	}
	env.IssuedAt = time.Now().Add(-time.Minute).Unix()
	env = quote.Sign(env, testHMACKey)

	if _, err := tradingSvc.ExecuteTrade(context.Background(), "user-1", m.ID, env, "idem-expired"); err == nil {
		t.Fatal("expected expired envelope to be rejected")
	}
}

func TestExecuteTrade_SellCreditsUserAndReducesPosition(t *testing.T) {
	ms, marketSvc, quoter, tradingSvc := newTestEnv(t)
	m := seedOpenMarket(t, ms, marketSvc, "execute-sell")
	fundAccount(t, ms, "user-1", model.AccountUserCash, 100000)

	buyEnv, err := quoter.GenerateQuote(context.Background(), m.ID, "YES", "BUY", d(10))
	if err != nil {
		t.Fatalf("generate buy quote: %v", err)
	}
	if _, err := tradingSvc.ExecuteTrade(context.Background(), "user-1", m.ID, buyEnv, "idem-sell-setup"); err != nil {
		t.Fatalf("execute buy: %v", err)
	}

	sellEnv, err := quoter.GenerateQuote(context.Background(), m.ID, "YES", "SELL", d(4))
	if err != nil {
		t.Fatalf("generate sell quote: %v", err)
	}
	result, err := tradingSvc.ExecuteTrade(context.Background(), "user-1", m.ID, sellEnv, "idem-sell-1")
	if err != nil {
		t.Fatalf("execute sell: %v", err)
	}
	if result.Trade.Side != model.SideSell {
		t.Errorf("expected SELL trade, got %s", result.Trade.Side)
	}

	pos, err := ms.GetPosition(context.Background(), "user-1", m.ID)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	if pos.YesShares.Cmp(d(6)) != 0 {
		t.Errorf("expected 6 remaining YES shares, got %s", pos.YesShares)
	}
}

func TestExecuteTrade_RejectsShareCountBeyondPosition(t *testing.T) {
	ms, marketSvc, quoter, tradingSvc := newTestEnv(t)
	m := seedOpenMarket(t, ms, marketSvc, "execute-oversell")
	fundAccount(t, ms, "user-1", model.AccountUserCash, 100000)

	sellEnv, err := quoter.GenerateQuote(context.Background(), m.ID, "YES", "SELL", d(1))
	if err != nil {
		t.Fatalf("generate sell quote: %v", err)
	}
	if _, err := tradingSvc.ExecuteTrade(context.Background(), "user-1", m.ID, sellEnv, "idem-oversell"); err == nil {
		t.Fatal("expected error selling shares never held")
	}
}
