package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/predmkt-core/internal/api"
	"github.com/atmx/predmkt-core/internal/correlation"
	"github.com/atmx/predmkt-core/internal/ledger"
	"github.com/atmx/predmkt-core/internal/market"
	"github.com/atmx/predmkt-core/internal/model"
	"github.com/atmx/predmkt-core/internal/payments"
	"github.com/atmx/predmkt-core/internal/quote"
	"github.com/atmx/predmkt-core/internal/settlement"
	"github.com/atmx/predmkt-core/internal/store"
	"github.com/atmx/predmkt-core/internal/trading"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var testHMACKey = []byte("test-only-hmac-key")

// newTestEnv wires a full Server the way cmd/server does, backed by an
// in-memory store, and mounts it on a bare chi router.
func newTestEnv(t *testing.T, limiter *correlation.PositionLimiter) (*store.MemoryStore, chi.Router) {
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
	settlementSvc := settlement.New(ms, 50, nil)
	paymentsSvc := payments.New(ms, nil, nil, nil, nil)

	srv := api.New(ms, marketSvc, quoter, tradingSvc, settlementSvc, paymentsSvc, limiter, nil)
	r := chi.NewRouter()
	srv.Routes(r)
	return ms, r
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

func doJSON(t *testing.T, router chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func createMarket(t *testing.T, router chi.Router, slug, category string) model.Market {
	t.Helper()
	w := doJSON(t, router, "POST", "/markets", map[string]interface{}{
		"slug":            slug,
		"title":           "test market",
		"category":        category,
		"open_at":         time.Now().Add(-time.Hour),
		"close_at":        time.Now().Add(30 * 24 * time.Hour),
		"liquidity_b":     d(100),
		"min_trade_minor": 100,
		"max_trade_minor": 1000000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create market: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var m model.Market
	json.Unmarshal(w.Body.Bytes(), &m)
	return m
}

func seedMarket(t *testing.T, ms *store.MemoryStore, router chi.Router, m model.Market) model.Market {
	t.Helper()
	house := fundAccount(t, ms, "house", model.AccountCustodyCash, 10000000)
	w := doJSON(t, router, "POST", "/markets/"+m.ID+"/seed", map[string]interface{}{
		"liquidity_pool_minor": 1000000,
		"initial_p_yes":        d(0.5),
		"house_account_id":     house.ID,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("seed market: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var seeded model.Market
	json.Unmarshal(w.Body.Bytes(), &seeded)
	return seeded
}

func generateQuote(t *testing.T, router chi.Router, marketID, outcome, side string, shares decimal.Decimal) quote.Envelope {
	t.Helper()
	w := doJSON(t, router, "POST", "/markets/"+marketID+"/quote", map[string]interface{}{
		"outcome": outcome,
		"side":    side,
		"shares":  shares,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("generate quote: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var env quote.Envelope
	json.Unmarshal(w.Body.Bytes(), &env)
	return env
}

// --- market lifecycle ---

func TestCreateMarket_Valid(t *testing.T) {
	_, router := newTestEnv(t, nil)
	m := createMarket(t, router, "lifecycle-create", "weather")
	if m.Slug != "lifecycle-create" {
		t.Errorf("expected slug lifecycle-create, got %s", m.Slug)
	}
	if m.Status != model.MarketDraft {
		t.Errorf("expected newly created market to be draft, got %s", m.Status)
	}
}

func TestCreateMarket_InvalidBody(t *testing.T) {
	_, router := newTestEnv(t, nil)
	r := httptest.NewRequest("POST", "/markets", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", w.Code)
	}
}

func TestMarketLifecycle_SeedCloseResolveSettle(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	m := createMarket(t, router, "lifecycle-full", "weather")
	m = seedMarket(t, ms, router, m)
	if m.Status != model.MarketOpen {
		t.Fatalf("expected market to be open after seeding, got %s", m.Status)
	}

	w := doJSON(t, router, "POST", "/markets/"+m.ID+"/close", map[string]string{"actor_id": "admin1"})
	if w.Code != http.StatusOK {
		t.Fatalf("close market: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/markets/"+m.ID+"/resolve", map[string]string{
		"outcome": "YES", "actor_id": "admin1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve market: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/markets/"+m.ID+"/settle", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("settle market: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var summary settlement.Summary
	json.Unmarshal(w.Body.Bytes(), &summary)
	if summary.MarketID != m.ID {
		t.Errorf("expected settlement summary for %s, got %s", m.ID, summary.MarketID)
	}
}

func TestGetMarket_NotFound(t *testing.T) {
	_, router := newTestEnv(t, nil)
	w := doJSON(t, router, "GET", "/markets/does-not-exist", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown market, got %d", w.Code)
	}
}

// --- trading ---

func TestExecuteTrade_BuyYes(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	m := createMarket(t, router, "trade-buy", "weather")
	m = seedMarket(t, ms, router, m)
	fundAccount(t, ms, "user-1", model.AccountUserCash, 100000)

	env := generateQuote(t, router, m.ID, "YES", "BUY", d(10))

	w := doJSON(t, router, "POST", "/markets/"+m.ID+"/trade", map[string]interface{}{
		"user_id":         "user-1",
		"envelope":        env,
		"idempotency_key": "idem-1",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("execute trade: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var result trading.TradeResult
	json.Unmarshal(w.Body.Bytes(), &result)
	if result.Trade.Shares.Cmp(d(10)) != 0 {
		t.Errorf("expected 10 shares, got %s", result.Trade.Shares)
	}
}

func TestExecuteTrade_MissingIdempotencyKey(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	m := createMarket(t, router, "trade-missing-key", "weather")
	m = seedMarket(t, ms, router, m)
	fundAccount(t, ms, "user-1", model.AccountUserCash, 100000)

	env := generateQuote(t, router, m.ID, "YES", "BUY", d(10))
	w := doJSON(t, router, "POST", "/markets/"+m.ID+"/trade", map[string]interface{}{
		"user_id":  "user-1",
		"envelope": env,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing idempotency_key, got %d", w.Code)
	}
}

func TestExecuteTrade_CorrelationLimiterBlocksPerMarketExcess(t *testing.T) {
	limiter := correlation.NewPositionLimiter(d(5), d(5000), 5)
	ms, router := newTestEnv(t, limiter)
	m := createMarket(t, router, "trade-correlated", "weather")
	m = seedMarket(t, ms, router, m)
	fundAccount(t, ms, "user-1", model.AccountUserCash, 1000000)

	env := generateQuote(t, router, m.ID, "YES", "BUY", d(10))
	w := doJSON(t, router, "POST", "/markets/"+m.ID+"/trade", map[string]interface{}{
		"user_id":         "user-1",
		"envelope":        env,
		"idempotency_key": "idem-corr-1",
		"category":        "weather",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for per-market limit exceeded, got %d: %s", w.Code, w.Body.String())
	}
}

func TestExecuteTrade_NoCategoryBypassesLimiter(t *testing.T) {
	limiter := correlation.NewPositionLimiter(d(5), d(5000), 5)
	ms, router := newTestEnv(t, limiter)
	m := createMarket(t, router, "trade-no-category", "weather")
	m = seedMarket(t, ms, router, m)
	fundAccount(t, ms, "user-1", model.AccountUserCash, 1000000)

	env := generateQuote(t, router, m.ID, "YES", "BUY", d(10))
	w := doJSON(t, router, "POST", "/markets/"+m.ID+"/trade", map[string]interface{}{
		"user_id":         "user-1",
		"envelope":        env,
		"idempotency_key": "idem-no-cat",
	})
	if w.Code != http.StatusOK {
		t.Errorf("expected 200 when no category is supplied, got %d: %s", w.Code, w.Body.String())
	}
}

// --- ledger ---

func TestLedger_CreateAccountPostTransactionAndRead(t *testing.T) {
	_, router := newTestEnv(t, nil)

	w := doJSON(t, router, "POST", "/accounts", map[string]string{
		"owner_id": "user-2", "kind": string(model.AccountUserCash), "currency": "USD",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create account: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)

	w = doJSON(t, router, "POST", "/accounts", map[string]string{
		"owner_id": "", "kind": string(model.AccountCustodyCash), "currency": "USD",
	})
	var custody model.Account
	json.Unmarshal(w.Body.Bytes(), &custody)

	w = doJSON(t, router, "POST", "/transactions", map[string]interface{}{
		"scope":           "test",
		"idempotency_key": "ledger-idem-1",
		"entries": []ledger.EntryInput{
			{AccountID: acct.ID, CounterAccountID: custody.ID, UserID: "user-2", AmountMinor: 500, Kind: model.EntryDeposit, Description: "test deposit"},
			{AccountID: custody.ID, CounterAccountID: acct.ID, UserID: "user-2", AmountMinor: -500, Kind: model.EntryDeposit, Description: "test deposit"},
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("post transaction: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "GET", "/accounts/"+acct.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get account balance: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var balance model.Account
	json.Unmarshal(w.Body.Bytes(), &balance)
	if balance.AvailableMinor != 500 {
		t.Errorf("expected available balance 500, got %d", balance.AvailableMinor)
	}

	w = doJSON(t, router, "GET", "/accounts/"+acct.ID+"/ledger", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get account ledger: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var entries []model.LedgerEntry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry for the account, got %d", len(entries))
	}
}

func TestGetAccountBalance_NotFound(t *testing.T) {
	_, router := newTestEnv(t, nil)
	w := doJSON(t, router, "GET", "/accounts/does-not-exist", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown account, got %d", w.Code)
	}
}

// --- payments ---

func TestProcessPaymentEvent_Deposit(t *testing.T) {
	ms, router := newTestEnv(t, nil)
	fundAccount(t, ms, "", model.AccountCustodyCash, 0)

	w := doJSON(t, router, "POST", "/payments/webhook", map[string]interface{}{
		"event_id":     "evt-1",
		"type":         "deposit",
		"user_id":      "user-3",
		"amount_minor": 5000,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("process payment event: expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRequestWithdrawal_InsufficientFunds(t *testing.T) {
	_, router := newTestEnv(t, nil)
	w := doJSON(t, router, "POST", "/withdrawals", map[string]interface{}{
		"user_id": "user-4", "amount_minor": 1000,
	})
	if w.Code == http.StatusCreated {
		t.Error("expected withdrawal request with no funds to fail")
	}
}

// --- positions ---

func TestGetUserPositions_Empty(t *testing.T) {
	_, router := newTestEnv(t, nil)
	w := doJSON(t, router, "GET", "/users/nobody/positions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var positions []model.Position
	json.Unmarshal(w.Body.Bytes(), &positions)
	if len(positions) != 0 {
		t.Errorf("expected 0 positions, got %d", len(positions))
	}
}
