// Package api wires the trading and accounting core's domain services
// (market, trading, settlement, payments) into HTTP handlers. Handlers
// are methods directly on Server, following the teacher's bundled
// handler style: decode into a request struct, call the domain
// service, encode the response or writeError.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predmkt-core/internal/coreerr"
	"github.com/atmx/predmkt-core/internal/correlation"
	"github.com/atmx/predmkt-core/internal/ledger"
	"github.com/atmx/predmkt-core/internal/market"
	"github.com/atmx/predmkt-core/internal/model"
	"github.com/atmx/predmkt-core/internal/observer"
	"github.com/atmx/predmkt-core/internal/payments"
	"github.com/atmx/predmkt-core/internal/quote"
	"github.com/atmx/predmkt-core/internal/settlement"
	"github.com/atmx/predmkt-core/internal/store"
	"github.com/atmx/predmkt-core/internal/trading"
)

// Server bundles the domain services the HTTP surface delegates to.
type Server struct {
	db       store.Store
	ledger   *ledger.Service
	markets  *market.Service
	quoter   *trading.Quoter
	trades   *trading.Service
	settler  *settlement.Service
	payments *payments.Service
	limiter  *correlation.PositionLimiter
	hub      observer.Observer
}

// New constructs a Server. limiter and hub may be nil — limiter
// disables correlation checks, hub is replaced with a silent Noop.
func New(db store.Store, markets *market.Service, quoter *trading.Quoter, trades *trading.Service, settler *settlement.Service, pay *payments.Service, limiter *correlation.PositionLimiter, hub observer.Observer) *Server {
	if hub == nil {
		hub = observer.Noop{}
	}
	return &Server{db: db, ledger: ledger.New(db), markets: markets, quoter: quoter, trades: trades, settler: settler, payments: pay, limiter: limiter, hub: hub}
}

// Routes mounts every handler onto r under the given router.
func (s *Server) Routes(r chi.Router) {
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets", s.ListMarkets)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/by-slug/{slug}", s.GetMarketBySlug)
	r.Post("/markets/{marketID}/seed", s.SeedMarket)
	r.Post("/markets/{marketID}/close", s.CloseMarket)
	r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
	r.Post("/markets/{marketID}/quote", s.GenerateQuote)
	r.Post("/markets/{marketID}/trade", s.ExecuteTrade)
	r.Post("/markets/{marketID}/settle", s.SettleMarket)
	r.Get("/markets/{marketID}/settlement", s.GetSettlementSummary)

	r.Get("/users/{userID}/positions", s.GetUserPositions)

	r.Post("/payments/webhook", s.ProcessPaymentEvent)
	r.Post("/withdrawals", s.RequestWithdrawal)
	r.Post("/withdrawals/{withdrawalID}/approve", s.ApproveWithdrawal)
	r.Post("/withdrawals/{withdrawalID}/reject", s.RejectWithdrawal)
	r.Get("/withdrawals/{withdrawalID}", s.GetWithdrawal)
	r.Get("/users/{userID}/withdrawals", s.GetUserWithdrawals)

	r.Post("/accounts", s.CreateAccount)
	r.Get("/accounts/{accountID}", s.GetAccountBalance)
	r.Get("/accounts/{accountID}/ledger", s.GetAccountLedger)
	r.Get("/transactions/{txnID}", s.GetTransaction)
	r.Post("/transactions", s.PostTransaction)
}

// --- markets ---

type createMarketRequest struct {
	Slug          string          `json:"slug"`
	Title         string          `json:"title"`
	Category      string          `json:"category"`
	MinTradeMinor int64           `json:"min_trade_minor"`
	MaxTradeMinor int64           `json:"max_trade_minor"`
	OpenAt        time.Time       `json:"open_at"`
	CloseAt       time.Time       `json:"close_at"`
	CreatorID     string          `json:"creator_id"`
	LiquidityB    decimal.Decimal `json:"liquidity_b"`
}

func (s *Server) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, err := s.markets.Create(r.Context(), market.CreateParams{
		Slug: req.Slug, Title: req.Title, Category: req.Category,
		MinTradeMinor: req.MinTradeMinor, MaxTradeMinor: req.MaxTradeMinor,
		OpenAt: req.OpenAt, CloseAt: req.CloseAt, CreatorID: req.CreatorID,
		LiquidityB: req.LiquidityB,
	})
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	s.audit(r.Context(), "market", m.ID, "create", req.CreatorID, "")
	writeJSON(w, http.StatusCreated, m)
}

type seedMarketRequest struct {
	LiquidityPoolMinor int64           `json:"liquidity_pool_minor"`
	InitialPYes        decimal.Decimal `json:"initial_p_yes"`
	HouseAccountID     string          `json:"house_account_id"`
	ActorID            string          `json:"actor_id"`
}

func (s *Server) SeedMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	var req seedMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, err := s.markets.Seed(r.Context(), marketID, req.LiquidityPoolMinor, req.InitialPYes, req.HouseAccountID)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	s.audit(r.Context(), "market", marketID, "seed", req.ActorID, "")
	writeJSON(w, http.StatusOK, m)
}

type actorRequest struct {
	ActorID string `json:"actor_id"`
}

func (s *Server) CloseMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	var req actorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	m, err := s.markets.Close(r.Context(), marketID)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	s.audit(r.Context(), "market", marketID, "close", req.ActorID, "")
	writeJSON(w, http.StatusOK, m)
}

type resolveMarketRequest struct {
	Outcome model.Resolution `json:"outcome"`
	ActorID string           `json:"actor_id"`
}

func (s *Server) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	var req resolveMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	m, err := s.markets.Resolve(r.Context(), marketID, req.Outcome)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	s.audit(r.Context(), "market", marketID, "resolve", req.ActorID, string(req.Outcome))
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.markets.Get(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) GetMarketBySlug(w http.ResponseWriter, r *http.Request) {
	m, err := s.markets.GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) ListMarkets(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	markets, err := s.markets.List(r.Context(), category)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// --- trading ---

type quoteRequest struct {
	Outcome string          `json:"outcome"`
	Side    string          `json:"side"`
	Shares  decimal.Decimal `json:"shares"`
}

func (s *Server) GenerateQuote(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	env, err := s.quoter.GenerateQuote(r.Context(), marketID, req.Outcome, req.Side, req.Shares)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

type executeTradeRequest struct {
	UserID         string        `json:"user_id"`
	Envelope       quote.Envelope `json:"envelope"`
	IdempotencyKey string        `json:"idempotency_key"`
	Category       string        `json:"category"`
}

func (s *Server) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	var req executeTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.IdempotencyKey == "" {
		writeError(w, "user_id and idempotency_key are required", http.StatusBadRequest)
		return
	}

	if s.limiter != nil && req.Category != "" {
		exposures, err := s.categoryExposures(r.Context(), req.UserID)
		if err != nil {
			writeError(w, "failed to check position limits", http.StatusInternalServerError)
			return
		}
		delta := req.Envelope.Shares
		if (req.Envelope.Side == "SELL") != (req.Envelope.Outcome == "NO") {
			delta = delta.Neg()
		}
		if err := s.limiter.CheckLimit(req.Category, delta, exposures); err != nil {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
	}

	result, err := s.trades.ExecuteTrade(r.Context(), req.UserID, marketID, req.Envelope, req.IdempotencyKey)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// categoryExposures builds a user's net exposure per market category,
// for the correlation limiter's aggregate check.
func (s *Server) categoryExposures(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	positions, err := s.db.GetUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	exposures := make(map[string]decimal.Decimal, len(positions))
	for _, p := range positions {
		m, err := s.db.GetMarket(ctx, p.MarketID)
		if err != nil {
			continue
		}
		net := p.YesShares.Sub(p.NoShares)
		exposures[m.Category] = exposures[m.Category].Add(net)
	}
	return exposures, nil
}

func (s *Server) GetUserPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.db.GetUserPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- settlement ---

func (s *Server) SettleMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	summary, err := s.settler.SettleMarket(r.Context(), marketID)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	s.audit(r.Context(), "market", marketID, "settle", "", fmt.Sprintf("%d positions", len(summary.Settlements)))
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) GetSettlementSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.settler.GetSettlementSummary(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- payments ---

type paymentWebhookRequest struct {
	EventID      string `json:"event_id"`
	Type         string `json:"type"`
	UserID       string `json:"user_id"`
	AmountMinor  int64  `json:"amount_minor"`
	WithdrawalID string `json:"withdrawal_id"`
	Signature    string `json:"signature"`
}

func (s *Server) ProcessPaymentEvent(w http.ResponseWriter, r *http.Request) {
	body, err := readAndRestoreBody(r)
	if err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	var req paymentWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result, err := s.payments.ProcessPaymentEvent(r.Context(), payments.ProviderEvent{
		EventID: req.EventID, Type: payments.EventType(req.Type), UserID: req.UserID,
		AmountMinor: req.AmountMinor, WithdrawalID: req.WithdrawalID,
		Payload: body, Signature: []byte(req.Signature),
	})
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type withdrawalRequest struct {
	UserID      string `json:"user_id"`
	AmountMinor int64  `json:"amount_minor"`
}

func (s *Server) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	wd, err := s.payments.RequestWithdrawal(r.Context(), req.UserID, req.AmountMinor)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wd)
}

func (s *Server) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "withdrawalID")
	var req actorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	wd, err := s.payments.ApproveWithdrawal(r.Context(), id)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	s.audit(r.Context(), "withdrawal", id, "approve", req.ActorID, "")
	writeJSON(w, http.StatusOK, wd)
}

func (s *Server) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "withdrawalID")
	var req actorRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	wd, err := s.payments.RejectWithdrawal(r.Context(), id)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	s.audit(r.Context(), "withdrawal", id, "reject", req.ActorID, "")
	writeJSON(w, http.StatusOK, wd)
}

func (s *Server) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wd, err := s.payments.GetWithdrawal(r.Context(), chi.URLParam(r, "withdrawalID"))
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wd)
}

func (s *Server) GetUserWithdrawals(w http.ResponseWriter, r *http.Request) {
	wds, err := s.payments.GetUserWithdrawals(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load withdrawals", http.StatusInternalServerError)
		return
	}
	if wds == nil {
		wds = []model.Withdrawal{}
	}
	writeJSON(w, http.StatusOK, wds)
}

// --- ledger ---

type createAccountRequest struct {
	OwnerID  string           `json:"owner_id"`
	Kind     model.AccountKind `json:"kind"`
	Currency string           `json:"currency"`
}

func (s *Server) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	acct, err := s.ledger.CreateAccount(r.Context(), req.OwnerID, req.Kind, currency)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

func (s *Server) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	acct, err := s.ledger.GetAccountBalance(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) GetAccountLedger(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	cur := store.LedgerCursor{After: r.URL.Query().Get("after")}
	entries, err := s.ledger.GetAccountLedger(r.Context(), accountID, cur)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) GetTransaction(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.GetTransaction(r.Context(), chi.URLParam(r, "txnID"))
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type postTransactionRequest struct {
	Scope          string              `json:"scope"`
	IdempotencyKey string              `json:"idempotency_key"`
	Entries        []ledger.EntryInput `json:"entries"`
}

func (s *Server) PostTransaction(w http.ResponseWriter, r *http.Request) {
	var req postTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result, err := s.ledger.PostTransaction(r.Context(), req.Entries, req.Scope, req.IdempotencyKey)
	if err != nil {
		writeCoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// audit appends one admin-audit-log row, best-effort: a failure to
// record the audit entry never blocks the action it describes.
func (s *Server) audit(ctx context.Context, entityKind, entityID, action, actorID, detail string) {
	err := s.db.BeginTx(ctx, func(tx store.Tx) error {
		return tx.InsertAuditEntry(ctx, &model.AdminAuditEntry{
			ID: uuid.NewString(), EntityKind: entityKind, EntityID: entityID,
			Action: action, ActorID: actorID, Detail: detail, Timestamp: time.Now(),
		})
	})
	if err != nil {
		slog.Warn("audit log write failed", "entity_kind", entityKind, "entity_id", entityID, "action", action, "err", err)
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// readAndRestoreBody reads r.Body in full and replaces it so later
// middleware (e.g. request logging) can still read it.
func readAndRestoreBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// writeCoreErr maps a coreerr.Kind to the HTTP status the teacher's
// handlers would have used directly, so domain services stay free of
// any http import.
func writeCoreErr(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	switch coreerr.KindOf(err) {
	case coreerr.KindValidation:
		writeError(w, err.Error(), http.StatusBadRequest)
	case coreerr.KindState, coreerr.KindConcurrency, coreerr.KindFreshness:
		writeError(w, err.Error(), http.StatusConflict)
	case coreerr.KindCompliance:
		writeError(w, err.Error(), http.StatusForbidden)
	case coreerr.KindNotFound:
		writeError(w, err.Error(), http.StatusNotFound)
	case coreerr.KindExternal:
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		writeError(w, err.Error(), http.StatusInternalServerError)
	}
}
