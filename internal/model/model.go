// Package model defines the core domain types shared across the trading
// and accounting core. All monetary values persisted as decimal use
// shopspring/decimal; cash that has crossed the minor-unit boundary is a
// plain int64 — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountKind enumerates the ledger's addressable node kinds.
type AccountKind string

const (
	AccountUserCash      AccountKind = "user_cash"
	AccountCustodyCash   AccountKind = "custody_cash"
	AccountFeeRevenue    AccountKind = "fee_revenue"
	AccountExternalBank  AccountKind = "external_bank"
	AccountMarketSharesY AccountKind = "market_shares_yes"
	AccountMarketSharesN AccountKind = "market_shares_no"
)

// Account is an addressable node in the ledger. Created lazily on first
// reference; never destroyed.
type Account struct {
	ID             string      `json:"id" db:"id"`
	Kind           AccountKind `json:"kind" db:"kind"`
	OwnerID        string      `json:"owner_id,omitempty" db:"owner_id"`
	Currency       string      `json:"currency" db:"currency"`
	AvailableMinor int64       `json:"available_minor" db:"available_minor"`
	PendingMinor   int64       `json:"pending_minor" db:"pending_minor"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// LedgerEntryKind enumerates why a ledger entry exists.
type LedgerEntryKind string

const (
	EntryDeposit    LedgerEntryKind = "DEPOSIT"
	EntryWithdrawal LedgerEntryKind = "WITHDRAWAL"
	EntryTrade      LedgerEntryKind = "TRADE"
	EntryFee        LedgerEntryKind = "FEE"
	EntrySettlement LedgerEntryKind = "SETTLEMENT"
)

// LedgerEntry is an immutable row of the double-entry ledger. Once
// created, these are never modified or deleted.
type LedgerEntry struct {
	ID               string            `json:"id" db:"id"`
	TxnID            string            `json:"txn_id" db:"txn_id"`
	AccountID        string            `json:"account_id" db:"account_id"`
	CounterAccountID string            `json:"counter_account_id" db:"counter_account_id"`
	UserID           string            `json:"user_id,omitempty" db:"user_id"`
	AmountMinor      int64             `json:"amount_minor" db:"amount_minor"` // signed
	Kind             LedgerEntryKind   `json:"kind" db:"kind"`
	Description      string            `json:"description" db:"description"`
	Metadata         map[string]string `json:"metadata,omitempty" db:"metadata"`
	Timestamp        time.Time         `json:"timestamp" db:"timestamp"`
}

// IdempotencyRecord guards a (scope, key) pair against replay. A record
// with a nil ResponseBlob represents an in-flight attempt that crashed
// before completion; a second call against it must fail Conflict rather
// than silently replay.
type IdempotencyRecord struct {
	Scope        string    `db:"scope"`
	Key          string    `db:"key"`
	ResponseBlob []byte    `db:"response_blob"`
	CreatedAt    time.Time `db:"created_at"`
	ExpiresAt    time.Time `db:"expires_at"`
}

// MarketStatus enumerates the market lifecycle's states.
type MarketStatus string

const (
	MarketDraft    MarketStatus = "DRAFT"
	MarketOpen     MarketStatus = "OPEN"
	MarketClosed   MarketStatus = "CLOSED"
	MarketResolved MarketStatus = "RESOLVED"
)

// Resolution enumerates a resolved market's outcome.
type Resolution string

const (
	ResolutionYes     Resolution = "YES"
	ResolutionNo      Resolution = "NO"
	ResolutionInvalid Resolution = "INVALID"
	ResolutionNone    Resolution = ""
)

// Market is the tradable entity. Slug is unique across all markets.
// Status changes only via the lifecycle state machine; direct writes
// are forbidden.
type Market struct {
	ID            string       `json:"id" db:"id"`
	Slug          string       `json:"slug" db:"slug"`
	Title         string       `json:"title" db:"title"`
	Category      string       `json:"category" db:"category"`
	Status        MarketStatus `json:"status" db:"status"`
	MinTradeMinor int64        `json:"min_trade_minor" db:"min_trade_minor"`
	MaxTradeMinor int64        `json:"max_trade_minor,omitempty" db:"max_trade_minor"` // 0 = unbounded
	OpenAt        time.Time    `json:"open_at" db:"open_at"`
	CloseAt       time.Time    `json:"close_at" db:"close_at"`
	ResolveAt     time.Time    `json:"resolve_at,omitempty" db:"resolve_at"`
	Resolution    Resolution   `json:"resolution,omitempty" db:"resolution"`
	CreatorID     string       `json:"creator_id" db:"creator_id"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// LMSRState is 1:1 with a market. B is immutable after seeding.
type LMSRState struct {
	MarketID  string          `json:"market_id" db:"market_id"`
	B         decimal.Decimal `json:"b" db:"b"`
	QYes      decimal.Decimal `json:"q_yes" db:"q_yes"`
	QNo       decimal.Decimal `json:"q_no" db:"q_no"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Position tracks one user's exposure to one market. Created on first
// fill; shares may decrement to 0 but the row persists for history.
type Position struct {
	UserID             string          `json:"user_id" db:"user_id"`
	MarketID           string          `json:"market_id" db:"market_id"`
	YesShares          decimal.Decimal `json:"yes_shares" db:"yes_shares"`
	NoShares           decimal.Decimal `json:"no_shares" db:"no_shares"`
	AvgPriceYes        decimal.Decimal `json:"avg_price_yes" db:"avg_price_yes"`
	AvgPriceNo         decimal.Decimal `json:"avg_price_no" db:"avg_price_no"`
	TotalInvestedMinor int64           `json:"total_invested_minor" db:"total_invested_minor"`
	RealizedPnLMinor   int64           `json:"realized_pnl_minor" db:"realized_pnl_minor"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// Outcome enumerates the two binary outcomes a trade can reference.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Side enumerates a trade's direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is an immutable record of one executed fill.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	Outcome      Outcome         `json:"outcome" db:"outcome"`
	Side         Side            `json:"side" db:"side"`
	Shares       decimal.Decimal `json:"shares" db:"shares"`
	FillAvgPrice decimal.Decimal `json:"fill_avg_price" db:"fill_avg_price"`
	CostMinor    int64           `json:"cost_minor" db:"cost_minor"` // positive BUY, negative SELL proceeds
	FeeMinor     int64           `json:"fee_minor" db:"fee_minor"`
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// WithdrawalStatus enumerates a withdrawal's two-phase lifecycle.
type WithdrawalStatus string

const (
	WithdrawalRequested WithdrawalStatus = "REQUESTED"
	WithdrawalApproved  WithdrawalStatus = "APPROVED"
	WithdrawalRejected  WithdrawalStatus = "REJECTED"
	WithdrawalCompleted WithdrawalStatus = "COMPLETED"
)

// Withdrawal is a user's request to move funds to external_bank.
type Withdrawal struct {
	ID          string           `json:"id" db:"id"`
	UserID      string           `json:"user_id" db:"user_id"`
	AmountMinor int64            `json:"amount_minor" db:"amount_minor"`
	Status      WithdrawalStatus `json:"status" db:"status"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}

// AMLDecision enumerates a compliance gate's verdict.
type AMLDecision string

const (
	AMLApprove AMLDecision = "APPROVE"
	AMLReview  AMLDecision = "REVIEW"
	AMLBlock   AMLDecision = "BLOCK"
)

// AMLEvent records one compliance gate consultation.
type AMLEvent struct {
	ID        string      `json:"id" db:"id"`
	UserID    string      `json:"user_id" db:"user_id"`
	Action    string      `json:"action" db:"action"` // "deposit", "trade", "withdrawal"
	Decision  AMLDecision `json:"decision" db:"decision"`
	RiskScore float64     `json:"risk_score" db:"risk_score"`
	Reasons   []string    `json:"reasons,omitempty" db:"reasons"`
	Timestamp time.Time   `json:"timestamp" db:"timestamp"`
}

// AdminAuditEntry records one admin-gated lifecycle transition or
// compliance gate outcome, for an append-only audit trail.
type AdminAuditEntry struct {
	ID         string    `json:"id" db:"id"`
	EntityKind string    `json:"entity_kind" db:"entity_kind"` // "market", "trade", "withdrawal", ...
	EntityID   string    `json:"entity_id" db:"entity_id"`
	Action     string    `json:"action" db:"action"`
	ActorID    string    `json:"actor_id,omitempty" db:"actor_id"`
	Detail     string    `json:"detail,omitempty" db:"detail"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
}
