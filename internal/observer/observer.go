// Package observer defines the narrow event-emission surface the
// trading core calls at commit boundaries, and a WebSocket hub that
// implements it for real-time client broadcast. The core never holds
// global state or reaches back into presentation concerns; it emits
// events only after a commit and is otherwise silent.
package observer

// TradeEvent is emitted once a trade's transaction has committed.
type TradeEvent struct {
	MarketID  string `json:"market_id"`
	TradeID   string `json:"trade_id"`
	Outcome   string `json:"outcome"`
	Side      string `json:"side"`
	Shares    string `json:"shares"`
	AvgPrice  string `json:"avg_price"`
	CostMinor int64  `json:"cost_minor"`
	PriceYes  string `json:"price_yes"`
	PriceNo   string `json:"price_no"`
}

// SettlementEvent is emitted once a market's settlement summary has
// been computed (one event per SettleMarket call, not per position).
type SettlementEvent struct {
	MarketID       string `json:"market_id"`
	Resolution     string `json:"resolution"`
	PositionsPaid  int    `json:"positions_paid"`
	PositionsTotal int    `json:"positions_total"`
}

// LedgerPostEvent is emitted once per ledger transaction committed by a
// trade or a position settlement. Deposits, withdrawals and market
// seeding post ledger transactions without emitting it.
type LedgerPostEvent struct {
	TxnID   string `json:"txn_id"`
	Kind    string `json:"kind"`
	Entries int    `json:"entries"`
}

// Observer is the core's only outbound hook. Implementations must not
// block: a slow or unavailable subscriber must never stall a commit.
type Observer interface {
	OnTrade(TradeEvent)
	OnSettlement(SettlementEvent)
	OnLedgerPost(LedgerPostEvent)
}

// Noop discards every event. Used where no observer is wired.
type Noop struct{}

func (Noop) OnTrade(TradeEvent)           {}
func (Noop) OnSettlement(SettlementEvent) {}
func (Noop) OnLedgerPost(LedgerPostEvent) {}
