// Package trading implements the quote→execute pipeline: pricing a
// prospective trade against the LMSR engine, signing it into a
// short-lived envelope, and — on execute — re-validating and committing
// it as one serializable transaction against the ledger, position, and
// market-maker state.
package trading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predmkt-core/internal/coreerr"
	coredecimal "github.com/atmx/predmkt-core/internal/decimal"
	"github.com/atmx/predmkt-core/internal/gateway"
	"github.com/atmx/predmkt-core/internal/lmsr"
	"github.com/atmx/predmkt-core/internal/metrics"
	"github.com/atmx/predmkt-core/internal/model"
	"github.com/atmx/predmkt-core/internal/observer"
	"github.com/atmx/predmkt-core/internal/quote"
	"github.com/atmx/predmkt-core/internal/store"
)

var (
	ErrConflict           = errors.New("trading: idempotency conflict")
	ErrMarketNotOpen      = errors.New("trading: market is not open")
	ErrMarketClosed       = errors.New("trading: market is outside its trading window")
	ErrPriceMoved         = errors.New("trading: quoted cost has drifted beyond tolerance")
	ErrForbidden          = errors.New("trading: action blocked by a compliance gate")
	ErrInsufficientFunds  = errors.New("trading: insufficient available funds")
	ErrInsufficientShares = errors.New("trading: insufficient shares held")
	ErrShareMismatch      = errors.New("trading: envelope market does not match request")
)

// Quoter produces signed, short-lived price quotes. Separate from
// Service so cmd/server can wire HMAC key / TTL once.
type Quoter struct {
	db         store.Store
	hmacKey    []byte
	ttlSeconds int64
}

// NewQuoter constructs a Quoter.
func NewQuoter(db store.Store, hmacKey []byte, ttlSeconds int64) *Quoter {
	return &Quoter{db: db, hmacKey: hmacKey, ttlSeconds: ttlSeconds}
}

// GenerateQuote prices a prospective trade and returns a signed envelope.
func (q *Quoter) GenerateQuote(ctx context.Context, marketID, outcome, side string, shares decimal.Decimal) (quote.Envelope, error) {
	m, err := q.db.GetMarket(ctx, marketID)
	if err != nil {
		return quote.Envelope{}, err
	}
	if m.Status != model.MarketOpen {
		return quote.Envelope{}, coreerr.New(coreerr.KindState, ErrMarketNotOpen)
	}
	st, err := q.db.GetLMSRState(ctx, marketID)
	if err != nil {
		return quote.Envelope{}, err
	}
	mm, err := lmsr.NewMarketMaker(st.B)
	if err != nil {
		return quote.Envelope{}, err
	}

	priced, err := priceEnvelope(mm, st.QYes, st.QNo, marketID, outcome, side, shares)
	if err != nil {
		return quote.Envelope{}, err
	}
	env := priced.Envelope
	env.IssuedAt = time.Now().Unix()
	env.TTLSeconds = q.ttlSeconds
	env.Nonce = uuid.NewString()
	metrics.QuotesIssuedTotal.WithLabelValues(side).Inc()
	return quote.Sign(env, q.hmacKey), nil
}

// pricedQuote bundles a signable envelope with the resulting (q_yes,
// q_no) state it implies — the envelope alone does not carry enough to
// advance the market maker's state on execute.
type pricedQuote struct {
	Envelope quote.Envelope
	NewQYes  decimal.Decimal
	NewQNo   decimal.Decimal
}

func priceEnvelope(mm *lmsr.MarketMaker, qYes, qNo decimal.Decimal, marketID, outcome, side string, shares decimal.Decimal) (pricedQuote, error) {
	switch {
	case side == "BUY" && outcome == "YES":
		bq, err := mm.BuyYes(qYes, qNo, shares)
		if err != nil {
			return pricedQuote{}, err
		}
		return pricedQuote{Envelope: buyEnvelope(marketID, bq), NewQYes: bq.NewQYes, NewQNo: bq.NewQNo}, nil
	case side == "BUY" && outcome == "NO":
		bq, err := mm.BuyNo(qYes, qNo, shares)
		if err != nil {
			return pricedQuote{}, err
		}
		return pricedQuote{Envelope: buyEnvelope(marketID, bq), NewQYes: bq.NewQYes, NewQNo: bq.NewQNo}, nil
	case side == "SELL" && outcome == "YES":
		sq, err := mm.SellYes(qYes, qNo, shares)
		if err != nil {
			return pricedQuote{}, err
		}
		return pricedQuote{Envelope: sellEnvelope(marketID, sq), NewQYes: sq.NewQYes, NewQNo: sq.NewQNo}, nil
	case side == "SELL" && outcome == "NO":
		sq, err := mm.SellNo(qYes, qNo, shares)
		if err != nil {
			return pricedQuote{}, err
		}
		return pricedQuote{Envelope: sellEnvelope(marketID, sq), NewQYes: sq.NewQYes, NewQNo: sq.NewQNo}, nil
	default:
		return pricedQuote{}, coreerr.New(coreerr.KindValidation, fmt.Errorf("trading: unknown outcome/side %s/%s", outcome, side))
	}
}

func buyEnvelope(marketID string, bq lmsr.BuyQuote) quote.Envelope {
	return quote.Envelope{
		MarketID:     marketID,
		Outcome:      bq.Outcome,
		Shares:       bq.Shares,
		Side:         "BUY",
		StartPrice:   bq.StartPrice,
		EndPrice:     bq.EndPrice,
		AvgPrice:     bq.AvgPrice,
		CostMinor:    bq.CostMinor,
		MaxCostMinor: bq.CostMinor,
	}
}

func sellEnvelope(marketID string, sq lmsr.SellQuote) quote.Envelope {
	return quote.Envelope{
		MarketID:     marketID,
		Outcome:      sq.Outcome,
		Shares:       sq.Shares,
		Side:         "SELL",
		StartPrice:   sq.StartPrice,
		EndPrice:     sq.EndPrice,
		AvgPrice:     sq.AvgPrice,
		CostMinor:    sq.CostMinor,
		MaxCostMinor: sq.CostMinor,
	}
}

// TradeResult is the outcome of a successful execute_trade call.
type TradeResult struct {
	Trade          model.Trade       `json:"trade"`
	Position       model.Position    `json:"position"`
	FeeMinor       int64             `json:"fee_minor"`
	ComplianceFlag model.AMLDecision `json:"compliance_flag,omitempty"`
}

// Service is the trading pipeline's public contract.
type Service struct {
	db         store.Store
	hmacKey    []byte
	feeBps     int64
	aml        gateway.AmlMonitor
	rg         gateway.RgGate
	slippageFn func(costMinor int64) int64
	obs        observer.Observer
}

// Deps collects Service's external collaborators.
type Deps struct {
	HMACKey           []byte
	TTLSeconds        int64
	FeeBps            int64
	SlippageTolerance func(costMinor int64) int64
	AML               gateway.AmlMonitor
	RG                gateway.RgGate
	Observer          observer.Observer
}

// New constructs a trading Service.
func New(db store.Store, deps Deps) *Service {
	aml := deps.AML
	if aml == nil {
		aml = gateway.NoopAmlMonitor{}
	}
	rg := deps.RG
	if rg == nil {
		rg = gateway.NoopRgGate{}
	}
	obs := deps.Observer
	if obs == nil {
		obs = observer.Noop{}
	}
	return &Service{
		db:         db,
		hmacKey:    deps.HMACKey,
		feeBps:     deps.FeeBps,
		aml:        aml,
		rg:         rg,
		slippageFn: deps.SlippageTolerance,
		obs:        obs,
	}
}

func (s *Service) feeMinor(cost decimal.Decimal) int64 {
	rate := decimal.NewFromInt(s.feeBps).Div(decimal.NewFromInt(10000))
	return coredecimal.FeeMinor(cost.Abs().Mul(rate))
}

// ExecuteTrade validates and commits a trade against a previously
// quoted envelope, in this order: idempotency check, market/window
// check, signature/TTL check, drift check, compliance gates,
// funds/shares check, ledger post, position update, LMSR state advance,
// trade insert. The first three run before the transaction opens;
// everything from the drift check on runs in one serializable
// transaction.
func (s *Service) ExecuteTrade(ctx context.Context, userID, marketID string, env quote.Envelope, idempotencyKey string) (*TradeResult, error) {
	if env.MarketID != marketID {
		return nil, coreerr.New(coreerr.KindValidation, ErrShareMismatch)
	}

	scope := "trade"
	if existing, err := s.db.GetIdempotency(ctx, scope, idempotencyKey); err == nil {
		if len(existing.ResponseBlob) == 0 {
			return nil, coreerr.New(coreerr.KindConcurrency, ErrConflict)
		}
		var cached TradeResult
		if err := json.Unmarshal(existing.ResponseBlob, &cached); err != nil {
			return nil, err
		}
		return &cached, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	m, err := s.db.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketOpen {
		return nil, coreerr.New(coreerr.KindState, ErrMarketNotOpen)
	}
	now := time.Now()
	if now.Before(m.OpenAt) || !now.Before(m.CloseAt) {
		return nil, coreerr.New(coreerr.KindState, ErrMarketClosed)
	}

	if err := quote.Verify(env, s.hmacKey, now); err != nil {
		return nil, coreerr.New(coreerr.KindFreshness, err)
	}

	var result *TradeResult
	var postedTxnID string
	txErr := s.db.BeginTx(ctx, func(tx store.Tx) error {
		st, err := tx.LockLMSRState(ctx, marketID)
		if err != nil {
			return err
		}
		mm, err := lmsr.NewMarketMaker(st.B)
		if err != nil {
			return err
		}
		priced, err := priceEnvelope(mm, st.QYes, st.QNo, marketID, env.Outcome, env.Side, env.Shares)
		if err != nil {
			return coreerr.New(coreerr.KindValidation, err)
		}
		recomputed := priced.Envelope
		tolerance := int64(2)
		if s.slippageFn != nil {
			tolerance = s.slippageFn(absInt64(env.CostMinor))
		}
		if absInt64(recomputed.CostMinor-env.CostMinor) > tolerance {
			metrics.QuoteRejectedTotal.WithLabelValues("price_moved").Inc()
			return coreerr.New(coreerr.KindFreshness, ErrPriceMoved)
		}

		decision, reasons, err := s.aml.MonitorAction(ctx, userID, "trade", absInt64(env.CostMinor))
		if err != nil {
			return err
		}
		if err := tx.InsertAMLEvent(ctx, &model.AMLEvent{
			ID: uuid.NewString(), UserID: userID, Action: "trade",
			Decision: decision, Reasons: reasons, Timestamp: time.Now(),
		}); err != nil {
			return err
		}
		if decision == model.AMLBlock {
			return coreerr.New(coreerr.KindCompliance, fmt.Errorf("%w: %v", ErrForbidden, reasons))
		}
		if err := s.rg.ValidateAction(ctx, userID, "trade", absInt64(env.CostMinor)); err != nil {
			return coreerr.New(coreerr.KindCompliance, err)
		}

		userCash, err := tx.CreateAccountIfAbsent(ctx, userID, model.AccountUserCash, "USD")
		if err != nil {
			return err
		}
		custody, err := tx.CreateAccountIfAbsent(ctx, "", model.AccountCustodyCash, "USD")
		if err != nil {
			return err
		}
		feeRevenue, err := tx.CreateAccountIfAbsent(ctx, "", model.AccountFeeRevenue, "USD")
		if err != nil {
			return err
		}
		acctIDs := []string{userCash.ID, custody.ID, feeRevenue.ID}
		sort.Strings(acctIDs)
		locked := make(map[string]*model.Account, 3)
		for _, id := range acctIDs {
			a, err := tx.LockAccount(ctx, id)
			if err != nil {
				return err
			}
			locked[id] = a
		}
		userCash = locked[userCash.ID]

		fee := s.feeMinor(coredecimal.MinorToDecimal(absInt64(env.CostMinor)))
		pos, err := tx.LockPosition(ctx, userID, marketID)
		if err != nil {
			return err
		}

		var txnID string
		var entries []model.LedgerEntry
		if env.Side == "BUY" {
			if userCash.AvailableMinor < env.CostMinor+fee {
				return coreerr.New(coreerr.KindValidation, ErrInsufficientFunds)
			}
			txnID = uuid.NewString()
			total := env.CostMinor + fee
			if err := tx.AdjustAccountBalance(ctx, userCash.ID, -total, 0); err != nil {
				return err
			}
			if err := tx.AdjustAccountBalance(ctx, custody.ID, env.CostMinor, 0); err != nil {
				return err
			}
			if err := tx.AdjustAccountBalance(ctx, feeRevenue.ID, fee, 0); err != nil {
				return err
			}
			entries = buildEntries(txnID, userID, userCash.ID, custody.ID, feeRevenue.ID, env.CostMinor, fee, now)
			pos = applyBuy(pos, env.Outcome, env.Shares, env.AvgPrice, total)
		} else {
			held := pos.YesShares
			if env.Outcome == "NO" {
				held = pos.NoShares
			}
			if held.LessThan(env.Shares) {
				return coreerr.New(coreerr.KindValidation, ErrInsufficientShares)
			}
			proceeds := absInt64(env.CostMinor)
			net := proceeds - fee
			txnID = uuid.NewString()
			if err := tx.AdjustAccountBalance(ctx, userCash.ID, net, 0); err != nil {
				return err
			}
			if err := tx.AdjustAccountBalance(ctx, custody.ID, -proceeds, 0); err != nil {
				return err
			}
			if err := tx.AdjustAccountBalance(ctx, feeRevenue.ID, fee, 0); err != nil {
				return err
			}
			entries = buildSellEntries(txnID, userID, userCash.ID, custody.ID, feeRevenue.ID, proceeds, fee, now)
			pos = applySell(pos, env.Outcome, env.Shares, net)
		}

		if err := tx.InsertLedgerEntries(ctx, entries); err != nil {
			return err
		}
		postedTxnID = txnID
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}
		if err := tx.UpdateLMSRState(ctx, marketID, priced.NewQYes.String(), priced.NewQNo.String()); err != nil {
			return err
		}

		trade := model.Trade{
			ID:           uuid.NewString(),
			UserID:       userID,
			MarketID:     marketID,
			Outcome:      model.Outcome(env.Outcome),
			Side:         model.Side(env.Side),
			Shares:       env.Shares,
			FillAvgPrice: env.AvgPrice,
			CostMinor:    env.CostMinor,
			FeeMinor:     fee,
			Timestamp:    now,
		}
		if err := tx.InsertTrade(ctx, &trade); err != nil {
			return err
		}

		result = &TradeResult{Trade: trade, Position: *pos, FeeMinor: fee}
		if decision == model.AMLReview {
			result.ComplianceFlag = model.AMLReview
		}
		blob, err := json.Marshal(result)
		if err != nil {
			return err
		}
		rec := model.IdempotencyRecord{Scope: scope, Key: idempotencyKey, CreatedAt: now, ExpiresAt: now.Add(72 * time.Hour)}
		if err := tx.PutIdempotency(ctx, rec); err != nil {
			return err
		}
		return tx.CompleteIdempotency(ctx, scope, idempotencyKey, blob)
	})
	if txErr != nil {
		return nil, txErr
	}

	metrics.TradesTotal.WithLabelValues(string(result.Trade.Side)).Inc()
	metrics.MarketVolume.WithLabelValues(marketID, string(result.Trade.Side)).Add(result.Trade.Shares.InexactFloat64())
	metrics.LedgerEntriesTotal.WithLabelValues(string(model.EntryTrade)).Add(2)
	metrics.LedgerEntriesTotal.WithLabelValues(string(model.EntryFee)).Inc()
	s.obs.OnTrade(observer.TradeEvent{
		MarketID:  marketID,
		TradeID:   result.Trade.ID,
		Outcome:   string(result.Trade.Outcome),
		Side:      string(result.Trade.Side),
		Shares:    result.Trade.Shares.String(),
		AvgPrice:  result.Trade.FillAvgPrice.String(),
		CostMinor: result.Trade.CostMinor,
	})
	s.obs.OnLedgerPost(observer.LedgerPostEvent{TxnID: postedTxnID, Kind: string(model.EntryTrade), Entries: 3})
	return result, nil
}

func buildEntries(txnID, userID, userCashID, custodyID, feeRevenueID string, costMinor, feeMinor int64, now time.Time) []model.LedgerEntry {
	return []model.LedgerEntry{
		{ID: uuid.NewString(), TxnID: txnID, AccountID: userCashID, CounterAccountID: custodyID, UserID: userID,
			AmountMinor: -(costMinor + feeMinor), Kind: model.EntryTrade, Description: "buy shares", Timestamp: now},
		{ID: uuid.NewString(), TxnID: txnID, AccountID: custodyID, CounterAccountID: userCashID, UserID: userID,
			AmountMinor: costMinor, Kind: model.EntryTrade, Description: "buy shares", Timestamp: now},
		{ID: uuid.NewString(), TxnID: txnID, AccountID: feeRevenueID, CounterAccountID: userCashID, UserID: userID,
			AmountMinor: feeMinor, Kind: model.EntryFee, Description: "trade fee", Timestamp: now},
	}
}

func buildSellEntries(txnID, userID, userCashID, custodyID, feeRevenueID string, proceedsMinor, feeMinor int64, now time.Time) []model.LedgerEntry {
	return []model.LedgerEntry{
		{ID: uuid.NewString(), TxnID: txnID, AccountID: userCashID, CounterAccountID: custodyID, UserID: userID,
			AmountMinor: proceedsMinor - feeMinor, Kind: model.EntryTrade, Description: "sell shares", Timestamp: now},
		{ID: uuid.NewString(), TxnID: txnID, AccountID: custodyID, CounterAccountID: userCashID, UserID: userID,
			AmountMinor: -proceedsMinor, Kind: model.EntryTrade, Description: "sell shares", Timestamp: now},
		{ID: uuid.NewString(), TxnID: txnID, AccountID: feeRevenueID, CounterAccountID: userCashID, UserID: userID,
			AmountMinor: feeMinor, Kind: model.EntryFee, Description: "trade fee", Timestamp: now},
	}
}

func applyBuy(pos *model.Position, outcome string, shares, avgPrice decimal.Decimal, totalMinor int64) *model.Position {
	cp := *pos
	if outcome == "YES" {
		newShares := cp.YesShares.Add(shares)
		cp.AvgPriceYes = weightedAvg(cp.AvgPriceYes, cp.YesShares, avgPrice, shares)
		cp.YesShares = newShares
	} else {
		newShares := cp.NoShares.Add(shares)
		cp.AvgPriceNo = weightedAvg(cp.AvgPriceNo, cp.NoShares, avgPrice, shares)
		cp.NoShares = newShares
	}
	cp.TotalInvestedMinor += totalMinor
	return &cp
}

func applySell(pos *model.Position, outcome string, shares decimal.Decimal, netMinor int64) *model.Position {
	cp := *pos
	if outcome == "YES" {
		cp.YesShares = cp.YesShares.Sub(shares)
	} else {
		cp.NoShares = cp.NoShares.Sub(shares)
	}
	cp.RealizedPnLMinor += netMinor
	return &cp
}

func weightedAvg(oldAvg, oldShares, newPrice, newShares decimal.Decimal) decimal.Decimal {
	totalShares := oldShares.Add(newShares)
	if totalShares.IsZero() {
		return decimal.Zero
	}
	weighted := oldAvg.Mul(oldShares).Add(newPrice.Mul(newShares))
	return weighted.Div(totalShares).Round(lmsr.PriceScale)
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
