// Package settlement pays out a RESOLVED market: one winner-shares payout
// per position, a settlement fee skimmed to fee_revenue, and the
// position's shares zeroed. Each user settles inside its own
// serializable transaction, idempotent on (market_id, user_id), so a
// partial failure never blocks the remaining winners.
package settlement

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
	"github.com/atmx/predmkt-core/internal/metrics"
	"github.com/atmx/predmkt-core/internal/model"
	"github.com/atmx/predmkt-core/internal/observer"
	"github.com/atmx/predmkt-core/internal/store"
)

var (
	ErrNotResolved       = errors.New("settlement: market is not RESOLVED")
	ErrSolvencyViolation = errors.New("settlement: custody_cash would go negative")
)

// PositionSettlement is one user's settlement outcome for a market.
type PositionSettlement struct {
	UserID           string `json:"user_id"`
	GrossPayoutMinor int64  `json:"gross_payout_minor"`
	FeeMinor         int64  `json:"fee_minor"`
	NetPayoutMinor   int64  `json:"net_payout_minor"`
	Skipped          bool   `json:"skipped,omitempty"`
}

// Summary is the result of one settle_market call.
type Summary struct {
	MarketID    string               `json:"market_id"`
	Settlements []PositionSettlement `json:"settlements"`
	Errors      []string             `json:"errors,omitempty"`
}

// Service is the settlement pipeline's public contract.
type Service struct {
	db      store.Store
	feeRate decimal.Decimal
	obs     observer.Observer
}

// New constructs a settlement Service. feeBps is the settlement fee rate
// in basis points of gross payout (spec default: 50, i.e. 0.5%). obs may
// be nil, in which case settlement events are discarded.
func New(db store.Store, feeBps int64, obs observer.Observer) *Service {
	if obs == nil {
		obs = observer.Noop{}
	}
	return &Service{db: db, feeRate: decimal.NewFromInt(feeBps).Div(decimal.NewFromInt(10000)), obs: obs}
}

// SettleMarket pays out every position in a RESOLVED market. One
// position's failure (e.g. a transient serialization error) is recorded
// in Summary.Errors and does not prevent the rest from settling.
func (s *Service) SettleMarket(ctx context.Context, marketID string) (*Summary, error) {
	m, err := s.db.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketResolved {
		return nil, coreerr.New(coreerr.KindState, ErrNotResolved)
	}

	positions, err := s.db.GetMarketPositions(ctx, marketID)
	if err != nil {
		return nil, err
	}

	summary := &Summary{MarketID: marketID}
	paid := 0
	for i := range positions {
		pos := positions[i]
		result, err := s.settlePosition(ctx, m, &pos)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("user %s: %v", pos.UserID, err))
			metrics.SettlementsTotal.WithLabelValues("error").Inc()
			continue
		}
		summary.Settlements = append(summary.Settlements, *result)
		if result.Skipped {
			metrics.SettlementsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		metrics.SettlementsTotal.WithLabelValues("paid").Inc()
		metrics.SettlementPayoutMinor.Add(coredecimal.MinorToDecimal(result.NetPayoutMinor).InexactFloat64())
		paid++
	}

	s.obs.OnSettlement(observer.SettlementEvent{
		MarketID:       marketID,
		Resolution:     string(m.Resolution),
		PositionsPaid:  paid,
		PositionsTotal: len(positions),
	})
	return summary, nil
}

// GetSettlementSummary re-derives a settled market's per-user results
// from the idempotency records stamped by SettleMarket, without
// re-running any payout. Positions with no completed settlement record
// are left out of the summary.
func (s *Service) GetSettlementSummary(ctx context.Context, marketID string) (*Summary, error) {
	positions, err := s.db.GetMarketPositions(ctx, marketID)
	if err != nil {
		return nil, err
	}
	summary := &Summary{MarketID: marketID}
	for _, pos := range positions {
		rec, err := s.db.GetIdempotency(ctx, "settlement", settlementKey(marketID, pos.UserID))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if len(rec.ResponseBlob) == 0 {
			continue
		}
		var result PositionSettlement
		if err := json.Unmarshal(rec.ResponseBlob, &result); err != nil {
			return nil, err
		}
		summary.Settlements = append(summary.Settlements, result)
	}
	return summary, nil
}

func settlementKey(marketID, userID string) string {
	return fmt.Sprintf("%s:%s", marketID, userID)
}

func winningShares(m *model.Market, pos *model.Position) decimal.Decimal {
	switch m.Resolution {
	case model.ResolutionYes:
		return pos.YesShares
	case model.ResolutionNo:
		return pos.NoShares
	case model.ResolutionInvalid:
		return pos.YesShares.Add(pos.NoShares)
	default:
		return decimal.Zero
	}
}

func (s *Service) settlePosition(ctx context.Context, m *model.Market, pos *model.Position) (*PositionSettlement, error) {
	shares := winningShares(m, pos)
	if shares.IsZero() {
		return &PositionSettlement{UserID: pos.UserID, Skipped: true}, nil
	}

	scope := "settlement"
	key := settlementKey(m.ID, pos.UserID)
	if existing, err := s.db.GetIdempotency(ctx, scope, key); err == nil {
		if len(existing.ResponseBlob) > 0 {
			var cached PositionSettlement
			if err := json.Unmarshal(existing.ResponseBlob, &cached); err != nil {
				return nil, err
			}
			cached.Skipped = true
			return &cached, nil
		}
		return nil, fmt.Errorf("settlement: in-flight attempt for %s, retry later", key)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	shares := winningShares(m, pos)
	if shares.IsZero() {
		return &PositionSettlement{UserID: pos.UserID, Skipped: true}, nil
	}

	gross := shares.Mul(decimal.NewFromInt(100)).Floor().IntPart()
	fee := coredecimal.FeeMinor(coredecimal.MinorToDecimal(gross).Mul(s.feeRate))
	net := gross - fee

	var result *PositionSettlement
	var postedTxnID string
	err := s.db.BeginTx(ctx, func(tx store.Tx) error {
		userCash, err := tx.CreateAccountIfAbsent(ctx, pos.UserID, model.AccountUserCash, "USD")
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
		if locked[custody.ID].AvailableMinor < gross {
			return coreerr.New(coreerr.KindInternal,
				fmt.Errorf("%w: %s", ErrSolvencyViolation, coreerr.ErrInternalInvariantBroken))
		}

		now := time.Now()
		txnID := uuid.NewString()
		postedTxnID = txnID
		entries := []model.LedgerEntry{
			{ID: uuid.NewString(), TxnID: txnID, AccountID: userCash.ID, CounterAccountID: custody.ID, UserID: pos.UserID,
				AmountMinor: net, Kind: model.EntrySettlement, Description: "settlement payout", Timestamp: now},
			{ID: uuid.NewString(), TxnID: txnID, AccountID: custody.ID, CounterAccountID: userCash.ID, UserID: pos.UserID,
				AmountMinor: -net, Kind: model.EntrySettlement, Description: "settlement payout", Timestamp: now},
			{ID: uuid.NewString(), TxnID: txnID, AccountID: feeRevenue.ID, CounterAccountID: custody.ID, UserID: pos.UserID,
				AmountMinor: fee, Kind: model.EntryFee, Description: "settlement fee", Timestamp: now},
			{ID: uuid.NewString(), TxnID: txnID, AccountID: custody.ID, CounterAccountID: feeRevenue.ID, UserID: pos.UserID,
				AmountMinor: -fee, Kind: model.EntryFee, Description: "settlement fee", Timestamp: now},
		}

		if err := tx.AdjustAccountBalance(ctx, userCash.ID, net, 0); err != nil {
			return err
		}
		if err := tx.AdjustAccountBalance(ctx, custody.ID, -gross, 0); err != nil {
			return err
		}
		if err := tx.AdjustAccountBalance(ctx, feeRevenue.ID, fee, 0); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntries(ctx, entries); err != nil {
			return err
		}
		metrics.LedgerEntriesTotal.WithLabelValues(string(model.EntrySettlement)).Add(2)
		metrics.LedgerEntriesTotal.WithLabelValues(string(model.EntryFee)).Add(2)

		settled := *pos
		settled.YesShares = decimal.Zero
		settled.NoShares = decimal.Zero
		settled.RealizedPnLMinor += net
		if err := tx.UpsertPosition(ctx, &settled); err != nil {
			return err
		}

		result = &PositionSettlement{UserID: pos.UserID, GrossPayoutMinor: gross, FeeMinor: fee, NetPayoutMinor: net}
		blob, err := json.Marshal(result)
		if err != nil {
			return err
		}
		rec := model.IdempotencyRecord{Scope: scope, Key: key, CreatedAt: now, ExpiresAt: now.Add(72 * time.Hour)}
		if err := tx.PutIdempotency(ctx, rec); err != nil {
			return err
		}
		return tx.CompleteIdempotency(ctx, scope, key, blob)
	})
	if err != nil {
		return nil, err
	}
	s.obs.OnLedgerPost(observer.LedgerPostEvent{TxnID: postedTxnID, Kind: string(model.EntrySettlement), Entries: 4})
	return result, nil
}
