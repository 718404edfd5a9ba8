// Package market implements the market entity and its lifecycle state
// machine: create, seed, close, resolve. All transitions run under one
// serializable transaction and are the only permitted way status
// changes.
package market

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predmkt-core/internal/coreerr"
	"github.com/atmx/predmkt-core/internal/lmsr"
	"github.com/atmx/predmkt-core/internal/model"
	"github.com/atmx/predmkt-core/internal/store"
)

// slugRegex matches a lowercase, hyphenated market slug, e.g.
// "will-btc-close-above-100k-on-2026-12-31".
var slugRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

var (
	ErrInvalidSlug        = errors.New("market: invalid slug")
	ErrSlugTaken          = errors.New("market: slug already in use")
	ErrInvalidTransition  = errors.New("market: invalid status transition")
	ErrResolutionMismatch = errors.New("market: resolve called with a different outcome than the stored resolution")
	ErrNotResolved        = errors.New("market: not resolved")
)

// CreateParams describes a new DRAFT market.
type CreateParams struct {
	Slug          string
	Title         string
	Category      string
	MinTradeMinor int64
	MaxTradeMinor int64
	OpenAt        time.Time
	CloseAt       time.Time
	CreatorID     string
	LiquidityB    decimal.Decimal
}

// Service is the market lifecycle's public contract.
type Service struct {
	db store.Store
}

// New constructs a market Service over the given store.
func New(db store.Store) *Service {
	return &Service{db: db}
}

func validateSlug(slug string) error {
	if len(slug) < 3 || len(slug) > 140 || !slugRegex.MatchString(slug) {
		return coreerr.New(coreerr.KindValidation, fmt.Errorf("%w: %q", ErrInvalidSlug, slug))
	}
	return nil
}

// Create inserts a new DRAFT market with its LMSR state seeded at
// q_yes=q_no=0. Slug uniqueness is enforced by a pre-check plus the
// unique constraint in storage.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.Market, error) {
	if err := validateSlug(p.Slug); err != nil {
		return nil, err
	}
	if _, err := lmsr.NewMarketMaker(p.LiquidityB); err != nil {
		return nil, coreerr.New(coreerr.KindValidation, err)
	}
	if _, err := s.db.GetMarketBySlug(ctx, p.Slug); err == nil {
		return nil, coreerr.New(coreerr.KindValidation, ErrSlugTaken)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now()
	m := &model.Market{
		ID:            uuid.NewString(),
		Slug:          p.Slug,
		Title:         p.Title,
		Category:      p.Category,
		Status:        model.MarketDraft,
		MinTradeMinor: p.MinTradeMinor,
		MaxTradeMinor: p.MaxTradeMinor,
		OpenAt:        p.OpenAt,
		CloseAt:       p.CloseAt,
		CreatorID:     p.CreatorID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	lmsrState := &model.LMSRState{
		MarketID:  m.ID,
		B:         p.LiquidityB,
		QYes:      decimal.Zero,
		QNo:       decimal.Zero,
		UpdatedAt: now,
	}

	err := s.db.BeginTx(ctx, func(tx store.Tx) error {
		return tx.CreateMarket(ctx, m, lmsrState)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Seed transitions a DRAFT market to OPEN, deriving (q_yes, q_no) from
// initialPYes (default 0.5 when zero), and records the seed transaction
// crediting custody_cash from a house liquidity account.
func (s *Service) Seed(ctx context.Context, marketID string, liquidityPoolMinor int64, initialPYes decimal.Decimal, houseAccountID string) (*model.Market, error) {
	if initialPYes.IsZero() {
		initialPYes = decimal.NewFromFloat(0.5)
	}

	m, err := s.db.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketDraft {
		return nil, coreerr.New(coreerr.KindState, fmt.Errorf("%w: seed requires DRAFT, got %s", ErrInvalidTransition, m.Status))
	}

	st, err := s.db.GetLMSRState(ctx, marketID)
	if err != nil {
		return nil, err
	}
	mm, err := lmsr.NewMarketMaker(st.B)
	if err != nil {
		return nil, err
	}
	qYes, qNo, err := mm.Seed(initialPYes)
	if err != nil {
		return nil, coreerr.New(coreerr.KindValidation, err)
	}

	err = s.db.BeginTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if locked.Status != model.MarketDraft {
			return coreerr.New(coreerr.KindState, ErrInvalidTransition)
		}
		if _, err := tx.LockLMSRState(ctx, marketID); err != nil {
			return err
		}
		if err := tx.UpdateLMSRState(ctx, marketID, qYes.String(), qNo.String()); err != nil {
			return err
		}
		if err := tx.UpdateMarketStatus(ctx, marketID, model.MarketOpen, model.ResolutionNone); err != nil {
			return err
		}

		custody, err := tx.CreateAccountIfAbsent(ctx, "", model.AccountCustodyCash, "USD")
		if err != nil {
			return err
		}
		acctIDs := []string{houseAccountID, custody.ID}
		sort.Strings(acctIDs)
		for _, id := range acctIDs {
			if _, err := tx.LockAccount(ctx, id); err != nil {
				return err
			}
		}
		if err := tx.AdjustAccountBalance(ctx, houseAccountID, -liquidityPoolMinor, 0); err != nil {
			return err
		}
		if err := tx.AdjustAccountBalance(ctx, custody.ID, liquidityPoolMinor, 0); err != nil {
			return err
		}
		now := time.Now()
		txnID := uuid.NewString()
		return tx.InsertLedgerEntries(ctx, []model.LedgerEntry{
			{ID: uuid.NewString(), TxnID: txnID, AccountID: custody.ID, CounterAccountID: houseAccountID,
				AmountMinor: liquidityPoolMinor, Kind: model.EntrySettlement, Description: "market seed liquidity", Timestamp: now},
			{ID: uuid.NewString(), TxnID: txnID, AccountID: houseAccountID, CounterAccountID: custody.ID,
				AmountMinor: -liquidityPoolMinor, Kind: model.EntrySettlement, Description: "market seed liquidity", Timestamp: now},
		})
	})
	if err != nil {
		return nil, err
	}
	return s.db.GetMarket(ctx, marketID)
}

// Close transitions an OPEN market to CLOSED. Rejects if not OPEN.
func (s *Service) Close(ctx context.Context, marketID string) (*model.Market, error) {
	err := s.db.BeginTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status != model.MarketOpen {
			return coreerr.New(coreerr.KindState, fmt.Errorf("%w: close requires OPEN, got %s", ErrInvalidTransition, m.Status))
		}
		return tx.UpdateMarketStatus(ctx, marketID, model.MarketClosed, model.ResolutionNone)
	})
	if err != nil {
		return nil, err
	}
	return s.db.GetMarket(ctx, marketID)
}

// Resolve transitions a CLOSED market to RESOLVED with the given
// outcome. A second call with the identical outcome is a no-op
// returning the already-resolved market; a different outcome fails.
func (s *Service) Resolve(ctx context.Context, marketID string, outcome model.Resolution) (*model.Market, error) {
	switch outcome {
	case model.ResolutionYes, model.ResolutionNo, model.ResolutionInvalid:
	default:
		return nil, coreerr.New(coreerr.KindValidation, fmt.Errorf("%w: %q", ErrInvalidTransition, outcome))
	}

	var result *model.Market
	err := s.db.BeginTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status == model.MarketResolved {
			if m.Resolution != outcome {
				return coreerr.New(coreerr.KindState, ErrResolutionMismatch)
			}
			result = m
			return nil
		}
		if m.Status != model.MarketClosed {
			return coreerr.New(coreerr.KindState, fmt.Errorf("%w: resolve requires CLOSED, got %s", ErrInvalidTransition, m.Status))
		}
		if err := tx.UpdateMarketStatus(ctx, marketID, model.MarketResolved, outcome); err != nil {
			return err
		}
		result, err = tx.GetMarket(ctx, marketID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get returns a market by id.
func (s *Service) Get(ctx context.Context, id string) (*model.Market, error) {
	return s.db.GetMarket(ctx, id)
}

// GetBySlug returns a market by its unique slug.
func (s *Service) GetBySlug(ctx context.Context, slug string) (*model.Market, error) {
	return s.db.GetMarketBySlug(ctx, slug)
}

// List returns markets, optionally filtered by category.
func (s *Service) List(ctx context.Context, category string) ([]model.Market, error) {
	return s.db.ListMarkets(ctx, category)
}

// RequireOpenForTrading validates a market is OPEN and within its
// trading window, returning the spec's distinguished errors otherwise.
func RequireOpenForTrading(m *model.Market, now time.Time) error {
	if m.Status != model.MarketOpen {
		return coreerr.New(coreerr.KindState, fmt.Errorf("market not open: status=%s", m.Status))
	}
	if now.Before(m.OpenAt) || !now.Before(m.CloseAt) {
		return coreerr.New(coreerr.KindState, fmt.Errorf("market closed: now=%s window=[%s,%s)", now, m.OpenAt, m.CloseAt))
	}
	return nil
}
