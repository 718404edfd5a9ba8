// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker for binary YES/NO prediction markets.
//
// The LMSR was proposed by Robin Hanson and provides:
//   - Bounded loss for the market maker (capped at b * ln(n))
//   - Continuous pricing with infinite liquidity
//   - Path-independent cost function
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal transcendental math uses the log-sum-exp trick for numerical
// stability, with results immediately converted to decimal.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	coredecimal "github.com/atmx/predmkt-core/internal/decimal"
)

var (
	// ErrInvalidLiquidity is returned when b is outside [BMin, BMax].
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b out of range")

	// ErrPriceBoundExceeded is returned when a trade would push prices
	// beyond the allowed bounds [MinPrice, MaxPrice].
	ErrPriceBoundExceeded = errors.New("lmsr: trade would push price beyond allowed bounds")

	// ErrInvalidShares is returned for a non-positive, NaN, infinite, or
	// out-of-range share quantity.
	ErrInvalidShares = errors.New("lmsr: invalid share quantity")

	// ErrInvalidSeedPrice is returned for a seed target outside (0, 1).
	ErrInvalidSeedPrice = errors.New("lmsr: seed price must be in (0, 1)")

	// MinPrice is the lowest allowed price (probability floor).
	MinPrice = decimal.NewFromFloat(0.001)

	// MaxPrice is the highest allowed price (probability ceiling).
	MaxPrice = decimal.NewFromFloat(0.999)

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8

	// BMin and BMax bound the liquidity parameter at construction.
	BMin = decimal.NewFromInt(1)
	BMax = decimal.NewFromInt(10000)

	// SharesMin and SharesMax bound a single trade's quantity.
	SharesMin = decimal.NewFromFloat(0.01)
	SharesMax = decimal.NewFromInt(1000000)
)

// MarketMaker implements the LMSR cost function for binary outcome markets.
// It is stateless — market quantities are passed as arguments, not stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a new LMSR market maker with the given liquidity
// parameter b. Higher b → more liquidity, lower price impact per trade.
// Maximum market-maker loss is bounded by b * ln(2) for binary markets.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThan(BMin) || b.GreaterThan(BMax) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// ValidateShares checks a trade's share quantity against the configured
// bounds, rejecting NaN/infinite/non-positive inputs. LMSR itself does
// not check a caller's position balance — trading does.
func ValidateShares(shares decimal.Decimal) error {
	f, _ := shares.Float64()
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return ErrInvalidShares
	}
	if shares.LessThan(SharesMin) || shares.GreaterThan(SharesMax) {
		return ErrInvalidShares
	}
	return nil
}

// Cost computes the LMSR cost function:
//
//	C(q) = b * ln(Σ exp(q_i / b))
//
// For binary markets, q = [qYes, qNo].
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	qy := qYes.InexactFloat64()
	qn := qNo.InexactFloat64()

	lse := coredecimal.LogSumExp(qy/bf, qn/bf)
	cost := bf * lse

	return decimal.NewFromFloat(cost).Round(PriceScale)
}

// Price computes the instantaneous price (probability) for the YES outcome:
//
//	p_yes = exp(qYes / b) / (exp(qYes / b) + exp(qNo / b))
//
// Result is clamped to [MinPrice, MaxPrice] to prevent degenerate pricing.
func (m *MarketMaker) Price(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	qy := qYes.InexactFloat64()
	qn := qNo.InexactFloat64()

	yOverB := qy / bf
	nOverB := qn / bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := coredecimal.SafeExp(yOverB - maxVal)
	expNo := coredecimal.SafeExp(nOverB - maxVal)

	price := expYes / (expYes + expNo)
	result := decimal.NewFromFloat(price).Round(PriceScale)

	if result.LessThan(MinPrice) {
		return MinPrice
	}
	if result.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return result
}

// PriceNo returns the instantaneous price for the NO outcome: 1 - p_yes.
func (m *MarketMaker) PriceNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.Price(qYes, qNo))
}

// TradeCost computes the cost to change the YES quantity by deltaYes shares:
//
//	cost = C(qYes + deltaYes, qNo) - C(qYes, qNo)
func (m *MarketMaker) TradeCost(qYes, qNo, deltaYes decimal.Decimal) decimal.Decimal {
	costBefore := m.Cost(qYes, qNo)
	costAfter := m.Cost(qYes.Add(deltaYes), qNo)
	return costAfter.Sub(costBefore)
}

// TradeCostNo computes the cost to change the NO quantity by deltaNo shares.
// Uses the symmetry property: C(a, b) = C(b, a).
func (m *MarketMaker) TradeCostNo(qYes, qNo, deltaNo decimal.Decimal) decimal.Decimal {
	return m.TradeCost(qNo, qYes, deltaNo)
}

// FillPrice returns the average execution price per share for a trade.
//
//	fillPrice = cost / delta
func (m *MarketMaker) FillPrice(qFirst, qSecond, delta decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return m.Price(qFirst, qSecond)
	}
	cost := m.TradeCost(qFirst, qSecond, delta)
	return cost.Div(delta).Round(PriceScale)
}

// validatePriceAfterTrade checks whether the resulting YES price is within
// the allowed bounds after updating quantities.
func (m *MarketMaker) validatePriceAfterTrade(newQYes, newQNo decimal.Decimal) error {
	bf := m.b.InexactFloat64()
	qy := newQYes.InexactFloat64()
	qn := newQNo.InexactFloat64()

	maxVal := math.Max(qy/bf, qn/bf)
	expYes := coredecimal.SafeExp(qy/bf - maxVal)
	expNo := coredecimal.SafeExp(qn/bf - maxVal)
	price := expYes / (expYes + expNo)

	minF := MinPrice.InexactFloat64()
	maxF := MaxPrice.InexactFloat64()
	if price < minF || price > maxF {
		return ErrPriceBoundExceeded
	}
	return nil
}

// ValidateTrade checks if a YES-side trade would push prices beyond bounds.
func (m *MarketMaker) ValidateTrade(qYes, qNo, deltaYes decimal.Decimal) error {
	return m.validatePriceAfterTrade(qYes.Add(deltaYes), qNo)
}

// ValidateTradeNo checks if a NO-side trade would push prices beyond bounds.
func (m *MarketMaker) ValidateTradeNo(qYes, qNo, deltaNo decimal.Decimal) error {
	return m.validatePriceAfterTrade(qYes, qNo.Add(deltaNo))
}

// MaxLoss returns the maximum possible loss for the market maker: b * ln(n),
// where n = 2 for binary markets.
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	bf := m.b.InexactFloat64()
	loss := bf * math.Log(2)
	return decimal.NewFromFloat(loss).Round(PriceScale)
}

// Seed derives the initial (qYes, qNo) state for a target YES probability.
// qNo is fixed at 0 and qYes is solved from p_yes = target:
//
//	qYes = b * ln(target / (1 - target))
//
// A target of 0.5 yields the symmetric (0, 0) starting state.
func (m *MarketMaker) Seed(targetPYes decimal.Decimal) (qYes, qNo decimal.Decimal, err error) {
	if targetPYes.LessThanOrEqual(decimal.Zero) || targetPYes.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, decimal.Zero, ErrInvalidSeedPrice
	}
	if targetPYes.Equal(decimal.NewFromFloat(0.5)) {
		return decimal.Zero, decimal.Zero, nil
	}
	bf := m.b.InexactFloat64()
	p := targetPYes.InexactFloat64()
	ratio := p / (1 - p)
	ln, lnErr := coredecimal.SafeLn(ratio)
	if lnErr != nil {
		return decimal.Zero, decimal.Zero, ErrInvalidSeedPrice
	}
	qy := bf * ln
	return decimal.NewFromFloat(qy).Round(PriceScale), decimal.Zero, nil
}

// BuyQuote is the result of pricing a purchase of Δ shares of an outcome.
type BuyQuote struct {
	Outcome      string
	Shares       decimal.Decimal
	StartPrice   decimal.Decimal
	EndPrice     decimal.Decimal
	AvgPrice     decimal.Decimal
	CostMinor    int64
	PriceImpact  decimal.Decimal
	NewQYes      decimal.Decimal
	NewQNo       decimal.Decimal
}

// SellQuote is the result of pricing a sale of Δ shares of an outcome.
// Cost is reported as negative (proceeds to the seller).
type SellQuote struct {
	Outcome     string
	Shares      decimal.Decimal
	StartPrice  decimal.Decimal
	EndPrice    decimal.Decimal
	AvgPrice    decimal.Decimal
	CostMinor   int64 // negative: proceeds
	PriceImpact decimal.Decimal
	NewQYes     decimal.Decimal
	NewQNo      decimal.Decimal
}

// BuyYes prices a purchase of delta YES shares against state (qYes, qNo).
func (m *MarketMaker) BuyYes(qYes, qNo, delta decimal.Decimal) (BuyQuote, error) {
	if err := ValidateShares(delta); err != nil {
		return BuyQuote{}, err
	}
	if err := m.ValidateTrade(qYes, qNo, delta); err != nil {
		return BuyQuote{}, err
	}
	start := m.Price(qYes, qNo)
	cost := m.TradeCost(qYes, qNo, delta)
	newQYes := qYes.Add(delta)
	end := m.Price(newQYes, qNo)
	return BuyQuote{
		Outcome:     "YES",
		Shares:      delta,
		StartPrice:  start,
		EndPrice:    end,
		AvgPrice:    cost.Div(delta).Round(PriceScale),
		CostMinor:   coredecimal.DebitMinor(cost),
		PriceImpact: end.Sub(start),
		NewQYes:     newQYes,
		NewQNo:      qNo,
	}, nil
}

// BuyNo prices a purchase of delta NO shares against state (qYes, qNo).
func (m *MarketMaker) BuyNo(qYes, qNo, delta decimal.Decimal) (BuyQuote, error) {
	if err := ValidateShares(delta); err != nil {
		return BuyQuote{}, err
	}
	if err := m.ValidateTradeNo(qYes, qNo, delta); err != nil {
		return BuyQuote{}, err
	}
	start := m.PriceNo(qYes, qNo)
	cost := m.TradeCostNo(qYes, qNo, delta)
	newQNo := qNo.Add(delta)
	end := m.PriceNo(qYes, newQNo)
	return BuyQuote{
		Outcome:     "NO",
		Shares:      delta,
		StartPrice:  start,
		EndPrice:    end,
		AvgPrice:    cost.Div(delta).Round(PriceScale),
		CostMinor:   coredecimal.DebitMinor(cost),
		PriceImpact: end.Sub(start),
		NewQYes:     qYes,
		NewQNo:      newQNo,
	}, nil
}

// SellYes prices a sale of delta YES shares. The caller is responsible
// for checking the seller holds at least delta shares — LMSR itself does
// not enforce position constraints.
func (m *MarketMaker) SellYes(qYes, qNo, delta decimal.Decimal) (SellQuote, error) {
	if err := ValidateShares(delta); err != nil {
		return SellQuote{}, err
	}
	neg := delta.Neg()
	if err := m.ValidateTrade(qYes, qNo, neg); err != nil {
		return SellQuote{}, err
	}
	start := m.Price(qYes, qNo)
	cost := m.TradeCost(qYes, qNo, neg)
	newQYes := qYes.Add(neg)
	end := m.Price(newQYes, qNo)
	return SellQuote{
		Outcome:     "YES",
		Shares:      delta,
		StartPrice:  start,
		EndPrice:    end,
		AvgPrice:    cost.Div(neg).Round(PriceScale),
		CostMinor:   -coredecimal.CreditMinor(cost.Neg()),
		PriceImpact: end.Sub(start),
		NewQYes:     newQYes,
		NewQNo:      qNo,
	}, nil
}

// SellNo prices a sale of delta NO shares.
func (m *MarketMaker) SellNo(qYes, qNo, delta decimal.Decimal) (SellQuote, error) {
	if err := ValidateShares(delta); err != nil {
		return SellQuote{}, err
	}
	neg := delta.Neg()
	if err := m.ValidateTradeNo(qYes, qNo, neg); err != nil {
		return SellQuote{}, err
	}
	start := m.PriceNo(qYes, qNo)
	cost := m.TradeCostNo(qYes, qNo, neg)
	newQNo := qNo.Add(neg)
	end := m.PriceNo(qYes, newQNo)
	return SellQuote{
		Outcome:     "NO",
		Shares:      delta,
		StartPrice:  start,
		EndPrice:    end,
		AvgPrice:    cost.Div(neg).Round(PriceScale),
		CostMinor:   -coredecimal.CreditMinor(cost.Neg()),
		PriceImpact: end.Sub(start),
		NewQYes:     qYes,
		NewQNo:      newQNo,
	}, nil
}

// DepthToPrice binary-searches for the share quantity Δ of outcome that
// moves the market to the target price, within 1e-4 or 50 iterations.
func (m *MarketMaker) DepthToPrice(qYes, qNo, target decimal.Decimal, outcomeYes bool) decimal.Decimal {
	lo := SharesMin
	hi := decimal.NewFromInt(10000)
	const maxIter = 50
	const tol = 1e-4

	priceAt := func(delta decimal.Decimal) decimal.Decimal {
		if outcomeYes {
			return m.Price(qYes.Add(delta), qNo)
		}
		return m.PriceNo(qYes, qNo.Add(delta))
	}

	targetF := target.InexactFloat64()
	mid := lo.Add(hi).Div(decimal.NewFromInt(2))
	for i := 0; i < maxIter; i++ {
		mid = lo.Add(hi).Div(decimal.NewFromInt(2))
		p := priceAt(mid).InexactFloat64()
		if math.Abs(p-targetF) < tol {
			return mid
		}
		if p < targetF {
			lo = mid
		} else {
			hi = mid
		}
	}
	return mid
}
