// Package correlation implements exposure limits that account for
// correlation between a user's market positions.
//
// A user holding large positions across many markets in the same
// category (e.g. every "politics" market ahead of an election) carries
// correlated risk even though no single market's position looks large
// in isolation. This package bounds both the per-market position and
// the aggregate exposure across a correlated group of markets, using
// category-prefix matching as the correlation signal.
package correlation

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerMarketLimitExceeded is returned when a trade would push a
	// single market's position beyond the per-market maximum.
	ErrPerMarketLimitExceeded = errors.New("correlation: per-market position limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate exposure across correlated markets beyond the
	// correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated exposure limit exceeded")
)

// PositionLimiter enforces position limits with category-correlation
// awareness. This is a risk control the trading core may expose as a
// gate for an outside RgGate to consult; it does not replace
// gateway.RgGate.
//
// Correlation detection uses category prefix matching:
//   - Markets share a hierarchical category string (e.g. "politics/us/senate")
//   - Categories sharing a longer prefix are considered more correlated
//   - PrefixLen controls how many leading characters of the category
//     must match for two markets to be grouped together
type PositionLimiter struct {
	// MaxPerMarket is the maximum absolute net position in any single
	// market.
	MaxPerMarket decimal.Decimal

	// MaxCorrelated is the maximum aggregate absolute exposure across
	// all markets whose category shares the same prefix.
	MaxCorrelated decimal.Decimal

	// PrefixLen determines how many leading characters of the category
	// string must match for two markets to be considered correlated.
	PrefixLen int
}

// NewPositionLimiter creates a limiter with the given per-market and
// correlated exposure limits.
func NewPositionLimiter(maxPerMarket, maxCorrelated decimal.Decimal, prefixLen int) *PositionLimiter {
	if prefixLen < 1 {
		prefixLen = 1
	}
	return &PositionLimiter{
		MaxPerMarket:  maxPerMarket,
		MaxCorrelated: maxCorrelated,
		PrefixLen:     prefixLen,
	}
}

// CheckLimit validates whether a trade respects position limits.
//
// Parameters:
//   - targetCategory: category of the market being traded
//   - exposureDelta: signed change in exposure (+YES / -NO direction)
//   - existingExposures: map of category → current net exposure for this user
//
// Returns nil if the trade is within limits, or an error describing the
// violation. existingExposures is keyed by category rather than market
// id: callers that track exposure per market should pre-aggregate by
// category before calling, since the per-market check only needs the
// target category's own total.
func (l *PositionLimiter) CheckLimit(
	targetCategory string,
	exposureDelta decimal.Decimal,
	existingExposures map[string]decimal.Decimal,
) error {
	currentInCategory := existingExposures[targetCategory]
	newPosition := currentInCategory.Add(exposureDelta)

	if newPosition.Abs().GreaterThan(l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}

	targetPrefix := categoryPrefix(targetCategory, l.PrefixLen)
	totalCorrelated := newPosition.Abs()

	for category, exposure := range existingExposures {
		if category == targetCategory {
			continue // already counted via newPosition above
		}
		if categoryPrefix(category, l.PrefixLen) == targetPrefix {
			totalCorrelated = totalCorrelated.Add(exposure.Abs())
		}
	}

	if totalCorrelated.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}

	return nil
}

// categoryPrefix returns the first `length` characters of a category
// string.
func categoryPrefix(category string, length int) string {
	if length >= len(category) {
		return category
	}
	return category[:length]
}
