// Package decimal collects the fixed-precision helpers the rest of the
// core shares: safe transcendentals for LMSR's exp/ln, and the minor-unit
// conversion policy that turns a decimal cash amount into the integer
// cents actually moved in the ledger.
package decimal

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// ErrDomain is returned by SafeLn for non-positive input.
var ErrDomain = errors.New("decimal: domain error")

const (
	expClampMin = -700.0
	expClampMax = 700.0

	// MoneyScale is the number of fractional digits kept on Decimal
	// values before they cross the minor-unit boundary.
	MoneyScale = 8
)

// SafeExp computes exp(x) after clamping x to [-700, 700]. Outside the
// band it saturates rather than overflowing to +Inf or underflowing to
// 0 in a way that would silently zero out a price.
func SafeExp(x float64) float64 {
	if x < expClampMin {
		x = expClampMin
	}
	if x > expClampMax {
		x = expClampMax
	}
	return math.Exp(x)
}

// SafeLn computes ln(x), failing with ErrDomain for x <= 0.
func SafeLn(x float64) (float64, error) {
	if x <= 0 {
		return 0, ErrDomain
	}
	return math.Log(x), nil
}

// LogSumExp computes ln(Σ exp(xs[i])) using the max-subtraction trick so
// it stays accurate even when the individual exponents would overflow.
func LogSumExp(xs ...float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}
	max := xs[0]
	for _, x := range xs[1:] {
		if x > max {
			max = x
		}
	}
	if math.IsInf(max, -1) {
		return math.Inf(-1)
	}
	sum := 0.0
	for _, x := range xs {
		sum += SafeExp(x - max)
	}
	return max + math.Log(sum)
}

// DebitMinor converts a decimal cash amount the user must pay into
// integer minor units, rounding half-up: a residual of half a minor unit
// or more is charged as a full minor unit, a smaller one is dropped.
func DebitMinor(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// CreditMinor converts a decimal cash amount owed to the user into
// integer minor units, rounding half-down: an exact half-cent residual
// resolves in the house's favor, not the user's. shopspring/decimal's
// Round is away-from-zero (odd, so negating twice is a no-op); half-down
// is computed directly instead, by floor()ing the scaled amount and only
// bumping up when the fractional remainder strictly exceeds one half.
func CreditMinor(amount decimal.Decimal) int64 {
	scaled := amount.Mul(decimal.NewFromInt(100))
	floor := scaled.Floor()
	if scaled.Sub(floor).GreaterThan(decimal.NewFromFloat(0.5)) {
		return floor.IntPart() + 1
	}
	return floor.IntPart()
}

// FeeMinor floors a decimal fee amount into integer minor units. Fees
// are always computed last and always floored, per the rounding policy:
// the house is the residual holder of sub-cent dust.
func FeeMinor(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Floor().IntPart()
}

// MinorToDecimal converts an integer minor-unit amount back to a decimal
// currency amount, for audit/display purposes only — the minor-unit
// integer remains the authoritative cash figure.
func MinorToDecimal(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(decimal.NewFromInt(100))
}
