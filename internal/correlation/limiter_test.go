package correlation

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000), 8)

	err := limiter.CheckLimit("politics/us/senate", d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000), 8)

	existing := map[string]decimal.Decimal{
		"politics/us/senate": d(950),
	}

	err := limiter.CheckLimit("politics/us/senate", d(100), existing)
	if err != ErrPerMarketLimitExceeded {
		t.Errorf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerMarketNotExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000), 8)

	existing := map[string]decimal.Decimal{
		"politics/us/senate": d(500),
	}

	err := limiter.CheckLimit("politics/us/senate", d(100), existing)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	// PrefixLen=8: "politics" is the shared prefix for every politics
	// sub-category below.
	limiter := NewPositionLimiter(d(1000), d(2000), 8)

	existing := map[string]decimal.Decimal{
		"politics/us/senate":    d(800),
		"politics/us/house":     d(800),
		"politics/us/president": d(300),
	}

	// New trade of 200 in another correlated category:
	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit("politics/uk/pm", d(200), existing)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_NonCorrelatedCategoriesIgnored(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(2000), 8)

	existing := map[string]decimal.Decimal{
		"politics/us/senate": d(800), // correlated with target (prefix "politics")
		"sports/nfl/playoff": d(900), // NOT correlated (prefix "sports")
	}

	// Correlated total = 500 + 800 = 1300 < 2000 (sports category excluded).
	err := limiter.CheckLimit("politics/us/house", d(500), existing)
	if err != nil {
		t.Errorf("non-correlated categories should be ignored, got %v", err)
	}
}

func TestCheckLimit_SellReducesExposure(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000), 8)

	existing := map[string]decimal.Decimal{
		"politics/us/senate": d(800),
	}

	// Selling (negative delta) reduces exposure: 800 - 200 = 600 < 1000.
	err := limiter.CheckLimit("politics/us/senate", d(-200), existing)
	if err != nil {
		t.Errorf("sell should reduce exposure, got %v", err)
	}
}

func TestCheckLimit_ElectionSeasonScenario(t *testing.T) {
	// Simulate an election season: 15 correlated political markets,
	// each with position 200. MaxCorrelated = 3000 means a user can't
	// have more than 3000 total exposure across them.
	limiter := NewPositionLimiter(d(500), d(3000), 8)

	existing := make(map[string]decimal.Decimal)
	for i := 0; i < 15; i++ {
		category := "politics/race-" + string(rune('a'+i))
		existing[category] = d(200)
	}

	// Total existing = 15 × 200 = 3000. Adding 100 more → 3100 > 3000.
	err := limiter.CheckLimit("politics/race-z", d(100), existing)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected correlated limit exceeded for election season, got %v", err)
	}
}

func TestCheckLimit_NilExposures(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000), 8)

	err := limiter.CheckLimit("politics/us/senate", d(500), nil)
	if err != nil {
		t.Errorf("nil exposures should be treated as empty, got %v", err)
	}
}
