package quote

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var testKey = []byte("test-signing-key")

func sampleEnvelope(issuedAt int64) Envelope {
	e := Envelope{
		MarketID:     "mkt-1",
		Outcome:      "YES",
		Shares:       d(10),
		Side:         "BUY",
		StartPrice:   d(0.5),
		EndPrice:     d(0.5512),
		AvgPrice:     d(0.5249),
		CostMinor:    512,
		MaxCostMinor: 520,
		IssuedAt:     issuedAt,
		TTLSeconds:   15,
		Nonce:        "abc123",
	}
	return Sign(e, testKey)
}

func TestSignAndVerify_Valid(t *testing.T) {
	now := time.Unix(1000, 0)
	e := sampleEnvelope(1000)
	if err := Verify(e, testKey, now); err != nil {
		t.Fatalf("expected valid envelope, got %v", err)
	}
}

func TestVerify_RejectsTamperedField(t *testing.T) {
	now := time.Unix(1000, 0)
	e := sampleEnvelope(1000)
	e.CostMinor = 999
	if err := Verify(e, testKey, now); err != ErrInvalidSignature {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_RejectsWrongKey(t *testing.T) {
	now := time.Unix(1000, 0)
	e := sampleEnvelope(1000)
	if err := Verify(e, []byte("wrong-key"), now); err != ErrInvalidSignature {
		t.Errorf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerify_RejectsExpired(t *testing.T) {
	e := sampleEnvelope(1000)
	now := time.Unix(1000+16, 0)
	if err := Verify(e, testKey, now); err != ErrExpired {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestVerify_AcceptsWithinTTL(t *testing.T) {
	e := sampleEnvelope(1000)
	now := time.Unix(1000+14, 0)
	if err := Verify(e, testKey, now); err != nil {
		t.Errorf("expected valid within TTL, got %v", err)
	}
}

func TestCanonicalString_SortedKeyValue(t *testing.T) {
	e := sampleEnvelope(1000)
	s := e.CanonicalString()
	if s == "" {
		t.Fatal("canonical string should not be empty")
	}
	// market_id sorts before outcome alphabetically.
	mi := indexOf(s, "market_id=")
	oi := indexOf(s, "outcome=")
	if mi == -1 || oi == -1 || mi > oi {
		t.Errorf("expected sorted key=value pairs, got %q", s)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
