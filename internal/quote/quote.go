// Package quote produces and verifies the short-lived signed envelopes
// that bind a price and share quantity to a market state, so a later
// execute can detect staleness. Quotes are stateless: nothing is stored
// server-side beyond the HMAC key used to sign and verify them.
package quote

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrExpired is returned when a quote's TTL has elapsed.
	ErrExpired = errors.New("quote: expired")
	// ErrInvalidSignature is returned when the HMAC does not verify.
	ErrInvalidSignature = errors.New("quote: invalid signature")

	// DefaultTTLSeconds is used when a caller does not specify one.
	DefaultTTLSeconds int64 = 15
)

// Envelope is a signed, short-lived artifact produced by the LMSR engine
// and consumed by the trading pipeline.
type Envelope struct {
	MarketID     string          `json:"market_id"`
	Outcome      string          `json:"outcome"`
	Shares       decimal.Decimal `json:"shares"`
	Side         string          `json:"side"`
	StartPrice   decimal.Decimal `json:"start_price"`
	EndPrice     decimal.Decimal `json:"end_price"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	CostMinor    int64           `json:"cost_minor"`
	MaxCostMinor int64           `json:"max_cost_minor"`
	IssuedAt     int64           `json:"issued_at"` // unix seconds
	TTLSeconds   int64           `json:"ttl_seconds"`
	Nonce        string          `json:"nonce"`
	Signature    string          `json:"signature"`
}

// fields returns the canonical sorted key=value pairs signed over. The
// signature field itself is excluded.
func (e Envelope) fields() map[string]string {
	return map[string]string{
		"market_id":      e.MarketID,
		"outcome":        e.Outcome,
		"shares":         e.Shares.String(),
		"side":           e.Side,
		"start_price":    e.StartPrice.String(),
		"end_price":      e.EndPrice.String(),
		"avg_price":      e.AvgPrice.String(),
		"cost_minor":     strconv.FormatInt(e.CostMinor, 10),
		"max_cost_minor": strconv.FormatInt(e.MaxCostMinor, 10),
		"issued_at":      strconv.FormatInt(e.IssuedAt, 10),
		"ttl_seconds":    strconv.FormatInt(e.TTLSeconds, 10),
		"nonce":          e.Nonce,
	}
}

// CanonicalString renders the envelope's signable fields as sorted
// key=value pairs joined by "&" — the one wire format the core defines.
func (e Envelope) CanonicalString() string {
	fields := e.fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}
	return strings.Join(parts, "&")
}

// Sign computes and sets the HMAC-SHA-256 signature over the envelope's
// canonical fields, keyed by key.
func Sign(e Envelope, key []byte) Envelope {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(e.CanonicalString()))
	e.Signature = hex.EncodeToString(mac.Sum(nil))
	return e
}

// Verify checks the envelope's signature and TTL against now. It does
// not check economic freshness (that is the trading pipeline's
// re-quote-and-compare step).
func Verify(e Envelope, key []byte, now time.Time) error {
	expected := Sign(e, key)
	if !hmac.Equal([]byte(expected.Signature), []byte(e.Signature)) {
		return ErrInvalidSignature
	}
	ttl := e.TTLSeconds
	if ttl <= 0 {
		ttl = DefaultTTLSeconds
	}
	issued := time.Unix(e.IssuedAt, 0)
	if now.After(issued.Add(time.Duration(ttl) * time.Second)) {
		return ErrExpired
	}
	return nil
}
