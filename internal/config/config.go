// Package config loads the frozen, typed Config struct the core is
// constructed with. There is no configuration library in play: every
// option is read once at process start from the environment, mirroring
// the teacher's own os.Getenv style in cmd/server/main.go.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is injected once at construction time and never mutated. Every
// field corresponds to a recognized option named in the spec's design
// notes.
type Config struct {
	// FeeBps is the flat trading fee, in basis points of trade cost.
	FeeBps int64
	// SettlementFeeBps is the settlement fee rate, in basis points of
	// gross payout.
	SettlementFeeBps int64
	// QuoteTTLSeconds is how long a signed quote envelope remains valid.
	QuoteTTLSeconds int64
	// QuoteSlippageToleranceBps bounds how far the recomputed cost may
	// drift from the quoted cost before execute fails PriceMoved.
	QuoteSlippageToleranceBps int64
	// LmsrBMin and LmsrBMax are loaded from the environment but no other
	// package reads them; the liquidity bounds checked at market creation
	// are the lmsr package's own constants.
	LmsrBMin int64
	LmsrBMax int64
	// TradeSharesMin and TradeSharesMax are loaded but no other package
	// reads them; the per-trade share bounds are the lmsr package's own
	// constants.
	TradeSharesMin float64
	TradeSharesMax float64
	// TxnRetries is loaded but no other package reads it; the number of
	// serializable-conflict retries is the fixed schedule in
	// internal/store/retry.go.
	TxnRetries int
	// TxnTimeout is loaded but no other package reads it; no timeout is
	// applied to database transactions from it.
	TxnTimeout time.Duration

	// HMACKey signs and verifies quote envelopes. Process-wide,
	// read-only after load.
	HMACKey []byte

	DatabaseURL string
	RedisURL    string
	Port        string
}

// Load builds a Config from the process environment, applying the same
// defaults the spec's design notes call out.
func Load() Config {
	return Config{
		FeeBps:                    envInt64("FEE_BPS", 50),
		SettlementFeeBps:          envInt64("SETTLEMENT_FEE_BPS", 50),
		QuoteTTLSeconds:           envInt64("QUOTE_TTL_SECONDS", 15),
		QuoteSlippageToleranceBps: envInt64("QUOTE_SLIPPAGE_TOLERANCE_BPS", 100),
		LmsrBMin:                  envInt64("LMSR_B_MIN", 1),
		LmsrBMax:                  envInt64("LMSR_B_MAX", 10000),
		TradeSharesMin:            envFloat("TRADE_SHARES_MIN", 0.01),
		TradeSharesMax:            envFloat("TRADE_SHARES_MAX", 1000000),
		TxnRetries:                int(envInt64("TXN_RETRIES", 3)),
		TxnTimeout:                time.Duration(envInt64("TXN_TIMEOUT_MS", 10000)) * time.Millisecond,
		HMACKey:                   []byte(envString("QUOTE_HMAC_KEY", "dev-only-insecure-key")),
		DatabaseURL:               os.Getenv("DATABASE_URL"),
		RedisURL:                  os.Getenv("REDIS_URL"),
		Port:                      envString("PORT", "8080"),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// SlippageTolerance returns the absolute minor-unit drift tolerance for
// a quoted cost, per spec: max(2, 1% of cost).
func (c Config) SlippageTolerance(costMinor int64) int64 {
	pct := costMinor * c.QuoteSlippageToleranceBps / 10000
	if pct < 2 {
		return 2
	}
	return pct
}
