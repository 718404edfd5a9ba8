// Package coreerr defines the error taxonomy shared across the trading
// and accounting core. Individual packages declare their own sentinel
// errors (lmsr.ErrInvalidLiquidity, ledger.ErrUnbalanced, ...); this
// package lets callers classify any of them without importing every
// package that can produce one.
package coreerr

import "errors"

// Kind buckets a core error for callers that need to branch on category
// (e.g. an HTTP layer mapping to status codes) without caring which
// package raised it.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindState
	KindConcurrency
	KindFreshness
	KindCompliance
	KindNotFound
	KindExternal
	KindInternal
)

// Tagged wraps an error with a Kind. Packages construct these via New.
type Tagged struct {
	kind Kind
	err  error
}

func New(kind Kind, err error) *Tagged {
	return &Tagged{kind: kind, err: err}
}

func (t *Tagged) Error() string { return t.err.Error() }
func (t *Tagged) Unwrap() error { return t.err }
func (t *Tagged) Kind() Kind    { return t.kind }

// KindOf returns the Kind of err if it (or something it wraps) is a
// *Tagged, and KindUnknown otherwise.
func KindOf(err error) Kind {
	var t *Tagged
	if errors.As(err, &t) {
		return t.kind
	}
	return KindUnknown
}

// InternalInvariantBroken is the one case where the core aborts the
// process rather than returning an error, per spec: a committed
// transaction whose entries do not sum to zero, or custody_cash going
// negative after settlement. Callers that detect this condition should
// panic with this error after logging — it indicates prior data
// corruption, not a request-level failure.
var ErrInternalInvariantBroken = errors.New("coreerr: internal invariant broken")
