// Package gateway defines the external collaborator interfaces the
// trading core consults but does not implement: KYC, AML monitoring,
// responsible-gaming checks, and payment provider operations. Real
// implementations live outside this module; this package also provides
// permissive no-op doubles for tests and local development.
package gateway

import (
	"context"

	"github.com/atmx/predmkt-core/internal/model"
)

// KycGate answers whether a user is permitted to transact at all.
type KycGate interface {
	// CheckUser returns true if the user has passed KYC and may
	// deposit, trade, or withdraw.
	CheckUser(ctx context.Context, userID string) (bool, error)
}

// AmlMonitor is consulted before a compliance-sensitive action
// (deposit, trade, withdrawal) and returns a decision plus the
// reasons behind it. A BLOCK decision must abort the action; a REVIEW
// decision proceeds but is flagged.
type AmlMonitor interface {
	MonitorAction(ctx context.Context, userID, action string, amountMinor int64) (model.AMLDecision, []string, error)
}

// RgGate enforces responsible-gaming limits (deposit caps, cool-off
// periods, self-exclusion).
type RgGate interface {
	ValidateAction(ctx context.Context, userID, action string, amountMinor int64) error
}

// PaymentProvider issues external payouts for approved withdrawals and
// verifies inbound webhook signatures.
type PaymentProvider interface {
	VerifyWebhookSignature(payload, signature []byte) bool
	InitiatePayout(ctx context.Context, withdrawalID, userID string, amountMinor int64) (providerRef string, err error)
}

// NoopKycGate always approves. For tests and environments without a
// wired KYC provider.
type NoopKycGate struct{}

func (NoopKycGate) CheckUser(ctx context.Context, userID string) (bool, error) { return true, nil }

// NoopAmlMonitor always approves with no reasons.
type NoopAmlMonitor struct{}

func (NoopAmlMonitor) MonitorAction(ctx context.Context, userID, action string, amountMinor int64) (model.AMLDecision, []string, error) {
	return model.AMLApprove, nil, nil
}

// NoopRgGate never blocks an action.
type NoopRgGate struct{}

func (NoopRgGate) ValidateAction(ctx context.Context, userID, action string, amountMinor int64) error {
	return nil
}

// NoopPaymentProvider accepts every signature and mints a synthetic
// provider reference for payouts.
type NoopPaymentProvider struct{}

func (NoopPaymentProvider) VerifyWebhookSignature(payload, signature []byte) bool { return true }

func (NoopPaymentProvider) InitiatePayout(ctx context.Context, withdrawalID, userID string, amountMinor int64) (string, error) {
	return "noop-" + withdrawalID, nil
}
