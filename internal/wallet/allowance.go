package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// BalanceReader is the minimal wallet interface needed for allowance checks.
type BalanceReader interface {
	GetBalance(ctx context.Context, ownerID string) (Balance, error)
}

// Debiter posts call charges.
type Debiter interface {
	Debit(ctx context.Context, ownerID string, req DebitRequest) (WalletLedger, Balance, error)
}

// Unlimited is reported when per-call billing is disabled.
const Unlimited = int64(math.MaxInt64)

// Allowance converts an owner's wallet balance into a number of remaining
// calls. A zero cost disables the check.
type Allowance struct {
	balances  BalanceReader
	costMinor int64
}

func NewAllowance(balances BalanceReader, callCostMinor int64) *Allowance {
	return &Allowance{balances: balances, costMinor: callCostMinor}
}

func (a *Allowance) Enabled() bool { return a != nil && a.costMinor > 0 }

// Remaining returns how many more calls the owner can place. An owner without
// a wallet has no allowance.
func (a *Allowance) Remaining(ctx context.Context, ownerID string) (int64, error) {
	if !a.Enabled() {
		return Unlimited, nil
	}
	b, err := a.balances.GetBalance(ctx, ownerID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("allowance: %w", err)
	}
	if b.BalanceMinor <= 0 {
		return 0, nil
	}
	return b.BalanceMinor / a.costMinor, nil
}

// CallMeter debits one call per accepted launch. The provider call id is the
// idempotency key, so a retried charge never double-bills.
type CallMeter struct {
	debits    Debiter
	costMinor int64
	currency  string
}

func NewCallMeter(debits Debiter, callCostMinor int64, currency string) *CallMeter {
	return &CallMeter{debits: debits, costMinor: callCostMinor, currency: currency}
}

func (m *CallMeter) RecordCall(ctx context.Context, ownerID, callID string) error {
	if m == nil || m.costMinor <= 0 {
		return nil
	}
	_, _, err := m.debits.Debit(ctx, ownerID, DebitRequest{
		AmountMinor:    m.costMinor,
		Currency:       m.currency,
		ExternalRef:    callID,
		IdempotencyKey: "call:" + callID,
	})
	return err
}
