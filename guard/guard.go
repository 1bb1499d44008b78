// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package guard wraps vault transfers in a before/after snapshot of the
// custody balance. Any deviation from the expected delta aborts the
// operation. This is a coarse invariant check used alongside, not instead
// of, the engines' own locking.
package guard

import (
	"errors"
	"math/big"

	"github.com/luxfi/ids"

	"github.com/luxfi/hedge/vault"
)

// ErrFlashLoanAttackDetected indicates the custody balance moved by an
// amount the operation cannot explain.
var ErrFlashLoanAttackDetected = errors.New("flash loan attack detected")

// FlashLoanGuard checks the custody balance invariant around transfers.
type FlashLoanGuard struct {
	vault vault.Vault
}

// New creates a guard over the given vault.
func New(v vault.Vault) *FlashLoanGuard {
	return &FlashLoanGuard{vault: v}
}

// Guarded runs fn and verifies the custody balance moved by exactly
// expectedDelta.
func (g *FlashLoanGuard) Guarded(expectedDelta *big.Int, fn func() error) error {
	before := g.vault.Balance()
	if err := fn(); err != nil {
		return err
	}
	expected := new(big.Int).Add(before, expectedDelta)
	if g.vault.Balance().Cmp(expected) != 0 {
		return ErrFlashLoanAttackDetected
	}
	return nil
}

// Deposit moves amount into custody, expecting the balance to rise by
// exactly amount.
func (g *FlashLoanGuard) Deposit(from ids.ShortID, amount *big.Int) error {
	return g.Guarded(amount, func() error {
		return g.vault.DepositOnBehalf(from, amount)
	})
}

// Withdraw moves amount out of custody, expecting the balance to fall by
// exactly amount.
func (g *FlashLoanGuard) Withdraw(recipient ids.ShortID, amount *big.Int) error {
	return g.Guarded(new(big.Int).Neg(amount), func() error {
		return g.vault.WithdrawTo(recipient, amount)
	})
}
