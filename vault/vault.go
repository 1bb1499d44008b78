// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package vault declares the shared liquidity vault interface the hedge
// ledger moves settlement tokens through. The vault's own accounting is an
// external collaborator; only the narrow contract below is consumed here.
package vault

import (
	"errors"
	"math/big"
	"sync"

	"github.com/luxfi/ids"
)

var (
	ErrInsufficientFunds = errors.New("insufficient vault funds")
	ErrInvalidAmount     = errors.New("invalid transfer amount")
)

// Vault is the custody account the ledger deposits collateral into and pays
// out of. Balance is the pool's own settlement-token balance and is what the
// flash-loan guard snapshots.
type Vault interface {
	DepositOnBehalf(from ids.ShortID, amount *big.Int) error
	WithdrawTo(recipient ids.ShortID, amount *big.Int) error
	IsCollateralized() (bool, *big.Int)
	Balance() *big.Int
}

// MemVault is an in-memory vault double. It tracks the custody balance and
// per-address external balances, and exposes knobs tests use to simulate a
// misbehaving or undercollateralized vault.
type MemVault struct {
	mu       sync.RWMutex
	custody  *big.Int
	accounts map[ids.ShortID]*big.Int

	collateralized bool
	currentMargin  *big.Int
}

// NewMemVault creates an empty, collateralized vault.
func NewMemVault() *MemVault {
	return &MemVault{
		custody:        big.NewInt(0),
		accounts:       make(map[ids.ShortID]*big.Int),
		collateralized: true,
		currentMargin:  big.NewInt(0),
	}
}

// Credit funds an external address so it can deposit.
func (v *MemVault) Credit(addr ids.ShortID, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balanceOf(addr).Add(v.balanceOf(addr), amount)
}

// balanceOf must be called with the lock held.
func (v *MemVault) balanceOf(addr ids.ShortID) *big.Int {
	b, ok := v.accounts[addr]
	if !ok {
		b = big.NewInt(0)
		v.accounts[addr] = b
	}
	return b
}

// DepositOnBehalf moves amount from the address into custody.
func (v *MemVault) DepositOnBehalf(from ids.ShortID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	b := v.balanceOf(from)
	if b.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	b.Sub(b, amount)
	v.custody.Add(v.custody, amount)
	return nil
}

// WithdrawTo moves amount from custody to the recipient.
func (v *MemVault) WithdrawTo(recipient ids.ShortID, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.custody.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	v.custody.Sub(v.custody, amount)
	v.balanceOf(recipient).Add(v.balanceOf(recipient), amount)
	return nil
}

// IsCollateralized reports whether the synthetic supply remains covered.
func (v *MemVault) IsCollateralized() (bool, *big.Int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.collateralized, new(big.Int).Set(v.currentMargin)
}

// SetCollateralized toggles the collateralization check result.
func (v *MemVault) SetCollateralized(ok bool, currentMargin *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.collateralized = ok
	v.currentMargin = new(big.Int).Set(currentMargin)
}

// Balance returns the custody balance.
func (v *MemVault) Balance() *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return new(big.Int).Set(v.custody)
}

// BalanceOf returns an external address's balance.
func (v *MemVault) BalanceOf(addr ids.ShortID) *big.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(big.Int).Set(v.balanceOf(addr))
}

// Tamper mutates the custody balance outside any transfer, simulating the
// unexplained delta a flash-loan attack leaves behind.
func (v *MemVault) Tamper(delta *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.custody.Add(v.custody, delta)
}
