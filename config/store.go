// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import "sync"

// Store is a thread-safe holder of the live protocol parameters. Every
// setter revalidates the full parameter set against the hard ceilings, so a
// governance call can never push the protocol past them.
type Store struct {
	mu sync.RWMutex
	p  Params
}

// NewStore creates a store from validated parameters.
func NewStore(p Params) (*Store, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Store{p: p}, nil
}

// Get returns a copy of the current parameters.
func (s *Store) Get() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.p
}

func (s *Store) update(mutate func(*Params)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.p
	mutate(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	s.p = next
	return nil
}

// SetMinMarginRatioBps updates the minimum margin ratio.
func (s *Store) SetMinMarginRatioBps(v uint16) error {
	return s.update(func(p *Params) { p.MinMarginRatioBps = v })
}

// SetLiquidationThresholdBps updates the liquidation threshold.
func (s *Store) SetLiquidationThresholdBps(v uint16) error {
	return s.update(func(p *Params) { p.LiquidationThresholdBps = v })
}

// SetLiquidationPenaltyBps updates the liquidator reward share.
func (s *Store) SetLiquidationPenaltyBps(v uint16) error {
	return s.update(func(p *Params) { p.LiquidationPenaltyBps = v })
}

// SetMaxLeverage updates the leverage cap.
func (s *Store) SetMaxLeverage(v uint16) error {
	return s.update(func(p *Params) { p.MaxLeverage = v })
}

// SetFees updates the entry and exit fees.
func (s *Store) SetFees(entryBps, exitBps uint16) error {
	return s.update(func(p *Params) {
		p.EntryFeeBps = entryBps
		p.ExitFeeBps = exitBps
	})
}

// SetRateSpreadBps updates the interest rate differential.
func (s *Store) SetRateSpreadBps(v uint16) error {
	return s.update(func(p *Params) { p.RateSpreadBps = v })
}

// SetWhitelistEnabled toggles the hedger whitelist requirement.
func (s *Store) SetWhitelistEnabled(enabled bool) error {
	return s.update(func(p *Params) { p.WhitelistEnabled = enabled })
}
