// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oracle provides the EUR/USD price gateway for the hedge ledger.
// Every consumer treats an invalid quote as a hard failure; there is no
// stale-price fallback.
package oracle

import (
	"errors"
	"math/big"
	"sync"
	"time"
)

var (
	// ErrInvalidPrice indicates the gateway returned an invalid quote.
	ErrInvalidPrice = errors.New("invalid oracle price")

	// DefaultMaxAge is how long a pushed observation stays valid.
	DefaultMaxAge = 5 * time.Minute
)

// Gateway returns the current spot exchange rate (1e18 scale) and whether
// the quote is valid. Callers must fail closed on !valid.
type Gateway interface {
	Price() (*big.Int, bool)
}

// Feed is a push-based gateway: an external reporter records observations
// and quotes become invalid once they exceed the max age.
type Feed struct {
	mu        sync.RWMutex
	price     *big.Int
	updatedAt time.Time
	maxAge    time.Duration
}

// NewFeed creates a feed with the given staleness window. Non-positive
// windows fall back to DefaultMaxAge.
func NewFeed(maxAge time.Duration) *Feed {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Feed{maxAge: maxAge}
}

// Record stores a new observation. Non-positive prices are ignored.
func (f *Feed) Record(price *big.Int, at time.Time) {
	if price == nil || price.Sign() <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.price = new(big.Int).Set(price)
	f.updatedAt = at
}

// PriceAt returns the last observation as seen at the given time.
func (f *Feed) PriceAt(at time.Time) (*big.Int, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.price == nil {
		return nil, false
	}
	if at.Sub(f.updatedAt) > f.maxAge {
		return nil, false
	}
	return new(big.Int).Set(f.price), true
}

// Price implements Gateway.
func (f *Feed) Price() (*big.Int, bool) {
	return f.PriceAt(time.Now())
}

// Static is a fixed-quote gateway for tests.
type Static struct {
	mu    sync.RWMutex
	price *big.Int
	valid bool
}

// NewStatic creates a static gateway with an initial valid price.
func NewStatic(price *big.Int) *Static {
	return &Static{
		price: new(big.Int).Set(price),
		valid: true,
	}
}

// Set updates the quoted price.
func (s *Static) Set(price *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = new(big.Int).Set(price)
}

// SetValid toggles quote validity.
func (s *Static) SetValid(valid bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = valid
}

// Price implements Gateway.
func (s *Static) Price() (*big.Int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid || s.price == nil || s.price.Sign() <= 0 {
		return nil, false
	}
	return new(big.Int).Set(s.price), true
}
