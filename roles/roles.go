// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package roles implements the capability checks guarding the hedge
// ledger's privileged operations. Capabilities are granted per address and
// checked as a policy, independent of the business logic that consults it.
package roles

import (
	"errors"
	"sync"

	"github.com/luxfi/ids"
	"github.com/luxfi/math/set"
)

var (
	ErrNotAuthorized  = errors.New("caller lacks required capability")
	ErrNotWhitelisted = errors.New("hedger not whitelisted")
)

// Role is a bit-flag capability.
type Role uint8

const (
	// Liquidator may commit, execute, cancel and force-clear liquidations.
	Liquidator Role = 1 << iota
	// Governor may tune parameters, manage the whitelist, pause, and
	// emergency-close positions.
	Governor
)

func (r Role) String() string {
	switch r {
	case Liquidator:
		return "liquidator"
	case Governor:
		return "governor"
	default:
		return "unknown"
	}
}

// Authorizer is the capability policy.
type Authorizer struct {
	mu        sync.RWMutex
	grants    map[ids.ShortID]Role
	whitelist set.Set[ids.ShortID]
}

// NewAuthorizer creates an empty policy.
func NewAuthorizer() *Authorizer {
	return &Authorizer{
		grants:    make(map[ids.ShortID]Role),
		whitelist: set.NewSet[ids.ShortID](0),
	}
}

// Grant adds a capability to an address.
func (a *Authorizer) Grant(addr ids.ShortID, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grants[addr] |= role
}

// Revoke removes a capability from an address.
func (a *Authorizer) Revoke(addr ids.ShortID, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grants[addr] &^= role
	if a.grants[addr] == 0 {
		delete(a.grants, addr)
	}
}

// HasRole reports whether the address holds the capability.
func (a *Authorizer) HasRole(addr ids.ShortID, role Role) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.grants[addr]&role == role
}

// Require returns ErrNotAuthorized unless the address holds the capability.
func (a *Authorizer) Require(addr ids.ShortID, role Role) error {
	if !a.HasRole(addr, role) {
		return ErrNotAuthorized
	}
	return nil
}

// AddToWhitelist marks an address as an allowed hedger.
func (a *Authorizer) AddToWhitelist(addr ids.ShortID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.whitelist.Add(addr)
}

// RemoveFromWhitelist removes an address from the hedger whitelist.
func (a *Authorizer) RemoveFromWhitelist(addr ids.ShortID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.whitelist.Remove(addr)
}

// IsWhitelisted reports hedger whitelist membership.
func (a *Authorizer) IsWhitelisted(addr ids.ShortID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.whitelist.Contains(addr)
}
