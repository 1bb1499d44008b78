// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package ledger owns the position and hedger records, their indices, and
// the incrementally maintained aggregate totals. All index maintenance is
// O(1) per operation; nothing here rescans the position set.
package ledger

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/ids"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionInactive = errors.New("position inactive")
	ErrPositionActive   = errors.New("position already active")
	ErrHedgerNotFound   = errors.New("hedger not found")
	ErrExceedsMaxValue  = errors.New("value exceeds field maximum")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrMarginUnderflow  = errors.New("margin removal exceeds position margin")
)

// Ledger is the in-memory store of positions and hedger aggregates.
type Ledger struct {
	mu sync.RWMutex

	positions map[uint64]*Position
	hedgers   map[ids.ShortID]*Hedger

	nextPositionID    uint64
	totalMargin       *big.Int
	totalExposure     *big.Int
	activeHedgerCount int
}

// New creates an empty ledger. Position ids start at 1.
func New() *Ledger {
	return &Ledger{
		positions:      make(map[uint64]*Position),
		hedgers:        make(map[ids.ShortID]*Hedger),
		nextPositionID: 1,
		totalMargin:    big.NewInt(0),
		totalExposure:  big.NewInt(0),
	}
}

// CreatePosition inserts a new active position and updates all aggregates.
// Ids are strictly increasing and never reused.
func (l *Ledger) CreatePosition(
	hedger ids.ShortID,
	size, margin, entryPrice *big.Int,
	leverage uint16,
	now time.Time,
	height uint64,
) (uint64, error) {
	if size.Sign() <= 0 || margin.Sign() <= 0 || entryPrice.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if size.Cmp(MaxFieldValue) > 0 || margin.Cmp(MaxFieldValue) > 0 || entryPrice.Cmp(MaxFieldValue) > 0 {
		return 0, ErrExceedsMaxValue
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Totals share the same ceiling as the per-position fields.
	newTotalMargin := new(big.Int).Add(l.totalMargin, margin)
	newTotalExposure := new(big.Int).Add(l.totalExposure, size)
	if newTotalMargin.Cmp(MaxFieldValue) > 0 || newTotalExposure.Cmp(MaxFieldValue) > 0 {
		return 0, ErrExceedsMaxValue
	}

	id := l.nextPositionID
	l.nextPositionID++

	pos := &Position{
		ID:         id,
		Hedger:     hedger,
		Size:       new(big.Int).Set(size),
		Margin:     new(big.Int).Set(margin),
		EntryPrice: new(big.Int).Set(entryPrice),
		Leverage:   leverage,
		OpenedAt:   now,
		UpdatedAt:  now,
		EntryBlock: height,
		Active:     true,
	}
	l.positions[id] = pos

	h, ok := l.hedgers[hedger]
	if !ok {
		h = NewHedger(hedger)
		l.hedgers[hedger] = h
	}
	h.positionIndex[id] = len(h.Positions)
	h.Positions = append(h.Positions, id)
	h.TotalMargin.Add(h.TotalMargin, margin)
	h.TotalExposure.Add(h.TotalExposure, size)
	if !h.Active {
		h.Active = true
		l.activeHedgerCount++
		// Reward accrual starts from the moment exposure exists.
		h.LastRewardTime = now
		h.LastRewardBlock = height
	}

	l.totalMargin = newTotalMargin
	l.totalExposure = newTotalExposure

	return id, nil
}

// ClosePosition flags the position inactive, removes it from the owner's
// index, and decrements aggregates. The id itself is never reused and the
// record is retained for reads. An inactive position cannot be closed again.
func (l *Ledger) ClosePosition(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if !pos.Active {
		return ErrPositionInactive
	}

	h, ok := l.hedgers[pos.Hedger]
	if !ok {
		return ErrHedgerNotFound
	}
	if err := l.removeFromHedgerIndex(h, id); err != nil {
		return err
	}

	h.TotalMargin.Sub(h.TotalMargin, pos.Margin)
	h.TotalExposure.Sub(h.TotalExposure, pos.Size)
	l.totalMargin.Sub(l.totalMargin, pos.Margin)
	l.totalExposure.Sub(l.totalExposure, pos.Size)

	if len(h.Positions) == 0 && h.Active {
		h.Active = false
		l.activeHedgerCount--
	}

	pos.Active = false
	return nil
}

// ReopenPosition reverses a ClosePosition whose settlement transfer failed,
// restoring the position, the owner's index and all aggregates. This is the
// compensation path for the engines; it is not part of the position
// lifecycle and ids still never repeat.
func (l *Ledger) ReopenPosition(id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if pos.Active {
		return ErrPositionActive
	}

	h, ok := l.hedgers[pos.Hedger]
	if !ok {
		return ErrHedgerNotFound
	}
	h.positionIndex[id] = len(h.Positions)
	h.Positions = append(h.Positions, id)
	h.TotalMargin.Add(h.TotalMargin, pos.Margin)
	h.TotalExposure.Add(h.TotalExposure, pos.Size)
	l.totalMargin.Add(l.totalMargin, pos.Margin)
	l.totalExposure.Add(l.totalExposure, pos.Size)

	if !h.Active {
		h.Active = true
		l.activeHedgerCount++
	}

	pos.Active = true
	return nil
}

// removeFromHedgerIndex removes id from the hedger's unordered position list
// in O(1): swap with the last element, pop, and fix the moved id's pointer.
// Must be called with the lock held.
func (l *Ledger) removeFromHedgerIndex(h *Hedger, id uint64) error {
	idx, ok := h.positionIndex[id]
	if !ok {
		return ErrPositionNotFound
	}
	last := len(h.Positions) - 1
	if idx != last {
		moved := h.Positions[last]
		h.Positions[idx] = moved
		h.positionIndex[moved] = idx
	}
	h.Positions = h.Positions[:last]
	delete(h.positionIndex, id)
	return nil
}

// AdjustMargin applies a signed margin delta to an active position, keeping
// the hedger and global totals consistent in the same critical section.
func (l *Ledger) AdjustMargin(id uint64, delta *big.Int, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return ErrPositionNotFound
	}
	if !pos.Active {
		return ErrPositionInactive
	}

	newMargin := new(big.Int).Add(pos.Margin, delta)
	if newMargin.Sign() <= 0 {
		return ErrMarginUnderflow
	}
	if newMargin.Cmp(MaxFieldValue) > 0 {
		return ErrExceedsMaxValue
	}
	newTotal := new(big.Int).Add(l.totalMargin, delta)
	if newTotal.Cmp(MaxFieldValue) > 0 {
		return ErrExceedsMaxValue
	}

	h, ok := l.hedgers[pos.Hedger]
	if !ok {
		return ErrHedgerNotFound
	}

	pos.Margin = newMargin
	pos.UpdatedAt = now
	h.TotalMargin.Add(h.TotalMargin, delta)
	l.totalMargin = newTotal
	return nil
}

// GetPosition returns a deep copy of the position record, active or not.
func (l *Ledger) GetPosition(id uint64) (*Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return pos.Clone(), nil
}

// GetHedger returns a deep copy of the hedger aggregate.
func (l *Ledger) GetHedger(addr ids.ShortID) (*Hedger, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.hedgers[addr]
	if !ok {
		return nil, ErrHedgerNotFound
	}
	return h.Clone(), nil
}

// ActivePositionCount returns the number of active positions a hedger owns.
func (l *Ledger) ActivePositionCount(addr ids.ShortID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.hedgers[addr]
	if !ok {
		return 0
	}
	return len(h.Positions)
}

// SetRewardCheckpoint updates a hedger's pending rewards balance and accrual
// checkpoint in one critical section.
func (l *Ledger) SetRewardCheckpoint(addr ids.ShortID, pending *big.Int, now time.Time, height uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.hedgers[addr]
	if !ok {
		return ErrHedgerNotFound
	}
	h.PendingRewards = new(big.Int).Set(pending)
	h.LastRewardTime = now
	h.LastRewardBlock = height
	return nil
}

// TotalMargin returns the global margin aggregate.
func (l *Ledger) TotalMargin() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.totalMargin)
}

// TotalExposure returns the global exposure aggregate.
func (l *Ledger) TotalExposure() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.totalExposure)
}

// ActiveHedgerCount returns the number of hedgers with at least one active
// position.
func (l *Ledger) ActiveHedgerCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeHedgerCount
}

// NextPositionID returns the id the next created position will receive.
func (l *Ledger) NextPositionID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextPositionID
}
