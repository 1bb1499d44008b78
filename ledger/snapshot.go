// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"fmt"
	"math/big"

	"github.com/luxfi/ids"
)

// Snapshot is a serializable copy of the full ledger state.
type Snapshot struct {
	Positions         []*Position `json:"positions"`
	Hedgers           []*Hedger   `json:"hedgers"`
	NextPositionID    uint64      `json:"nextPositionId"`
	TotalMargin       *big.Int    `json:"totalMargin"`
	TotalExposure     *big.Int    `json:"totalExposure"`
	ActiveHedgerCount int         `json:"activeHedgerCount"`
}

// Snapshot returns a deep copy of the ledger state.
func (l *Ledger) Snapshot() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := &Snapshot{
		Positions:         make([]*Position, 0, len(l.positions)),
		Hedgers:           make([]*Hedger, 0, len(l.hedgers)),
		NextPositionID:    l.nextPositionID,
		TotalMargin:       new(big.Int).Set(l.totalMargin),
		TotalExposure:     new(big.Int).Set(l.totalExposure),
		ActiveHedgerCount: l.activeHedgerCount,
	}
	for _, pos := range l.positions {
		snap.Positions = append(snap.Positions, pos.Clone())
	}
	for _, h := range l.hedgers {
		snap.Hedgers = append(snap.Hedgers, h.Clone())
	}
	return snap
}

// Restore replaces the ledger contents with the snapshot. The hedger
// position index is rebuilt from the position lists.
func (l *Ledger) Restore(snap *Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	positions := make(map[uint64]*Position, len(snap.Positions))
	for _, pos := range snap.Positions {
		if pos.ID == 0 || pos.ID >= snap.NextPositionID {
			return fmt.Errorf("snapshot position id %d out of range", pos.ID)
		}
		positions[pos.ID] = pos.Clone()
	}

	hedgers := make(map[ids.ShortID]*Hedger, len(snap.Hedgers))
	for _, h := range snap.Hedgers {
		clone := h.Clone()
		clone.positionIndex = make(map[uint64]int, len(clone.Positions))
		for i, id := range clone.Positions {
			if _, ok := positions[id]; !ok {
				return fmt.Errorf("snapshot hedger %s references unknown position %d", h.Address, id)
			}
			clone.positionIndex[id] = i
		}
		hedgers[h.Address] = clone
	}

	l.positions = positions
	l.hedgers = hedgers
	l.nextPositionID = snap.NextPositionID
	l.totalMargin = new(big.Int).Set(snap.TotalMargin)
	l.totalExposure = new(big.Int).Set(snap.TotalExposure)
	l.activeHedgerCount = snap.ActiveHedgerCount
	return nil
}

// CheckInvariants rescans the full ledger and verifies the incremental
// aggregates. This is a test aid; production paths never call it.
func (l *Ledger) CheckInvariants() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	globalMargin := big.NewInt(0)
	globalExposure := big.NewInt(0)
	activeHedgers := 0

	for addr, h := range l.hedgers {
		hedgerMargin := big.NewInt(0)
		hedgerExposure := big.NewInt(0)
		for _, id := range h.Positions {
			pos, ok := l.positions[id]
			if !ok || !pos.Active {
				return fmt.Errorf("hedger %s indexes missing or inactive position %d", addr, id)
			}
			if pos.Hedger != addr {
				return fmt.Errorf("position %d indexed under wrong hedger", id)
			}
			hedgerMargin.Add(hedgerMargin, pos.Margin)
			hedgerExposure.Add(hedgerExposure, pos.Size)
		}
		if hedgerMargin.Cmp(h.TotalMargin) != 0 {
			return fmt.Errorf("hedger %s totalMargin mismatch: %s != %s", addr, hedgerMargin, h.TotalMargin)
		}
		if hedgerExposure.Cmp(h.TotalExposure) != 0 {
			return fmt.Errorf("hedger %s totalExposure mismatch: %s != %s", addr, hedgerExposure, h.TotalExposure)
		}
		if h.Active != (len(h.Positions) > 0) {
			return fmt.Errorf("hedger %s active flag inconsistent with %d positions", addr, len(h.Positions))
		}
		if h.Active {
			activeHedgers++
		}
		globalMargin.Add(globalMargin, h.TotalMargin)
		globalExposure.Add(globalExposure, h.TotalExposure)
	}

	if globalMargin.Cmp(l.totalMargin) != 0 {
		return fmt.Errorf("global totalMargin mismatch: %s != %s", globalMargin, l.totalMargin)
	}
	if globalExposure.Cmp(l.totalExposure) != 0 {
		return fmt.Errorf("global totalExposure mismatch: %s != %s", globalExposure, l.totalExposure)
	}
	if activeHedgers != l.activeHedgerCount {
		return fmt.Errorf("activeHedgerCount mismatch: %d != %d", activeHedgers, l.activeHedgerCount)
	}
	return nil
}
