// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"math/big"
	"time"

	"github.com/luxfi/ids"
)

var (
	// PrecisionFactor is the fixed-point scale for sizes, margins and prices.
	PrecisionFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	// BasisPointDenom converts basis points to fractions.
	BasisPointDenom = big.NewInt(10000)

	// MaxFieldValue is the ceiling on size, margin and price fields (2^96-1).
	// The original packed these fields into 96 bits; the ceiling is kept so
	// rejection behavior at the boundary is identical.
	MaxFieldValue = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 96), big.NewInt(1))
)

// Position is a single margined EUR/USD exposure position.
type Position struct {
	ID         uint64      `json:"id"`
	Hedger     ids.ShortID `json:"hedger"`
	Size       *big.Int    `json:"size"`       // Notional exposure (1e18 scale)
	Margin     *big.Int    `json:"margin"`     // Collateral backing the position
	EntryPrice *big.Int    `json:"entryPrice"` // Exchange rate at open (1e18 scale)
	Leverage   uint16      `json:"leverage"`
	OpenedAt   time.Time   `json:"openedAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	EntryBlock uint64      `json:"entryBlock"`
	Active     bool        `json:"active"`
}

// Clone creates a deep copy of the position.
func (p *Position) Clone() *Position {
	return &Position{
		ID:         p.ID,
		Hedger:     p.Hedger,
		Size:       new(big.Int).Set(p.Size),
		Margin:     new(big.Int).Set(p.Margin),
		EntryPrice: new(big.Int).Set(p.EntryPrice),
		Leverage:   p.Leverage,
		OpenedAt:   p.OpenedAt,
		UpdatedAt:  p.UpdatedAt,
		EntryBlock: p.EntryBlock,
		Active:     p.Active,
	}
}

// MarginRatioBps returns margin/size in basis points.
func (p *Position) MarginRatioBps() *big.Int {
	if p.Size.Sign() == 0 {
		return new(big.Int).Set(BasisPointDenom)
	}
	ratio := new(big.Int).Mul(p.Margin, BasisPointDenom)
	return ratio.Div(ratio, p.Size)
}

// UnrealizedPnL returns (price - entry) * size / entry, signed.
func (p *Position) UnrealizedPnL(price *big.Int) *big.Int {
	priceDiff := new(big.Int).Sub(price, p.EntryPrice)
	pnl := new(big.Int).Mul(priceDiff, p.Size)
	return pnl.Div(pnl, p.EntryPrice)
}

// EffectiveMarginRatioBps returns (margin + unrealized pnl) / size in basis
// points at the given price. This is the liquidation-eligibility metric; it
// can be negative when losses exceed margin.
func (p *Position) EffectiveMarginRatioBps(price *big.Int) *big.Int {
	if p.Size.Sign() == 0 {
		return new(big.Int).Set(BasisPointDenom)
	}
	equity := new(big.Int).Add(p.Margin, p.UnrealizedPnL(price))
	ratio := equity.Mul(equity, BasisPointDenom)
	return ratio.Div(ratio, p.Size)
}

// Hedger aggregates a single address's active positions.
type Hedger struct {
	Address        ids.ShortID `json:"address"`
	Positions      []uint64    `json:"positions"` // Unordered; removal is swap-and-pop
	TotalMargin    *big.Int    `json:"totalMargin"`
	TotalExposure  *big.Int    `json:"totalExposure"`
	PendingRewards *big.Int    `json:"pendingRewards"`
	LastRewardTime time.Time   `json:"lastRewardTime"`
	LastRewardBlock uint64     `json:"lastRewardBlock"`
	Active         bool        `json:"active"`

	// positionIndex maps position id to its slot in Positions.
	positionIndex map[uint64]int
}

// NewHedger creates an empty hedger aggregate.
func NewHedger(addr ids.ShortID) *Hedger {
	return &Hedger{
		Address:        addr,
		Positions:      make([]uint64, 0, 4),
		TotalMargin:    big.NewInt(0),
		TotalExposure:  big.NewInt(0),
		PendingRewards: big.NewInt(0),
		positionIndex:  make(map[uint64]int),
	}
}

// Clone creates a deep copy of the hedger aggregate.
func (h *Hedger) Clone() *Hedger {
	clone := &Hedger{
		Address:         h.Address,
		Positions:       make([]uint64, len(h.Positions)),
		TotalMargin:     new(big.Int).Set(h.TotalMargin),
		TotalExposure:   new(big.Int).Set(h.TotalExposure),
		PendingRewards:  new(big.Int).Set(h.PendingRewards),
		LastRewardTime:  h.LastRewardTime,
		LastRewardBlock: h.LastRewardBlock,
		Active:          h.Active,
		positionIndex:   make(map[uint64]int, len(h.positionIndex)),
	}
	copy(clone.Positions, h.Positions)
	for id, idx := range h.positionIndex {
		clone.positionIndex[id] = idx
	}
	return clone
}
