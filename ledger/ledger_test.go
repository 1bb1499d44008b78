// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"
)

func eur(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), PrecisionFactor)
}

func TestCreatePositionAllocatesIncreasingIDs(t *testing.T) {
	require := require.New(t)

	l := New()
	hedger := ids.GenerateTestShortID()
	now := time.Now()

	id1, err := l.CreatePosition(hedger, eur(10000), eur(1000), eur(1), 10, now, 1)
	require.NoError(err)
	require.Equal(uint64(1), id1)

	id2, err := l.CreatePosition(hedger, eur(5000), eur(500), eur(1), 10, now, 1)
	require.NoError(err)
	require.Equal(uint64(2), id2)

	require.Equal(uint64(3), l.NextPositionID())
	require.NoError(l.CheckInvariants())
}

func TestCreatePositionRejectsBadInputs(t *testing.T) {
	require := require.New(t)

	l := New()
	hedger := ids.GenerateTestShortID()
	now := time.Now()

	_, err := l.CreatePosition(hedger, big.NewInt(0), eur(1000), eur(1), 10, now, 1)
	require.ErrorIs(err, ErrInvalidAmount)

	_, err = l.CreatePosition(hedger, eur(10000), eur(1000), big.NewInt(-1), 10, now, 1)
	require.ErrorIs(err, ErrInvalidAmount)

	tooBig := new(big.Int).Add(MaxFieldValue, big.NewInt(1))
	_, err = l.CreatePosition(hedger, tooBig, eur(1000), eur(1), 10, now, 1)
	require.ErrorIs(err, ErrExceedsMaxValue)
}

func TestCreatePositionEnforcesAggregateCeiling(t *testing.T) {
	require := require.New(t)

	l := New()
	hedger := ids.GenerateTestShortID()
	now := time.Now()

	nearMax := new(big.Int).Sub(MaxFieldValue, eur(1))
	_, err := l.CreatePosition(hedger, nearMax, nearMax, eur(1), 1, now, 1)
	require.NoError(err)

	// The second position is individually legal but overflows the total.
	_, err = l.CreatePosition(hedger, eur(10), eur(10), eur(1), 1, now, 1)
	require.ErrorIs(err, ErrExceedsMaxValue)
	require.NoError(l.CheckInvariants())
}

func TestClosePositionSwapRemove(t *testing.T) {
	require := require.New(t)

	l := New()
	hedger := ids.GenerateTestShortID()
	now := time.Now()

	var idents []uint64
	for i := 0; i < 4; i++ {
		id, err := l.CreatePosition(hedger, eur(1000), eur(100), eur(1), 10, now, 1)
		require.NoError(err)
		idents = append(idents, id)
	}

	// Remove from the middle; the last id must be swapped into its slot.
	require.NoError(l.ClosePosition(idents[1]))

	h, err := l.GetHedger(hedger)
	require.NoError(err)
	require.Len(h.Positions, 3)
	require.Contains(h.Positions, idents[0])
	require.Contains(h.Positions, idents[2])
	require.Contains(h.Positions, idents[3])
	require.NoError(l.CheckInvariants())

	// Closed position is retained but inactive, and cannot be closed twice.
	pos, err := l.GetPosition(idents[1])
	require.NoError(err)
	require.False(pos.Active)
	require.ErrorIs(l.ClosePosition(idents[1]), ErrPositionInactive)
}

func TestClosePositionUnknownID(t *testing.T) {
	require := require.New(t)

	l := New()
	require.ErrorIs(l.ClosePosition(42), ErrPositionNotFound)
}

func TestReopenPosition(t *testing.T) {
	require := require.New(t)

	l := New()
	hedger := ids.GenerateTestShortID()
	now := time.Now()

	id, err := l.CreatePosition(hedger, eur(10000), eur(1000), eur(1), 10, now, 1)
	require.NoError(err)
	require.ErrorIs(l.ReopenPosition(id), ErrPositionActive)
	require.ErrorIs(l.ReopenPosition(42), ErrPositionNotFound)

	// Closing the sole position deactivates the hedger; reopening undoes
	// the full teardown, aggregates included.
	require.NoError(l.ClosePosition(id))
	require.Equal(0, l.ActiveHedgerCount())

	require.NoError(l.ReopenPosition(id))
	require.Equal(1, l.ActiveHedgerCount())

	pos, err := l.GetPosition(id)
	require.NoError(err)
	require.True(pos.Active)

	h, err := l.GetHedger(hedger)
	require.NoError(err)
	require.True(h.Active)
	require.Equal([]uint64{id}, h.Positions)
	require.Zero(h.TotalMargin.Cmp(eur(1000)))
	require.Zero(l.TotalMargin().Cmp(eur(1000)))
	require.Zero(l.TotalExposure().Cmp(eur(10000)))
	require.NoError(l.CheckInvariants())

	// A reopened position closes normally.
	require.NoError(l.ClosePosition(id))
	require.NoError(l.CheckInvariants())
}

func TestHedgerActivation(t *testing.T) {
	require := require.New(t)

	l := New()
	hedger := ids.GenerateTestShortID()
	now := time.Now()

	require.Equal(0, l.ActiveHedgerCount())

	id1, err := l.CreatePosition(hedger, eur(1000), eur(100), eur(1), 10, now, 1)
	require.NoError(err)
	id2, err := l.CreatePosition(hedger, eur(1000), eur(100), eur(1), 10, now, 1)
	require.NoError(err)
	require.Equal(1, l.ActiveHedgerCount())

	require.NoError(l.ClosePosition(id1))
	require.Equal(1, l.ActiveHedgerCount())

	require.NoError(l.ClosePosition(id2))
	require.Equal(0, l.ActiveHedgerCount())

	h, err := l.GetHedger(hedger)
	require.NoError(err)
	require.False(h.Active)
	require.Zero(h.TotalMargin.Sign())
	require.Zero(h.TotalExposure.Sign())
	require.NoError(l.CheckInvariants())
}

func TestAdjustMargin(t *testing.T) {
	require := require.New(t)

	l := New()
	hedger := ids.GenerateTestShortID()
	now := time.Now()

	id, err := l.CreatePosition(hedger, eur(10000), eur(1000), eur(1), 10, now, 1)
	require.NoError(err)

	require.NoError(l.AdjustMargin(id, eur(500), now))

	pos, err := l.GetPosition(id)
	require.NoError(err)
	require.Zero(pos.Margin.Cmp(eur(1500)))
	require.Zero(l.TotalMargin().Cmp(eur(1500)))

	require.NoError(l.AdjustMargin(id, new(big.Int).Neg(eur(700)), now))
	require.Zero(l.TotalMargin().Cmp(eur(800)))
	require.NoError(l.CheckInvariants())

	// Removing the whole margin is an underflow, not a close.
	require.ErrorIs(l.AdjustMargin(id, new(big.Int).Neg(eur(800)), now), ErrMarginUnderflow)

	require.NoError(l.ClosePosition(id))
	require.ErrorIs(l.AdjustMargin(id, eur(1), now), ErrPositionInactive)
}

func TestMarginRatioMath(t *testing.T) {
	require := require.New(t)

	pos := &Position{
		Size:       eur(10000),
		Margin:     eur(1000),
		EntryPrice: new(big.Int).Div(new(big.Int).Mul(big.NewInt(108), PrecisionFactor), big.NewInt(100)),
	}

	// 1000/10000 = 10%.
	require.Zero(pos.MarginRatioBps().Cmp(big.NewInt(1000)))

	// Price unchanged: pnl = 0, effective ratio equals static ratio.
	require.Zero(pos.UnrealizedPnL(pos.EntryPrice).Sign())
	require.Zero(pos.EffectiveMarginRatioBps(pos.EntryPrice).Cmp(big.NewInt(1000)))

	// Price falls 1.08 -> 0.9936 (8% drop): pnl = -800, ratio = 200/10000 = 2%.
	dropped := new(big.Int).Div(new(big.Int).Mul(big.NewInt(9936), PrecisionFactor), big.NewInt(10000))
	ratio := pos.EffectiveMarginRatioBps(dropped)
	require.Zero(ratio.Cmp(big.NewInt(200)))

	// A drop beyond the margin makes the effective ratio negative.
	halved := new(big.Int).Div(pos.EntryPrice, big.NewInt(2))
	require.Negative(pos.EffectiveMarginRatioBps(halved).Sign())
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	require := require.New(t)

	l := New()
	now := time.Now()
	hedgerA := ids.GenerateTestShortID()
	hedgerB := ids.GenerateTestShortID()

	idA, err := l.CreatePosition(hedgerA, eur(10000), eur(1000), eur(1), 10, now, 7)
	require.NoError(err)
	_, err = l.CreatePosition(hedgerB, eur(5000), eur(500), eur(1), 10, now, 7)
	require.NoError(err)
	require.NoError(l.ClosePosition(idA))

	snap := l.Snapshot()

	restored := New()
	require.NoError(restored.Restore(snap))
	require.NoError(restored.CheckInvariants())
	require.Equal(l.NextPositionID(), restored.NextPositionID())
	require.Zero(l.TotalMargin().Cmp(restored.TotalMargin()))
	require.Zero(l.TotalExposure().Cmp(restored.TotalExposure()))
	require.Equal(l.ActiveHedgerCount(), restored.ActiveHedgerCount())

	pos, err := restored.GetPosition(idA)
	require.NoError(err)
	require.False(pos.Active)
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	require := require.New(t)

	l := New()
	now := time.Now()
	hedger := ids.GenerateTestShortID()
	_, err := l.CreatePosition(hedger, eur(1000), eur(100), eur(1), 10, now, 1)
	require.NoError(err)

	snap := l.Snapshot()
	snap.Hedgers[0].Positions = append(snap.Hedgers[0].Positions, 999)

	require.Error(New().Restore(snap))
}
