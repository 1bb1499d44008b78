// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rewards

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/hedge/config"
	"github.com/luxfi/hedge/guard"
	"github.com/luxfi/hedge/ledger"
	"github.com/luxfi/hedge/vault"
)

func eur(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), ledger.PrecisionFactor)
}

type rewardEnv struct {
	accruer   *Accruer
	ledger    *ledger.Ledger
	allocator *StaticAllocator
	vault     *vault.MemVault
	hedger    ids.ShortID
	opened    time.Time
}

// newRewardEnv opens a position with 10000 exposure at t0. The accrual
// window is stretched to 400 days so a clean one-year period is not capped.
func newRewardEnv(t *testing.T) *rewardEnv {
	p := config.DefaultParams()
	p.MaxRewardPeriod = 400 * 24 * time.Hour
	params, err := config.NewStore(p)
	require.NoError(t, err)

	l := ledger.New()
	v := vault.NewMemVault()
	allocator := NewStaticAllocator()
	accruer := New(params, l, allocator, guard.New(v), log.NewNoOpLogger())

	// Pool liquidity to pay claims from.
	treasury := ids.GenerateTestShortID()
	v.Credit(treasury, eur(1_000_000))
	require.NoError(t, v.DepositOnBehalf(treasury, eur(1_000_000)))

	hedger := ids.GenerateTestShortID()
	opened := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = l.CreatePosition(hedger, eur(10_000), eur(1000), eur(1), 10, opened, 1)
	require.NoError(t, err)

	return &rewardEnv{
		accruer:   accruer,
		ledger:    l,
		allocator: allocator,
		vault:     v,
		hedger:    hedger,
		opened:    opened,
	}
}

func TestAccrualRate(t *testing.T) {
	require := require.New(t)
	env := newRewardEnv(t)

	// 2.5% of 10000 exposure over exactly one year is 250.
	oneYear := env.opened.Add(365 * 24 * time.Hour)
	pending, err := env.accruer.Pending(env.hedger, oneYear)
	require.NoError(err)
	require.Zero(pending.Cmp(eur(250)))

	// Half a year accrues half.
	halfYear := env.opened.Add(365 * 12 * time.Hour)
	pending, err = env.accruer.Pending(env.hedger, halfYear)
	require.NoError(err)
	require.Zero(pending.Cmp(eur(125)))
}

func TestAccrualCappedAtMaxPeriod(t *testing.T) {
	require := require.New(t)
	env := newRewardEnv(t)

	// Two years dormant accrues no more than the 400-day window.
	twoYears := env.opened.Add(2 * 365 * 24 * time.Hour)
	pending, err := env.accruer.Pending(env.hedger, twoYears)
	require.NoError(err)

	capped := new(big.Int).Mul(eur(250), big.NewInt(400))
	capped.Div(capped, big.NewInt(365))
	require.Zero(pending.Cmp(capped))
}

func TestAccrueAdvancesCheckpoint(t *testing.T) {
	require := require.New(t)
	env := newRewardEnv(t)

	oneYear := env.opened.Add(365 * 24 * time.Hour)
	require.NoError(env.accruer.Accrue(env.hedger, oneYear, 10))

	h, err := env.ledger.GetHedger(env.hedger)
	require.NoError(err)
	require.Zero(h.PendingRewards.Cmp(eur(250)))
	require.Equal(oneYear, h.LastRewardTime)
	require.Equal(uint64(10), h.LastRewardBlock)

	// Re-accruing at the same instant adds nothing.
	require.NoError(env.accruer.Accrue(env.hedger, oneYear, 11))
	h, err = env.ledger.GetHedger(env.hedger)
	require.NoError(err)
	require.Zero(h.PendingRewards.Cmp(eur(250)))
}

func TestAccrueUnknownHedger(t *testing.T) {
	env := newRewardEnv(t)
	err := env.accruer.Accrue(ids.GenerateTestShortID(), env.opened, 1)
	require.ErrorIs(t, err, ledger.ErrHedgerNotFound)
}

func TestClaim(t *testing.T) {
	require := require.New(t)
	env := newRewardEnv(t)

	env.allocator.SetPending(env.hedger, eur(50))

	oneYear := env.opened.Add(365 * 24 * time.Hour)
	total, err := env.accruer.Claim(env.hedger, oneYear, 10)
	require.NoError(err)
	require.Zero(total.Cmp(eur(300)))
	require.Zero(env.vault.BalanceOf(env.hedger).Cmp(eur(300)))

	// The checkpoint was zeroed and the allocator stream consumed.
	h, err := env.ledger.GetHedger(env.hedger)
	require.NoError(err)
	require.Zero(h.PendingRewards.Sign())

	_, err = env.accruer.Claim(env.hedger, oneYear, 11)
	require.ErrorIs(err, ErrNothingToClaim)

	claims := env.accruer.Claims()
	require.Len(claims, 1)
	require.Zero(claims[0].Interest.Cmp(eur(250)))
	require.Zero(claims[0].Yield.Cmp(eur(50)))
}

func TestClaimSurvivesFailedPayout(t *testing.T) {
	require := require.New(t)

	p := config.DefaultParams()
	p.MaxRewardPeriod = 400 * 24 * time.Hour
	params, err := config.NewStore(p)
	require.NoError(err)

	l := ledger.New()
	v := vault.NewMemVault()
	allocator := NewStaticAllocator()
	accruer := New(params, l, allocator, guard.New(v), log.NewNoOpLogger())

	hedger := ids.GenerateTestShortID()
	opened := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = l.CreatePosition(hedger, eur(10_000), eur(1000), eur(1), 10, opened, 1)
	require.NoError(err)
	allocator.SetPending(hedger, eur(50))

	// Custody is empty: the payout fails after both streams were settled.
	// Neither may be forfeited.
	oneYear := opened.Add(365 * 24 * time.Hour)
	_, err = accruer.Claim(hedger, oneYear, 10)
	require.ErrorIs(err, vault.ErrInsufficientFunds)

	pending, err := accruer.Pending(hedger, oneYear)
	require.NoError(err)
	require.Zero(pending.Cmp(eur(300)))
	require.Empty(accruer.Claims())

	// With a funded pool the retry pays the full amount.
	treasury := ids.GenerateTestShortID()
	v.Credit(treasury, eur(1000))
	require.NoError(v.DepositOnBehalf(treasury, eur(1000)))
	total, err := accruer.Claim(hedger, oneYear, 11)
	require.NoError(err)
	require.Zero(total.Cmp(eur(300)))
	require.Zero(v.BalanceOf(hedger).Cmp(eur(300)))
}

func TestNoAccrualWithoutExposure(t *testing.T) {
	require := require.New(t)
	env := newRewardEnv(t)

	// Close the position: exposure drops to zero and accrual stops.
	oneYear := env.opened.Add(365 * 24 * time.Hour)
	require.NoError(env.accruer.Accrue(env.hedger, oneYear, 10))
	require.NoError(env.ledger.ClosePosition(1))

	later := oneYear.Add(100 * 24 * time.Hour)
	pending, err := env.accruer.Pending(env.hedger, later)
	require.NoError(err)
	require.Zero(pending.Cmp(eur(250)))
}
