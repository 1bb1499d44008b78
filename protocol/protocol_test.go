// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package protocol

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/database/memdb"
	"github.com/luxfi/ids"
	"github.com/luxfi/metric"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/hedge/config"
	"github.com/luxfi/hedge/ledger"
	"github.com/luxfi/hedge/liquidation"
	"github.com/luxfi/hedge/margin"
	"github.com/luxfi/hedge/oracle"
	"github.com/luxfi/hedge/rewards"
	"github.com/luxfi/hedge/roles"
	"github.com/luxfi/hedge/vault"
)

func eur(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), ledger.PrecisionFactor)
}

// rate returns n/denom as a 1e18-scaled price.
func rate(n, denom int64) *big.Int {
	p := new(big.Int).Mul(big.NewInt(n), ledger.PrecisionFactor)
	return p.Div(p, big.NewInt(denom))
}

func salt(b byte) [liquidation.SaltLength]byte {
	var s [liquidation.SaltLength]byte
	s[0] = b
	return s
}

type protocolEnv struct {
	protocol  *Protocol
	oracle    *oracle.Static
	vault     *vault.MemVault
	allocator *rewards.StaticAllocator
	hedger    ids.ShortID
}

func newProtocolEnv(t *testing.T) *protocolEnv {
	gw := oracle.NewStatic(rate(108, 100))
	v := vault.NewMemVault()
	allocator := rewards.NewStaticAllocator()

	p, err := New(Options{
		Params:     config.DefaultParams(),
		Oracle:     gw,
		Vault:      v,
		Allocator:  allocator,
		DB:         memdb.New(),
		Registerer: metric.NewRegistry(),
	})
	require.NoError(t, err)

	p.Clock().Set(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	p.AdvanceBlock()

	hedger := ids.GenerateTestShortID()
	v.Credit(hedger, eur(100_000))

	treasury := ids.GenerateTestShortID()
	v.Credit(treasury, eur(1_000_000))
	require.NoError(t, v.DepositOnBehalf(treasury, eur(1_000_000)))

	return &protocolEnv{
		protocol:  p,
		oracle:    gw,
		vault:     v,
		allocator: allocator,
		hedger:    hedger,
	}
}

func TestLifecycle(t *testing.T) {
	require := require.New(t)
	env := newProtocolEnv(t)
	p := env.protocol

	id, err := p.Open(env.hedger, eur(1000), 10)
	require.NoError(err)

	require.NoError(p.AddMargin(env.hedger, id, eur(500)))
	require.NoError(p.RemoveMargin(env.hedger, id, eur(300)))

	// Draining below the 5% minimum ratio is rejected.
	err = p.RemoveMargin(env.hedger, id, eur(800))
	require.ErrorIs(err, margin.ErrMarginRatioTooLow)

	pnl, err := p.Close(env.hedger, id)
	require.NoError(err)
	require.Zero(pnl.Sign())
	require.NoError(p.Ledger().CheckInvariants())
}

func TestLiquidationFlow(t *testing.T) {
	require := require.New(t)
	env := newProtocolEnv(t)
	p := env.protocol

	liquidator := ids.GenerateTestShortID()
	p.Authorizer().Grant(liquidator, roles.Liquidator)

	id, err := p.Open(env.hedger, eur(1000), 10)
	require.NoError(err)

	// Healthy position: commit goes through, execute does not.
	require.NoError(p.Commit(liquidator, env.hedger, id, salt(1)))
	_, err = p.Execute(liquidator, env.hedger, id, salt(1))
	require.ErrorIs(err, liquidation.ErrNotLiquidatable)

	// After the drop a fresh commitment liquidates.
	env.oracle.Set(rate(99, 100))
	p.AdvanceBlock()
	require.NoError(p.Commit(liquidator, env.hedger, id, salt(2)))
	reward, err := p.Execute(liquidator, env.hedger, id, salt(2))
	require.NoError(err)

	wantReward := new(big.Int).Div(eur(999), big.NewInt(10))
	require.Zero(reward.Cmp(wantReward))
	require.Zero(env.vault.BalanceOf(liquidator).Cmp(wantReward))
	require.NoError(p.Ledger().CheckInvariants())
}

func TestRewardsFlow(t *testing.T) {
	require := require.New(t)
	env := newProtocolEnv(t)
	p := env.protocol

	id, err := p.Open(env.hedger, eur(1000), 10)
	require.NoError(err)

	// Advance a month: some interest has accrued on the 9990 exposure.
	p.Clock().Advance(30 * 24 * time.Hour)
	pending, err := p.PendingRewards(env.hedger)
	require.NoError(err)
	require.Positive(pending.Sign())

	env.allocator.SetPending(env.hedger, eur(10))
	total, err := p.ClaimRewards(env.hedger)
	require.NoError(err)
	require.True(total.Cmp(eur(10)) > 0)

	// Closing settles accrual first, so nothing is lost between claim and
	// close; immediately after a claim there is nothing new.
	_, err = p.Close(env.hedger, id)
	require.NoError(err)
	pending, err = p.PendingRewards(env.hedger)
	require.NoError(err)
	require.Zero(pending.Sign())
}

func TestPersistRestore(t *testing.T) {
	require := require.New(t)
	env := newProtocolEnv(t)
	p := env.protocol

	id, err := p.Open(env.hedger, eur(1000), 10)
	require.NoError(err)
	require.NoError(p.Persist())

	// Mutate past the snapshot, then roll the ledger back.
	_, err = p.Close(env.hedger, id)
	require.NoError(err)

	require.NoError(p.Restore())
	pos, err := p.Ledger().GetPosition(id)
	require.NoError(err)
	require.True(pos.Active)
	require.NoError(p.Ledger().CheckInvariants())
}

func TestNoDatabase(t *testing.T) {
	require := require.New(t)

	p, err := New(Options{
		Params:    config.DefaultParams(),
		Oracle:    oracle.NewStatic(rate(108, 100)),
		Vault:     vault.NewMemVault(),
		Allocator: rewards.NewStaticAllocator(),
	})
	require.NoError(err)
	require.Error(p.Persist())
	require.Error(p.Restore())
}

func TestHeightAdvances(t *testing.T) {
	require := require.New(t)
	env := newProtocolEnv(t)

	h := env.protocol.Height()
	require.Equal(h+1, env.protocol.AdvanceBlock())
	require.Equal(h+1, env.protocol.Height())
}
