// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package protocol wires the hedge ledger together and exposes its typed
// operation set. Every state mutation runs under one lock, reproducing the
// single-writer transaction model the engines assume: each operation either
// completes or returns an error having restored the ledger.
//
// Block height is advanced explicitly by the embedding process; there are
// no background goroutines and all operations are deterministic given the
// clock and height.
package protocol

import (
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/versiondb"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/luxfi/metric"

	"github.com/luxfi/hedge/config"
	"github.com/luxfi/hedge/guard"
	"github.com/luxfi/hedge/ledger"
	"github.com/luxfi/hedge/liquidation"
	"github.com/luxfi/hedge/margin"
	"github.com/luxfi/hedge/metrics"
	"github.com/luxfi/hedge/oracle"
	"github.com/luxfi/hedge/rewards"
	"github.com/luxfi/hedge/roles"
	"github.com/luxfi/hedge/state"
	"github.com/luxfi/hedge/utils/timer/mockable"
	"github.com/luxfi/hedge/vault"
)

// Protocol is the composition root of the hedge ledger.
type Protocol struct {
	lock sync.Mutex

	log     log.Logger
	clock   mockable.Clock
	height  uint64
	params  *config.Store
	auth    *roles.Authorizer
	ledger  *ledger.Ledger
	margin  *margin.Engine
	liq     *liquidation.Protocol
	rewards *rewards.Accruer
	metrics metrics.Metrics

	baseDB database.Database
	db     *versiondb.Database
	store  *state.Store
}

// Options carries the external collaborators.
type Options struct {
	Params     config.Params
	Oracle     oracle.Gateway
	Vault      vault.Vault
	Allocator  rewards.YieldAllocator
	DB         database.Database
	Log        log.Logger
	Registerer metric.Registerer
}

// New assembles the protocol. DB is optional; without it Persist and
// Restore are unavailable. A nil logger is replaced with a no-op one.
func New(opts Options) (*Protocol, error) {
	paramStore, err := config.NewStore(opts.Params)
	if err != nil {
		return nil, err
	}

	logger := opts.Log
	if logger == nil {
		logger = log.NewNoOpLogger()
	}

	var m metrics.Metrics = metrics.NewNoOp()
	if opts.Registerer != nil {
		if m, err = metrics.New(opts.Registerer); err != nil {
			return nil, err
		}
	}

	auth := roles.NewAuthorizer()
	l := ledger.New()
	g := guard.New(opts.Vault)

	marginEngine := margin.New(paramStore, l, opts.Oracle, g, auth, opts.Vault, logger)
	liqProtocol := liquidation.New(paramStore, l, opts.Oracle, g, auth, logger)
	marginEngine.SetLiquidationState(liqProtocol)
	accruer := rewards.New(paramStore, l, opts.Allocator, g, logger)

	p := &Protocol{
		log:     logger,
		params:  paramStore,
		auth:    auth,
		ledger:  l,
		margin:  marginEngine,
		liq:     liqProtocol,
		rewards: accruer,
		metrics: m,
	}
	if opts.DB != nil {
		p.baseDB = opts.DB
		p.db = versiondb.New(opts.DB)
		p.store = state.New(p.db)
	}

	logger.Info("hedge protocol initialized",
		"maxLeverage", opts.Params.MaxLeverage,
		"minMarginRatioBps", opts.Params.MinMarginRatioBps,
	)
	return p, nil
}

// AdvanceBlock moves the protocol one block forward.
func (p *Protocol) AdvanceBlock() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.height++
	return p.height
}

// Height returns the current block height.
func (p *Protocol) Height() uint64 {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.height
}

// Clock returns the protocol clock; tests freeze it.
func (p *Protocol) Clock() *mockable.Clock {
	return &p.clock
}

// Authorizer returns the capability policy, used by the embedding process
// to grant liquidator and governor capabilities.
func (p *Protocol) Authorizer() *roles.Authorizer {
	return p.auth
}

// Ledger returns the position ledger for reads.
func (p *Protocol) Ledger() *ledger.Ledger {
	return p.ledger
}

// Margin returns the margin engine's read surface.
func (p *Protocol) Margin() *margin.Engine {
	return p.margin
}

// Liquidation returns the liquidation protocol's read surface.
func (p *Protocol) Liquidation() *liquidation.Protocol {
	return p.liq
}

// Params returns the live parameter store.
func (p *Protocol) Params() *config.Store {
	return p.params
}

func (p *Protocol) observe(err error) {
	switch {
	case errors.Is(err, guard.ErrFlashLoanAttackDetected):
		p.metrics.IncFlashLoanRejections()
	case errors.Is(err, oracle.ErrInvalidPrice):
		p.metrics.IncOracleFailures()
	}
}

// Open opens a position for the hedger.
func (p *Protocol) Open(hedger ids.ShortID, collateral *big.Int, leverage uint16) (uint64, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	now := p.clock.Time()
	// Settle accrual before exposure changes so the new exposure does not
	// earn retroactively.
	p.accrueIfKnown(hedger, now)

	id, err := p.margin.Open(hedger, collateral, leverage, now, p.height)
	if err != nil {
		p.observe(err)
		return 0, err
	}
	p.metrics.IncPositionsOpened()
	return id, nil
}

// AddMargin tops up a position.
func (p *Protocol) AddMargin(hedger ids.ShortID, positionID uint64, amount *big.Int) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.margin.AddMargin(hedger, positionID, amount, p.clock.Time(), p.height); err != nil {
		p.observe(err)
		return err
	}
	p.metrics.IncMarginTopUps()
	return nil
}

// RemoveMargin withdraws collateral from a position.
func (p *Protocol) RemoveMargin(hedger ids.ShortID, positionID uint64, amount *big.Int) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.margin.RemoveMargin(hedger, positionID, amount, p.clock.Time()); err != nil {
		p.observe(err)
		return err
	}
	p.metrics.IncMarginWithdrawals()
	return nil
}

// Close settles a position at the current price and returns the PnL.
func (p *Protocol) Close(hedger ids.ShortID, positionID uint64) (*big.Int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	now := p.clock.Time()
	p.accrueIfKnown(hedger, now)

	pnl, err := p.margin.Close(hedger, positionID, now)
	if err != nil {
		p.observe(err)
		return nil, err
	}
	p.metrics.IncPositionsClosed()
	return pnl, nil
}

// EmergencyClose tears down a position through the governor path.
func (p *Protocol) EmergencyClose(governor, hedger ids.ShortID, positionID uint64) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.margin.EmergencyClose(governor, hedger, positionID, p.clock.Time()); err != nil {
		p.observe(err)
		return err
	}
	p.metrics.IncEmergencyCloses()
	return nil
}

// Commit reserves a liquidation opportunity.
func (p *Protocol) Commit(liquidator, hedger ids.ShortID, positionID uint64, salt [liquidation.SaltLength]byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if err := p.liq.Commit(liquidator, hedger, positionID, salt, p.height, p.clock.Time()); err != nil {
		return err
	}
	p.metrics.IncCommits()
	return nil
}

// Execute reveals a commitment and liquidates if eligible.
func (p *Protocol) Execute(liquidator, hedger ids.ShortID, positionID uint64, salt [liquidation.SaltLength]byte) (*big.Int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	now := p.clock.Time()
	p.accrueIfKnown(hedger, now)

	reward, err := p.liq.Execute(liquidator, hedger, positionID, salt, p.height, now)
	if err != nil {
		p.observe(err)
		return nil, err
	}
	p.metrics.IncPositionsLiquidated()
	return reward, nil
}

// CancelCommitment clears the caller's own commitment.
func (p *Protocol) CancelCommitment(liquidator, hedger ids.ShortID, positionID uint64, salt [liquidation.SaltLength]byte) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.liq.Cancel(liquidator, hedger, positionID, salt)
}

// ClearExpired force-clears an abandoned pending-liquidation marker.
func (p *Protocol) ClearExpired(caller, hedger ids.ShortID, positionID uint64) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.liq.ClearExpired(caller, hedger, positionID, p.height)
}

// PendingRewards returns a hedger's total claimable rewards.
func (p *Protocol) PendingRewards(hedger ids.ShortID) (*big.Int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.rewards.Pending(hedger, p.clock.Time())
}

// ClaimRewards settles both reward streams to the hedger.
func (p *Protocol) ClaimRewards(hedger ids.ShortID) (*big.Int, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	total, err := p.rewards.Claim(hedger, p.clock.Time(), p.height)
	if err != nil {
		p.observe(err)
		return nil, err
	}
	p.metrics.IncRewardClaims()
	return total, nil
}

// accrueIfKnown checkpoints reward accrual for an existing hedger. A hedger
// the ledger has never seen has nothing to accrue.
func (p *Protocol) accrueIfKnown(hedger ids.ShortID, now time.Time) {
	if _, err := p.ledger.GetHedger(hedger); err != nil {
		return
	}
	if err := p.rewards.Accrue(hedger, now, p.height); err != nil {
		p.log.Warn("reward accrual failed", "hedger", hedger, "error", err)
	}
}

// Persist writes the current ledger snapshot through the versioned
// database and commits it.
func (p *Protocol) Persist() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.store == nil {
		return errors.New("no database configured")
	}
	if err := p.store.Save(p.ledger.Snapshot()); err != nil {
		return err
	}
	return p.db.Commit()
}

// Restore replaces the ledger with the stored snapshot.
func (p *Protocol) Restore() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.store == nil {
		return errors.New("no database configured")
	}
	snap, err := p.store.Load()
	if err != nil {
		return err
	}
	return p.ledger.Restore(snap)
}
