// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package liquidation implements the commit-reveal liquidation protocol.
// Liquidation eligibility is public (derivable from the oracle price and
// position state), so a bare "first caller wins the reward" design is
// front-runnable. A liquidator instead reserves the opportunity with a hash
// commitment that binds their own address, then proves eligibility in a
// separate execute step. Copying someone else's execute transaction yields a
// different hash and finds no commitment.
package liquidation

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/luxfi/hedge/config"
	"github.com/luxfi/hedge/guard"
	"github.com/luxfi/hedge/ledger"
	"github.com/luxfi/hedge/oracle"
	"github.com/luxfi/hedge/roles"
)

var (
	ErrCommitmentExists   = errors.New("commitment already exists")
	ErrCommitmentNotFound = errors.New("commitment not found")
	ErrNotLiquidatable    = errors.New("position not liquidatable")
	ErrNotCommitmentOwner = errors.New("not the committing liquidator")
	ErrCooldownActive     = errors.New("liquidation cooldown has not elapsed")
	ErrNothingPending     = errors.New("no pending liquidation for position")
)

// SaltLength is the required salt size in bytes.
const SaltLength = 32

// Commitment is a liquidator's reservation against a specific position.
type Commitment struct {
	Hash       ids.ID      `json:"hash"`
	Liquidator ids.ShortID `json:"liquidator"`
	Hedger     ids.ShortID `json:"hedger"`
	PositionID uint64      `json:"positionId"`
	Height     uint64      `json:"height"`
	Time       time.Time   `json:"time"`
}

// Event records a completed liquidation.
type Event struct {
	PositionID uint64      `json:"positionId"`
	Hedger     ids.ShortID `json:"hedger"`
	Liquidator ids.ShortID `json:"liquidator"`
	Price      *big.Int    `json:"price"`
	Reward     *big.Int    `json:"reward"`
	Residual   *big.Int    `json:"residual"`
	Height     uint64      `json:"height"`
	Time       time.Time   `json:"time"`
}

// Stats counts commitment lifecycle outcomes.
type Stats struct {
	Commits     uint64 `json:"commits"`
	Executes    uint64 `json:"executes"`
	Failed      uint64 `json:"failed"` // Consumed commitments that were not liquidatable
	Cancels     uint64 `json:"cancels"`
	ForceClears uint64 `json:"forceClears"`
}

type pendingKey struct {
	hedger     ids.ShortID
	positionID uint64
}

// Protocol is the commit-reveal state machine layered over the ledger.
type Protocol struct {
	mu sync.RWMutex

	params *config.Store
	ledger *ledger.Ledger
	oracle oracle.Gateway
	guard  *guard.FlashLoanGuard
	auth   *roles.Authorizer
	log    log.Logger

	commitments map[ids.ID]*Commitment
	// pending holds the single pending-liquidation marker per position,
	// keyed by (hedger, position id), recording the height it was set.
	pending map[pendingKey]uint64
	// lastAttempt records, per targeted hedger, the height of the most
	// recent commitment against them. It drives the margin-top-up cooldown.
	lastAttempt map[ids.ShortID]uint64

	events []*Event
	stats  Stats
}

// New creates the liquidation protocol over the given collaborators.
func New(
	params *config.Store,
	l *ledger.Ledger,
	gw oracle.Gateway,
	g *guard.FlashLoanGuard,
	auth *roles.Authorizer,
	logger log.Logger,
) *Protocol {
	return &Protocol{
		params:      params,
		ledger:      l,
		oracle:      gw,
		guard:       g,
		auth:        auth,
		log:         logger,
		commitments: make(map[ids.ID]*Commitment),
		pending:     make(map[pendingKey]uint64),
		lastAttempt: make(map[ids.ShortID]uint64),
	}
}

// ComputeCommitment computes SHA256(hedger || positionID || salt || liquidator).
// Binding the liquidator's address into the hash is what prevents a third
// party from replaying the reveal and stealing the reward.
func ComputeCommitment(
	hedger ids.ShortID,
	positionID uint64,
	salt [SaltLength]byte,
	liquidator ids.ShortID,
) ids.ID {
	var idBytes [8]byte
	binary.BigEndian.PutUint64(idBytes[:], positionID)

	h := sha256.New()
	h.Write(hedger[:])
	h.Write(idBytes[:])
	h.Write(salt[:])
	h.Write(liquidator[:])

	var id ids.ID
	copy(id[:], h.Sum(nil))
	return id
}

// Commit reserves the right to liquidate (hedger, positionID). Multiple
// liquidators may hold commitments against the same position under
// different hashes; the pending marker is set once for the position.
func (p *Protocol) Commit(
	liquidator, hedger ids.ShortID,
	positionID uint64,
	salt [SaltLength]byte,
	height uint64,
	now time.Time,
) error {
	if err := p.auth.Require(liquidator, roles.Liquidator); err != nil {
		return err
	}

	pos, err := p.ledger.GetPosition(positionID)
	if err != nil {
		return err
	}
	if !pos.Active {
		return ledger.ErrPositionInactive
	}
	if pos.Hedger != hedger {
		return ledger.ErrPositionNotFound
	}

	hash := ComputeCommitment(hedger, positionID, salt, liquidator)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.commitments[hash]; exists {
		return ErrCommitmentExists
	}

	p.commitments[hash] = &Commitment{
		Hash:       hash,
		Liquidator: liquidator,
		Hedger:     hedger,
		PositionID: positionID,
		Height:     height,
		Time:       now,
	}

	key := pendingKey{hedger: hedger, positionID: positionID}
	if _, exists := p.pending[key]; !exists {
		p.pending[key] = height
	}
	p.lastAttempt[hedger] = height
	p.stats.Commits++

	p.log.Debug("liquidation committed",
		"hedger", hedger,
		"positionID", positionID,
		"height", height,
	)
	return nil
}

// Execute reveals a commitment and liquidates the position if its
// price-adjusted margin ratio is below the liquidation threshold.
//
// The commitment and pending marker are consumed before the price is read.
// A failed liquidatability check leaves the commitment consumed: re-proving
// eligibility requires a fresh commit, so a stale reveal cannot be replayed
// at a later, worse price. An invalid oracle quote or a failed settlement
// transfer aborts the whole operation and the commitment survives.
func (p *Protocol) Execute(
	liquidator, hedger ids.ShortID,
	positionID uint64,
	salt [SaltLength]byte,
	height uint64,
	now time.Time,
) (*big.Int, error) {
	if err := p.auth.Require(liquidator, roles.Liquidator); err != nil {
		return nil, err
	}

	hash := ComputeCommitment(hedger, positionID, salt, liquidator)

	p.mu.Lock()
	defer p.mu.Unlock()

	commitment, exists := p.commitments[hash]
	if !exists {
		return nil, ErrCommitmentNotFound
	}

	key := pendingKey{hedger: hedger, positionID: positionID}
	pendingHeight, hadPending := p.pending[key]
	delete(p.commitments, hash)
	delete(p.pending, key)

	restore := func() {
		p.commitments[hash] = commitment
		if hadPending {
			p.pending[key] = pendingHeight
		}
	}

	price, valid := p.oracle.Price()
	if !valid {
		restore()
		return nil, oracle.ErrInvalidPrice
	}

	pos, err := p.ledger.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	if !pos.Active {
		return nil, ledger.ErrPositionInactive
	}

	params := p.params.Get()
	threshold := big.NewInt(int64(params.LiquidationThresholdBps))
	if pos.EffectiveMarginRatioBps(price).Cmp(threshold) >= 0 {
		p.stats.Failed++
		// Other liquidators' live commitments keep blocking top-ups.
		if hadPending && p.positionTargeted(key) {
			p.pending[key] = pendingHeight
		}
		return nil, ErrNotLiquidatable
	}

	reward := new(big.Int).Mul(pos.Margin, big.NewInt(int64(params.LiquidationPenaltyBps)))
	reward.Div(reward, ledger.BasisPointDenom)
	residual := new(big.Int).Sub(pos.Margin, reward)

	if err := p.ledger.ClosePosition(positionID); err != nil {
		restore()
		return nil, err
	}

	// A withdraw failure unwinds the close so margin is never stranded in
	// custody with the position gone.
	if reward.Sign() > 0 {
		if err := p.guard.Withdraw(liquidator, reward); err != nil {
			_ = p.ledger.ReopenPosition(positionID)
			restore()
			return nil, err
		}
	}
	if residual.Sign() > 0 {
		if err := p.guard.Withdraw(hedger, residual); err != nil {
			if reward.Sign() > 0 {
				_ = p.guard.Deposit(liquidator, reward)
			}
			_ = p.ledger.ReopenPosition(positionID)
			restore()
			return nil, err
		}
	}

	p.stats.Executes++
	event := &Event{
		PositionID: positionID,
		Hedger:     hedger,
		Liquidator: liquidator,
		Price:      new(big.Int).Set(price),
		Reward:     reward,
		Residual:   residual,
		Height:     height,
		Time:       now,
	}
	p.events = append(p.events, event)

	p.log.Info("position liquidated",
		"hedger", hedger,
		"positionID", positionID,
		"price", price,
		"reward", reward,
	)
	return new(big.Int).Set(reward), nil
}

// Cancel removes the caller's own commitment early. The pending marker is
// cleared only if no other commitment still targets the position.
func (p *Protocol) Cancel(
	liquidator, hedger ids.ShortID,
	positionID uint64,
	salt [SaltLength]byte,
) error {
	if err := p.auth.Require(liquidator, roles.Liquidator); err != nil {
		return err
	}

	hash := ComputeCommitment(hedger, positionID, salt, liquidator)

	p.mu.Lock()
	defer p.mu.Unlock()

	commitment, exists := p.commitments[hash]
	if !exists {
		return ErrCommitmentNotFound
	}
	if commitment.Liquidator != liquidator {
		return ErrNotCommitmentOwner
	}
	delete(p.commitments, hash)

	key := pendingKey{hedger: hedger, positionID: positionID}
	if !p.positionTargeted(key) {
		delete(p.pending, key)
	}
	p.stats.Cancels++
	return nil
}

// positionTargeted reports whether any live commitment still targets the
// position. Must be called with the lock held.
func (p *Protocol) positionTargeted(key pendingKey) bool {
	for _, c := range p.commitments {
		if c.Hedger == key.hedger && c.PositionID == key.positionID {
			return true
		}
	}
	return false
}

// ClearExpired force-clears an abandoned pending marker once the cooldown
// has elapsed, unblocking the hedger's margin operations. Any liquidator may
// call it; the dangling commitments themselves simply become unexecutable
// dead entries and are dropped too.
func (p *Protocol) ClearExpired(caller, hedger ids.ShortID, positionID uint64, height uint64) error {
	if err := p.auth.Require(caller, roles.Liquidator); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	key := pendingKey{hedger: hedger, positionID: positionID}
	setHeight, exists := p.pending[key]
	if !exists {
		return ErrNothingPending
	}

	cooldown := p.params.Get().LiquidationCooldownBlocks
	if height < setHeight+cooldown {
		return ErrCooldownActive
	}

	delete(p.pending, key)
	for hash, c := range p.commitments {
		if c.Hedger == hedger && c.PositionID == positionID {
			delete(p.commitments, hash)
		}
	}
	p.stats.ForceClears++

	p.log.Debug("pending liquidation cleared",
		"hedger", hedger,
		"positionID", positionID,
		"height", height,
	)
	return nil
}

// IsPending reports whether a pending-liquidation marker exists for the
// position. Margin top-ups are rejected while it does.
func (p *Protocol) IsPending(hedger ids.ShortID, positionID uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.pending[pendingKey{hedger: hedger, positionID: positionID}]
	return exists
}

// InCooldown reports whether the hedger is still inside the
// post-liquidation-attempt cooldown at the given height.
func (p *Protocol) InCooldown(hedger ids.ShortID, height uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	attempt, exists := p.lastAttempt[hedger]
	if !exists {
		return false
	}
	return height < attempt+p.params.Get().LiquidationCooldownBlocks
}

// GetCommitment returns a live commitment by hash.
func (p *Protocol) GetCommitment(hash ids.ID) (*Commitment, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, exists := p.commitments[hash]
	if !exists {
		return nil, false
	}
	clone := *c
	return &clone, true
}

// Events returns the liquidation history.
func (p *Protocol) Events() []*Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	events := make([]*Event, len(p.events))
	copy(events, p.events)
	return events
}

// Statistics returns the commitment lifecycle counters.
func (p *Protocol) Statistics() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stats
}
