// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package margin implements the margin engine: opening, margin adjustment
// and closing of hedge positions, plus the governance surface. Every
// operation validates, then mutates the ledger, then performs the external
// vault transfer, in that order. A reentrant caller therefore always
// observes a consistent, already-debited ledger.
package margin

import (
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
	ErrPaused              = errors.New("protocol paused")
	ErrInvalidLeverage     = errors.New("invalid leverage")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrMaxPositionsReached = errors.New("per-hedger position cap reached")
	ErrNotOwner            = errors.New("caller does not own position")
	ErrMarginRatioTooLow   = errors.New("margin ratio below minimum")
	ErrLiquidationPending  = errors.New("liquidation pending against position")
	ErrLiquidationCooldown = errors.New("hedger in post-liquidation cooldown")
	ErrUndercollateralized = errors.New("close would undercollateralize synthetic supply")
	ErrInsufficientMargin  = errors.New("insufficient margin")
)

// LiquidationState is the slice of the liquidation protocol the margin
// engine consults before allowing a top-up.
type LiquidationState interface {
	IsPending(hedger ids.ShortID, positionID uint64) bool
	InCooldown(hedger ids.ShortID, height uint64) bool
}

// Collateralizer is the vault view consulted before a close.
type Collateralizer interface {
	IsCollateralized() (bool, *big.Int)
}

// PositionOpened is emitted for every successful open.
type PositionOpened struct {
	PositionID uint64      `json:"positionId"`
	Hedger     ids.ShortID `json:"hedger"`
	Size       *big.Int    `json:"size"`
	Margin     *big.Int    `json:"margin"`
	Leverage   uint16      `json:"leverage"`
	EntryPrice *big.Int    `json:"entryPrice"`
	Fee        *big.Int    `json:"fee"`
	Time       time.Time   `json:"time"`
}

// PositionClosed is emitted for every close, including emergency closes.
type PositionClosed struct {
	PositionID uint64      `json:"positionId"`
	Hedger     ids.ShortID `json:"hedger"`
	PnL        *big.Int    `json:"pnl"`
	Payout     *big.Int    `json:"payout"`
	Fee        *big.Int    `json:"fee"`
	Price      *big.Int    `json:"price,omitempty"`
	Emergency  bool        `json:"emergency"`
	Time       time.Time   `json:"time"`
}

// Engine validates and applies margin and leverage changes to the ledger.
type Engine struct {
	mu sync.RWMutex

	params *config.Store
	ledger *ledger.Ledger
	oracle oracle.Gateway
	guard  *guard.FlashLoanGuard
	auth   *roles.Authorizer
	vault  Collateralizer
	liq    LiquidationState
	log    log.Logger

	paused  bool
	feePool *big.Int
	opened  []*PositionOpened
	closed  []*PositionClosed
}

// New creates a margin engine. The liquidation state is wired afterwards
// with SetLiquidationState since the liquidation protocol is constructed
// over the same ledger.
func New(
	params *config.Store,
	l *ledger.Ledger,
	gw oracle.Gateway,
	g *guard.FlashLoanGuard,
	auth *roles.Authorizer,
	vault Collateralizer,
	logger log.Logger,
) *Engine {
	return &Engine{
		params:  params,
		ledger:  l,
		oracle:  gw,
		guard:   g,
		auth:    auth,
		vault:   vault,
		log:     logger,
		feePool: big.NewInt(0),
	}
}

// SetLiquidationState wires the liquidation protocol view.
func (e *Engine) SetLiquidationState(liq LiquidationState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.liq = liq
}

// Open creates a new position backed by collateral at the given leverage.
// The full collateral (fee included) is deposited into the vault; the fee
// stays in custody as protocol fees and the net remainder backs the
// position.
func (e *Engine) Open(
	hedger ids.ShortID,
	collateral *big.Int,
	leverage uint16,
	now time.Time,
	height uint64,
) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return 0, ErrPaused
	}
	if collateral == nil || collateral.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}

	params := e.params.Get()
	if params.WhitelistEnabled && !e.auth.IsWhitelisted(hedger) {
		return 0, roles.ErrNotWhitelisted
	}
	if leverage < 1 || leverage > params.MaxLeverage {
		return 0, ErrInvalidLeverage
	}
	if e.ledger.ActivePositionCount(hedger) >= int(params.MaxPositionsPerHedger) {
		return 0, ErrMaxPositionsReached
	}

	price, valid := e.oracle.Price()
	if !valid {
		return 0, oracle.ErrInvalidPrice
	}

	fee := feeOf(collateral, params.EntryFeeBps)
	netMargin := new(big.Int).Sub(collateral, fee)
	if netMargin.Sign() <= 0 {
		return 0, ErrInsufficientMargin
	}
	size := new(big.Int).Mul(netMargin, big.NewInt(int64(leverage)))

	// marginRatio = netMargin/size = 1/leverage by construction; the check
	// still runs so a governance-raised minimum binds immediately.
	if ratioBelow(netMargin, size, params.MinMarginRatioBps) {
		return 0, ErrMarginRatioTooLow
	}

	id, err := e.ledger.CreatePosition(hedger, size, netMargin, price, leverage, now, height)
	if err != nil {
		return 0, err
	}

	if err := e.guard.Deposit(hedger, collateral); err != nil {
		// The deposit failed after the ledger was updated; unwind the
		// insert so the operation stays atomic to the caller.
		_ = e.ledger.ClosePosition(id)
		return 0, err
	}
	e.feePool.Add(e.feePool, fee)

	event := &PositionOpened{
		PositionID: id,
		Hedger:     hedger,
		Size:       new(big.Int).Set(size),
		Margin:     new(big.Int).Set(netMargin),
		Leverage:   leverage,
		EntryPrice: new(big.Int).Set(price),
		Fee:        fee,
		Time:       now,
	}
	e.opened = append(e.opened, event)

	e.log.Info("position opened",
		"hedger", hedger,
		"positionID", id,
		"size", size,
		"margin", netMargin,
		"leverage", leverage,
		"entryPrice", price,
	)
	return id, nil
}

// AddMargin tops up an active position's collateral. Rejected while a
// liquidation is pending against the position or the hedger is inside the
// post-liquidation-attempt cooldown, so a top-up cannot race a liquidator's
// reveal.
func (e *Engine) AddMargin(
	hedger ids.ShortID,
	positionID uint64,
	amount *big.Int,
	now time.Time,
	height uint64,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	pos, err := e.ledger.GetPosition(positionID)
	if err != nil {
		return err
	}
	if !pos.Active {
		return ledger.ErrPositionInactive
	}
	if pos.Hedger != hedger {
		return ErrNotOwner
	}
	if e.liq != nil {
		if e.liq.IsPending(hedger, positionID) {
			return ErrLiquidationPending
		}
		if e.liq.InCooldown(hedger, height) {
			return ErrLiquidationCooldown
		}
	}

	params := e.params.Get()
	fee := feeOf(amount, params.EntryFeeBps)
	net := new(big.Int).Sub(amount, fee)
	if net.Sign() <= 0 {
		return ErrInsufficientMargin
	}

	if err := e.ledger.AdjustMargin(positionID, net, now); err != nil {
		return err
	}
	if err := e.guard.Deposit(hedger, amount); err != nil {
		_ = e.ledger.AdjustMargin(positionID, new(big.Int).Neg(net), now)
		return err
	}
	e.feePool.Add(e.feePool, fee)
	return nil
}

// RemoveMargin withdraws collateral from an active position, provided the
// remaining margin ratio stays at or above the minimum.
func (e *Engine) RemoveMargin(
	hedger ids.ShortID,
	positionID uint64,
	amount *big.Int,
	now time.Time,
) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	pos, err := e.ledger.GetPosition(positionID)
	if err != nil {
		return err
	}
	if !pos.Active {
		return ledger.ErrPositionInactive
	}
	if pos.Hedger != hedger {
		return ErrNotOwner
	}
	if pos.Margin.Cmp(amount) <= 0 {
		return ErrInsufficientMargin
	}

	params := e.params.Get()
	remaining := new(big.Int).Sub(pos.Margin, amount)
	if ratioBelow(remaining, pos.Size, params.MinMarginRatioBps) {
		return ErrMarginRatioTooLow
	}

	if err := e.ledger.AdjustMargin(positionID, new(big.Int).Neg(amount), now); err != nil {
		return err
	}
	if err := e.guard.Withdraw(hedger, amount); err != nil {
		_ = e.ledger.AdjustMargin(positionID, amount, now)
		return err
	}
	return nil
}

// Close settles an active position at the current oracle price and pays the
// hedger margin plus PnL, minus the exit fee. One price read serves both the
// collateralization check and the payout. A gross payout at or below zero
// pays nothing; the remaining margin stays in custody absorbing the loss.
func (e *Engine) Close(
	hedger ids.ShortID,
	positionID uint64,
	now time.Time,
) (*big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.paused {
		return nil, ErrPaused
	}

	pos, err := e.ledger.GetPosition(positionID)
	if err != nil {
		return nil, err
	}
	if !pos.Active {
		return nil, ledger.ErrPositionInactive
	}
	if pos.Hedger != hedger {
		return nil, ErrNotOwner
	}

	if ok, _ := e.vault.IsCollateralized(); !ok {
		return nil, ErrUndercollateralized
	}

	price, valid := e.oracle.Price()
	if !valid {
		return nil, oracle.ErrInvalidPrice
	}

	pnl := pos.UnrealizedPnL(price)
	gross := new(big.Int).Add(pos.Margin, pnl)
	if gross.Sign() < 0 {
		gross.SetInt64(0)
	}

	params := e.params.Get()
	fee := feeOf(gross, params.ExitFeeBps)
	payout := new(big.Int).Sub(gross, fee)

	if err := e.ledger.ClosePosition(positionID); err != nil {
		return nil, err
	}

	if payout.Sign() > 0 {
		if err := e.guard.Withdraw(hedger, payout); err != nil {
			_ = e.ledger.ReopenPosition(positionID)
			return nil, err
		}
	}
	e.feePool.Add(e.feePool, fee)

	event := &PositionClosed{
		PositionID: positionID,
		Hedger:     hedger,
		PnL:        new(big.Int).Set(pnl),
		Payout:     payout,
		Fee:        fee,
		Price:      new(big.Int).Set(price),
		Time:       now,
	}
	e.closed = append(e.closed, event)

	e.log.Info("position closed",
		"hedger", hedger,
		"positionID", positionID,
		"pnl", pnl,
		"payout", payout,
	)
	return pnl, nil
}

// EmergencyClose tears a position down bypassing the collateralization and
// ratio checks, returning the full margin without fees. Governor only.
func (e *Engine) EmergencyClose(
	governor, hedger ids.ShortID,
	positionID uint64,
	now time.Time,
) error {
	if err := e.auth.Require(governor, roles.Governor); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pos, err := e.ledger.GetPosition(positionID)
	if err != nil {
		return err
	}
	if !pos.Active {
		return ledger.ErrPositionInactive
	}
	if pos.Hedger != hedger {
		return ErrNotOwner
	}

	if err := e.ledger.ClosePosition(positionID); err != nil {
		return err
	}
	if err := e.guard.Withdraw(hedger, pos.Margin); err != nil {
		_ = e.ledger.ReopenPosition(positionID)
		return err
	}

	event := &PositionClosed{
		PositionID: positionID,
		Hedger:     hedger,
		PnL:        big.NewInt(0),
		Payout:     new(big.Int).Set(pos.Margin),
		Fee:        big.NewInt(0),
		Emergency:  true,
		Time:       now,
	}
	e.closed = append(e.closed, event)

	e.log.Warn("position emergency closed",
		"governor", governor,
		"hedger", hedger,
		"positionID", positionID,
	)
	return nil
}

// Pause halts opens, margin changes and closes. Governor only.
func (e *Engine) Pause(governor ids.ShortID) error {
	if err := e.auth.Require(governor, roles.Governor); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
	e.log.Warn("protocol paused", "governor", governor)
	return nil
}

// Unpause resumes normal operation. Governor only.
func (e *Engine) Unpause(governor ids.ShortID) error {
	if err := e.auth.Require(governor, roles.Governor); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
	e.log.Info("protocol unpaused", "governor", governor)
	return nil
}

// Paused reports whether the engine is paused.
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paused
}

// FeePool returns the accumulated protocol fees held in custody.
func (e *Engine) FeePool() *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return new(big.Int).Set(e.feePool)
}

// OpenedEvents returns the position-opened history.
func (e *Engine) OpenedEvents() []*PositionOpened {
	e.mu.RLock()
	defer e.mu.RUnlock()
	events := make([]*PositionOpened, len(e.opened))
	copy(events, e.opened)
	return events
}

// ClosedEvents returns the position-closed history.
func (e *Engine) ClosedEvents() []*PositionClosed {
	e.mu.RLock()
	defer e.mu.RUnlock()
	events := make([]*PositionClosed, len(e.closed))
	copy(events, e.closed)
	return events
}

// Governance setters. Each delegates to the parameter store, which
// revalidates against the hard ceilings.

func (e *Engine) SetMinMarginRatio(governor ids.ShortID, bps uint16) error {
	if err := e.auth.Require(governor, roles.Governor); err != nil {
		return err
	}
	return e.params.SetMinMarginRatioBps(bps)
}

func (e *Engine) SetLiquidationThreshold(governor ids.ShortID, bps uint16) error {
	if err := e.auth.Require(governor, roles.Governor); err != nil {
		return err
	}
	return e.params.SetLiquidationThresholdBps(bps)
}

func (e *Engine) SetLiquidationPenalty(governor ids.ShortID, bps uint16) error {
	if err := e.auth.Require(governor, roles.Governor); err != nil {
		return err
	}
	return e.params.SetLiquidationPenaltyBps(bps)
}

func (e *Engine) SetMaxLeverage(governor ids.ShortID, leverage uint16) error {
	if err := e.auth.Require(governor, roles.Governor); err != nil {
		return err
	}
	return e.params.SetMaxLeverage(leverage)
}

func (e *Engine) SetFees(governor ids.ShortID, entryBps, exitBps uint16) error {
	if err := e.auth.Require(governor, roles.Governor); err != nil {
		return err
	}
	return e.params.SetFees(entryBps, exitBps)
}

func (e *Engine) SetRateSpread(governor ids.ShortID, bps uint16) error {
	if err := e.auth.Require(governor, roles.Governor); err != nil {
		return err
	}
	return e.params.SetRateSpreadBps(bps)
}

func (e *Engine) AddToWhitelist(governor, hedger ids.ShortID) error {
	if err := e.auth.Require(governor, roles.Governor); err != nil {
		return err
	}
	e.auth.AddToWhitelist(hedger)
	return nil
}

func (e *Engine) RemoveFromWhitelist(governor, hedger ids.ShortID) error {
	if err := e.auth.Require(governor, roles.Governor); err != nil {
		return err
	}
	e.auth.RemoveFromWhitelist(hedger)
	return nil
}

// feeOf returns amount * bps / 10000.
func feeOf(amount *big.Int, bps uint16) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return fee.Div(fee, ledger.BasisPointDenom)
}

// ratioBelow reports whether margin/size is below the given ratio in basis
// points.
func ratioBelow(margin, size *big.Int, minBps uint16) bool {
	if size.Sign() == 0 {
		return false
	}
	lhs := new(big.Int).Mul(margin, ledger.BasisPointDenom)
	rhs := new(big.Int).Mul(size, big.NewInt(int64(minBps)))
	return lhs.Cmp(rhs) < 0
}
