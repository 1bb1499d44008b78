// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rewards accrues interest-rate-differential rewards per hedger and
// bridges the external yield allocator's second reward stream. Both streams
// settle in the same token, paid out of the vault.
package rewards

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
)

var (
	ErrNothingToClaim = errors.New("nothing to claim")

	secondsPerYear = big.NewInt(365 * 24 * 60 * 60)
)

// YieldAllocator is the external second reward stream.
type YieldAllocator interface {
	PendingReward(hedger ids.ShortID) (*big.Int, error)
	ClaimReward(hedger ids.ShortID) (*big.Int, error)
}

// Claimed records a reward payout.
type Claimed struct {
	Hedger   ids.ShortID `json:"hedger"`
	Interest *big.Int    `json:"interest"`
	Yield    *big.Int    `json:"yield"`
	Time     time.Time   `json:"time"`
}

// Accruer computes and settles hedger rewards.
type Accruer struct {
	mu sync.Mutex

	params    *config.Store
	ledger    *ledger.Ledger
	allocator YieldAllocator
	guard     *guard.FlashLoanGuard
	log       log.Logger

	claims []*Claimed
}

// New creates a reward accruer.
func New(
	params *config.Store,
	l *ledger.Ledger,
	allocator YieldAllocator,
	g *guard.FlashLoanGuard,
	logger log.Logger,
) *Accruer {
	return &Accruer{
		params:    params,
		ledger:    l,
		allocator: allocator,
		guard:     g,
		log:       logger,
	}
}

// accrued returns the interest reward earned since the hedger's last
// checkpoint, capped at the maximum accrual period so a long-dormant
// account cannot accrue unboundedly.
func (a *Accruer) accrued(h *ledger.Hedger, now time.Time) *big.Int {
	if h.LastRewardTime.IsZero() || h.TotalExposure.Sign() == 0 {
		return big.NewInt(0)
	}

	params := a.params.Get()
	elapsed := now.Sub(h.LastRewardTime)
	if elapsed <= 0 {
		return big.NewInt(0)
	}
	if elapsed > params.MaxRewardPeriod {
		elapsed = params.MaxRewardPeriod
	}

	// interest = exposure * spreadBps/10000 * elapsedSeconds/secondsPerYear
	reward := new(big.Int).Mul(h.TotalExposure, big.NewInt(int64(params.RateSpreadBps)))
	reward.Mul(reward, big.NewInt(int64(elapsed/time.Second)))
	reward.Div(reward, ledger.BasisPointDenom)
	reward.Div(reward, secondsPerYear)
	return reward
}

// Accrue folds the interest earned since the last checkpoint into the
// hedger's pending balance and advances the checkpoint.
func (a *Accruer) Accrue(hedger ids.ShortID, now time.Time, height uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accrueLocked(hedger, now, height)
}

func (a *Accruer) accrueLocked(hedger ids.ShortID, now time.Time, height uint64) error {
	h, err := a.ledger.GetHedger(hedger)
	if err != nil {
		return err
	}
	pending := new(big.Int).Add(h.PendingRewards, a.accrued(h, now))
	return a.ledger.SetRewardCheckpoint(hedger, pending, now, height)
}

// Pending returns the total claimable amount: accrued interest plus the
// allocator's pending stream. Read-only.
func (a *Accruer) Pending(hedger ids.ShortID, now time.Time) (*big.Int, error) {
	h, err := a.ledger.GetHedger(hedger)
	if err != nil {
		return nil, err
	}
	total := new(big.Int).Add(h.PendingRewards, a.accrued(h, now))

	yield, err := a.allocator.PendingReward(hedger)
	if err != nil {
		return nil, err
	}
	return total.Add(total, yield), nil
}

// Claim settles both reward streams to the hedger. The pending balance is
// zeroed and the checkpoint advanced before any external call is made.
func (a *Accruer) Claim(hedger ids.ShortID, now time.Time, height uint64) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.accrueLocked(hedger, now, height); err != nil {
		return nil, err
	}
	h, err := a.ledger.GetHedger(hedger)
	if err != nil {
		return nil, err
	}

	interest := new(big.Int).Set(h.PendingRewards)
	if err := a.ledger.SetRewardCheckpoint(hedger, big.NewInt(0), now, height); err != nil {
		return nil, err
	}

	yield, err := a.allocator.ClaimReward(hedger)
	if err != nil {
		return nil, err
	}

	total := new(big.Int).Add(interest, yield)
	if total.Sign() == 0 {
		return nil, ErrNothingToClaim
	}

	if err := a.guard.Withdraw(hedger, total); err != nil {
		// Fold both streams back into the checkpoint; the allocator
		// stream was already consumed and now settles through it.
		_ = a.ledger.SetRewardCheckpoint(hedger, total, now, height)
		return nil, err
	}

	claim := &Claimed{
		Hedger:   hedger,
		Interest: interest,
		Yield:    yield,
		Time:     now,
	}
	a.claims = append(a.claims, claim)

	a.log.Info("rewards claimed",
		"hedger", hedger,
		"interest", interest,
		"yield", yield,
	)
	return total, nil
}

// Claims returns the payout history.
func (a *Accruer) Claims() []*Claimed {
	a.mu.Lock()
	defer a.mu.Unlock()
	claims := make([]*Claimed, len(a.claims))
	copy(claims, a.claims)
	return claims
}

// StaticAllocator is an in-memory yield allocator double.
type StaticAllocator struct {
	mu      sync.Mutex
	pending map[ids.ShortID]*big.Int
}

// NewStaticAllocator creates an empty allocator.
func NewStaticAllocator() *StaticAllocator {
	return &StaticAllocator{pending: make(map[ids.ShortID]*big.Int)}
}

// SetPending sets a hedger's pending yield.
func (s *StaticAllocator) SetPending(hedger ids.ShortID, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[hedger] = new(big.Int).Set(amount)
}

// PendingReward implements YieldAllocator.
func (s *StaticAllocator) PendingReward(hedger ids.ShortID) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount, ok := s.pending[hedger]; ok {
		return new(big.Int).Set(amount), nil
	}
	return big.NewInt(0), nil
}

// ClaimReward implements YieldAllocator.
func (s *StaticAllocator) ClaimReward(hedger ids.ShortID) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amount, ok := s.pending[hedger]
	if !ok {
		return big.NewInt(0), nil
	}
	delete(s.pending, hedger)
	return amount, nil
}
