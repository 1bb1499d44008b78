// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config defines protocol parameters for the hedge ledger.
package config

import (
	"errors"
	"time"
)

// Hard ceilings. Governance setters may never push a parameter past these,
// regardless of role.
const (
	MaxMinMarginRatioBps       = 2000  // 20%
	MaxLiquidationThresholdBps = 1000  // 10%
	MaxLiquidationPenaltyBps   = 2000  // 20%
	MaxLeverageCeiling         = 50    // 50x
	MaxFeeBps                  = 500   // 5%
	MaxRateSpreadBps           = 5000  // 50% annualized
	MaxPositionsCeiling        = 100   // per-hedger position cap ceiling
)

var (
	ErrInvalidMinMarginRatio       = errors.New("min margin ratio out of bounds")
	ErrInvalidLiquidationThreshold = errors.New("liquidation threshold out of bounds")
	ErrInvalidLiquidationPenalty   = errors.New("liquidation penalty out of bounds")
	ErrInvalidMaxLeverage          = errors.New("max leverage out of bounds")
	ErrInvalidFee                  = errors.New("fee out of bounds")
	ErrInvalidRateSpread           = errors.New("rate spread out of bounds")
	ErrInvalidPositionCap          = errors.New("position cap out of bounds")
	ErrThresholdAboveMinRatio      = errors.New("liquidation threshold must be below min margin ratio")
)

// Params contains the tunable parameters of the hedge ledger.
type Params struct {
	// MinMarginRatioBps is the minimum margin/size ratio in basis points
	// required after every mutating operation (500 = 5%).
	MinMarginRatioBps uint16 `json:"minMarginRatioBps"`
	// LiquidationThresholdBps is the price-adjusted margin ratio below which
	// a position becomes liquidatable (200 = 2%).
	LiquidationThresholdBps uint16 `json:"liquidationThresholdBps"`
	// LiquidationPenaltyBps is the share of remaining margin paid to the
	// liquidator on a successful liquidation.
	LiquidationPenaltyBps uint16 `json:"liquidationPenaltyBps"`

	// MaxLeverage is the maximum leverage multiplier for new positions.
	MaxLeverage uint16 `json:"maxLeverage"`
	// MaxPositionsPerHedger bounds the number of simultaneously active
	// positions one hedger may own.
	MaxPositionsPerHedger uint16 `json:"maxPositionsPerHedger"`

	// EntryFeeBps and ExitFeeBps are charged on collateral in and gross
	// payout out respectively.
	EntryFeeBps uint16 `json:"entryFeeBps"`
	ExitFeeBps  uint16 `json:"exitFeeBps"`

	// RateSpreadBps is the EUR/USD interest rate differential paid to
	// hedgers, annualized, in basis points.
	RateSpreadBps uint16 `json:"rateSpreadBps"`
	// MaxRewardPeriod caps the accrual window of a dormant hedger.
	MaxRewardPeriod time.Duration `json:"maxRewardPeriod"`

	// LiquidationCooldownBlocks gates both the hedger's margin top-up after
	// a liquidation attempt and force-clearing of abandoned commitments.
	LiquidationCooldownBlocks uint64 `json:"liquidationCooldownBlocks"`

	// WhitelistEnabled requires hedgers to be whitelisted before opening.
	WhitelistEnabled bool `json:"whitelistEnabled"`
}

// DefaultParams returns the default protocol parameters.
func DefaultParams() Params {
	return Params{
		MinMarginRatioBps:       500, // 5%
		LiquidationThresholdBps: 200, // 2%
		LiquidationPenaltyBps:   1000,
		MaxLeverage:             20,
		MaxPositionsPerHedger:   10,
		EntryFeeBps:             10, // 0.1%
		ExitFeeBps:              10,
		RateSpreadBps:           250, // 2.5% annualized
		MaxRewardPeriod:         90 * 24 * time.Hour,

		LiquidationCooldownBlocks: 20,

		WhitelistEnabled: false,
	}
}

// Validate checks every parameter against its hard ceiling.
func (p Params) Validate() error {
	if p.MinMarginRatioBps == 0 || p.MinMarginRatioBps > MaxMinMarginRatioBps {
		return ErrInvalidMinMarginRatio
	}
	if p.LiquidationThresholdBps == 0 || p.LiquidationThresholdBps > MaxLiquidationThresholdBps {
		return ErrInvalidLiquidationThreshold
	}
	if p.LiquidationThresholdBps >= p.MinMarginRatioBps {
		return ErrThresholdAboveMinRatio
	}
	if p.LiquidationPenaltyBps > MaxLiquidationPenaltyBps {
		return ErrInvalidLiquidationPenalty
	}
	if p.MaxLeverage == 0 || p.MaxLeverage > MaxLeverageCeiling {
		return ErrInvalidMaxLeverage
	}
	if p.MaxPositionsPerHedger == 0 || p.MaxPositionsPerHedger > MaxPositionsCeiling {
		return ErrInvalidPositionCap
	}
	if p.EntryFeeBps > MaxFeeBps || p.ExitFeeBps > MaxFeeBps {
		return ErrInvalidFee
	}
	if p.RateSpreadBps > MaxRateSpreadBps {
		return ErrInvalidRateSpread
	}
	return nil
}
