// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes operation counters for the hedge ledger.
package metrics

import (
	"github.com/luxfi/metric"
)

var _ Metrics = (*metricsImpl)(nil)

// Metrics counts the externally observable operations of the protocol.
type Metrics interface {
	IncPositionsOpened()
	IncPositionsClosed()
	IncPositionsLiquidated()
	IncEmergencyCloses()
	IncMarginTopUps()
	IncMarginWithdrawals()
	IncCommits()
	IncRewardClaims()
	IncFlashLoanRejections()
	IncOracleFailures()
}

type metricsImpl struct {
	numOpened, numClosed, numLiquidated, numEmergency metric.Counter
	numTopUps, numWithdrawals, numCommits, numClaims  metric.Counter
	numFlashLoanRejections, numOracleFailures         metric.Counter
}

func (m *metricsImpl) IncPositionsOpened()     { m.numOpened.Inc() }
func (m *metricsImpl) IncPositionsClosed()     { m.numClosed.Inc() }
func (m *metricsImpl) IncPositionsLiquidated() { m.numLiquidated.Inc() }
func (m *metricsImpl) IncEmergencyCloses()     { m.numEmergency.Inc() }
func (m *metricsImpl) IncMarginTopUps()        { m.numTopUps.Inc() }
func (m *metricsImpl) IncMarginWithdrawals()   { m.numWithdrawals.Inc() }
func (m *metricsImpl) IncCommits()             { m.numCommits.Inc() }
func (m *metricsImpl) IncRewardClaims()        { m.numClaims.Inc() }
func (m *metricsImpl) IncFlashLoanRejections() { m.numFlashLoanRejections.Inc() }
func (m *metricsImpl) IncOracleFailures()      { m.numOracleFailures.Inc() }

// New creates the protocol metrics registered against the given registerer.
func New(registerer metric.Registerer) (Metrics, error) {
	m := &metricsImpl{}

	m.numOpened = metric.NewCounter(metric.CounterOpts{
		Name: "hedge_positions_opened",
		Help: "Number of positions opened",
	})
	m.numClosed = metric.NewCounter(metric.CounterOpts{
		Name: "hedge_positions_closed",
		Help: "Number of positions closed by their owner",
	})
	m.numLiquidated = metric.NewCounter(metric.CounterOpts{
		Name: "hedge_positions_liquidated",
		Help: "Number of positions liquidated",
	})
	m.numEmergency = metric.NewCounter(metric.CounterOpts{
		Name: "hedge_positions_emergency_closed",
		Help: "Number of positions closed through the emergency path",
	})
	m.numTopUps = metric.NewCounter(metric.CounterOpts{
		Name: "hedge_margin_top_ups",
		Help: "Number of successful margin additions",
	})
	m.numWithdrawals = metric.NewCounter(metric.CounterOpts{
		Name: "hedge_margin_withdrawals",
		Help: "Number of successful margin removals",
	})
	m.numCommits = metric.NewCounter(metric.CounterOpts{
		Name: "hedge_liquidation_commits",
		Help: "Number of liquidation commitments recorded",
	})
	m.numClaims = metric.NewCounter(metric.CounterOpts{
		Name: "hedge_reward_claims",
		Help: "Number of reward claims paid out",
	})
	m.numFlashLoanRejections = metric.NewCounter(metric.CounterOpts{
		Name: "hedge_flash_loan_rejections",
		Help: "Number of operations aborted by the balance-invariant guard",
	})
	m.numOracleFailures = metric.NewCounter(metric.CounterOpts{
		Name: "hedge_oracle_failures",
		Help: "Number of operations aborted on an invalid oracle quote",
	})

	for _, c := range []metric.Counter{
		m.numOpened,
		m.numClosed,
		m.numLiquidated,
		m.numEmergency,
		m.numTopUps,
		m.numWithdrawals,
		m.numCommits,
		m.numClaims,
		m.numFlashLoanRejections,
		m.numOracleFailures,
	} {
		if err := registerer.Register(metric.AsCollector(c)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewNoOp returns metrics that count nothing. Used when no registerer is
// wired.
func NewNoOp() Metrics {
	return noOpMetrics{}
}

type noOpMetrics struct{}

func (noOpMetrics) IncPositionsOpened()     {}
func (noOpMetrics) IncPositionsClosed()     {}
func (noOpMetrics) IncPositionsLiquidated() {}
func (noOpMetrics) IncEmergencyCloses()     {}
func (noOpMetrics) IncMarginTopUps()        {}
func (noOpMetrics) IncMarginWithdrawals()   {}
func (noOpMetrics) IncCommits()             {}
func (noOpMetrics) IncRewardClaims()        {}
func (noOpMetrics) IncFlashLoanRejections() {}
func (noOpMetrics) IncOracleFailures()      {}
