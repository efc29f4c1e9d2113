package pricing

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ivol-labs/dvp-engine/internal/epoch"
	"github.com/ivol-labs/dvp-engine/internal/logger"
	"github.com/ivol-labs/dvp-engine/internal/oracle"
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// Error definitions for zero-tolerance error handling.
var (
	ErrEpochNotSettled = errors.New("no settlement recorded for epoch")
)

// Model owns the per-epoch FinanceParameters snapshot and answers every
// pricing question against it. Parameters are written exactly once per roll;
// all reads within an epoch observe the identical snapshot.
type Model struct {
	mu sync.Mutex

	log   zerolog.Logger
	clock *epoch.Clock
	feed  oracle.PriceFeed

	baseSymbol string
	sideSymbol string

	vol     VolatilityParams
	feeRate wadmath.Dec

	params FinanceParameters
	ready  bool

	// Settlement snapshots of past epochs, keyed by maturity (unix secs).
	// Expired positions are paid against these, never against live prices.
	settled map[int64]settledEpoch
}

type settledEpoch struct {
	params FinanceParameters
	price  wadmath.Dec
}

// NewModel creates a pricing model for a base/side pair.
func NewModel(clock *epoch.Clock, feed oracle.PriceFeed, baseSymbol, sideSymbol string, vol VolatilityParams, feeRate wadmath.Dec) *Model {
	return &Model{
		log:        logger.GetForComponent("pricing_model"),
		clock:      clock,
		feed:       feed,
		baseSymbol: baseSymbol,
		sideSymbol: sideSymbol,
		vol:        vol,
		feeRate:    feeRate,
		settled:    make(map[int64]settledEpoch),
	}
}

// Parameters returns the active epoch's snapshot.
func (m *Model) Parameters() (FinanceParameters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return FinanceParameters{}, ErrParamsNotSet
	}
	return m.params, nil
}

// SettlementPrice returns the oracle price frozen for an expired epoch.
func (m *Model) SettlementPrice(maturity time.Time) (wadmath.Dec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.settled[maturity.Unix()]
	if !ok {
		return wadmath.Zero(), fmt.Errorf("%w: maturity %s", ErrEpochNotSettled, maturity)
	}
	return s.price, nil
}

// RollEpoch freezes the expiring epoch's settlement price, then samples a
// fresh strike, volatility and rate and computes the next epoch's
// parameters from the newly locked liquidity. Call after the clock has
// advanced.
func (m *Model) RollEpoch(lockedLiquidity wadmath.Dec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Sampled under the lock so the settlement write freezes exactly the
	// price it sampled.
	spot, err := m.feed.GetPrice(m.sideSymbol, m.baseSymbol)
	if err != nil {
		return fmt.Errorf("strike sampling failed: %w", err)
	}

	if m.ready {
		maturity := m.params.Maturity
		m.settled[maturity.Unix()] = settledEpoch{params: m.params, price: spot}
		m.log.Info().
			Time("maturity", maturity).
			Str("settlementPrice", spot.String()).
			Msg("Expiring epoch settled")
	}

	sigmaZero, err := m.feed.GetImpliedVolatility(m.sideSymbol, m.baseSymbol, m.clock.Frequency())
	if err != nil {
		return fmt.Errorf("volatility sampling failed: %w", err)
	}
	rate, err := m.feed.GetRiskFreeRate(m.baseSymbol)
	if err != nil {
		return fmt.Errorf("risk-free rate sampling failed: %w", err)
	}

	params, err := ComputeParameters(
		spot, sigmaZero, rate, lockedLiquidity,
		m.clock.Previous(), m.clock.Current(), m.vol,
	)
	if err != nil {
		return fmt.Errorf("finance parameter computation failed: %w", err)
	}
	m.params = params
	m.ready = true

	m.log.Info().
		Str("strike", params.CurrentStrike.String()).
		Str("kA", params.KA.String()).
		Str("kB", params.KB.String()).
		Str("sigmaZero", params.SigmaZero.String()).
		Str("lockedLiquidity", lockedLiquidity.String()).
		Time("maturity", params.Maturity).
		Msg("Finance parameters fixed for new epoch")
	return nil
}

// Quote prices a prospective trade of (amountUp, amountDown) notional at the
// current oracle spot, using the post-trade utilization rate. Returns the
// premium and the fee on top of it.
func (m *Model) Quote(now time.Time, amountUp, amountDown, utilization wadmath.Dec) (premium, fee wadmath.Dec, err error) {
	params, err := m.Parameters()
	if err != nil {
		return wadmath.Zero(), wadmath.Zero(), err
	}
	spot, err := m.feed.GetPrice(m.sideSymbol, m.baseSymbol)
	if err != nil {
		return wadmath.Zero(), wadmath.Zero(), err
	}
	sigma, err := params.ImpliedVolatility(now, utilization)
	if err != nil {
		return wadmath.Zero(), wadmath.Zero(), err
	}
	premium, err = params.Premium(now, spot, sigma, amountUp, amountDown)
	if err != nil {
		return wadmath.Zero(), wadmath.Zero(), err
	}
	fee, err = m.feeOn(premium)
	if err != nil {
		return wadmath.Zero(), wadmath.Zero(), err
	}
	return premium, fee, nil
}

// SettledPayoff computes the deterministic expiry payoff of a position from
// an expired epoch, using the frozen settlement snapshot.
func (m *Model) SettledPayoff(maturity time.Time, amountUp, amountDown wadmath.Dec) (payoff, fee wadmath.Dec, err error) {
	m.mu.Lock()
	s, ok := m.settled[maturity.Unix()]
	m.mu.Unlock()
	if !ok {
		return wadmath.Zero(), wadmath.Zero(), fmt.Errorf("%w: maturity %s", ErrEpochNotSettled, maturity)
	}
	payoff, err = s.params.Payoff(s.price, amountUp, amountDown)
	if err != nil {
		return wadmath.Zero(), wadmath.Zero(), err
	}
	fee, err = m.feeOn(payoff)
	if err != nil {
		return wadmath.Zero(), wadmath.Zero(), err
	}
	return payoff, fee, nil
}

// HedgeNotional returns the signed side-token exposure change the vault
// needs after a trade of (amountUp, amountDown); negative amounts unwind.
func (m *Model) HedgeNotional(amountUp, amountDown wadmath.Dec) (wadmath.Dec, error) {
	params, err := m.Parameters()
	if err != nil {
		return wadmath.Zero(), err
	}
	spot, err := m.feed.GetPrice(m.sideSymbol, m.baseSymbol)
	if err != nil {
		return wadmath.Zero(), err
	}
	return params.DeltaHedgeNotional(spot, amountUp, amountDown)
}

func (m *Model) feeOn(amount wadmath.Dec) (wadmath.Dec, error) {
	if m.feeRate.IsNil() || m.feeRate.IsZero() {
		return wadmath.Zero(), nil
	}
	return wadmath.Mul(amount, m.feeRate)
}
