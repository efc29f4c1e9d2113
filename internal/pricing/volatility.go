package pricing

import (
	"fmt"
	"time"

	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// ImpliedVolatility returns the trade volatility at the given moment:
// the epoch's base volatility scaled up by the utilization-rate multiplier
// and decayed linearly over the epoch.
//
//	sigma(t, ur) = sigmaZero * (1 + F*ur^3) * (T - kappa*t) / T
//
// The result is non-increasing in elapsed time, non-decreasing in
// utilization, and strictly positive whenever sigmaZero is (kappa < 1).
func (p FinanceParameters) ImpliedVolatility(now time.Time, utilization wadmath.Dec) (wadmath.Dec, error) {
	if p.CurrentStrike.IsNil() || !p.CurrentStrike.IsPositive() {
		return wadmath.Zero(), ErrParamsNotSet
	}
	if utilization.IsNegative() {
		return wadmath.Zero(), fmt.Errorf("utilization %s: %w", utilization, wadmath.ErrNegativeInput)
	}
	if utilization.GT(wadmath.One()) {
		utilization = wadmath.One()
	}

	// Utilization multiplier: 1 + F * ur^3. The cubic keeps the surface
	// flat at low utilization and steep close to capacity.
	urSq, err := wadmath.Mul(utilization, utilization)
	if err != nil {
		return wadmath.Zero(), err
	}
	urCubed, err := wadmath.Mul(urSq, utilization)
	if err != nil {
		return wadmath.Zero(), err
	}
	bump, err := wadmath.Mul(p.Vol.UtilizationFactor, urCubed)
	if err != nil {
		return wadmath.Zero(), err
	}
	sigma, err := wadmath.Mul(p.SigmaZero, wadmath.One().Add(bump))
	if err != nil {
		return wadmath.Zero(), err
	}

	// Linear time decay over the epoch, floored at (1 - kappa) of sigma.
	// Elapsed time is derived from the epoch boundary on every call, so a
	// fresh epoch always starts at full sigma.
	total := p.EpochDurationYears()
	if !total.IsPositive() {
		return sigma, nil
	}
	elapsed := yearsDec(now.Sub(p.EpochStart))
	if elapsed.IsNegative() {
		elapsed = wadmath.Zero()
	}
	if elapsed.GT(total) {
		elapsed = total
	}
	decayed, err := wadmath.Mul(p.Vol.TimeDecay, elapsed)
	if err != nil {
		return wadmath.Zero(), err
	}
	factor, err := wadmath.Div(total.Sub(decayed), total)
	if err != nil {
		return wadmath.Zero(), err
	}
	return wadmath.Mul(sigma, factor)
}
