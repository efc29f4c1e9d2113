// Package pricing implements the options pricing and risk engine: per-epoch
// finance parameters, time- and utilization-dependent implied volatility,
// closed-form premiums and payoffs for the bull/bear/smile strategies, and
// the delta-hedge notional the vault trades against.
//
// All monetary math is 18-decimal fixed point (wadmath); only the
// Black-Scholes-style d-terms pass through float64 inside wadmath's
// transcendental helpers.
package pricing

import (
	"errors"
	"fmt"
	"time"

	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// Error definitions for zero-tolerance error handling.
var (
	ErrInvalidStrike     = errors.New("strike must be positive")
	ErrInvalidVolatility = errors.New("base volatility must be positive")
	ErrInvalidMaturity   = errors.New("maturity must be after epoch start")
	ErrParamsNotSet      = errors.New("finance parameters not initialized for epoch")
	ErrRangeDegenerate   = errors.New("liquidity range collapsed onto the strike")
)

const secondsPerYear = 365.25 * 24 * 3600

// VolatilityParams are the static knobs of the volatility surface. They are
// configured once at startup; everything per-epoch lives in
// FinanceParameters.
type VolatilityParams struct {
	// UtilizationFactor scales the utilization-rate premium multiplier:
	// sigma is multiplied by (1 + UtilizationFactor * ur^3).
	UtilizationFactor wadmath.Dec

	// TimeDecay is the fraction of sigmaZero decayed away by expiry,
	// in [0, 1). With 0.25 the implied volatility at expiry is 75% of the
	// epoch's base volatility, never zero.
	TimeDecay wadmath.Dec

	// RangeFactor is the width multiplier for the liquidity range:
	// kA = K*exp(-z), kB = K*exp(z) with z = RangeFactor*sigmaZero*sqrt(tau).
	RangeFactor wadmath.Dec
}

// FinanceParameters is the per-epoch pricing snapshot. It is computed once
// at roll time and read-only for the rest of the epoch: any mid-epoch read
// observes the identical values.
type FinanceParameters struct {
	EpochStart time.Time
	Maturity   time.Time

	CurrentStrike wadmath.Dec

	// Notional caps per leg, in base-token Wad. Set to half the locked
	// liquidity each at roll time.
	InitialLiquidityUp   wadmath.Dec
	InitialLiquidityDown wadmath.Dec

	// Liquidity range bounds: kA < CurrentStrike < kB.
	KA wadmath.Dec
	KB wadmath.Dec

	// Theta normalizes the impermanent-gain payoff so the smile pays 1 unit
	// at the range edges: theta = 2 - sqrt(kA/K) - sqrt(K/kB).
	Theta wadmath.Dec

	// Delta asymptotes: LimSup > 0 is the bull delta beyond kB, LimInf < 0
	// the bear delta below kA (both per unit notional, times 1/K).
	LimSup wadmath.Dec
	LimInf wadmath.Dec

	SigmaZero    wadmath.Dec
	RiskFreeRate wadmath.Dec

	Vol VolatilityParams
}

// YearsToMaturity returns the (non-negative) time to maturity in years.
func (p FinanceParameters) YearsToMaturity(now time.Time) wadmath.Dec {
	remaining := p.Maturity.Sub(now)
	if remaining <= 0 {
		return wadmath.Zero()
	}
	return yearsDec(remaining)
}

// EpochDurationYears returns the full epoch length in years.
func (p FinanceParameters) EpochDurationYears() wadmath.Dec {
	return yearsDec(p.Maturity.Sub(p.EpochStart))
}

// ComputeParameters derives the epoch's finance parameters from the sampled
// strike, the reference volatility and rate, and the locked liquidity fixed
// at roll time.
func ComputeParameters(
	strike, sigmaZero, riskFreeRate, lockedLiquidity wadmath.Dec,
	epochStart, maturity time.Time,
	vol VolatilityParams,
) (FinanceParameters, error) {
	var params FinanceParameters

	if !strike.IsPositive() {
		return params, fmt.Errorf("%w: %s", ErrInvalidStrike, strike)
	}
	if !sigmaZero.IsPositive() {
		return params, fmt.Errorf("%w: %s", ErrInvalidVolatility, sigmaZero)
	}
	if !maturity.After(epochStart) {
		return params, fmt.Errorf("%w: start %s, maturity %s", ErrInvalidMaturity, epochStart, maturity)
	}

	tau := yearsDec(maturity.Sub(epochStart))
	sqrtTau, err := wadmath.Sqrt(tau)
	if err != nil {
		return params, err
	}
	z, err := wadmath.Mul(vol.RangeFactor, sigmaZero)
	if err != nil {
		return params, err
	}
	z, err = wadmath.Mul(z, sqrtTau)
	if err != nil {
		return params, err
	}
	if !z.IsPositive() {
		return params, fmt.Errorf("%w: width %s", ErrRangeDegenerate, z)
	}

	expNegZ, err := wadmath.Exp(z.Neg())
	if err != nil {
		return params, err
	}
	expZ, err := wadmath.Exp(z)
	if err != nil {
		return params, err
	}
	kA, err := wadmath.Mul(strike, expNegZ)
	if err != nil {
		return params, err
	}
	kB, err := wadmath.Mul(strike, expZ)
	if err != nil {
		return params, err
	}

	sqrtKAoverK, err := sqrtRatio(kA, strike)
	if err != nil {
		return params, err
	}
	sqrtKoverKB, err := sqrtRatio(strike, kB)
	if err != nil {
		return params, err
	}
	sqrtKoverKA, err := sqrtRatio(strike, kA)
	if err != nil {
		return params, err
	}

	theta := wadmath.New(2).Sub(sqrtKAoverK).Sub(sqrtKoverKB)
	if !theta.IsPositive() {
		return params, fmt.Errorf("%w: theta %s", ErrRangeDegenerate, theta)
	}

	limSup, err := wadmath.Div(wadmath.One().Sub(sqrtKoverKB), theta)
	if err != nil {
		return params, err
	}
	limInf, err := wadmath.Div(sqrtKoverKA.Sub(wadmath.One()).Neg(), theta)
	if err != nil {
		return params, err
	}

	half, err := wadmath.Div(lockedLiquidity, wadmath.New(2))
	if err != nil {
		return params, err
	}

	params = FinanceParameters{
		EpochStart:           epochStart,
		Maturity:             maturity,
		CurrentStrike:        strike,
		InitialLiquidityUp:   half,
		InitialLiquidityDown: half,
		KA:                   kA,
		KB:                   kB,
		Theta:                theta,
		LimSup:               limSup,
		LimInf:               limInf,
		SigmaZero:            sigmaZero,
		RiskFreeRate:         riskFreeRate,
		Vol:                  vol,
	}

	if !params.KA.LT(params.CurrentStrike) || !params.CurrentStrike.LT(params.KB) {
		return params, fmt.Errorf("%w: kA=%s K=%s kB=%s", ErrRangeDegenerate, kA, strike, kB)
	}
	if !params.LimSup.IsPositive() || !params.LimInf.IsNegative() {
		return params, fmt.Errorf("%w: limSup=%s limInf=%s", ErrRangeDegenerate, limSup, limInf)
	}
	return params, nil
}

func sqrtRatio(num, den wadmath.Dec) (wadmath.Dec, error) {
	ratio, err := wadmath.Div(num, den)
	if err != nil {
		return wadmath.Zero(), err
	}
	return wadmath.Sqrt(ratio)
}

func yearsDec(d time.Duration) wadmath.Dec {
	seconds := wadmath.New(int64(d / time.Second))
	out, err := wadmath.Div(seconds, wadmath.New(int64(secondsPerYear)))
	if err != nil {
		return wadmath.Zero()
	}
	return out
}
