package pricing

import (
	"time"

	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// The premium of each leg is the discounted risk-neutral expectation of its
// payoff under a lognormal terminal price. The payoff is piecewise in
// {1, S/K, sqrt(S/K)}, so every leg reduces to three expectation primitives
// evaluated at the range thresholds:
//
//	P(S > X)             = N(d2(X))
//	E[S/K   ; S > X]     = (S0/K) e^{r tau} N(d2(X) + v)
//	E[sqrt(S/K); S > X]  = sqrt(S0/K) e^{r tau/2 - sigma^2 tau/8} N(d2(X) + v/2)
//
// with v = sigma*sqrt(tau) and d2(X) = (ln(S0/X) + (r - sigma^2/2) tau) / v.

// dTerms bundles the three N() values at one threshold.
type dTerms struct {
	n2    wadmath.Dec // N(d2)
	nPlus wadmath.Dec // N(d2 + v)
	nHalf wadmath.Dec // N(d2 + v/2)
}

func dTermsAt(s0, x, drift, v wadmath.Dec) (dTerms, error) {
	var out dTerms
	ratio, err := wadmath.Div(s0, x)
	if err != nil {
		return out, err
	}
	lnRatio, err := wadmath.Ln(ratio)
	if err != nil {
		return out, err
	}
	d2, err := wadmath.Div(lnRatio.Add(drift), v)
	if err != nil {
		return out, err
	}
	halfV, err := wadmath.Div(v, wadmath.New(2))
	if err != nil {
		return out, err
	}
	if out.n2, err = wadmath.NormCDF(d2); err != nil {
		return out, err
	}
	if out.nPlus, err = wadmath.NormCDF(d2.Add(v)); err != nil {
		return out, err
	}
	if out.nHalf, err = wadmath.NormCDF(d2.Add(halfV)); err != nil {
		return out, err
	}
	return out, nil
}

// legInputs carries the market state shared by both legs of one quote.
type legInputs struct {
	s0k      wadmath.Dec // S0 / K
	sqrtS0k  wadmath.Dec // sqrt(S0/K)
	growth   wadmath.Dec // e^{r tau}
	discount wadmath.Dec // e^{-r tau}
	halfGrow wadmath.Dec // e^{r tau/2 - sigma^2 tau/8}
	atKA     dTerms
	atK      dTerms
	atKB     dTerms
}

func (p FinanceParameters) legInputs(s0, sigma, tau wadmath.Dec) (legInputs, error) {
	var in legInputs

	sqrtTau, err := wadmath.Sqrt(tau)
	if err != nil {
		return in, err
	}
	v, err := wadmath.Mul(sigma, sqrtTau)
	if err != nil {
		return in, err
	}
	variance, err := wadmath.Mul(sigma, sigma)
	if err != nil {
		return in, err
	}
	halfVar, err := wadmath.Div(variance, wadmath.New(2))
	if err != nil {
		return in, err
	}
	drift, err := wadmath.Mul(p.RiskFreeRate.Sub(halfVar), tau)
	if err != nil {
		return in, err
	}

	if in.s0k, err = wadmath.Div(s0, p.CurrentStrike); err != nil {
		return in, err
	}
	if in.sqrtS0k, err = wadmath.Sqrt(in.s0k); err != nil {
		return in, err
	}
	rTau, err := wadmath.Mul(p.RiskFreeRate, tau)
	if err != nil {
		return in, err
	}
	if in.growth, err = wadmath.Exp(rTau); err != nil {
		return in, err
	}
	if in.discount, err = wadmath.Exp(rTau.Neg()); err != nil {
		return in, err
	}
	halfRTau, err := wadmath.Div(rTau, wadmath.New(2))
	if err != nil {
		return in, err
	}
	varTau, err := wadmath.Mul(variance, tau)
	if err != nil {
		return in, err
	}
	eighthVarTau, err := wadmath.Div(varTau, wadmath.New(8))
	if err != nil {
		return in, err
	}
	if in.halfGrow, err = wadmath.Exp(halfRTau.Sub(eighthVarTau)); err != nil {
		return in, err
	}

	if in.atKA, err = dTermsAt(s0, p.KA, drift, v); err != nil {
		return in, err
	}
	if in.atK, err = dTermsAt(s0, p.CurrentStrike, drift, v); err != nil {
		return in, err
	}
	if in.atKB, err = dTermsAt(s0, p.KB, drift, v); err != nil {
		return in, err
	}
	return in, nil
}

// smileBand prices E[1 + S/K - 2 sqrt(S/K); lo < S < hi] from precomputed
// terms at the two thresholds.
func (in legInputs) smileBand(lo, hi dTerms) (wadmath.Dec, error) {
	prob := lo.n2.Sub(hi.n2)

	linear, err := wadmath.Mul(in.s0k, in.growth)
	if err != nil {
		return wadmath.Zero(), err
	}
	linear, err = wadmath.Mul(linear, lo.nPlus.Sub(hi.nPlus))
	if err != nil {
		return wadmath.Zero(), err
	}

	root, err := wadmath.Mul(in.sqrtS0k, in.halfGrow)
	if err != nil {
		return wadmath.Zero(), err
	}
	root, err = wadmath.Mul(root, lo.nHalf.Sub(hi.nHalf))
	if err != nil {
		return wadmath.Zero(), err
	}
	twoRoot, err := wadmath.Mul(wadmath.New(2), root)
	if err != nil {
		return wadmath.Zero(), err
	}
	return prob.Add(linear).Sub(twoRoot), nil
}

// UnitPriceUp returns the bull-leg premium per unit notional at spot s0 and
// volatility sigma, for the time remaining until maturity. At or past
// maturity it degenerates to the intrinsic payoff.
func (p FinanceParameters) UnitPriceUp(now time.Time, s0, sigma wadmath.Dec) (wadmath.Dec, error) {
	tau := p.YearsToMaturity(now)
	if !tau.IsPositive() || !sigma.IsPositive() {
		return p.UnitPayoffUp(s0)
	}
	in, err := p.legInputs(s0, sigma, tau)
	if err != nil {
		return wadmath.Zero(), err
	}

	inRange, err := in.smileBand(in.atK, in.atKB)
	if err != nil {
		return wadmath.Zero(), err
	}

	// Out of range above kB: E[(1 - sqrt(K/kB)) S/K + 1 - sqrt(kB/K); S > kB].
	sqrtKoverKB, err := sqrtRatio(p.CurrentStrike, p.KB)
	if err != nil {
		return wadmath.Zero(), err
	}
	sqrtKBoverK, err := sqrtRatio(p.KB, p.CurrentStrike)
	if err != nil {
		return wadmath.Zero(), err
	}
	linear, err := wadmath.Mul(in.s0k, in.growth)
	if err != nil {
		return wadmath.Zero(), err
	}
	linear, err = wadmath.Mul(linear, in.atKB.nPlus)
	if err != nil {
		return wadmath.Zero(), err
	}
	linear, err = wadmath.Mul(linear, wadmath.One().Sub(sqrtKoverKB))
	if err != nil {
		return wadmath.Zero(), err
	}
	constant, err := wadmath.Mul(wadmath.One().Sub(sqrtKBoverK), in.atKB.n2)
	if err != nil {
		return wadmath.Zero(), err
	}

	return p.discountAndNormalize(in.discount, inRange.Add(linear).Add(constant))
}

// UnitPriceDown returns the bear-leg premium per unit notional.
func (p FinanceParameters) UnitPriceDown(now time.Time, s0, sigma wadmath.Dec) (wadmath.Dec, error) {
	tau := p.YearsToMaturity(now)
	if !tau.IsPositive() || !sigma.IsPositive() {
		return p.UnitPayoffDown(s0)
	}
	in, err := p.legInputs(s0, sigma, tau)
	if err != nil {
		return wadmath.Zero(), err
	}

	inRange, err := in.smileBand(in.atKA, in.atK)
	if err != nil {
		return wadmath.Zero(), err
	}

	// Out of range below kA:
	// E[(1 - sqrt(kA/K)) + (1 - sqrt(K/kA)) S/K; S < kA].
	sqrtKAoverK, err := sqrtRatio(p.KA, p.CurrentStrike)
	if err != nil {
		return wadmath.Zero(), err
	}
	sqrtKoverKA, err := sqrtRatio(p.CurrentStrike, p.KA)
	if err != nil {
		return wadmath.Zero(), err
	}
	constant, err := wadmath.Mul(wadmath.One().Sub(sqrtKAoverK), wadmath.One().Sub(in.atKA.n2))
	if err != nil {
		return wadmath.Zero(), err
	}
	linear, err := wadmath.Mul(in.s0k, in.growth)
	if err != nil {
		return wadmath.Zero(), err
	}
	linear, err = wadmath.Mul(linear, wadmath.One().Sub(in.atKA.nPlus))
	if err != nil {
		return wadmath.Zero(), err
	}
	linear, err = wadmath.Mul(linear, wadmath.One().Sub(sqrtKoverKA))
	if err != nil {
		return wadmath.Zero(), err
	}

	return p.discountAndNormalize(in.discount, inRange.Add(constant).Add(linear))
}

func (p FinanceParameters) discountAndNormalize(discount, expectation wadmath.Dec) (wadmath.Dec, error) {
	discounted, err := wadmath.Mul(discount, expectation)
	if err != nil {
		return wadmath.Zero(), err
	}
	return clampPositive(wadmath.Div(discounted, p.Theta))
}

// Premium returns the total premium for writing (amountUp, amountDown)
// notional at spot s0 under volatility sigma. Premiums truncate downward:
// the buyer is never overcharged relative to the closed form.
func (p FinanceParameters) Premium(now time.Time, s0, sigma, amountUp, amountDown wadmath.Dec) (wadmath.Dec, error) {
	total := wadmath.Zero()
	if amountUp.IsPositive() {
		unit, err := p.UnitPriceUp(now, s0, sigma)
		if err != nil {
			return wadmath.Zero(), err
		}
		part, err := wadmath.Mul(amountUp, unit)
		if err != nil {
			return wadmath.Zero(), err
		}
		total = total.Add(part)
	}
	if amountDown.IsPositive() {
		unit, err := p.UnitPriceDown(now, s0, sigma)
		if err != nil {
			return wadmath.Zero(), err
		}
		part, err := wadmath.Mul(amountDown, unit)
		if err != nil {
			return wadmath.Zero(), err
		}
		total = total.Add(part)
	}
	return total, nil
}
