package pricing

import (
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// UnitPayoffUp returns the bull-leg payoff per unit notional at settlement
// price s, in base-token terms. Zero at or below the strike, the
// impermanent-gain curve inside [K, kB], and its linear continuation above
// kB where the replicating inventory is fully side tokens.
func (p FinanceParameters) UnitPayoffUp(s wadmath.Dec) (wadmath.Dec, error) {
	if s.LTE(p.CurrentStrike) {
		return wadmath.Zero(), nil
	}
	if s.LTE(p.KB) {
		return p.inRangePayoff(s)
	}

	// (1/theta) * [ (1 - sqrt(K/kB)) * s/K + 1 - sqrt(kB/K) ]
	sqrtKoverKB, err := sqrtRatio(p.CurrentStrike, p.KB)
	if err != nil {
		return wadmath.Zero(), err
	}
	sqrtKBoverK, err := sqrtRatio(p.KB, p.CurrentStrike)
	if err != nil {
		return wadmath.Zero(), err
	}
	sOverK, err := wadmath.Div(s, p.CurrentStrike)
	if err != nil {
		return wadmath.Zero(), err
	}
	linear, err := wadmath.Mul(wadmath.One().Sub(sqrtKoverKB), sOverK)
	if err != nil {
		return wadmath.Zero(), err
	}
	return clampPositive(wadmath.Div(linear.Add(wadmath.One()).Sub(sqrtKBoverK), p.Theta))
}

// UnitPayoffDown returns the bear-leg payoff per unit notional at settlement
// price s. Zero at or above the strike, the impermanent-gain curve inside
// [kA, K], and the linear continuation below kA, which tops out at
// (1 - sqrt(kA/K)) / theta as s approaches zero.
func (p FinanceParameters) UnitPayoffDown(s wadmath.Dec) (wadmath.Dec, error) {
	if s.GTE(p.CurrentStrike) {
		return wadmath.Zero(), nil
	}
	if s.GTE(p.KA) {
		return p.inRangePayoff(s)
	}

	// (1/theta) * [ (1 - sqrt(kA/K)) + (s/K) * (1 - sqrt(K/kA)) ]
	sqrtKAoverK, err := sqrtRatio(p.KA, p.CurrentStrike)
	if err != nil {
		return wadmath.Zero(), err
	}
	sqrtKoverKA, err := sqrtRatio(p.CurrentStrike, p.KA)
	if err != nil {
		return wadmath.Zero(), err
	}
	sOverK, err := wadmath.Div(s, p.CurrentStrike)
	if err != nil {
		return wadmath.Zero(), err
	}
	linear, err := wadmath.Mul(sOverK, wadmath.One().Sub(sqrtKoverKA))
	if err != nil {
		return wadmath.Zero(), err
	}
	return clampPositive(wadmath.Div(wadmath.One().Sub(sqrtKAoverK).Add(linear), p.Theta))
}

// inRangePayoff is the shared smile curve (sqrt(s/K) - 1)^2 / theta.
func (p FinanceParameters) inRangePayoff(s wadmath.Dec) (wadmath.Dec, error) {
	root, err := sqrtRatio(s, p.CurrentStrike)
	if err != nil {
		return wadmath.Zero(), err
	}
	dev := root.Sub(wadmath.One())
	sq, err := wadmath.Mul(dev, dev)
	if err != nil {
		return wadmath.Zero(), err
	}
	return wadmath.Div(sq, p.Theta)
}

// Payoff returns the total settlement payoff for a position of
// (amountUp, amountDown) base-Wad notional at settlement price s.
func (p FinanceParameters) Payoff(s, amountUp, amountDown wadmath.Dec) (wadmath.Dec, error) {
	total := wadmath.Zero()
	if amountUp.IsPositive() {
		unit, err := p.UnitPayoffUp(s)
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
		unit, err := p.UnitPayoffDown(s)
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

// clampPositive zeroes out the tiny negative residue fixed-point truncation
// can leave at the strike boundary.
func clampPositive(d wadmath.Dec, err error) (wadmath.Dec, error) {
	if err != nil {
		return wadmath.Zero(), err
	}
	if d.IsNegative() {
		return wadmath.Zero(), nil
	}
	return d, nil
}
