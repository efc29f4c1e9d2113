package pricing

import (
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// UnitDeltaUp returns d(payoff)/dS for one unit of bull notional at spot s,
// in side tokens per unit notional. Zero at or below the strike, rising to
// the LimSup/K asymptote beyond kB.
func (p FinanceParameters) UnitDeltaUp(s wadmath.Dec) (wadmath.Dec, error) {
	if s.LTE(p.CurrentStrike) {
		return wadmath.Zero(), nil
	}
	if s.GT(p.KB) {
		return wadmath.Div(p.LimSup, p.CurrentStrike)
	}
	return p.inRangeDelta(s)
}

// UnitDeltaDown returns d(payoff)/dS for one unit of bear notional at spot s.
// Zero at or above the strike, falling to the LimInf/K asymptote below kA.
func (p FinanceParameters) UnitDeltaDown(s wadmath.Dec) (wadmath.Dec, error) {
	if s.GTE(p.CurrentStrike) {
		return wadmath.Zero(), nil
	}
	if s.LT(p.KA) {
		return wadmath.Div(p.LimInf, p.CurrentStrike)
	}
	return p.inRangeDelta(s)
}

// inRangeDelta is the smile slope (1/theta) * (1/K - 1/sqrt(s*K)), negative
// below the strike and positive above.
func (p FinanceParameters) inRangeDelta(s wadmath.Dec) (wadmath.Dec, error) {
	prod, err := wadmath.Mul(s, p.CurrentStrike)
	if err != nil {
		return wadmath.Zero(), err
	}
	root, err := wadmath.Sqrt(prod)
	if err != nil {
		return wadmath.Zero(), err
	}
	invRoot, err := wadmath.Div(wadmath.One(), root)
	if err != nil {
		return wadmath.Zero(), err
	}
	invK, err := wadmath.Div(wadmath.One(), p.CurrentStrike)
	if err != nil {
		return wadmath.Zero(), err
	}
	return wadmath.Div(invK.Sub(invRoot), p.Theta)
}

// DeltaHedgeNotional returns the signed side-token exposure (Wad) the vault
// must add to stay hedged after writing (amountUp, amountDown) notional at
// spot s. Burns pass negated amounts.
func (p FinanceParameters) DeltaHedgeNotional(s, amountUp, amountDown wadmath.Dec) (wadmath.Dec, error) {
	deltaUp, err := p.UnitDeltaUp(s)
	if err != nil {
		return wadmath.Zero(), err
	}
	deltaDown, err := p.UnitDeltaDown(s)
	if err != nil {
		return wadmath.Zero(), err
	}
	upPart, err := wadmath.Mul(amountUp, deltaUp)
	if err != nil {
		return wadmath.Zero(), err
	}
	downPart, err := wadmath.Mul(amountDown, deltaDown)
	if err != nil {
		return wadmath.Zero(), err
	}
	return upPart.Add(downPart), nil
}
