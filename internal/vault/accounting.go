package vault

import (
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// EqualWeightTarget splits a notional 50/50 by value. The side half truncates
// down, so any odd Wad stays on the base side.
func EqualWeightTarget(notional wadmath.Dec) (baseValue, sideValue wadmath.Dec, err error) {
	sideValue, err = wadmath.Div(notional, wadmath.New(2))
	if err != nil {
		return wadmath.Zero(), wadmath.Zero(), err
	}
	return notional.Sub(sideValue), sideValue, nil
}

// RebalanceDelta returns the signed side-token amount (Wad) to trade to move
// the current side-token holding onto the target value at the given price.
// Positive means buy side tokens, negative means sell.
func RebalanceDelta(currentSideValue, targetSideValue, price wadmath.Dec) (wadmath.Dec, error) {
	diff := targetSideValue.Sub(currentSideValue)
	if diff.IsNegative() {
		amount, err := wadmath.Div(diff.Neg(), price)
		if err != nil {
			return wadmath.Zero(), err
		}
		return amount.Neg(), nil
	}
	return wadmath.Div(diff, price)
}
