package pricing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivol-labs/dvp-engine/internal/epoch"
	"github.com/ivol-labs/dvp-engine/internal/oracle"
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

var (
	epochStart = time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	maturity   = epochStart.Add(7 * 24 * time.Hour)
)

func dec(t *testing.T, s string) wadmath.Dec {
	t.Helper()
	d, err := wadmath.NewFromStr(s)
	require.NoError(t, err)
	return d
}

func testVolParams(t *testing.T) VolatilityParams {
	return VolatilityParams{
		UtilizationFactor: wadmath.New(2),
		TimeDecay:         dec(t, "0.25"),
		RangeFactor:       wadmath.New(2),
	}
}

func testParams(t *testing.T) FinanceParameters {
	t.Helper()
	params, err := ComputeParameters(
		wadmath.New(2000),     // strike
		dec(t, "0.5"),         // sigmaZero
		wadmath.Zero(),        // risk-free rate
		wadmath.New(100_000),  // locked liquidity
		epochStart, maturity,
		testVolParams(t),
	)
	require.NoError(t, err)
	return params
}

func TestComputeParametersInvariants(t *testing.T) {
	p := testParams(t)

	assert.True(t, p.KA.LT(p.CurrentStrike), "kA < K")
	assert.True(t, p.CurrentStrike.LT(p.KB), "K < kB")
	assert.True(t, p.Theta.IsPositive())
	assert.True(t, p.LimSup.IsPositive(), "bull delta limit must be positive")
	assert.True(t, p.LimInf.IsNegative(), "bear delta limit must be negative")
	assert.Equal(t, "50000.000000000000000000", p.InitialLiquidityUp.String())
	assert.Equal(t, "50000.000000000000000000", p.InitialLiquidityDown.String())
}

func TestComputeParametersRejectsBadInputs(t *testing.T) {
	vol := testVolParams(t)

	_, err := ComputeParameters(wadmath.Zero(), dec(t, "0.5"), wadmath.Zero(), wadmath.New(1), epochStart, maturity, vol)
	assert.ErrorIs(t, err, ErrInvalidStrike)

	_, err = ComputeParameters(wadmath.New(2000), wadmath.Zero(), wadmath.Zero(), wadmath.New(1), epochStart, maturity, vol)
	assert.ErrorIs(t, err, ErrInvalidVolatility)

	_, err = ComputeParameters(wadmath.New(2000), dec(t, "0.5"), wadmath.Zero(), wadmath.New(1), maturity, epochStart, vol)
	assert.ErrorIs(t, err, ErrInvalidMaturity)
}

func TestImpliedVolatilityTimeDecay(t *testing.T) {
	p := testParams(t)

	fresh, err := p.ImpliedVolatility(epochStart, wadmath.Zero())
	require.NoError(t, err)
	mid, err := p.ImpliedVolatility(epochStart.Add(3*24*time.Hour), wadmath.Zero())
	require.NoError(t, err)
	atExpiry, err := p.ImpliedVolatility(maturity, wadmath.Zero())
	require.NoError(t, err)

	assert.True(t, fresh.GT(mid), "sigma must decay: %s -> %s", fresh, mid)
	assert.True(t, mid.GT(atExpiry))
	assert.True(t, atExpiry.IsPositive(), "sigma must never decay to zero")

	// kappa = 0.25 leaves exactly 75% of sigmaZero at expiry.
	expected, err := wadmath.Mul(p.SigmaZero, dec(t, "0.75"))
	require.NoError(t, err)
	assert.True(t, atExpiry.Sub(expected).Abs().LT(dec(t, "0.000001")),
		"expiry sigma %s, expected %s", atExpiry, expected)
}

func TestImpliedVolatilityUtilization(t *testing.T) {
	p := testParams(t)
	now := epochStart.Add(24 * time.Hour)

	idle, err := p.ImpliedVolatility(now, wadmath.Zero())
	require.NoError(t, err)
	busy, err := p.ImpliedVolatility(now, dec(t, "0.5"))
	require.NoError(t, err)
	full, err := p.ImpliedVolatility(now, wadmath.One())
	require.NoError(t, err)

	assert.True(t, idle.LT(busy))
	assert.True(t, busy.LT(full))

	// Utilization is a rate; values above 1 clamp rather than extrapolate.
	over, err := p.ImpliedVolatility(now, wadmath.New(5))
	require.NoError(t, err)
	assert.True(t, over.Equal(full))
}

func TestImpliedVolatilityFreshAfterRoll(t *testing.T) {
	// Regression for the time-decay reset: a snapshot whose epoch just
	// started must price at full (undecayed) sigma regardless of what any
	// earlier epoch looked like.
	p := testParams(t)
	sigma, err := p.ImpliedVolatility(epochStart, wadmath.Zero())
	require.NoError(t, err)
	assert.True(t, sigma.Equal(p.SigmaZero), "got %s, want %s", sigma, p.SigmaZero)
}

func TestPayoffBoundaries(t *testing.T) {
	p := testParams(t)
	one := wadmath.One()

	// Bull: zero at and below the strike, positive above.
	for _, s := range []int64{1500, 1999, 2000} {
		up, err := p.UnitPayoffUp(wadmath.New(s))
		require.NoError(t, err)
		assert.True(t, up.IsZero(), "bull payoff at %d should be zero, got %s", s, up)
	}
	up, err := p.UnitPayoffUp(wadmath.New(2100))
	require.NoError(t, err)
	assert.True(t, up.IsPositive())

	// Bear: zero at and above the strike, positive below.
	for _, s := range []int64{2000, 2001, 2500} {
		down, err := p.UnitPayoffDown(wadmath.New(s))
		require.NoError(t, err)
		assert.True(t, down.IsZero(), "bear payoff at %d should be zero, got %s", s, down)
	}
	down, err := p.UnitPayoffDown(wadmath.New(1900))
	require.NoError(t, err)
	assert.True(t, down.IsPositive())

	// Smile at the strike pays nothing.
	total, err := p.Payoff(p.CurrentStrike, one, one)
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestPayoffContinuousAtRangeEdges(t *testing.T) {
	p := testParams(t)
	tolerance := dec(t, "0.000000001")

	atKB, err := p.UnitPayoffUp(p.KB)
	require.NoError(t, err)
	justAbove, err := p.UnitPayoffUp(p.KB.Add(dec(t, "0.000001")))
	require.NoError(t, err)
	assert.True(t, justAbove.Sub(atKB).Abs().LT(tolerance),
		"up payoff jumps at kB: %s vs %s", atKB, justAbove)

	atKA, err := p.UnitPayoffDown(p.KA)
	require.NoError(t, err)
	justBelow, err := p.UnitPayoffDown(p.KA.Sub(dec(t, "0.000001")))
	require.NoError(t, err)
	assert.True(t, justBelow.Sub(atKA).Abs().LT(tolerance),
		"down payoff jumps at kA: %s vs %s", atKA, justBelow)
}

func TestPayoffNearZeroPrice(t *testing.T) {
	p := testParams(t)

	// The bear leg's replication bound: payoff approaches
	// (1 - sqrt(kA/K)) / theta as the price goes to zero, and never
	// exceeds it.
	sqrtKAoverK, err := sqrtRatio(p.KA, p.CurrentStrike)
	require.NoError(t, err)
	bound, err := wadmath.Div(wadmath.One().Sub(sqrtKAoverK), p.Theta)
	require.NoError(t, err)

	for _, s := range []string{"0.000001", "1", "100", "1000"} {
		down, err := p.UnitPayoffDown(dec(t, s))
		require.NoError(t, err)
		assert.True(t, down.LTE(bound), "payoff %s at price %s exceeds bound %s", down, s, bound)
		assert.False(t, down.IsNegative())
	}
}

func TestPremiumPositiveAndMonotoneInNotional(t *testing.T) {
	p := testParams(t)
	now := epochStart.Add(time.Hour)
	spot := wadmath.New(2000)
	sigma := dec(t, "0.5")

	small, err := p.Premium(now, spot, sigma, wadmath.New(100), wadmath.Zero())
	require.NoError(t, err)
	large, err := p.Premium(now, spot, sigma, wadmath.New(200), wadmath.Zero())
	require.NoError(t, err)
	assert.True(t, small.IsPositive())
	assert.True(t, large.GT(small), "premium must grow with notional")

	smallDown, err := p.Premium(now, spot, sigma, wadmath.Zero(), wadmath.New(100))
	require.NoError(t, err)
	largeDown, err := p.Premium(now, spot, sigma, wadmath.Zero(), wadmath.New(200))
	require.NoError(t, err)
	assert.True(t, smallDown.IsPositive())
	assert.True(t, largeDown.GT(smallDown))
}

func TestSmilePremiumSubAdditive(t *testing.T) {
	p := testParams(t)
	now := epochStart.Add(time.Hour)
	spot := wadmath.New(2000)
	sigma := dec(t, "0.5")
	amount := wadmath.New(100)

	smile, err := p.Premium(now, spot, sigma, amount, amount)
	require.NoError(t, err)
	up, err := p.Premium(now, spot, sigma, amount, wadmath.Zero())
	require.NoError(t, err)
	down, err := p.Premium(now, spot, sigma, wadmath.Zero(), amount)
	require.NoError(t, err)

	assert.True(t, smile.LTE(up.Add(down)),
		"smile %s must not exceed legs %s + %s", smile, up, down)
}

func TestPremiumConvergesToPayoffAtExpiry(t *testing.T) {
	p := testParams(t)
	spot := wadmath.New(2100)

	price, err := p.UnitPriceUp(maturity, spot, dec(t, "0.5"))
	require.NoError(t, err)
	payoff, err := p.UnitPayoffUp(spot)
	require.NoError(t, err)
	assert.True(t, price.Equal(payoff))
}

func TestDeltaSigns(t *testing.T) {
	p := testParams(t)

	upITM, err := p.UnitDeltaUp(wadmath.New(2100))
	require.NoError(t, err)
	assert.True(t, upITM.IsPositive())

	upOTM, err := p.UnitDeltaUp(wadmath.New(1900))
	require.NoError(t, err)
	assert.True(t, upOTM.IsZero())

	downITM, err := p.UnitDeltaDown(wadmath.New(1900))
	require.NoError(t, err)
	assert.True(t, downITM.IsNegative())

	downOTM, err := p.UnitDeltaDown(wadmath.New(2100))
	require.NoError(t, err)
	assert.True(t, downOTM.IsZero())
}

func TestDeltaAsymptotes(t *testing.T) {
	p := testParams(t)

	farUp, err := p.UnitDeltaUp(p.KB.MulInt64(10))
	require.NoError(t, err)
	limUp, err := wadmath.Div(p.LimSup, p.CurrentStrike)
	require.NoError(t, err)
	assert.True(t, farUp.Equal(limUp))

	farDown, err := p.UnitDeltaDown(p.KA.QuoInt64(10))
	require.NoError(t, err)
	limDown, err := wadmath.Div(p.LimInf, p.CurrentStrike)
	require.NoError(t, err)
	assert.True(t, farDown.Equal(limDown))
}

func TestModelRollAndQuote(t *testing.T) {
	now := epochStart.Add(-time.Hour)
	clock, err := epoch.NewClock(7*24*time.Hour, now)
	require.NoError(t, err)

	feed := oracle.NewStatic(0)
	require.NoError(t, feed.SetPrice("WETH", "USDC", wadmath.New(2000)))
	feed.SetImpliedVolatility(dec(t, "0.5"))
	feed.SetRiskFreeRate(wadmath.Zero())

	model := NewModel(clock, feed, "USDC", "WETH", testVolParams(t), dec(t, "0.0015"))

	_, err = model.Parameters()
	assert.ErrorIs(t, err, ErrParamsNotSet)

	require.NoError(t, clock.Advance(clock.Current()))
	require.NoError(t, model.RollEpoch(wadmath.New(100_000)))

	params, err := model.Parameters()
	require.NoError(t, err)
	assert.True(t, params.CurrentStrike.Equal(wadmath.New(2000)))

	premium, fee, err := model.Quote(clock.Previous().Add(time.Hour), wadmath.New(100), wadmath.Zero(), dec(t, "0.1"))
	require.NoError(t, err)
	assert.True(t, premium.IsPositive())
	assert.True(t, fee.IsPositive())
	assert.True(t, fee.LT(premium))
}

func TestModelSettlement(t *testing.T) {
	now := epochStart.Add(-time.Hour)
	clock, err := epoch.NewClock(7*24*time.Hour, now)
	require.NoError(t, err)

	feed := oracle.NewStatic(0)
	require.NoError(t, feed.SetPrice("WETH", "USDC", wadmath.New(2000)))
	feed.SetImpliedVolatility(dec(t, "0.5"))
	feed.SetRiskFreeRate(wadmath.Zero())

	model := NewModel(clock, feed, "USDC", "WETH", testVolParams(t), wadmath.Zero())

	require.NoError(t, clock.Advance(clock.Current()))
	require.NoError(t, model.RollEpoch(wadmath.New(100_000)))
	firstMaturity := clock.Current()

	// Price rallies over the epoch; settle at the boundary.
	require.NoError(t, feed.SetPrice("WETH", "USDC", wadmath.New(2200)))
	require.NoError(t, clock.Advance(clock.Current()))
	require.NoError(t, model.RollEpoch(wadmath.New(100_000)))

	settle, err := model.SettlementPrice(firstMaturity)
	require.NoError(t, err)
	assert.True(t, settle.Equal(wadmath.New(2200)))

	// Bull positions from the expired epoch pay out, bears pay nothing.
	payoff, _, err := model.SettledPayoff(firstMaturity, wadmath.New(100), wadmath.Zero())
	require.NoError(t, err)
	assert.True(t, payoff.IsPositive())

	bearPayoff, _, err := model.SettledPayoff(firstMaturity, wadmath.Zero(), wadmath.New(100))
	require.NoError(t, err)
	assert.True(t, bearPayoff.IsZero())

	_, _, err = model.SettledPayoff(firstMaturity.Add(time.Hour), wadmath.New(1), wadmath.Zero())
	assert.ErrorIs(t, err, ErrEpochNotSettled)
}
