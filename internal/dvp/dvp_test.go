package dvp

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivol-labs/dvp-engine/internal/epoch"
	"github.com/ivol-labs/dvp-engine/internal/exchange"
	"github.com/ivol-labs/dvp-engine/internal/oracle"
	"github.com/ivol-labs/dvp-engine/internal/pricing"
	"github.com/ivol-labs/dvp-engine/internal/token"
	"github.com/ivol-labs/dvp-engine/internal/vault"
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

const (
	lp     = "alice"
	trader = "bob"
)

type rig struct {
	engine *Engine
	vault  *vault.Vault
	model  *pricing.Model
	clock  *epoch.Clock
	feed   *oracle.Static
	base   *token.MemLedger
	start  time.Time
}

func dec(t *testing.T, s string) wadmath.Dec {
	t.Helper()
	d, err := wadmath.NewFromStr(s)
	require.NoError(t, err)
	return d
}

func usdc(units int64) sdkmath.Int {
	return sdkmath.NewInt(units).Mul(sdkmath.NewInt(1_000_000))
}

// newRig wires the full protocol with a funded vault and one rolled epoch,
// so finance parameters are fixed at strike 2000.
func newRig(t *testing.T) *rig {
	t.Helper()
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	clock, err := epoch.NewClock(24*time.Hour, start)
	require.NoError(t, err)

	feed := oracle.NewStatic(0)
	require.NoError(t, feed.SetPrice("WETH", "USDC", wadmath.New(2000)))
	feed.SetImpliedVolatility(dec(t, "0.5"))
	feed.SetRiskFreeRate(wadmath.Zero())

	base := token.NewMemLedger("USDC", 6)
	side := token.NewMemLedger("WETH", 18)
	share := token.NewMemLedger("ivUSDC", 18)
	venue := exchange.NewSimulated(feed, wadmath.Zero(), base, side)

	v := vault.New(clock, feed, venue, base, side, share, vault.Config{Account: "vault"})
	model := pricing.NewModel(clock, feed, "USDC", "WETH", pricing.VolatilityParams{
		UtilizationFactor: wadmath.New(2),
		TimeDecay:         dec(t, "0.25"),
		RangeFactor:       wadmath.New(2),
	}, dec(t, "0.0015"))
	engine := New("dvp-engine", clock, model, v)
	v.SetOptionsEngine("dvp-engine")

	require.NoError(t, base.Mint(lp, usdc(10_000)))
	require.NoError(t, v.Deposit(start.Add(time.Hour), lp, usdc(10_000)))
	_, err = engine.RollEpoch(clock.Current())
	require.NoError(t, err)

	require.NoError(t, base.Mint(trader, usdc(1_000)))
	return &rig{engine: engine, vault: v, model: model, clock: clock, feed: feed, base: base, start: start}
}

func (r *rig) now() time.Time { return r.clock.Previous().Add(time.Hour) }

func (r *rig) strike(t *testing.T) wadmath.Dec {
	t.Helper()
	params, err := r.model.Parameters()
	require.NoError(t, err)
	return params.CurrentStrike
}

func TestMintCollectsPremiumAndRecordsPosition(t *testing.T) {
	r := newRig(t)
	strike := r.strike(t)
	maturity := r.clock.Current()

	quote, fee, err := r.engine.Quote(r.now(), wadmath.New(100), wadmath.Zero())
	require.NoError(t, err)
	require.True(t, quote.IsPositive())
	require.True(t, fee.IsPositive())

	balanceBefore := r.base.BalanceOf(trader)
	leverage, err := r.engine.Mint(r.now(), trader, strike, wadmath.New(100), wadmath.Zero(), quote, dec(t, "0.01"))
	require.NoError(t, err)
	assert.True(t, leverage.GT(wadmath.One()), "options are levered, got %s", leverage)
	assert.True(t, r.base.BalanceOf(trader).LT(balanceBefore), "premium was collected")

	pos, err := r.engine.PositionOf(trader, strike, maturity)
	require.NoError(t, err)
	assert.Equal(t, "100.000000000000000000", pos.AmountUp.String())
	assert.True(t, pos.AmountDown.IsZero())

	ur, err := r.engine.Utilization()
	require.NoError(t, err)
	assert.True(t, ur.IsPositive())
}

func TestMintGuards(t *testing.T) {
	r := newRig(t)
	strike := r.strike(t)

	_, err := r.engine.Mint(r.now(), trader, strike, wadmath.Zero(), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	assert.ErrorIs(t, err, ErrInvalidStrategy)

	_, err = r.engine.Mint(r.now(), trader, wadmath.New(1234), wadmath.New(10), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	assert.ErrorIs(t, err, ErrStrikeMismatch)

	// Each leg is capped at half the locked liquidity (5000 here).
	_, err = r.engine.Mint(r.now(), trader, strike, wadmath.New(6000), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	assert.ErrorIs(t, err, ErrNotEnoughNotional)

	// A stale, far-too-low expected premium trips the band.
	_, err = r.engine.Mint(r.now(), trader, strike, wadmath.New(100), wadmath.Zero(), dec(t, "0.000001"), dec(t, "0.01"))
	assert.ErrorIs(t, err, ErrSlippageExceeded)

	// Minting after the boundary must wait for the roll.
	_, err = r.engine.Mint(r.clock.Current(), trader, strike, wadmath.New(100), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	assert.ErrorIs(t, err, epoch.ErrEpochFinished)
}

func TestBurnLivePosition(t *testing.T) {
	r := newRig(t)
	strike := r.strike(t)
	maturity := r.clock.Current()

	quote, _, err := r.engine.Quote(r.now(), wadmath.New(100), wadmath.Zero())
	require.NoError(t, err)
	_, err = r.engine.Mint(r.now(), trader, strike, wadmath.New(100), wadmath.Zero(), quote, dec(t, "0.01"))
	require.NoError(t, err)

	_, err = r.engine.Burn(r.now(), trader, maturity, strike, wadmath.New(200), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	assert.ErrorIs(t, err, ErrNotEnoughNotional)

	later := r.now().Add(time.Hour)
	buyback, _, err := r.engine.Quote(later, wadmath.New(40), wadmath.Zero())
	require.NoError(t, err)
	net, err := r.engine.Burn(later, trader, maturity, strike, wadmath.New(40), wadmath.Zero(), buyback, dec(t, "0.05"))
	require.NoError(t, err)
	assert.True(t, net.IsPositive())

	pos, err := r.engine.PositionOf(trader, strike, maturity)
	require.NoError(t, err)
	assert.Equal(t, "60.000000000000000000", pos.AmountUp.String())

	// An absurd payoff floor trips the burn band.
	_, err = r.engine.Burn(later, trader, maturity, strike, wadmath.New(10), wadmath.Zero(), wadmath.New(1000), dec(t, "0.01"))
	assert.ErrorIs(t, err, ErrSlippageExceeded)
}

func TestBullPaysAndBearExpiresWorthless(t *testing.T) {
	r := newRig(t)
	strike := r.strike(t)
	maturity := r.clock.Current()

	// Bob buys both directions at strike 2000.
	_, err := r.engine.Mint(r.now(), trader, strike, wadmath.New(100), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	require.NoError(t, err)
	_, err = r.engine.Mint(r.now(), trader, strike, wadmath.Zero(), wadmath.New(100), wadmath.Zero(), wadmath.Zero())
	require.NoError(t, err)

	// The market rallies into the boundary; the epoch settles at 2200.
	require.NoError(t, r.feed.SetPrice("WETH", "USDC", wadmath.New(2200)))
	result, err := r.engine.RollEpoch(r.clock.Current())
	require.NoError(t, err)
	assert.True(t, result.ResidualPayoff.IsPositive(),
		"in-the-money open positions must be reserved at roll")

	bullNet, err := r.engine.Burn(r.now(), trader, maturity, strike, wadmath.New(100), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	require.NoError(t, err)
	assert.True(t, bullNet.IsPositive(), "bull settled above strike must pay")

	bearNet, err := r.engine.Burn(r.now(), trader, maturity, strike, wadmath.Zero(), wadmath.New(100), wadmath.Zero(), wadmath.Zero())
	require.NoError(t, err)
	assert.True(t, bearNet.IsZero(), "bear settled above strike pays nothing")

	_, err = r.engine.PositionOf(trader, strike, maturity)
	assert.ErrorIs(t, err, ErrPositionNotFound)
}

func TestSmileBurnAtSettlementNearStrike(t *testing.T) {
	r := newRig(t)
	strike := r.strike(t)
	maturity := r.clock.Current()

	_, err := r.engine.Mint(r.now(), trader, strike, wadmath.New(50), wadmath.New(50), wadmath.Zero(), wadmath.Zero())
	require.NoError(t, err)

	// Settles exactly at the strike: the smile pays nothing.
	result, err := r.engine.RollEpoch(r.clock.Current())
	require.NoError(t, err)
	assert.True(t, result.ResidualPayoff.IsZero())

	net, err := r.engine.Burn(r.now(), trader, maturity, strike, wadmath.New(50), wadmath.New(50), wadmath.Zero(), wadmath.Zero())
	require.NoError(t, err)
	assert.True(t, net.IsZero())
}

func TestSettledBurnClearsReservation(t *testing.T) {
	r := newRig(t)
	strike := r.strike(t)
	maturity := r.clock.Current()

	_, err := r.engine.Mint(r.now(), trader, strike, wadmath.New(100), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	require.NoError(t, err)

	require.NoError(t, r.feed.SetPrice("WETH", "USDC", wadmath.New(2200)))
	result, err := r.engine.RollEpoch(r.clock.Current())
	require.NoError(t, err)
	require.True(t, result.ResidualPayoff.IsPositive())

	// The roll reserved the gross payoff; burning the whole expired book
	// must drain the reservation completely, fee slice included, or the
	// leftover earmark depresses the share price forever.
	_, err = r.engine.Burn(r.now(), trader, maturity, strike, wadmath.New(100), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	require.NoError(t, err)

	summary, err := r.vault.Summary()
	require.NoError(t, err)
	assert.Equal(t, wadmath.Zero().String(), summary.PendingPayoffs,
		"no earmark may survive once the expired book is fully burned")
}

func TestNotionalFreedByLiveBurn(t *testing.T) {
	r := newRig(t)
	strike := r.strike(t)
	maturity := r.clock.Current()

	_, err := r.engine.Mint(r.now(), trader, strike, wadmath.New(5000), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	require.NoError(t, err)

	// Up leg is exhausted.
	_, err = r.engine.Mint(r.now(), trader, strike, wadmath.New(1), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	assert.ErrorIs(t, err, ErrNotEnoughNotional)

	_, err = r.engine.Burn(r.now(), trader, maturity, strike, wadmath.New(1000), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	require.NoError(t, err)

	_, err = r.engine.Mint(r.now(), trader, strike, wadmath.New(500), wadmath.Zero(), wadmath.Zero(), wadmath.Zero())
	require.NoError(t, err)
}
