package vault

import (
	"errors"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivol-labs/dvp-engine/internal/epoch"
	"github.com/ivol-labs/dvp-engine/internal/exchange"
	"github.com/ivol-labs/dvp-engine/internal/oracle"
	"github.com/ivol-labs/dvp-engine/internal/token"
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

const (
	alice  = "alice"
	dvpAcc = "dvp-engine"
)

type fixture struct {
	vault *Vault
	clock *epoch.Clock
	feed  *oracle.Static
	base  *token.MemLedger
	side  *token.MemLedger
	share *token.MemLedger
	start time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	clock, err := epoch.NewClock(24*time.Hour, start)
	require.NoError(t, err)

	feed := oracle.NewStatic(0)
	require.NoError(t, feed.SetPrice("WETH", "USDC", wadmath.New(2000)))

	base := token.NewMemLedger("USDC", 6)
	side := token.NewMemLedger("WETH", 18)
	share := token.NewMemLedger("ivUSDC", 18)
	venue := exchange.NewSimulated(feed, wadmath.Zero(), base, side)

	v := New(clock, feed, venue, base, side, share, Config{
		Account:    "vault",
		MinDeposit: wadmath.New(1),
		MaxDeposit: wadmath.New(1_000_000),
	})
	return &fixture{vault: v, clock: clock, feed: feed, base: base, side: side, share: share, start: start}
}

func usdc(units int64) sdkmath.Int {
	return sdkmath.NewInt(units).Mul(sdkmath.NewInt(1_000_000))
}

func (f *fixture) fund(t *testing.T, account string, units int64) {
	t.Helper()
	require.NoError(t, f.base.Mint(account, usdc(units)))
}

func (f *fixture) roll(t *testing.T) RollReport {
	t.Helper()
	report, err := f.vault.RollEpoch(f.clock.Current())
	require.NoError(t, err)
	return report
}

func TestDepositGuards(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 2_000_000)
	inEpoch := f.start.Add(time.Hour)

	err := f.vault.Deposit(inEpoch, alice, sdkmath.ZeroInt())
	assert.ErrorIs(t, err, ErrAmountZero)

	err = f.vault.Deposit(inEpoch, alice, sdkmath.NewInt(100)) // 0.0001 USDC
	assert.ErrorIs(t, err, ErrAmountBelowMinimum)

	err = f.vault.Deposit(inEpoch, alice, usdc(1_500_000))
	assert.ErrorIs(t, err, ErrExceedsMaxDeposit)

	err = f.vault.Deposit(f.clock.Current(), alice, usdc(100))
	assert.ErrorIs(t, err, epoch.ErrEpochFinished)

	f.vault.Pause()
	err = f.vault.Deposit(inEpoch, alice, usdc(100))
	assert.ErrorIs(t, err, ErrVaultPaused)
	f.vault.Resume()

	require.NoError(t, f.vault.Deposit(inEpoch, alice, usdc(100)))
	assert.Equal(t, usdc(100).String(), f.base.BalanceOf("vault").String())
}

func TestDepositRedeemWithdrawRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 1000)
	require.NoError(t, f.vault.Deposit(f.start.Add(time.Hour), alice, usdc(1000)))

	report := f.roll(t)
	assert.Equal(t, "1.000000000000000000", report.SharePrice.String())
	assert.Equal(t, "1000.000000000000000000", report.MintedShares.String())
	assert.Equal(t, "1000.000000000000000000", report.LockedLiquidity.String())

	// Equal weight: half the notional is now side tokens.
	sideWad, err := wadmath.AmountToWad(f.side.BalanceOf("vault"), 18)
	require.NoError(t, err)
	assert.Equal(t, "0.250000000000000000", sideWad.String())

	require.NoError(t, f.vault.Redeem(alice, wadmath.New(1000)))
	assert.Equal(t, sdkmath.NewIntWithDecimal(1000, 18).String(), f.share.BalanceOf(alice).String())

	inEpoch2 := f.clock.Previous().Add(time.Hour)
	require.NoError(t, f.vault.InitiateWithdraw(inEpoch2, alice, wadmath.New(1000)))

	// Too early: the request's epoch has not rolled yet.
	err = f.vault.CompleteWithdraw(alice)
	assert.ErrorIs(t, err, ErrWithdrawTooEarly)

	report = f.roll(t)
	assert.Equal(t, "1.000000000000000000", report.SharePrice.String(),
		"share price must not move without trading losses")
	assert.Equal(t, "1000.000000000000000000", report.PendingWithdrawals.String())
	assert.Equal(t, "0.000000000000000000", report.LockedLiquidity.String())

	require.NoError(t, f.vault.CompleteWithdraw(alice))
	assert.Equal(t, usdc(1000).String(), f.base.BalanceOf(alice).String(),
		"round trip must return the exact deposit")
	assert.True(t, f.share.TotalSupply().IsZero())
}

func TestAtMostOneOutstandingWithdrawal(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 1000)
	require.NoError(t, f.vault.Deposit(f.start.Add(time.Hour), alice, usdc(1000)))
	f.roll(t)

	inEpoch2 := f.clock.Previous().Add(time.Hour)
	require.NoError(t, f.vault.InitiateWithdraw(inEpoch2, alice, wadmath.New(400)))
	err := f.vault.InitiateWithdraw(inEpoch2, alice, wadmath.New(100))
	assert.ErrorIs(t, err, ErrExistingIncompleteWithdraw)

	f.roll(t)
	require.NoError(t, f.vault.CompleteWithdraw(alice))

	// A new request is allowed once the previous one completed.
	inEpoch3 := f.clock.Previous().Add(time.Hour)
	require.NoError(t, f.vault.InitiateWithdraw(inEpoch3, alice, wadmath.New(100)))
}

func TestWithdrawGuards(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 1000)

	err := f.vault.CompleteWithdraw(alice)
	assert.ErrorIs(t, err, ErrWithdrawNotInitiated)

	require.NoError(t, f.vault.Deposit(f.start.Add(time.Hour), alice, usdc(1000)))
	f.roll(t)

	inEpoch2 := f.clock.Previous().Add(time.Hour)
	err = f.vault.InitiateWithdraw(inEpoch2, alice, wadmath.New(2000))
	assert.ErrorIs(t, err, ErrExceedsAvailable)

	err = f.vault.Redeem(alice, wadmath.New(2000))
	assert.ErrorIs(t, err, ErrExceedsAvailable)
}

func TestSharePriceConstantAcrossIdleEpochs(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 1000)
	require.NoError(t, f.vault.Deposit(f.start.Add(time.Hour), alice, usdc(1000)))

	first := f.roll(t)
	second := f.roll(t)
	third := f.roll(t)
	assert.True(t, first.SharePrice.Equal(second.SharePrice))
	assert.True(t, second.SharePrice.Equal(third.SharePrice))
}

func TestRollSolvencyInvariant(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 1000)
	require.NoError(t, f.vault.Deposit(f.start.Add(time.Hour), alice, usdc(1000)))
	f.roll(t)

	inEpoch2 := f.clock.Previous().Add(time.Hour)
	require.NoError(t, f.vault.InitiateWithdraw(inEpoch2, alice, wadmath.New(300)))
	report := f.roll(t)

	// Base holdings cover every pending obligation after the roll.
	baseWad, err := wadmath.AmountToWad(f.base.BalanceOf("vault"), 6)
	require.NoError(t, err)
	obligations := report.PendingWithdrawals.Add(report.PendingPayoffs)
	assert.True(t, baseWad.GTE(obligations),
		"base %s must cover obligations %s", baseWad, obligations)
	assert.False(t, report.LockedLiquidity.IsNegative())
}

func TestRollBeforeBoundaryFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.vault.RollEpoch(f.start.Add(time.Hour))
	assert.ErrorIs(t, err, epoch.ErrEpochAlreadyStarted)
}

func TestOptionsEngineGate(t *testing.T) {
	f := newFixture(t)

	err := f.vault.ReservePayoff(dvpAcc, wadmath.New(10))
	assert.ErrorIs(t, err, ErrDVPNotSet)

	f.vault.SetOptionsEngine(dvpAcc)
	err = f.vault.ReservePayoff("mallory", wadmath.New(10))
	assert.ErrorIs(t, err, ErrOnlyDVPAllowed)

	require.NoError(t, f.vault.ReservePayoff(dvpAcc, wadmath.New(10)))
}

func TestPayoffReservationLifecycle(t *testing.T) {
	f := newFixture(t)
	f.vault.SetOptionsEngine(dvpAcc)
	f.fund(t, alice, 1000)
	require.NoError(t, f.vault.Deposit(f.start.Add(time.Hour), alice, usdc(1000)))
	f.roll(t)

	require.NoError(t, f.vault.ReservePayoff(dvpAcc, wadmath.New(40)))

	// Not settled yet: a past-epoch transfer cannot draw on it.
	err := f.vault.TransferPayoff(dvpAcc, alice, wadmath.New(40), true)
	assert.ErrorIs(t, err, ErrExceedsAvailable)

	report := f.roll(t)
	assert.Equal(t, "40.000000000000000000", report.PendingPayoffs.String())

	require.NoError(t, f.vault.TransferPayoff(dvpAcc, alice, wadmath.New(40), true))
	assert.Equal(t, usdc(40).String(), f.base.BalanceOf(alice).String())

	err = f.vault.TransferPayoff(dvpAcc, alice, wadmath.New(1), true)
	assert.ErrorIs(t, err, ErrExceedsAvailable)
}

func TestDeltaHedgeTradesSideTokens(t *testing.T) {
	f := newFixture(t)
	f.vault.SetOptionsEngine(dvpAcc)
	f.fund(t, alice, 1000)
	require.NoError(t, f.vault.Deposit(f.start.Add(time.Hour), alice, usdc(1000)))
	f.roll(t)

	tenth, err := wadmath.NewFromStr("0.1")
	require.NoError(t, err)

	before := f.side.BalanceOf("vault")
	require.NoError(t, f.vault.DeltaHedge(dvpAcc, tenth))
	after := f.side.BalanceOf("vault")
	assert.True(t, after.GT(before), "positive delta must buy side tokens")

	require.NoError(t, f.vault.DeltaHedge(dvpAcc, tenth.Neg()))
	assert.True(t, f.side.BalanceOf("vault").LT(after))

	err = f.vault.DeltaHedge(dvpAcc, wadmath.New(1000))
	assert.ErrorIs(t, err, ErrCannotBuySideTokens)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

func TestSharePriceUnaffectedByHeldWithdrawal(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 1000)
	require.NoError(t, f.vault.Deposit(f.start.Add(time.Hour), alice, usdc(1000)))
	f.roll(t)

	require.NoError(t, f.vault.Redeem(alice, wadmath.New(1000)))
	inEpoch2 := f.clock.Previous().Add(time.Hour)
	require.NoError(t, f.vault.InitiateWithdraw(inEpoch2, alice, wadmath.New(500)))

	report := f.roll(t)
	assert.Equal(t, "1.000000000000000000", report.SharePrice.String())
	assert.Equal(t, "500.000000000000000000", report.PendingWithdrawals.String())

	// The request stays uncompleted across another roll. Its custody shares
	// must not count toward the denominator, or the remaining holders would
	// see their price halve with no trading loss anywhere.
	report = f.roll(t)
	assert.Equal(t, "1.000000000000000000", report.SharePrice.String(),
		"held custody shares must not dilute the share price")

	require.NoError(t, f.vault.CompleteWithdraw(alice))
	assert.Equal(t, usdc(500).String(), f.base.BalanceOf(alice).String())
}

// flakyVenue forwards everything to the simulated venue but fails swaps on
// demand.
type flakyVenue struct {
	*exchange.Simulated
	fail bool
}

func (f *flakyVenue) SwapIn(account, tokenIn, tokenOut string, amountIn sdkmath.Int) (sdkmath.Int, error) {
	if f.fail {
		return sdkmath.ZeroInt(), errors.New("venue offline")
	}
	return f.Simulated.SwapIn(account, tokenIn, tokenOut, amountIn)
}

func TestRollAtomicWhenVenueFails(t *testing.T) {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	clock, err := epoch.NewClock(24*time.Hour, start)
	require.NoError(t, err)
	feed := oracle.NewStatic(0)
	require.NoError(t, feed.SetPrice("WETH", "USDC", wadmath.New(2000)))
	base := token.NewMemLedger("USDC", 6)
	side := token.NewMemLedger("WETH", 18)
	share := token.NewMemLedger("ivUSDC", 18)
	venue := &flakyVenue{Simulated: exchange.NewSimulated(feed, wadmath.Zero(), base, side), fail: true}
	v := New(clock, feed, venue, base, side, share, Config{Account: "vault"})

	require.NoError(t, base.Mint(alice, usdc(1000)))
	require.NoError(t, v.Deposit(start.Add(time.Hour), alice, usdc(1000)))

	boundary := clock.Current()
	_, err = v.RollEpoch(boundary)
	assert.ErrorIs(t, err, ErrCannotBuySideTokens)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	// The failed roll must leave no trace: no shares minted, no share price
	// recorded and the clock still on the old boundary.
	assert.True(t, share.TotalSupply().IsZero(), "no shares may be minted on a failed roll")
	_, err = v.SharePrice(boundary)
	assert.ErrorIs(t, err, ErrWithdrawTooEarly)
	assert.Equal(t, boundary, clock.Current())

	// Same boundary succeeds once the venue recovers.
	venue.fail = false
	report, err := v.RollEpoch(boundary)
	require.NoError(t, err)
	assert.Equal(t, "1.000000000000000000", report.SharePrice.String())
	assert.Equal(t, "1000.000000000000000000", report.MintedShares.String())
}

func TestKillAndRescue(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 1000)
	require.NoError(t, f.vault.Deposit(f.start.Add(time.Hour), alice, usdc(1000)))
	f.roll(t)

	f.vault.Kill()
	report := f.roll(t)
	assert.True(t, report.Dead)
	assert.True(t, f.vault.Dead())

	// Dead vault rejects deposits and rolls.
	err := f.vault.Deposit(f.clock.Previous().Add(time.Hour), alice, usdc(10))
	assert.ErrorIs(t, err, ErrVaultDead)
	_, err = f.vault.RollEpoch(f.clock.Current())
	assert.ErrorIs(t, err, ErrVaultDead)

	// Side holdings were liquidated, value is rescuable pro rata.
	assert.True(t, f.side.BalanceOf("vault").IsZero())
	require.NoError(t, f.vault.RescueShares(alice))
	assert.Equal(t, usdc(1000).String(), f.base.BalanceOf(alice).String())
}
