package exchange

import (
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/ivol-labs/dvp-engine/internal/oracle"
	"github.com/ivol-labs/dvp-engine/internal/token"
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVenue(t *testing.T, spread string) (*Simulated, *token.MemLedger, *token.MemLedger) {
	t.Helper()
	base := token.NewMemLedger("USDC", 6)
	side := token.NewMemLedger("WETH", 18)

	feed := oracle.NewStatic(0)
	require.NoError(t, feed.SetPrice("WETH", "USDC", wadmath.New(2000)))

	sp, err := wadmath.NewFromStr(spread)
	require.NoError(t, err)
	return NewSimulated(feed, sp, base, side), base, side
}

func TestQuoteCrossesDecimals(t *testing.T) {
	venue, _, _ := newVenue(t, "0")

	// 1 WETH (18 decimals) at 2000 -> 2000 USDC (6 decimals).
	oneWeth, ok := sdkmath.NewIntFromString("1000000000000000000")
	require.True(t, ok)
	out, err := venue.Quote("WETH", "USDC", oneWeth)
	require.NoError(t, err)
	assert.Equal(t, int64(2000_000000), out.Int64())
}

func TestSwapInMovesBalances(t *testing.T) {
	venue, base, side := newVenue(t, "0")
	require.NoError(t, base.Mint("vault", sdkmath.NewInt(4000_000000)))

	spentTo, err := venue.SwapIn("vault", "USDC", "WETH", sdkmath.NewInt(2000_000000))
	require.NoError(t, err)

	oneWeth, _ := sdkmath.NewIntFromString("1000000000000000000")
	assert.True(t, spentTo.Equal(oneWeth), "got %s", spentTo)
	assert.Equal(t, int64(2000_000000), base.BalanceOf("vault").Int64())
	assert.True(t, side.BalanceOf("vault").Equal(oneWeth))
}

func TestSwapInInsufficientInput(t *testing.T) {
	venue, base, _ := newVenue(t, "0")
	require.NoError(t, base.Mint("vault", sdkmath.NewInt(10)))

	_, err := venue.SwapIn("vault", "USDC", "WETH", sdkmath.NewInt(11))
	assert.ErrorIs(t, err, ErrInsufficientInput)
}

func TestSwapOutRespectsLimit(t *testing.T) {
	venue, base, side := newVenue(t, "0")
	require.NoError(t, base.Mint("vault", sdkmath.NewInt(4000_000000)))

	oneWeth, _ := sdkmath.NewIntFromString("1000000000000000000")

	// Limit below the required input must fail without touching balances.
	_, err := venue.SwapOut("vault", "USDC", "WETH", oneWeth, sdkmath.NewInt(1999_000000))
	assert.ErrorIs(t, err, ErrSlippageExceeded)
	assert.Equal(t, int64(4000_000000), base.BalanceOf("vault").Int64())

	spent, err := venue.SwapOut("vault", "USDC", "WETH", oneWeth, sdkmath.NewInt(2000_000000))
	require.NoError(t, err)
	assert.Equal(t, int64(2000_000000), spent.Int64())
	assert.True(t, side.BalanceOf("vault").Equal(oneWeth))
}

func TestSpreadReducesOutput(t *testing.T) {
	venue, _, _ := newVenue(t, "0.001") // 10 bps

	oneWeth, _ := sdkmath.NewIntFromString("1000000000000000000")
	out, err := venue.Quote("WETH", "USDC", oneWeth)
	require.NoError(t, err)
	assert.Equal(t, int64(1998_000000), out.Int64())
}
