// Package exchange defines the swap venue the vault rebalances through.
// The engine treats it as an external oracle-style collaborator: quote,
// swap-exact-in, swap-exact-out. Any venue failure during a rebalance is
// surfaced by the vault as an insolvency condition, never retried silently.
package exchange

import (
	"errors"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/ivol-labs/dvp-engine/internal/oracle"
	"github.com/ivol-labs/dvp-engine/internal/token"
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// Error definitions for zero-tolerance error handling.
var (
	ErrInsufficientInput = errors.New("insufficient input for swap")
	ErrSlippageExceeded  = errors.New("swap exceeds input limit")
	ErrUnknownToken      = errors.New("exchange does not list token")
)

// Exchange is the swap venue interface.
type Exchange interface {
	// Quote returns the output amount a swap of amountIn would produce.
	Quote(tokenIn, tokenOut string, amountIn sdkmath.Int) (sdkmath.Int, error)

	// SwapIn swaps exactly amountIn of tokenIn held by account into
	// tokenOut, returning the amount received.
	SwapIn(account, tokenIn, tokenOut string, amountIn sdkmath.Int) (sdkmath.Int, error)

	// SwapOut acquires exactly amountOut of tokenOut for account, spending
	// at most maxAmountIn of tokenIn, returning the amount spent.
	SwapOut(account, tokenIn, tokenOut string, amountOut, maxAmountIn sdkmath.Int) (sdkmath.Int, error)
}

// Simulated is an infinite-liquidity venue that fills every order at the
// oracle price minus a configurable spread. It backs simulation mode and
// tests; a production deployment plugs a real adapter into the same
// interface.
type Simulated struct {
	mu      sync.Mutex
	feed    oracle.PriceFeed
	ledgers map[string]*token.MemLedger
	spread  wadmath.Dec
}

// NewSimulated creates a venue over the given ledgers. spread is the
// proportional execution cost (e.g. 0.001 for 10 bps); zero disables it.
func NewSimulated(feed oracle.PriceFeed, spread wadmath.Dec, ledgers ...*token.MemLedger) *Simulated {
	bySymbol := make(map[string]*token.MemLedger, len(ledgers))
	for _, l := range ledgers {
		bySymbol[l.Symbol()] = l
	}
	return &Simulated{feed: feed, ledgers: bySymbol, spread: spread}
}

// Quote implements Exchange.
func (s *Simulated) Quote(tokenIn, tokenOut string, amountIn sdkmath.Int) (sdkmath.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convertOut(tokenIn, tokenOut, amountIn)
}

// SwapIn implements Exchange.
func (s *Simulated) SwapIn(account, tokenIn, tokenOut string, amountIn sdkmath.Int) (sdkmath.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, out, err := s.pair(tokenIn, tokenOut)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if in.BalanceOf(account).LT(amountIn) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: account %s holds %s %s",
			ErrInsufficientInput, account, in.BalanceOf(account), tokenIn)
	}
	amountOut, err := s.convertOut(tokenIn, tokenOut, amountIn)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if err := in.Burn(account, amountIn); err != nil {
		return sdkmath.ZeroInt(), err
	}
	if err := out.Mint(account, amountOut); err != nil {
		return sdkmath.ZeroInt(), err
	}
	return amountOut, nil
}

// SwapOut implements Exchange.
func (s *Simulated) SwapOut(account, tokenIn, tokenOut string, amountOut, maxAmountIn sdkmath.Int) (sdkmath.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, out, err := s.pair(tokenIn, tokenOut)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	amountIn, err := s.convertIn(tokenIn, tokenOut, amountOut)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if amountIn.GT(maxAmountIn) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: need %s %s, limit %s",
			ErrSlippageExceeded, amountIn, tokenIn, maxAmountIn)
	}
	if in.BalanceOf(account).LT(amountIn) {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: account %s holds %s %s",
			ErrInsufficientInput, account, in.BalanceOf(account), tokenIn)
	}
	if err := in.Burn(account, amountIn); err != nil {
		return sdkmath.ZeroInt(), err
	}
	if err := out.Mint(account, amountOut); err != nil {
		return sdkmath.ZeroInt(), err
	}
	return amountIn, nil
}

func (s *Simulated) pair(tokenIn, tokenOut string) (*token.MemLedger, *token.MemLedger, error) {
	in, ok := s.ledgers[tokenIn]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownToken, tokenIn)
	}
	out, ok := s.ledgers[tokenOut]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownToken, tokenOut)
	}
	return in, out, nil
}

// convertOut computes amountOut = amountIn * price * (1 - spread), truncated.
func (s *Simulated) convertOut(tokenIn, tokenOut string, amountIn sdkmath.Int) (sdkmath.Int, error) {
	in, out, err := s.pair(tokenIn, tokenOut)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	price, err := s.feed.GetPrice(tokenIn, tokenOut)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	inWad, err := wadmath.AmountToWad(amountIn, in.Decimals())
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	gross, err := wadmath.Mul(inWad, price)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	net, err := wadmath.Mul(gross, wadmath.One().Sub(s.spread))
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return wadmath.WadToAmount(net, out.Decimals())
}

// convertIn computes the input needed for an exact output, biased upward so
// the venue never undercollects.
func (s *Simulated) convertIn(tokenIn, tokenOut string, amountOut sdkmath.Int) (sdkmath.Int, error) {
	in, out, err := s.pair(tokenIn, tokenOut)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	price, err := s.feed.GetPrice(tokenIn, tokenOut)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	outWad, err := wadmath.AmountToWad(amountOut, out.Decimals())
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	effPrice, err := wadmath.Mul(price, wadmath.One().Sub(s.spread))
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	inWad, err := wadmath.Div(outWad, effPrice)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	amountIn, err := wadmath.WadToAmount(inWad, in.Decimals())
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	// Truncation may leave the input one raw unit short of the exact output.
	check, err := s.convertOutAt(amountIn, in.Decimals(), out.Decimals(), effPrice)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	if check.LT(amountOut) {
		amountIn = amountIn.Add(sdkmath.OneInt())
	}
	return amountIn, nil
}

func (s *Simulated) convertOutAt(amountIn sdkmath.Int, decIn, decOut uint8, effPrice wadmath.Dec) (sdkmath.Int, error) {
	inWad, err := wadmath.AmountToWad(amountIn, decIn)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	outWad, err := wadmath.Mul(inWad, effPrice)
	if err != nil {
		return sdkmath.ZeroInt(), err
	}
	return wadmath.WadToAmount(outWad, decOut)
}
