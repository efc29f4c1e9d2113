// Package oracle defines the read-only market data feed the engine consumes.
// Prices are side-token prices quoted in base-token units, 18-decimal fixed
// point. A feed whose data is older than its max-delay bound must fail with
// ErrStaleOracleValue; the triggering trade or roll fails hard with it.
package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// Error definitions for zero-tolerance error handling.
var (
	ErrStaleOracleValue = errors.New("oracle value is stale")
	ErrPriceZero        = errors.New("oracle price is zero")
	ErrUnknownPair      = errors.New("oracle has no data for pair")
)

// PriceFeed is the engine's view of the market data oracle.
type PriceFeed interface {
	// GetPrice returns the tokenIn price denominated in tokenOut, as a Wad.
	GetPrice(tokenIn, tokenOut string) (wadmath.Dec, error)

	// GetImpliedVolatility returns the annualized reference volatility for
	// the pair over the given time window.
	GetImpliedVolatility(tokenIn, tokenOut string, window time.Duration) (wadmath.Dec, error)

	// GetRiskFreeRate returns the annualized risk-free rate for the
	// denomination token.
	GetRiskFreeRate(token string) (wadmath.Dec, error)
}

type quote struct {
	price     wadmath.Dec
	updatedAt time.Time
}

// Static is a PriceFeed fed by explicit SetPrice calls. It backs simulation
// mode and tests, and enforces the same staleness bound a live feed would.
type Static struct {
	mu         sync.Mutex
	quotes     map[string]quote
	volatility wadmath.Dec
	riskFree   wadmath.Dec
	maxDelay   time.Duration
	now        func() time.Time
}

// NewStatic creates a static feed. maxDelay <= 0 disables staleness checks.
func NewStatic(maxDelay time.Duration) *Static {
	return &Static{
		quotes:     make(map[string]quote),
		volatility: wadmath.Zero(),
		riskFree:   wadmath.Zero(),
		maxDelay:   maxDelay,
		now:        time.Now,
	}
}

// SetNowFunc overrides the clock used for staleness checks.
func (s *Static) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetPrice records a fresh price for tokenIn quoted in tokenOut, and its
// reciprocal for the inverse pair.
func (s *Static) SetPrice(tokenIn, tokenOut string, price wadmath.Dec) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s/%s", ErrPriceZero, tokenIn, tokenOut)
	}
	inverse, err := wadmath.Div(wadmath.One(), price)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now()
	s.quotes[pairKey(tokenIn, tokenOut)] = quote{price: price, updatedAt: at}
	s.quotes[pairKey(tokenOut, tokenIn)] = quote{price: inverse, updatedAt: at}
	return nil
}

// SetImpliedVolatility sets the reference volatility returned for all pairs.
func (s *Static) SetImpliedVolatility(sigma wadmath.Dec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volatility = sigma
}

// SetRiskFreeRate sets the rate returned for all tokens.
func (s *Static) SetRiskFreeRate(rate wadmath.Dec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riskFree = rate
}

// GetPrice implements PriceFeed.
func (s *Static) GetPrice(tokenIn, tokenOut string) (wadmath.Dec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[pairKey(tokenIn, tokenOut)]
	if !ok {
		return wadmath.Zero(), fmt.Errorf("%w: %s/%s", ErrUnknownPair, tokenIn, tokenOut)
	}
	if s.maxDelay > 0 {
		age := s.now().Sub(q.updatedAt)
		if age > s.maxDelay {
			return wadmath.Zero(), fmt.Errorf("%w: %s/%s is %s old (max %s)",
				ErrStaleOracleValue, tokenIn, tokenOut, age, s.maxDelay)
		}
	}
	if q.price.IsZero() {
		return wadmath.Zero(), fmt.Errorf("%w: %s/%s", ErrPriceZero, tokenIn, tokenOut)
	}
	return q.price, nil
}

// GetImpliedVolatility implements PriceFeed.
func (s *Static) GetImpliedVolatility(tokenIn, tokenOut string, window time.Duration) (wadmath.Dec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volatility, nil
}

// GetRiskFreeRate implements PriceFeed.
func (s *Static) GetRiskFreeRate(token string) (wadmath.Dec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.riskFree, nil
}

func pairKey(in, out string) string { return in + "/" + out }
