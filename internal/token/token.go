// Package token models the ERC-20-like ledgers the vault custodies. The
// engine only ever sees the Ledger interface; the in-memory implementation
// backs simulation mode and tests.
package token

import (
	"errors"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
)

// Error definitions for zero-tolerance error handling.
var (
	ErrInsufficientBalance = errors.New("insufficient token balance")
	ErrAmountNegative      = errors.New("amount is negative")
	ErrAmountNil           = errors.New("amount is nil")
)

// Ledger is the engine's view of a token: balances, decimals, transfers.
// Decimals may differ per token (6 for a typical stable base token, 18 for
// a typical side token); all engine math normalizes to 18 decimals and only
// denormalizes at the transfer boundary.
type Ledger interface {
	Symbol() string
	Decimals() uint8
	BalanceOf(account string) sdkmath.Int
	Transfer(from, to string, amount sdkmath.Int) error
}

// MemLedger is an in-memory Ledger with mint/burn hooks. The vault also uses
// one as its share token.
type MemLedger struct {
	mu       sync.Mutex
	symbol   string
	decimals uint8
	balances map[string]sdkmath.Int
}

// NewMemLedger creates an empty ledger for the given symbol and decimals.
func NewMemLedger(symbol string, decimals uint8) *MemLedger {
	return &MemLedger{
		symbol:   symbol,
		decimals: decimals,
		balances: make(map[string]sdkmath.Int),
	}
}

func (l *MemLedger) Symbol() string  { return l.symbol }
func (l *MemLedger) Decimals() uint8 { return l.decimals }

// BalanceOf returns the balance of an account, zero if unknown.
func (l *MemLedger) BalanceOf(account string) sdkmath.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bal, ok := l.balances[account]; ok {
		return bal
	}
	return sdkmath.ZeroInt()
}

// Transfer moves amount from one account to another.
func (l *MemLedger) Transfer(from, to string, amount sdkmath.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fromBal, ok := l.balances[from]
	if !ok || fromBal.LT(amount) {
		return fmt.Errorf("%w: %s has %s %s, need %s",
			ErrInsufficientBalance, from, balanceOrZero(fromBal, ok), l.symbol, amount)
	}
	l.balances[from] = fromBal.Sub(amount)
	l.credit(to, amount)
	return nil
}

// Mint credits freshly created tokens to an account.
func (l *MemLedger) Mint(account string, amount sdkmath.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(account, amount)
	return nil
}

// Burn destroys tokens held by an account.
func (l *MemLedger) Burn(account string, amount sdkmath.Int) error {
	if err := validateAmount(amount); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.balances[account]
	if !ok || bal.LT(amount) {
		return fmt.Errorf("%w: %s has %s %s, cannot burn %s",
			ErrInsufficientBalance, account, balanceOrZero(bal, ok), l.symbol, amount)
	}
	l.balances[account] = bal.Sub(amount)
	return nil
}

// TotalSupply returns the sum of all balances.
func (l *MemLedger) TotalSupply() sdkmath.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := sdkmath.ZeroInt()
	for _, bal := range l.balances {
		total = total.Add(bal)
	}
	return total
}

func (l *MemLedger) credit(account string, amount sdkmath.Int) {
	if bal, ok := l.balances[account]; ok {
		l.balances[account] = bal.Add(amount)
		return
	}
	l.balances[account] = amount
}

func validateAmount(amount sdkmath.Int) error {
	if amount.IsNil() {
		return ErrAmountNil
	}
	if amount.IsNegative() {
		return ErrAmountNegative
	}
	return nil
}

func balanceOrZero(bal sdkmath.Int, ok bool) sdkmath.Int {
	if !ok {
		return sdkmath.ZeroInt()
	}
	return bal
}
