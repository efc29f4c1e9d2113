/*
Package vault implements the epoch-indexed vault: user deposits and
withdrawals, share minting at finalized per-epoch prices, the equal-weight
portfolio rebalance, and the payoff reservations the options engine settles
against. All amounts are tracked internally as 18-decimal Wads in base-token
terms; raw token amounts appear only at the ledger boundary.

Every exported mutating method is atomic under one mutex. Ledger state is
always updated before the external swap venue is called, and a reentrancy
guard rejects any callback into the vault while a swap is in flight.
*/
package vault

import (
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"

	"github.com/ivol-labs/dvp-engine/internal/epoch"
	"github.com/ivol-labs/dvp-engine/internal/exchange"
	"github.com/ivol-labs/dvp-engine/internal/logger"
	"github.com/ivol-labs/dvp-engine/internal/oracle"
	"github.com/ivol-labs/dvp-engine/internal/token"
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// Error definitions for zero-tolerance error handling.
var (
	ErrAmountZero                 = errors.New("amount is zero")
	ErrAmountBelowMinimum         = errors.New("amount is below the minimum deposit")
	ErrExceedsMaxDeposit          = errors.New("deposit exceeds the vault capacity")
	ErrExceedsAvailable           = errors.New("amount exceeds what is available")
	ErrVaultDead                  = errors.New("vault is dead")
	ErrVaultPaused                = errors.New("vault is paused")
	ErrExistingIncompleteWithdraw = errors.New("a withdrawal is already in progress")
	ErrWithdrawNotInitiated       = errors.New("no withdrawal was initiated")
	ErrWithdrawTooEarly           = errors.New("withdrawal epoch has not finished")
	ErrOnlyDVPAllowed             = errors.New("caller is not the registered options engine")
	ErrDVPNotSet                  = errors.New("options engine not registered")
	ErrReentrantCall              = errors.New("reentrant call during swap")

	// ErrInsufficientLiquidity is the solvency error family. The sub-reasons
	// below wrap it so errors.Is matches both the family and the specific
	// cause; they must never be conflated because they point at different
	// operational failures.
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	ErrSharePriceZero         = fmt.Errorf("%w: share price is zero with shares outstanding", ErrInsufficientLiquidity)
	ErrLockedLiquidityNeg     = fmt.Errorf("%w: pending obligations exceed vault notional", ErrInsufficientLiquidity)
	ErrCannotCoverWithdrawals = fmt.Errorf("%w: base holdings cannot cover pending withdrawals", ErrInsufficientLiquidity)
	ErrCannotBuySideTokens    = fmt.Errorf("%w: cannot buy side tokens for rebalance", ErrInsufficientLiquidity)
	ErrCannotSellSideTokens   = fmt.Errorf("%w: cannot sell side tokens for rebalance", ErrInsufficientLiquidity)
)

// Liquidity is the per-epoch base-token accounting, all Wad, all non-negative.
type Liquidity struct {
	LockedInitially    wadmath.Dec
	PendingDeposits    wadmath.Dec
	PendingWithdrawals wadmath.Dec
	PendingPayoffs     wadmath.Dec
	NewPendingPayoffs  wadmath.Dec
	TotalDeposit       wadmath.Dec
}

// Withdrawals tracks share custody: HeldShares are already priced by a past
// roll, NewHeldShares were requested this epoch and are not yet priced.
type Withdrawals struct {
	HeldShares    wadmath.Dec
	NewHeldShares wadmath.Dec
}

// DepositReceipt accumulates one user's deposits. Amount is the still-pending
// part from the receipt's epoch; older epochs' deposits are folded into
// UnredeemedShares at their finalized price.
type DepositReceipt struct {
	Epoch            time.Time
	Amount           wadmath.Dec
	UnredeemedShares wadmath.Dec
	CumulativeAmount wadmath.Dec
}

// WithdrawalRequest is a user's single outstanding withdrawal.
type WithdrawalRequest struct {
	Epoch  time.Time
	Shares wadmath.Dec
}

// RollReport summarizes one epoch roll for persistence and metrics.
type RollReport struct {
	Epoch              time.Time
	NextEpoch          time.Time
	SharePrice         wadmath.Dec
	MintedShares       wadmath.Dec
	LockedLiquidity    wadmath.Dec
	PendingWithdrawals wadmath.Dec
	PendingPayoffs     wadmath.Dec
	NotionalBefore     wadmath.Dec
	NotionalAfter      wadmath.Dec
	Dead               bool
}

// Summary is the read-only view served by the dashboard.
type Summary struct {
	Epoch              time.Time     `json:"epoch"`
	EpochFrequency     time.Duration `json:"epochFrequency"`
	BaseSymbol         string        `json:"baseSymbol"`
	SideSymbol         string        `json:"sideSymbol"`
	Notional           string        `json:"notional"`
	LockedLiquidity    string        `json:"lockedLiquidity"`
	PendingDeposits    string        `json:"pendingDeposits"`
	PendingWithdrawals string        `json:"pendingWithdrawals"`
	PendingPayoffs     string        `json:"pendingPayoffs"`
	TotalDeposit       string        `json:"totalDeposit"`
	ShareSupply        string        `json:"shareSupply"`
	Paused             bool          `json:"paused"`
	Dead               bool          `json:"dead"`
}

// Config carries the vault's static knobs.
type Config struct {
	// Account is the vault's own ledger account name.
	Account string

	// MinDeposit and MaxDeposit bound deposits in base-token Wad terms.
	// MaxDeposit caps TotalDeposit, not individual transfers.
	MinDeposit wadmath.Dec
	MaxDeposit wadmath.Dec
}

// Vault is the vault engine. Construct with New, register the options engine
// with SetOptionsEngine before trading.
type Vault struct {
	mu  sync.Mutex
	log zerolog.Logger

	clock *epoch.Clock
	feed  oracle.PriceFeed
	venue exchange.Exchange

	base   token.Ledger
	side   token.Ledger
	shares *token.MemLedger

	cfg Config
	dvp string

	liq Liquidity
	wd  Withdrawals

	receipts    map[string]*DepositReceipt
	requests    map[string]*WithdrawalRequest
	sharePrices map[int64]wadmath.Dec

	paused   bool
	killed   bool
	dead     bool
	swapping bool
}

// New creates a vault over the given clock, market data feed, swap venue and
// token ledgers. The share ledger must be dedicated to this vault.
func New(clock *epoch.Clock, feed oracle.PriceFeed, venue exchange.Exchange,
	base, side token.Ledger, shares *token.MemLedger, cfg Config) *Vault {
	if cfg.Account == "" {
		cfg.Account = "vault"
	}
	return &Vault{
		log:         logger.GetForComponent("vault"),
		clock:       clock,
		feed:        feed,
		venue:       venue,
		base:        base,
		side:        side,
		shares:      shares,
		cfg:         cfg,
		liq:         zeroLiquidity(),
		wd:          Withdrawals{HeldShares: wadmath.Zero(), NewHeldShares: wadmath.Zero()},
		receipts:    make(map[string]*DepositReceipt),
		requests:    make(map[string]*WithdrawalRequest),
		sharePrices: make(map[int64]wadmath.Dec),
	}
}

func zeroLiquidity() Liquidity {
	return Liquidity{
		LockedInitially:    wadmath.Zero(),
		PendingDeposits:    wadmath.Zero(),
		PendingWithdrawals: wadmath.Zero(),
		PendingPayoffs:     wadmath.Zero(),
		NewPendingPayoffs:  wadmath.Zero(),
		TotalDeposit:       wadmath.Zero(),
	}
}

// SetOptionsEngine registers the account allowed to call the payoff and
// hedging entry points. Set once at wiring time.
func (v *Vault) SetOptionsEngine(account string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dvp = account
}

// Account returns the vault's ledger account name.
func (v *Vault) Account() string { return v.cfg.Account }

// Pause blocks deposits and withdrawals until Resume.
func (v *Vault) Pause() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.paused = true
}

// Resume lifts a pause.
func (v *Vault) Resume() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.paused = false
}

// Kill schedules the terminal transition: the next roll liquidates the side
// holdings and marks the vault dead. Irreversible.
func (v *Vault) Kill() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.killed = true
	v.log.Warn().Msg("Vault kill requested, takes effect on next roll")
}

// Dead reports whether the terminal state has been reached.
func (v *Vault) Dead() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dead
}

// SharePrice returns the finalized price-per-share recorded for an epoch
// boundary, or ErrWithdrawTooEarly if that epoch has not rolled yet.
func (v *Vault) SharePrice(boundary time.Time) (wadmath.Dec, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	price, ok := v.sharePrices[boundary.Unix()]
	if !ok {
		return wadmath.Zero(), fmt.Errorf("%w: epoch %s", ErrWithdrawTooEarly, boundary)
	}
	return price, nil
}

// Deposit transfers a raw base-token amount from the receiver into the vault
// and queues it for share minting at the next roll.
func (v *Vault) Deposit(now time.Time, receiver string, rawAmount sdkmath.Int) error {
	amount, err := wadmath.AmountToWad(rawAmount, v.base.Decimals())
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.guardOpen(now); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrAmountZero
	}
	if !v.cfg.MinDeposit.IsNil() && amount.LT(v.cfg.MinDeposit) {
		return fmt.Errorf("%w: %s < %s", ErrAmountBelowMinimum, amount, v.cfg.MinDeposit)
	}
	if !v.cfg.MaxDeposit.IsNil() && v.cfg.MaxDeposit.IsPositive() {
		if v.liq.TotalDeposit.Add(amount).GT(v.cfg.MaxDeposit) {
			return fmt.Errorf("%w: total %s + %s > cap %s",
				ErrExceedsMaxDeposit, v.liq.TotalDeposit, amount, v.cfg.MaxDeposit)
		}
	}

	if err := v.foldReceipt(receiver); err != nil {
		return err
	}
	if err := v.base.Transfer(receiver, v.cfg.Account, rawAmount); err != nil {
		return err
	}

	r := v.receiptFor(receiver)
	r.Epoch = v.clock.Current()
	r.Amount = r.Amount.Add(amount)
	r.CumulativeAmount = r.CumulativeAmount.Add(amount)

	v.liq.PendingDeposits = v.liq.PendingDeposits.Add(amount)
	v.liq.TotalDeposit = v.liq.TotalDeposit.Add(amount)

	v.log.Debug().
		Str("receiver", receiver).
		Str("amount", amount.String()).
		Time("epoch", v.clock.Current()).
		Msg("Deposit queued")
	return nil
}

// Redeem moves shares from the user's unredeemed entitlement into their own
// share-token balance.
func (v *Vault) Redeem(user string, sharesWad wadmath.Dec) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !sharesWad.IsPositive() {
		return ErrAmountZero
	}
	if err := v.foldReceipt(user); err != nil {
		return err
	}
	r := v.receiptFor(user)
	if sharesWad.GT(r.UnredeemedShares) {
		return fmt.Errorf("%w: %s unredeemed, requested %s",
			ErrExceedsAvailable, r.UnredeemedShares, sharesWad)
	}

	raw, err := wadmath.WadToAmount(sharesWad, v.shares.Decimals())
	if err != nil {
		return err
	}
	if err := v.shares.Transfer(v.cfg.Account, user, raw); err != nil {
		return err
	}
	r.UnredeemedShares = r.UnredeemedShares.Sub(sharesWad)
	return nil
}

// InitiateWithdraw moves shares into vault custody and queues them for
// pricing at the next roll. At most one withdrawal may be outstanding per
// user.
func (v *Vault) InitiateWithdraw(now time.Time, user string, sharesWad wadmath.Dec) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.guardOpen(now); err != nil {
		return err
	}
	if !sharesWad.IsPositive() {
		return ErrAmountZero
	}
	if _, exists := v.requests[user]; exists {
		return ErrExistingIncompleteWithdraw
	}
	if err := v.foldReceipt(user); err != nil {
		return err
	}

	r := v.receiptFor(user)
	balance, err := wadmath.AmountToWad(v.shares.BalanceOf(user), v.shares.Decimals())
	if err != nil {
		return err
	}
	available := r.UnredeemedShares.Add(balance)
	if sharesWad.GT(available) {
		return fmt.Errorf("%w: %s shares available, requested %s",
			ErrExceedsAvailable, available, sharesWad)
	}

	// Unredeemed entitlement is consumed first; the remainder comes out of
	// the user's own share balance.
	fromUnredeemed := sharesWad
	if fromUnredeemed.GT(r.UnredeemedShares) {
		fromUnredeemed = r.UnredeemedShares
	}
	fromBalance := sharesWad.Sub(fromUnredeemed)
	if fromBalance.IsPositive() {
		raw, err := wadmath.WadToAmount(fromBalance, v.shares.Decimals())
		if err != nil {
			return err
		}
		if err := v.shares.Transfer(user, v.cfg.Account, raw); err != nil {
			return err
		}
	}
	r.UnredeemedShares = r.UnredeemedShares.Sub(fromUnredeemed)

	// The user's contribution to TotalDeposit shrinks proportionally.
	if r.CumulativeAmount.IsPositive() && available.IsPositive() {
		scaled, err := wadmath.Mul(r.CumulativeAmount, sharesWad)
		if err != nil {
			return err
		}
		reduction, err := wadmath.Div(scaled, available)
		if err != nil {
			return err
		}
		if reduction.GT(r.CumulativeAmount) {
			reduction = r.CumulativeAmount
		}
		r.CumulativeAmount = r.CumulativeAmount.Sub(reduction)
		v.liq.TotalDeposit = v.liq.TotalDeposit.Sub(reduction)
		if v.liq.TotalDeposit.IsNegative() {
			v.liq.TotalDeposit = wadmath.Zero()
		}
	}

	v.wd.NewHeldShares = v.wd.NewHeldShares.Add(sharesWad)
	v.requests[user] = &WithdrawalRequest{Epoch: v.clock.Current(), Shares: sharesWad}

	v.log.Debug().
		Str("user", user).
		Str("shares", sharesWad.String()).
		Time("epoch", v.clock.Current()).
		Msg("Withdrawal initiated")
	return nil
}

// CompleteWithdraw pays out a withdrawal whose epoch has rolled, at that
// epoch's finalized share price.
func (v *Vault) CompleteWithdraw(user string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	req, ok := v.requests[user]
	if !ok {
		return ErrWithdrawNotInitiated
	}
	price, ok := v.sharePrices[req.Epoch.Unix()]
	if !ok {
		return fmt.Errorf("%w: epoch %s still open", ErrWithdrawTooEarly, req.Epoch)
	}

	amount, err := wadmath.Mul(req.Shares, price)
	if err != nil {
		return err
	}
	if amount.GT(v.liq.PendingWithdrawals) {
		return fmt.Errorf("%w: %s reserved for withdrawals, need %s",
			ErrExceedsAvailable, v.liq.PendingWithdrawals, amount)
	}

	rawShares, err := wadmath.WadToAmount(req.Shares, v.shares.Decimals())
	if err != nil {
		return err
	}
	rawAmount, err := wadmath.WadToAmount(amount, v.base.Decimals())
	if err != nil {
		return err
	}
	if err := v.shares.Burn(v.cfg.Account, rawShares); err != nil {
		return err
	}
	if err := v.base.Transfer(v.cfg.Account, user, rawAmount); err != nil {
		return err
	}

	v.liq.PendingWithdrawals = v.liq.PendingWithdrawals.Sub(amount)
	v.wd.HeldShares = v.wd.HeldShares.Sub(req.Shares)
	if v.wd.HeldShares.IsNegative() {
		v.wd.HeldShares = wadmath.Zero()
	}
	delete(v.requests, user)

	v.log.Debug().
		Str("user", user).
		Str("amount", amount.String()).
		Str("sharePrice", price.String()).
		Msg("Withdrawal completed")
	return nil
}

// RescueShares is the only exit left once the vault is dead: the user's
// shares, redeemed or not, are burned against a pro-rata slice of the
// remaining free base holdings.
func (v *Vault) RescueShares(user string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.dead {
		return errors.New("vault is not dead, use the withdrawal flow")
	}
	balance, err := wadmath.AmountToWad(v.shares.BalanceOf(user), v.shares.Decimals())
	if err != nil {
		return err
	}
	if err := v.foldReceipt(user); err != nil {
		return err
	}
	r := v.receiptFor(user)
	sharesWad := balance.Add(r.UnredeemedShares)
	if !sharesWad.IsPositive() {
		return ErrAmountZero
	}

	supply, err := wadmath.AmountToWad(v.shares.TotalSupply(), v.shares.Decimals())
	if err != nil {
		return err
	}
	baseWad, err := wadmath.AmountToWad(v.base.BalanceOf(v.cfg.Account), v.base.Decimals())
	if err != nil {
		return err
	}
	free := baseWad.Sub(v.liq.PendingWithdrawals).Sub(v.liq.PendingPayoffs)
	if free.IsNegative() {
		free = wadmath.Zero()
	}
	slice, err := wadmath.Mul(free, sharesWad)
	if err != nil {
		return err
	}
	payout, err := wadmath.Div(slice, supply)
	if err != nil {
		return err
	}

	rawOwn, err := wadmath.WadToAmount(balance, v.shares.Decimals())
	if err != nil {
		return err
	}
	rawHeld, err := wadmath.WadToAmount(r.UnredeemedShares, v.shares.Decimals())
	if err != nil {
		return err
	}
	rawPayout, err := wadmath.WadToAmount(payout, v.base.Decimals())
	if err != nil {
		return err
	}
	if rawOwn.IsPositive() {
		if err := v.shares.Burn(user, rawOwn); err != nil {
			return err
		}
	}
	if rawHeld.IsPositive() {
		if err := v.shares.Burn(v.cfg.Account, rawHeld); err != nil {
			return err
		}
	}
	r.UnredeemedShares = wadmath.Zero()
	if err := v.base.Transfer(v.cfg.Account, user, rawPayout); err != nil {
		return err
	}

	v.log.Info().
		Str("user", user).
		Str("shares", sharesWad.String()).
		Str("payout", payout.String()).
		Msg("Shares rescued from dead vault")
	return nil
}

func (v *Vault) guardOpen(now time.Time) error {
	if v.dead {
		return ErrVaultDead
	}
	if v.paused {
		return ErrVaultPaused
	}
	if v.clock.Expired(now) {
		return fmt.Errorf("%w: boundary %s passed, roll pending", epoch.ErrEpochFinished, v.clock.Current())
	}
	return nil
}

// foldReceipt converts a receipt's pending amount from a finished epoch into
// unredeemed shares at that epoch's finalized price. Callers hold the mutex.
func (v *Vault) foldReceipt(user string) error {
	r, ok := v.receipts[user]
	if !ok {
		return nil
	}
	if !r.Amount.IsPositive() || !r.Epoch.Before(v.clock.Current()) {
		return nil
	}
	price, ok := v.sharePrices[r.Epoch.Unix()]
	if !ok {
		return fmt.Errorf("no share price recorded for epoch %s", r.Epoch)
	}
	minted, err := wadmath.Div(r.Amount, price)
	if err != nil {
		return err
	}
	r.UnredeemedShares = r.UnredeemedShares.Add(minted)
	r.Amount = wadmath.Zero()
	return nil
}

func (v *Vault) receiptFor(user string) *DepositReceipt {
	if r, ok := v.receipts[user]; ok {
		return r
	}
	r := &DepositReceipt{
		Epoch:            v.clock.Current(),
		Amount:           wadmath.Zero(),
		UnredeemedShares: wadmath.Zero(),
		CumulativeAmount: wadmath.Zero(),
	}
	v.receipts[user] = r
	return r
}
