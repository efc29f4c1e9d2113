package vault

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/ivol-labs/dvp-engine/internal/epoch"
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// Notional returns the vault's current value in base-token Wad terms: free
// base holdings plus side holdings at the oracle price, net of every pending
// obligation. This is the quantity epoch rolls conserve modulo realized
// trading.
func (v *Vault) Notional() (wadmath.Dec, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	price, err := v.spot()
	if err != nil {
		return wadmath.Zero(), err
	}
	return v.notionalAt(price)
}

// LockedLiquidity returns the liquidity locked at the last roll.
func (v *Vault) LockedLiquidity() wadmath.Dec {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.liq.LockedInitially
}

// Summary returns the dashboard view of the vault.
func (v *Vault) Summary() (Summary, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	price, err := v.spot()
	if err != nil {
		return Summary{}, err
	}
	notional, err := v.notionalAt(price)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Epoch:              v.clock.Current(),
		EpochFrequency:     v.clock.Frequency(),
		BaseSymbol:         v.base.Symbol(),
		SideSymbol:         v.side.Symbol(),
		Notional:           notional.String(),
		LockedLiquidity:    v.liq.LockedInitially.String(),
		PendingDeposits:    v.liq.PendingDeposits.String(),
		PendingWithdrawals: v.liq.PendingWithdrawals.String(),
		PendingPayoffs:     v.liq.PendingPayoffs.Add(v.liq.NewPendingPayoffs).String(),
		TotalDeposit:       v.liq.TotalDeposit.String(),
		ShareSupply:        v.shares.TotalSupply().String(),
		Paused:             v.paused,
		Dead:               v.dead,
	}, nil
}

// RollEpoch is the central epoch transition: settle payoff reservations,
// finalize the expiring epoch's share price, mint queued deposits, price
// queued withdrawals, lock the new liquidity, rebalance to equal weight and
// advance the clock. Any guard failure leaves all vault state untouched.
func (v *Vault) RollEpoch(now time.Time) (RollReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.dead {
		return RollReport{}, ErrVaultDead
	}
	if !v.clock.Expired(now) {
		return RollReport{}, fmt.Errorf("%w: boundary %s not reached",
			epoch.ErrEpochAlreadyStarted, v.clock.Current())
	}

	price, err := v.spot()
	if err != nil {
		return RollReport{}, err
	}

	// Stage every mutation on copies; commit only after all guards pass and
	// before the external swap, so a venue callback observes final ledgers.
	liq := v.liq
	wd := v.wd

	liq.PendingPayoffs = liq.PendingPayoffs.Add(liq.NewPendingPayoffs)
	liq.NewPendingPayoffs = wadmath.Zero()

	supply, err := wadmath.AmountToWad(v.shares.TotalSupply(), v.shares.Decimals())
	if err != nil {
		return RollReport{}, err
	}
	// Custody shares of already-priced withdrawals are excluded from the
	// denominator: their value sits in PendingWithdrawals and is already
	// subtracted from the notional. Pricing over the full supply would
	// dilute every active holder.
	outstanding := supply.Sub(wd.HeldShares)
	notionalBefore, err := v.notionalWith(liq, price)
	if err != nil {
		return RollReport{}, err
	}

	sharePrice := wadmath.One()
	if outstanding.IsPositive() {
		sharePrice, err = wadmath.Div(notionalBefore, outstanding)
		if err != nil {
			return RollReport{}, err
		}
		if !sharePrice.IsPositive() {
			return RollReport{}, fmt.Errorf("%w: notional %s, outstanding shares %s",
				ErrSharePriceZero, notionalBefore, outstanding)
		}
	}

	minted, err := wadmath.Div(liq.PendingDeposits, sharePrice)
	if err != nil {
		return RollReport{}, err
	}
	withdrawalAmount, err := wadmath.Mul(wd.NewHeldShares, sharePrice)
	if err != nil {
		return RollReport{}, err
	}
	liq.PendingWithdrawals = liq.PendingWithdrawals.Add(withdrawalAmount)
	wd.HeldShares = wd.HeldShares.Add(wd.NewHeldShares)
	wd.NewHeldShares = wadmath.Zero()
	liq.PendingDeposits = wadmath.Zero()

	lockedLiquidity, err := v.notionalWith(liq, price)
	if err != nil {
		return RollReport{}, err
	}
	if lockedLiquidity.IsNegative() {
		return RollReport{}, fmt.Errorf("%w: notional %s after pricing withdrawals",
			ErrLockedLiquidityNeg, lockedLiquidity)
	}
	liq.LockedInitially = lockedLiquidity

	rawMint := sdkmath.ZeroInt()
	if minted.IsPositive() {
		rawMint, err = wadmath.WadToAmount(minted, v.shares.Decimals())
		if err != nil {
			return RollReport{}, err
		}
	}

	// Every solvency guard runs before anything is committed: the trade is
	// planned from the staged ledgers and pre-quoted against the venue, so
	// a guard failure leaves the vault exactly as it was.
	var plan *swapPlan
	if v.killed {
		plan = v.planLiquidation()
	} else {
		plan, err = v.planRebalance(liq, lockedLiquidity, price)
		if err != nil {
			return RollReport{}, err
		}
	}
	if plan != nil {
		if _, err := v.venue.Quote(plan.tokenIn, plan.tokenOut, plan.amountIn); err != nil {
			return RollReport{}, fmt.Errorf("%w: %v", plan.failure, err)
		}
	}

	// Commit ledgers before touching the external venue; a swap failure
	// past this point restores them so a failed roll has no effect.
	expiring := v.clock.Current()
	prevLiq, prevWd := v.liq, v.wd
	v.sharePrices[expiring.Unix()] = sharePrice
	v.liq = liq
	v.wd = wd

	if plan != nil {
		if _, err := v.swap(plan.tokenIn, plan.tokenOut, plan.amountIn); err != nil {
			v.liq, v.wd = prevLiq, prevWd
			delete(v.sharePrices, expiring.Unix())
			return RollReport{}, fmt.Errorf("%w: %v", plan.failure, err)
		}
	}

	if rawMint.IsPositive() {
		if err := v.shares.Mint(v.cfg.Account, rawMint); err != nil {
			v.liq, v.wd = prevLiq, prevWd
			delete(v.sharePrices, expiring.Unix())
			return RollReport{}, err
		}
	}

	if err := v.clock.Advance(now); err != nil {
		return RollReport{}, err
	}
	if v.killed {
		v.dead = true
	}

	notionalAfter, err := v.notionalAt(price)
	if err != nil {
		return RollReport{}, err
	}
	report := RollReport{
		Epoch:              expiring,
		NextEpoch:          v.clock.Current(),
		SharePrice:         sharePrice,
		MintedShares:       minted,
		LockedLiquidity:    lockedLiquidity,
		PendingWithdrawals: v.liq.PendingWithdrawals,
		PendingPayoffs:     v.liq.PendingPayoffs,
		NotionalBefore:     notionalBefore,
		NotionalAfter:      notionalAfter,
		Dead:               v.dead,
	}

	v.log.Info().
		Time("epoch", expiring).
		Time("nextEpoch", v.clock.Current()).
		Str("sharePrice", sharePrice.String()).
		Str("mintedShares", minted.String()).
		Str("lockedLiquidity", lockedLiquidity.String()).
		Str("pendingWithdrawals", v.liq.PendingWithdrawals.String()).
		Str("pendingPayoffs", v.liq.PendingPayoffs.String()).
		Bool("dead", v.dead).
		Msg("Epoch rolled")
	return report, nil
}

// swapPlan is one venue trade a roll intends to execute. failure is the
// solvency sentinel any venue error is wrapped in.
type swapPlan struct {
	tokenIn  string
	tokenOut string
	amountIn sdkmath.Int
	failure  error
}

// planRebalance computes the trade toward the equal-weight target from the
// staged ledgers. The free base check and the side balance check happen
// here, before anything is committed; the venue is never asked for a trade
// the ledgers cannot cover.
func (v *Vault) planRebalance(liq Liquidity, lockedLiquidity, price wadmath.Dec) (*swapPlan, error) {
	_, targetSide, err := EqualWeightTarget(lockedLiquidity)
	if err != nil {
		return nil, err
	}
	sideWad, err := wadmath.AmountToWad(v.side.BalanceOf(v.cfg.Account), v.side.Decimals())
	if err != nil {
		return nil, err
	}
	currentSide, err := wadmath.Mul(sideWad, price)
	if err != nil {
		return nil, err
	}
	delta, err := RebalanceDelta(currentSide, targetSide, price)
	if err != nil {
		return nil, err
	}

	if delta.IsPositive() {
		spend := targetSide.Sub(currentSide)
		free, err := v.freeBaseWith(liq)
		if err != nil {
			return nil, err
		}
		if spend.GT(free) {
			return nil, fmt.Errorf("%w: need %s base, %s free", ErrCannotBuySideTokens, spend, free)
		}
		rawSpend, err := wadmath.WadToAmount(spend, v.base.Decimals())
		if err != nil {
			return nil, err
		}
		if rawSpend.IsZero() {
			return nil, nil
		}
		return &swapPlan{
			tokenIn:  v.base.Symbol(),
			tokenOut: v.side.Symbol(),
			amountIn: rawSpend,
			failure:  ErrCannotBuySideTokens,
		}, nil
	}

	if delta.IsNegative() {
		sell := delta.Neg()
		if sell.GT(sideWad) {
			return nil, fmt.Errorf("%w: need %s side, hold %s", ErrCannotSellSideTokens, sell, sideWad)
		}
		rawSell, err := wadmath.WadToAmount(sell, v.side.Decimals())
		if err != nil {
			return nil, err
		}
		if rawSell.IsZero() {
			return nil, nil
		}
		return &swapPlan{
			tokenIn:  v.side.Symbol(),
			tokenOut: v.base.Symbol(),
			amountIn: rawSell,
			failure:  ErrCannotSellSideTokens,
		}, nil
	}
	return nil, nil
}

// planLiquidation sells the entire side holding back to base so a dead
// vault's remaining value is all in one token for rescue.
func (v *Vault) planLiquidation() *swapPlan {
	raw := v.side.BalanceOf(v.cfg.Account)
	if raw.IsZero() {
		return nil
	}
	return &swapPlan{
		tokenIn:  v.side.Symbol(),
		tokenOut: v.base.Symbol(),
		amountIn: raw,
		failure:  ErrCannotSellSideTokens,
	}
}

// swap executes one venue trade under the reentrancy guard. Callers hold the
// mutex; all ledger mutations must be committed before calling.
func (v *Vault) swap(tokenIn, tokenOut string, amountIn sdkmath.Int) (sdkmath.Int, error) {
	if v.swapping {
		return sdkmath.ZeroInt(), ErrReentrantCall
	}
	v.swapping = true
	defer func() { v.swapping = false }()
	return v.venue.SwapIn(v.cfg.Account, tokenIn, tokenOut, amountIn)
}

func (v *Vault) spot() (wadmath.Dec, error) {
	return v.feed.GetPrice(v.side.Symbol(), v.base.Symbol())
}

func (v *Vault) notionalAt(price wadmath.Dec) (wadmath.Dec, error) {
	return v.notionalWith(v.liq, price)
}

func (v *Vault) notionalWith(liq Liquidity, price wadmath.Dec) (wadmath.Dec, error) {
	baseWad, err := wadmath.AmountToWad(v.base.BalanceOf(v.cfg.Account), v.base.Decimals())
	if err != nil {
		return wadmath.Zero(), err
	}
	sideWad, err := wadmath.AmountToWad(v.side.BalanceOf(v.cfg.Account), v.side.Decimals())
	if err != nil {
		return wadmath.Zero(), err
	}
	sideValue, err := wadmath.Mul(sideWad, price)
	if err != nil {
		return wadmath.Zero(), err
	}
	return baseWad.Add(sideValue).
		Sub(liq.PendingDeposits).
		Sub(liq.PendingWithdrawals).
		Sub(liq.PendingPayoffs).
		Sub(liq.NewPendingPayoffs), nil
}

func (v *Vault) freeBase() (wadmath.Dec, error) {
	return v.freeBaseWith(v.liq)
}

func (v *Vault) freeBaseWith(liq Liquidity) (wadmath.Dec, error) {
	baseWad, err := wadmath.AmountToWad(v.base.BalanceOf(v.cfg.Account), v.base.Decimals())
	if err != nil {
		return wadmath.Zero(), err
	}
	free := baseWad.
		Sub(liq.PendingDeposits).
		Sub(liq.PendingWithdrawals).
		Sub(liq.PendingPayoffs).
		Sub(liq.NewPendingPayoffs)
	if free.IsNegative() {
		free = wadmath.Zero()
	}
	return free, nil
}
