package vault

import (
	"fmt"

	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// The entry points in this file are callable only by the registered options
// engine. Every one takes the caller account and checks it against the
// registration before touching state.

func (v *Vault) guardDVP(caller string) error {
	if v.dvp == "" {
		return ErrDVPNotSet
	}
	if caller != v.dvp {
		return fmt.Errorf("%w: caller %s", ErrOnlyDVPAllowed, caller)
	}
	return nil
}

// CollectPremium pulls a trade's premium from the payer into the vault.
// Premiums accrue to share holders through the notional.
func (v *Vault) CollectPremium(caller, payer string, amount wadmath.Dec) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.guardDVP(caller); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrAmountZero
	}
	raw, err := wadmath.WadToAmount(amount, v.base.Decimals())
	if err != nil {
		return err
	}
	return v.base.Transfer(payer, v.cfg.Account, raw)
}

// ReservePayoff earmarks base tokens for expired positions that have not been
// burned yet. Reservations settle into PendingPayoffs at the next roll.
func (v *Vault) ReservePayoff(caller string, amount wadmath.Dec) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.guardDVP(caller); err != nil {
		return err
	}
	if amount.IsNegative() {
		return ErrAmountZero
	}
	v.liq.NewPendingPayoffs = v.liq.NewPendingPayoffs.Add(amount)
	v.log.Debug().
		Str("amount", amount.String()).
		Str("newPendingPayoffs", v.liq.NewPendingPayoffs.String()).
		Msg("Payoff reserved")
	return nil
}

// ReleasePayoff returns a settled reservation slice nobody can claim, the
// fee of a settled burn, to the vault's free liquidity. The tokens already
// sit in the vault's balance; only the earmark is dropped.
func (v *Vault) ReleasePayoff(caller string, amount wadmath.Dec) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.guardDVP(caller); err != nil {
		return err
	}
	if amount.IsNegative() {
		return ErrAmountZero
	}
	if amount.GT(v.liq.PendingPayoffs) {
		return fmt.Errorf("%w: %s reserved, releasing %s",
			ErrExceedsAvailable, v.liq.PendingPayoffs, amount)
	}
	v.liq.PendingPayoffs = v.liq.PendingPayoffs.Sub(amount)
	return nil
}

// CancelReservation backs out a reservation made this epoch, used when the
// roll that prompted it fails before settling anything.
func (v *Vault) CancelReservation(caller string, amount wadmath.Dec) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.guardDVP(caller); err != nil {
		return err
	}
	if amount.IsNegative() {
		return ErrAmountZero
	}
	if amount.GT(v.liq.NewPendingPayoffs) {
		return fmt.Errorf("%w: %s reserved this epoch, cancelling %s",
			ErrExceedsAvailable, v.liq.NewPendingPayoffs, amount)
	}
	v.liq.NewPendingPayoffs = v.liq.NewPendingPayoffs.Sub(amount)
	return nil
}

// TransferPayoff pays a burned position. Past-epoch burns draw down the
// settled reservation; live burns pay straight from free liquidity.
func (v *Vault) TransferPayoff(caller, recipient string, amount wadmath.Dec, pastEpoch bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.guardDVP(caller); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return ErrAmountZero
	}

	if pastEpoch {
		if amount.GT(v.liq.PendingPayoffs) {
			return fmt.Errorf("%w: %s reserved, need %s",
				ErrExceedsAvailable, v.liq.PendingPayoffs, amount)
		}
	} else {
		free, err := v.freeBase()
		if err != nil {
			return err
		}
		if amount.GT(free) {
			return fmt.Errorf("%w: %s free, need %s", ErrExceedsAvailable, free, amount)
		}
	}

	raw, err := wadmath.WadToAmount(amount, v.base.Decimals())
	if err != nil {
		return err
	}
	if err := v.base.Transfer(v.cfg.Account, recipient, raw); err != nil {
		return err
	}
	if pastEpoch {
		v.liq.PendingPayoffs = v.liq.PendingPayoffs.Sub(amount)
	}
	v.log.Debug().
		Str("recipient", recipient).
		Str("amount", amount.String()).
		Bool("pastEpoch", pastEpoch).
		Msg("Payoff transferred")
	return nil
}

// DeltaHedge executes an incremental side-token trade after a mint or burn.
// sideDelta is the signed side-token amount (Wad): positive buys, negative
// sells.
func (v *Vault) DeltaHedge(caller string, sideDelta wadmath.Dec) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.guardDVP(caller); err != nil {
		return err
	}
	if v.dead {
		return ErrVaultDead
	}
	if sideDelta.IsZero() {
		return nil
	}

	price, err := v.spot()
	if err != nil {
		return err
	}

	if sideDelta.IsPositive() {
		cost, err := wadmath.Mul(sideDelta, price)
		if err != nil {
			return err
		}
		free, err := v.freeBase()
		if err != nil {
			return err
		}
		if cost.GT(free) {
			return fmt.Errorf("%w: hedge needs %s base, %s free", ErrCannotBuySideTokens, cost, free)
		}
		rawSpend, err := wadmath.WadToAmount(cost, v.base.Decimals())
		if err != nil {
			return err
		}
		if rawSpend.IsZero() {
			return nil
		}
		if _, err := v.swap(v.base.Symbol(), v.side.Symbol(), rawSpend); err != nil {
			return fmt.Errorf("%w: %v", ErrCannotBuySideTokens, err)
		}
		return nil
	}

	sell := sideDelta.Neg()
	sideWad, err := wadmath.AmountToWad(v.side.BalanceOf(v.cfg.Account), v.side.Decimals())
	if err != nil {
		return err
	}
	if sell.GT(sideWad) {
		return fmt.Errorf("%w: hedge sells %s side, hold %s", ErrCannotSellSideTokens, sell, sideWad)
	}
	rawSell, err := wadmath.WadToAmount(sell, v.side.Decimals())
	if err != nil {
		return err
	}
	if rawSell.IsZero() {
		return nil
	}
	if _, err := v.swap(v.side.Symbol(), v.base.Symbol(), rawSell); err != nil {
		return fmt.Errorf("%w: %v", ErrCannotSellSideTokens, err)
	}
	return nil
}
