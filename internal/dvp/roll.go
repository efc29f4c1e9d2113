package dvp

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ivol-labs/dvp-engine/internal/epoch"
	"github.com/ivol-labs/dvp-engine/internal/pricing"
	"github.com/ivol-labs/dvp-engine/internal/vault"
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// RollResult summarizes one full protocol roll.
type RollResult struct {
	Trace          string
	ResidualPayoff wadmath.Dec
	Vault          vault.RollReport
}

// RollEpoch runs the protocol's epoch transition end to end: reserve the
// settlement payoff still owed to the expiring epoch's open positions, roll
// the vault (share pricing, rebalance, clock advance), then fix the pricing
// parameters for the new epoch from the freshly locked liquidity.
func (e *Engine) RollEpoch(now time.Time) (RollResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	trace := uuid.New().String()
	if !e.clock.Expired(now) {
		return RollResult{}, fmt.Errorf("%w: boundary %s not reached",
			epoch.ErrEpochAlreadyStarted, e.clock.Current())
	}

	residual, err := e.reserveResidualPayoff(now)
	if err != nil {
		return RollResult{}, fmt.Errorf("payoff reservation failed: %w", err)
	}

	vaultReport, err := e.vault.RollEpoch(now)
	if err != nil {
		// Back out the reservation so a retry does not book it twice.
		if residual.IsPositive() {
			if cancelErr := e.vault.CancelReservation(e.account, residual); cancelErr != nil {
				e.log.Error().Err(cancelErr).Str("trace", trace).Msg("Reservation rollback failed")
			}
		}
		return RollResult{}, fmt.Errorf("vault roll failed: %w", err)
	}

	// The model rolls even into a dead vault's final epoch so the expiring
	// epoch's settlement price is frozen for the remaining burns.
	if err := e.model.RollEpoch(vaultReport.LockedLiquidity); err != nil {
		return RollResult{}, fmt.Errorf("pricing roll failed: %w", err)
	}

	result := RollResult{Trace: trace, ResidualPayoff: residual, Vault: vaultReport}
	e.log.Info().
		Str("trace", trace).
		Time("epoch", vaultReport.Epoch).
		Time("nextEpoch", vaultReport.NextEpoch).
		Str("residualPayoff", residual.String()).
		Str("sharePrice", vaultReport.SharePrice.String()).
		Str("lockedLiquidity", vaultReport.LockedLiquidity.String()).
		Bool("dead", vaultReport.Dead).
		Msg("Protocol epoch rolled")
	return result, nil
}

// reserveResidualPayoff earmarks the intrinsic settlement value of all still
// open positions of the expiring epoch, so burns after the roll stay funded.
// At or past the boundary the quote degenerates to the intrinsic payoff.
// Callers hold the mutex.
func (e *Engine) reserveResidualPayoff(now time.Time) (wadmath.Dec, error) {
	params, err := e.model.Parameters()
	if err != nil {
		if errors.Is(err, pricing.ErrParamsNotSet) {
			return wadmath.Zero(), nil
		}
		return wadmath.Zero(), err
	}

	usage := e.usageFor(params.Maturity)
	if !usage.usedUp.IsPositive() && !usage.usedDown.IsPositive() {
		return wadmath.Zero(), nil
	}

	ur, err := e.utilizationAfter(wadmath.Zero(), wadmath.Zero())
	if err != nil {
		return wadmath.Zero(), err
	}
	residual, _, err := e.model.Quote(now, usage.usedUp, usage.usedDown, ur)
	if err != nil {
		return wadmath.Zero(), err
	}
	if !residual.IsPositive() {
		return wadmath.Zero(), nil
	}
	if err := e.vault.ReservePayoff(e.account, residual); err != nil {
		return wadmath.Zero(), err
	}
	return residual, nil
}
