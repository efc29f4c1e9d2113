/*
Package dvp implements the options engine: minting and burning of the
impermanent-gain positions (bull, bear, smile) against the vault's locked
liquidity, the per-epoch position ledger, and the epoch roll orchestration
that settles expired positions into the vault before liquidity is re-locked.

Lock order across engines is always dvp before vault; the engine never calls
back into itself from a vault method.
*/
package dvp

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ivol-labs/dvp-engine/internal/epoch"
	"github.com/ivol-labs/dvp-engine/internal/logger"
	"github.com/ivol-labs/dvp-engine/internal/metrics"
	"github.com/ivol-labs/dvp-engine/internal/pricing"
	"github.com/ivol-labs/dvp-engine/internal/state"
	"github.com/ivol-labs/dvp-engine/internal/vault"
	"github.com/ivol-labs/dvp-engine/internal/wadmath"
)

// Error definitions for zero-tolerance error handling.
var (
	ErrInvalidStrategy   = errors.New("position must have positive notional on at least one leg")
	ErrStrikeMismatch    = errors.New("strike does not match the epoch strike")
	ErrNotEnoughNotional = errors.New("not enough notional")
	ErrSlippageExceeded  = errors.New("price moved outside the slippage tolerance")
	ErrPositionNotFound  = errors.New("no position for user, strike and epoch")
)

// Position is one user's accumulated notional for a (strike, epoch) pair,
// in base-token Wad terms per leg.
type Position struct {
	User       string
	Strike     wadmath.Dec
	Epoch      time.Time
	AmountUp   wadmath.Dec
	AmountDown wadmath.Dec
}

type positionKey struct {
	user   string
	strike string
	epoch  int64
}

type epochUsage struct {
	usedUp   wadmath.Dec
	usedDown wadmath.Dec
}

// Engine is the options engine. Register its account with the vault via
// SetOptionsEngine before use.
type Engine struct {
	mu  sync.Mutex
	log zerolog.Logger

	account string
	clock   *epoch.Clock
	model   *pricing.Model
	vault   *vault.Vault

	positions map[positionKey]*Position
	usage     map[int64]*epochUsage
}

// New creates the options engine over a shared clock, pricing model and
// vault. account is the ledger account it acts under.
func New(account string, clock *epoch.Clock, model *pricing.Model, v *vault.Vault) *Engine {
	return &Engine{
		log:       logger.GetForComponent("dvp"),
		account:   account,
		clock:     clock,
		model:     model,
		vault:     v,
		positions: make(map[positionKey]*Position),
		usage:     make(map[int64]*epochUsage),
	}
}

// Account returns the engine's ledger account.
func (e *Engine) Account() string { return e.account }

// Quote prices a prospective position at the current market, returning
// premium and fee. Read-only.
func (e *Engine) Quote(now time.Time, amountUp, amountDown wadmath.Dec) (premium, fee wadmath.Dec, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := validateLegs(amountUp, amountDown); err != nil {
		return wadmath.Zero(), wadmath.Zero(), err
	}
	ur, err := e.utilizationAfter(amountUp, amountDown)
	if err != nil {
		return wadmath.Zero(), wadmath.Zero(), err
	}
	return e.model.Quote(now, amountUp, amountDown, ur)
}

// Mint opens or grows a position. The computed premium must land inside the
// caller's band [expectedPremium, expectedPremium*(1+maxSlippage)]; the
// premium plus fee is pulled from the recipient and the vault is delta
// hedged. Returns the position leverage (notional / premium).
func (e *Engine) Mint(now time.Time, recipient string, strike, amountUp, amountDown, expectedPremium, maxSlippage wadmath.Dec) (wadmath.Dec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	trace := uuid.New().String()
	if err := validateLegs(amountUp, amountDown); err != nil {
		return wadmath.Zero(), err
	}
	if e.vault.Dead() {
		return wadmath.Zero(), vault.ErrVaultDead
	}
	if e.clock.Expired(now) {
		return wadmath.Zero(), fmt.Errorf("%w: boundary %s passed, roll pending",
			epoch.ErrEpochFinished, e.clock.Current())
	}
	params, err := e.model.Parameters()
	if err != nil {
		return wadmath.Zero(), err
	}
	if !strike.Equal(params.CurrentStrike) {
		return wadmath.Zero(), fmt.Errorf("%w: %s, epoch strike %s",
			ErrStrikeMismatch, strike, params.CurrentStrike)
	}

	usage := e.usageFor(params.Maturity)
	availableUp := params.InitialLiquidityUp.Sub(usage.usedUp)
	availableDown := params.InitialLiquidityDown.Sub(usage.usedDown)
	if amountUp.GT(availableUp) {
		return wadmath.Zero(), fmt.Errorf("%w: up leg has %s available, requested %s",
			ErrNotEnoughNotional, availableUp, amountUp)
	}
	if amountDown.GT(availableDown) {
		return wadmath.Zero(), fmt.Errorf("%w: down leg has %s available, requested %s",
			ErrNotEnoughNotional, availableDown, amountDown)
	}

	ur, err := e.utilizationAfter(amountUp, amountDown)
	if err != nil {
		return wadmath.Zero(), err
	}
	premium, fee, err := e.model.Quote(now, amountUp, amountDown, ur)
	if err != nil {
		return wadmath.Zero(), err
	}
	if err := checkMintBand(premium, expectedPremium, maxSlippage); err != nil {
		return wadmath.Zero(), err
	}

	total := premium.Add(fee)
	if err := e.vault.CollectPremium(e.account, recipient, total); err != nil {
		return wadmath.Zero(), err
	}

	// Ledger effects land before the hedge swap touches the venue.
	pos := e.positionFor(recipient, params.CurrentStrike, params.Maturity)
	pos.AmountUp = pos.AmountUp.Add(amountUp)
	pos.AmountDown = pos.AmountDown.Add(amountDown)
	usage.usedUp = usage.usedUp.Add(amountUp)
	usage.usedDown = usage.usedDown.Add(amountDown)

	if err := e.hedge(amountUp, amountDown); err != nil {
		pos.AmountUp = pos.AmountUp.Sub(amountUp)
		pos.AmountDown = pos.AmountDown.Sub(amountDown)
		usage.usedUp = usage.usedUp.Sub(amountUp)
		usage.usedDown = usage.usedDown.Sub(amountDown)
		if refundErr := e.vault.TransferPayoff(e.account, recipient, total, false); refundErr != nil {
			e.log.Error().Err(refundErr).Str("trace", trace).Msg("Premium refund failed after hedge failure")
		}
		return wadmath.Zero(), err
	}

	notional := amountUp.Add(amountDown)
	leverage := wadmath.Zero()
	if premium.IsPositive() {
		leverage, err = wadmath.Div(notional, premium)
		if err != nil {
			return wadmath.Zero(), err
		}
	}

	e.recordTrade(now, "mint", recipient, params.CurrentStrike, params.Maturity, amountUp, amountDown, premium, fee)
	e.log.Info().
		Str("trace", trace).
		Str("recipient", recipient).
		Str("strike", strike.String()).
		Str("amountUp", amountUp.String()).
		Str("amountDown", amountDown.String()).
		Str("premium", premium.String()).
		Str("fee", fee.String()).
		Str("leverage", leverage.String()).
		Msg("Position minted")
	return leverage, nil
}

// Burn closes (part of) a position. A live position is bought back at the
// current market premium, guarded by the caller's minimum; an expired one
// pays the deterministic settlement payoff with no band. The net amount is
// transferred to the recipient.
func (e *Engine) Burn(now time.Time, recipient string, epochBoundary time.Time, strike, amountUp, amountDown, expectedPayoff, maxSlippage wadmath.Dec) (wadmath.Dec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := validateLegs(amountUp, amountDown); err != nil {
		return wadmath.Zero(), err
	}
	key := positionKey{user: recipient, strike: strike.String(), epoch: epochBoundary.Unix()}
	pos, ok := e.positions[key]
	if !ok {
		return wadmath.Zero(), fmt.Errorf("%w: %s strike %s epoch %s",
			ErrPositionNotFound, recipient, strike, epochBoundary)
	}
	if amountUp.GT(pos.AmountUp) || amountDown.GT(pos.AmountDown) {
		return wadmath.Zero(), fmt.Errorf("%w: position holds up=%s down=%s",
			ErrNotEnoughNotional, pos.AmountUp, pos.AmountDown)
	}

	live := epochBoundary.Equal(e.clock.Current())

	var payoff, fee wadmath.Dec
	var err error
	if live {
		ur, urErr := e.utilizationAfterUnwind(amountUp, amountDown)
		if urErr != nil {
			return wadmath.Zero(), urErr
		}
		payoff, fee, err = e.model.Quote(now, amountUp, amountDown, ur)
		if err != nil {
			return wadmath.Zero(), err
		}
		if err := checkBurnBand(payoff, expectedPayoff, maxSlippage); err != nil {
			return wadmath.Zero(), err
		}
	} else {
		payoff, fee, err = e.model.SettledPayoff(epochBoundary, amountUp, amountDown)
		if err != nil {
			return wadmath.Zero(), err
		}
	}

	pos.AmountUp = pos.AmountUp.Sub(amountUp)
	pos.AmountDown = pos.AmountDown.Sub(amountDown)
	if !pos.AmountUp.IsPositive() && !pos.AmountDown.IsPositive() {
		delete(e.positions, key)
	}
	if live {
		usage := e.usageFor(epochBoundary)
		usage.usedUp = usage.usedUp.Sub(amountUp)
		usage.usedDown = usage.usedDown.Sub(amountDown)
		if err := e.hedge(amountUp.Neg(), amountDown.Neg()); err != nil {
			e.log.Error().Err(err).Msg("Unwind hedge failed, exposure carried to next trade")
		}
	}

	net := payoff.Sub(fee)
	if net.IsPositive() {
		if err := e.vault.TransferPayoff(e.account, recipient, net, !live); err != nil {
			return wadmath.Zero(), err
		}
	}
	// The roll reserved the gross payoff; the fee slice of a settled burn
	// returns to free liquidity instead of lingering as an earmark.
	if !live && fee.IsPositive() {
		if err := e.vault.ReleasePayoff(e.account, fee); err != nil {
			return wadmath.Zero(), err
		}
	}

	e.recordTrade(now, "burn", recipient, strike, epochBoundary, amountUp, amountDown, payoff, fee)
	e.log.Info().
		Str("recipient", recipient).
		Str("strike", strike.String()).
		Time("epoch", epochBoundary).
		Str("amountUp", amountUp.String()).
		Str("amountDown", amountDown.String()).
		Str("payoff", payoff.String()).
		Bool("live", live).
		Msg("Position burned")
	return net, nil
}

// recordTrade updates the trade counter and appends to the trade log when
// persistence is on. Best effort: a store failure never fails the trade.
func (e *Engine) recordTrade(now time.Time, action, account string, strike wadmath.Dec, maturity time.Time, amountUp, amountDown, amount, fee wadmath.Dec) {
	metrics.Trades.WithLabelValues(action).Inc()
	if state.DB == nil {
		return
	}
	record := state.TradeRecord{
		Timestamp:  now,
		Action:     action,
		Account:    account,
		Strike:     strike.String(),
		Epoch:      maturity,
		AmountUp:   amountUp.String(),
		AmountDown: amountDown.String(),
		Premium:    amount.String(),
		Fee:        fee.String(),
	}
	if err := state.SaveTradeRecord(record); err != nil {
		e.log.Error().Err(err).Msg("Failed to persist trade record")
	}
}

// PositionOf returns a copy of the user's position for a strike and epoch.
func (e *Engine) PositionOf(user string, strike wadmath.Dec, epochBoundary time.Time) (Position, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[positionKey{user: user, strike: strike.String(), epoch: epochBoundary.Unix()}]
	if !ok {
		return Position{}, ErrPositionNotFound
	}
	return *pos, nil
}

// Utilization returns the current epoch's used/locked notional ratio.
func (e *Engine) Utilization() (wadmath.Dec, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.utilizationAfter(wadmath.Zero(), wadmath.Zero())
}

func (e *Engine) hedge(amountUp, amountDown wadmath.Dec) error {
	delta, err := e.model.HedgeNotional(amountUp, amountDown)
	if err != nil {
		return err
	}
	return e.vault.DeltaHedge(e.account, delta)
}

// utilizationAfter computes the post-trade utilization rate in [0, 1].
// Callers hold the mutex.
func (e *Engine) utilizationAfter(amountUp, amountDown wadmath.Dec) (wadmath.Dec, error) {
	params, err := e.model.Parameters()
	if err != nil {
		return wadmath.Zero(), err
	}
	capacity := params.InitialLiquidityUp.Add(params.InitialLiquidityDown)
	if !capacity.IsPositive() {
		return wadmath.One(), nil
	}
	usage := e.usageFor(params.Maturity)
	used := usage.usedUp.Add(usage.usedDown).Add(amountUp).Add(amountDown)
	return wadmath.Div(used, capacity)
}

func (e *Engine) utilizationAfterUnwind(amountUp, amountDown wadmath.Dec) (wadmath.Dec, error) {
	return e.utilizationAfter(amountUp.Neg(), amountDown.Neg())
}

func (e *Engine) usageFor(maturity time.Time) *epochUsage {
	key := maturity.Unix()
	if u, ok := e.usage[key]; ok {
		return u
	}
	u := &epochUsage{usedUp: wadmath.Zero(), usedDown: wadmath.Zero()}
	e.usage[key] = u
	return u
}

func (e *Engine) positionFor(user string, strike wadmath.Dec, maturity time.Time) *Position {
	key := positionKey{user: user, strike: strike.String(), epoch: maturity.Unix()}
	if pos, ok := e.positions[key]; ok {
		return pos
	}
	pos := &Position{
		User:       user,
		Strike:     strike,
		Epoch:      maturity,
		AmountUp:   wadmath.Zero(),
		AmountDown: wadmath.Zero(),
	}
	e.positions[key] = pos
	return pos
}

func validateLegs(amountUp, amountDown wadmath.Dec) error {
	if amountUp.IsNegative() || amountDown.IsNegative() {
		return ErrInvalidStrategy
	}
	if !amountUp.IsPositive() && !amountDown.IsPositive() {
		return ErrInvalidStrategy
	}
	return nil
}

// checkMintBand enforces premium in [expected, expected*(1+maxSlippage)].
func checkMintBand(premium, expected, maxSlippage wadmath.Dec) error {
	if expected.IsNil() || !expected.IsPositive() {
		return nil
	}
	if premium.LT(expected) {
		return fmt.Errorf("%w: premium %s below expected %s", ErrSlippageExceeded, premium, expected)
	}
	slip, err := wadmath.Mul(expected, wadmath.One().Add(maxSlippage))
	if err != nil {
		return err
	}
	if premium.GT(slip) {
		return fmt.Errorf("%w: premium %s above limit %s", ErrSlippageExceeded, premium, slip)
	}
	return nil
}

// checkBurnBand enforces payoff >= expected*(1-maxSlippage): the seller's
// floor, with no upper bound since a richer payoff only favors them.
func checkBurnBand(payoff, expected, maxSlippage wadmath.Dec) error {
	if expected.IsNil() || !expected.IsPositive() {
		return nil
	}
	floor, err := wadmath.Mul(expected, wadmath.One().Sub(maxSlippage))
	if err != nil {
		return err
	}
	if payoff.LT(floor) {
		return fmt.Errorf("%w: payoff %s below floor %s", ErrSlippageExceeded, payoff, floor)
	}
	return nil
}
