/*
Package wadmath provides the 18-decimal fixed-point ("Wad") arithmetic used
throughout the engine. Monetary quantities are cosmossdk.io/math LegacyDec
values; multiplication and division always truncate (round toward zero) so
rounding drift works against the caller, never against the vault.

Transcendental functions (exp, ln, the normal CDF) are evaluated in float64
and converted straight back to fixed point. Only volatility and probability
terms pass through float64; ledger amounts never do.
*/
package wadmath

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	sdkmath "cosmossdk.io/math"
	"gonum.org/v1/gonum/stat/distuv"
)

// Dec is the engine-wide fixed-point type: 18 fractional decimal digits.
type Dec = sdkmath.LegacyDec

// Error definitions for zero-tolerance error handling.
var (
	ErrOverflow        = errors.New("arithmetic overflow")
	ErrDivisionByZero  = errors.New("division by zero")
	ErrNegativeInput   = errors.New("input is negative")
	ErrNonPositive     = errors.New("input is not positive")
	ErrNotFinite       = errors.New("value is not finite")
	ErrInvalidDecimals = errors.New("token decimals out of range")
)

// expUpperBound keeps exp() inside the LegacyDec range (~1.1e59).
const expUpperBound = 130.0

// expLowerBound: below this, exp() truncates to zero at 18 decimals.
const expLowerBound = -42.0

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// Zero returns the zero Wad.
func Zero() Dec { return sdkmath.LegacyZeroDec() }

// One returns the unit Wad (1.0).
func One() Dec { return sdkmath.LegacyOneDec() }

// New returns the Wad for an integer amount.
func New(v int64) Dec { return sdkmath.LegacyNewDec(v) }

// NewFromStr parses a decimal string into a Wad.
func NewFromStr(s string) (Dec, error) { return sdkmath.LegacyNewDecFromStr(s) }

// Mul multiplies two Wads, truncating the 36-decimal intermediate product
// down to 18 decimals. Overflow surfaces as ErrOverflow instead of a panic.
func Mul(a, b Dec) (res Dec, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: mul %s * %s", ErrOverflow, a, b)
		}
	}()
	res = a.MulTruncate(b)
	return res, nil
}

// Div divides two Wads, truncating the quotient.
func Div(a, b Dec) (res Dec, err error) {
	if b.IsZero() {
		return Zero(), ErrDivisionByZero
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: div %s / %s", ErrOverflow, a, b)
		}
	}()
	res = a.QuoTruncate(b)
	return res, nil
}

// Sqrt returns the square root of a non-negative Wad.
func Sqrt(a Dec) (Dec, error) {
	if a.IsNegative() {
		return Zero(), fmt.Errorf("%w: sqrt of %s", ErrNegativeInput, a)
	}
	root, err := a.ApproxSqrt()
	if err != nil {
		return Zero(), fmt.Errorf("sqrt failed for %s: %w", a, err)
	}
	return root, nil
}

// Exp returns e^x as a Wad. Arguments large enough to overflow the fixed
// point range fail with ErrOverflow; arguments below the representable
// range truncate to zero.
func Exp(x Dec) (Dec, error) {
	xf, err := x.Float64()
	if err != nil {
		return Zero(), fmt.Errorf("exp operand %s: %w", x, err)
	}
	if xf > expUpperBound {
		return Zero(), fmt.Errorf("%w: exp(%s)", ErrOverflow, x)
	}
	if xf < expLowerBound {
		return Zero(), nil
	}
	return FromFloat(math.Exp(xf))
}

// Ln returns the natural logarithm of a positive Wad.
func Ln(x Dec) (Dec, error) {
	if !x.IsPositive() {
		return Zero(), fmt.Errorf("%w: ln of %s", ErrNonPositive, x)
	}
	xf, err := x.Float64()
	if err != nil {
		return Zero(), fmt.Errorf("ln operand %s: %w", x, err)
	}
	return FromFloat(math.Log(xf))
}

// NormCDF returns the standard normal CDF at x as a Wad in [0, 1].
func NormCDF(x Dec) (Dec, error) {
	xf, err := x.Float64()
	if err != nil {
		return Zero(), fmt.Errorf("normcdf operand %s: %w", x, err)
	}
	return FromFloat(stdNormal.CDF(xf))
}

// FromFloat converts a finite float64 to a Wad via its decimal string
// representation, avoiding binary-fraction artifacts.
func FromFloat(f float64) (Dec, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Zero(), fmt.Errorf("%w: %f", ErrNotFinite, f)
	}
	s := strconv.FormatFloat(f, 'f', 18, 64)
	dec, err := sdkmath.LegacyNewDecFromStr(s)
	if err != nil {
		return Zero(), fmt.Errorf("failed to convert %f to fixed point: %w", f, err)
	}
	return dec, nil
}

// ToFloat converts a Wad to float64 for transcendental evaluation only.
func ToFloat(d Dec) (float64, error) {
	f, err := d.Float64()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s", ErrNotFinite, d)
	}
	return f, nil
}

// AmountToWad normalizes a raw token amount with the given number of token
// decimals (6 for a typical stable base token, 18 for a typical side token)
// into an 18-decimal Wad.
func AmountToWad(amount sdkmath.Int, decimals uint8) (Dec, error) {
	if decimals > 18 {
		return Zero(), fmt.Errorf("%w: %d", ErrInvalidDecimals, decimals)
	}
	if amount.IsNil() {
		return Zero(), errors.New("amount is nil")
	}
	if amount.IsNegative() {
		return Zero(), fmt.Errorf("%w: %s", ErrNegativeInput, amount)
	}
	scaled := amount.Mul(pow10(18 - int64(decimals)))
	return sdkmath.LegacyNewDecFromIntWithPrec(scaled, 18), nil
}

// WadToAmount denormalizes a Wad back to a raw token amount, truncating any
// precision the token cannot represent.
func WadToAmount(value Dec, decimals uint8) (sdkmath.Int, error) {
	if decimals > 18 {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %d", ErrInvalidDecimals, decimals)
	}
	if value.IsNegative() {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: %s", ErrNegativeInput, value)
	}
	shifted := value.MulInt(pow10(int64(decimals)))
	return shifted.TruncateInt(), nil
}

func pow10(n int64) sdkmath.Int {
	out := sdkmath.OneInt()
	ten := sdkmath.NewInt(10)
	for i := int64(0); i < n; i++ {
		out = out.Mul(ten)
	}
	return out
}
