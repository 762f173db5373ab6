// Package fixedpoint represents fractional financial quantities as scaled
// integers so that every money calculation is reproducible bit for bit.
//
// A value v with d fractional digits is stored as the integer v * 10^d.
// Conversions truncate toward zero, which matches integer division for the
// positive-only domain the ledger works in. Floating point is only produced by
// Descale, at presentation boundaries.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals is the fractional precision used for compounding (interest-rate) math.
const Decimals int32 = 8

var (
	// Factor is 10^Decimals, the common fixed-point factor for rate math.
	Factor = new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Decimals)), nil)

	// ErrNegativeExponent is returned by Pow for exponents below zero.
	ErrNegativeExponent = errors.New("fixedpoint: negative exponent not supported")

	// ErrDivisionByZero is returned by MulDiv when the divisor is zero.
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")

	// ErrInvalidNumber is returned when a string cannot be parsed as a decimal.
	ErrInvalidNumber = errors.New("fixedpoint: invalid number")
)

// Scale converts value into an integer with the given number of fractional
// digits, truncating any extra precision.
func Scale(value decimal.Decimal, decimals int32) *big.Int {
	return value.Shift(decimals).Truncate(0).BigInt()
}

// ScaleFloat is Scale for float64 inputs. The float is first converted to its
// shortest decimal representation, so ScaleFloat(0.1, 6) is exactly 100000.
func ScaleFloat(value float64, decimals int32) *big.Int {
	return Scale(decimal.NewFromFloat(value), decimals)
}

// ScaleString parses a decimal string and scales it.
func ScaleString(value string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidNumber, value)
	}
	return Scale(d, decimals), nil
}

// Descale returns the display value of a scaled integer.
// Never feed the result back into money math.
func Descale(value *big.Int, decimals int32) float64 {
	return DescaleDecimal(value, decimals).InexactFloat64()
}

// DescaleDecimal is the exact counterpart of Descale.
func DescaleDecimal(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}

// Rescale converts a scaled integer from one precision to another,
// truncating when precision is reduced.
func Rescale(value *big.Int, from, to int32) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	switch {
	case from == to:
		return new(big.Int).Set(value)
	case from < to:
		return new(big.Int).Mul(value, pow10(to-from))
	default:
		return new(big.Int).Quo(value, pow10(from-to))
	}
}

// Pow raises a fixed-point base (scaled by Factor) to a non-negative integer
// power using binary exponentiation. Every multiplication is immediately
// de-scaled by Factor so intermediate values stay at the base's magnitude.
func Pow(base *big.Int, exponent int64) (*big.Int, error) {
	if exponent < 0 {
		return nil, ErrNegativeExponent
	}
	result := new(big.Int).Set(Factor)
	b := new(big.Int).Set(base)
	for exponent > 0 {
		if exponent&1 == 1 {
			result.Mul(result, b)
			result.Quo(result, Factor)
		}
		exponent >>= 1
		if exponent > 0 {
			b.Mul(b, b)
			b.Quo(b, Factor)
		}
	}
	return result, nil
}

// MulDiv computes a*b/c with a single truncation at the end.
func MulDiv(a, b, c *big.Int) (*big.Int, error) {
	if c == nil || c.Sign() == 0 {
		return nil, ErrDivisionByZero
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, c), nil
}

func pow10(n int32) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
