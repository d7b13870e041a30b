// Package fixedmath provides overflow-safe integer arithmetic for pool and
// escrow accounting. Amounts are uint64 base units; intermediates are
// widened to 256 bits so a*b/c never truncates before the divide.
package fixedmath

import (
	"errors"

	"github.com/holiman/uint256"
)

// PriceScale is the fixed-point scale for pool prices:
// price = stableReserve * PriceScale / assetReserve.
const PriceScale uint64 = 1_000_000_000_000

var (
	ErrDivideByZero = errors.New("fixedmath: divide by zero")
	ErrOverflow     = errors.New("fixedmath: result exceeds uint64")
)

// MulDiv computes a*b/d with a full-width intermediate product.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrDivideByZero
	}
	z := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	z.Div(z, uint256.NewInt(d))
	if !z.IsUint64() {
		return 0, ErrOverflow
	}
	return z.Uint64(), nil
}

// MulDivCeil computes ceil(a*b/d) with a full-width intermediate product.
func MulDivCeil(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrDivideByZero
	}
	z := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	div := uint256.NewInt(d)
	rem := new(uint256.Int)
	z.DivMod(z, div, rem)
	if !rem.IsZero() {
		z.AddUint64(z, 1)
	}
	if !z.IsUint64() {
		return 0, ErrOverflow
	}
	return z.Uint64(), nil
}

// SqrtProduct returns floor(sqrt(a*b)). The product of two uint64 values
// fits in 128 bits, so the root always fits in uint64.
func SqrtProduct(a, b uint64) uint64 {
	z := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	z.Sqrt(z)
	return z.Uint64()
}

// Price returns the pool price of the asset in stable terms, scaled by
// PriceScale and clamped to ceiling. A zero ceiling means no clamp.
func Price(assetReserve, stableReserve, ceiling uint64) (uint64, error) {
	p, err := MulDiv(stableReserve, PriceScale, assetReserve)
	if err == ErrOverflow && ceiling > 0 {
		return ceiling, nil
	}
	if err != nil {
		return 0, err
	}
	return Clamp(p, ceiling), nil
}

// Clamp bounds p to ceiling; a zero ceiling leaves p untouched.
func Clamp(p, ceiling uint64) uint64 {
	if ceiling > 0 && p > ceiling {
		return ceiling
	}
	return p
}
