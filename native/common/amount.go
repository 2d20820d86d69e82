package common

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// MaxAmount is the ceiling for every token quantity handled by the native
// modules (2^128-1). Saturating helpers clamp to this value instead of
// wrapping.
var MaxAmount = new(uint256.Int).SubUint64(new(uint256.Int).Lsh(uint256.NewInt(1), 128), 1)

var (
	ErrAmountRequired = errors.New("amount required")
	ErrAmountTooLarge = errors.New("amount exceeds 128-bit ceiling")
)

// ZeroAmount returns a fresh zero value.
func ZeroAmount() *uint256.Int { return new(uint256.Int) }

// CopyAmount returns a copy of v, treating nil as zero.
func CopyAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// SaturatingAdd returns a+b clamped to MaxAmount.
func SaturatingAdd(a, b *uint256.Int) *uint256.Int {
	sum, overflow := new(uint256.Int).AddOverflow(CopyAmount(a), CopyAmount(b))
	if overflow || sum.Gt(MaxAmount) {
		return new(uint256.Int).Set(MaxAmount)
	}
	return sum
}

// CheckedAdd returns a+b and whether the sum stays within MaxAmount.
func CheckedAdd(a, b *uint256.Int) (*uint256.Int, bool) {
	sum, overflow := new(uint256.Int).AddOverflow(CopyAmount(a), CopyAmount(b))
	if overflow || sum.Gt(MaxAmount) {
		return nil, false
	}
	return sum, true
}

// SaturatingMul returns a*b clamped to MaxAmount.
func SaturatingMul(a, b *uint256.Int) *uint256.Int {
	product, overflow := new(uint256.Int).MulOverflow(CopyAmount(a), CopyAmount(b))
	if overflow || product.Gt(MaxAmount) {
		return new(uint256.Int).Set(MaxAmount)
	}
	return product
}

// SaturatingSub returns a-b floored at zero.
func SaturatingSub(a, b *uint256.Int) *uint256.Int {
	x, y := CopyAmount(a), CopyAmount(b)
	if x.Lt(y) {
		return new(uint256.Int)
	}
	return x.Sub(x, y)
}

// QuoRem returns the truncated quotient and remainder of a/b. Division by
// zero yields zero for both.
func QuoRem(a, b *uint256.Int) (*uint256.Int, *uint256.Int) {
	if b == nil || b.IsZero() {
		return new(uint256.Int), new(uint256.Int)
	}
	x := CopyAmount(a)
	quo := new(uint256.Int).Div(x, b)
	rem := new(uint256.Int).Mod(x, b)
	return quo, rem
}

// ParseAmount decodes a base-10 amount string. Values above MaxAmount are
// rejected rather than clamped.
func ParseAmount(raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, ErrAmountRequired
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", trimmed, err)
	}
	if v.Gt(MaxAmount) {
		return nil, ErrAmountTooLarge
	}
	return v, nil
}

// FormatAmount renders v in base 10, treating nil as zero.
func FormatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
