// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Amount errors
var (
	ErrNegativeAmount  = errors.New("amount must not be negative")
	ErrAmountPrecision = errors.New("amount has more fractional digits than the token supports")
)

// ParseUnits parses a human decimal string ("1.5") into the smallest unit of a
// token with the given decimals. Excess precision is rejected, never rounded.
func ParseUnits(s string, decimals uint8) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, ErrNegativeAmount
	}

	shifted := d.Shift(int32(decimals))
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s (%d decimals)", ErrAmountPrecision, s, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatUnits formats an amount in smallest units as a decimal string.
// For example, FormatUnits(1500000, 6) returns "1.5".
func FormatUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// ParseBigInt parses a base-10 integer string. An empty string is zero.
func ParseBigInt(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer: %s", s)
	}
	return v, nil
}

// CeilDiv returns ceil(n / d) for positive d.
func CeilDiv(n, d int) int {
	if d <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
