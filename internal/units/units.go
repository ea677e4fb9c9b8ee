// Package units converts between decimal amount strings and integer base units.
//
// Chain-native currencies have a fixed number of decimal places (18 for ETH,
// 6 for USDC). All arithmetic happens on big.Int in the smallest unit; the
// decimal string form is only used at the edges (API, database, logs).
package units

import (
	"errors"
	"math/big"
	"strings"
)

var (
	ErrEmpty     = errors.New("units: empty amount")
	ErrNegative  = errors.New("units: negative amounts not allowed")
	ErrFormat    = errors.New("units: invalid amount format")
	ErrPrecision = errors.New("units: too many decimal places")
)

// Parse converts a decimal string (e.g. "1.5") to its smallest-unit
// representation for a currency with the given number of decimals.
//
// Rules:
//   - Empty strings and negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts longer than decimals are rejected, never truncated
func Parse(s string, decimals int) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	if strings.HasPrefix(s, "-") {
		return nil, ErrNegative
	}
	if strings.HasPrefix(s, "+") {
		return nil, ErrFormat
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, ErrFormat
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
		if frac == "" {
			return nil, ErrFormat
		}
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, ErrPrecision
	}
	for len(frac) < decimals {
		frac += "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrFormat
	}
	return result, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string, decimals int) *big.Int {
	v, err := Parse(s, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// Format converts a smallest-unit amount into a decimal string without
// trailing zeros ("1.5", "0.000001", "3").
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	whole, frac := s[:point], strings.TrimRight(s[point:], "0")

	result := whole
	if frac != "" {
		result += "." + frac
	}
	if neg {
		result = "-" + result
	}
	return result
}

// IsPositive reports whether s parses to an amount greater than zero.
func IsPositive(s string, decimals int) bool {
	v, err := Parse(s, decimals)
	return err == nil && v.Sign() > 0
}
