// Package allocation divides an integer amount among recipients by
// percentage share or fixed amount.
//
// Amounts are integers in the currency's smallest unit. Percentages are
// exact decimals; no binary floating point is involved at any step, so the
// same inputs always produce the same outputs.
//
// Rounding: every recipient except the last receives floor(total*share/100).
// The last recipient in input order receives whatever is left, which makes
// the outputs sum to total exactly. Callers that care who absorbs the
// rounding dust must order their shares accordingly.
package allocation

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	ErrNoShares          = errors.New("allocation: at least one share is required")
	ErrShareOutOfRange   = errors.New("allocation: share must be greater than 0 and at most 100")
	ErrSumMismatch       = errors.New("allocation: percentages must sum to 100")
	ErrNegativeTotal     = errors.New("allocation: total must not be negative")
	ErrOverAllocated     = errors.New("allocation: shares exceed total")
	ErrInvalidFixedAmt   = errors.New("allocation: fixed amounts must be positive")
	ErrInvalidPercentage = errors.New("allocation: invalid percentage")
)

var (
	hundred = decimal.NewFromInt(100)

	// Tolerance is the accepted distance, in percentage points, between the
	// sum of a share set and 100.
	Tolerance = decimal.RequireFromString("0.01")
)

// Validation reports whether a percentage set is usable.
type Validation struct {
	Valid bool            `json:"valid"`
	Total decimal.Decimal `json:"total"`
	Error string          `json:"error,omitempty"`
}

// Validate sums the shares and checks them against 100 ± Tolerance. It
// never mutates its input.
func Validate(shares []decimal.Decimal) Validation {
	total := decimal.Zero
	for _, s := range shares {
		total = total.Add(s)
	}
	v := Validation{Total: total}

	if err := check(shares, total); err != nil {
		v.Error = err.Error()
		return v
	}
	v.Valid = true
	return v
}

func check(shares []decimal.Decimal, total decimal.Decimal) error {
	if len(shares) == 0 {
		return ErrNoShares
	}
	for i, s := range shares {
		if !s.IsPositive() || s.GreaterThan(hundred) {
			return fmt.Errorf("%w (share %d is %s)", ErrShareOutOfRange, i, s.String())
		}
	}
	if total.Sub(hundred).Abs().GreaterThan(Tolerance) {
		return fmt.Errorf("%w (got %s)", ErrSumMismatch, total.String())
	}
	return nil
}

// Allocate splits total by percentage. The result has one entry per share,
// in input order, and sums to total exactly.
func Allocate(total *big.Int, shares []decimal.Decimal) ([]*big.Int, error) {
	if total == nil || total.Sign() < 0 {
		return nil, ErrNegativeTotal
	}
	sum := decimal.Zero
	for _, s := range shares {
		sum = sum.Add(s)
	}
	if err := check(shares, sum); err != nil {
		return nil, err
	}

	amounts := make([]*big.Int, len(shares))
	allocated := new(big.Int)
	last := len(shares) - 1
	for i := 0; i < last; i++ {
		amounts[i] = floorShare(total, shares[i])
		allocated.Add(allocated, amounts[i])
	}

	remainder := new(big.Int).Sub(total, allocated)
	if remainder.Sign() < 0 {
		// Only reachable when the set sums above 100 within tolerance and
		// the last share is smaller than the overshoot.
		return nil, ErrOverAllocated
	}
	amounts[last] = remainder
	return amounts, nil
}

// floorShare computes floor(total * share / 100) in integer arithmetic.
func floorShare(total *big.Int, share decimal.Decimal) *big.Int {
	num := new(big.Int).Mul(total, share.Coefficient())
	den := big.NewInt(100)

	exp := share.Exponent()
	pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs32(exp))), nil)
	if exp >= 0 {
		num.Mul(num, pow)
	} else {
		den.Mul(den, pow)
	}
	// num and den are non-negative, so truncation is floor.
	return num.Quo(num, den)
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// AllocateFixed validates a fixed-amount set against total and returns
// copies of the amounts. Anything left over is not assigned.
func AllocateFixed(total *big.Int, fixed []*big.Int) ([]*big.Int, error) {
	if total == nil || total.Sign() < 0 {
		return nil, ErrNegativeTotal
	}
	if len(fixed) == 0 {
		return nil, ErrNoShares
	}
	sum := new(big.Int)
	out := make([]*big.Int, len(fixed))
	for i, f := range fixed {
		if f == nil || f.Sign() <= 0 {
			return nil, ErrInvalidFixedAmt
		}
		sum.Add(sum, f)
		out[i] = new(big.Int).Set(f)
	}
	if sum.Cmp(total) > 0 {
		return nil, ErrOverAllocated
	}
	return out, nil
}

// ParsePercentages converts decimal strings ("33.33") into shares.
func ParsePercentages(raw []string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(raw))
	for i, r := range raw {
		d, err := decimal.NewFromString(r)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidPercentage, r, err)
		}
		out[i] = d
	}
	return out, nil
}
