package allocation

import (
	"math/big"
	"math/rand/v2"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pct(values ...string) []decimal.Decimal {
	out := make([]decimal.Decimal, len(values))
	for i, v := range values {
		out[i] = decimal.RequireFromString(v)
	}
	return out
}

func ints(values ...int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}

func strs(amounts []*big.Int) []string {
	out := make([]string, len(amounts))
	for i, a := range amounts {
		out[i] = a.String()
	}
	return out
}

func sum(amounts []*big.Int) *big.Int {
	total := new(big.Int)
	for _, a := range amounts {
		total.Add(total, a)
	}
	return total
}

func TestAllocate_EvenSplit(t *testing.T) {
	got, err := Allocate(big.NewInt(1000), pct("60", "40"))
	require.NoError(t, err)
	assert.Equal(t, strs(ints(600, 400)), strs(got))
}

func TestAllocate_RemainderLandsOnLast(t *testing.T) {
	got, err := Allocate(big.NewInt(100), pct("33.33", "33.33", "33.34"))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, int64(33), got[0].Int64())
	assert.Equal(t, int64(33), got[1].Int64())
	want := new(big.Int).Sub(big.NewInt(100), new(big.Int).Add(got[0], got[1]))
	assert.Equal(t, want.String(), got[2].String())
}

func TestAllocate_ThirdsOfOddTotal(t *testing.T) {
	got, err := Allocate(big.NewInt(10), pct("33.333", "33.333", "33.334"))
	require.NoError(t, err)
	assert.Equal(t, strs(ints(3, 3, 4)), strs(got))
}

func TestAllocate_SingleRecipientTakesAll(t *testing.T) {
	got, err := Allocate(big.NewInt(12345), pct("100"))
	require.NoError(t, err)
	assert.Equal(t, strs(ints(12345)), strs(got))
}

func TestAllocate_ZeroTotal(t *testing.T) {
	got, err := Allocate(big.NewInt(0), pct("50", "50"))
	require.NoError(t, err)
	assert.Equal(t, strs(ints(0, 0)), strs(got))
}

func TestAllocate_WeiScaleTotal(t *testing.T) {
	total, ok := new(big.Int).SetString("1000000000000000001", 10) // 1 ether + 1 wei
	require.True(t, ok)

	got, err := Allocate(total, pct("12.5", "87.5"))
	require.NoError(t, err)
	assert.Equal(t, "125000000000000000", got[0].String())
	assert.Equal(t, "875000000000000001", got[1].String())
}

func TestAllocate_WithinToleranceBelow100(t *testing.T) {
	got, err := Allocate(big.NewInt(10000), pct("50", "49.99"))
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got[0].Int64())
	assert.Equal(t, int64(5000), got[1].Int64(), "last recipient absorbs the missing 0.01%")
}

func TestAllocate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		total  *big.Int
		shares []decimal.Decimal
		want   error
	}{
		{"no shares", big.NewInt(10), nil, ErrNoShares},
		{"sum too low", big.NewInt(10), pct("60", "30"), ErrSumMismatch},
		{"sum too high", big.NewInt(10), pct("60", "40.02"), ErrSumMismatch},
		{"zero share", big.NewInt(10), pct("100", "0"), ErrShareOutOfRange},
		{"negative share", big.NewInt(10), pct("110", "-10"), ErrShareOutOfRange},
		{"share over 100", big.NewInt(10), pct("100.005"), ErrShareOutOfRange},
		{"negative total", big.NewInt(-1), pct("100"), ErrNegativeTotal},
		{"nil total", nil, pct("100"), ErrNegativeTotal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Allocate(tt.total, tt.shares)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestAllocate_OvershootAbsorbedByTinyLastShare(t *testing.T) {
	// 99.999 + 0.005 = 100.004, inside tolerance, but the first share alone
	// claims more than the last share can give back.
	_, err := Allocate(big.NewInt(1_000_000), pct("99.999", "0.005"))
	require.NoError(t, err)

	_, err = Allocate(big.NewInt(1_000_000), pct("50", "50.009", "0.001"))
	assert.ErrorIs(t, err, ErrOverAllocated)
}

// randomShares builds n percentages summing to exactly 100 at 0.01 precision.
func randomShares(r *rand.Rand, n int) []decimal.Decimal {
	basis := make([]int64, n)
	for i := range basis {
		basis[i] = 1
	}
	for left := int64(10000 - n); left > 0; left-- {
		basis[r.IntN(n)]++
	}
	shares := make([]decimal.Decimal, n)
	for i, b := range basis {
		shares[i] = decimal.New(b, -2)
	}
	return shares
}

func TestAllocate_SumAlwaysEqualsTotal(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 7))
	bigTotal, _ := new(big.Int).SetString("987654321987654321987654321", 10)
	totals := []*big.Int{big.NewInt(0), big.NewInt(1), big.NewInt(7), big.NewInt(99), big.NewInt(1_000_003), bigTotal}

	for n := 1; n <= 100; n++ {
		shares := randomShares(r, n)
		require.True(t, Validate(shares).Valid, "n=%d", n)
		for _, total := range totals {
			got, err := Allocate(total, shares)
			require.NoError(t, err, "n=%d total=%s", n, total)
			require.Len(t, got, n)
			assert.Equal(t, 0, sum(got).Cmp(total), "n=%d total=%s", n, total)
			for i, a := range got {
				assert.GreaterOrEqual(t, a.Sign(), 0, "n=%d idx=%d", n, i)
			}
		}
	}
}

func TestAllocate_Deterministic(t *testing.T) {
	shares := pct("12.34", "56.78", "30.88")
	total := big.NewInt(987_654_321)

	first, err := Allocate(total, shares)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := Allocate(total, shares)
		require.NoError(t, err)
		assert.Equal(t, strs(first), strs(again))
	}
}

func TestAllocate_DoesNotMutateTotal(t *testing.T) {
	total := big.NewInt(1000)
	_, err := Allocate(total, pct("25", "75"))
	require.NoError(t, err)
	assert.Equal(t, int64(1000), total.Int64())
}

func TestValidate(t *testing.T) {
	v := Validate(pct("60", "30"))
	assert.False(t, v.Valid)
	assert.Contains(t, v.Error, "100")
	assert.True(t, v.Total.Equal(decimal.NewFromInt(90)))

	v = Validate(pct("33.33", "33.33", "33.33"))
	assert.True(t, v.Valid, "99.99 is inside tolerance")
	assert.Empty(t, v.Error)

	v = Validate(pct("33.33", "33.33", "33.32"))
	assert.False(t, v.Valid)

	v = Validate(nil)
	assert.False(t, v.Valid)
	assert.Contains(t, v.Error, "at least one share")
}

func TestAllocateFixed(t *testing.T) {
	got, err := AllocateFixed(big.NewInt(100), ints(30, 50))
	require.NoError(t, err)
	assert.Equal(t, strs(ints(30, 50)), strs(got))

	_, err = AllocateFixed(big.NewInt(100), ints(60, 50))
	assert.ErrorIs(t, err, ErrOverAllocated)

	_, err = AllocateFixed(big.NewInt(100), ints(10, 0))
	assert.ErrorIs(t, err, ErrInvalidFixedAmt)

	_, err = AllocateFixed(big.NewInt(100), nil)
	assert.ErrorIs(t, err, ErrNoShares)
}

func TestParsePercentages(t *testing.T) {
	got, err := ParsePercentages([]string{"33.33", "66.67"})
	require.NoError(t, err)
	assert.True(t, Validate(got).Valid)

	_, err = ParsePercentages([]string{"ten"})
	assert.ErrorIs(t, err, ErrInvalidPercentage)
}
