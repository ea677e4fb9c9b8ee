package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRPC = errors.New("rpc: connection reset")

func TestDo_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 5, time.Microsecond, func() error {
		calls++
		if calls < 3 {
			return errRPC
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, time.Microsecond, func() error {
		calls++
		return fmt.Errorf("attempt %d: %w", calls, errRPC)
	})
	assert.EqualError(t, err, "attempt 3: rpc: connection reset")
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentIsUnwrapped(t *testing.T) {
	conflict := errors.New("status conflict")
	calls := 0
	err := Do(context.Background(), 5, time.Microsecond, func() error {
		calls++
		return Permanent(conflict)
	})
	assert.Same(t, conflict, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), 0, time.Microsecond, func() error { calls++; return errRPC })
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Do(ctx, 10, time.Hour, func() error { return errRPC })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPermanent(t *testing.T) {
	pe := Permanent(errRPC)
	assert.ErrorIs(t, pe, errRPC)
	assert.True(t, IsPermanent(fmt.Errorf("settle: %w", pe)))
	assert.False(t, IsPermanent(errRPC))
	assert.NoError(t, Permanent(nil))
}

func TestBackoff(t *testing.T) {
	base, ceiling := 30*time.Second, 10*time.Minute
	for attempt, want := range map[int]time.Duration{
		-1: 30 * time.Second,
		0:  30 * time.Second,
		1:  time.Minute,
		4:  8 * time.Minute,
		5:  10 * time.Minute,
		60: 10 * time.Minute,
	} {
		assert.Equal(t, want, Backoff(base, ceiling, attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 8*time.Second, Backoff(time.Second, 0, 3))
}

func TestJitterStaysInBand(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := jitter(time.Second)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
	assert.Equal(t, time.Duration(2), jitter(2))
}
