package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *clock) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, cooldown)
	b.now = clk.Now
	return b, clk
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.Failure("base-sepolia")
	b.Failure("base-sepolia")
	assert.True(t, b.Allow("base-sepolia"))

	b.Failure("base-sepolia")
	assert.False(t, b.Allow("base-sepolia"))
	assert.Equal(t, StateOpen, b.State("base-sepolia"))

	// Circuits are independent per chain.
	assert.True(t, b.Allow("mainnet"))
	assert.Equal(t, StateClosed, b.State("mainnet"))
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.Failure("c")
	b.Success("c")
	b.Failure("c")
	assert.Equal(t, StateClosed, b.State("c"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	b.Failure("c")
	assert.False(t, b.Allow("c"))

	clk.advance(time.Minute)
	require.True(t, b.Allow("c"), "one probe after cooldown")
	assert.Equal(t, StateHalfOpen, b.State("c"))
	assert.False(t, b.Allow("c"), "second caller waits for the probe")

	b.Success("c")
	assert.Equal(t, StateClosed, b.State("c"))
	assert.True(t, b.Allow("c"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	b.Failure("c")
	clk.advance(time.Minute)
	require.True(t, b.Allow("c"))
	b.Failure("c")

	assert.Equal(t, StateOpen, b.State("c"))
	clk.advance(30 * time.Second)
	assert.False(t, b.Allow("c"), "cooldown restarts from the failed probe")
}

func TestGuard(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	rpcDown := errors.New("connection refused")
	badInput := errors.New("invalid address")
	counts := func(err error) bool { return !errors.Is(err, badInput) }

	for i := 0; i < 3; i++ {
		_, err := Guard(b, "c", counts, func() (int, error) { return 0, badInput })
		assert.ErrorIs(t, err, badInput)
	}
	assert.Equal(t, StateClosed, b.State("c"), "ignored errors never trip")

	for i := 0; i < 2; i++ {
		_, err := Guard(b, "c", counts, func() (int, error) { return 0, rpcDown })
		assert.ErrorIs(t, err, rpcDown)
	}

	called := false
	_, err := Guard(b, "c", counts, func() (int, error) { called = true; return 1, nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestOnTransition(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	got := make(chan [2]State, 1)
	b.OnTransition(func(key string, from, to State) {
		assert.Equal(t, "c", key)
		got <- [2]State{from, to}
	})

	b.Failure("c")
	select {
	case tr := <-got:
		assert.Equal(t, [2]State{StateClosed, StateOpen}, tr)
	case <-time.After(time.Second):
		t.Fatal("no transition callback")
	}
}

func TestSnapshotAndStateNames(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.Failure("a")
	b.Failure("b")
	b.Success("b")

	snap := b.Snapshot()
	assert.Equal(t, StateOpen, snap["a"])
	assert.Equal(t, StateOpen, snap["b"], "success does not close an open circuit")

	text, err := StateHalfOpen.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "half_open", string(text))
	assert.Equal(t, "unknown", State(9).String())
}

func TestBreaker_ConcurrentUse(t *testing.T) {
	b := New(1000, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if b.Allow("c") {
					b.Failure("c")
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, StateOpen, b.State("c"))
}
