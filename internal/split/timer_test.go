package split

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimer_DetectsFunding(t *testing.T) {
	h := newHarness(t)
	sp := h.create(t, "1", percentages(alice, "100"))
	other := h.create(t, "2", percentages(bob, "100"))
	h.gw.fund(sp.CustodyAddress, oneEth)

	timer := NewTimer(h.svc, h.store, time.Minute, slog.New(slog.DiscardHandler))
	timer.tick(context.Background())

	assert.Equal(t, StatusFunded, h.status(t, sp.ID))
	assert.Equal(t, StatusPending, h.status(t, other.ID))
}

func TestTimer_StartStop(t *testing.T) {
	h := newHarness(t)
	timer := NewTimer(h.svc, h.store, time.Millisecond, slog.New(slog.DiscardHandler))

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	assert.Eventually(t, timer.Running, time.Second, time.Millisecond)
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
