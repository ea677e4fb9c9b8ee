package split

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const timerBatch = 100

// Timer periodically checks pending splits for funding.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a funding poller. A non-positive interval defaults to 30s.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeTick(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in split timer", "panic", fmt.Sprint(r))
		}
	}()
	t.tick(ctx)
}

func (t *Timer) tick(ctx context.Context) {
	pending, err := t.store.ListByStatus(ctx, StatusPending, timerBatch)
	if err != nil {
		t.logger.Warn("failed to list pending splits", "error", err)
		return
	}
	for _, sp := range pending {
		if _, funded, err := t.service.DetectFunding(ctx, sp.ID); err != nil {
			t.logger.Warn("split funding check failed", "splitId", sp.ID, "error", err)
		} else if funded {
			t.logger.Info("split funded", "splitId", sp.ID, "custody", sp.CustodyAddress)
		}
	}
}
