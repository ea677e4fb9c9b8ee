package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs retry sweeps and retention cleanup on an interval inside the
// server process. External schedulers can invoke the same work through the
// admin endpoint or custodyctl instead.
type Timer struct {
	processor       *Processor
	interval        time.Duration
	cleanupInterval time.Duration
	retentionDays   int
	logger          *slog.Logger
	stop            chan struct{}
	running         atomic.Bool
	lastCleanup     time.Time
}

// NewTimer creates a sweep timer.
func NewTimer(processor *Processor, interval time.Duration, retentionDays int, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		processor:       processor,
		interval:        interval,
		cleanupInterval: 6 * time.Hour,
		retentionDays:   retentionDays,
		logger:          logger,
		stop:            make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
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
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in retry timer", "panic", fmt.Sprint(r))
		}
	}()
	t.sweep(ctx)
}

func (t *Timer) sweep(ctx context.Context) {
	if _, err := t.processor.ProcessPending(ctx); err != nil {
		t.logger.Warn("retry sweep failed", "error", err)
	}

	if time.Since(t.lastCleanup) < t.cleanupInterval {
		return
	}
	t.lastCleanup = time.Now()
	if _, err := t.processor.Cleanup(ctx, t.retentionDays); err != nil {
		t.logger.Warn("retry cleanup failed", "error", err)
	}
}
