package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultInterval is used when NewTimer gets a non-positive interval.
const DefaultInterval = 5 * time.Minute

// Timer runs reconciliation once at start and then every interval.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	failures atomic.Int64
}

// NewTimer creates a reconciliation timer.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// Running reports whether the loop is alive.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// ConsecutiveFailures is the number of runs since the last one that completed.
func (t *Timer) ConsecutiveFailures() int64 {
	return t.failures.Load()
}

// Start blocks until ctx ends or Stop is called. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.runOnce(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.runOnce(ctx)
		}
	}
}

// Stop ends the loop. Extra calls are dropped.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			t.logger.Error("panic in reconciliation run", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.runner.RunAll(ctx)
	if err != nil {
		n := t.failures.Add(1)
		t.logger.Warn("reconciliation run failed", "error", err, "consecutive_failures", n)
		return
	}
	t.failures.Store(0)
	if !report.Balanced() {
		t.logger.Error("reconciliation found shortfalls", "count", len(report.Shortfalls), "checked", report.Checked)
	}
}
