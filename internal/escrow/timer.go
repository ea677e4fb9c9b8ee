package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// timerBatch bounds how many escrows one tick looks at per pass.
const timerBatch = 100

// Timer periodically detects funding of pending escrows and expires
// time-locked escrows past their deadline.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new escrow timer. A non-positive interval defaults to 30s.
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

// Running reports whether the timer loop is actively running.
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

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	t.tick(ctx)
}

func (t *Timer) tick(ctx context.Context) {
	t.expire(ctx)
	t.detectFunding(ctx)
}

// expire runs before funding detection so a deposit landing after the
// deadline is refunded rather than accepted.
func (t *Timer) expire(ctx context.Context) {
	due, err := t.store.ListExpiring(ctx, t.service.now(), timerBatch)
	if err != nil {
		t.logger.Warn("failed to list expiring escrows", "error", err)
		return
	}
	for _, e := range due {
		res, err := t.service.Expire(ctx, e.ID)
		var rerr *RetryableError
		switch {
		case err == nil:
			t.logger.Info("escrow expired", "escrowId", e.ID, "txHash", res.TxHash, "amountSent", res.AmountSent)
		case errors.As(err, &rerr):
			t.logger.Warn("expiry refund queued for retry", "escrowId", e.ID, "retryId", rerr.RetryID, "error", rerr.Err)
		case errors.Is(err, ErrSettlementPending), errors.Is(err, ErrSettlementInProgress):
			t.logger.Debug("expiry refund already queued", "escrowId", e.ID)
		case errors.Is(err, ErrCustodyEmpty), errors.Is(err, ErrInsufficientForFees):
			t.logger.Warn("expired escrow cannot be refunded yet", "escrowId", e.ID, "error", err)
		default:
			t.logger.Warn("failed to expire escrow", "escrowId", e.ID, "error", err)
		}
	}
}

func (t *Timer) detectFunding(ctx context.Context) {
	pending, err := t.store.ListByStatus(ctx, StatusPending, timerBatch)
	if err != nil {
		t.logger.Warn("failed to list pending escrows", "error", err)
		return
	}
	for _, e := range pending {
		if _, funded, err := t.service.DetectFunding(ctx, e.ID); err != nil {
			t.logger.Warn("funding check failed", "escrowId", e.ID, "error", err)
		} else if funded {
			t.logger.Info("escrow funded", "escrowId", e.ID, "custody", e.CustodyAddress)
		}
	}
}
