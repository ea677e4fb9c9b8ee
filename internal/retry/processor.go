package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/custody/internal/idgen"
	"github.com/mbd888/custody/internal/metrics"
	"github.com/mbd888/custody/internal/traces"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultMaxAttempts   = 5
	DefaultBaseDelay     = 30 * time.Second
	DefaultMaxDelay      = time.Hour
	DefaultBatchSize     = 25
	DefaultLease         = 10 * time.Minute
	DefaultRetentionDays = 30
)

// Config tunes the durable retry schedule.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	BatchSize   int
	// Lease is how long a claim survives without renewal before a later
	// sweep assumes its worker died and requeues the row. Workers renew
	// every third of it while an attempt runs.
	Lease time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	return c
}

// Executor re-runs the fund movement a Transaction describes. Each subject
// type registers one.
//
// Execute may set tx.TxHash once a transfer has been submitted so the
// next attempt can look for its receipt before sending again. Returning an
// error wrapped with Permanent ends retrying immediately.
//
// Abandon is called once when the record becomes failed_terminal, so the
// subject can leave its in-flight state and record operator attention.
type Executor interface {
	Execute(ctx context.Context, tx *Transaction) error
	Abandon(ctx context.Context, tx *Transaction, cause error) error
}

// Submitted identifies a broadcast transfer whose outcome is unknown.
type Submitted struct {
	TxHash string
	Amount string
}

// Summary is the aggregate outcome of one sweep.
type Summary struct {
	Processed int   `json:"processed"`
	Succeeded int   `json:"succeeded"`
	Failed    int   `json:"failed"`
	Requeued  int64 `json:"requeued"`
}

// Processor drains due retryable transactions. It holds no state between
// sweeps, so several processes may run it concurrently against one Store.
type Processor struct {
	store     Store
	executors map[SubjectType]Executor
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessor creates a processor over store.
func NewProcessor(store Store, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     store,
		executors: make(map[SubjectType]Executor),
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
	}
}

// Register installs the executor for a subject type. Call before the first sweep.
func (p *Processor) Register(subject SubjectType, exec Executor) *Processor {
	p.executors[subject] = exec
	return p
}

// Config returns the effective configuration.
func (p *Processor) Config() Config {
	return p.cfg
}

// Enqueue records a failed first attempt. The row starts with attempt
// count 0 and becomes due after the base delay.
//
// submitted carries the transfer that was broadcast but not confirmed, if
// any, so the next attempt waits for it instead of sending again.
func (p *Processor) Enqueue(ctx context.Context, subject SubjectType, subjectID, milestoneID string, op Operation, submitted *Submitted, cause error) (*Transaction, error) {
	now := p.now()
	tx := NewTransaction(subject, subjectID, op, p.cfg.MaxAttempts, Backoff(p.cfg.BaseDelay, p.cfg.MaxDelay, 0), now)
	tx.MilestoneID = milestoneID
	if submitted != nil {
		tx.TxHash = submitted.TxHash
		tx.Amount = submitted.Amount
	}
	if cause != nil {
		tx.LastError = cause.Error()
	}
	if err := p.store.Enqueue(ctx, tx); err != nil {
		return nil, fmt.Errorf("enqueue retry for %s %s: %w", subject, subjectID, err)
	}
	p.logger.Info("retry enqueued",
		"retryId", tx.ID, "subject", subject, "subjectId", subjectID,
		"operation", op, "nextAttemptAt", tx.NextAttemptAt, "error", tx.LastError)
	return tx, nil
}

// HasOpen reports whether a queued or in-progress retry exists for the subject.
func (p *Processor) HasOpen(ctx context.Context, subject SubjectType, subjectID string) (bool, error) {
	return p.store.HasOpen(ctx, subject, subjectID)
}

// ProcessPending runs one sweep: it requeues rows whose lease expired, then
// claims and attempts due rows one at a time, up to BatchSize.
func (p *Processor) ProcessPending(ctx context.Context) (*Summary, error) {
	now := p.now()
	summary := &Summary{}

	requeued, err := p.store.RequeueStale(ctx, now.Add(-p.cfg.Lease), now)
	if err != nil {
		return summary, fmt.Errorf("requeue stale retries: %w", err)
	}
	summary.Requeued = requeued
	if requeued > 0 {
		p.logger.Warn("requeued retries with expired lease", "count", requeued)
	}

	for summary.Processed < p.cfg.BatchSize && ctx.Err() == nil {
		tx, err := p.store.ClaimNext(ctx, p.now(), idgen.Hex(8))
		if err != nil {
			return summary, fmt.Errorf("claim due retry: %w", err)
		}
		if tx == nil {
			break
		}
		summary.Processed++
		if p.process(ctx, tx) {
			summary.Succeeded++
		} else {
			summary.Failed++
		}
	}

	if summary.Processed > 0 {
		p.logger.Info("retry sweep complete",
			"processed", summary.Processed, "succeeded", summary.Succeeded, "failed", summary.Failed)
	}
	return summary, nil
}

// process attempts one claimed row and records the outcome. Reports success;
// an attempt whose outcome could not be recorded under its claim is a failure.
func (p *Processor) process(ctx context.Context, tx *Transaction) bool {
	ctx, span := traces.StartSpan(ctx, "retry.process",
		traces.RetryID(tx.ID), traces.Operation(string(tx.Operation)), traces.Attempt(tx.AttemptCount+1))
	defer span.End()

	logger := p.logger.With("retryId", tx.ID, "subject", tx.SubjectType,
		"subjectId", tx.SubjectID, "operation", tx.Operation)

	release := p.holdLease(ctx, tx.ID, tx.ClaimID)
	execErr := p.execute(ctx, tx)
	release()
	now := p.now()
	tx.UpdatedAt = now

	if execErr == nil {
		tx.Status = StatusSucceeded
		tx.LastError = ""
		if err := p.store.Finish(ctx, tx); err != nil {
			logger.Error("retry executed but its outcome was not recorded", "txHash", tx.TxHash, "error", err)
			metrics.RetryOutcomesTotal.WithLabelValues(string(tx.Operation), "unrecorded").Inc()
			return false
		}
		metrics.RetryOutcomesTotal.WithLabelValues(string(tx.Operation), "succeeded").Inc()
		logger.Info("retry succeeded", "attempt", tx.AttemptCount+1, "txHash", tx.TxHash)
		return true
	}

	span.RecordError(execErr)
	tx.AttemptCount++
	tx.LastError = execErr.Error()

	if IsPermanent(execErr) || tx.Exhausted() {
		tx.Status = StatusFailedTerminal
		if err := p.store.Finish(ctx, tx); err != nil {
			logger.Error("failed to record terminal retry", "error", err)
			return false
		}
		if exec, ok := p.executors[tx.SubjectType]; ok {
			if err := exec.Abandon(ctx, tx, execErr); err != nil {
				logger.Error("failed to abandon settlement", "error", err)
			}
		}
		metrics.RetryOutcomesTotal.WithLabelValues(string(tx.Operation), "terminal").Inc()
		logger.Error("retry failed terminally, operator attention required",
			"attempts", tx.AttemptCount, "maxAttempts", tx.MaxAttempts, "error", execErr)
		return false
	}

	tx.Status = StatusQueued
	tx.NextAttemptAt = now.Add(Backoff(p.cfg.BaseDelay, p.cfg.MaxDelay, tx.AttemptCount))
	if err := p.store.Finish(ctx, tx); err != nil {
		logger.Error("failed to reschedule retry", "error", err)
		return false
	}
	metrics.RetryOutcomesTotal.WithLabelValues(string(tx.Operation), "rescheduled").Inc()
	logger.Warn("retry attempt failed, rescheduled",
		"attempts", tx.AttemptCount, "nextAttemptAt", tx.NextAttemptAt, "error", execErr)
	return false
}

// holdLease renews the claim every third of the lease until the returned
// func is called.
func (p *Processor) holdLease(ctx context.Context, id, claimID string) func() {
	every := p.cfg.Lease / 3
	if every <= 0 {
		every = p.cfg.Lease
	}
	ticker := time.NewTicker(every)
	stop := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.store.Renew(ctx, id, claimID, p.now()); err != nil {
					p.logger.Warn("failed to renew retry lease", "retryId", id, "error", err)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-stopped
	}
}

// execute dispatches to the subject's executor, turning panics and missing
// executors into permanent failures.
func (p *Processor) execute(ctx context.Context, tx *Transaction) (err error) {
	exec, ok := p.executors[tx.SubjectType]
	if !ok {
		return Permanent(fmt.Errorf("no executor registered for subject type %q", tx.SubjectType))
	}
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("executor panic: %v", r))
		}
	}()
	return exec.Execute(ctx, tx)
}

// Cleanup deletes succeeded and failed_terminal rows older than the given
// number of days. Non-positive values use DefaultRetentionDays.
func (p *Processor) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = DefaultRetentionDays
	}
	cutoff := p.now().AddDate(0, 0, -olderThanDays)
	n, err := p.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup retries: %w", err)
	}
	metrics.RetryCleanedTotal.Add(float64(n))
	if n > 0 {
		p.logger.Info("cleaned up terminal retries", "deleted", n, "olderThanDays", olderThanDays)
	}
	return n, nil
}

// Statistics returns counts grouped by status. Every status is present,
// zero included.
func (p *Processor) Statistics(ctx context.Context) (Stats, error) {
	counts, err := p.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("retry statistics: %w", err)
	}
	stats := Stats{}
	for _, s := range []Status{StatusQueued, StatusInProgress, StatusSucceeded, StatusFailedRetryable, StatusFailedTerminal} {
		stats[s] = counts[s]
		metrics.RetryQueue.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return stats, nil
}

// ListFailed returns the most recent failed_terminal rows for operator review.
func (p *Processor) ListFailed(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return p.store.ListByStatus(ctx, StatusFailedTerminal, limit)
}

// Get returns one retry row.
func (p *Processor) Get(ctx context.Context, id string) (*Transaction, error) {
	return p.store.Get(ctx, id)
}
