package retry

import (
	"context"
	"time"
)

// Store persists retryable transactions. Claim and ClaimNext must be atomic
// conditional updates performed by the datastore: they are the only thing
// preventing two sweeps from moving funds for the same record.
//
// Every claim carries a caller-chosen claim id. Renew and Finish only
// touch a row still held under that id, so a worker whose lease lapsed
// cannot overwrite the outcome of the worker that reclaimed it.
type Store interface {
	Enqueue(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)

	// Claim moves one row from queued to in_progress under claimID if it
	// is due. Reports false when another worker got there first.
	Claim(ctx context.Context, id, claimID string, now time.Time) (bool, error)

	// ClaimNext claims the earliest due row under claimID. Returns nil
	// when nothing is due.
	ClaimNext(ctx context.Context, now time.Time, claimID string) (*Transaction, error)

	// Renew extends the lease of a row still held under claimID.
	// ErrNotClaimed when the claim was lost.
	Renew(ctx context.Context, id, claimID string, now time.Time) error

	// Finish writes the outcome of an attempt and drops the claim. Only a
	// row still in_progress under tx.ClaimID is updated; otherwise
	// ErrNotClaimed.
	Finish(ctx context.Context, tx *Transaction) error

	// RequeueStale returns in_progress rows not renewed since before to
	// the queue, due immediately, and drops their claims.
	RequeueStale(ctx context.Context, before, now time.Time) (int64, error)

	// HasOpen reports whether a queued or in_progress row exists for the subject.
	HasOpen(ctx context.Context, subject SubjectType, subjectID string) (bool, error)
	ListBySubject(ctx context.Context, subject SubjectType, subjectID string) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)

	CountByStatus(ctx context.Context) (Stats, error)

	// DeleteTerminalBefore removes succeeded and failed_terminal rows last
	// updated before cutoff. Queued and in_progress rows are never removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
