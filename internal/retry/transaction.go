package retry

import (
	"errors"
	"time"

	"github.com/mbd888/custody/internal/idgen"
)

var (
	ErrNotFound   = errors.New("retryable transaction not found")
	ErrNotClaimed = errors.New("retryable transaction is not claimed by this worker")
)

// Operation is the kind of fund movement a Transaction settles.
type Operation string

const (
	OpRelease    Operation = "release"
	OpRefund     Operation = "refund"
	OpDistribute Operation = "distribute"
)

// Status is the processing state of a Transaction.
type Status string

const (
	StatusQueued     Status = "queued"      // Waiting for next_attempt_at
	StatusInProgress Status = "in_progress" // Claimed by a sweep
	StatusSucceeded  Status = "succeeded"
	// StatusFailedRetryable is reported by statistics for queued rows that
	// have failed at least once. It is never stored.
	StatusFailedRetryable Status = "failed_retryable"
	StatusFailedTerminal  Status = "failed_terminal" // Needs an operator
)

// SubjectType names the record a Transaction settles.
type SubjectType string

const (
	SubjectEscrow SubjectType = "escrow"
	SubjectSplit  SubjectType = "split"
)

// Transaction is a durable record of a fund movement that failed for an
// infrastructure reason and is eligible for automatic re-attempt.
type Transaction struct {
	ID            string      `json:"id"`
	SubjectType   SubjectType `json:"subjectType"`
	SubjectID     string      `json:"subjectId"`
	MilestoneID   string      `json:"milestoneId,omitempty"`
	Operation     Operation   `json:"operation"`
	Status        Status      `json:"status"`
	AttemptCount  int         `json:"attemptCount"`
	MaxAttempts   int         `json:"maxAttempts"`
	NextAttemptAt time.Time   `json:"nextAttemptAt"`
	LastError     string      `json:"lastError,omitempty"`
	// TxHash is the last transfer submitted for this record whose outcome
	// is not yet known. Executors check it before sending again.
	TxHash string `json:"txHash,omitempty"`
	// Amount is the base-unit value of the transfer behind TxHash.
	Amount string `json:"amount,omitempty"`
	// ClaimID identifies the sweep holding an in_progress row.
	ClaimID   string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the record will never be processed again.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailedTerminal
}

// Exhausted reports whether no attempts remain.
func (t *Transaction) Exhausted() bool {
	return t.AttemptCount >= t.MaxAttempts
}

// NewTransaction builds a queued record with attempt_count 0, first due
// after delay.
func NewTransaction(subject SubjectType, subjectID string, op Operation, maxAttempts int, delay time.Duration, now time.Time) *Transaction {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Transaction{
		ID:            idgen.New(idgen.Retry),
		SubjectType:   subject,
		SubjectID:     subjectID,
		Operation:     op,
		Status:        StatusQueued,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now.Add(delay),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Stats is the per-status count reported for operational visibility.
type Stats map[Status]int64
