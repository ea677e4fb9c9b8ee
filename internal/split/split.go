// Package split distributes one payer's deposit to many recipients.
//
// Flow: Create (payer, recipients with percentage or fixed shares) →
// the payer funds the custody wallet → DetectFunding marks it funded →
// Distribute pays each recipient in order from the custody wallet.
//
// Recipients are paid one transfer at a time. A recipient's hash is
// stored as soon as its transfer is submitted and PaidAt once it is
// confirmed, so a retried distribution resumes where it stopped and never
// pays a recipient twice.
package split

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/custody/internal/chain"
	"github.com/mbd888/custody/internal/pagination"
)

var (
	ErrSplitNotFound          = errors.New("split not found")
	ErrInvalidStateTransition = errors.New("invalid split state transition")
	ErrUnauthorized           = errors.New("only the payer may do this")
	ErrStatusConflict         = errors.New("split status changed concurrently")
	ErrDistributionPending    = errors.New("a distribution for this split is already queued for retry")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidShares          = errors.New("invalid shares")
	ErrTooManyRecipients      = errors.New("too many recipients")
	ErrPayerIsRecipient       = errors.New("payer cannot be a recipient")
	ErrDuplicateRecipient     = errors.New("duplicate recipient")
	ErrCustodyIncomplete      = errors.New("custody address and encrypted key must be set together")

	ErrCustodyEmpty        = chain.ErrCustodyEmpty
	ErrInsufficientForFees = chain.ErrInsufficientForFees
)

// RetryableError reports that a distribution stopped on an infrastructure
// failure and was queued for the retry processor.
type RetryableError struct {
	RetryID string
	Err     error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("distribution queued for retry %s: %v", e.RetryID, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// MaxRecipients bounds one split.
const MaxRecipients = 100

// Status is the lifecycle state of a split.
type Status string

const (
	StatusPending      Status = "pending"
	StatusFunded       Status = "funded"
	StatusDistributing Status = "distributing"
	StatusDistributed  Status = "distributed"
	StatusCancelled    Status = "cancelled"
)

// ShareType says how recipients' amounts are expressed.
type ShareType string

const (
	SharePercentage ShareType = "percentage"
	ShareFixed      ShareType = "fixed"
)

// Event asks a split to change status.
type Event string

const (
	EventFund       Event = "fund"
	EventCancel     Event = "cancel"
	EventDistribute Event = "distribute"
	EventSettle     Event = "settle"
	EventAbort      Event = "abort"
)

var transitions = map[Status]map[Event]Status{
	StatusPending:      {EventFund: StatusFunded, EventCancel: StatusCancelled},
	StatusFunded:       {EventDistribute: StatusDistributing},
	StatusDistributing: {EventSettle: StatusDistributed, EventAbort: StatusFunded},
}

// Next returns the status event leads to, or ErrInvalidStateTransition.
func Next(current Status, event Event) (Status, error) {
	if to, ok := transitions[current][event]; ok {
		return to, nil
	}
	return "", fmt.Errorf("%w: cannot %s from %s", ErrInvalidStateTransition, event, current)
}

// Split is one payer-to-many distribution held in custody.
type Split struct {
	ID             string     `json:"id"`
	PayerAddr      string     `json:"payerAddr"`
	TotalAmount    string     `json:"totalAmount"`
	Currency       string     `json:"currency"`
	Chain          string     `json:"chain"`
	CustodyAddress string     `json:"custodyAddress,omitempty"`
	EncryptedKey   string     `json:"-"`
	ShareType      ShareType  `json:"shareType"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	FundedAt       *time.Time `json:"fundedAt,omitempty"`
	DistributedAt  *time.Time `json:"distributedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

func (s *Split) validateCustody() error {
	if (s.CustodyAddress == "") != (s.EncryptedKey == "") {
		return ErrCustodyIncomplete
	}
	return nil
}

// Recipient is one payee. Amount is in base units and is recomputed from
// the custody balance when distribution starts.
type Recipient struct {
	ID          string     `json:"id"`
	SplitID     string     `json:"splitId"`
	Position    int        `json:"position"`
	Address     string     `json:"address"`
	Percentage  string     `json:"percentage,omitempty"`
	FixedAmount string     `json:"fixedAmount,omitempty"` // base units
	Amount      string     `json:"amount"`
	TxHash      string     `json:"txHash,omitempty"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Paid reports whether the recipient's transfer confirmed.
func (r *Recipient) Paid() bool { return r.PaidAt != nil }

// Activity is one append-only audit entry.
type Activity struct {
	ID        int64     `json:"id"`
	SplitID   string    `json:"splitId"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists splits, recipients and activity.
type Store interface {
	Create(ctx context.Context, s *Split, recipients []*Recipient) error
	Get(ctx context.Context, id string) (*Split, error)
	// ListByPayer pages the payer's splits, newest first.
	ListByPayer(ctx context.Context, addr string, after *pagination.Cursor, limit int) ([]*Split, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Split, error)
	// Transition writes s only if the stored status equals from.
	Transition(ctx context.Context, s *Split, from Status) error

	Recipients(ctx context.Context, splitID string) ([]*Recipient, error)
	// UpdateRecipient writes amount, hash and paid time. A recipient that
	// is already paid is never rewritten; that returns ErrStatusConflict.
	UpdateRecipient(ctx context.Context, r *Recipient) error

	AppendActivity(ctx context.Context, a *Activity) error
	ListActivity(ctx context.Context, splitID string, limit int) ([]*Activity, error)
}

// RecipientRequest is one payee at creation. Exactly one of Percentage or
// Amount is set, and all recipients use the same kind.
type RecipientRequest struct {
	Address    string `json:"address" binding:"required"`
	Percentage string `json:"percentage"`
	Amount     string `json:"amount"` // chain-native unit
}

// CreateRequest contains the parameters for creating a split.
type CreateRequest struct {
	PayerAddr  string             `json:"payerAddr" binding:"required"`
	Amount     string             `json:"amount" binding:"required"`
	Chain      string             `json:"chain"`
	Recipients []RecipientRequest `json:"recipients" binding:"required"`
}

// Result is what a completed distribution reports.
type Result struct {
	Split      *Split       `json:"split"`
	Recipients []*Recipient `json:"recipients"`
}
