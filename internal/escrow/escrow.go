// Package escrow holds funds for a buyer and seller in a custody wallet
// until the buyer releases them, asks for a refund, or an arbiter decides.
//
// Flow:
//  1. Create → a fresh custody wallet is generated; escrow is pending
//  2. Buyer funds the wallet on-chain → DetectFunding marks it funded
//  3. Buyer releases → funded → releasing → released (seller paid)
//  4. Buyer refunds → funded → refunded (buyer paid)
//  5. Either party disputes → disputed → arbiter resolves
//  6. Time-locked escrows expire: unfunded ones close, funded ones refund
//
// Each payout is one attempt against the chain. Infrastructure failures
// are handed to the retry processor, which calls back into this package
// through Service's retry.Executor implementation.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/custody/internal/chain"
	"github.com/mbd888/custody/internal/pagination"
)

var (
	ErrEscrowNotFound         = errors.New("escrow not found")
	ErrMilestoneNotFound      = errors.New("milestone not found")
	ErrInvalidStateTransition = errors.New("invalid escrow state transition")
	ErrUnauthorized           = errors.New("not authorized for this escrow operation")
	ErrStatusConflict         = errors.New("escrow status changed concurrently")
	ErrSettlementPending      = errors.New("a settlement for this escrow is already queued for retry")
	ErrSettlementInProgress   = errors.New("a settlement attempt for this escrow is in progress")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrSameParty              = errors.New("buyer and seller cannot be the same address")
	ErrInvalidType            = errors.New("invalid escrow type")
	ErrExpiryRequired         = errors.New("time-locked escrow requires a future expiry")
	ErrInvalidOutcome         = errors.New("resolution outcome must be release or refund")
	ErrCustodyIncomplete      = errors.New("custody address and encrypted key must be set together")
	ErrNotExpired             = errors.New("escrow has not reached its expiry")
	ErrInvalidMilestones      = errors.New("invalid milestones")

	// Funding problems. Surfaced distinctly and never retried.
	ErrCustodyEmpty        = chain.ErrCustodyEmpty
	ErrInsufficientForFees = chain.ErrInsufficientForFees
)

// RetryableError reports that an attempt failed for an infrastructure
// reason and was queued for the retry processor.
type RetryableError struct {
	RetryID string
	Err     error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("settlement queued for retry %s: %v", e.RetryID, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Status is the lifecycle state of an escrow.
type Status string

const (
	StatusPending   Status = "pending"   // Waiting for the custody wallet to be funded
	StatusFunded    Status = "funded"    // Balance covers the total
	StatusReleasing Status = "releasing" // Release transfer in flight
	StatusReleased  Status = "released"
	StatusDisputed  Status = "disputed" // Waiting for an arbiter
	StatusResolved  Status = "resolved"
	StatusRefunded  Status = "refunded"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Type selects how an escrow pays out.
type Type string

const (
	TypeSimple     Type = "simple"
	TypeTimeLocked Type = "time_locked"
	TypeMilestone  Type = "milestone"
)

func (t Type) valid() bool {
	return t == TypeSimple || t == TypeTimeLocked || t == TypeMilestone
}

// Resolution values stored on the escrow while a payout is outstanding,
// so a retried attempt ends in the same final status.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
	ResolutionExpired = "expired"
)

// Escrow is a custody record between a buyer and a seller.
type Escrow struct {
	ID             string     `json:"id"`
	BuyerAddr      string     `json:"buyerAddr"`
	SellerAddr     string     `json:"sellerAddr"`
	TotalAmount    string     `json:"totalAmount"` // chain-native unit, e.g. "1.5"
	Currency       string     `json:"currency"`
	Chain          string     `json:"chain"`
	CustodyAddress string     `json:"custodyAddress,omitempty"`
	EncryptedKey   string     `json:"-"`
	Type           Type       `json:"type"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	Status         Status     `json:"status"`
	TxHash         string     `json:"txHash,omitempty"`
	AmountSent     string     `json:"amountSent,omitempty"` // base units of the last payout
	Resolution     string     `json:"resolution,omitempty"`
	DisputeReason  string     `json:"disputeReason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	FundedAt       *time.Time `json:"fundedAt,omitempty"`
	ReleasedAt     *time.Time `json:"releasedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusReleased, StatusRefunded, StatusExpired, StatusCancelled, StatusResolved:
		return true
	}
	return false
}

// validateCustody enforces the all-or-nothing custody pair.
func (e *Escrow) validateCustody() error {
	if (e.CustodyAddress == "") != (e.EncryptedKey == "") {
		return ErrCustodyIncomplete
	}
	return nil
}

// MilestoneStatus is the lifecycle state of one milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneActive    MilestoneStatus = "active"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneReleased  MilestoneStatus = "released"
)

// Milestone is one tranche of a milestone escrow.
type Milestone struct {
	ID         string          `json:"id"`
	EscrowID   string          `json:"escrowId"`
	Position   int             `json:"position"`
	Title      string          `json:"title"`
	Percentage string          `json:"percentage"`
	Amount     string          `json:"amount"` // allocated base units
	Status     MilestoneStatus `json:"status"`
	TxHash     string          `json:"txHash,omitempty"`
	ReleasedAt *time.Time      `json:"releasedAt,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Activity is one append-only audit entry. Failed attempts are recorded too.
type Activity struct {
	ID        int64     `json:"id"`
	EscrowID  string    `json:"escrowId"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists escrows, milestones and their activity.
type Store interface {
	// Create inserts the escrow with its milestones in one unit.
	Create(ctx context.Context, e *Escrow, milestones []*Milestone) error
	Get(ctx context.Context, id string) (*Escrow, error)
	// ListByParty pages escrows where addr is buyer or seller, newest first,
	// starting after the cursor when one is given.
	ListByParty(ctx context.Context, addr string, after *pagination.Cursor, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	// ListExpiring returns time-locked escrows still pending or funded whose
	// expiry is before the given time.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)

	// Transition writes e's mutable fields only if the stored status still
	// equals from. Returns ErrStatusConflict when it does not.
	Transition(ctx context.Context, e *Escrow, from Status) error

	Milestones(ctx context.Context, escrowID string) ([]*Milestone, error)
	// UpdateMilestone is the milestone counterpart of Transition.
	UpdateMilestone(ctx context.Context, m *Milestone, from MilestoneStatus) error

	// LockSettlement takes the escrow's settlement lock without waiting.
	// It is held by at most one caller across every process sharing the
	// store; ErrSettlementInProgress when someone else has it.
	LockSettlement(ctx context.Context, escrowID string) (unlock func(), err error)

	AppendActivity(ctx context.Context, a *Activity) error
	ListActivity(ctx context.Context, escrowID string, limit int) ([]*Activity, error)
}

// MilestoneRequest describes one milestone at creation.
type MilestoneRequest struct {
	Title      string `json:"title" binding:"required"`
	Percentage string `json:"percentage" binding:"required"`
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	BuyerAddr  string             `json:"buyerAddr" binding:"required"`
	SellerAddr string             `json:"sellerAddr" binding:"required"`
	Amount     string             `json:"amount" binding:"required"`
	Chain      string             `json:"chain"`
	Type       Type               `json:"type"`
	ExpiresAt  *time.Time         `json:"expiresAt"`
	Milestones []MilestoneRequest `json:"milestones"`
}

// DisputeRequest contains the parameters for disputing an escrow.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest contains an arbiter's decision.
type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"` // release | refund
	Reason  string `json:"reason"`
}

// SettlementResult is what a successful payout reports.
type SettlementResult struct {
	Escrow     *Escrow `json:"escrow"`
	TxHash     string  `json:"txHash"`
	AmountSent string  `json:"amountSent"`
}
