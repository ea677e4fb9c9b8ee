package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/custody/internal/allocation"
	"github.com/mbd888/custody/internal/chain"
	"github.com/mbd888/custody/internal/idgen"
	"github.com/mbd888/custody/internal/keystore"
	"github.com/mbd888/custody/internal/metrics"
	"github.com/mbd888/custody/internal/pagination"
	"github.com/mbd888/custody/internal/retry"
	"github.com/mbd888/custody/internal/syncutil"
	"github.com/mbd888/custody/internal/units"
)

// MaxMilestones bounds the milestones of one escrow.
const MaxMilestones = 20

// Custodian generates custody wallets and decrypts their keys.
type Custodian interface {
	keystore.Decryptor
	NewCustodyWallet() (*keystore.CustodyWallet, error)
}

// Retrier is the part of retry.Processor the settlement protocol uses.
type Retrier interface {
	Enqueue(ctx context.Context, subject retry.SubjectType, subjectID, milestoneID string, op retry.Operation, submitted *retry.Submitted, cause error) (*retry.Transaction, error)
	HasOpen(ctx context.Context, subject retry.SubjectType, subjectID string) (bool, error)
}

// Config tunes the escrow service.
type Config struct {
	Decimals       int    // decimal places of the chain-native currency
	Currency       string // symbol recorded on new escrows
	Arbiters       []string
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
}

// Service implements escrow business logic.
type Service struct {
	store    Store
	chains   *chain.Registry
	custody  Custodian
	retries  Retrier
	locks    *syncutil.KeyedMutex
	arbiters map[string]bool
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store Store, chains *chain.Registry, custody Custodian, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		chains:   chains,
		custody:  custody,
		locks:    syncutil.NewKeyedMutex(),
		arbiters: map[string]bool{},
		cfg: Config{
			Decimals:       18,
			Currency:       "ETH",
			ConfirmTimeout: chain.DefaultConfirmationTimeout,
			ConfirmPoll:    chain.ConfirmationPollInterval,
		},
		logger: logger,
		now:    time.Now,
	}
}

// WithConfig replaces the service configuration. Zero durations keep defaults.
func (s *Service) WithConfig(cfg Config) *Service {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = s.cfg.ConfirmTimeout
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = s.cfg.ConfirmPoll
	}
	if cfg.Currency == "" {
		cfg.Currency = s.cfg.Currency
	}
	if cfg.Decimals <= 0 {
		cfg.Decimals = s.cfg.Decimals
	}
	s.cfg = cfg
	s.arbiters = make(map[string]bool, len(cfg.Arbiters))
	for _, a := range cfg.Arbiters {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			s.arbiters[a] = true
		}
	}
	return s
}

// WithRetries wires the durable retry queue. Without it infrastructure
// failures are returned to the caller as plain errors.
func (s *Service) WithRetries(r Retrier) *Service {
	s.retries = r
	return s
}

// lock serializes attempts on one escrow within this process.
func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	return s.locks.Lock(ctx, "escrow:"+id)
}

// settlementLock is held for a whole payout attempt. The in-process lock
// queues local callers; the store lock turns away other replicas.
func (s *Service) settlementLock(ctx context.Context, id string) (func(), error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	release, err := s.store.LockSettlement(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	return func() {
		release()
		unlock()
	}, nil
}

// Create validates the request, generates a custody wallet and stores the
// escrow as pending.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	buyer := strings.ToLower(strings.TrimSpace(req.BuyerAddr))
	seller := strings.ToLower(strings.TrimSpace(req.SellerAddr))
	if buyer == seller {
		return nil, ErrSameParty
	}

	typ := req.Type
	if typ == "" {
		typ = TypeSimple
	}
	if !typ.valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, typ)
	}

	total, err := units.Parse(req.Amount, s.cfg.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if total.Sign() <= 0 {
		return nil, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}

	gw, err := s.chains.Get(req.Chain)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var expiresAt *time.Time
	switch typ {
	case TypeTimeLocked:
		if req.ExpiresAt == nil || !req.ExpiresAt.After(now) {
			return nil, ErrExpiryRequired
		}
		t := req.ExpiresAt.UTC()
		expiresAt = &t
	case TypeMilestone:
		if len(req.Milestones) == 0 || len(req.Milestones) > MaxMilestones {
			return nil, fmt.Errorf("%w: milestone escrow needs 1 to %d milestones", ErrInvalidMilestones, MaxMilestones)
		}
	}
	if typ != TypeMilestone && len(req.Milestones) > 0 {
		return nil, fmt.Errorf("%w: only milestone escrows take milestones", ErrInvalidMilestones)
	}

	id := idgen.New(idgen.Escrow)
	milestones, err := s.buildMilestones(id, total, req.Milestones, now)
	if err != nil {
		return nil, err
	}

	wallet, err := s.custody.NewCustodyWallet()
	if err != nil {
		return nil, fmt.Errorf("create custody wallet: %w", err)
	}

	e := &Escrow{
		ID:             id,
		BuyerAddr:      buyer,
		SellerAddr:     seller,
		TotalAmount:    units.Format(total, s.cfg.Decimals),
		Currency:       s.cfg.Currency,
		Chain:          gw.Name(),
		CustodyAddress: wallet.Address,
		EncryptedKey:   wallet.EncryptedKey,
		Type:           typ,
		ExpiresAt:      expiresAt,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, e, milestones); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	metrics.EscrowCreatedTotal.WithLabelValues(string(typ)).Inc()
	s.audit(ctx, e.ID, buyer, "created",
		fmt.Sprintf("%s escrow of %s %s, custody %s", typ, e.TotalAmount, e.Currency, e.CustodyAddress))
	s.logger.Info("escrow created", "escrowId", e.ID, "type", typ, "buyer", buyer, "seller", seller,
		"amount", e.TotalAmount, "custody", e.CustodyAddress)
	return e, nil
}

func (s *Service) buildMilestones(escrowID string, total *big.Int, reqs []MilestoneRequest, now time.Time) ([]*Milestone, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	raw := make([]string, len(reqs))
	for i, r := range reqs {
		raw[i] = r.Percentage
	}
	shares, err := allocation.ParsePercentages(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMilestones, err)
	}
	if v := allocation.Validate(shares); !v.Valid {
		return nil, fmt.Errorf("%w: %s", ErrInvalidMilestones, v.Error)
	}
	amounts, err := allocation.Allocate(total, shares)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMilestones, err)
	}

	out := make([]*Milestone, len(reqs))
	for i, r := range reqs {
		out[i] = &Milestone{
			ID:         idgen.New(idgen.Milestone),
			EscrowID:   escrowID,
			Position:   i,
			Title:      strings.TrimSpace(r.Title),
			Percentage: shares[i].String(),
			Amount:     amounts[i].String(),
			Status:     MilestonePending,
			UpdatedAt:  now,
		}
	}
	return out, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// Milestones returns an escrow's milestones in order.
func (s *Service) Milestones(ctx context.Context, id string) ([]*Milestone, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Milestones(ctx, id)
}

// Activity returns the audit trail, newest last.
func (s *Service) Activity(ctx context.Context, id string, limit int) ([]*Activity, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListActivity(ctx, id, limit)
}

// ListByParty returns one page of escrows where addr is buyer or seller,
// plus the cursor of the next page ("" on the last one).
func (s *Service) ListByParty(ctx context.Context, addr string, page pagination.Params) ([]*Escrow, string, error) {
	if page.Limit <= 0 {
		page.Limit = pagination.DefaultLimit
	}
	escrows, err := s.store.ListByParty(ctx, strings.ToLower(addr), page.Cursor, page.Limit+1)
	if err != nil {
		return nil, "", err
	}
	escrows, next := pagination.Page(escrows, page.Limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return escrows, next, nil
}

// DetectFunding checks the custody balance of a pending escrow and marks it
// funded once the balance covers the total. Calling it on an already
// funded escrow is a no-op. Reports whether the escrow is funded.
func (s *Service) DetectFunding(ctx context.Context, id string) (*Escrow, bool, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if e.Status != StatusPending {
		return e, e.FundedAt != nil, nil
	}
	if e.CustodyAddress == "" {
		return e, false, nil
	}

	gw, err := s.chains.Get(e.Chain)
	if err != nil {
		return nil, false, err
	}
	balance, err := gw.Balance(ctx, e.CustodyAddress)
	if err != nil {
		return nil, false, fmt.Errorf("check custody balance: %w", err)
	}
	total, err := units.Parse(e.TotalAmount, s.cfg.Decimals)
	if err != nil {
		return nil, false, fmt.Errorf("stored total %q: %w", e.TotalAmount, err)
	}
	if balance.Cmp(total) < 0 {
		return e, false, nil
	}

	now := s.now()
	e.FundedAt = &now
	if err := s.transition(ctx, e, EventFund, SystemActor,
		fmt.Sprintf("custody balance %s covers total", units.Format(balance, s.cfg.Decimals))); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			// Someone else moved it first; report what is stored now.
			fresh, gerr := s.store.Get(ctx, id)
			if gerr != nil {
				return nil, false, gerr
			}
			return fresh, fresh.FundedAt != nil, nil
		}
		return nil, false, err
	}
	return e, true, nil
}

// Cancel closes an unfunded escrow at the buyer's request.
func (s *Service) Cancel(ctx context.Context, id, actor string) (*Escrow, error) {
	return s.simpleTransition(ctx, id, actor, EventCancel, "", func(*Escrow) {})
}

// Dispute freezes a funded escrow until an arbiter resolves it.
func (s *Service) Dispute(ctx context.Context, id, actor, reason string) (*Escrow, error) {
	reason = strings.TrimSpace(reason)
	return s.simpleTransition(ctx, id, actor, EventDispute, reason, func(e *Escrow) {
		e.DisputeReason = reason
	})
}

// simpleTransition runs a status change that moves no funds.
func (s *Service) simpleTransition(ctx context.Context, id, actor string, event Event, message string, mutate func(*Escrow)) (*Escrow, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := Check(e, event, actor, s.arbiters); err != nil {
		s.audit(ctx, id, actor, string(event)+"_rejected", err.Error())
		return nil, err
	}
	if err := s.ensureNoOpenRetry(ctx, e.ID); err != nil {
		return nil, err
	}
	mutate(e)
	if err := s.transition(ctx, e, event, actor, message); err != nil {
		return nil, err
	}
	return e, nil
}

// ActivateMilestone marks a pending milestone active.
func (s *Service) ActivateMilestone(ctx context.Context, id, milestoneID, actor string) (*Milestone, error) {
	return s.milestoneTransition(ctx, id, milestoneID, actor, EventMilestoneActivate)
}

// CompleteMilestone marks an active milestone completed.
func (s *Service) CompleteMilestone(ctx context.Context, id, milestoneID, actor string) (*Milestone, error) {
	return s.milestoneTransition(ctx, id, milestoneID, actor, EventMilestoneComplete)
}

func (s *Service) milestoneTransition(ctx context.Context, id, milestoneID, actor string, event Event) (*Milestone, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, m, err := s.loadMilestone(ctx, id, milestoneID)
	if err != nil {
		return nil, err
	}
	to, err := CheckMilestone(e, m, event, actor)
	if err != nil {
		s.audit(ctx, id, actor, "milestone_"+string(event)+"_rejected", err.Error())
		return nil, err
	}
	from := m.Status
	m.Status = to
	m.UpdatedAt = s.now()
	if err := s.store.UpdateMilestone(ctx, m, from); err != nil {
		return nil, err
	}
	s.audit(ctx, id, actor, "milestone_"+string(event), fmt.Sprintf("milestone %q %s → %s", m.Title, from, to))
	return m, nil
}

func (s *Service) loadMilestone(ctx context.Context, id, milestoneID string) (*Escrow, *Milestone, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	ms, err := s.store.Milestones(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range ms {
		if m.ID == milestoneID {
			return e, m, nil
		}
	}
	return nil, nil, ErrMilestoneNotFound
}

// transition applies event to e and persists it with a compare-and-swap on
// the status e was loaded with. Fields set on e before the call are
// written in the same update.
func (s *Service) transition(ctx context.Context, e *Escrow, event Event, actor, message string) error {
	from := e.Status
	to, err := Next(from, event)
	if err != nil {
		return err
	}
	e.Status = to
	e.UpdatedAt = s.now()
	if err := s.store.Transition(ctx, e, from); err != nil {
		e.Status = from
		s.audit(ctx, e.ID, actor, string(event)+"_failed", err.Error())
		return err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(to)).Inc()
	msg := fmt.Sprintf("%s → %s", from, to)
	if message != "" {
		msg += ": " + message
	}
	s.audit(ctx, e.ID, actor, string(event), msg)
	return nil
}

func (s *Service) ensureNoOpenRetry(ctx context.Context, id string) error {
	if s.retries == nil {
		return nil
	}
	open, err := s.retries.HasOpen(ctx, retry.SubjectEscrow, id)
	if err != nil {
		return fmt.Errorf("check pending settlement: %w", err)
	}
	if open {
		return ErrSettlementPending
	}
	return nil
}

// audit appends an activity entry. Audit failures are logged, never returned.
func (s *Service) audit(ctx context.Context, escrowID, actor, action, message string) {
	a := &Activity{
		EscrowID:  escrowID,
		Actor:     strings.ToLower(actor),
		Action:    action,
		Message:   message,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendActivity(ctx, a); err != nil {
		s.logger.Error("failed to append escrow activity",
			"escrowId", escrowID, "action", action, "error", err)
	}
}
