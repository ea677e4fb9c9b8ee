package split

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
	"github.com/mbd888/custody/internal/validation"
)

// Custodian generates custody wallets and decrypts their keys.
type Custodian interface {
	keystore.Decryptor
	NewCustodyWallet() (*keystore.CustodyWallet, error)
}

// Retrier is the part of retry.Processor distributions use.
type Retrier interface {
	Enqueue(ctx context.Context, subject retry.SubjectType, subjectID, milestoneID string, op retry.Operation, submitted *retry.Submitted, cause error) (*retry.Transaction, error)
	HasOpen(ctx context.Context, subject retry.SubjectType, subjectID string) (bool, error)
}

// Config tunes the split service.
type Config struct {
	Decimals       int
	Currency       string
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
}

// Service implements split business logic.
type Service struct {
	store   Store
	chains  *chain.Registry
	custody Custodian
	retries Retrier
	locks   *syncutil.KeyedMutex
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a new split service.
func NewService(store Store, chains *chain.Registry, custody Custodian, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   store,
		chains:  chains,
		custody: custody,
		locks:   syncutil.NewKeyedMutex(),
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

// WithConfig replaces the configuration. Zero fields keep defaults.
func (s *Service) WithConfig(cfg Config) *Service {
	if cfg.Decimals <= 0 {
		cfg.Decimals = s.cfg.Decimals
	}
	if cfg.Currency == "" {
		cfg.Currency = s.cfg.Currency
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = s.cfg.ConfirmTimeout
	}
	if cfg.ConfirmPoll <= 0 {
		cfg.ConfirmPoll = s.cfg.ConfirmPoll
	}
	s.cfg = cfg
	return s
}

// WithRetries wires the durable retry queue.
func (s *Service) WithRetries(r Retrier) *Service {
	s.retries = r
	return s
}

func (s *Service) lock(ctx context.Context, id string) (func(), error) {
	return s.locks.Lock(ctx, "split:"+id)
}

// Create validates the recipients, allocates the total and stores the
// split as pending with a fresh custody wallet.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Split, []*Recipient, error) {
	payer := strings.ToLower(strings.TrimSpace(req.PayerAddr))
	total, err := units.Parse(req.Amount, s.cfg.Decimals)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	if total.Sign() <= 0 {
		return nil, nil, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if len(req.Recipients) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one recipient is required", ErrInvalidShares)
	}
	if len(req.Recipients) > MaxRecipients {
		return nil, nil, fmt.Errorf("%w: %d exceeds %d", ErrTooManyRecipients, len(req.Recipients), MaxRecipients)
	}

	seen := make(map[string]bool, len(req.Recipients))
	for _, r := range req.Recipients {
		addr := strings.ToLower(strings.TrimSpace(r.Address))
		if !validation.IsValidEthAddress(addr) {
			return nil, nil, fmt.Errorf("%w: %w %q", ErrInvalidShares, chain.ErrInvalidAddress, r.Address)
		}
		if addr == payer {
			return nil, nil, ErrPayerIsRecipient
		}
		if seen[addr] {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateRecipient, addr)
		}
		seen[addr] = true
	}

	gw, err := s.chains.Get(req.Chain)
	if err != nil {
		return nil, nil, err
	}

	id := idgen.New(idgen.Split)
	now := s.now()
	shareType, recipients, err := s.buildRecipients(id, total, req.Recipients, now)
	if err != nil {
		return nil, nil, err
	}

	wallet, err := s.custody.NewCustodyWallet()
	if err != nil {
		return nil, nil, fmt.Errorf("create custody wallet: %w", err)
	}

	sp := &Split{
		ID:             id,
		PayerAddr:      payer,
		TotalAmount:    units.Format(total, s.cfg.Decimals),
		Currency:       s.cfg.Currency,
		Chain:          gw.Name(),
		CustodyAddress: wallet.Address,
		EncryptedKey:   wallet.EncryptedKey,
		ShareType:      shareType,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, sp, recipients); err != nil {
		return nil, nil, fmt.Errorf("failed to create split record: %w", err)
	}
	s.audit(ctx, id, payer, "created", fmt.Sprintf("%s split of %s %s to %d recipients, custody %s",
		shareType, sp.TotalAmount, sp.Currency, len(recipients), sp.CustodyAddress))
	s.logger.Info("split created", "splitId", id, "payer", payer, "amount", sp.TotalAmount,
		"recipients", len(recipients), "custody", sp.CustodyAddress)
	return sp, recipients, nil
}

// buildRecipients decides the share kind and computes initial amounts.
func (s *Service) buildRecipients(splitID string, total *big.Int, reqs []RecipientRequest, now time.Time) (ShareType, []*Recipient, error) {
	var pct, fixed int
	for _, r := range reqs {
		hasPct, hasAmt := strings.TrimSpace(r.Percentage) != "", strings.TrimSpace(r.Amount) != ""
		switch {
		case hasPct && !hasAmt:
			pct++
		case hasAmt && !hasPct:
			fixed++
		default:
			return "", nil, fmt.Errorf("%w: each recipient needs exactly one of percentage or amount", ErrInvalidShares)
		}
	}
	if pct > 0 && fixed > 0 {
		return "", nil, fmt.Errorf("%w: percentage and fixed shares cannot be mixed", ErrInvalidShares)
	}

	out := make([]*Recipient, len(reqs))
	for i, r := range reqs {
		out[i] = &Recipient{
			ID:        idgen.New(idgen.Recipient),
			SplitID:   splitID,
			Position:  i,
			Address:   strings.ToLower(strings.TrimSpace(r.Address)),
			UpdatedAt: now,
		}
	}

	if pct > 0 {
		raw := make([]string, len(reqs))
		for i, r := range reqs {
			raw[i] = r.Percentage
		}
		shares, err := allocation.ParsePercentages(raw)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidShares, err)
		}
		if v := allocation.Validate(shares); !v.Valid {
			return "", nil, fmt.Errorf("%w: %s", ErrInvalidShares, v.Error)
		}
		amounts, err := allocation.Allocate(total, shares)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidShares, err)
		}
		for i := range out {
			out[i].Percentage = shares[i].String()
			out[i].Amount = amounts[i].String()
		}
		return SharePercentage, out, nil
	}

	fixedAmts := make([]*big.Int, len(reqs))
	for i, r := range reqs {
		amt, err := units.Parse(r.Amount, s.cfg.Decimals)
		if err != nil {
			return "", nil, fmt.Errorf("%w: recipient %d: %v", ErrInvalidShares, i, err)
		}
		fixedAmts[i] = amt
	}
	amounts, err := allocation.AllocateFixed(total, fixedAmts)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidShares, err)
	}
	for i := range out {
		out[i].FixedAmount = amounts[i].String()
		out[i].Amount = amounts[i].String()
	}
	return ShareFixed, out, nil
}

// Get returns a split with its recipients.
func (s *Service) Get(ctx context.Context, id string) (*Split, []*Recipient, error) {
	sp, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	recips, err := s.store.Recipients(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return sp, recips, nil
}

// Activity returns the audit trail, oldest first.
func (s *Service) Activity(ctx context.Context, id string, limit int) ([]*Activity, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListActivity(ctx, id, limit)
}

// ListByPayer returns one page of the payer's splits, newest first, plus
// the cursor of the next page.
func (s *Service) ListByPayer(ctx context.Context, addr string, page pagination.Params) ([]*Split, string, error) {
	if page.Limit <= 0 {
		page.Limit = pagination.DefaultLimit
	}
	splits, err := s.store.ListByPayer(ctx, strings.ToLower(addr), page.Cursor, page.Limit+1)
	if err != nil {
		return nil, "", err
	}
	splits, next := pagination.Page(splits, page.Limit, func(sp *Split) (time.Time, string) {
		return sp.CreatedAt, sp.ID
	})
	return splits, next, nil
}

// DetectFunding marks a pending split funded once its custody balance
// covers the total. Idempotent.
func (s *Service) DetectFunding(ctx context.Context, id string) (*Split, bool, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	sp, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if sp.Status != StatusPending {
		return sp, sp.FundedAt != nil, nil
	}
	gw, err := s.chains.Get(sp.Chain)
	if err != nil {
		return nil, false, err
	}
	balance, err := gw.Balance(ctx, sp.CustodyAddress)
	if err != nil {
		return nil, false, fmt.Errorf("check custody balance: %w", err)
	}
	total, err := units.Parse(sp.TotalAmount, s.cfg.Decimals)
	if err != nil {
		return nil, false, fmt.Errorf("stored total %q: %w", sp.TotalAmount, err)
	}
	if balance.Cmp(total) < 0 {
		return sp, false, nil
	}

	now := s.now()
	sp.FundedAt = &now
	if err := s.transition(ctx, sp, EventFund, "system",
		"custody balance "+units.Format(balance, s.cfg.Decimals)+" covers total"); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			fresh, gerr := s.store.Get(ctx, id)
			if gerr != nil {
				return nil, false, gerr
			}
			return fresh, fresh.FundedAt != nil, nil
		}
		return nil, false, err
	}
	return sp, true, nil
}

// Cancel closes an unfunded split at the payer's request.
func (s *Service) Cancel(ctx context.Context, id, actor string) (*Split, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sp, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, sp, EventCancel, actor); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, sp, EventCancel, actor, ""); err != nil {
		return nil, err
	}
	return sp, nil
}

// authorize checks payer identity, then transition legality. Rejections
// are audited.
func (s *Service) authorize(ctx context.Context, sp *Split, event Event, actor string) error {
	var err error
	if strings.ToLower(strings.TrimSpace(actor)) != sp.PayerAddr {
		err = ErrUnauthorized
	} else {
		_, err = Next(sp.Status, event)
	}
	if err != nil {
		s.audit(ctx, sp.ID, actor, string(event)+"_rejected", err.Error())
	}
	return err
}

// transition persists event on sp with a compare-and-swap on its status.
func (s *Service) transition(ctx context.Context, sp *Split, event Event, actor, message string) error {
	from := sp.Status
	to, err := Next(from, event)
	if err != nil {
		return err
	}
	sp.Status = to
	sp.UpdatedAt = s.now()
	if err := s.store.Transition(ctx, sp, from); err != nil {
		sp.Status = from
		s.audit(ctx, sp.ID, actor, string(event)+"_failed", err.Error())
		return err
	}
	msg := fmt.Sprintf("%s → %s", from, to)
	if message != "" {
		msg += ": " + message
	}
	s.audit(ctx, sp.ID, actor, string(event), msg)
	return nil
}

func (s *Service) ensureNoOpenRetry(ctx context.Context, id string) error {
	if s.retries == nil {
		return nil
	}
	open, err := s.retries.HasOpen(ctx, retry.SubjectSplit, id)
	if err != nil {
		return fmt.Errorf("check pending distribution: %w", err)
	}
	if open {
		return ErrDistributionPending
	}
	return nil
}

func (s *Service) audit(ctx context.Context, splitID, actor, action, message string) {
	a := &Activity{
		SplitID:   splitID,
		Actor:     strings.ToLower(actor),
		Action:    action,
		Message:   message,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendActivity(ctx, a); err != nil {
		s.logger.Error("failed to append split activity", "splitId", splitID, "action", action, "error", err)
	}
}

func observe(result string) {
	metrics.SplitDistributionsTotal.WithLabelValues(result).Inc()
}
