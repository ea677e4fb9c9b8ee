package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/custody/internal/chain"
	"github.com/mbd888/custody/internal/keystore"
	"github.com/mbd888/custody/internal/metrics"
	"github.com/mbd888/custody/internal/retry"
	"github.com/mbd888/custody/internal/traces"
	"github.com/mbd888/custody/internal/units"
)

// errPayoutUnrecorded wraps a store failure after a transfer confirmed.
var errPayoutUnrecorded = errors.New("custody transfer confirmed but escrow update failed")

// plan is one payout out of the custody wallet.
type plan struct {
	op        retry.Operation
	to        string
	event     Event      // escrow event on success; empty for an intermediate milestone
	milestone *Milestone // set for milestone payouts
	// sweep sends everything above the fee. Otherwise amount is sent,
	// capped at what the wallet can cover.
	sweep  bool
	amount *big.Int
	// closeMilestones marks every unreleased milestone released on success.
	closeMilestones bool
}

// Release pays the seller. Only the buyer may release a funded escrow.
func (s *Service) Release(ctx context.Context, id, actor string) (*SettlementResult, error) {
	unlock, err := s.settlementLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.precheck(ctx, e, EventRelease, actor); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, e, EventRelease, actor, "paying seller "+e.SellerAddr); err != nil {
		return nil, err
	}
	return s.settle(ctx, e, retry.OpRelease, "", actor)
}

// Refund returns the custody balance to the buyer.
func (s *Service) Refund(ctx context.Context, id, actor string) (*SettlementResult, error) {
	unlock, err := s.settlementLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.precheck(ctx, e, EventRefund, actor); err != nil {
		return nil, err
	}
	return s.settle(ctx, e, retry.OpRefund, "", actor)
}

// Resolve applies an arbiter's decision to a disputed escrow and pays the
// winning party.
func (s *Service) Resolve(ctx context.Context, id, arbiter string, req ResolveRequest) (*SettlementResult, error) {
	outcome := strings.ToLower(strings.TrimSpace(req.Outcome))
	if outcome != ResolutionRelease && outcome != ResolutionRefund {
		return nil, ErrInvalidOutcome
	}

	unlock, err := s.settlementLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.precheck(ctx, e, EventResolve, arbiter); err != nil {
		return nil, err
	}

	e.Resolution = outcome
	e.UpdatedAt = s.now()
	if err := s.store.Transition(ctx, e, e.Status); err != nil {
		return nil, err
	}
	msg := "outcome " + outcome
	if r := strings.TrimSpace(req.Reason); r != "" {
		msg += ": " + r
	}
	s.audit(ctx, id, arbiter, "resolution_decided", msg)

	op := retry.OpRelease
	if outcome == ResolutionRefund {
		op = retry.OpRefund
	}
	return s.settle(ctx, e, op, "", arbiter)
}

// Expire closes a time-locked escrow past its deadline. An unfunded escrow
// just expires; a funded one is refunded to the buyer and ends expired.
func (s *Service) Expire(ctx context.Context, id string) (*SettlementResult, error) {
	unlock, err := s.settlementLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.precheck(ctx, e, EventExpire, SystemActor); err != nil {
		return nil, err
	}
	if e.ExpiresAt == nil || s.now().Before(*e.ExpiresAt) {
		return nil, ErrNotExpired
	}

	if e.Status == StatusPending {
		e.Resolution = ResolutionExpired
		if err := s.transition(ctx, e, EventExpire, SystemActor, "unfunded at expiry"); err != nil {
			return nil, err
		}
		return &SettlementResult{Escrow: e}, nil
	}

	e.Resolution = ResolutionExpired
	e.UpdatedAt = s.now()
	if err := s.store.Transition(ctx, e, e.Status); err != nil {
		return nil, err
	}
	return s.settle(ctx, e, retry.OpRefund, "", SystemActor)
}

// ReleaseMilestone pays the seller one completed milestone. The last
// milestone sweeps the wallet and releases the escrow.
func (s *Service) ReleaseMilestone(ctx context.Context, id, milestoneID, actor string) (*SettlementResult, error) {
	unlock, err := s.settlementLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	e, m, err := s.loadMilestone(ctx, id, milestoneID)
	if err != nil {
		return nil, err
	}
	if _, err := CheckMilestone(e, m, EventRelease, actor); err != nil {
		s.audit(ctx, id, actor, "milestone_release_rejected", err.Error())
		return nil, err
	}
	if err := s.ensureNoOpenRetry(ctx, id); err != nil {
		return nil, err
	}

	last, err := s.isLastMilestone(ctx, id, milestoneID)
	if err != nil {
		return nil, err
	}
	if last {
		if err := s.transition(ctx, e, EventRelease, actor, fmt.Sprintf("final milestone %q", m.Title)); err != nil {
			return nil, err
		}
	}
	return s.settle(ctx, e, retry.OpRelease, milestoneID, actor)
}

// precheck authorizes, validates the transition and refuses to start a
// second settlement while one is queued. Rejections are audited.
func (s *Service) precheck(ctx context.Context, e *Escrow, event Event, actor string) error {
	if _, err := Check(e, event, actor, s.arbiters); err != nil {
		s.audit(ctx, e.ID, actor, string(event)+"_rejected", err.Error())
		return err
	}
	if err := s.ensureNoOpenRetry(ctx, e.ID); err != nil {
		s.audit(ctx, e.ID, actor, string(event)+"_rejected", err.Error())
		return err
	}
	return nil
}

// settle runs the first attempt of a payout and turns its failure into the
// right outcome: funding problems and permanent errors revert the escrow,
// anything else is queued for the retry processor.
func (s *Service) settle(ctx context.Context, e *Escrow, op retry.Operation, milestoneID, actor string) (*SettlementResult, error) {
	p, done, err := s.planFor(ctx, e, op, milestoneID)
	if err != nil {
		return nil, err
	}
	if done {
		return &SettlementResult{Escrow: e, TxHash: e.TxHash, AmountSent: e.AmountSent}, nil
	}

	res, submitted, err := s.attempt(ctx, e, p, actor, nil)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, errPayoutUnrecorded) && retry.IsPermanent(err) {
		// Funds moved and the escrow was changed by someone else. Neither
		// reverting nor retrying is safe.
		return nil, err
	}

	if isFundingProblem(err) || retry.IsPermanent(err) || s.retries == nil {
		s.abort(ctx, e, p, actor, err)
		var pe *retry.PermanentError
		if errors.As(err, &pe) {
			return nil, pe.Err
		}
		return nil, err
	}

	rtx, qerr := s.retries.Enqueue(ctx, retry.SubjectEscrow, e.ID, milestoneID, op, submitted, err)
	if qerr != nil {
		s.logger.Error("failed to queue settlement retry", "escrowId", e.ID, "operation", op, "error", qerr)
		s.abort(ctx, e, p, actor, err)
		return nil, err
	}
	s.audit(ctx, e.ID, actor, string(op)+"_retry_queued",
		fmt.Sprintf("retry %s queued after: %v", rtx.ID, err))
	return nil, &RetryableError{RetryID: rtx.ID, Err: err}
}

// planFor works out what payout e still owes for op. done reports that
// nothing is owed because the escrow already settled.
func (s *Service) planFor(ctx context.Context, e *Escrow, op retry.Operation, milestoneID string) (*plan, bool, error) {
	if e.IsTerminal() {
		return nil, true, nil
	}
	if milestoneID != "" {
		return s.milestonePlan(ctx, e, milestoneID)
	}

	switch e.Status {
	case StatusReleasing:
		if op == retry.OpRelease {
			return &plan{op: op, to: e.SellerAddr, event: EventSettle, sweep: true,
				closeMilestones: e.Type == TypeMilestone}, false, nil
		}
	case StatusDisputed:
		switch e.Resolution {
		case ResolutionRelease:
			return &plan{op: retry.OpRelease, to: e.SellerAddr, event: EventResolve, sweep: true}, false, nil
		case ResolutionRefund:
			return &plan{op: retry.OpRefund, to: e.BuyerAddr, event: EventResolve, sweep: true}, false, nil
		}
	case StatusFunded:
		if op == retry.OpRefund {
			event := EventRefund
			if e.Resolution == ResolutionExpired {
				event = EventExpire
			}
			return &plan{op: op, to: e.BuyerAddr, event: event, sweep: true}, false, nil
		}
	}
	return nil, false, fmt.Errorf("%w: nothing to %s in status %s", ErrInvalidStateTransition, op, e.Status)
}

func (s *Service) milestonePlan(ctx context.Context, e *Escrow, milestoneID string) (*plan, bool, error) {
	ms, err := s.store.Milestones(ctx, e.ID)
	if err != nil {
		return nil, false, err
	}
	var m *Milestone
	last := true
	for _, cand := range ms {
		if cand.ID == milestoneID {
			m = cand
			continue
		}
		if cand.Status != MilestoneReleased {
			last = false
		}
	}
	if m == nil {
		return nil, false, ErrMilestoneNotFound
	}
	if m.Status == MilestoneReleased {
		return nil, true, nil
	}
	if m.Status != MilestoneCompleted {
		return nil, false, fmt.Errorf("%w: milestone is %s", ErrInvalidStateTransition, m.Status)
	}

	amount, ok := new(big.Int).SetString(m.Amount, 10)
	if !ok {
		return nil, false, fmt.Errorf("milestone %s has malformed amount %q", m.ID, m.Amount)
	}
	p := &plan{op: retry.OpRelease, to: e.SellerAddr, milestone: m, amount: amount}
	switch {
	case last && e.Status == StatusReleasing:
		p.sweep = true
		p.event = EventSettle
	case !last && e.Status == StatusFunded:
	default:
		return nil, false, fmt.Errorf("%w: milestone payout from status %s", ErrInvalidStateTransition, e.Status)
	}
	return p, false, nil
}

func (s *Service) isLastMilestone(ctx context.Context, escrowID, milestoneID string) (bool, error) {
	ms, err := s.store.Milestones(ctx, escrowID)
	if err != nil {
		return false, err
	}
	for _, m := range ms {
		if m.ID != milestoneID && m.Status != MilestoneReleased {
			return false, nil
		}
	}
	return true, nil
}

// attempt performs one payout: optional receipt check of a prior transfer,
// balance, fee, sign, submit, confirm, persist. The returned Submitted is
// the transfer still awaiting confirmation, if any.
func (s *Service) attempt(ctx context.Context, e *Escrow, p *plan, actor string, prior *retry.Submitted) (res *SettlementResult, submitted *retry.Submitted, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle",
		traces.EscrowID(e.ID), traces.Operation(string(p.op)), traces.Chain(e.Chain))
	defer traces.Finish(span, &err)

	start := time.Now()
	defer func() {
		metrics.SettlementDuration.WithLabelValues(string(p.op)).Observe(time.Since(start).Seconds())
		metrics.SettlementAttemptsTotal.WithLabelValues(string(p.op), resultLabel(err)).Inc()
	}()

	gw, err := s.chains.Get(e.Chain)
	if err != nil {
		return nil, nil, retry.Permanent(err)
	}

	if prior != nil && prior.TxHash != "" {
		r, werr := chain.WaitForReceipt(ctx, gw, prior.TxHash, s.cfg.ConfirmTimeout, s.cfg.ConfirmPoll)
		switch {
		case werr == nil:
			s.audit(ctx, e.ID, actor, string(p.op)+"_confirmed_late",
				fmt.Sprintf("earlier transfer %s confirmed in block %d", prior.TxHash, r.BlockNumber))
			if ferr := s.finalize(ctx, e, p, prior.TxHash, prior.Amount, actor); ferr != nil {
				return nil, prior, ferr
			}
			return s.result(e, prior.TxHash, prior.Amount), nil, nil
		case errors.Is(werr, chain.ErrTransactionFailed):
			s.audit(ctx, e.ID, actor, string(p.op)+"_failed",
				fmt.Sprintf("earlier transfer %s reverted, resubmitting", prior.TxHash))
		default:
			return nil, prior, werr
		}
	}

	balance, err := gw.Balance(ctx, e.CustodyAddress)
	if err != nil {
		return nil, nil, err
	}
	quote, err := gw.EstimateFee(ctx)
	if err != nil {
		return nil, nil, err
	}
	var want *big.Int
	if !p.sweep {
		want = p.amount
	}
	amount, err := chain.Payout(balance, quote, want)
	if err != nil {
		return nil, nil, err
	}

	key, err := s.custody.Decrypt(e.EncryptedKey)
	if err != nil {
		return nil, nil, retry.Permanent(err)
	}
	if key.Address() != strings.ToLower(e.CustodyAddress) {
		key.Destroy()
		return nil, nil, retry.Permanent(fmt.Errorf("%w: key does not control custody address", keystore.ErrMalformedKey))
	}
	tr, err := chain.SendAndConfirm(ctx, gw, key.PrivateKey(), p.to, amount, quote, s.cfg.ConfirmTimeout, s.cfg.ConfirmPoll)
	key.Destroy()
	if tr == nil {
		if errors.Is(err, chain.ErrInvalidAddress) || errors.Is(err, chain.ErrInvalidAmount) {
			return nil, nil, retry.Permanent(err)
		}
		return nil, nil, err
	}
	hash := tr.TxHash
	span.SetAttributes(traces.TxHash(hash))
	s.logger.Info("custody transfer submitted", "escrowId", e.ID, "operation", p.op,
		"to", p.to, "amount", units.Format(amount, s.cfg.Decimals), "txHash", hash)

	sent := &retry.Submitted{TxHash: hash, Amount: amount.String()}
	if err != nil {
		if errors.Is(err, chain.ErrTransactionFailed) {
			return nil, nil, err
		}
		return nil, sent, err
	}

	if err := s.finalize(ctx, e, p, hash, sent.Amount, actor); err != nil {
		return nil, sent, err
	}
	return s.result(e, hash, sent.Amount), nil, nil
}

// finalize persists a confirmed payout. Store writes are retried in
// process because the funds have already moved.
func (s *Service) finalize(ctx context.Context, e *Escrow, p *plan, hash, amount, actor string) error {
	now := s.now()
	err := retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		if p.milestone != nil && p.milestone.Status != MilestoneReleased {
			if err := s.releaseMilestoneRecord(ctx, p.milestone, hash, now); err != nil {
				return err
			}
			s.audit(ctx, e.ID, actor, "milestone_released",
				fmt.Sprintf("milestone %q paid %s (tx %s)", p.milestone.Title, amount, hash))
		}
		if p.closeMilestones {
			ms, err := s.store.Milestones(ctx, e.ID)
			if err != nil {
				return err
			}
			for _, m := range ms {
				if m.Status != MilestoneReleased {
					if err := s.releaseMilestoneRecord(ctx, m, hash, now); err != nil {
						return err
					}
				}
			}
		}

		e.TxHash = hash
		e.AmountSent = amount
		if p.event == "" {
			e.UpdatedAt = now
			return s.store.Transition(ctx, e, e.Status)
		}
		e.ReleasedAt = &now
		err := s.transition(ctx, e, p.event, actor,
			fmt.Sprintf("paid %s to %s (tx %s)", amount, p.to, hash))
		if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrInvalidStateTransition) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		s.logger.Error("CRITICAL: custody transfer confirmed but escrow update failed",
			"escrowId", e.ID, "txHash", hash, "error", err)
		return fmt.Errorf("%w (tx %s): %w", errPayoutUnrecorded, hash, err)
	}
	return nil
}

func (s *Service) releaseMilestoneRecord(ctx context.Context, m *Milestone, hash string, now time.Time) error {
	from := m.Status
	m.Status = MilestoneReleased
	m.TxHash = hash
	m.ReleasedAt = &now
	m.UpdatedAt = now
	if err := s.store.UpdateMilestone(ctx, m, from); err != nil {
		m.Status = from
		return err
	}
	return nil
}

// abort records a failed attempt and returns an in-flight release to funded.
func (s *Service) abort(ctx context.Context, e *Escrow, p *plan, actor string, cause error) {
	metrics.SettlementAttemptsTotal.WithLabelValues(string(p.op), "aborted").Inc()
	s.audit(ctx, e.ID, actor, string(p.op)+"_failed", cause.Error())
	if e.Status != StatusReleasing {
		return
	}
	if err := s.transition(ctx, e, EventAbort, SystemActor, "funds remain in custody"); err != nil {
		s.logger.Error("failed to revert releasing escrow", "escrowId", e.ID, "error", err)
	}
}

func (s *Service) result(e *Escrow, hash, amount string) *SettlementResult {
	return &SettlementResult{Escrow: e, TxHash: hash, AmountSent: amount}
}

// Execute re-runs a queued escrow payout. It implements retry.Executor.
func (s *Service) Execute(ctx context.Context, tx *retry.Transaction) error {
	unlock, err := s.settlementLock(ctx, tx.SubjectID)
	if err != nil {
		return err
	}
	defer unlock()

	e, err := s.store.Get(ctx, tx.SubjectID)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			return retry.Permanent(err)
		}
		return err
	}
	p, done, err := s.planFor(ctx, e, tx.Operation, tx.MilestoneID)
	if err != nil {
		return retry.Permanent(err)
	}
	if done {
		return nil
	}

	var prior *retry.Submitted
	if tx.TxHash != "" {
		prior = &retry.Submitted{TxHash: tx.TxHash, Amount: tx.Amount}
	}
	res, submitted, err := s.attempt(ctx, e, p, SystemActor, prior)
	tx.TxHash, tx.Amount = "", ""
	if submitted != nil {
		tx.TxHash, tx.Amount = submitted.TxHash, submitted.Amount
	}
	if err == nil {
		tx.TxHash, tx.Amount = res.TxHash, res.AmountSent
		return nil
	}

	s.audit(ctx, e.ID, SystemActor, string(tx.Operation)+"_retry_failed",
		fmt.Sprintf("retry %s attempt %d: %v", tx.ID, tx.AttemptCount+1, err))
	if isFundingProblem(err) {
		return retry.Permanent(err)
	}
	return err
}

// Abandon is called when a retry is terminal. An in-flight release goes
// back to funded and the audit trail flags it for an operator.
func (s *Service) Abandon(ctx context.Context, tx *retry.Transaction, cause error) error {
	unlock, err := s.lock(ctx, tx.SubjectID)
	if err != nil {
		return err
	}
	defer unlock()

	e, err := s.store.Get(ctx, tx.SubjectID)
	if err != nil {
		return err
	}
	s.audit(ctx, e.ID, SystemActor, "settlement_abandoned",
		fmt.Sprintf("retry %s gave up after %d attempts, operator attention required: %v",
			tx.ID, tx.AttemptCount, cause))
	if e.Status != StatusReleasing {
		return nil
	}
	return s.transition(ctx, e, EventAbort, SystemActor, "retries exhausted, funds remain in custody")
}

var _ retry.Executor = (*Service)(nil)

func isFundingProblem(err error) bool {
	return errors.Is(err, ErrCustodyEmpty) || errors.Is(err, ErrInsufficientForFees)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCustodyEmpty):
		return "custody_empty"
	case errors.Is(err, ErrInsufficientForFees):
		return "insufficient_fees"
	case retry.IsPermanent(err):
		return "failed"
	default:
		return "retryable"
	}
}
