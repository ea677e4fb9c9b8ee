package split

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/custody/internal/allocation"
	"github.com/mbd888/custody/internal/chain"
	"github.com/mbd888/custody/internal/keystore"
	"github.com/mbd888/custody/internal/retry"
	"github.com/mbd888/custody/internal/traces"
	"github.com/mbd888/custody/internal/units"

	"github.com/shopspring/decimal"
)

// Distribute pays every recipient from the custody wallet. Only the payer
// may start it.
func (s *Service) Distribute(ctx context.Context, id, actor string) (*Result, error) {
	unlock, err := s.lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sp, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, sp, EventDistribute, actor); err != nil {
		return nil, err
	}
	if err := s.ensureNoOpenRetry(ctx, id); err != nil {
		return nil, err
	}
	recips, err := s.store.Recipients(ctx, id)
	if err != nil {
		return nil, err
	}
	gw, err := s.chains.Get(sp.Chain)
	if err != nil {
		return nil, err
	}

	if err := s.plan(ctx, sp, recips, gw); err != nil {
		observe(resultLabel(err))
		s.audit(ctx, id, actor, "distribute_failed", err.Error())
		return nil, err
	}
	if err := s.transition(ctx, sp, EventDistribute, actor, fmt.Sprintf("%d recipients", len(recips))); err != nil {
		return nil, err
	}

	res, submitted, err := s.run(ctx, sp, recips, gw)
	observe(resultLabel(err))
	if err == nil {
		return res, nil
	}

	if isFundingProblem(err) || retry.IsPermanent(err) || s.retries == nil {
		s.abort(ctx, sp, actor, err)
		var pe *retry.PermanentError
		if errors.As(err, &pe) {
			return nil, pe.Err
		}
		return nil, err
	}
	rtx, qerr := s.retries.Enqueue(ctx, retry.SubjectSplit, id, "", retry.OpDistribute, submitted, err)
	if qerr != nil {
		s.logger.Error("failed to queue distribution retry", "splitId", id, "error", qerr)
		s.abort(ctx, sp, actor, err)
		return nil, err
	}
	s.audit(ctx, id, actor, "distribute_retry_queued", fmt.Sprintf("retry %s queued after: %v", rtx.ID, err))
	return nil, &RetryableError{RetryID: rtx.ID, Err: err}
}

// plan recomputes recipient amounts from the live custody balance before
// the first transfer. Each transfer pays its own fee out of custody, so
// the distributable pool is balance minus one fee per recipient.
func (s *Service) plan(ctx context.Context, sp *Split, recips []*Recipient, gw chain.Gateway) error {
	for _, r := range recips {
		if r.Paid() || r.TxHash != "" {
			return nil // resuming; amounts are fixed
		}
	}

	balance, err := gw.Balance(ctx, sp.CustodyAddress)
	if err != nil {
		return err
	}
	if balance.Sign() <= 0 {
		return ErrCustodyEmpty
	}
	quote, err := gw.EstimateFee(ctx)
	if err != nil {
		return err
	}
	fees := new(big.Int).Mul(quote.Total, big.NewInt(int64(len(recips))))
	pool := new(big.Int).Sub(balance, fees)
	if pool.Sign() <= 0 {
		return fmt.Errorf("%w: balance %s, fees %s", ErrInsufficientForFees, balance, fees)
	}

	var amounts []*big.Int
	switch sp.ShareType {
	case SharePercentage:
		shares := make([]decimal.Decimal, len(recips))
		for i, r := range recips {
			shares[i], err = decimal.NewFromString(r.Percentage)
			if err != nil {
				return retry.Permanent(fmt.Errorf("recipient %s percentage %q: %w", r.ID, r.Percentage, err))
			}
		}
		amounts, err = allocation.Allocate(pool, shares)
	case ShareFixed:
		fixed := make([]*big.Int, len(recips))
		for i, r := range recips {
			fixed[i], _ = new(big.Int).SetString(r.FixedAmount, 10)
		}
		amounts, err = allocation.AllocateFixed(pool, fixed)
		if errors.Is(err, allocation.ErrOverAllocated) {
			return fmt.Errorf("%w: fixed amounts plus fees exceed balance %s", ErrInsufficientForFees, balance)
		}
	default:
		return fmt.Errorf("%w: unknown share type %q", ErrInvalidShares, sp.ShareType)
	}
	if err != nil {
		return err
	}

	now := s.now()
	for i, r := range recips {
		r.Amount = amounts[i].String()
		r.UpdatedAt = now
		if err := s.store.UpdateRecipient(ctx, r); err != nil {
			return fmt.Errorf("store planned amount: %w", err)
		}
	}
	return nil
}

// run pays unpaid recipients in order. It returns the outstanding
// transfer when it stops with one submitted but unconfirmed.
func (s *Service) run(ctx context.Context, sp *Split, recips []*Recipient, gw chain.Gateway) (_ *Result, _ *retry.Submitted, err error) {
	ctx, span := traces.StartSpan(ctx, "split.distribute", traces.SplitID(sp.ID), traces.Chain(sp.Chain))
	defer traces.Finish(span, &err)

	var key *keystore.SigningKey
	defer func() {
		if key != nil {
			key.Destroy()
		}
	}()

	last := len(recips) - 1
	for i, r := range recips {
		if r.Paid() {
			continue
		}

		if r.TxHash != "" {
			_, err := chain.WaitForReceipt(ctx, gw, r.TxHash, s.cfg.ConfirmTimeout, s.cfg.ConfirmPoll)
			switch {
			case err == nil:
				if err := s.markPaid(ctx, r); err != nil {
					return nil, &retry.Submitted{TxHash: r.TxHash, Amount: r.Amount}, err
				}
				continue
			case errors.Is(err, chain.ErrTransactionFailed):
				s.audit(ctx, sp.ID, "system", "recipient_transfer_reverted",
					fmt.Sprintf("%s to %s reverted, resending", r.TxHash, r.Address))
				r.TxHash = ""
				if err := s.store.UpdateRecipient(ctx, r); err != nil {
					return nil, nil, err
				}
			default:
				return nil, &retry.Submitted{TxHash: r.TxHash, Amount: r.Amount}, err
			}
		}

		balance, err := gw.Balance(ctx, sp.CustodyAddress)
		if err != nil {
			return nil, nil, err
		}
		quote, err := gw.EstimateFee(ctx)
		if err != nil {
			return nil, nil, err
		}
		want, ok := new(big.Int).SetString(r.Amount, 10)
		if !ok {
			return nil, nil, retry.Permanent(fmt.Errorf("recipient %s has malformed amount %q", r.ID, r.Amount))
		}
		amount, err := s.amountFor(sp, i == last, balance, quote, want)
		if err != nil {
			return nil, nil, err
		}

		if key == nil {
			if key, err = s.custody.Decrypt(sp.EncryptedKey); err != nil {
				return nil, nil, retry.Permanent(err)
			}
			if key.Address() != sp.CustodyAddress {
				return nil, nil, retry.Permanent(fmt.Errorf("%w: key does not control custody address", keystore.ErrMalformedKey))
			}
		}

		hash, err := gw.SubmitTransfer(ctx, key.PrivateKey(), r.Address, amount, quote)
		if err != nil {
			if errors.Is(err, chain.ErrInvalidAddress) || errors.Is(err, chain.ErrInvalidAmount) {
				return nil, nil, retry.Permanent(err)
			}
			return nil, nil, err
		}
		r.TxHash = hash
		r.Amount = amount.String()
		r.UpdatedAt = s.now()
		sent := &retry.Submitted{TxHash: hash, Amount: r.Amount}
		if err := s.store.UpdateRecipient(ctx, r); err != nil {
			s.logger.Error("CRITICAL: transfer submitted but recipient update failed",
				"splitId", sp.ID, "recipient", r.Address, "txHash", hash, "error", err)
			return nil, sent, err
		}
		s.logger.Info("split transfer submitted", "splitId", sp.ID, "recipient", r.Address,
			"amount", units.Format(amount, s.cfg.Decimals), "txHash", hash)

		if _, err := chain.WaitForReceipt(ctx, gw, hash, s.cfg.ConfirmTimeout, s.cfg.ConfirmPoll); err != nil {
			return nil, sent, err
		}
		if err := s.markPaid(ctx, r); err != nil {
			return nil, sent, err
		}
	}

	now := s.now()
	sp.DistributedAt = &now
	err = retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		err := s.transition(ctx, sp, EventSettle, "system", fmt.Sprintf("%d recipients paid", len(recips)))
		if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrInvalidStateTransition) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("persist distribution: %w", err)
	}
	return &Result{Split: sp, Recipients: recips}, nil, nil
}

// amountFor caps a recipient's transfer by what custody can cover. The
// last percentage recipient sweeps the wallet and absorbs rounding dust.
func (s *Service) amountFor(sp *Split, last bool, balance *big.Int, quote *chain.FeeQuote, want *big.Int) (*big.Int, error) {
	if last && sp.ShareType == SharePercentage {
		return chain.Payout(balance, quote, nil)
	}
	sendable, err := chain.Sendable(balance, quote)
	if err != nil {
		return nil, err
	}
	if sendable.Cmp(want) < 0 {
		return nil, fmt.Errorf("%w: need %s, can send %s", ErrInsufficientForFees, want, sendable)
	}
	return want, nil
}

func (s *Service) markPaid(ctx context.Context, r *Recipient) error {
	now := s.now()
	return retry.Do(ctx, 3, 100*time.Millisecond, func() error {
		r.PaidAt = &now
		r.UpdatedAt = now
		if err := s.store.UpdateRecipient(ctx, r); err != nil {
			r.PaidAt = nil
			if errors.Is(err, ErrStatusConflict) {
				return retry.Permanent(err)
			}
			return err
		}
		s.audit(ctx, r.SplitID, "system", "recipient_paid", fmt.Sprintf("%s paid %s (tx %s)", r.Address, r.Amount, r.TxHash))
		return nil
	})
}

func (s *Service) abort(ctx context.Context, sp *Split, actor string, cause error) {
	s.audit(ctx, sp.ID, actor, "distribute_failed", cause.Error())
	if sp.Status != StatusDistributing {
		return
	}
	if err := s.transition(ctx, sp, EventAbort, "system", "remaining funds stay in custody"); err != nil {
		s.logger.Error("failed to revert distributing split", "splitId", sp.ID, "error", err)
	}
}

// Execute resumes a queued distribution. It implements retry.Executor.
func (s *Service) Execute(ctx context.Context, tx *retry.Transaction) error {
	unlock, err := s.lock(ctx, tx.SubjectID)
	if err != nil {
		return err
	}
	defer unlock()

	sp, err := s.store.Get(ctx, tx.SubjectID)
	if err != nil {
		if errors.Is(err, ErrSplitNotFound) {
			return retry.Permanent(err)
		}
		return err
	}
	switch sp.Status {
	case StatusDistributed:
		return nil
	case StatusDistributing:
	default:
		return retry.Permanent(fmt.Errorf("%w: split is %s", ErrInvalidStateTransition, sp.Status))
	}

	recips, err := s.store.Recipients(ctx, sp.ID)
	if err != nil {
		return err
	}
	gw, err := s.chains.Get(sp.Chain)
	if err != nil {
		return retry.Permanent(err)
	}
	_, submitted, err := s.run(ctx, sp, recips, gw)
	observe(resultLabel(err))
	tx.TxHash, tx.Amount = "", ""
	if submitted != nil {
		tx.TxHash, tx.Amount = submitted.TxHash, submitted.Amount
	}
	if err == nil {
		return nil
	}
	s.audit(ctx, sp.ID, "system", "distribute_retry_failed",
		fmt.Sprintf("retry %s attempt %d: %v", tx.ID, tx.AttemptCount+1, err))
	if isFundingProblem(err) {
		return retry.Permanent(err)
	}
	return err
}

// Abandon returns a split whose retry is terminal to funded. Paid
// recipients stay paid; a later Distribute pays the rest.
func (s *Service) Abandon(ctx context.Context, tx *retry.Transaction, cause error) error {
	unlock, err := s.lock(ctx, tx.SubjectID)
	if err != nil {
		return err
	}
	defer unlock()

	sp, err := s.store.Get(ctx, tx.SubjectID)
	if err != nil {
		return err
	}
	s.audit(ctx, sp.ID, "system", "distribution_abandoned",
		fmt.Sprintf("retry %s gave up after %d attempts, operator attention required: %v", tx.ID, tx.AttemptCount, cause))
	if sp.Status != StatusDistributing {
		return nil
	}
	return s.transition(ctx, sp, EventAbort, "system", "retries exhausted")
}

var _ retry.Executor = (*Service)(nil)

func isFundingProblem(err error) bool {
	return errors.Is(err, ErrCustodyEmpty) || errors.Is(err, ErrInsufficientForFees)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case isFundingProblem(err):
		return "underfunded"
	case retry.IsPermanent(err):
		return "failed"
	default:
		return "retryable"
	}
}
