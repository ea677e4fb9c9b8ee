package split

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/custody/internal/chain"
	"github.com/mbd888/custody/internal/retry"
)

func received(h *harness, addrs ...string) *big.Int {
	sum := new(big.Int)
	for _, a := range addrs {
		sum.Add(sum, h.gw.balanceOf(a))
	}
	return sum
}

func TestDistribute_Percentage(t *testing.T) {
	h := newHarness(t)
	sp := h.funded(t, "1", percentages(alice, "50", bob, "30", carol, "20"), oneEth)

	res, err := h.svc.Distribute(context.Background(), sp.ID, payer)
	require.NoError(t, err)
	assert.Equal(t, StatusDistributed, res.Split.Status)
	assert.NotNil(t, res.Split.DistributedAt)

	for _, r := range res.Recipients {
		assert.True(t, r.Paid(), r.Address)
		assert.NotEmpty(t, r.TxHash)
		assert.Equal(t, r.Amount, h.gw.balanceOf(r.Address).String())
	}

	threeFees := new(big.Int).Mul(fee, big.NewInt(3))
	assert.Equal(t, new(big.Int).Sub(oneEth, threeFees).String(), received(h, alice, bob, carol).String())
	assert.Equal(t, "0", h.gw.balanceOf(sp.CustodyAddress).String())
	assert.Greater(t, h.gw.balanceOf(alice).Cmp(h.gw.balanceOf(bob)), 0)
	assert.Equal(t, StatusDistributed, h.status(t, sp.ID))
	assert.Subset(t, h.actions(t, sp.ID), []string{"fund", "distribute", "recipient_paid", "settle"})
}

func TestDistribute_Fixed(t *testing.T) {
	h := newHarness(t)
	sp := h.funded(t, "1", fixedShares(alice, "0.3", bob, "0.2"), oneEth)

	_, err := h.svc.Distribute(context.Background(), sp.ID, payer)
	require.NoError(t, err)

	assert.Equal(t, eth("0.3").String(), h.gw.balanceOf(alice).String())
	assert.Equal(t, eth("0.2").String(), h.gw.balanceOf(bob).String())
	leftover := new(big.Int).Sub(eth("0.5"), new(big.Int).Mul(fee, big.NewInt(2)))
	assert.Equal(t, leftover.String(), h.gw.balanceOf(sp.CustodyAddress).String())
}

func TestDistribute_FixedCannotCoverFees(t *testing.T) {
	h := newHarness(t)
	sp := h.funded(t, "0.5", fixedShares(alice, "0.3", bob, "0.2"), eth("0.5"))

	_, err := h.svc.Distribute(context.Background(), sp.ID, payer)
	assert.ErrorIs(t, err, ErrInsufficientForFees)
	assert.Equal(t, StatusFunded, h.status(t, sp.ID))
	assert.Zero(t, h.gw.sentCount())
}

func TestDistribute_CustodyEmptyDoesNotQueueRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.funded(t, "1", percentages(alice, "100"), oneEth)
	h.gw.fund(sp.CustodyAddress, big.NewInt(0))

	_, err := h.svc.Distribute(ctx, sp.ID, payer)
	require.ErrorIs(t, err, ErrCustodyEmpty)
	var rerr *RetryableError
	assert.False(t, errors.As(err, &rerr))
	assert.Equal(t, StatusFunded, h.status(t, sp.ID))

	open, err := h.rstore.HasOpen(ctx, retry.SubjectSplit, sp.ID)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestDistribute_OnlyPayer(t *testing.T) {
	h := newHarness(t)
	sp := h.funded(t, "1", percentages(alice, "100"), oneEth)

	_, err := h.svc.Distribute(context.Background(), sp.ID, alice)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, h.gw.sentCount())
	assert.Contains(t, h.actions(t, sp.ID), "distribute_rejected")
}

func TestDistribute_RetryResumesWithoutPayingTwice(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.funded(t, "1", percentages(alice, "50", bob, "50"), oneEth)
	h.gw.set(func(g *fakeGateway) {
		g.failSubmit = func(n int) error {
			if n == 1 {
				return errRPC
			}
			return nil
		}
	})

	_, err := h.svc.Distribute(ctx, sp.ID, payer)
	var rerr *RetryableError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, errRPC)
	assert.Equal(t, StatusDistributing, h.status(t, sp.ID))

	recips := h.recipients(t, sp.ID)
	assert.True(t, recips[0].Paid())
	assert.False(t, recips[1].Paid())
	aliceAmount := recips[0].Amount

	// A second distribute is blocked while the retry is open.
	_, err = h.svc.Distribute(ctx, sp.ID, payer)
	assert.Error(t, err)

	h.gw.set(func(g *fakeGateway) { g.failSubmit = nil })
	summary := h.sweep(t)
	assert.Equal(t, 1, summary.Succeeded)

	assert.Equal(t, StatusDistributed, h.status(t, sp.ID))
	assert.Equal(t, 2, h.gw.sentCount())
	assert.Equal(t, aliceAmount, h.gw.balanceOf(alice).String())
	assert.Equal(t, "0", h.gw.balanceOf(sp.CustodyAddress).String())
}

func TestDistribute_ConfirmationTimeoutDoesNotResend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.funded(t, "1", percentages(alice, "60", bob, "40"), oneEth)
	h.gw.set(func(g *fakeGateway) { g.receiptStatus = chain.ReceiptPending })

	_, err := h.svc.Distribute(ctx, sp.ID, payer)
	var rerr *RetryableError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, err, chain.ErrConfirmationTimeout)
	require.Equal(t, 1, h.gw.sentCount())

	rtx, err := h.rstore.Get(ctx, rerr.RetryID)
	require.NoError(t, err)
	assert.Equal(t, h.gw.sent[0].hash, rtx.TxHash)
	assert.Equal(t, h.gw.sent[0].hash, h.recipients(t, sp.ID)[0].TxHash)

	h.gw.set(func(g *fakeGateway) { g.receiptStatus = chain.ReceiptSuccess })
	summary := h.sweep(t)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 2, h.gw.sentCount(), "first recipient must not be paid again")
	assert.Equal(t, StatusDistributed, h.status(t, sp.ID))
}

func TestDistribute_AbandonedKeepsPaidRecipients(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.funded(t, "1", percentages(alice, "50", bob, "50"), oneEth)
	h.gw.set(func(g *fakeGateway) {
		g.failSubmit = func(n int) error {
			if n >= 1 {
				return errRPC
			}
			return nil
		}
	})

	_, err := h.svc.Distribute(ctx, sp.ID, payer)
	var rerr *RetryableError
	require.ErrorAs(t, err, &rerr)
	for i := 0; i < 3; i++ {
		h.sweep(t)
	}

	rtx, err := h.rstore.Get(ctx, rerr.RetryID)
	require.NoError(t, err)
	assert.Equal(t, retry.StatusFailedTerminal, rtx.Status)
	assert.Equal(t, StatusFunded, h.status(t, sp.ID))
	assert.Contains(t, h.actions(t, sp.ID), "distribution_abandoned")
	assert.True(t, h.recipients(t, sp.ID)[0].Paid())

	h.gw.set(func(g *fakeGateway) { g.failSubmit = nil })
	res, err := h.svc.Distribute(ctx, sp.ID, payer)
	require.NoError(t, err)
	assert.Equal(t, StatusDistributed, res.Split.Status)
	assert.Equal(t, 2, h.gw.sentCount())
	assert.Equal(t, res.Recipients[0].Amount, h.gw.balanceOf(alice).String())
}

func TestExecute_AlreadyDistributedIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sp := h.funded(t, "1", percentages(alice, "100"), oneEth)
	_, err := h.svc.Distribute(ctx, sp.ID, payer)
	require.NoError(t, err)

	err = h.svc.Execute(ctx, &retry.Transaction{ID: "rtx_1", SubjectID: sp.ID})
	assert.NoError(t, err)
	assert.Equal(t, 1, h.gw.sentCount())
}
