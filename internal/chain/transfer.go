package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"
)

// Payout decides how much one transfer out of a custody wallet sends.
// A nil want sweeps everything above the fee; otherwise want is sent,
// capped at what the wallet can cover after the fee.
func Payout(balance *big.Int, quote *FeeQuote, want *big.Int) (*big.Int, error) {
	sendable, err := Sendable(balance, quote)
	if err != nil {
		return nil, err
	}
	if want == nil || want.Cmp(sendable) >= 0 {
		return sendable, nil
	}
	if want.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	return new(big.Int).Set(want), nil
}

// Transfer is the outcome of SendAndConfirm.
type Transfer struct {
	TxHash  string
	Amount  *big.Int
	Receipt *Receipt
}

// SendAndConfirm submits amount to `to` and waits for the receipt. When
// submission succeeded but confirmation did not, the returned Transfer
// still carries the hash so the caller can check it again later.
func SendAndConfirm(ctx context.Context, gw Gateway, key *ecdsa.PrivateKey, to string, amount *big.Int, quote *FeeQuote, timeout, poll time.Duration) (*Transfer, error) {
	hash, err := gw.SubmitTransfer(ctx, key, to, amount, quote)
	if err != nil {
		return nil, err
	}
	t := &Transfer{TxHash: hash, Amount: new(big.Int).Set(amount)}
	r, err := WaitForReceipt(ctx, gw, hash, timeout, poll)
	if err != nil {
		return t, err
	}
	t.Receipt = r
	return t, nil
}
