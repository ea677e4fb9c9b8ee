package chain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultConfirmationTimeout bounds how long one attempt waits for a receipt.
	DefaultConfirmationTimeout = 2 * time.Minute

	// ConfirmationPollInterval between receipt checks.
	ConfirmationPollInterval = 2 * time.Second
)

// WaitForReceipt polls gw until txHash is mined or timeout elapses.
// A reverted transaction yields ErrTransactionFailed; an elapsed timeout
// yields ErrConfirmationTimeout, which callers must treat as retryable
// because the transaction may still be mined later. Both come wrapped in
// a *TransferError carrying the hash.
func WaitForReceipt(ctx context.Context, gw Gateway, txHash string, timeout, poll time.Duration) (*Receipt, error) {
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	if poll <= 0 {
		poll = ConfirmationPollInterval
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		r, err := gw.Receipt(ctx, txHash)
		if err == nil {
			switch r.Status {
			case ReceiptSuccess:
				return r, nil
			case ReceiptFailed:
				return r, &TransferError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
		}
		// Lookup errors are transient here; the deadline decides.

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TransferError{Op: "confirm", TxHash: txHash,
					Err: fmt.Errorf("%w after %s", ErrConfirmationTimeout, timeout)}
			}
			return nil, &TransferError{Op: "confirm", TxHash: txHash, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}
