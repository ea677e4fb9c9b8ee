// Package retry makes fund movement resilient to transient failures.
//
// It has two layers. Do and Backoff are in-process helpers for short
// persistence retries inside one request. Transaction, Store and Processor
// form the durable layer: a failed settlement is recorded as a Transaction
// and re-attempted by short-lived sweeps until it succeeds or exhausts its
// attempts.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks a failure that no retry can fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that neither Do nor the Processor retries it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err (or anything it wraps) is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Backoff returns base * 2^attempt, capped at max. A non-positive max
// disables the cap; overflow saturates at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay <= 0 || (max > 0 && delay >= max) {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// jitter spreads d uniformly over [0.75d, 1.25d].
func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}

// Do calls fn up to maxAttempts times, sleeping Backoff(baseDelay) with
// jitter between attempts. A *PermanentError stops it at once and is
// unwrapped; a cancelled ctx returns ctx.Err().
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	maxAttempts = max(maxAttempts, 1)

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == maxAttempts-1 {
			break
		}

		timer := time.NewTimer(jitter(Backoff(baseDelay, 0, attempt)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
