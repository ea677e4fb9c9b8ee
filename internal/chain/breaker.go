package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/mbd888/custody/internal/circuitbreaker"
)

// BreakerGateway fails fast with ErrCircuitOpen after repeated RPC errors.
// Input validation errors do not count against the node.
type BreakerGateway struct {
	inner   Gateway
	breaker *circuitbreaker.Breaker
}

var _ Gateway = (*BreakerGateway)(nil)

// NewBreakerGateway wraps inner. Circuits are keyed by chain name, so one
// breaker can guard several gateways.
func NewBreakerGateway(inner Gateway, breaker *circuitbreaker.Breaker) *BreakerGateway {
	return &BreakerGateway{inner: inner, breaker: breaker}
}

func (b *BreakerGateway) Name() string { return b.inner.Name() }

func (b *BreakerGateway) Balance(ctx context.Context, address string) (*big.Int, error) {
	return guarded(b, func() (*big.Int, error) { return b.inner.Balance(ctx, address) })
}

func (b *BreakerGateway) EstimateFee(ctx context.Context) (*FeeQuote, error) {
	return guarded(b, func() (*FeeQuote, error) { return b.inner.EstimateFee(ctx) })
}

func (b *BreakerGateway) SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, to string, amount *big.Int, quote *FeeQuote) (string, error) {
	return guarded(b, func() (string, error) { return b.inner.SubmitTransfer(ctx, key, to, amount, quote) })
}

func (b *BreakerGateway) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	return guarded(b, func() (*Receipt, error) { return b.inner.Receipt(ctx, txHash) })
}

// Ping bypasses the breaker so health checks see the node's real state.
func (b *BreakerGateway) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}

// State reports the circuit state for this chain.
func (b *BreakerGateway) State() circuitbreaker.State {
	return b.breaker.State(b.key())
}

func (b *BreakerGateway) key() string { return b.inner.Name() }

func guarded[T any](b *BreakerGateway, fn func() (T, error)) (T, error) {
	v, err := circuitbreaker.Guard(b.breaker, b.key(), countsAgainstNode, fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return v, ErrCircuitOpen
	}
	return v, err
}

func countsAgainstNode(err error) bool {
	return !errors.Is(err, ErrInvalidAddress) && !errors.Is(err, ErrInvalidAmount)
}
