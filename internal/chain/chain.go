// Package chain moves native currency out of custody wallets.
//
// Gateway is the narrow surface the settlement code depends on: balance,
// fee quote, signed submission and receipt lookup. EthGateway implements it
// over go-ethereum's RPC client; BreakerGateway guards any Gateway with a
// circuit breaker; Registry selects a Gateway by chain name.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidAddress      = errors.New("chain: invalid address")
	ErrInvalidAmount       = errors.New("chain: invalid amount")
	ErrCustodyEmpty        = errors.New("chain: custody wallet is empty")
	ErrInsufficientForFees = errors.New("chain: balance does not cover network fee")
	ErrTransactionFailed   = errors.New("chain: transaction reverted")
	ErrConfirmationTimeout = errors.New("chain: timed out waiting for confirmation")
	ErrRPCConnection       = errors.New("chain: RPC connection failed")
	ErrCircuitOpen         = errors.New("chain: circuit open, RPC temporarily disabled")
	ErrUnknownChain        = errors.New("chain: unknown chain")
)

// TransferError wraps transfer failures with the step that failed and the
// transaction hash when one exists.
type TransferError struct {
	Op     string // nonce, sign, send, confirm
	TxHash string
	Err    error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// TxHashOf returns the transaction hash carried by err, if any.
func TxHashOf(err error) string {
	var te *TransferError
	if errors.As(err, &te) {
		return te.TxHash
	}
	return ""
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// NativeTransferGas is the fixed gas cost of a plain value transfer.
const NativeTransferGas = uint64(21000)

// FeeQuote is the network fee for one native transfer. Total is the most
// the sender can be charged: GasPrice * GasLimit.
type FeeQuote struct {
	GasPrice *big.Int
	GasLimit uint64
	Total    *big.Int
}

// NewFeeQuote builds a quote for gasLimit units at gasPrice.
func NewFeeQuote(gasPrice *big.Int, gasLimit uint64) *FeeQuote {
	total := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit))
	return &FeeQuote{GasPrice: new(big.Int).Set(gasPrice), GasLimit: gasLimit, Total: total}
}

// ReceiptStatus is the on-chain outcome of a submitted transaction.
type ReceiptStatus string

const (
	ReceiptPending ReceiptStatus = "pending" // Not mined yet, or unknown to the node
	ReceiptSuccess ReceiptStatus = "success"
	ReceiptFailed  ReceiptStatus = "failed"
)

// Receipt is the result of looking up a transaction hash.
type Receipt struct {
	TxHash      string
	Status      ReceiptStatus
	BlockNumber uint64
	GasUsed     uint64
}

// Gateway is the blockchain RPC surface used for custody payouts.
// Every call is blocking I/O and honours ctx.
type Gateway interface {
	// Name is the chain selector this gateway serves.
	Name() string
	Balance(ctx context.Context, address string) (*big.Int, error)
	EstimateFee(ctx context.Context) (*FeeQuote, error)
	// SubmitTransfer signs and broadcasts a transfer of amount from the
	// key's address to `to`, paying at most quote.Total in fees.
	SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, to string, amount *big.Int, quote *FeeQuote) (string, error)
	// Receipt returns a pending receipt, not an error, for unknown hashes.
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
	Ping(ctx context.Context) error
}

// Sendable returns balance minus the quoted fee. The payout out of a
// custody wallet is what remains after gas, not the nominal escrow amount.
func Sendable(balance *big.Int, quote *FeeQuote) (*big.Int, error) {
	if balance == nil || balance.Sign() <= 0 {
		return nil, ErrCustodyEmpty
	}
	send := new(big.Int).Sub(balance, quote.Total)
	if send.Sign() <= 0 {
		return nil, fmt.Errorf("%w: balance %s, fee %s", ErrInsufficientForFees, balance, quote.Total)
	}
	return send, nil
}

// -----------------------------------------------------------------------------
// Registry
// -----------------------------------------------------------------------------

// Registry maps chain selectors to gateways.
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
	fallback string
}

// NewRegistry creates a registry. The first gateway registered becomes the
// default used for an empty selector.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	for _, gw := range gateways {
		r.Register(gw)
	}
	return r
}

// Register adds or replaces the gateway for gw.Name().
func (r *Registry) Register(gw Gateway) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(gw.Name())
	if r.fallback == "" {
		r.fallback = name
	}
	r.gateways[name] = gw
}

// Get returns the gateway for a chain selector.
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.fallback
	}
	gw, ok := r.gateways[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChain, name)
	}
	return gw, nil
}

// Default returns the name of the default chain.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Names lists registered chain selectors in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
