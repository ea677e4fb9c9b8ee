package escrow

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/custody/internal/chain"
	"github.com/mbd888/custody/internal/keystore"
	"github.com/mbd888/custody/internal/retry"
)

const (
	buyer   = "0x1111111111111111111111111111111111111111"
	seller  = "0x2222222222222222222222222222222222222222"
	arbiter = "0x3333333333333333333333333333333333333333"
	other   = "0x4444444444444444444444444444444444444444"
)

// oneEth is 10^18 wei.
var oneEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// fee is what fakeGateway charges per transfer at gas price 1.
var fee = big.NewInt(int64(chain.NativeTransferGas))

type sentTransfer struct {
	from, to string
	amount   *big.Int
	hash     string
}

// fakeGateway is an in-memory chain. Transfers move balances immediately;
// receipts follow receiptStatus.
type fakeGateway struct {
	mu            sync.Mutex
	balances      map[string]*big.Int
	sent          []sentTransfer
	balanceErr    error
	submitErr     error
	receiptStatus chain.ReceiptStatus
	receiptErr    error
	// onReceipt runs outside the lock before each receipt lookup, while
	// the caller is waiting for confirmation.
	onReceipt func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{balances: map[string]*big.Int{}, receiptStatus: chain.ReceiptSuccess}
}

func (g *fakeGateway) Name() string { return "test" }

func (g *fakeGateway) Balance(_ context.Context, addr string) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.balanceErr != nil {
		return nil, g.balanceErr
	}
	if b, ok := g.balances[strings.ToLower(addr)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (g *fakeGateway) EstimateFee(context.Context) (*chain.FeeQuote, error) {
	return chain.NewFeeQuote(big.NewInt(1), chain.NativeTransferGas), nil
}

func (g *fakeGateway) SubmitTransfer(_ context.Context, key *ecdsa.PrivateKey, to string, amount *big.Int, quote *chain.FeeQuote) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return "", g.submitErr
	}
	from := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	bal := g.balances[from]
	if bal == nil {
		bal = big.NewInt(0)
	}
	debit := new(big.Int).Add(amount, quote.Total)
	if bal.Cmp(debit) < 0 {
		return "", fmt.Errorf("insufficient funds for gas * price + value")
	}
	g.balances[from] = new(big.Int).Sub(bal, debit)
	to = strings.ToLower(to)
	if g.balances[to] == nil {
		g.balances[to] = big.NewInt(0)
	}
	g.balances[to] = new(big.Int).Add(g.balances[to], amount)
	hash := fmt.Sprintf("0x%064x", len(g.sent)+1)
	g.sent = append(g.sent, sentTransfer{from: from, to: to, amount: new(big.Int).Set(amount), hash: hash})
	return hash, nil
}

func (g *fakeGateway) Receipt(_ context.Context, hash string) (*chain.Receipt, error) {
	g.mu.Lock()
	hook := g.onReceipt
	g.mu.Unlock()
	if hook != nil {
		hook()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.receiptErr != nil {
		return nil, g.receiptErr
	}
	return &chain.Receipt{TxHash: hash, Status: g.receiptStatus, BlockNumber: 100}, nil
}

func (g *fakeGateway) Ping(context.Context) error { return nil }

func (g *fakeGateway) fund(addr string, amount *big.Int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[strings.ToLower(addr)] = new(big.Int).Set(amount)
}

func (g *fakeGateway) balanceOf(addr string) *big.Int {
	b, _ := g.Balance(context.Background(), addr)
	return b
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGateway) sentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

type harness struct {
	svc     *Service
	custody Custodian
	store   *MemoryStore
	gw      *fakeGateway
	retries *retry.Processor
	rstore  *retry.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	identity, _, err := keystore.GenerateIdentity()
	require.NoError(t, err)
	ks, err := keystore.New(identity, nil)
	require.NoError(t, err)

	gw := newFakeGateway()
	store := NewMemoryStore()
	rstore := retry.NewMemoryStore()
	logger := slog.New(slog.DiscardHandler)

	svc := NewService(store, chain.NewRegistry(gw), ks, logger).WithConfig(Config{
		Arbiters:       []string{arbiter},
		ConfirmTimeout: 30 * time.Millisecond,
		ConfirmPoll:    time.Millisecond,
	})
	proc := retry.NewProcessor(rstore, retry.Config{BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond, MaxAttempts: 3}, logger).
		Register(retry.SubjectEscrow, svc)
	svc.WithRetries(proc)
	return &harness{svc: svc, custody: ks, store: store, gw: gw, retries: proc, rstore: rstore}
}

// replica is a second service over the same store, chain and retry queue,
// standing in for another server process.
func (h *harness) replica() *Service {
	return NewService(h.store, chain.NewRegistry(h.gw), h.custody, slog.New(slog.DiscardHandler)).
		WithConfig(h.svc.cfg).
		WithRetries(h.retries)
}

func (h *harness) create(t *testing.T, req CreateRequest) *Escrow {
	t.Helper()
	if req.BuyerAddr == "" {
		req.BuyerAddr = buyer
	}
	if req.SellerAddr == "" {
		req.SellerAddr = seller
	}
	if req.Amount == "" {
		req.Amount = "1"
	}
	e, err := h.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return e
}

// funded creates an escrow, deposits balance into custody and detects it.
func (h *harness) funded(t *testing.T, req CreateRequest, balance *big.Int) *Escrow {
	t.Helper()
	e := h.create(t, req)
	h.gw.fund(e.CustodyAddress, balance)
	got, ok, err := h.svc.DetectFunding(context.Background(), e.ID)
	require.NoError(t, err)
	require.True(t, ok)
	return got
}

func (h *harness) status(t *testing.T, id string) Status {
	t.Helper()
	e, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return e.Status
}

func (h *harness) actions(t *testing.T, id string) []string {
	t.Helper()
	entries, err := h.store.ListActivity(context.Background(), id, 500)
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, a := range entries {
		out[i] = a.Action
	}
	return out
}

// sweep waits past the nanosecond backoff and runs one retry sweep.
func (h *harness) sweep(t *testing.T) *retry.Summary {
	t.Helper()
	time.Sleep(time.Millisecond)
	s, err := h.retries.ProcessPending(context.Background())
	require.NoError(t, err)
	return s
}
