package split

import (
	"context"
	"crypto/ecdsa"
	"errors"
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
	payer = "0x1111111111111111111111111111111111111111"
	alice = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bob   = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	carol = "0xcccccccccccccccccccccccccccccccccccccccc"
)

var (
	oneEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	fee    = big.NewInt(int64(chain.NativeTransferGas))
	errRPC = errors.New("dial tcp: connection refused")
)

func eth(s string) *big.Int {
	v, ok := new(big.Rat).SetString(s)
	if !ok {
		panic(s)
	}
	v.Mul(v, new(big.Rat).SetInt(oneEth))
	return new(big.Int).Quo(v.Num(), v.Denom())
}

type sentTransfer struct {
	to     string
	amount *big.Int
	hash   string
}

// fakeGateway is an in-memory chain. failSubmit, when set, is consulted
// with the number of transfers already sent.
type fakeGateway struct {
	mu            sync.Mutex
	balances      map[string]*big.Int
	sent          []sentTransfer
	failSubmit    func(n int) error
	receiptStatus chain.ReceiptStatus
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{balances: map[string]*big.Int{}, receiptStatus: chain.ReceiptSuccess}
}

func (g *fakeGateway) Name() string { return "test" }

func (g *fakeGateway) Balance(_ context.Context, addr string) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
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
	if g.failSubmit != nil {
		if err := g.failSubmit(len(g.sent)); err != nil {
			return "", err
		}
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
	g.sent = append(g.sent, sentTransfer{to: to, amount: new(big.Int).Set(amount), hash: hash})
	return hash, nil
}

func (g *fakeGateway) Receipt(_ context.Context, hash string) (*chain.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &chain.Receipt{TxHash: hash, Status: g.receiptStatus, BlockNumber: 7}, nil
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
		ConfirmTimeout: 30 * time.Millisecond,
		ConfirmPoll:    time.Millisecond,
	})
	proc := retry.NewProcessor(rstore, retry.Config{BaseDelay: time.Nanosecond, MaxDelay: time.Nanosecond, MaxAttempts: 3}, logger).
		Register(retry.SubjectSplit, svc)
	svc.WithRetries(proc)
	return &harness{svc: svc, store: store, gw: gw, retries: proc, rstore: rstore}
}

func percentages(pairs ...string) []RecipientRequest {
	out := make([]RecipientRequest, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, RecipientRequest{Address: pairs[i], Percentage: pairs[i+1]})
	}
	return out
}

func fixedShares(pairs ...string) []RecipientRequest {
	out := make([]RecipientRequest, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, RecipientRequest{Address: pairs[i], Amount: pairs[i+1]})
	}
	return out
}

func (h *harness) create(t *testing.T, amount string, recips []RecipientRequest) *Split {
	t.Helper()
	sp, _, err := h.svc.Create(context.Background(), CreateRequest{PayerAddr: payer, Amount: amount, Recipients: recips})
	require.NoError(t, err)
	return sp
}

func (h *harness) funded(t *testing.T, amount string, recips []RecipientRequest, balance *big.Int) *Split {
	t.Helper()
	sp := h.create(t, amount, recips)
	h.gw.fund(sp.CustodyAddress, balance)
	got, ok, err := h.svc.DetectFunding(context.Background(), sp.ID)
	require.NoError(t, err)
	require.True(t, ok)
	return got
}

func (h *harness) status(t *testing.T, id string) Status {
	t.Helper()
	sp, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return sp.Status
}

func (h *harness) recipients(t *testing.T, id string) []*Recipient {
	t.Helper()
	out, err := h.store.Recipients(context.Background(), id)
	require.NoError(t, err)
	return out
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

func (h *harness) sweep(t *testing.T) *retry.Summary {
	t.Helper()
	time.Sleep(time.Millisecond)
	s, err := h.retries.ProcessPending(context.Background())
	require.NoError(t, err)
	return s
}
