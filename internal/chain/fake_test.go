package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeEthClient struct {
	mu       sync.Mutex
	balance  *big.Int
	gasPrice *big.Int
	nonce    uint64
	chainID  *big.Int
	sent     []*types.Transaction
	sendErr  error
	rpcErr   error
	receipts map[common.Hash]*types.Receipt
}

func newFakeEthClient() *fakeEthClient {
	return &fakeEthClient{
		balance:  big.NewInt(0),
		gasPrice: big.NewInt(10_000_000_000), // 10 gwei
		chainID:  big.NewInt(11155111),
		receipts: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeEthClient) BalanceAt(_ context.Context, _ common.Address, _ *big.Int) (*big.Int, error) {
	if f.rpcErr != nil {
		return nil, f.rpcErr
	}
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeEthClient) PendingNonceAt(_ context.Context, _ common.Address) (uint64, error) {
	return f.nonce, f.rpcErr
}

func (f *fakeEthClient) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	if f.rpcErr != nil {
		return nil, f.rpcErr
	}
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeEthClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEthClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeEthClient) ChainID(_ context.Context) (*big.Int, error) {
	return f.chainID, f.rpcErr
}

func (f *fakeEthClient) Close() {}
