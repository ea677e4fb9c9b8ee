package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/custody/internal/metrics"
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// EthConfig configures an EVM gateway.
type EthConfig struct {
	Name    string // chain selector, e.g. "sepolia"
	RPCURL  string
	ChainID int64
}

// EthOption configures an EthGateway.
type EthOption func(*EthGateway)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) EthOption {
	return func(g *EthGateway) {
		g.client = client
	}
}

// EthGateway implements Gateway for native transfers on an EVM chain.
type EthGateway struct {
	name    string
	client  EthClient
	chainID *big.Int
	signer  types.Signer
}

var _ Gateway = (*EthGateway)(nil)

// NewEthGateway dials cfg.RPCURL unless a client is supplied via WithClient.
func NewEthGateway(cfg EthConfig, opts ...EthOption) (*EthGateway, error) {
	if cfg.Name == "" {
		return nil, errors.New("chain: name required")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("chain: chain ID required")
	}

	g := &EthGateway{
		name:    cfg.Name,
		chainID: big.NewInt(cfg.ChainID),
		signer:  types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}
	return g, nil
}

func (g *EthGateway) Name() string { return g.name }

func (g *EthGateway) Balance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	bal, err := g.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	g.observe("balance", err)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", address, err)
	}
	return bal, nil
}

func (g *EthGateway) EstimateFee(ctx context.Context) (*FeeQuote, error) {
	price, err := g.client.SuggestGasPrice(ctx)
	g.observe("gas_price", err)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	return NewFeeQuote(price, NativeTransferGas), nil
}

// SubmitTransfer sends a legacy transaction so the fee charged can never
// exceed quote.Total, which Sendable already subtracted from the balance.
func (g *EthGateway) SubmitTransfer(ctx context.Context, key *ecdsa.PrivateKey, to string, amount *big.Int, quote *FeeQuote) (string, error) {
	if key == nil {
		return "", &TransferError{Op: "sign", Err: errors.New("nil signing key")}
	}
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", ErrInvalidAmount
	}

	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := g.client.PendingNonceAt(ctx, from)
	g.observe("nonce", err)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: err}
	}

	recipient := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &recipient,
		Value:    amount,
		Gas:      quote.GasLimit,
		GasPrice: quote.GasPrice,
	})

	signed, err := types.SignTx(tx, g.signer, key)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}

	hash := signed.Hash().Hex()
	err = g.client.SendTransaction(ctx, signed)
	g.observe("send", err)
	if err != nil {
		return "", &TransferError{Op: "send", TxHash: hash, Err: err}
	}
	return hash, nil
}

func (g *EthGateway) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	r, err := g.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		g.observe("receipt", nil)
		return &Receipt{TxHash: txHash, Status: ReceiptPending}, nil
	}
	g.observe("receipt", err)
	if err != nil {
		return nil, fmt.Errorf("receipt %s: %w", txHash, err)
	}

	out := &Receipt{TxHash: txHash, GasUsed: r.GasUsed, Status: ReceiptSuccess}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.Status == types.ReceiptStatusFailed {
		out.Status = ReceiptFailed
	}
	return out, nil
}

// Ping checks the node answers and serves the configured chain.
func (g *EthGateway) Ping(ctx context.Context) error {
	id, err := g.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	if id.Cmp(g.chainID) != 0 {
		return fmt.Errorf("chain: node reports chain ID %s, expected %s", id, g.chainID)
	}
	return nil
}

// Close closes the client connection.
func (g *EthGateway) Close() {
	if g.client != nil {
		g.client.Close()
	}
}

func (g *EthGateway) observe(method string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ChainRequestsTotal.WithLabelValues(g.name, method, result).Inc()
}
