// Package evm implements the chain ports over go-ethereum: JSON-RPC readers,
// ERC-20 calls and a local-key wallet.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/gap-service/donation_service/internal/domain/services/onchain"
)

const (
	defaultReceiptPoll    = 2 * time.Second
	defaultReceiptTimeout = 3 * time.Minute
)

// Backend is the subset of the JSON-RPC client the adapter uses.
// *ethclient.Client and the simulated backend's client both satisfy it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ReaderOptions tunes receipt polling
type ReaderOptions struct {
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
}

// Reader performs read calls on one chain
type Reader struct {
	backend Backend
	chainID int64
	opts    ReaderOptions
	logger  *zap.Logger
}

var _ onchain.Reader = (*Reader)(nil)

// NewReader wraps a backend for chainID
func NewReader(backend Backend, chainID int64, opts ReaderOptions, logger *zap.Logger) *Reader {
	if opts.ReceiptPoll <= 0 {
		opts.ReceiptPoll = defaultReceiptPoll
	}
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = defaultReceiptTimeout
	}
	return &Reader{
		backend: backend,
		chainID: chainID,
		opts:    opts,
		logger:  logger,
	}
}

// ChainID returns the chain the reader is bound to
func (r *Reader) ChainID() int64 {
	return r.chainID
}

// Backend returns the underlying RPC backend
func (r *Reader) Backend() Backend {
	return r.backend
}

// Allowance reads allowance(owner, spender) of an ERC-20 token
func (r *Reader) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call allowance on %s: %w", token.Hex(), err)
	}
	return unpackUint256("allowance", out)
}

// BalanceOf reads balanceOf(account) of an ERC-20 token
func (r *Reader) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", account)
	if err != nil {
		return nil, err
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf on %s: %w", token.Hex(), err)
	}
	if len(out) == 0 {
		return big.NewInt(0), nil
	}
	return unpackUint256("balanceOf", out)
}

// Decimals reads decimals() of an ERC-20 token
func (r *Reader) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("call decimals on %s: %w", token.Hex(), err)
	}
	values, err := erc20ABI.Unpack("decimals", out)
	if err != nil || len(values) != 1 {
		return 0, fmt.Errorf("unpack decimals: %w", err)
	}
	d, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unpack decimals: unexpected type %T", values[0])
	}
	return d, nil
}

// NativeBalance reads the account's native balance at the latest block
func (r *Reader) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	bal, err := r.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("native balance of %s: %w", account.Hex(), err)
	}
	return bal, nil
}

// WaitForReceipt polls until the transaction is mined, ctx is done or the
// receipt timeout passes
func (r *Reader) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(r.opts.ReceiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := r.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			r.logger.Debug("Receipt lookup failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
