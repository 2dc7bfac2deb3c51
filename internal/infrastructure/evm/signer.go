package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/gap-service/donation_service/internal/domain/services/onchain"
)

// gasHeadroom is the percentage added on top of the estimate
const gasHeadroom = 20

// Signer is a wallet client that signs EIP-1559 transactions with a local key
type Signer struct {
	*Reader
	key     *ecdsa.PrivateKey
	account common.Address
	// nonceMu serializes build-sign-send so nonces are handed out in order
	nonceMu *sync.Mutex
}

var _ onchain.WalletClient = (*Signer)(nil)

// Account returns the signing address
func (s *Signer) Account() common.Address {
	return s.account
}

// Approve submits approve(spender, amount) on token
func (s *Signer) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	data, err := PackApprove(spender, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return s.send(ctx, token, nil, data)
}

// Transfer submits transfer(to, amount) on token
func (s *Signer) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	data, err := PackTransfer(to, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return s.send(ctx, token, nil, data)
}

// SendNative sends amount of the native asset to to
func (s *Signer) SendNative(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	return s.send(ctx, to, amount, nil)
}

// DonateToken calls donateToken on the router
func (s *Signer) DonateToken(ctx context.Context, router, token, recipient common.Address, amount *big.Int) (common.Hash, error) {
	data, err := PackDonateToken(token, recipient, amount)
	if err != nil {
		return common.Hash{}, err
	}
	return s.send(ctx, router, nil, data)
}

func (s *Signer) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if value == nil {
		value = big.NewInt(0)
	}

	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	tx, err := s.buildTx(ctx, to, value, data)
	if err != nil {
		return common.Hash{}, err
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(s.chainID)), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	s.logger.Info("Transaction sent",
		zap.Int64("chain_id", s.chainID),
		zap.String("to", to.Hex()),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", signed.Nonce()))
	return signed.Hash(), nil
}

func (s *Signer) buildTx(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	nonce, err := s.backend.PendingNonceAt(ctx, s.account)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}

	tip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      s.account,
		To:        &to,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * gasHeadroom / 100

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(s.chainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}
