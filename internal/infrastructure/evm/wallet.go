package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/gap-service/donation_service/internal/domain/services/onchain"
)

// ErrUnknownChain is returned when switching to a chain with no configured RPC
var ErrUnknownChain = errors.New("unrecognized chain")

// KeyWallet is a wallet provider backed by a local private key. Switching
// chains only changes which RPC the next client signs against.
type KeyWallet struct {
	registry *Registry
	key      *ecdsa.PrivateKey
	account  common.Address
	logger   *zap.Logger

	mu        sync.Mutex
	current   int64
	connected bool
	nonceMu   map[int64]*sync.Mutex
}

var _ onchain.WalletProvider = (*KeyWallet)(nil)

// ParsePrivateKey decodes a hex private key with or without the 0x prefix
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	h := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if h == "" {
		return nil, errors.New("empty private key")
	}
	key, err := crypto.HexToECDSA(h)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// NewKeyWallet creates a wallet on defaultChain
func NewKeyWallet(registry *Registry, key *ecdsa.PrivateKey, defaultChain int64, logger *zap.Logger) (*KeyWallet, error) {
	if _, err := registry.chainReader(defaultChain); err != nil {
		return nil, fmt.Errorf("default chain: %w", err)
	}
	return &KeyWallet{
		registry: registry,
		key:      key,
		account:  crypto.PubkeyToAddress(key.PublicKey),
		logger:   logger,
		current:  defaultChain,
		nonceMu:  map[int64]*sync.Mutex{},
	}, nil
}

// IsConnected reports whether Connect has succeeded
func (w *KeyWallet) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Connect checks the current chain's RPC answers
func (w *KeyWallet) Connect(ctx context.Context) error {
	w.mu.Lock()
	chainID := w.current
	w.mu.Unlock()

	reader, err := w.registry.chainReader(chainID)
	if err != nil {
		return err
	}
	if _, err := reader.Backend().ChainID(ctx); err != nil {
		return fmt.Errorf("connect wallet on chain %d: %w", chainID, err)
	}

	w.mu.Lock()
	w.connected = true
	w.mu.Unlock()
	w.logger.Info("Wallet connected",
		zap.String("account", w.account.Hex()),
		zap.Int64("chain_id", chainID))
	return nil
}

// Account returns the wallet address
func (w *KeyWallet) Account() common.Address {
	return w.account
}

// SwitchChain moves the wallet to chainID
func (w *KeyWallet) SwitchChain(ctx context.Context, chainID int64) error {
	if _, err := w.registry.chainReader(chainID); err != nil {
		return fmt.Errorf("%w: %d", ErrUnknownChain, chainID)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current != chainID {
		w.logger.Info("Switching wallet chain",
			zap.Int64("from", w.current),
			zap.Int64("to", chainID))
	}
	w.current = chainID
	return nil
}

// WalletClient returns a signer bound to the current chain
func (w *KeyWallet) WalletClient(ctx context.Context) (onchain.WalletClient, error) {
	w.mu.Lock()
	chainID := w.current
	lock, ok := w.nonceMu[chainID]
	if !ok {
		lock = &sync.Mutex{}
		w.nonceMu[chainID] = lock
	}
	w.mu.Unlock()

	reader, err := w.registry.chainReader(chainID)
	if err != nil {
		return nil, err
	}
	return &Signer{
		Reader:  reader,
		key:     w.key,
		account: w.account,
		nonceMu: lock,
	}, nil
}
