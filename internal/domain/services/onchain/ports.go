// Package onchain declares the chain-facing ports the donation services
// depend on. Implementations live in internal/infrastructure/evm.
package onchain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Reader performs read-only calls against a single chain
type Reader interface {
	ChainID() int64
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	// WaitForReceipt blocks until the transaction is mined or ctx is done
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// ReaderRegistry hands out a reader per chain
type ReaderRegistry interface {
	Reader(chainID int64) (Reader, error)
}

// WalletClient is a signing client bound to the chain it reports.
// It must be re-acquired before every signing operation because the
// wallet's active chain can change out-of-band.
type WalletClient interface {
	Reader
	Account() common.Address
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error)
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error)
	SendNative(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error)
	// DonateToken sends amount of token to recipient through a donation
	// router, which spends the allowance previously granted to it.
	DonateToken(ctx context.Context, router, token, recipient common.Address, amount *big.Int) (common.Hash, error)
}

// WalletProvider is the process-wide wallet connection
type WalletProvider interface {
	IsConnected() bool
	Connect(ctx context.Context) error
	Account() common.Address
	// SwitchChain resolves once the switch is accepted, which is not
	// necessarily when fresh clients report the new chain.
	SwitchChain(ctx context.Context, chainID int64) error
	// WalletClient returns a freshly built client for the current chain
	WalletClient(ctx context.Context) (WalletClient, error)
}
