// Package onchaintest provides in-memory chain and wallet fakes for tests.
package onchaintest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gap-service/donation_service/internal/domain/services/onchain"
)

// TxKind names the kind of transaction a fake chain received
type TxKind string

const (
	TxApprove  TxKind = "approve"
	TxTransfer TxKind = "transfer"
	TxNative   TxKind = "native"
	TxRouted   TxKind = "routed"
)

// SubmittedTx records a transaction sent to a fake chain
type SubmittedTx struct {
	Kind    TxKind
	ChainID int64
	Token   common.Address
	To      common.Address
	Amount  *big.Int
	Hash    common.Hash
	Router  common.Address
}

// Chain is the state of one fake network
type Chain struct {
	ID int64

	mu            sync.Mutex
	allowances    map[string]*big.Int
	balances      map[string]*big.Int
	native        map[common.Address]*big.Int
	allowanceErrs map[common.Address]error
	submitErrs    map[common.Address]error
	reverts       map[common.Address]bool
	stalls        map[common.Address]bool
	receipts      map[common.Hash]uint64
	stalled       map[common.Hash]bool
	submitted     []SubmittedTx
	nonce         uint64
	onSubmit      func(SubmittedTx)
}

// NewChain creates an empty fake chain
func NewChain(id int64) *Chain {
	return &Chain{
		ID:            id,
		allowances:    map[string]*big.Int{},
		balances:      map[string]*big.Int{},
		native:        map[common.Address]*big.Int{},
		allowanceErrs: map[common.Address]error{},
		submitErrs:    map[common.Address]error{},
		reverts:       map[common.Address]bool{},
		stalls:        map[common.Address]bool{},
		receipts:      map[common.Hash]uint64{},
		stalled:       map[common.Hash]bool{},
	}
}

func pairKey(a, b common.Address) string {
	return strings.ToLower(a.Hex() + b.Hex())
}

// SetAllowance seeds an allowance
func (c *Chain) SetAllowance(token, owner, spender common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowances[pairKey(token, owner)+spender.Hex()] = new(big.Int).Set(amount)
}

// SetBalance seeds an ERC-20 balance
func (c *Chain) SetBalance(token, account common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[pairKey(token, account)] = new(big.Int).Set(amount)
}

// SetNativeBalance seeds a native balance
func (c *Chain) SetNativeBalance(account common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.native[account] = new(big.Int).Set(amount)
}

// FailAllowanceRead makes allowance reads for a token return err
func (c *Chain) FailAllowanceRead(token common.Address, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowanceErrs[token] = err
}

// FailSubmit makes submissions targeting addr (token for approvals, recipient for transfers) fail
func (c *Chain) FailSubmit(addr common.Address, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErrs[addr] = err
}

// Revert makes transactions targeting addr mine with a failed status
func (c *Chain) Revert(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reverts[addr] = true
}

// StallReceipts makes receipt waits for transactions targeting addr block
// until the caller's context ends
func (c *Chain) StallReceipts(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalls[addr] = true
}

// OnSubmit registers fn to run after each accepted submission
func (c *Chain) OnSubmit(fn func(SubmittedTx)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSubmit = fn
}

// Submitted returns every transaction the chain accepted
func (c *Chain) Submitted() []SubmittedTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SubmittedTx{}, c.submitted...)
}

// ChainID implements onchain.Reader
func (c *Chain) ChainID() int64 { return c.ID }

// Allowance implements onchain.Reader
func (c *Chain) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.allowanceErrs[token]; err != nil {
		return nil, err
	}
	if v, ok := c.allowances[pairKey(token, owner)+spender.Hex()]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

// BalanceOf implements onchain.Reader
func (c *Chain) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.balances[pairKey(token, account)]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

// NativeBalance implements onchain.Reader
func (c *Chain) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.native[account]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

// WaitForReceipt implements onchain.Reader
func (c *Chain) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	stalled := c.stalled[hash]
	c.mu.Unlock()
	if stalled {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	status, ok := c.receipts[hash]
	if !ok {
		return nil, fmt.Errorf("unknown transaction %s", hash.Hex())
	}
	return &types.Receipt{Status: status, TxHash: hash}, nil
}

func (c *Chain) submit(kind TxKind, token, target, to common.Address, amount *big.Int) (common.Hash, error) {
	hash, tx, hook, err := c.record(kind, token, target, to, amount)
	if err == nil && hook != nil {
		hook(tx)
	}
	return hash, err
}

func (c *Chain) record(kind TxKind, token, target, to common.Address, amount *big.Int) (common.Hash, SubmittedTx, func(SubmittedTx), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.submitErrs[target]; err != nil {
		return common.Hash{}, SubmittedTx{}, nil, err
	}
	c.nonce++
	hash := common.BigToHash(new(big.Int).SetUint64(uint64(c.ID)<<32 | c.nonce))
	status := types.ReceiptStatusSuccessful
	if c.reverts[target] {
		status = types.ReceiptStatusFailed
	}
	c.receipts[hash] = status
	if c.stalls[target] {
		c.stalled[hash] = true
	}
	tx := SubmittedTx{
		Kind:    kind,
		ChainID: c.ID,
		Token:   token,
		To:      to,
		Amount:  new(big.Int).Set(amount),
		Hash:    hash,
	}
	c.submitted = append(c.submitted, tx)
	return hash, tx, c.onSubmit, nil
}

// Registry serves fake chains by id
type Registry struct {
	chains map[int64]*Chain
}

// NewRegistry builds a registry over the given chains
func NewRegistry(chains ...*Chain) *Registry {
	r := &Registry{chains: map[int64]*Chain{}}
	for _, c := range chains {
		r.chains[c.ID] = c
	}
	return r
}

// Reader implements onchain.ReaderRegistry
func (r *Registry) Reader(chainID int64) (onchain.Reader, error) {
	c, ok := r.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d not configured", chainID)
	}
	return c, nil
}

// Chain returns the fake chain for id
func (r *Registry) Chain(chainID int64) *Chain {
	return r.chains[chainID]
}

// ErrUnknownChain is returned when switching to a chain the wallet lacks
var ErrUnknownChain = errors.New("unrecognized chain")

// Wallet is a fake wallet provider whose reported chain can lag behind switches
type Wallet struct {
	mu        sync.Mutex
	account   common.Address
	connected bool
	registry  *Registry
	current   int64
	target    int64
	// Lag is how many fresh clients keep reporting the old chain after a switch. Negative never catches up.
	Lag       int
	lagLeft   int
	switchErr error

	switches    []int64
	clientCalls int
}

// NewWallet creates a connected fake wallet on startChain
func NewWallet(account common.Address, registry *Registry, startChain int64) *Wallet {
	return &Wallet{
		account:   account,
		connected: true,
		registry:  registry,
		current:   startChain,
		target:    startChain,
	}
}

// Disconnect marks the wallet as not connected
func (w *Wallet) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = false
}

// FailSwitch makes every SwitchChain call return err
func (w *Wallet) FailSwitch(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.switchErr = err
}

// Switches returns the chain ids passed to SwitchChain
func (w *Wallet) Switches() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]int64{}, w.switches...)
}

// ClientCalls returns how many wallet clients were handed out
func (w *Wallet) ClientCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clientCalls
}

// IsConnected implements onchain.WalletProvider
func (w *Wallet) IsConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Connect implements onchain.WalletProvider
func (w *Wallet) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = true
	return nil
}

// Account implements onchain.WalletProvider
func (w *Wallet) Account() common.Address { return w.account }

// SwitchChain implements onchain.WalletProvider
func (w *Wallet) SwitchChain(ctx context.Context, chainID int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.switches = append(w.switches, chainID)
	if w.switchErr != nil {
		return w.switchErr
	}
	if w.registry.Chain(chainID) == nil {
		return ErrUnknownChain
	}
	w.target = chainID
	w.lagLeft = w.Lag
	if w.Lag == 0 {
		w.current = chainID
	}
	return nil
}

// WalletClient implements onchain.WalletProvider
func (w *Wallet) WalletClient(ctx context.Context) (onchain.WalletClient, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.clientCalls++
	if w.current != w.target {
		if w.lagLeft == 0 {
			w.current = w.target
		} else if w.lagLeft > 0 {
			w.lagLeft--
		}
	}
	chain := w.registry.Chain(w.current)
	if chain == nil {
		return nil, fmt.Errorf("wallet on unknown chain %d", w.current)
	}
	return &Client{Chain: chain, account: w.account}, nil
}

// Client is a fake signing client on one chain
type Client struct {
	*Chain
	account common.Address
}

// Account implements onchain.WalletClient
func (c *Client) Account() common.Address { return c.account }

// Approve implements onchain.WalletClient
func (c *Client) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	hash, err := c.submit(TxApprove, token, token, spender, amount)
	if err != nil {
		return hash, err
	}
	c.mu.Lock()
	if c.receipts[hash] == types.ReceiptStatusSuccessful {
		c.allowances[pairKey(token, c.account)+spender.Hex()] = new(big.Int).Set(amount)
	}
	c.mu.Unlock()
	return hash, nil
}

// Transfer implements onchain.WalletClient
func (c *Client) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error) {
	return c.submit(TxTransfer, token, to, to, amount)
}

// SendNative implements onchain.WalletClient
func (c *Client) SendNative(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	return c.submit(TxNative, common.Address{}, to, to, amount)
}

// DonateToken implements onchain.WalletClient. The transfer reverts unless the
// router holds enough allowance, which it then consumes.
func (c *Client) DonateToken(ctx context.Context, router, token, recipient common.Address, amount *big.Int) (common.Hash, error) {
	hash, err := c.submit(TxRouted, token, recipient, recipient, amount)
	if err != nil {
		return hash, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx := len(c.submitted) - 1
	c.submitted[idx].Router = router

	key := pairKey(token, c.account) + router.Hex()
	allowance, ok := c.allowances[key]
	if !ok || allowance.Cmp(amount) < 0 {
		c.receipts[hash] = types.ReceiptStatusFailed
		return hash, nil
	}
	if c.receipts[hash] == types.ReceiptStatusSuccessful {
		c.allowances[key] = new(big.Int).Sub(allowance, amount)
	}
	return hash, nil
}
