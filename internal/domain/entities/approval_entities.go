package entities

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TokenApprovalInfo captures whether a token needs an allowance bump before spending
type TokenApprovalInfo struct {
	TokenAddress     common.Address `json:"tokenAddress"`
	TokenSymbol      string         `json:"tokenSymbol"`
	CurrentAllowance *big.Int       `json:"currentAllowance"`
	RequiredAmount   *big.Int       `json:"requiredAmount"`
	NeedsApproval    bool           `json:"needsApproval"`
	ChainID          int64          `json:"chainId"`
}

// ApprovalTransaction tracks one submitted approval
type ApprovalTransaction struct {
	TokenAddress common.Address `json:"tokenAddress"`
	TokenSymbol  string         `json:"tokenSymbol"`
	Amount       *big.Int       `json:"amount"`
	Hash         *common.Hash   `json:"hash,omitempty"`
	Status       ApprovalStatus `json:"status"`
}
