package entities

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SupportedToken describes a fungible asset on a specific chain.
// Native assets carry no contract address.
type SupportedToken struct {
	Symbol    string `json:"symbol" validate:"required"`
	Address   string `json:"address,omitempty"`
	IsNative  bool   `json:"isNative"`
	Decimals  uint8  `json:"decimals"`
	ChainID   int64  `json:"chainId" validate:"required,gt=0"`
	ChainName string `json:"chainName"`
}

// Key identifies the token on its chain, suitable as a map key
func (t SupportedToken) Key() TokenKey {
	addr := ""
	if !t.IsNative {
		addr = strings.ToLower(t.Address)
	}
	return TokenKey{ChainID: t.ChainID, Address: addr}
}

// TokenKey is a (chain, token) pair. Native tokens have an empty address.
type TokenKey struct {
	ChainID int64
	Address string
}

// DonationPayment represents one intended leg of a checkout
type DonationPayment struct {
	ProjectID string         `json:"projectId"`
	Amount    string         `json:"amount"`
	Token     SupportedToken `json:"token"`
	ChainID   int64          `json:"chainId"`
}

// ApprovalStatus is the lifecycle state of an approval transaction
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusConfirmed ApprovalStatus = "confirmed"
	ApprovalStatusFailed    ApprovalStatus = "failed"
)

// DonationStatus is the outcome of one executed leg
type DonationStatus string

const (
	DonationStatusSuccess DonationStatus = "success"
	DonationStatusFailed  DonationStatus = "failed"
	// DonationStatusPending marks a broadcast transfer whose receipt was not observed
	DonationStatusPending DonationStatus = "pending"
)

// LegState is the execution state of a leg while a batch runs
type LegState string

const (
	LegStateNotStarted     LegState = "not-started"
	LegStateSwitchingChain LegState = "switching-chain"
	LegStateSubmitting     LegState = "submitting"
	LegStateSuccess        LegState = "success"
	LegStatePending        LegState = "pending"
	LegStateError          LegState = "error"
)

// CompletedDonation is the immutable record of an executed leg
type CompletedDonation struct {
	ProjectID       string         `json:"projectId"`
	ProjectTitle    string         `json:"projectTitle"`
	ProjectSlug     string         `json:"projectSlug,omitempty"`
	ProjectImageURL string         `json:"projectImageURL,omitempty"`
	PayoutAddress   string         `json:"payoutAddress,omitempty"`
	Amount          string         `json:"amount"`
	Token           SupportedToken `json:"token"`
	ChainID         int64          `json:"chainId"`
	TransactionHash string         `json:"transactionHash"`
	Timestamp       time.Time      `json:"timestamp"`
	Status          DonationStatus `json:"status"`
	ErrorCode       string         `json:"errorCode,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
}

// Succeeded reports whether the leg transferred funds
func (d CompletedDonation) Succeeded() bool {
	return d.Status == DonationStatusSuccess
}

// Broadcast reports whether the leg's transfer reached the network, whether
// or not its receipt was seen
func (d CompletedDonation) Broadcast() bool {
	return d.Status == DonationStatusSuccess || d.Status == DonationStatusPending
}

// DonationSession is the outcome of one checkout attempt
type DonationSession struct {
	ID            uuid.UUID           `json:"id"`
	Timestamp     time.Time           `json:"timestamp"`
	Donations     []CompletedDonation `json:"donations"`
	TotalProjects int                 `json:"totalProjects"`
}

// NewDonationSession builds a session for the given donations
func NewDonationSession(donations []CompletedDonation, now time.Time) *DonationSession {
	projects := make(map[string]struct{}, len(donations))
	for _, d := range donations {
		projects[d.ProjectID] = struct{}{}
	}
	return &DonationSession{
		ID:            uuid.New(),
		Timestamp:     now,
		Donations:     donations,
		TotalProjects: len(projects),
	}
}

// DonationRecord is what the backend stores for a confirmed on-chain donation
type DonationRecord struct {
	UID             string                 `json:"uid" validate:"required"`
	ChainID         int64                  `json:"chainID" validate:"required,gt=0"`
	DonorAddress    string                 `json:"donorAddress" validate:"required"`
	ProjectUID      string                 `json:"projectUID" validate:"required"`
	PayoutAddress   string                 `json:"payoutAddress" validate:"required"`
	Amount          string                 `json:"amount" validate:"required"`
	TokenSymbol     string                 `json:"tokenSymbol" validate:"required"`
	TokenAddress    string                 `json:"tokenAddress,omitempty"`
	TransactionHash string                 `json:"transactionHash" validate:"required"`
	DonationType    string                 `json:"donationType" validate:"required"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// DonationTypeCrypto marks a donation paid with an on-chain transfer
const DonationTypeCrypto = "CRYPTO"
