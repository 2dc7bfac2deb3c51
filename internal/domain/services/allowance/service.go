// Package allowance reads and raises ERC-20 allowances for a donor wallet.
//
// Reads are issued concurrently; approvals are always executed one at a time,
// each waiting for its receipt, so the wallet nonce advances predictably.
package allowance

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/gap-service/donation_service/internal/domain/entities"
	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
	"github.com/gap-service/donation_service/internal/domain/services/onchain"
	"github.com/gap-service/donation_service/pkg/logger"
	"github.com/gap-service/donation_service/pkg/metrics"
)

// Mode selects how much to approve
type Mode string

const (
	// ModeUnlimited approves the maximum uint256 so later donations skip the prompt
	ModeUnlimited Mode = "unlimited"
	// ModeExact approves only the amount the current checkout needs
	ModeExact Mode = "exact"
)

// MaxUint256 is the allowance granted in unlimited mode
var MaxUint256 = new(uint256.Int).SetAllOne().ToBig()

// Requirement is the amount of a token a spender must be allowed to move
type Requirement struct {
	ChainID        int64
	Token          common.Address
	TokenSymbol    string
	RequiredAmount *big.Int
}

// ProgressFunc receives the accumulated approval results after every state change
type ProgressFunc func([]entities.ApprovalTransaction)

// Service handles allowance reads and approvals
type Service struct {
	readers onchain.ReaderRegistry
	mode    Mode
	logger  *logger.Logger
}

// NewService creates a new allowance service. An empty mode means unlimited.
func NewService(readers onchain.ReaderRegistry, mode Mode, log *logger.Logger) *Service {
	if mode == "" {
		mode = ModeUnlimited
	}
	return &Service{
		readers: readers,
		mode:    mode,
		logger:  log,
	}
}

// Mode returns the configured approval mode
func (s *Service) Mode() Mode {
	return s.mode
}

// ApprovalAmount returns the amount to approve for a requirement
func (s *Service) ApprovalAmount(required *big.Int) *big.Int {
	if s.mode == ModeExact {
		return new(big.Int).Set(required)
	}
	return new(big.Int).Set(MaxUint256)
}

// CheckAllowance reads the current allowance. Read failures count as zero so
// the caller errs toward asking for an approval.
func (s *Service) CheckAllowance(ctx context.Context, chainID int64, token, owner, spender common.Address) *big.Int {
	reader, err := s.readers.Reader(chainID)
	if err != nil {
		s.logger.Warn("No reader for allowance check", "chain_id", chainID, "error", err)
		return big.NewInt(0)
	}

	allowance, err := reader.Allowance(ctx, token, owner, spender)
	if err != nil || allowance == nil {
		s.logger.Warn("Allowance read failed, assuming zero",
			"chain_id", chainID,
			"token", token.Hex(),
			"owner", owner.Hex(),
			"error", err)
		return big.NewInt(0)
	}
	return allowance
}

// CheckAllowances reads every requirement concurrently and returns one entry
// per requirement, in input order.
func (s *Service) CheckAllowances(ctx context.Context, owner, spender common.Address, requirements []Requirement) []entities.TokenApprovalInfo {
	results := make([]entities.TokenApprovalInfo, len(requirements))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range requirements {
		i, req := i, req
		g.Go(func() error {
			current := s.CheckAllowance(gctx, req.ChainID, req.Token, owner, spender)
			required := req.RequiredAmount
			if required == nil {
				required = big.NewInt(0)
			}
			results[i] = entities.TokenApprovalInfo{
				TokenAddress:     req.Token,
				TokenSymbol:      req.TokenSymbol,
				CurrentAllowance: current,
				RequiredAmount:   new(big.Int).Set(required),
				NeedsApproval:    current.Cmp(required) < 0,
				ChainID:          req.ChainID,
			}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Approve submits one approval and returns its hash without waiting for it
func (s *Service) Approve(ctx context.Context, client onchain.WalletClient, token, spender common.Address, amount *big.Int) (common.Hash, error) {
	hash, err := client.Approve(ctx, token, spender, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submit approval for %s: %w", token.Hex(), err)
	}
	s.logger.Info("Approval submitted",
		"chain_id", client.ChainID(),
		"token", token.Hex(),
		"spender", spender.Hex(),
		"tx_hash", hash.Hex())
	return hash, nil
}

// ExecuteApprovals runs approvals strictly in order, waiting for each receipt
// before submitting the next. Entries that do not need approval are skipped.
// On the first failure it reports progress and returns an error; later
// approvals are never submitted.
func (s *Service) ExecuteApprovals(ctx context.Context, client onchain.WalletClient, spender common.Address, approvals []entities.TokenApprovalInfo, onProgress ProgressFunc) ([]entities.ApprovalTransaction, error) {
	ctx, span := otel.Tracer("allowance").Start(ctx, "allowance.ExecuteApprovals")
	defer span.End()
	span.SetAttributes(attribute.Int64("chain_id", client.ChainID()), attribute.Int("approvals", len(approvals)))

	results := make([]entities.ApprovalTransaction, 0, len(approvals))
	report := func() {
		if onProgress != nil {
			onProgress(append([]entities.ApprovalTransaction{}, results...))
		}
	}

	for _, approval := range approvals {
		if !approval.NeedsApproval {
			continue
		}

		amount := s.ApprovalAmount(approval.RequiredAmount)
		tx := entities.ApprovalTransaction{
			TokenAddress: approval.TokenAddress,
			TokenSymbol:  approval.TokenSymbol,
			Amount:       amount,
			Status:       entities.ApprovalStatusPending,
		}

		hash, err := s.Approve(ctx, client, approval.TokenAddress, spender, amount)
		if err != nil {
			tx.Status = entities.ApprovalStatusFailed
			results = append(results, tx)
			report()
			metrics.ApprovalsTotal.WithLabelValues(string(entities.ApprovalStatusFailed)).Inc()
			span.RecordError(err)
			return results, apperrors.ApprovalFailedError(approval.TokenSymbol, classifySubmitError(err))
		}

		tx.Hash = &hash
		results = append(results, tx)
		report()

		receipt, err := client.WaitForReceipt(ctx, hash)
		idx := len(results) - 1
		if err != nil || receipt == nil || receipt.Status != types.ReceiptStatusSuccessful {
			results[idx].Status = entities.ApprovalStatusFailed
			report()
			metrics.ApprovalsTotal.WithLabelValues(string(entities.ApprovalStatusFailed)).Inc()
			s.logger.Error("Approval did not confirm",
				"token", approval.TokenAddress.Hex(),
				"tx_hash", hash.Hex(),
				"error", err)
			return results, apperrors.ApprovalFailedError(approval.TokenSymbol, err)
		}

		results[idx].Status = entities.ApprovalStatusConfirmed
		report()
		metrics.ApprovalsTotal.WithLabelValues(string(entities.ApprovalStatusConfirmed)).Inc()
	}

	return results, nil
}

func classifySubmitError(err error) error {
	if apperrors.IsUserRejected(err) || onchain.IsUserRejection(err) {
		return apperrors.ErrUserRejected
	}
	return err
}

// RequirementsFor sums the ERC-20 amounts each (chain, token) pair must cover.
// Native legs need no allowance and are left out. amounts holds the base-unit
// amount for each payment, index-aligned with payments.
func RequirementsFor(payments []entities.DonationPayment, amounts []*big.Int) []Requirement {
	totals := map[entities.TokenKey]*Requirement{}
	order := []entities.TokenKey{}

	for i, p := range payments {
		if p.Token.IsNative || i >= len(amounts) || amounts[i] == nil {
			continue
		}
		key := p.Token.Key()
		req, ok := totals[key]
		if !ok {
			req = &Requirement{
				ChainID:        p.ChainID,
				Token:          common.HexToAddress(p.Token.Address),
				TokenSymbol:    p.Token.Symbol,
				RequiredAmount: big.NewInt(0),
			}
			totals[key] = req
			order = append(order, key)
		}
		req.RequiredAmount.Add(req.RequiredAmount, amounts[i])
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].ChainID != order[j].ChainID {
			return order[i].ChainID < order[j].ChainID
		}
		return strings.Compare(order[i].Address, order[j].Address) < 0
	})

	out := make([]Requirement, 0, len(order))
	for _, key := range order {
		out = append(out, *totals[key])
	}
	return out
}
