// Package donation executes a batch of donation legs against the donor wallet.
//
// Pre-flight checks (payout addresses, amounts, balances, approvals) abort the
// whole batch before anything is signed. Once transfers start, each leg runs
// in order to a terminal state and a failure never stops the legs after it.
package donation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gap-service/donation_service/internal/domain/entities"
	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
	"github.com/gap-service/donation_service/internal/domain/services/allowance"
	"github.com/gap-service/donation_service/internal/domain/services/chainsync"
	"github.com/gap-service/donation_service/internal/domain/services/onchain"
	"github.com/gap-service/donation_service/internal/domain/services/payout"
	"github.com/gap-service/donation_service/pkg/logger"
	"github.com/gap-service/donation_service/pkg/metrics"
)

// ChainCoordinator hands out wallet clients bound to a chain
type ChainCoordinator interface {
	Current(ctx context.Context) (onchain.WalletClient, error)
	EnsureChain(ctx context.Context, chainID int64) (onchain.WalletClient, error)
}

// Config controls engine behaviour
type Config struct {
	// WaitForReceipts makes each leg wait until its transfer is mined
	WaitForReceipts bool
	// Routers maps chain id to the donation router that ERC-20 legs on that
	// chain are sent through. Chains without a router use direct transfers.
	Routers map[int64]common.Address
}

// LegUpdate reports a leg state transition
type LegUpdate struct {
	Index           int
	ProjectID       string
	ChainID         int64
	State           entities.LegState
	TransactionHash string
	ErrorCode       string
	ErrorMessage    string
}

// ExecuteRequest is one batch of donations
type ExecuteRequest struct {
	Payments []entities.DonationPayment
	// PayoutAddresses maps project id to its resolved payout address
	PayoutAddresses map[string]string
	// Balances are pre-fetched balances per (chain, token). Nil fetches them.
	Balances map[entities.TokenKey]*big.Int
	// Projects supplies display metadata for results, keyed by project id
	Projects map[string]entities.DonationCartItem

	OnLegUpdate        func(LegUpdate)
	OnApprovalProgress allowance.ProgressFunc
}

// ExecuteResult is the outcome of a batch that reached the transfer phase
type ExecuteResult struct {
	Donations []entities.CompletedDonation   `json:"donations"`
	Approvals []entities.ApprovalTransaction `json:"approvals,omitempty"`
	Succeeded int                            `json:"succeeded"`
	Pending   int                            `json:"pending"`
	Failed    int                            `json:"failed"`
}

// Engine runs donation batches
type Engine struct {
	coordinator ChainCoordinator
	readers     onchain.ReaderRegistry
	allowances  *allowance.Service
	cfg         Config
	logger      *logger.Logger
	now         func() time.Time
	tracer      trace.Tracer
}

// NewEngine creates a new donation engine
func NewEngine(coordinator ChainCoordinator, readers onchain.ReaderRegistry, allowances *allowance.Service, cfg Config, log *logger.Logger) *Engine {
	if cfg.Routers == nil {
		cfg.Routers = map[int64]common.Address{}
	}
	return &Engine{
		coordinator: coordinator,
		readers:     readers,
		allowances:  allowances,
		cfg:         cfg,
		logger:      log,
		now:         time.Now,
		tracer:      otel.Tracer("donation"),
	}
}

// Router returns the donation router configured for chainID
func (e *Engine) Router(chainID int64) (common.Address, bool) {
	router, ok := e.cfg.Routers[chainID]
	return router, ok
}

type leg struct {
	index   int
	payment entities.DonationPayment
	payout  common.Address
	amount  *big.Int
	token   common.Address
}

// Execute runs the batch. A non-nil error with a nil result means the batch
// was aborted before any transfer. When approvals fail the partial approval
// results are returned together with the error.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	ctx, span := e.tracer.Start(ctx, "donation.Execute")
	defer span.End()
	span.SetAttributes(attribute.Int("legs", len(req.Payments)))

	start := time.Now()
	outcome := "aborted"
	defer func() {
		metrics.DonationBatchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
		metrics.DonationBatchesTotal.WithLabelValues(outcome).Inc()
	}()

	legs, err := e.prepare(req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	client, err := e.coordinator.Current(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, apperrors.WalletNotConnectedError()
	}
	account := client.Account()

	batchChain := legs[0].payment.ChainID
	if client.ChainID() != batchChain {
		if _, err := e.coordinator.EnsureChain(ctx, batchChain); err != nil {
			span.RecordError(err)
			e.logger.Warn("Aborting batch, initial chain switch failed", "chain_id", batchChain, "error", err)
			return nil, switchAbortError(batchChain, err)
		}
	}

	if err := e.checkBalances(ctx, account, legs, req.Balances); err != nil {
		span.RecordError(err)
		return nil, err
	}

	approvals, err := e.runApprovals(ctx, account, legs, req.OnApprovalProgress)
	if err != nil {
		span.RecordError(err)
		return &ExecuteResult{Approvals: approvals}, err
	}

	result := &ExecuteResult{
		Donations: make([]entities.CompletedDonation, 0, len(legs)),
		Approvals: approvals,
	}

	for _, l := range legs {
		e.notify(req.OnLegUpdate, LegUpdate{Index: l.index, ProjectID: l.payment.ProjectID, ChainID: l.payment.ChainID, State: entities.LegStateNotStarted})
	}
	for _, l := range legs {
		donation := e.executeLeg(ctx, l, req)
		switch donation.Status {
		case entities.DonationStatusSuccess:
			result.Succeeded++
		case entities.DonationStatusPending:
			result.Pending++
		default:
			result.Failed++
		}
		result.Donations = append(result.Donations, donation)
	}

	switch {
	case result.Failed == 0 && result.Pending == 0:
		outcome = "success"
	case result.Succeeded == 0 && result.Pending == 0:
		outcome = "failed"
	default:
		outcome = "partial"
	}
	span.SetAttributes(
		attribute.Int("succeeded", result.Succeeded),
		attribute.Int("pending", result.Pending),
		attribute.Int("failed", result.Failed),
	)
	e.logger.Info("Donation batch finished",
		"legs", len(legs),
		"succeeded", result.Succeeded,
		"pending", result.Pending,
		"failed", result.Failed)

	return result, nil
}

// prepare validates payouts and amounts without touching the network
func (e *Engine) prepare(req ExecuteRequest) ([]leg, error) {
	if len(req.Payments) == 0 {
		return nil, apperrors.EmptyBatchError()
	}

	var unresolved []string
	for _, p := range req.Payments {
		if _, ok := payout.ValidateAddress(req.PayoutAddresses[p.ProjectID]); !ok {
			unresolved = append(unresolved, p.ProjectID)
		}
	}
	if len(unresolved) > 0 {
		e.logger.Warn("Security block, unresolved payout addresses", "project_ids", unresolved)
		return nil, apperrors.SecurityBlockError(unresolved)
	}

	legs := make([]leg, 0, len(req.Payments))
	for i, p := range req.Payments {
		if p.ChainID <= 0 || (p.Token.ChainID != 0 && p.Token.ChainID != p.ChainID) {
			return nil, apperrors.ValidationError("chainId", fmt.Sprintf("Invalid chain for project %s", p.ProjectID))
		}
		amount, err := ToBaseUnits(p.Amount, p.Token.Decimals)
		if err != nil {
			return nil, apperrors.ValidationError("amount", fmt.Sprintf("Invalid amount for project %s", p.ProjectID)).
				WithDetails(map[string]interface{}{"field": "amount", "project_id": p.ProjectID})
		}

		var token common.Address
		if !p.Token.IsNative {
			addr, ok := validTokenAddress(p.Token.Address)
			if !ok {
				return nil, apperrors.ValidationError("token", fmt.Sprintf("Invalid token address for project %s", p.ProjectID))
			}
			token = addr
		}

		payoutAddr, _ := payout.ValidateAddress(req.PayoutAddresses[p.ProjectID])
		legs = append(legs, leg{
			index:   i,
			payment: p,
			payout:  payoutAddr,
			amount:  amount,
			token:   token,
		})
	}
	return legs, nil
}

func validTokenAddress(s string) (common.Address, bool) {
	if !common.IsHexAddress(s) || len(s) != 42 {
		return common.Address{}, false
	}
	addr := common.HexToAddress(s)
	return addr, addr != (common.Address{})
}

// switchAbortError converts a failed pre-flight switch into a batch error
func switchAbortError(chainID int64, err error) error {
	if apperrors.IsUserRejected(err) || onchain.IsUserRejection(err) {
		return apperrors.UserRejectedError()
	}
	attempts := 0
	var syncErr *chainsync.ChainSyncError
	if errors.As(err, &syncErr) {
		attempts = syncErr.Attempts
	}
	return apperrors.ChainSwitchError(chainID, attempts)
}

// FetchBalances reads the donor's balance of every (chain, token) the
// payments spend, concurrently.
func (e *Engine) FetchBalances(ctx context.Context, account common.Address, payments []entities.DonationPayment) (map[entities.TokenKey]*big.Int, error) {
	tokens := map[entities.TokenKey]entities.SupportedToken{}
	for _, p := range payments {
		tok := p.Token
		tok.ChainID = p.ChainID
		tokens[tok.Key()] = tok
	}

	var mu sync.Mutex
	balances := make(map[entities.TokenKey]*big.Int, len(tokens))

	g, gctx := errgroup.WithContext(ctx)
	for key, tok := range tokens {
		key, tok := key, tok
		g.Go(func() error {
			reader, err := e.readers.Reader(tok.ChainID)
			if err != nil {
				return err
			}
			var bal *big.Int
			if tok.IsNative {
				bal, err = reader.NativeBalance(gctx, account)
			} else {
				bal, err = reader.BalanceOf(gctx, common.HexToAddress(tok.Address), account)
			}
			if err != nil {
				return fmt.Errorf("read %s balance on chain %d: %w", tok.Symbol, tok.ChainID, err)
			}
			mu.Lock()
			balances[key] = bal
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return balances, nil
}

func (e *Engine) checkBalances(ctx context.Context, account common.Address, legs []leg, balances map[entities.TokenKey]*big.Int) error {
	if balances == nil {
		payments := make([]entities.DonationPayment, 0, len(legs))
		for _, l := range legs {
			payments = append(payments, l.payment)
		}
		fetched, err := e.FetchBalances(ctx, account, payments)
		if err != nil {
			e.logger.Error("Balance check failed", "error", err)
			return apperrors.ServiceUnavailableError("Balance", nil)
		}
		balances = fetched
	}

	required := map[entities.TokenKey]*big.Int{}
	symbols := map[entities.TokenKey]string{}
	for _, l := range legs {
		key := legKey(l)
		if _, ok := required[key]; !ok {
			required[key] = big.NewInt(0)
		}
		required[key].Add(required[key], l.amount)
		symbols[key] = l.payment.Token.Symbol
	}

	short := map[entities.TokenKey]bool{}
	for key, need := range required {
		have := balances[key]
		if have == nil || have.Cmp(need) < 0 {
			short[key] = true
		}
	}
	if len(short) == 0 {
		return nil
	}

	var projectIDs, tokens []string
	for _, l := range legs {
		if short[legKey(l)] {
			projectIDs = append(projectIDs, l.payment.ProjectID)
		}
	}
	for key := range short {
		tokens = append(tokens, symbols[key])
	}
	sort.Strings(tokens)

	e.logger.Warn("Insufficient balance for batch", "project_ids", projectIDs, "tokens", tokens)
	return apperrors.InsufficientBalanceError(projectIDs, tokens)
}

func legKey(l leg) entities.TokenKey {
	tok := l.payment.Token
	tok.ChainID = l.payment.ChainID
	return tok.Key()
}

// runApprovals grants each chain's router the allowance its legs need, one
// chain at a time in order of first appearance.
func (e *Engine) runApprovals(ctx context.Context, account common.Address, legs []leg, onProgress allowance.ProgressFunc) ([]entities.ApprovalTransaction, error) {
	var chains []int64
	byChain := map[int64][]leg{}
	for _, l := range legs {
		if l.payment.Token.IsNative {
			continue
		}
		if _, ok := e.cfg.Routers[l.payment.ChainID]; !ok {
			continue
		}
		if _, seen := byChain[l.payment.ChainID]; !seen {
			chains = append(chains, l.payment.ChainID)
		}
		byChain[l.payment.ChainID] = append(byChain[l.payment.ChainID], l)
	}
	if len(chains) == 0 {
		return nil, nil
	}

	var all []entities.ApprovalTransaction
	for _, chainID := range chains {
		router := e.cfg.Routers[chainID]
		chainLegs := byChain[chainID]

		payments := make([]entities.DonationPayment, 0, len(chainLegs))
		amounts := make([]*big.Int, 0, len(chainLegs))
		for _, l := range chainLegs {
			payments = append(payments, l.payment)
			amounts = append(amounts, l.amount)
		}

		infos := e.allowances.CheckAllowances(ctx, account, router, allowance.RequirementsFor(payments, amounts))
		pending := false
		for _, info := range infos {
			if info.NeedsApproval {
				pending = true
				break
			}
		}
		if !pending {
			continue
		}

		client, err := e.clientOn(ctx, chainID)
		if err != nil {
			return all, switchAbortError(chainID, err)
		}

		prior := append([]entities.ApprovalTransaction{}, all...)
		results, err := e.allowances.ExecuteApprovals(ctx, client, router, infos, func(txs []entities.ApprovalTransaction) {
			if onProgress != nil {
				onProgress(append(append([]entities.ApprovalTransaction{}, prior...), txs...))
			}
		})
		all = append(all, results...)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

// clientOn returns a fresh client on chainID, switching when needed
func (e *Engine) clientOn(ctx context.Context, chainID int64) (onchain.WalletClient, error) {
	client, err := e.coordinator.Current(ctx)
	if err == nil && client.ChainID() == chainID {
		return client, nil
	}
	return e.coordinator.EnsureChain(ctx, chainID)
}

func (e *Engine) notify(fn func(LegUpdate), u LegUpdate) {
	if fn != nil {
		fn(u)
	}
}

func (e *Engine) executeLeg(ctx context.Context, l leg, req ExecuteRequest) entities.CompletedDonation {
	ctx, span := e.tracer.Start(ctx, "donation.leg")
	defer span.End()
	span.SetAttributes(
		attribute.String("project_id", l.payment.ProjectID),
		attribute.Int64("chain_id", l.payment.ChainID),
		attribute.String("token", l.payment.Token.Symbol),
	)

	meta := req.Projects[l.payment.ProjectID]
	donation := entities.CompletedDonation{
		ProjectID:       l.payment.ProjectID,
		ProjectTitle:    meta.Title,
		ProjectSlug:     meta.Slug,
		ProjectImageURL: meta.ImageURL,
		PayoutAddress:   l.payout.Hex(),
		Amount:          l.payment.Amount,
		Token:           l.payment.Token,
		ChainID:         l.payment.ChainID,
	}
	update := LegUpdate{Index: l.index, ProjectID: l.payment.ProjectID, ChainID: l.payment.ChainID}

	fail := func(err error, hash string) entities.CompletedDonation {
		code, msg := ClassifyError(err)
		span.RecordError(err)
		e.logger.Warn("Donation leg failed",
			"project_id", l.payment.ProjectID,
			"chain_id", l.payment.ChainID,
			"code", code,
			"error", err)
		metrics.DonationLegsTotal.WithLabelValues(string(entities.DonationStatusFailed), code).Inc()

		donation.Status = entities.DonationStatusFailed
		donation.TransactionHash = hash
		donation.ErrorCode = code
		donation.ErrorMessage = msg
		donation.Timestamp = e.now()

		update.State = entities.LegStateError
		update.TransactionHash = hash
		update.ErrorCode = code
		update.ErrorMessage = msg
		e.notify(req.OnLegUpdate, update)
		return donation
	}

	// The transfer is out; only its receipt is unknown.
	pending := func(err error, hash string) entities.CompletedDonation {
		de := apperrors.ReceiptPendingError(hash, err)
		span.RecordError(err)
		e.logger.Warn("Donation leg broadcast without receipt",
			"project_id", l.payment.ProjectID,
			"chain_id", l.payment.ChainID,
			"tx_hash", hash,
			"error", err)
		metrics.DonationLegsTotal.WithLabelValues(string(entities.DonationStatusPending), de.Code).Inc()

		donation.Status = entities.DonationStatusPending
		donation.TransactionHash = hash
		donation.ErrorCode = de.Code
		donation.ErrorMessage = de.Message
		donation.Timestamp = e.now()

		update.State = entities.LegStatePending
		update.TransactionHash = hash
		update.ErrorCode = de.Code
		update.ErrorMessage = de.Message
		e.notify(req.OnLegUpdate, update)
		return donation
	}

	client, err := e.coordinator.Current(ctx)
	if err != nil {
		return fail(err, "")
	}
	if client.ChainID() != l.payment.ChainID {
		update.State = entities.LegStateSwitchingChain
		e.notify(req.OnLegUpdate, update)
		client, err = e.coordinator.EnsureChain(ctx, l.payment.ChainID)
		if err != nil {
			return fail(err, "")
		}
	}

	if err := ctx.Err(); err != nil {
		return fail(err, "")
	}

	update.State = entities.LegStateSubmitting
	e.notify(req.OnLegUpdate, update)

	hash, err := e.submit(ctx, client, l)
	if err != nil {
		return fail(err, "")
	}

	if e.cfg.WaitForReceipts {
		receipt, err := client.WaitForReceipt(ctx, hash)
		if err != nil {
			return pending(err, hash.Hex())
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return fail(apperrors.TransactionRevertedError(hash.Hex()), hash.Hex())
		}
	}

	donation.Status = entities.DonationStatusSuccess
	donation.TransactionHash = hash.Hex()
	donation.Timestamp = e.now()
	metrics.DonationLegsTotal.WithLabelValues(string(entities.DonationStatusSuccess), "").Inc()
	e.logger.Info("Donation leg confirmed",
		"project_id", l.payment.ProjectID,
		"chain_id", l.payment.ChainID,
		"tx_hash", donation.TransactionHash)

	update.State = entities.LegStateSuccess
	update.TransactionHash = donation.TransactionHash
	e.notify(req.OnLegUpdate, update)
	return donation
}

func (e *Engine) submit(ctx context.Context, client onchain.WalletClient, l leg) (common.Hash, error) {
	if l.payment.Token.IsNative {
		return client.SendNative(ctx, l.payout, l.amount)
	}
	if router, ok := e.cfg.Routers[l.payment.ChainID]; ok {
		return client.DonateToken(ctx, router, l.token, l.payout, l.amount)
	}
	return client.Transfer(ctx, l.token, l.payout, l.amount)
}

// ApprovalRequirements reports, without submitting anything, the allowances
// the routed ERC-20 payments would need.
func (e *Engine) ApprovalRequirements(ctx context.Context, account common.Address, payments []entities.DonationPayment) ([]entities.TokenApprovalInfo, error) {
	var chains []int64
	grouped := map[int64][]int{}
	for i, p := range payments {
		if p.Token.IsNative {
			continue
		}
		if _, ok := e.cfg.Routers[p.ChainID]; !ok {
			continue
		}
		if _, seen := grouped[p.ChainID]; !seen {
			chains = append(chains, p.ChainID)
		}
		grouped[p.ChainID] = append(grouped[p.ChainID], i)
	}

	var infos []entities.TokenApprovalInfo
	for _, chainID := range chains {
		subset := make([]entities.DonationPayment, 0, len(grouped[chainID]))
		amounts := make([]*big.Int, 0, len(grouped[chainID]))
		for _, i := range grouped[chainID] {
			amount, err := ToBaseUnits(payments[i].Amount, payments[i].Token.Decimals)
			if err != nil {
				return nil, apperrors.ValidationError("amount", fmt.Sprintf("Invalid amount for project %s", payments[i].ProjectID))
			}
			subset = append(subset, payments[i])
			amounts = append(amounts, amount)
		}
		infos = append(infos, e.allowances.CheckAllowances(ctx, account, e.cfg.Routers[chainID], allowance.RequirementsFor(subset, amounts))...)
	}
	return infos, nil
}
