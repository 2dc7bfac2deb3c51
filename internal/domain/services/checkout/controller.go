// Package checkout drives a donation checkout end to end: wallet connection,
// preview and confirmation, execution, backend persistence and cart update.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/gap-service/donation_service/internal/domain/entities"
	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
	"github.com/gap-service/donation_service/internal/domain/services/cart"
	"github.com/gap-service/donation_service/internal/domain/services/donation"
	"github.com/gap-service/donation_service/internal/domain/services/onchain"
	"github.com/gap-service/donation_service/internal/domain/services/payout"
	"github.com/gap-service/donation_service/pkg/logger"
)

// DonationRecorder persists a confirmed donation with the backend
type DonationRecorder interface {
	RecordDonation(ctx context.Context, record entities.DonationRecord) error
}

// Outcome summarizes a checkout for the donor
type Outcome string

const (
	OutcomeSuccess              Outcome = "success"
	OutcomePartial              Outcome = "partial"
	OutcomeFailed               Outcome = "failed"
	OutcomeConfirmationRequired Outcome = "confirmation_required"
)

// Confirmation reasons
const (
	ReasonMultipleChains   = "multiple_chains"
	ReasonApprovalRequired = "approval_required"
	ReasonAlwaysConfirm    = "always_confirm"
)

const (
	// DefaultExecutionTimeout bounds a confirmed checkout when Config leaves it unset
	DefaultExecutionTimeout = 15 * time.Minute
	bookkeepingTimeout      = 30 * time.Second
)

// Config controls the checkout flow
type Config struct {
	AlwaysConfirm bool
	// ExecutionTimeout bounds execution and persistence once the donor has
	// confirmed. It replaces the caller's deadline and cancellation.
	ExecutionTimeout time.Duration
}

// BalanceView is the balance check for one (chain, token) in a preview
type BalanceView struct {
	ChainID    int64  `json:"chainId"`
	Symbol     string `json:"symbol"`
	Address    string `json:"address,omitempty"`
	Required   string `json:"required"`
	Available  string `json:"available"`
	Sufficient bool   `json:"sufficient"`
}

// Preview is what the donor reviews before confirming
type Preview struct {
	Payments             []entities.DonationPayment   `json:"payments"`
	PayoutAddresses      map[string]string            `json:"payoutAddresses"`
	MissingPayouts       []string                     `json:"missingPayouts"`
	Balances             []BalanceView                `json:"balances"`
	Approvals            []entities.TokenApprovalInfo `json:"approvals"`
	Chains               []int64                      `json:"chains"`
	RequiresConfirmation bool                         `json:"requiresConfirmation"`
	Reasons              []string                     `json:"reasons,omitempty"`
	CanProceed           bool                         `json:"canProceed"`

	balances map[entities.TokenKey]*big.Int
}

// CheckoutRequest starts a checkout
type CheckoutRequest struct {
	CommunityID string
	Confirmed   bool
}

// Summary is the outcome shown to the donor after a checkout
type Summary struct {
	Outcome         Outcome                        `json:"outcome"`
	Message         string                         `json:"message"`
	Session         *entities.DonationSession      `json:"session,omitempty"`
	Approvals       []entities.ApprovalTransaction `json:"approvals,omitempty"`
	Succeeded       int                            `json:"succeeded"`
	Pending         int                            `json:"pending"`
	Failed          int                            `json:"failed"`
	PersistFailures int                            `json:"persistFailures"`
	Preview         *Preview                       `json:"preview,omitempty"`
}

// Controller runs checkouts for the single configured wallet
type Controller struct {
	cart     *cart.Store
	payouts  *payout.Manager
	engine   *donation.Engine
	wallet   onchain.WalletProvider
	recorder DonationRecorder
	cfg      Config
	logger   *logger.Logger
	now      func() time.Time

	running sync.Mutex
}

// NewController creates a checkout controller
func NewController(
	store *cart.Store,
	payouts *payout.Manager,
	engine *donation.Engine,
	wallet onchain.WalletProvider,
	recorder DonationRecorder,
	cfg Config,
	log *logger.Logger,
) *Controller {
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = DefaultExecutionTimeout
	}
	return &Controller{
		cart:     store,
		payouts:  payouts,
		engine:   engine,
		wallet:   wallet,
		recorder: recorder,
		cfg:      cfg,
		logger:   log,
		now:      time.Now,
	}
}

func (c *Controller) ensureConnected(ctx context.Context) error {
	if c.wallet.IsConnected() {
		return nil
	}
	if err := c.wallet.Connect(ctx); err != nil {
		c.logger.Warn("Wallet connection failed", "error", err)
		if onchain.IsUserRejection(err) {
			return apperrors.UserRejectedError()
		}
		return apperrors.WalletNotConnectedError()
	}
	return nil
}

// Preview resolves payouts, derives payments and checks balances and
// approvals without signing anything.
func (c *Controller) Preview(ctx context.Context, communityID string) (*Preview, error) {
	ctx, span := otel.Tracer("checkout").Start(ctx, "checkout.Preview")
	defer span.End()

	if err := c.ensureConnected(ctx); err != nil {
		return nil, err
	}
	account := c.wallet.Account()

	if err := c.payouts.Refresh(ctx, c.cart.Items(), communityID); err != nil {
		return nil, fmt.Errorf("refresh payout addresses: %w", err)
	}

	payments, err := c.cart.UpdatePayments(ctx)
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, apperrors.EmptyBatchError()
	}
	span.SetAttributes(attribute.Int("payments", len(payments)))

	preview := &Preview{
		Payments:        payments,
		PayoutAddresses: map[string]string{},
		MissingPayouts:  []string{},
	}

	addresses := c.payouts.Addresses()
	for _, p := range payments {
		if addr, ok := addresses[p.ProjectID]; ok {
			preview.PayoutAddresses[p.ProjectID] = addr
		} else {
			preview.MissingPayouts = append(preview.MissingPayouts, p.ProjectID)
		}
	}

	seen := map[int64]bool{}
	for _, p := range payments {
		if !seen[p.ChainID] {
			seen[p.ChainID] = true
			preview.Chains = append(preview.Chains, p.ChainID)
		}
	}

	balances, err := c.engine.FetchBalances(ctx, account, payments)
	if err != nil {
		c.logger.Error("Failed to fetch balances for preview", "error", err)
		return nil, apperrors.ServiceUnavailableError("Balance", nil)
	}
	preview.balances = balances
	preview.Balances, err = balanceViews(payments, balances)
	if err != nil {
		return nil, err
	}

	preview.Approvals, err = c.engine.ApprovalRequirements(ctx, account, payments)
	if err != nil {
		return nil, err
	}

	if len(preview.Chains) > 1 {
		preview.Reasons = append(preview.Reasons, ReasonMultipleChains)
	}
	for _, a := range preview.Approvals {
		if a.NeedsApproval {
			preview.Reasons = append(preview.Reasons, ReasonApprovalRequired)
			break
		}
	}
	if c.cfg.AlwaysConfirm {
		preview.Reasons = append(preview.Reasons, ReasonAlwaysConfirm)
	}
	preview.RequiresConfirmation = len(preview.Reasons) > 0

	preview.CanProceed = len(preview.MissingPayouts) == 0
	for _, b := range preview.Balances {
		if !b.Sufficient {
			preview.CanProceed = false
		}
	}

	return preview, nil
}

func balanceViews(payments []entities.DonationPayment, balances map[entities.TokenKey]*big.Int) ([]BalanceView, error) {
	required := map[entities.TokenKey]*big.Int{}
	tokens := map[entities.TokenKey]entities.SupportedToken{}
	var order []entities.TokenKey

	for _, p := range payments {
		tok := p.Token
		tok.ChainID = p.ChainID
		key := tok.Key()
		amount, err := donation.ToBaseUnits(p.Amount, tok.Decimals)
		if err != nil {
			return nil, apperrors.ValidationError("amount", fmt.Sprintf("Invalid amount for project %s", p.ProjectID))
		}
		if _, ok := required[key]; !ok {
			required[key] = big.NewInt(0)
			tokens[key] = tok
			order = append(order, key)
		}
		required[key].Add(required[key], amount)
	}

	views := make([]BalanceView, 0, len(order))
	for _, key := range order {
		tok := tokens[key]
		have := balances[key]
		if have == nil {
			have = big.NewInt(0)
		}
		views = append(views, BalanceView{
			ChainID:    key.ChainID,
			Symbol:     tok.Symbol,
			Address:    key.Address,
			Required:   donation.FromBaseUnits(required[key], tok.Decimals),
			Available:  donation.FromBaseUnits(have, tok.Decimals),
			Sufficient: have.Cmp(required[key]) >= 0,
		})
	}
	return views, nil
}

// Checkout runs the full flow. When confirmation is needed and not given it
// returns the preview together with a confirmation-required error.
func (c *Controller) Checkout(ctx context.Context, req CheckoutRequest) (*Summary, error) {
	if !c.running.TryLock() {
		return nil, apperrors.CheckoutInProgressError()
	}
	defer c.running.Unlock()

	ctx, span := otel.Tracer("checkout").Start(ctx, "checkout.Checkout")
	defer span.End()

	c.payouts.Invalidate()
	preview, err := c.Preview(ctx, req.CommunityID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if preview.RequiresConfirmation && !req.Confirmed {
		return &Summary{
			Outcome: OutcomeConfirmationRequired,
			Message: "Review the donation summary and confirm to continue.",
			Preview: preview,
		}, apperrors.ConfirmationRequiredError(preview.Reasons)
	}

	// Past this point transfers may be broadcast, so the request going away
	// must not cut execution or bookkeeping short.
	detached := context.WithoutCancel(ctx)
	execCtx, cancel := context.WithTimeout(detached, c.cfg.ExecutionTimeout)
	defer cancel()

	items := c.cart.Items()
	projects := make(map[string]entities.DonationCartItem, len(items))
	for _, item := range items {
		projects[item.UID] = item
	}

	result, err := c.engine.Execute(execCtx, donation.ExecuteRequest{
		Payments:        preview.Payments,
		PayoutAddresses: preview.PayoutAddresses,
		Balances:        preview.balances,
		Projects:        projects,
		OnLegUpdate: func(u donation.LegUpdate) {
			c.logger.Debug("Leg update",
				"index", u.Index,
				"project_id", u.ProjectID,
				"state", string(u.State))
		},
	})
	if err != nil {
		span.RecordError(err)
		summary := &Summary{
			Outcome: OutcomeFailed,
			Message: abortMessage(err),
		}
		if result != nil {
			summary.Approvals = result.Approvals
		}
		return summary, err
	}

	session := entities.NewDonationSession(result.Donations, c.now())
	summary := &Summary{
		Session:   session,
		Approvals: result.Approvals,
		Succeeded: result.Succeeded,
		Pending:   result.Pending,
		Failed:    result.Failed,
	}
	bookCtx, cancelBook := context.WithTimeout(detached, bookkeepingTimeout)
	defer cancelBook()

	summary.PersistFailures = c.persist(bookCtx, session)

	if err := c.cart.SetLastCompletedSession(bookCtx, session); err != nil {
		c.logger.Error("Failed to store donation session", "session_id", session.ID.String(), "error", err)
	}

	var donated []string
	for _, d := range result.Donations {
		if d.Broadcast() {
			donated = append(donated, d.ProjectID)
		}
	}
	if err := c.cart.RemoveItems(bookCtx, donated); err != nil {
		c.logger.Error("Failed to remove donated items from cart", "error", err)
	}

	summary.Outcome, summary.Message = summarize(result.Succeeded, result.Pending, result.Failed)
	c.logger.Info("Checkout finished",
		"session_id", session.ID.String(),
		"outcome", string(summary.Outcome),
		"succeeded", summary.Succeeded,
		"pending", summary.Pending,
		"failed", summary.Failed,
		"persist_failures", summary.PersistFailures)
	return summary, nil
}

func abortMessage(err error) string {
	var de *apperrors.DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	_, msg := donation.ClassifyError(err)
	return msg
}

func summarize(succeeded, pending, failed int) (Outcome, string) {
	sent := succeeded + pending
	total := sent + failed
	switch {
	case sent == 0:
		return OutcomeFailed, "No donations were sent."
	case failed == 0 && pending == 0:
		return OutcomeSuccess, fmt.Sprintf("All %d donations were sent.", succeeded)
	case failed == 0:
		return OutcomePartial, fmt.Sprintf("All %d donations were sent, %d still awaiting confirmation.", total, pending)
	case pending == 0:
		return OutcomePartial, fmt.Sprintf("%d of %d donations were sent.", sent, total)
	default:
		return OutcomePartial, fmt.Sprintf("%d of %d donations were sent, %d still awaiting confirmation.", sent, total, pending)
	}
}

// persist records successful legs with the backend. Failures are logged and
// counted; the on-chain transfer already happened.
func (c *Controller) persist(ctx context.Context, session *entities.DonationSession) int {
	if c.recorder == nil {
		return 0
	}
	donor := c.wallet.Account().Hex()

	failures := 0
	for _, d := range session.Donations {
		if d.Status == entities.DonationStatusPending {
			c.logger.Warn("Donation not recorded, receipt still pending",
				"project_id", d.ProjectID,
				"tx_hash", d.TransactionHash)
			continue
		}
		if !d.Succeeded() {
			continue
		}
		record := BuildRecord(donor, session, d)
		if err := c.recorder.RecordDonation(ctx, record); err != nil {
			failures++
			c.logger.Error("Failed to persist donation",
				"project_id", d.ProjectID,
				"tx_hash", d.TransactionHash,
				"error", err)
		}
	}
	return failures
}

// BuildRecord converts a successful leg into the backend payload. The uid is
// derived from chain, hash and project so a resubmission maps to the same record.
func BuildRecord(donor string, session *entities.DonationSession, d entities.CompletedDonation) entities.DonationRecord {
	uid := uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%d:%s:%s", d.ChainID, d.TransactionHash, d.ProjectID)))

	metadata := map[string]interface{}{
		"sessionId":     session.ID.String(),
		"tokenDecimals": d.Token.Decimals,
		"chainName":     d.Token.ChainName,
	}
	if d.ProjectTitle != "" {
		metadata["projectTitle"] = d.ProjectTitle
	}

	tokenAddress := ""
	if !d.Token.IsNative {
		tokenAddress = d.Token.Address
	}

	return entities.DonationRecord{
		UID:             uid.String(),
		ChainID:         d.ChainID,
		DonorAddress:    donor,
		ProjectUID:      d.ProjectID,
		PayoutAddress:   d.PayoutAddress,
		Amount:          d.Amount,
		TokenSymbol:     d.Token.Symbol,
		TokenAddress:    tokenAddress,
		TransactionHash: d.TransactionHash,
		DonationType:    entities.DonationTypeCrypto,
		Metadata:        metadata,
	}
}
