package checkout

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gap-service/donation_service/internal/domain/entities"
	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
	"github.com/gap-service/donation_service/internal/domain/services/allowance"
	"github.com/gap-service/donation_service/internal/domain/services/cart"
	"github.com/gap-service/donation_service/internal/domain/services/chainsync"
	"github.com/gap-service/donation_service/internal/domain/services/donation"
	"github.com/gap-service/donation_service/internal/domain/services/onchain/onchaintest"
	"github.com/gap-service/donation_service/internal/domain/services/payout"
	"github.com/gap-service/donation_service/pkg/logger"
	"github.com/gap-service/donation_service/pkg/retry"
)

var (
	donor  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	router = common.HexToAddress("0x9999999999999999999999999999999999999999")
	usdcOP = common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85")

	opUSDC = entities.SupportedToken{Symbol: "USDC", Address: usdcOP.Hex(), Decimals: 6, ChainID: 10, ChainName: "Optimism"}
	polETH = entities.SupportedToken{Symbol: "POL", IsNative: true, Decimals: 18, ChainID: 137, ChainName: "Polygon"}

	payoutA = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	payoutB = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

type staticFetcher map[string]*entities.ProjectFunding

func (f staticFetcher) GetProject(ctx context.Context, uid string) (*entities.ProjectFunding, error) {
	if p, ok := f[uid]; ok {
		return p, nil
	}
	return nil, apperrors.ErrNotFound
}

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) RecordDonation(ctx context.Context, record entities.DonationRecord) error {
	return m.Called(ctx, record).Error(0)
}

type memStorage struct {
	state entities.CartState
}

func (m *memStorage) Load(ctx context.Context) (entities.CartState, error) {
	return entities.NewCartState(), nil
}

func (m *memStorage) Save(ctx context.Context, state entities.CartState) error {
	m.state = state
	return nil
}

type fixture struct {
	controller *Controller
	store      *cart.Store
	wallet     *onchaintest.Wallet
	op         *onchaintest.Chain
	polygon    *onchaintest.Chain
	recorder   *mockRecorder
}

func newFixture(t *testing.T, cfg Config, engineCfg donation.Config, projects staticFetcher) *fixture {
	t.Helper()
	ctx := context.Background()
	log := logger.NewNop()

	op := onchaintest.NewChain(10)
	polygon := onchaintest.NewChain(137)
	registry := onchaintest.NewRegistry(op, polygon)
	wallet := onchaintest.NewWallet(donor, registry, 10)

	store, err := cart.NewStore(ctx, &memStorage{}, 0, log)
	require.NoError(t, err)

	coordinator := chainsync.NewCoordinator(wallet, chainsync.Config{Attempts: 2, Interval: time.Second}, log,
		retry.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }))
	engine := donation.NewEngine(coordinator, registry, allowance.NewService(registry, allowance.ModeUnlimited, log), engineCfg, log)
	recorder := &mockRecorder{}

	controller := NewController(store, payout.NewManager(projects, log), engine, wallet, recorder, cfg, log)
	return &fixture{controller: controller, store: store, wallet: wallet, op: op, polygon: polygon, recorder: recorder}
}

func (f *fixture) addToCart(t *testing.T, uid, amount string, token entities.SupportedToken) {
	t.Helper()
	ctx := context.Background()
	ok, err := f.store.Add(ctx, entities.DonationCartItem{UID: uid, Title: "Project " + uid})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.store.SetAmount(ctx, uid, amount))
	require.NoError(t, f.store.SetSelectedToken(ctx, uid, token))
}

func projects() staticFetcher {
	return staticFetcher{
		"p1": {UID: "p1", PayoutAddress: entities.DirectPayout(payoutA)},
		"p2": {UID: "p2", Owner: payoutB},
		"bad": {UID: "bad", PayoutAddress: entities.DirectPayout("not-an-address")},
	}
}

func TestCheckout_SingleChainSuccess(t *testing.T) {
	f := newFixture(t, Config{}, donation.Config{WaitForReceipts: true}, projects())
	f.op.SetBalance(usdcOP, donor, big.NewInt(100_000_000))
	f.addToCart(t, "p1", "10", opUSDC)
	f.addToCart(t, "p2", "5", opUSDC)
	f.recorder.On("RecordDonation", mock.Anything, mock.Anything).Return(nil)

	summary, err := f.controller.Checkout(context.Background(), CheckoutRequest{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, summary.Outcome)
	assert.Equal(t, 2, summary.Succeeded)
	require.NotNil(t, summary.Session)
	assert.Equal(t, 2, summary.Session.TotalProjects)

	f.recorder.AssertNumberOfCalls(t, "RecordDonation", 2)
	record := f.recorder.Calls[0].Arguments.Get(1).(entities.DonationRecord)
	assert.Equal(t, "p1", record.ProjectUID)
	assert.Equal(t, donor.Hex(), record.DonorAddress)
	assert.Equal(t, payoutA, record.PayoutAddress)
	assert.Equal(t, entities.DonationTypeCrypto, record.DonationType)
	assert.Equal(t, usdcOP.Hex(), record.TokenAddress)

	assert.Empty(t, f.store.Items(), "donated items leave the cart")
	assert.Equal(t, summary.Session, f.store.LastCompletedSession())
}

func TestCheckout_MultiChainNeedsConfirmation(t *testing.T) {
	f := newFixture(t, Config{}, donation.Config{}, projects())
	f.op.SetBalance(usdcOP, donor, big.NewInt(100_000_000))
	f.polygon.SetNativeBalance(donor, big.NewInt(1e18))
	f.addToCart(t, "p1", "10", opUSDC)
	f.addToCart(t, "p2", "0.1", polETH)

	summary, err := f.controller.Checkout(context.Background(), CheckoutRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConfirmationRequired)
	assert.Equal(t, OutcomeConfirmationRequired, summary.Outcome)
	require.NotNil(t, summary.Preview)
	assert.Equal(t, []int64{10, 137}, summary.Preview.Chains)
	assert.Contains(t, summary.Preview.Reasons, ReasonMultipleChains)
	assert.Empty(t, f.op.Submitted())

	f.recorder.On("RecordDonation", mock.Anything, mock.Anything).Return(nil)
	summary, err = f.controller.Checkout(context.Background(), CheckoutRequest{Confirmed: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, summary.Outcome)
	assert.Len(t, f.op.Submitted(), 1)
	assert.Len(t, f.polygon.Submitted(), 1)
}

func TestCheckout_PersistenceFailureIsNotADonationFailure(t *testing.T) {
	f := newFixture(t, Config{}, donation.Config{}, projects())
	f.op.SetBalance(usdcOP, donor, big.NewInt(100_000_000))
	f.addToCart(t, "p1", "10", opUSDC)
	f.recorder.On("RecordDonation", mock.Anything, mock.Anything).Return(errors.New("backend 503"))

	summary, err := f.controller.Checkout(context.Background(), CheckoutRequest{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, summary.Outcome)
	assert.Equal(t, 1, summary.PersistFailures)
}

func TestCheckout_PartialOutcomeKeepsFailedItems(t *testing.T) {
	f := newFixture(t, Config{}, donation.Config{WaitForReceipts: true}, projects())
	f.op.SetBalance(usdcOP, donor, big.NewInt(100_000_000))
	f.op.Revert(common.HexToAddress(payoutB))
	f.addToCart(t, "p1", "10", opUSDC)
	f.addToCart(t, "p2", "5", opUSDC)
	f.recorder.On("RecordDonation", mock.Anything, mock.Anything).Return(nil)

	summary, err := f.controller.Checkout(context.Background(), CheckoutRequest{})
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, summary.Outcome)
	assert.Equal(t, "1 of 2 donations were sent.", summary.Message)
	f.recorder.AssertNumberOfCalls(t, "RecordDonation", 1)

	items := f.store.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "p2", items[0].UID)
}

func TestCheckout_CallerCancellationDoesNotAbandonSentLegs(t *testing.T) {
	f := newFixture(t, Config{}, donation.Config{WaitForReceipts: true}, projects())
	f.op.SetBalance(usdcOP, donor, big.NewInt(100_000_000))
	f.addToCart(t, "p1", "10", opUSDC)
	f.addToCart(t, "p2", "5", opUSDC)
	live := mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil })
	f.recorder.On("RecordDonation", live, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.op.OnSubmit(func(onchaintest.SubmittedTx) { cancel() })

	summary, err := f.controller.Checkout(ctx, CheckoutRequest{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, summary.Outcome)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Len(t, f.op.Submitted(), 2)
	f.recorder.AssertNumberOfCalls(t, "RecordDonation", 2)
	assert.Empty(t, f.store.Items())
}

func TestCheckout_PendingReceiptLeavesCart(t *testing.T) {
	f := newFixture(t, Config{ExecutionTimeout: 50 * time.Millisecond}, donation.Config{WaitForReceipts: true}, projects())
	f.op.SetBalance(usdcOP, donor, big.NewInt(100_000_000))
	f.op.StallReceipts(common.HexToAddress(payoutA))
	f.addToCart(t, "p1", "10", opUSDC)
	f.addToCart(t, "p2", "5", opUSDC)

	summary, err := f.controller.Checkout(context.Background(), CheckoutRequest{})
	require.NoError(t, err)
	assert.Equal(t, OutcomePartial, summary.Outcome)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, "1 of 2 donations were sent, 1 still awaiting confirmation.", summary.Message)

	require.Len(t, summary.Session.Donations, 2)
	sent := summary.Session.Donations[0]
	assert.Equal(t, entities.DonationStatusPending, sent.Status)
	assert.Equal(t, f.op.Submitted()[0].Hash.Hex(), sent.TransactionHash)
	f.recorder.AssertNotCalled(t, "RecordDonation", mock.Anything, mock.Anything)

	items := f.store.Items()
	require.Len(t, items, 1, "a broadcast leg must not be donated twice")
	assert.Equal(t, "p2", items[0].UID)
}

func TestCheckout_RefetchesPayoutsBeforeSigning(t *testing.T) {
	fetcher := staticFetcher{"p1": {UID: "p1", PayoutAddress: entities.DirectPayout(payoutA)}}
	f := newFixture(t, Config{}, donation.Config{}, fetcher)
	f.op.SetBalance(usdcOP, donor, big.NewInt(100_000_000))
	f.addToCart(t, "p1", "10", opUSDC)
	f.recorder.On("RecordDonation", mock.Anything, mock.Anything).Return(nil)

	preview, err := f.controller.Preview(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, payoutA, preview.PayoutAddresses["p1"])

	fetcher["p1"] = &entities.ProjectFunding{UID: "p1", PayoutAddress: entities.DirectPayout(payoutB)}

	_, err = f.controller.Checkout(context.Background(), CheckoutRequest{})
	require.NoError(t, err)
	submitted := f.op.Submitted()
	require.Len(t, submitted, 1)
	assert.Equal(t, common.HexToAddress(payoutB), submitted[0].To)
}

func TestCheckout_SecurityBlock(t *testing.T) {
	f := newFixture(t, Config{}, donation.Config{}, projects())
	f.op.SetBalance(usdcOP, donor, big.NewInt(100_000_000))
	f.addToCart(t, "p1", "10", opUSDC)
	f.addToCart(t, "bad", "5", opUSDC)

	preview, err := f.controller.Preview(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, preview.MissingPayouts)
	assert.False(t, preview.CanProceed)

	summary, err := f.controller.Checkout(context.Background(), CheckoutRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSecurityBlock)
	assert.Equal(t, OutcomeFailed, summary.Outcome)
	assert.Empty(t, f.op.Submitted())
	f.recorder.AssertNotCalled(t, "RecordDonation", mock.Anything, mock.Anything)
}

func TestPreview_ApprovalAndBalances(t *testing.T) {
	f := newFixture(t, Config{}, donation.Config{Routers: map[int64]common.Address{10: router}}, projects())
	f.op.SetBalance(usdcOP, donor, big.NewInt(12_000_000))
	f.addToCart(t, "p1", "10", opUSDC)
	f.addToCart(t, "p2", "5", opUSDC)

	preview, err := f.controller.Preview(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, preview.RequiresConfirmation)
	assert.Equal(t, []string{ReasonApprovalRequired}, preview.Reasons)
	require.Len(t, preview.Balances, 1)
	assert.Equal(t, "15", preview.Balances[0].Required)
	assert.Equal(t, "12", preview.Balances[0].Available)
	assert.False(t, preview.Balances[0].Sufficient)
	assert.False(t, preview.CanProceed)
}

func TestPreview_EmptyCart(t *testing.T) {
	f := newFixture(t, Config{AlwaysConfirm: true}, donation.Config{}, projects())
	_, err := f.controller.Preview(context.Background(), "")
	assert.ErrorIs(t, err, apperrors.ErrEmptyBatch)
}

func TestPreview_ConnectsWallet(t *testing.T) {
	f := newFixture(t, Config{AlwaysConfirm: true}, donation.Config{}, projects())
	f.wallet.Disconnect()
	f.op.SetBalance(usdcOP, donor, big.NewInt(100_000_000))
	f.addToCart(t, "p1", "1", opUSDC)

	preview, err := f.controller.Preview(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, f.wallet.IsConnected())
	assert.Equal(t, []string{ReasonAlwaysConfirm}, preview.Reasons)
}

func TestCheckout_RejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, Config{}, donation.Config{}, projects())
	f.controller.running.Lock()
	defer f.controller.running.Unlock()

	_, err := f.controller.Checkout(context.Background(), CheckoutRequest{})
	assert.ErrorIs(t, err, apperrors.ErrCheckoutInProgress)
}

func TestBuildRecord_StableUID(t *testing.T) {
	session := entities.NewDonationSession(nil, time.Now())
	d := entities.CompletedDonation{ProjectID: "p1", ChainID: 10, TransactionHash: "0xabc", Token: polETH, Amount: "1"}

	a := BuildRecord(donor.Hex(), session, d)
	b := BuildRecord(donor.Hex(), session, d)
	assert.Equal(t, a.UID, b.UID)
	assert.Empty(t, a.TokenAddress, "native donations carry no token address")
}
