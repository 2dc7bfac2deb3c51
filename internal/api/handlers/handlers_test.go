package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gap-service/donation_service/internal/api/middleware"
	"github.com/gap-service/donation_service/internal/domain/entities"
	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
	"github.com/gap-service/donation_service/internal/domain/services/allowance"
	"github.com/gap-service/donation_service/internal/domain/services/cart"
	"github.com/gap-service/donation_service/internal/domain/services/chainsync"
	"github.com/gap-service/donation_service/internal/domain/services/checkout"
	"github.com/gap-service/donation_service/internal/domain/services/donation"
	"github.com/gap-service/donation_service/internal/domain/services/onchain/onchaintest"
	"github.com/gap-service/donation_service/internal/domain/services/payout"
	"github.com/gap-service/donation_service/internal/infrastructure/cache"
	"github.com/gap-service/donation_service/internal/infrastructure/config"
	"github.com/gap-service/donation_service/pkg/logger"
	"github.com/gap-service/donation_service/pkg/retry"
)

var (
	donor   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	usdcOP  = common.HexToAddress("0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85")
	payoutA = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

	testTokens = []entities.SupportedToken{
		{Symbol: "ETH", IsNative: true, Decimals: 18, ChainID: 10, ChainName: "Optimism"},
		{Symbol: "USDC", Address: usdcOP.Hex(), Decimals: 6, ChainID: 10, ChainName: "Optimism"},
		{Symbol: "CELO", IsNative: true, Decimals: 18, ChainID: 42220, ChainName: "Celo"},
	}
)

type staticFetcher map[string]*entities.ProjectFunding

func (f staticFetcher) GetProject(ctx context.Context, uid string) (*entities.ProjectFunding, error) {
	if p, ok := f[uid]; ok {
		return p, nil
	}
	return nil, apperrors.ErrNotFound
}

type nopRecorder struct{}

func (nopRecorder) RecordDonation(ctx context.Context, record entities.DonationRecord) error {
	return nil
}

type apiFixture struct {
	router *gin.Engine
	store  *cart.Store
	op     *onchaintest.Chain
	celo   *onchaintest.Chain
}

func newAPIFixture(t *testing.T, maxItems int) *apiFixture {
	t.Helper()
	return newAuthedAPIFixture(t, maxItems, config.AuthConfig{})
}

func newAuthedAPIFixture(t *testing.T, maxItems int, authCfg config.AuthConfig) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()

	store, err := cart.NewStore(context.Background(), cache.NewMemoryCartStorage(), maxItems, log)
	require.NoError(t, err)

	op := onchaintest.NewChain(10)
	celo := onchaintest.NewChain(42220)
	registry := onchaintest.NewRegistry(op, celo)
	wallet := onchaintest.NewWallet(donor, registry, 10)

	payouts := payout.NewManager(staticFetcher{
		"p1": {UID: "p1", PayoutAddress: entities.DirectPayout(payoutA)},
		"p2": {UID: "p2", PayoutAddress: entities.DirectPayout(payoutA)},
		"bad": {UID: "bad", PayoutAddress: entities.DirectPayout("not-an-address")},
	}, log)
	coordinator := chainsync.NewCoordinator(wallet, chainsync.Config{Attempts: 2, Interval: time.Second}, log,
		retry.WithSleeper(func(ctx context.Context, d time.Duration) error { return nil }))
	engine := donation.NewEngine(coordinator, registry, allowance.NewService(registry, allowance.ModeUnlimited, log),
		donation.Config{WaitForReceipts: true}, log)
	controller := checkout.NewController(store, payouts, engine, wallet, nopRecorder{}, checkout.Config{}, log)

	cartHandlers := NewCartHandlers(store, payouts, testTokens, log)
	checkoutHandlers := NewCheckoutHandlers(controller, store, log)

	router := gin.New()
	v1 := router.Group("/api/v1")
	v1.GET("/tokens", cartHandlers.ListTokens)
	guarded := v1.Group("", middleware.Authentication(authCfg, log))
	guarded.GET("/cart", cartHandlers.GetCart)
	guarded.DELETE("/cart", cartHandlers.Clear)
	guarded.POST("/cart/items", cartHandlers.AddItem)
	guarded.POST("/cart/items/toggle", cartHandlers.ToggleItem)
	guarded.DELETE("/cart/items/:uid", cartHandlers.RemoveItem)
	guarded.PUT("/cart/items/:uid/amount", cartHandlers.SetAmount)
	guarded.PUT("/cart/items/:uid/token", cartHandlers.SetToken)
	guarded.GET("/checkout/preview", checkoutHandlers.Preview)
	guarded.POST("/checkout", checkoutHandlers.Checkout)
	guarded.GET("/checkout/last-session", checkoutHandlers.LastSession)

	return &apiFixture{router: router, store: store, op: op, celo: celo}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dest))
}

func (f *apiFixture) fill(t *testing.T, uid, amount string, chainID int64, symbol string) {
	t.Helper()
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/cart/items", map[string]string{"uid": uid, "title": "Project " + uid}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/v1/cart/items/"+uid+"/amount", map[string]string{"amount": amount}).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/api/v1/cart/items/"+uid+"/token", map[string]interface{}{"chainId": chainID, "symbol": symbol}).Code)
}

func TestCartHandlers_AddSetAndRemove(t *testing.T) {
	f := newAPIFixture(t, 0)
	f.fill(t, "p1", "10", 10, "usdc")

	w := f.do(t, http.MethodGet, "/api/v1/cart", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp CartResponse
	decode(t, w, &resp)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "10", resp.Amounts["p1"])
	assert.Equal(t, "USDC", resp.SelectedTokens["p1"].Symbol)
	assert.Equal(t, cart.DefaultMaxItems, resp.MaxItems)
	assert.Contains(t, resp.PayoutStatus, "p1")

	w = f.do(t, http.MethodDelete, "/api/v1/cart/items/p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var after CartResponse
	decode(t, w, &after)
	assert.Empty(t, after.Items)
	assert.Empty(t, after.Amounts)
	assert.Empty(t, after.SelectedTokens)
}

func TestCartHandlers_FullCartRejectsAdd(t *testing.T) {
	f := newAPIFixture(t, 1)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/cart/items", map[string]string{"uid": "p1"}).Code)

	w := f.do(t, http.MethodPost, "/api/v1/cart/items", map[string]string{"uid": "p2"})
	assert.Equal(t, http.StatusConflict, w.Code)

	var resp entities.ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, apperrors.CodeCartFull, resp.Code)

	// toggling a present item still removes it
	w = f.do(t, http.MethodPost, "/api/v1/cart/items/toggle", map[string]string{"uid": "p1"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.store.Items())
}

func TestCartHandlers_Validation(t *testing.T) {
	f := newAPIFixture(t, 0)

	w := f.do(t, http.MethodPost, "/api/v1/cart/items", map[string]string{"title": "no uid"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp entities.ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, ErrCodeValidationError, resp.Code)

	w = f.do(t, http.MethodPut, "/api/v1/cart/items/ghost/amount", map[string]string{"amount": "1"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/v1/cart/items", map[string]string{"uid": "p1"}).Code)
	w = f.do(t, http.MethodPut, "/api/v1/cart/items/p1/token", map[string]interface{}{"chainId": 137, "symbol": "USDC"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, ErrCodeUnsupportedToken, resp.Code)
}

func TestCheckoutHandlers_SingleChainSuccess(t *testing.T) {
	f := newAPIFixture(t, 0)
	f.op.SetNativeBalance(donor, new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18)))
	f.fill(t, "p1", "0.5", 10, "ETH")

	w := f.do(t, http.MethodGet, "/api/v1/checkout/preview", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var preview checkout.Preview
	decode(t, w, &preview)
	assert.True(t, preview.CanProceed)
	assert.False(t, preview.RequiresConfirmation)

	w = f.do(t, http.MethodPost, "/api/v1/checkout", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary checkout.Summary
	decode(t, w, &summary)
	assert.Equal(t, checkout.OutcomeSuccess, summary.Outcome)
	assert.Equal(t, 1, summary.Succeeded)

	w = f.do(t, http.MethodGet, "/api/v1/checkout/last-session", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var session entities.DonationSession
	decode(t, w, &session)
	require.Len(t, session.Donations, 1)
	assert.Equal(t, entities.DonationStatusSuccess, session.Donations[0].Status)
}

func TestCheckoutHandlers_MultiChainNeedsConfirmation(t *testing.T) {
	f := newAPIFixture(t, 0)
	oneEth := big.NewInt(1e18)
	f.op.SetNativeBalance(donor, oneEth)
	f.celo.SetNativeBalance(donor, oneEth)
	f.fill(t, "p1", "0.1", 10, "ETH")
	f.fill(t, "p2", "0.1", 42220, "CELO")

	w := f.do(t, http.MethodPost, "/api/v1/checkout", map[string]interface{}{})
	assert.Equal(t, http.StatusConflict, w.Code)
	var resp entities.ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, apperrors.CodeConfirmationRequired, resp.Code)
	assert.Contains(t, resp.Details, "summary")
	assert.Empty(t, f.op.Submitted())

	w = f.do(t, http.MethodPost, "/api/v1/checkout", map[string]interface{}{"confirmed": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var summary checkout.Summary
	decode(t, w, &summary)
	assert.Equal(t, 2, summary.Succeeded)
}

func TestCheckoutHandlers_SecurityBlock(t *testing.T) {
	f := newAPIFixture(t, 0)
	f.op.SetNativeBalance(donor, big.NewInt(1e18))
	f.fill(t, "bad", "0.1", 10, "ETH")

	w := f.do(t, http.MethodPost, "/api/v1/checkout", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp entities.ErrorResponse
	decode(t, w, &resp)
	assert.Equal(t, apperrors.CodeSecurityBlock, resp.Code)
	assert.Empty(t, f.op.Submitted())
}

func TestCheckoutHandlers_EmptyCartAndNoSession(t *testing.T) {
	f := newAPIFixture(t, 0)

	w := f.do(t, http.MethodGet, "/api/v1/checkout/preview", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/checkout/last-session", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCheckoutHandlers_RequireCredentials(t *testing.T) {
	f := newAuthedAPIFixture(t, 0, config.AuthConfig{Enabled: true, APIKeys: []string{"ops-key"}})
	w := f.do(t, http.MethodGet, "/api/v1/tokens", nil)
	assert.Equal(t, http.StatusOK, w.Code, "token list stays public")

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/cart"},
		{http.MethodPost, "/api/v1/cart/items"},
		{http.MethodGet, "/api/v1/checkout/preview"},
		{http.MethodPost, "/api/v1/checkout"},
	} {
		w := f.do(t, route.method, route.path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "%s %s", route.method, route.path)
		var resp entities.ErrorResponse
		decode(t, w, &resp)
		assert.Equal(t, "UNAUTHORIZED", resp.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set(middleware.HeaderAPIKey, "ops-key")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, f.op.Submitted())
}

func TestFromError_OpaqueInternalErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	FromError(assert.AnError).Send(c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), assert.AnError.Error())
}
