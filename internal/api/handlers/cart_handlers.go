package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gap-service/donation_service/internal/domain/entities"
	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
	"github.com/gap-service/donation_service/internal/domain/services/cart"
	"github.com/gap-service/donation_service/internal/domain/services/payout"
	"github.com/gap-service/donation_service/pkg/logger"
)

// CartHandlers serves the donation cart
type CartHandlers struct {
	store   *cart.Store
	payouts *payout.Manager
	tokens  []entities.SupportedToken
	logger  *logger.Logger
}

// NewCartHandlers creates cart handlers over the store and the configured tokens
func NewCartHandlers(store *cart.Store, payouts *payout.Manager, tokens []entities.SupportedToken, log *logger.Logger) *CartHandlers {
	return &CartHandlers{store: store, payouts: payouts, tokens: tokens, logger: log}
}

// CartResponse is the cart as returned by the API
type CartResponse struct {
	entities.CartState
	MaxItems     int                              `json:"maxItems"`
	PayoutStatus map[string]entities.PayoutStatus `json:"payoutStatus"`
}

type addItemRequest struct {
	UID      string `json:"uid" validate:"required"`
	Title    string `json:"title"`
	Slug     string `json:"slug"`
	ImageURL string `json:"imageURL"`
}

func (r addItemRequest) item() entities.DonationCartItem {
	return entities.DonationCartItem{UID: r.UID, Title: r.Title, Slug: r.Slug, ImageURL: r.ImageURL}
}

type setAmountRequest struct {
	Amount string `json:"amount"`
}

type setTokenRequest struct {
	ChainID int64  `json:"chainId" validate:"required,gt=0"`
	Symbol  string `json:"symbol" validate:"required"`
}

func (h *CartHandlers) respondCart(c *gin.Context, status int) {
	state := h.store.Snapshot()
	payoutStatus := make(map[string]entities.PayoutStatus, len(state.Items))
	for _, item := range state.Items {
		payoutStatus[item.UID] = h.payouts.Status(item.UID)
	}
	c.JSON(status, CartResponse{
		CartState:    state,
		MaxItems:     h.store.MaxItems(),
		PayoutStatus: payoutStatus,
	})
}

// GetCart returns the cart with per-project payout status
// @Summary Get cart
// @Tags cart
// @Produce json
// @Success 200 {object} CartResponse
// @Router /api/v1/cart [get]
func (h *CartHandlers) GetCart(c *gin.Context) {
	h.respondCart(c, http.StatusOK)
}

// AddItem adds a project to the cart
// @Summary Add project to cart
// @Tags cart
// @Accept json
// @Produce json
// @Success 201 {object} CartResponse
// @Failure 409 {object} entities.ErrorResponse
// @Router /api/v1/cart/items [post]
func (h *CartHandlers) AddItem(c *gin.Context) {
	var req addItemRequest
	if !bindJSON(c, &req) {
		return
	}

	added, err := h.store.Add(c.Request.Context(), req.item())
	if err != nil {
		requestLogger(c, h.logger).Error("Failed to add cart item", "project_id", req.UID, "error", err)
		FromError(err).Send(c)
		return
	}
	if !added {
		FromError(apperrors.CartFullError(h.store.MaxItems())).Send(c)
		return
	}
	h.respondCart(c, http.StatusCreated)
}

// ToggleItem adds the project when absent and removes it when present
// @Summary Toggle project in cart
// @Tags cart
// @Router /api/v1/cart/items/toggle [post]
func (h *CartHandlers) ToggleItem(c *gin.Context) {
	var req addItemRequest
	if !bindJSON(c, &req) {
		return
	}

	changed, err := h.store.Toggle(c.Request.Context(), req.item())
	if err != nil {
		FromError(err).Send(c)
		return
	}
	if !changed {
		FromError(apperrors.CartFullError(h.store.MaxItems())).Send(c)
		return
	}
	h.respondCart(c, http.StatusOK)
}

// RemoveItem drops a project and its amount and token
// @Summary Remove project from cart
// @Tags cart
// @Router /api/v1/cart/items/{uid} [delete]
func (h *CartHandlers) RemoveItem(c *gin.Context) {
	if err := h.store.Remove(c.Request.Context(), c.Param("uid")); err != nil {
		FromError(err).Send(c)
		return
	}
	h.respondCart(c, http.StatusOK)
}

// SetAmount records the donation amount of a project
// @Summary Set donation amount
// @Tags cart
// @Router /api/v1/cart/items/{uid}/amount [put]
func (h *CartHandlers) SetAmount(c *gin.Context) {
	var req setAmountRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := h.store.SetAmount(c.Request.Context(), c.Param("uid"), strings.TrimSpace(req.Amount)); err != nil {
		FromError(err).Send(c)
		return
	}
	h.respondCart(c, http.StatusOK)
}

// SetToken selects the token a project is paid in
// @Summary Select payment token
// @Tags cart
// @Router /api/v1/cart/items/{uid}/token [put]
func (h *CartHandlers) SetToken(c *gin.Context) {
	var req setTokenRequest
	if !bindJSON(c, &req) {
		return
	}

	token, ok := h.findToken(req.ChainID, req.Symbol)
	if !ok {
		NewError(http.StatusBadRequest, ErrCodeUnsupportedToken).
			Message("Token is not supported on this chain").
			Detail("chainId", req.ChainID).
			Detail("symbol", req.Symbol).
			Send(c)
		return
	}

	if err := h.store.SetSelectedToken(c.Request.Context(), c.Param("uid"), token); err != nil {
		FromError(err).Send(c)
		return
	}
	h.respondCart(c, http.StatusOK)
}

// Clear empties the cart
// @Summary Clear cart
// @Tags cart
// @Router /api/v1/cart [delete]
func (h *CartHandlers) Clear(c *gin.Context) {
	if err := h.store.Clear(c.Request.Context()); err != nil {
		FromError(err).Send(c)
		return
	}
	h.payouts.Invalidate()
	SendNoContent(c)
}

// ListTokens returns the tokens donations can be paid in
// @Summary Supported tokens
// @Tags cart
// @Router /api/v1/tokens [get]
func (h *CartHandlers) ListTokens(c *gin.Context) {
	SendSuccess(c, gin.H{"tokens": h.tokens})
}

func (h *CartHandlers) findToken(chainID int64, symbol string) (entities.SupportedToken, bool) {
	for _, t := range h.tokens {
		if t.ChainID == chainID && strings.EqualFold(t.Symbol, symbol) {
			return t, true
		}
	}
	return entities.SupportedToken{}, false
}
