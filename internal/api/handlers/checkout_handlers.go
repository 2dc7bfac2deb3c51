package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/gap-service/donation_service/internal/domain/errors"
	"github.com/gap-service/donation_service/internal/domain/services/cart"
	"github.com/gap-service/donation_service/internal/domain/services/checkout"
	"github.com/gap-service/donation_service/pkg/logger"
)

// CheckoutHandlers serves previews and checkouts
type CheckoutHandlers struct {
	controller *checkout.Controller
	store      *cart.Store
	logger     *logger.Logger
}

// NewCheckoutHandlers creates checkout handlers
func NewCheckoutHandlers(controller *checkout.Controller, store *cart.Store, log *logger.Logger) *CheckoutHandlers {
	return &CheckoutHandlers{controller: controller, store: store, logger: log}
}

type checkoutRequest struct {
	CommunityID string `json:"communityId"`
	Confirmed   bool   `json:"confirmed"`
}

// Preview resolves payouts and checks balances and approvals without signing
// @Summary Checkout preview
// @Tags checkout
// @Produce json
// @Param communityId query string false "Community the checkout runs in"
// @Success 200 {object} checkout.Preview
// @Router /api/v1/checkout/preview [get]
func (h *CheckoutHandlers) Preview(c *gin.Context) {
	preview, err := h.controller.Preview(c.Request.Context(), c.Query("communityId"))
	if err != nil {
		requestLogger(c, h.logger).Warn("Checkout preview failed", "error", err)
		FromError(err).Send(c)
		return
	}
	SendSuccess(c, preview)
}

// Checkout executes the cart. When the batch needs confirmation and the
// request is not confirmed, the preview is returned with 409.
// @Summary Execute checkout
// @Tags checkout
// @Accept json
// @Produce json
// @Success 200 {object} checkout.Summary
// @Failure 409 {object} entities.ErrorResponse
// @Failure 422 {object} entities.ErrorResponse
// @Failure 502 {object} entities.ErrorResponse
// @Router /api/v1/checkout [post]
func (h *CheckoutHandlers) Checkout(c *gin.Context) {
	var req checkoutRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	log := requestLogger(c, h.logger)
	summary, err := h.controller.Checkout(c.Request.Context(), checkout.CheckoutRequest{
		CommunityID: req.CommunityID,
		Confirmed:   req.Confirmed,
	})
	if err != nil {
		b := FromError(err)
		if summary != nil {
			b.Detail("summary", summary)
		}
		if !errors.Is(err, apperrors.ErrConfirmationRequired) {
			log.Warn("Checkout aborted", "code", apperrors.GetErrorCode(err), "error", err)
		}
		b.Send(c)
		return
	}

	status := http.StatusOK
	if summary.Outcome == checkout.OutcomeFailed {
		status = http.StatusBadGateway
	}
	c.JSON(status, summary)
}

// LastSession returns the outcome of the latest checkout
// @Summary Last donation session
// @Tags checkout
// @Router /api/v1/checkout/last-session [get]
func (h *CheckoutHandlers) LastSession(c *gin.Context) {
	session := h.store.LastCompletedSession()
	if session == nil {
		SendNotFound(c, ErrCodeNotFound, "No completed checkout")
		return
	}
	SendSuccess(c, session)
}
