package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pairforge/pairforge/internal/domain"
)

// GetWallet gets a user's credit wallet.
// GET /v1/users/:user_id/wallet
func (h *Handler) GetWallet(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Param("user_id")

	wallet, err := h.ledger.GetWallet(ctx, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if wallet == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "wallet not found"})
	}

	return c.JSON(http.StatusOK, wallet)
}

// TopUpWallet adds credits to a user's wallet, creating it when absent.
// POST /v1/users/:user_id/wallet/topup
func (h *Handler) TopUpWallet(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Param("user_id")

	var req domain.TopUpRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Amount <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "amount must be positive"})
	}

	if err := h.ledger.TopUp(ctx, userID, req.Amount); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	wallet, err := h.ledger.GetWallet(ctx, userID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, wallet)
}
