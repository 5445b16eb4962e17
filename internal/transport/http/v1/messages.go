package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// GetUserMessages retrieves a user's conversation, oldest first.
// GET /v1/users/:user_id/messages
func (h *Handler) GetUserMessages(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Param("user_id")

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	messages, err := h.store.GetMessages(ctx, userID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"messages": messages,
	})
}

// ListIncidents retrieves a user's recent incidents, newest first.
// GET /v1/users/:user_id/incidents
func (h *Handler) ListIncidents(c echo.Context) error {
	ctx := c.Request().Context()
	userID := c.Param("user_id")

	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	incidents, err := h.store.ListIncidents(ctx, userID, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"incidents": incidents,
	})
}
