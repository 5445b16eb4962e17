package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pairforge/pairforge/internal/domain"
	"github.com/pairforge/pairforge/internal/ledger"
	"github.com/pairforge/pairforge/internal/orchestrator"
)

// StartRun admits a new agent run for a user.
// POST /v1/runs
func (h *Handler) StartRun(c echo.Context) error {
	ctx := c.Request().Context()

	var req domain.StartRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if req.UserID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "user_id is required"})
	}
	if req.Message == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "message is required"})
	}

	resp, err := h.orch.StartRun(ctx, &req)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrRunActive):
			return c.JSON(http.StatusConflict, map[string]string{"error": "a run is already active for this user"})
		case errors.Is(err, ledger.ErrInsufficientCredits):
			return c.JSON(http.StatusPaymentRequired, map[string]string{"error": "insufficient credits"})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// GetRun gets a run by ID.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}

	return c.JSON(http.StatusOK, run)
}

// CancelRun cancels an active run.
// POST /v1/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	if h.orch.CancelRun(runID) {
		return c.JSON(http.StatusOK, map[string]interface{}{"ok": true})
	}

	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}
	return c.JSON(http.StatusConflict, map[string]string{"error": "run is not active"})
}

// ResumeRun re-enters a non-terminal run from its last checkpoint.
// POST /v1/runs/:run_id/resume
func (h *Handler) ResumeRun(c echo.Context) error {
	ctx := c.Request().Context()
	runID := c.Param("run_id")

	resp, err := h.orch.Resume(ctx, runID)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrRunNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
		case errors.Is(err, orchestrator.ErrRunNotResumable):
			return c.JSON(http.StatusConflict, map[string]string{"error": "run is not resumable"})
		case errors.Is(err, orchestrator.ErrRunActive):
			return c.JSON(http.StatusConflict, map[string]string{"error": "a run is already active for this user"})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}

	return c.JSON(http.StatusOK, resp)
}
