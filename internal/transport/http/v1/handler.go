// Package v1 exposes the public HTTP API: runs, live streams, wallets,
// approvals, and incident history.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/pairforge/pairforge/internal/ledger"
	"github.com/pairforge/pairforge/internal/orchestrator"
	store "github.com/pairforge/pairforge/internal/repository"
)

// Handler handles HTTP requests.
type Handler struct {
	orch   *orchestrator.Orchestrator
	store  *store.SQLiteStore
	ledger *ledger.Ledger
}

// NewHandler creates a new handler.
func NewHandler(orch *orchestrator.Orchestrator, st *store.SQLiteStore, lg *ledger.Ledger) *Handler {
	return &Handler{
		orch:   orch,
		store:  st,
		ledger: lg,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Run lifecycle
	e.POST("/v1/runs", h.StartRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/cancel", h.CancelRun)
	e.POST("/v1/runs/:run_id/resume", h.ResumeRun)

	// Streaming and replay
	e.GET("/v1/runs/:run_id/stream", h.StreamRun)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/runs/:run_id/progress", h.GetRunProgress)

	// Per-user data
	e.GET("/v1/users/:user_id/messages", h.GetUserMessages)
	e.GET("/v1/users/:user_id/wallet", h.GetWallet)
	e.POST("/v1/users/:user_id/wallet/topup", h.TopUpWallet)
	e.GET("/v1/users/:user_id/incidents", h.ListIncidents)

	// Approvals
	e.POST("/v1/approvals/:approval_id/decide", h.DecideApproval)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}
