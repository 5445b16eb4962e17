// Package http assembles the platform's HTTP surface.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pairforge/pairforge/internal/config"
	"github.com/pairforge/pairforge/internal/ledger"
	"github.com/pairforge/pairforge/internal/orchestrator"
	store "github.com/pairforge/pairforge/internal/repository"
	"github.com/pairforge/pairforge/internal/stream"
	v1 "github.com/pairforge/pairforge/internal/transport/http/v1"
	"github.com/pairforge/pairforge/internal/transport/ws"
)

// NewServer creates and configures the HTTP server: the v1 API, the
// WebSocket presence channel, and Prometheus metrics.
func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, st *store.SQLiteStore, lg *ledger.Ledger, hub *stream.Hub) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(orch, st, lg)
	v1Handler.RegisterRoutes(e)

	wsServer := ws.NewServer(cfg, hub, orch, st)
	e.GET("/v1/ws", wsServer.HandleWebSocket)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}
