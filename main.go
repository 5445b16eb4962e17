package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pairforge/pairforge/internal/adapter/model"
	"github.com/pairforge/pairforge/internal/config"
	"github.com/pairforge/pairforge/internal/ledger"
	"github.com/pairforge/pairforge/internal/metrics"
	"github.com/pairforge/pairforge/internal/orchestrator"
	"github.com/pairforge/pairforge/internal/registry"
	store "github.com/pairforge/pairforge/internal/repository"
	"github.com/pairforge/pairforge/internal/stream"
	"github.com/pairforge/pairforge/internal/tools"
	transport "github.com/pairforge/pairforge/internal/transport/http"
	"github.com/pairforge/pairforge/policy"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting pairforge...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Model: %s", cfg.Model)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Credit ledger shares the store's database
	lg := ledger.New(db.DB())

	// One-run-per-user admission with stream timers
	reg := registry.New(cfg.HeartbeatInterval, cfg.StreamTimeout)

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Tool gateway with the builtin coding tool set
	toolRegistry := tools.NewRegistry()
	tools.RegisterBuiltins(toolRegistry)
	gateway := tools.NewGateway(toolRegistry, policyEngine)

	// Model client. Without an API key the scripted mock keeps local
	// development working end to end.
	var client model.Client
	if cfg.AnthropicAPIKey != "" {
		client, err = model.NewAnthropicClient(model.AnthropicConfig{
			APIKey:       cfg.AnthropicAPIKey,
			MaxRetries:   cfg.ModelMaxRetries,
			RetryDelay:   cfg.ModelRetryDelay,
			DefaultModel: cfg.Model,
		})
		if err != nil {
			log.Fatalf("Failed to initialize model client: %v", err)
		}
	} else {
		log.Printf("WARN: ANTHROPIC_API_KEY not set, using mock model client")
		client = model.NewMockClient(model.TextTurn(10, 10, "No model provider is configured. Task complete."))
	}

	// WebSocket fan-out hub
	hub := stream.NewHub()
	go hub.Run()

	m := metrics.New(prometheus.DefaultRegisterer)

	orch := orchestrator.New(cfg, db, lg, reg, gateway, client, hub, m)

	server := transport.NewServer(cfg, orch, db, lg, hub)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down pairforge...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("pairforge stopped")
}
