// Package config provides configuration for the agent platform.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the platform configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Model provider
	AnthropicAPIKey string
	Model           string
	ModelMaxRetries int
	ModelRetryDelay time.Duration

	// Run lifecycle
	StreamTimeout     time.Duration // hard cap on a run's stream
	HeartbeatInterval time.Duration
	ApprovalTimeout   time.Duration
	CheckpointEvery   int // iterations between checkpoint saves

	// Iteration budgets by intent
	MaxIterations int // hard ceiling regardless of intent

	// Stream tuning
	DedupeWindow   int // trailing chars compared for duplicate suppression
	DedupeMinChunk int // chunks shorter than this are never suppressed

	// WebSocket presence channel
	WSPingInterval   time.Duration
	WSReadTimeout    time.Duration
	WSWriteTimeout   time.Duration
	WSMaxMessageSize int64

	// Workspace
	WorkspaceRoot string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:          getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:       getEnv("DATABASE_URL", "file:pairforge.db?cache=shared&mode=rwc"),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		Model:             getEnv("MODEL", "claude-sonnet-4-20250514"),
		ModelMaxRetries:   getEnvInt("MODEL_MAX_RETRIES", 3),
		ModelRetryDelay:   time.Duration(getEnvInt("MODEL_RETRY_DELAY_MS", 1000)) * time.Millisecond,
		StreamTimeout:     time.Duration(getEnvInt("STREAM_TIMEOUT_MS", 600000)) * time.Millisecond,
		HeartbeatInterval: time.Duration(getEnvInt("HEARTBEAT_INTERVAL_MS", 15000)) * time.Millisecond,
		ApprovalTimeout:   time.Duration(getEnvInt("APPROVAL_TIMEOUT_MS", 600000)) * time.Millisecond,
		CheckpointEvery:   getEnvInt("CHECKPOINT_EVERY", 1),
		MaxIterations:     getEnvInt("MAX_ITERATIONS", 30),
		DedupeWindow:      getEnvInt("STREAM_DEDUPE_WINDOW", 80),
		DedupeMinChunk:    getEnvInt("STREAM_DEDUPE_MIN_CHUNK", 20),
		WSPingInterval:    time.Duration(getEnvInt("WS_PING_INTERVAL_MS", 30000)) * time.Millisecond,
		WSReadTimeout:     time.Duration(getEnvInt("WS_READ_TIMEOUT_MS", 60000)) * time.Millisecond,
		WSWriteTimeout:    time.Duration(getEnvInt("WS_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
		WSMaxMessageSize:  int64(getEnvInt("WS_MAX_MESSAGE_SIZE", 65536)),
		WorkspaceRoot:     getEnv("WORKSPACE_ROOT", "."),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
