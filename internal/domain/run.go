// Package domain defines the core domain models for the agent platform.
package domain

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle status of an agent run.
type RunStatus string

const (
	RunStatusPending     RunStatus = "pending"
	RunStatusRunning     RunStatus = "running"
	RunStatusCompleted   RunStatus = "completed"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// IsTerminal reports whether the run can no longer change state.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusInterrupted:
		return true
	}
	return false
}

// RunTarget is the context a run operates against.
type RunTarget string

const (
	RunTargetPlatform RunTarget = "platform"
	RunTargetProject  RunTarget = "project"
)

// IntentClass is the coarse classification of what the user asked for.
// It determines the run's iteration budget.
type IntentClass string

const (
	IntentCasual     IntentClass = "casual"
	IntentDiagnostic IntentClass = "diagnostic"
	IntentFix        IntentClass = "fix"
	IntentRefactor   IntentClass = "refactor"
)

// AgentRun is one end-to-end execution of the agent loop for a user request.
// It is owned exclusively by its orchestrator until it reaches a terminal
// status, and persisted so a crashed run can be resumed from its checkpoint.
type AgentRun struct {
	RunID           string      `json:"run_id"`
	UserID          string      `json:"user_id"`
	Target          RunTarget   `json:"target"`
	ProjectID       string      `json:"project_id,omitempty"`
	Status          RunStatus   `json:"status"`
	Intent          IntentClass `json:"intent,omitempty"`
	Iterations      int         `json:"iterations"`
	IterationBudget int         `json:"iteration_budget"`
	ReservedCredits int64       `json:"reserved_credits"`
	StartedAt       time.Time   `json:"started_at"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	Error           json.RawMessage `json:"error,omitempty"`
}

// Message is a single conversation message scoped to a run target.
type Message struct {
	MessageID string          `json:"message_id"`
	UserID    string          `json:"user_id"`
	RunID     string          `json:"run_id,omitempty"`
	Role      string          `json:"role"` // user, assistant, system
	Content   string          `json:"content"`
	CreatedAt time.Time       `json:"created_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// ProgressEntry is an append-only human-readable progress record for a run.
type ProgressEntry struct {
	EntryID   string           `json:"entry_id"`
	RunID     string           `json:"run_id"`
	Message   string           `json:"message"`
	Category  ProgressCategory `json:"category"`
	CreatedAt time.Time        `json:"created_at"`
}

// ProgressCategory classifies a progress entry.
type ProgressCategory string

const (
	ProgressThinking ProgressCategory = "thinking"
	ProgressAction   ProgressCategory = "action"
	ProgressResult   ProgressCategory = "result"
)

// Incident is a soft-failure record raised for later review, e.g. a run that
// promised a fix but changed nothing.
type Incident struct {
	IncidentID string    `json:"incident_id"`
	RunID      string    `json:"run_id"`
	UserID     string    `json:"user_id"`
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// IncidentZeroMutation marks a run whose intent implied changes but whose
// workspace shows none.
const IncidentZeroMutation = "zero_mutation_failure"
