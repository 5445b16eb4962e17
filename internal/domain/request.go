package domain

import "encoding/json"

// StartRunRequest asks the platform to start an agent run.
type StartRunRequest struct {
	UserID    string    `json:"user_id"`
	Target    RunTarget `json:"target"`
	ProjectID string    `json:"project_id,omitempty"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`

	// ForwardThinking opts in to redacted reasoning summaries on the
	// progress channel. Off by default.
	ForwardThinking bool `json:"forward_thinking,omitempty"`
}

// StartRunResponse acknowledges an admitted run.
type StartRunResponse struct {
	RunID           string `json:"run_id"`
	Status          string `json:"status"`
	IterationBudget int    `json:"iteration_budget"`
	ReservedCredits int64  `json:"reserved_credits"`
}

// ApprovalDecisionRequest decides a pending approval.
type ApprovalDecisionRequest struct {
	Decision  string `json:"decision"` // approve, reject
	DecidedBy string `json:"decided_by,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// TopUpRequest adds credits to a wallet.
type TopUpRequest struct {
	Amount int64 `json:"amount"`
}

// RunEventsResponse pages through a run's persisted events.
type RunEventsResponse struct {
	RunID  string        `json:"run_id"`
	Events []StreamEvent `json:"events"`
}

// ErrorResponse is the uniform error body for the HTTP API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Checkpoint is the serializable iteration state of a run. Rehydrating it and
// re-entering the loop resumes a crashed run from its last saved iteration.
type Checkpoint struct {
	RunID        string          `json:"run_id"`
	Iteration    int             `json:"iteration"`
	Conversation json.RawMessage `json:"conversation"`
	Telemetry    json.RawMessage `json:"telemetry"`
	SavedAtMs    int64           `json:"saved_at_ms"`
}
