package domain

import "encoding/json"

// EventType discriminates the typed events a run emits to its stream.
type EventType string

const (
	EventTypeContent          EventType = "content"
	EventTypeToolCall         EventType = "tool_call"
	EventTypeToolResult       EventType = "tool_result"
	EventTypeProgress         EventType = "progress"
	EventTypeAssistantProgress EventType = "assistant_progress"
	EventTypeFileChange       EventType = "file_change"
	EventTypeTaskUpdated      EventType = "task_updated"
	EventTypeRunPhase         EventType = "run_phase"
	EventTypeApprovalRequired EventType = "approval_required"
	EventTypeHeartbeat        EventType = "heartbeat"
	EventTypeComplete         EventType = "complete"
	EventTypeError            EventType = "error"
)

// StreamEvent is one event on a run's ordered stream. Every event carries the
// run it belongs to so clients can disambiguate interleaved activity. Events
// are also persisted append-only for catch-up after reconnect.
type StreamEvent struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ContentPayload carries a chunk of user-visible assistant text.
type ContentPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload announces a tool invocation requested by the model.
type ToolCallPayload struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResultPayload carries a validated tool result and its metadata.
type ToolResultPayload struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Output   string      `json:"output,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
	IsError  bool        `json:"is_error"`
	Metadata struct {
		Valid           bool     `json:"valid"`
		Truncated       bool     `json:"truncated"`
		Warnings        []string `json:"warnings,omitempty"`
		SchemaValidated bool     `json:"schema_validated"`
	} `json:"metadata"`
}

// ProgressPayload is a plain progress note.
type ProgressPayload struct {
	Message string `json:"message"`
}

// AssistantProgressPayload is a categorized progress entry mirror.
type AssistantProgressPayload struct {
	ID       string           `json:"id"`
	Content  string           `json:"content"`
	Category ProgressCategory `json:"category"`
}

// FileChangePayload reports one workspace mutation.
type FileChangePayload struct {
	Path      string `json:"path"`
	Operation string `json:"operation"` // create, modify, delete
}

// TaskUpdatedPayload reports tracked-task status movement.
type TaskUpdatedPayload struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// RunPhasePayload announces an orchestrator phase transition.
type RunPhasePayload struct {
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

// ApprovalRequiredPayload asks the user to approve a gated tool call.
type ApprovalRequiredPayload struct {
	ApprovalID      string   `json:"id"`
	Summary         string   `json:"summary"`
	FilesChanged    []string `json:"files_changed,omitempty"`
	EstimatedImpact string   `json:"estimated_impact,omitempty"`
}

// HeartbeatPayload keeps idle connections alive.
type HeartbeatPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// CompletePayload closes a successful stream.
type CompletePayload struct {
	TokensUsed      int64 `json:"tokens_used"`
	CreditsConsumed int64 `json:"credits_consumed"`
}

// ErrorPayload closes a failed stream.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
}

// Approval is a pending or decided approval for a policy-gated tool call.
type Approval struct {
	ApprovalID string          `json:"approval_id"`
	RunID      string          `json:"run_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
	Status     ApprovalStatus  `json:"status"`
	DecidedBy  string          `json:"decided_by,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// ApprovalStatus is the decision state of an approval.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
	ApprovalStatusExpired  ApprovalStatus = "EXPIRED"
)
