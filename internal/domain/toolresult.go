package domain

// ToolCategory selects the validation schema applied to a tool's output.
type ToolCategory string

const (
	ToolCategoryFile    ToolCategory = "file_operation"
	ToolCategoryCommand ToolCategory = "command_execution"
	ToolCategorySearch  ToolCategory = "search"
	ToolCategoryTask    ToolCategory = "task_list"
	ToolCategoryGeneric ToolCategory = "generic"
)

// ToolResultMetadata describes what the sanitizer did to a payload.
type ToolResultMetadata struct {
	Truncated       bool `json:"truncated"`
	OriginalSize    int  `json:"original_size"`
	SchemaValidated bool `json:"schema_validated"`
}

// ToolResult is the validated, sanitized, size-bounded representation of a
// tool's output. It is immutable once produced; the Payload never contains
// raw, unvalidated data.
type ToolResult struct {
	ToolName string             `json:"tool_name"`
	Valid    bool               `json:"valid"`
	Payload  interface{}        `json:"payload"`
	Warnings []string           `json:"warnings,omitempty"`
	Metadata ToolResultMetadata `json:"metadata"`
}

// ToolCall is one model-requested tool invocation within an iteration.
type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input string `json:"input"` // raw JSON input as emitted by the model
}
