package tools

import "encoding/json"

// Spec describes one tool to the model: its name, what it does, and the JSON
// schema of its arguments.
type Spec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// BuiltinSpecs returns the specs for the builtin coding tool set, in the
// order they are registered.
func BuiltinSpecs() []Spec {
	return []Spec{
		{
			Name:        "read_file",
			Description: "Read a file from the workspace and return its content.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Workspace-relative file path"}},"required":["path"]}`),
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file in the workspace.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		},
		{
			Name:        "edit_file",
			Description: "Replace the first occurrence of old_string with new_string in a file.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"old_string":{"type":"string"},"new_string":{"type":"string"}},"required":["path","old_string","new_string"]}`),
		},
		{
			Name:        "delete_file",
			Description: "Delete a file from the workspace. Requires user approval.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
		{
			Name:        "list_dir",
			Description: "List the entries of a workspace directory.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path, defaults to the workspace root"}}}`),
		},
		{
			Name:        "run_command",
			Description: "Run a shell command in the workspace and capture its output and exit code.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		},
		{
			Name:        "grep",
			Description: "Search file contents with a regular expression.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"},"path":{"type":"string"}},"required":["pattern"]}`),
		},
		{
			Name:        "glob",
			Description: "Find files whose names match a glob pattern.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"pattern":{"type":"string"}},"required":["pattern"]}`),
		},
		{
			Name:        "task_list",
			Description: "List the run's tracked tasks.",
			Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
		},
		{
			Name:        "update_task",
			Description: "Add a task or update its status (pending, in_progress, completed).",
			Schema:      json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"},"title":{"type":"string"},"status":{"type":"string"}},"required":["id"]}`),
		},
	}
}
