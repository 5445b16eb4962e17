package sanitize

import (
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pairforge/pairforge/internal/domain"
)

// Schemas define the truth for each tool category. Objects that conform keep
// only the fields the schema names; objects that do not conform are kept
// whole but flagged invalid.
var categorySchemas = map[domain.ToolCategory]string{
	domain.ToolCategoryFile: `{
		"type": "object",
		"properties": {
			"success":       {"type": "boolean"},
			"path":          {"type": "string"},
			"content":       {"type": "string"},
			"operation":     {"type": "string"},
			"bytes_written": {"type": "integer"}
		},
		"required": ["path"]
	}`,
	domain.ToolCategoryCommand: `{
		"type": "object",
		"properties": {
			"command":     {"type": "string"},
			"output":      {"type": "string"},
			"exit_code":   {"type": "integer"},
			"duration_ms": {"type": "integer"}
		},
		"required": ["output"]
	}`,
	domain.ToolCategorySearch: `{
		"type": "object",
		"properties": {
			"query":   {"type": "string"},
			"matches": {"type": "array"},
			"total":   {"type": "integer"}
		},
		"required": ["matches"]
	}`,
	domain.ToolCategoryTask: `{
		"type": "object",
		"properties": {
			"tasks": {"type": "array"},
			"updated": {"type": "array"}
		},
		"required": ["tasks"]
	}`,
	domain.ToolCategoryGeneric: `{"type": "object"}`,
}

// knownFields lists the fields each category's schema defines; extra fields on
// a conforming object are dropped. Generic has no field list and keeps all.
var knownFields = map[domain.ToolCategory][]string{
	domain.ToolCategoryFile:    {"success", "path", "content", "operation", "bytes_written"},
	domain.ToolCategoryCommand: {"command", "output", "exit_code", "duration_ms"},
	domain.ToolCategorySearch:  {"query", "matches", "total"},
	domain.ToolCategoryTask:    {"tasks", "updated"},
}

var (
	compileOnce     sync.Once
	compiledSchemas map[domain.ToolCategory]*jsonschema.Schema
)

func compiled() map[domain.ToolCategory]*jsonschema.Schema {
	compileOnce.Do(func() {
		compiledSchemas = make(map[domain.ToolCategory]*jsonschema.Schema, len(categorySchemas))
		for category, src := range categorySchemas {
			schema, err := jsonschema.CompileString(string(category)+".schema.json", src)
			if err != nil {
				// Schemas are static; a compile failure is a programming error.
				panic(err)
			}
			compiledSchemas[category] = schema
		}
	})
	return compiledSchemas
}

func checkSchema(category domain.ToolCategory, obj map[string]interface{}) error {
	schema := compiled()[category]
	if schema == nil {
		schema = compiled()[domain.ToolCategoryGeneric]
	}
	return schema.Validate(obj)
}

func dropUnknownFields(category domain.ToolCategory, obj map[string]interface{}) map[string]interface{} {
	fields, ok := knownFields[category]
	if !ok {
		return obj
	}
	allowed := make(map[string]bool, len(fields))
	for _, f := range fields {
		allowed[f] = true
	}
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if allowed[k] {
			out[k] = v
		}
	}
	return out
}

// CategoryFor maps a tool name to its validation category. Unknown names fall
// back to the generic schema.
func CategoryFor(toolName string) domain.ToolCategory {
	switch toolName {
	case "read_file", "write_file", "edit_file", "delete_file", "list_dir":
		return domain.ToolCategoryFile
	case "run_command":
		return domain.ToolCategoryCommand
	case "grep", "glob", "web_search":
		return domain.ToolCategorySearch
	case "task_list", "update_task":
		return domain.ToolCategoryTask
	}
	// Namespaced tools keep their prefix as the category hint.
	if i := strings.IndexByte(toolName, '.'); i > 0 {
		switch toolName[:i] {
		case "file", "fs":
			return domain.ToolCategoryFile
		case "shell", "command":
			return domain.ToolCategoryCommand
		case "search":
			return domain.ToolCategorySearch
		case "task", "tasks":
			return domain.ToolCategoryTask
		}
	}
	return domain.ToolCategoryGeneric
}
