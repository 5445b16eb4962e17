// Package sanitize validates and bounds raw tool output before anything else
// is allowed to see it. Every path through Validate returns a well-formed
// ToolResult; failure states live in the returned structure, never in a panic.
package sanitize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/pairforge/pairforge/internal/domain"
)

const (
	// MaxStringChars bounds any single string payload or large text sub-field.
	MaxStringChars = 45000
	// MaxArrayBytes bounds the serialized size of an array payload.
	MaxArrayBytes = 45000
	// MaxPayloadBytes is the absolute backstop on a serialized payload.
	MaxPayloadBytes = 50000

	// TruncationMarker is appended to any truncated string so the model can
	// see the cut happened.
	TruncationMarker = "...[content truncated]"

	// CircularMarker replaces a cycle edge found during traversal.
	CircularMarker = "[Circular]"
)

// largeTextFields are well-known sub-fields that get independently truncated
// even when the containing object already passed schema checks.
var largeTextFields = map[string]bool{
	"content": true,
	"output":  true,
}

// Validate sanitizes rawResult and checks it against the schema for the
// tool's category. It never returns an error and never panics: malformed,
// oversized, cyclic, or nil input all produce a bounded ToolResult.
func Validate(toolName string, rawResult interface{}) domain.ToolResult {
	res := domain.ToolResult{
		ToolName: toolName,
		Valid:    true,
		Metadata: domain.ToolResultMetadata{SchemaValidated: true},
	}

	defer func() {
		// A sanitizer bug must not abort the run. Surface it as an invalid
		// result instead.
		if r := recover(); r != nil {
			res.Valid = false
			res.Payload = map[string]interface{}{"error": fmt.Sprintf("sanitization failed: %v", r)}
			res.Warnings = append(res.Warnings, "sanitizer recovered from internal failure")
			res.Metadata.SchemaValidated = false
		}
	}()

	res.Metadata.OriginalSize = serializedSize(rawResult)

	cleaned := clean(rawResult, make(map[uintptr]bool))

	switch v := cleaned.(type) {
	case nil:
		res.Payload = nil

	case string:
		s, truncated := TruncateString(v)
		if truncated {
			res.Metadata.Truncated = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("string payload truncated to %d characters", MaxStringChars))
		}
		res.Payload = s

	case []interface{}:
		kept, dropped := boundArray(v)
		if dropped > 0 {
			res.Metadata.Truncated = true
			res.Warnings = append(res.Warnings, fmt.Sprintf("array payload truncated: %d elements dropped", dropped))
		}
		res.Payload = kept

	case map[string]interface{}:
		validateObject(toolName, v, &res)

	default:
		// Primitive (bool, number) or something json-representable: keep as is.
		res.Payload = cleaned
	}

	// Backstop: no ToolResult may carry an unboundedly large payload.
	if n := serializedSize(res.Payload); n > MaxPayloadBytes {
		res.Valid = false
		res.Payload = map[string]interface{}{"error": fmt.Sprintf("Result too large (%d bytes)", n)}
		res.Metadata.Truncated = true
		res.Warnings = append(res.Warnings, "payload discarded: exceeded absolute size bound")
	}

	return res
}

// validateObject runs schema validation for the tool's category, drops unknown
// fields from conforming objects, and truncates well-known large sub-fields.
func validateObject(toolName string, obj map[string]interface{}, res *domain.ToolResult) {
	category := CategoryFor(toolName)

	if err := checkSchema(category, obj); err != nil {
		// Non-conforming objects are kept; the violation is recorded.
		res.Valid = false
		res.Metadata.SchemaValidated = false
		res.Warnings = append(res.Warnings, fmt.Sprintf("schema violation (%s): %v", category, err))
	} else {
		obj = dropUnknownFields(category, obj)
	}

	for field := range largeTextFields {
		if s, ok := obj[field].(string); ok {
			bounded, truncated := TruncateString(s)
			if truncated {
				obj[field] = bounded
				res.Metadata.Truncated = true
				res.Warnings = append(res.Warnings, fmt.Sprintf("field %q truncated to %d characters", field, MaxStringChars))
			}
		}
	}

	res.Payload = obj
}

// clean recursively strips control characters from every string in the value,
// in keys and values alike, replacing already-visited containers with the
// circular marker. It operates on the data itself, before serialization, so a
// later parse can never re-materialize unsafe bytes from escape sequences.
func clean(v interface{}, visited map[uintptr]bool) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return CleanString(val)
	case map[string]interface{}:
		ptr := reflect.ValueOf(val).Pointer()
		if visited[ptr] {
			return CircularMarker
		}
		visited[ptr] = true
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[CleanString(k)] = clean(item, visited)
		}
		delete(visited, ptr)
		return out
	case []interface{}:
		ptr := reflect.ValueOf(val).Pointer()
		if visited[ptr] {
			return CircularMarker
		}
		visited[ptr] = true
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = clean(item, visited)
		}
		delete(visited, ptr)
		return out
	default:
		// Numbers, booleans, and anything else json-encodable pass through.
		return val
	}
}

// CleanString removes control characters (0x00-0x08, 0x0B, 0x0C, 0x0E-0x1F,
// 0x7F) while preserving newline and tab. Idempotent.
func CleanString(s string) string {
	// Fast path: most strings are already clean.
	clean := true
	for _, r := range s {
		if isForbidden(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !isForbidden(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isForbidden(r rune) bool {
	switch {
	case r == '\n' || r == '\t':
		return false
	case r >= 0x00 && r <= 0x08:
		return true
	case r == 0x0B || r == 0x0C:
		return true
	case r >= 0x0E && r <= 0x1F:
		return true
	case r == 0x7F:
		return true
	}
	return false
}

// TruncateString bounds s to MaxStringChars characters, appending a visible
// marker when it cuts. Returns the bounded string and whether it truncated.
func TruncateString(s string) (string, bool) {
	runes := []rune(s)
	if len(runes) <= MaxStringChars {
		return s, false
	}
	return string(runes[:MaxStringChars]) + TruncationMarker, true
}

// boundArray keeps the longest element prefix whose serialized size stays
// under MaxArrayBytes. Returns the prefix and how many elements were dropped.
func boundArray(arr []interface{}) ([]interface{}, int) {
	if serializedSize(arr) <= MaxArrayBytes {
		return arr, 0
	}

	size := 2 // brackets
	kept := make([]interface{}, 0, len(arr))
	for _, item := range arr {
		itemSize := serializedSize(item) + 1 // comma
		if size+itemSize > MaxArrayBytes {
			break
		}
		size += itemSize
		kept = append(kept, item)
	}
	return kept, len(arr) - len(kept)
}

// serializedSize is the JSON-encoded byte length of v, or 0 when v cannot be
// encoded (the caller treats unencodable values as empty).
func serializedSize(v interface{}) int {
	if v == nil {
		return 4 // null
	}
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}
