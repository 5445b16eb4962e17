package sanitize

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairforge/pairforge/internal/domain"
)

func TestCleanStringStripsControlCharacters(t *testing.T) {
	in := "hi\x00\x01\x08\x0b\x0c\x0e\x1f\x7fthere"
	assert.Equal(t, "hithere", CleanString(in))

	// Newline and tab survive.
	assert.Equal(t, "a\nb\tc", CleanString("a\nb\tc"))
}

func TestCleanStringIdempotent(t *testing.T) {
	inputs := []string{
		"plain",
		"with\x00control\x1fbytes",
		"tabs\tand\nnewlines",
		strings.Repeat("x\x07", 100),
	}
	for _, in := range inputs {
		once := CleanString(in)
		assert.Equal(t, once, CleanString(once))
		for _, r := range once {
			assert.False(t, isForbidden(r), "forbidden rune %q survived", r)
		}
	}
}

func TestValidateFileResultExample(t *testing.T) {
	raw := map[string]interface{}{
		"success": true,
		"path":    "/file\x00name.ts",
		"content": "hi\x1fthere",
	}
	res := Validate("write_file", raw)

	require.True(t, res.Valid)
	payload, ok := res.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "/filename.ts", payload["path"])
	assert.Equal(t, "hithere", payload["content"])
	assert.Equal(t, true, payload["success"])
	assert.True(t, res.Metadata.SchemaValidated)
}

func TestValidateCleansKeys(t *testing.T) {
	raw := map[string]interface{}{
		"ke\x01y": "value\x02",
	}
	res := Validate("unknown_tool", raw)
	payload := res.Payload.(map[string]interface{})
	assert.Equal(t, "value", payload["key"])
}

func TestTruncationBoundary(t *testing.T) {
	exact := strings.Repeat("a", MaxStringChars)
	res := Validate("read_file", exact)
	assert.Equal(t, exact, res.Payload)
	assert.False(t, res.Metadata.Truncated)

	over := exact + "a"
	res = Validate("read_file", over)
	got := res.Payload.(string)
	assert.True(t, strings.HasSuffix(got, TruncationMarker))
	assert.Len(t, []rune(got), MaxStringChars+len([]rune(TruncationMarker)))
	assert.True(t, res.Metadata.Truncated)
	assert.NotEmpty(t, res.Warnings)
}

func TestArrayBounding(t *testing.T) {
	var arr []interface{}
	for i := 0; i < 2000; i++ {
		arr = append(arr, strings.Repeat("x", 100))
	}
	res := Validate("grep", arr)

	kept, ok := res.Payload.([]interface{})
	require.True(t, ok)
	assert.Less(t, len(kept), 2000)
	assert.NotEmpty(t, kept)

	data, err := json.Marshal(kept)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), MaxArrayBytes)
	assert.True(t, res.Metadata.Truncated)
}

func TestCircularStructureTerminates(t *testing.T) {
	inner := map[string]interface{}{"name": "loop"}
	inner["self"] = inner
	outer := map[string]interface{}{"data": inner}

	res := Validate("unknown_tool", outer)

	payload := res.Payload.(map[string]interface{})
	data := payload["data"].(map[string]interface{})
	assert.Equal(t, CircularMarker, data["self"])
	assert.Equal(t, "loop", data["name"])

	// The sanitized payload must serialize cleanly.
	_, err := json.Marshal(res.Payload)
	assert.NoError(t, err)
}

func TestSharedNodeIsNotCircular(t *testing.T) {
	shared := map[string]interface{}{"v": 1}
	raw := map[string]interface{}{"a": shared, "b": shared}

	res := Validate("unknown_tool", raw)
	payload := res.Payload.(map[string]interface{})
	assert.NotEqual(t, CircularMarker, payload["a"])
	assert.NotEqual(t, CircularMarker, payload["b"])
}

func TestOversizeBackstop(t *testing.T) {
	raw := map[string]interface{}{
		"path": "/big",
		"a":    strings.Repeat("x", 30000),
		"b":    strings.Repeat("y", 30000),
	}
	res := Validate("unknown_tool", raw)

	assert.False(t, res.Valid)
	assert.True(t, res.Metadata.Truncated)
	payload := res.Payload.(map[string]interface{})
	errMsg, ok := payload["error"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(errMsg, "Result too large ("))

	data, err := json.Marshal(res.Payload)
	require.NoError(t, err)
	assert.Less(t, len(data), 200)
}

func TestSchemaViolationKeepsPayload(t *testing.T) {
	// File category requires "path".
	raw := map[string]interface{}{"success": true}
	res := Validate("read_file", raw)

	assert.False(t, res.Valid)
	assert.False(t, res.Metadata.SchemaValidated)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "schema violation")

	payload := res.Payload.(map[string]interface{})
	assert.Equal(t, true, payload["success"])
}

func TestConformingObjectDropsUnknownFields(t *testing.T) {
	raw := map[string]interface{}{
		"path":    "/ok.go",
		"success": true,
		"extra":   "dropped",
	}
	res := Validate("read_file", raw)

	require.True(t, res.Valid)
	payload := res.Payload.(map[string]interface{})
	_, hasExtra := payload["extra"]
	assert.False(t, hasExtra)
	assert.Equal(t, "/ok.go", payload["path"])
}

func TestLargeSubFieldTruncatedAfterSchemaPass(t *testing.T) {
	raw := map[string]interface{}{
		"output":    strings.Repeat("z", MaxStringChars+500),
		"exit_code": float64(0),
	}
	res := Validate("run_command", raw)

	payload := res.Payload.(map[string]interface{})
	out := payload["output"].(string)
	assert.True(t, strings.HasSuffix(out, TruncationMarker))
	assert.True(t, res.Metadata.Truncated)
}

func TestValidateNeverPanics(t *testing.T) {
	inputs := []interface{}{
		nil,
		42,
		3.14,
		true,
		"",
		[]interface{}{nil, 1, "x"},
		map[string]interface{}{},
		make(chan int), // not json-encodable
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Validate("anything", in) })
	}
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, domain.ToolCategoryFile, CategoryFor("write_file"))
	assert.Equal(t, domain.ToolCategoryCommand, CategoryFor("run_command"))
	assert.Equal(t, domain.ToolCategorySearch, CategoryFor("grep"))
	assert.Equal(t, domain.ToolCategoryTask, CategoryFor("task_list"))
	assert.Equal(t, domain.ToolCategoryFile, CategoryFor("fs.stat"))
	assert.Equal(t, domain.ToolCategoryGeneric, CategoryFor("mystery"))
}
