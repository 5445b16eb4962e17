package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.False(t, Classify([]string{"read_file", "grep"}).IsMutating)
	assert.True(t, Classify([]string{"read_file", "write_file"}).IsMutating)
	assert.False(t, Classify(nil).IsMutating)

	// Unknown tools are never assumed to be fixes.
	assert.False(t, Classify([]string{"mystery_tool"}).IsMutating)
}

func TestReadOnlyStreakAndHalt(t *testing.T) {
	var s State

	for i := 0; i < 4; i++ {
		s.Record(IterationResult{ToolNames: []string{"read_file", "grep"}})
		assert.False(t, s.ShouldHalt(), "halted too early at iteration %d", i)
	}

	s.Record(IterationResult{ToolNames: []string{"grep"}})
	assert.True(t, s.ShouldHalt())
	assert.Equal(t, 5, s.ConsecutiveReadOnly)
	assert.Equal(t, 9, s.ReadOps)
}

func TestMutationResetsStreak(t *testing.T) {
	var s State

	s.Record(IterationResult{ToolNames: []string{"read_file"}})
	s.Record(IterationResult{ToolNames: []string{"read_file"}})
	assert.Equal(t, 2, s.ConsecutiveReadOnly)

	s.Record(IterationResult{ToolNames: []string{"edit_file"}})
	assert.Equal(t, 0, s.ConsecutiveReadOnly)
	assert.True(t, s.HasProducedFixes)
	assert.Equal(t, 1, s.MutatingOps)
}

func TestIterationWithNoToolsDoesNotExtendStreak(t *testing.T) {
	var s State
	s.Record(IterationResult{ToolNames: []string{"read_file"}})
	s.Record(IterationResult{})
	assert.Equal(t, 1, s.ConsecutiveReadOnly)
}

func TestReconcileGroundTruthWins(t *testing.T) {
	var s State
	s.Record(IterationResult{ToolNames: []string{"write_file"}})
	assert.True(t, s.HasProducedFixes)

	// The tool claimed a write but the workspace shows nothing changed.
	s.Reconcile(false)
	assert.False(t, s.HasProducedFixes)

	s.Reconcile(true)
	assert.True(t, s.HasProducedFixes)
}

func TestIsZeroMutationFailure(t *testing.T) {
	var s State

	assert.True(t, s.IsZeroMutationFailure("fix the login bug"))
	assert.True(t, s.IsZeroMutationFailure("please IMPLEMENT retry logic"))
	assert.False(t, s.IsZeroMutationFailure("what does this function do?"))

	s.HasProducedFixes = true
	assert.False(t, s.IsZeroMutationFailure("fix the login bug"))
}
