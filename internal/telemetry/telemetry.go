// Package telemetry tracks what kind of work a run's iterations actually do:
// whether the agent is investigating or changing things, and whether a run
// that promised changes delivered any. It is the circuit breaker against
// "investigate forever, never act" loops.
package telemetry

import (
	"regexp"
)

// haltThreshold is the number of consecutive read-only iterations after which
// the run is halted regardless of remaining iteration budget.
const haltThreshold = 5

// mutatingTools is the static partition of tool names that change the
// workspace. Any name not listed here is conservatively treated as read-only:
// an unknown tool must never be silently assumed to be a fix.
var mutatingTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"delete_file": true,
	"run_command": true,
}

// fixIntentPattern recognizes "fix/build/implement"-style requests. It is a
// soft signal for incident triage, not a hard gate; false positives are
// tolerated.
var fixIntentPattern = regexp.MustCompile(`(?i)\b(fix|repair|implement|build|add|create|update|refactor|patch)\b`)

// State holds per-run workflow counters. It is reset per run, mutated after
// every iteration, and serializable so it rides along in checkpoints.
type State struct {
	ReadOps             int  `json:"read_ops"`
	MutatingOps         int  `json:"mutating_ops"`
	ConsecutiveReadOnly int  `json:"consecutive_read_only"`
	HasProducedFixes    bool `json:"has_produced_fixes"`
}

// IterationResult summarizes one iteration for recording.
type IterationResult struct {
	ToolNames []string
}

// Classification reports whether an iteration's tool calls include mutations.
type Classification struct {
	IsMutating bool
}

// Classify partitions an iteration's tool calls into read-only vs mutating.
func Classify(toolNames []string) Classification {
	for _, name := range toolNames {
		if mutatingTools[name] {
			return Classification{IsMutating: true}
		}
	}
	return Classification{IsMutating: false}
}

// Record updates the counters with one iteration's outcome. The read-only
// streak resets the moment any mutating tool is called.
func (s *State) Record(result IterationResult) {
	c := Classify(result.ToolNames)
	for _, name := range result.ToolNames {
		if mutatingTools[name] {
			s.MutatingOps++
		} else {
			s.ReadOps++
		}
	}
	if c.IsMutating {
		s.ConsecutiveReadOnly = 0
		s.HasProducedFixes = true
	} else if len(result.ToolNames) > 0 {
		s.ConsecutiveReadOnly++
	}
}

// ShouldHalt reports whether the run has investigated too long without acting.
func (s *State) ShouldHalt() bool {
	return s.ConsecutiveReadOnly >= haltThreshold
}

// Reconcile cross-checks the recorded belief against ground truth from the
// workspace (did anything actually change on disk). Ground truth wins.
func (s *State) Reconcile(workspaceMutated bool) {
	s.HasProducedFixes = workspaceMutated
}

// IsZeroMutationFailure reports whether the run should be flagged: the user
// asked for a change but no mutation happened.
func (s *State) IsZeroMutationFailure(userIntentText string) bool {
	return !s.HasProducedFixes && fixIntentPattern.MatchString(userIntentText)
}
