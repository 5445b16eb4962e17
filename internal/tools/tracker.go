package tools

import "sync"

// FileChange is one recorded workspace mutation.
type FileChange struct {
	Path      string
	Operation string // create, modify, delete
}

// MutationTracker records workspace mutations as tools perform them. It is
// the ground truth the telemetry's "has produced fixes" belief is reconciled
// against at run end.
type MutationTracker struct {
	mu        sync.Mutex
	changes   []FileChange
	delivered int
}

// NewMutationTracker creates an empty tracker.
func NewMutationTracker() *MutationTracker {
	return &MutationTracker{}
}

// Record appends one mutation.
func (t *MutationTracker) Record(path, operation string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changes = append(t.changes, FileChange{Path: path, Operation: operation})
}

// Changes returns a copy of the recorded mutations in order.
func (t *MutationTracker) Changes() []FileChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FileChange, len(t.changes))
	copy(out, t.changes)
	return out
}

// Mutated reports whether anything changed.
func (t *MutationTracker) Mutated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.changes) > 0
}

// Drain returns the mutations recorded since the last drain, without
// forgetting them: the full history stays available to Mutated and Changes.
func (t *MutationTracker) Drain() []FileChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.changes[t.delivered:]
	t.delivered = len(t.changes)
	return out
}
