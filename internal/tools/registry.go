// Package tools dispatches model-requested tool calls to their external
// implementations. Implementations are opaque: they return arbitrary data
// which only becomes trustworthy after the sanitizer has seen it.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ExecContext carries the identity and scope a tool executes under, plus the
// tracker that records workspace mutations as they happen.
type ExecContext struct {
	UserID        string
	Target        string
	ProjectID     string
	WorkspaceRoot string
	Tracker       *MutationTracker
	Tasks         *TaskList
}

// ExecutorFunc defines a tool executor. The returned value is raw,
// unsanitized output of any shape.
type ExecutorFunc func(ctx context.Context, args json.RawMessage, ec *ExecContext) (interface{}, error)

// Registry stores tool executors keyed by tool name.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]ExecutorFunc
}

// NewRegistry creates an empty tool executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]ExecutorFunc),
	}
}

// Register adds a new executor for a tool name.
func (r *Registry) Register(toolName string, exec ExecutorFunc) error {
	if toolName == "" {
		return fmt.Errorf("tool name is required")
	}
	if exec == nil {
		return fmt.Errorf("executor is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[toolName]; exists {
		return fmt.Errorf("executor already registered for %s", toolName)
	}
	r.executors[toolName] = exec
	return nil
}

// MustRegister adds an executor or panics.
func (r *Registry) MustRegister(toolName string, exec ExecutorFunc) {
	if err := r.Register(toolName, exec); err != nil {
		panic(err)
	}
}

// Lookup returns the executor for a tool name, or nil.
func (r *Registry) Lookup(toolName string) ExecutorFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[toolName]
}

// Names lists the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	return names
}
