package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/pairforge/pairforge/policy"
)

// Result is the outcome of one gateway dispatch. A tool failure is carried as
// an error marker, never as a Go error: tool-level failures must not abort
// the run.
type Result struct {
	Raw interface{}
	Err string // non-empty when the tool failed or was blocked
}

// IsError reports whether the dispatch failed.
func (r Result) IsError() bool {
	return r.Err != ""
}

// Gateway is a thin, typed dispatch from tool name to external
// implementation. It performs no sanitization; that is strictly the
// sanitizer's job.
type Gateway struct {
	registry *Registry
	policy   *policy.Engine
}

// NewGateway creates a gateway over the registry, optionally gated by a
// policy engine.
func NewGateway(registry *Registry, policyEngine *policy.Engine) *Gateway {
	return &Gateway{registry: registry, policy: policyEngine}
}

// Evaluate asks the policy engine what to do with a tool call before it is
// dispatched. Without a policy engine everything is allowed.
func (g *Gateway) Evaluate(ctx context.Context, toolName string, input json.RawMessage, userID string) (string, string, error) {
	if g.policy == nil {
		return policy.DecisionAllow, "", nil
	}

	policyInput := map[string]interface{}{
		"tool_name": toolName,
		"user_id":   userID,
	}
	var argsMap map[string]interface{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &argsMap); err == nil {
			policyInput["args"] = argsMap
		}
	}
	if policyInput["args"] == nil {
		policyInput["args"] = map[string]interface{}{}
	}

	return g.policy.Evaluate(ctx, policyInput)
}

// Execute dispatches one tool call to its implementation and returns the raw
// result. An implementation's error or panic is converted into a tool-level
// error marker so the orchestrator can report a failed tool call without
// aborting the run.
func (g *Gateway) Execute(ctx context.Context, toolName string, input json.RawMessage, ec *ExecContext) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: tool %s panicked: %v", toolName, r)
			result = Result{Err: fmt.Sprintf("tool %s panicked: %v", toolName, r)}
		}
	}()

	exec := g.registry.Lookup(toolName)
	if exec == nil {
		return Result{Err: fmt.Sprintf("unknown tool: %s", toolName)}
	}

	raw, err := exec(ctx, input, ec)
	if err != nil {
		return Result{Err: err.Error()}
	}
	return Result{Raw: raw}
}
