// Package policy gates tool dispatch through an OPA rego policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions a policy may return for a tool call.
const (
	DecisionAllow           = "allow"
	DecisionRequireApproval = "require_approval"
	DecisionBlock           = "block"
)

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.tool_policy.decision"),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Evaluate checks the tool policy.
// Input should be a map with keys: tool_name, args, user_id.
// Returns: decision (allow, require_approval, block), reason (optional), error.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy defines a default; an empty result means it did not load.
		return DecisionAllow, "default", nil
	}

	val := results[0].Expressions[0].Value
	if s, ok := val.(string); ok {
		return s, "", nil
	}

	return DecisionAllow, "unexpected return type", nil
}

// DefaultPolicy is the default policy content: destructive file operations
// need explicit user approval, and shell commands with irreversible
// signatures never run.
const DefaultPolicy = `
package tool_policy

default decision = "allow"

# Deleting files requires the user to confirm.
decision = "require_approval" {
	input.tool_name == "delete_file"
}

# Commands with destructive signatures are never dispatched.
decision = "block" {
	input.tool_name == "run_command"
	contains(input.args.command, "rm -rf /")
}

decision = "block" {
	input.tool_name == "run_command"
	contains(input.args.command, "mkfs")
}
`
