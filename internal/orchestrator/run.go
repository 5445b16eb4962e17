package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pairforge/pairforge/internal/adapter/model"
	"github.com/pairforge/pairforge/internal/domain"
	"github.com/pairforge/pairforge/internal/ledger"
	"github.com/pairforge/pairforge/internal/sanitize"
	"github.com/pairforge/pairforge/internal/telemetry"
	"github.com/pairforge/pairforge/internal/tools"
	"github.com/pairforge/pairforge/policy"
)

const systemPrompt = `You are an autonomous coding agent working in the user's workspace.
Use the available tools to read, search, and change files, and to run commands.
Track multi-step work with update_task. When the work is finished, say "Task complete."
If you only investigated and changed nothing, say so explicitly.`

// completionPhrases end a run when the model produces one and no tracked
// task is still in progress.
var completionPhrases = []string{
	"task complete",
	"task is complete",
	"all done",
	"work is complete",
	"nothing further to do",
}

// stuckThreshold is how many consecutive iterations may pass without any
// tool activity before the run is considered stuck.
const stuckThreshold = 2

const approvalPollInterval = 500 * time.Millisecond

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeHalted
	outcomeStuck
	outcomeBudget
	outcomeCanceled
	outcomeTimeout
	outcomeModelError
)

// run executes the whole lifecycle of one admitted run on its own goroutine.
// Whatever happens, cleanup runs exactly once.
func (o *Orchestrator) run(rs *runState) {
	var modelErr error

	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: run %s panicked: %v", rs.run.RunID, r)
			rs.status = domain.RunStatusFailed
			rs.errPayload = &domain.ErrorPayload{
				Code:    "internal_error",
				Message: "Something went wrong while working on your request. Your reserved credits have been returned.",
				Details: fmt.Sprint(r),
			}
			o.failStream(rs)
		}
		o.cleanup(rs)
	}()

	rs.emitter.EmitRunPhase("Iterating", "")

	result, err := o.iterate(rs)
	modelErr = err

	switch result {
	case outcomeCompleted:
		rs.emitter.EmitRunPhase("Completing", "")
		o.finishSuccess(rs, "")
	case outcomeHalted:
		rs.emitter.EmitRunPhase("Halting", "no mutating activity for 5 consecutive iterations")
		o.finishSuccess(rs, "I stopped after several investigation cycles produced no further action.")
	case outcomeStuck:
		rs.emitter.EmitRunPhase("Halting", "no progress for 2 consecutive iterations")
		o.finishSuccess(rs, "I stopped because no progress was being made.")
	case outcomeBudget:
		rs.emitter.EmitRunPhase("Halting", "iteration budget exhausted")
		o.finishSuccess(rs, "")
	case outcomeCanceled:
		rs.emitter.EmitRunPhase("Erroring", "cancelled")
		rs.status = domain.RunStatusInterrupted
		rs.errPayload = &domain.ErrorPayload{
			Code:    "cancelled",
			Message: "This run was cancelled. Your unused credits have been returned.",
		}
		o.failStream(rs)
	case outcomeTimeout:
		rs.emitter.EmitRunPhase("Erroring", "stream timeout")
		rs.status = domain.RunStatusFailed
		rs.errPayload = &domain.ErrorPayload{
			Code:    "stream_timeout",
			Message: "This run took too long and was stopped. Your unused credits have been returned.",
		}
		o.failStream(rs)
	case outcomeModelError:
		rs.emitter.EmitRunPhase("Erroring", "model error")
		rs.status = domain.RunStatusFailed
		details := ""
		if modelErr != nil {
			details = modelErr.Error()
		}
		rs.errPayload = &domain.ErrorPayload{
			Code:    "model_error",
			Message: "I hit a problem talking to the model and had to stop. Your unused credits have been returned.",
			Details: details,
		}
		o.failStream(rs)
	}
}

// iterate runs the model-and-tools cycle until a continuation decision says
// stop.
func (o *Orchestrator) iterate(rs *runState) (outcome, error) {
	consecutiveNoProgress := 0

	for rs.run.Iterations < rs.run.IterationBudget {
		if rs.ctx.Err() != nil {
			return o.interruptionOutcome(rs), nil
		}

		req := &model.Request{
			Model:    o.cfg.Model,
			System:   systemPrompt,
			Messages: rs.conversation,
			Tools:    o.toolDefs(),
		}
		chunks, err := o.client.Stream(rs.ctx, req)
		if err != nil {
			return outcomeModelError, err
		}

		var text strings.Builder
		var calls []domain.ToolCall
		var streamErr error

		for chunk := range chunks {
			switch {
			case chunk.Err != nil:
				streamErr = chunk.Err
			case chunk.ToolCall != nil:
				calls = append(calls, *chunk.ToolCall)
				rs.emitter.EmitToolCall(*chunk.ToolCall)
			case chunk.Done:
				rs.inputTokens += chunk.InputTokens
				rs.outputTokens += chunk.OutputTokens
			case chunk.Text != "":
				text.WriteString(chunk.Text)
				rs.emitter.EmitContent(chunk.Text)
			}
		}
		rs.emitter.FlushContent()

		if streamErr != nil {
			if rs.ctx.Err() != nil {
				return o.interruptionOutcome(rs), nil
			}
			return outcomeModelError, streamErr
		}

		// Dispatch and validate tool calls in the order the model
		// emitted them; result emission order matches call order.
		var toolResults []model.ToolResultMessage
		toolNames := make([]string, 0, len(calls))
		for _, call := range calls {
			if o.metrics != nil {
				o.metrics.ToolCalls.WithLabelValues(call.Name).Inc()
			}
			res, isErr := o.dispatchTool(rs, call)
			if o.metrics != nil && res.Metadata.Truncated {
				o.metrics.Truncations.Inc()
			}
			rs.emitter.EmitToolResult(call.ID, res, isErr)

			for _, ch := range rs.tracker.Drain() {
				rs.emitter.EmitFileChange(ch.Path, ch.Operation)
			}
			o.emitTaskUpdates(rs, call)

			payload, err := json.Marshal(res)
			if err != nil {
				payload = []byte(`{"error":"failed to serialize tool result"}`)
			}
			toolResults = append(toolResults, model.ToolResultMessage{
				ToolCallID: call.ID,
				Content:    string(payload),
				IsError:    isErr,
			})
			toolNames = append(toolNames, call.Name)
		}

		rs.telemetry.Record(telemetry.IterationResult{ToolNames: toolNames})
		if text.Len() > 0 {
			rs.finalText = text.String()
		}

		rs.conversation = append(rs.conversation, model.Message{
			Role:      "assistant",
			Content:   text.String(),
			ToolCalls: calls,
		})
		if len(toolResults) > 0 {
			rs.conversation = append(rs.conversation, model.Message{
				Role:        "user",
				ToolResults: toolResults,
			})
		}

		rs.run.Iterations++
		if err := o.store.UpdateRunIteration(rs.ctx, rs.run.RunID, rs.run.Iterations); err != nil {
			log.Printf("WARN: failed to persist iteration count for run %s: %v", rs.run.RunID, err)
		}
		if o.metrics != nil {
			o.metrics.Iterations.Inc()
		}
		if o.cfg.CheckpointEvery > 0 && rs.run.Iterations%o.cfg.CheckpointEvery == 0 {
			o.checkpoint(rs)
		}

		// Continuation decision.
		if containsCompletionPhrase(text.String()) && !rs.tasks.HasInProgress() {
			return outcomeCompleted, nil
		}
		if rs.telemetry.ShouldHalt() {
			return outcomeHalted, nil
		}
		if len(calls) == 0 {
			consecutiveNoProgress++
		} else {
			consecutiveNoProgress = 0
		}
		if consecutiveNoProgress >= stuckThreshold {
			return outcomeStuck, nil
		}
	}

	return outcomeBudget, nil
}

func (o *Orchestrator) interruptionOutcome(rs *runState) outcome {
	if rs.timedOut.Load() {
		return outcomeTimeout
	}
	return outcomeCanceled
}

// dispatchTool routes one tool call through policy, approval, execution, and
// sanitization. The second return marks a tool-level failure; those never
// abort the run.
func (o *Orchestrator) dispatchTool(rs *runState, call domain.ToolCall) (domain.ToolResult, bool) {
	input := json.RawMessage(call.Input)

	decision, reason, err := o.gateway.Evaluate(rs.ctx, call.Name, input, rs.run.UserID)
	if err != nil {
		log.Printf("WARN: policy evaluation failed for %s: %v", call.Name, err)
	}
	switch decision {
	case policy.DecisionBlock:
		msg := "tool call blocked by policy"
		if reason != "" {
			msg += ": " + reason
		}
		return sanitize.Validate(call.Name, map[string]interface{}{"error": msg}), true
	case policy.DecisionRequireApproval:
		if !o.awaitApproval(rs, call) {
			return sanitize.Validate(call.Name, map[string]interface{}{"error": "tool call was not approved by the user"}), true
		}
	}

	ec := &tools.ExecContext{
		UserID:        rs.run.UserID,
		Target:        string(rs.run.Target),
		ProjectID:     rs.run.ProjectID,
		WorkspaceRoot: o.cfg.WorkspaceRoot,
		Tracker:       rs.tracker,
		Tasks:         rs.tasks,
	}
	result := o.gateway.Execute(rs.ctx, call.Name, input, ec)
	if result.IsError() {
		if o.metrics != nil {
			o.metrics.ToolFailures.WithLabelValues(call.Name).Inc()
		}
		return sanitize.Validate(call.Name, map[string]interface{}{"error": result.Err}), true
	}
	return sanitize.Validate(call.Name, result.Raw), false
}

// awaitApproval persists a pending approval, announces it on the stream, and
// polls until the user decides or the approval times out.
func (o *Orchestrator) awaitApproval(rs *runState, call domain.ToolCall) bool {
	approvalID := "apr_" + uuid.New().String()[:8]
	ap := &domain.Approval{
		ApprovalID: approvalID,
		RunID:      rs.run.RunID,
		ToolName:   call.Name,
		Args:       json.RawMessage(call.Input),
		Status:     domain.ApprovalStatusPending,
	}
	if err := o.store.CreateApproval(rs.ctx, ap); err != nil {
		log.Printf("ERROR: failed to persist approval for run %s: %v", rs.run.RunID, err)
		return false
	}

	files := filesFromArgs(call.Input)
	summary := fmt.Sprintf("%s %s", call.Name, approvalSummary(call.Input))
	rs.emitter.EmitApprovalRequired(approvalID, summary, estimatedImpact(call.Name, files), files)

	ticker := time.NewTicker(approvalPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(o.cfg.ApprovalTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-rs.ctx.Done():
			// A pending row must not outlive its run.
			if _, err := o.store.DecideApproval(context.Background(), approvalID, domain.ApprovalStatusExpired, "system", "run ended before a decision"); err != nil {
				log.Printf("WARN: failed to expire approval %s: %v", approvalID, err)
			}
			return false
		case <-deadline.C:
			if _, err := o.store.DecideApproval(context.Background(), approvalID, domain.ApprovalStatusExpired, "system", "approval timed out"); err != nil {
				log.Printf("WARN: failed to expire approval %s: %v", approvalID, err)
			}
			return false
		case <-ticker.C:
			current, err := o.store.GetApproval(rs.ctx, approvalID)
			if err != nil || current == nil {
				continue
			}
			if current.Status != domain.ApprovalStatusPending {
				return current.Status == domain.ApprovalStatusApproved
			}
		}
	}
}

// emitTaskUpdates mirrors an update_task call onto the stream.
func (o *Orchestrator) emitTaskUpdates(rs *runState, call domain.ToolCall) {
	if call.Name != "update_task" {
		return
	}
	var args struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(call.Input), &args); err != nil || args.ID == "" {
		return
	}
	rs.emitter.EmitTaskUpdated(args.ID, args.Status)
}

// finishSuccess closes out a completed or halted run: reconciles telemetry
// against the workspace, raises a zero-mutation incident when warranted, and
// persists the final assistant message.
func (o *Orchestrator) finishSuccess(rs *runState, haltNote string) {
	rs.telemetry.Reconcile(rs.tracker.Mutated() || rs.priorMutations)

	final := rs.finalText
	if haltNote != "" {
		if final != "" {
			final += "\n\n"
		}
		final += haltNote
	}

	if rs.telemetry.IsZeroMutationFailure(rs.userText) {
		inc := &domain.Incident{
			IncidentID: "inc_" + uuid.New().String()[:8],
			RunID:      rs.run.RunID,
			UserID:     rs.run.UserID,
			Kind:       domain.IncidentZeroMutation,
			Detail:     "run matched fix-style intent but produced no workspace mutation",
			CreatedAt:  time.Now().UTC(),
		}
		if err := o.store.CreateIncident(context.Background(), inc); err != nil {
			log.Printf("ERROR: failed to record zero-mutation incident for run %s: %v", rs.run.RunID, err)
		}
		if o.metrics != nil {
			o.metrics.Incidents.WithLabelValues(domain.IncidentZeroMutation).Inc()
		}
		if final != "" {
			final += "\n\n"
		}
		final += "Note: I investigated this request but did not make any changes to the workspace."
	}

	if final != "" {
		o.persistAssistantMessage(rs, final)
	}

	rs.status = domain.RunStatusCompleted
	tokens := rs.inputTokens + rs.outputTokens
	rs.emitter.EmitComplete(tokens, ledger.CreditsForTokens(tokens))
}

// failStream delivers a run-level failure to the user: a friendly persisted
// assistant message, then a terminal error event. If persistence fails the
// message still reaches the client through the stream.
func (o *Orchestrator) failStream(rs *runState) {
	if rs.errPayload == nil {
		rs.errPayload = &domain.ErrorPayload{Code: "internal_error", Message: "Something went wrong."}
	}
	o.persistAssistantMessage(rs, rs.errPayload.Message)
	rs.emitter.EmitError(rs.errPayload.Code, rs.errPayload.Message, rs.errPayload.Details)
}

func (o *Orchestrator) persistAssistantMessage(rs *runState, content string) {
	msg := &domain.Message{
		MessageID: "msg_" + uuid.New().String()[:8],
		UserID:    rs.run.UserID,
		RunID:     rs.run.RunID,
		Role:      "assistant",
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateMessage(context.Background(), msg); err != nil {
		// Last resort: the client still gets the text over the stream.
		log.Printf("ERROR: failed to persist assistant message for run %s: %v", rs.run.RunID, err)
		rs.emitter.EmitContent(content)
		rs.emitter.FlushContent()
	}
}

// checkpoint saves the conversation and telemetry so a crashed run resumes
// from its last iteration instead of the beginning.
func (o *Orchestrator) checkpoint(rs *runState) {
	conv, err := json.Marshal(rs.conversation)
	if err != nil {
		log.Printf("WARN: failed to serialize checkpoint conversation for run %s: %v", rs.run.RunID, err)
		return
	}
	tel, err := json.Marshal(rs.telemetry)
	if err != nil {
		log.Printf("WARN: failed to serialize checkpoint telemetry for run %s: %v", rs.run.RunID, err)
		return
	}
	cp := &domain.Checkpoint{
		RunID:        rs.run.RunID,
		Iteration:    rs.run.Iterations,
		Conversation: conv,
		Telemetry:    tel,
		SavedAtMs:    time.Now().UnixMilli(),
	}
	if err := o.store.SaveCheckpoint(rs.ctx, cp); err != nil {
		log.Printf("WARN: failed to save checkpoint for run %s: %v", rs.run.RunID, err)
	}
}

// cleanup is the single convergence point for every exit path: credits are
// released exactly once, the run row goes terminal, the registry slot and
// its timers are cleared, and the stream closes.
func (o *Orchestrator) cleanup(rs *runState) {
	ctx := context.Background()

	actual := ledger.CreditsForTokens(rs.inputTokens + rs.outputTokens)
	if rs.inputTokens+rs.outputTokens == 0 {
		actual = 0
	}
	if err := o.ledger.Release(ctx, rs.run.UserID, rs.run.ReservedCredits, actual); err != nil {
		log.Printf("ERROR: failed to release credits for run %s: %v", rs.run.RunID, err)
	}

	if rs.status == "" {
		rs.status = domain.RunStatusFailed
	}
	var errData []byte
	if rs.errPayload != nil {
		errData, _ = json.Marshal(rs.errPayload)
	}
	if err := o.store.UpdateRunCompleted(ctx, rs.run.RunID, rs.status, errData); err != nil {
		log.Printf("ERROR: failed to finalize run %s: %v", rs.run.RunID, err)
	}
	if rs.status == domain.RunStatusCompleted {
		if err := o.store.DeleteCheckpoint(ctx, rs.run.RunID); err != nil {
			log.Printf("WARN: failed to delete checkpoint for run %s: %v", rs.run.RunID, err)
		}
	}

	o.registry.Evict(rs.run.UserID)
	o.removeEmitter(rs.run.RunID)
	rs.emitter.Close()
	rs.cancel()

	if o.metrics != nil {
		o.metrics.ActiveRuns.Dec()
		o.metrics.RunsFinished.WithLabelValues(string(rs.status)).Inc()
		o.metrics.CreditsUsed.Add(float64(actual))
	}
}

func (o *Orchestrator) toolDefs() []model.ToolDef {
	specs := tools.BuiltinSpecs()
	defs := make([]model.ToolDef, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, model.ToolDef{Name: s.Name, Description: s.Description, Schema: s.Schema})
	}
	return defs
}

func containsCompletionPhrase(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func approvalSummary(input string) string {
	if len(input) > 120 {
		return input[:120] + "..."
	}
	return input
}

// estimatedImpact describes what approving the call would do, derived from
// the tool name and the paths in its arguments.
func estimatedImpact(toolName string, files []string) string {
	n := len(files)
	if n == 0 {
		n = 1
	}
	switch toolName {
	case "delete_file":
		return fmt.Sprintf("deletes %d file(s)", n)
	case "write_file":
		return fmt.Sprintf("creates or overwrites %d file(s)", n)
	case "edit_file":
		return fmt.Sprintf("modifies %d file(s)", n)
	case "run_command":
		return "runs a shell command in the workspace"
	default:
		return "may modify the workspace"
	}
}

func filesFromArgs(input string) []string {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil || args.Path == "" {
		return nil
	}
	return []string{args.Path}
}
