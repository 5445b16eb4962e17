// Package stream turns orchestrator activity into the ordered, typed event
// sequence a client consumes. Each run gets exactly one primary channel;
// a WebSocket hub mirrors events best-effort for presence UIs.
package stream

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairforge/pairforge/internal/domain"
)

const primaryBuffer = 1024

// EventStore persists every emitted event append-only so a reconnecting
// client can catch up.
type EventStore interface {
	CreateEvent(ctx context.Context, ev *domain.StreamEvent) error
}

// ProgressStore is implemented by stores that also keep the queryable
// human-readable progress feed.
type ProgressStore interface {
	CreateProgress(ctx context.Context, entry *domain.ProgressEntry) error
}

// Emitter serializes one run's events. All emit methods are safe for
// concurrent use; order on the primary channel matches emission order.
type Emitter struct {
	runID string
	store EventStore
	hub   *Hub

	buf    *ChunkBuffer
	dedupe *Deduper

	// forwardThinking mirrors removed reasoning titles to the progress
	// channel. Off unless the client asked for it.
	forwardThinking bool

	// observer, when set, sees each emitted event type. Used for metrics.
	observer func(domain.EventType)

	mu      sync.Mutex
	primary chan domain.StreamEvent
	closed  bool
}

// NewEmitter creates the emitter for a run. The hub may be nil when no
// side-channel fan-out is wanted (tests, batch runs).
func NewEmitter(runID string, store EventStore, hub *Hub, dedupeWindow, dedupeMinChunk int) *Emitter {
	return &Emitter{
		runID:   runID,
		store:   store,
		hub:     hub,
		buf:     NewChunkBuffer(),
		dedupe:  NewDeduper(dedupeWindow, dedupeMinChunk),
		primary: make(chan domain.StreamEvent, primaryBuffer),
	}
}

// ForwardThinking enables redacted reasoning summaries on the progress
// channel.
func (e *Emitter) ForwardThinking(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forwardThinking = on
}

// Observe registers a callback that sees every emitted event type.
func (e *Emitter) Observe(fn func(domain.EventType)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observer = fn
}

// Events is the primary ordered channel. It closes when the run terminates.
func (e *Emitter) Events() <-chan domain.StreamEvent {
	return e.primary
}

// RunID returns the run this emitter belongs to.
func (e *Emitter) RunID() string {
	return e.runID
}

func (e *Emitter) emit(eventType domain.EventType, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: failed to marshal %s payload for run %s: %v", eventType, e.runID, err)
		return
	}

	ev := domain.StreamEvent{
		EventID: "evt_" + uuid.New().String()[:8],
		RunID:   e.runID,
		Ts:      time.Now().UnixMilli(),
		Type:    eventType,
		Payload: data,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	if e.observer != nil {
		e.observer(eventType)
	}

	// Heartbeats are keep-alive only; replaying stale ones after a
	// reconnect would be noise, and long runs would bloat the log.
	if e.store != nil && eventType != domain.EventTypeHeartbeat {
		if err := e.store.CreateEvent(context.Background(), &ev); err != nil {
			log.Printf("ERROR: failed to persist event %s for run %s: %v", ev.EventID, e.runID, err)
		}
	}

	select {
	case e.primary <- ev:
	default:
		// The consumer fell behind the buffer; replay from the event log
		// covers the gap.
		log.Printf("WARN: primary channel full for run %s, dropping %s", e.runID, eventType)
	}

	if e.hub != nil {
		raw, err := json.Marshal(ev)
		if err == nil {
			e.hub.Broadcast(e.runID, raw)
		}
	}
}

// EmitContent pushes streamed model text through the thinking filter and the
// duplicate suppressor, then emits whatever is visible.
func (e *Emitter) EmitContent(text string) {
	visible, thinking := e.buf.Push(text)
	for _, title := range thinking {
		if e.forwardThinking {
			e.EmitAssistantProgress(domain.ProgressEntry{
				EntryID:   "prog_" + uuid.New().String()[:8],
				RunID:     e.runID,
				Message:   title,
				Category:  domain.ProgressThinking,
				CreatedAt: time.Now().UTC(),
			})
		}
	}
	if visible == "" || e.dedupe.ShouldDrop(visible) {
		return
	}
	e.emit(domain.EventTypeContent, domain.ContentPayload{Text: visible})
}

// FlushContent releases text still held by the thinking filter. Call once
// when the model's turn ends.
func (e *Emitter) FlushContent() {
	visible := e.buf.Flush()
	if visible == "" || e.dedupe.ShouldDrop(visible) {
		return
	}
	e.emit(domain.EventTypeContent, domain.ContentPayload{Text: visible})
}

// EmitToolCall announces a model-requested tool invocation.
func (e *Emitter) EmitToolCall(call domain.ToolCall) {
	e.emit(domain.EventTypeToolCall, domain.ToolCallPayload{
		ID:    call.ID,
		Name:  call.Name,
		Input: json.RawMessage(call.Input),
	})
}

// EmitToolResult carries a validated tool result with its metadata. isError
// marks a tool-level execution failure, which is distinct from a result that
// merely failed schema validation.
func (e *Emitter) EmitToolResult(callID string, res domain.ToolResult, isError bool) {
	p := domain.ToolResultPayload{
		ID:      callID,
		Name:    res.ToolName,
		Output:  resultText(res.Payload),
		Payload: res.Payload,
		IsError: isError,
	}
	p.Metadata.Valid = res.Valid
	p.Metadata.Truncated = res.Metadata.Truncated
	p.Metadata.Warnings = res.Warnings
	p.Metadata.SchemaValidated = res.Metadata.SchemaValidated
	e.emit(domain.EventTypeToolResult, p)
}

// EmitProgress emits a plain progress note.
func (e *Emitter) EmitProgress(message string) {
	e.emit(domain.EventTypeProgress, domain.ProgressPayload{Message: message})
}

// EmitAssistantProgress emits a categorized progress entry and records it on
// the queryable progress feed when the store keeps one.
func (e *Emitter) EmitAssistantProgress(entry domain.ProgressEntry) {
	if entry.RunID == "" {
		entry.RunID = e.runID
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if ps, ok := e.store.(ProgressStore); ok {
		if err := ps.CreateProgress(context.Background(), &entry); err != nil {
			log.Printf("ERROR: failed to persist progress entry for run %s: %v", e.runID, err)
		}
	}
	e.emit(domain.EventTypeAssistantProgress, domain.AssistantProgressPayload{
		ID:       entry.EntryID,
		Content:  entry.Message,
		Category: entry.Category,
	})
}

// EmitFileChange reports one workspace mutation.
func (e *Emitter) EmitFileChange(path, operation string) {
	e.emit(domain.EventTypeFileChange, domain.FileChangePayload{Path: path, Operation: operation})
}

// EmitTaskUpdated reports tracked-task movement.
func (e *Emitter) EmitTaskUpdated(taskID, status string) {
	e.emit(domain.EventTypeTaskUpdated, domain.TaskUpdatedPayload{TaskID: taskID, Status: status})
}

// EmitRunPhase announces an orchestrator phase transition.
func (e *Emitter) EmitRunPhase(phase, message string) {
	e.emit(domain.EventTypeRunPhase, domain.RunPhasePayload{Phase: phase, Message: message})
}

// EmitApprovalRequired asks the user to decide a gated tool call.
func (e *Emitter) EmitApprovalRequired(approvalID, summary, estimatedImpact string, filesChanged []string) {
	e.emit(domain.EventTypeApprovalRequired, domain.ApprovalRequiredPayload{
		ApprovalID:      approvalID,
		Summary:         summary,
		FilesChanged:    filesChanged,
		EstimatedImpact: estimatedImpact,
	})
}

// EmitHeartbeat keeps idle connections alive.
func (e *Emitter) EmitHeartbeat() {
	e.emit(domain.EventTypeHeartbeat, domain.HeartbeatPayload{Timestamp: time.Now().UnixMilli()})
}

// EmitComplete closes a successful stream.
func (e *Emitter) EmitComplete(tokensUsed, creditsConsumed int64) {
	e.emit(domain.EventTypeComplete, domain.CompletePayload{
		TokensUsed:      tokensUsed,
		CreditsConsumed: creditsConsumed,
	})
}

// EmitError closes a failed stream.
func (e *Emitter) EmitError(code, message, details string) {
	e.emit(domain.EventTypeError, domain.ErrorPayload{Code: code, Message: message, Details: details})
}

// resultText pulls the human-readable text out of a sanitized payload for
// the flat output field clients render without walking the structure.
func resultText(payload interface{}) string {
	switch v := payload.(type) {
	case string:
		return v
	case map[string]interface{}:
		for _, key := range []string{"output", "content", "error"} {
			if s, ok := v[key].(string); ok {
				return s
			}
		}
	}
	return ""
}

// Close terminates the primary channel. Safe to call once, after the final
// complete or error event.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.primary)
}
