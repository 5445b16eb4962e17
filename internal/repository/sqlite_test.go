package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pairforge/pairforge/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := &domain.AgentRun{
		RunID:           "run_1",
		UserID:          "u1",
		Target:          domain.RunTargetProject,
		ProjectID:       "p1",
		Status:          domain.RunStatusPending,
		Intent:          domain.IntentFix,
		IterationBudget: 10,
		ReservedCredits: 40,
		StartedAt:       time.Now(),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := s.UpdateRunStatus(ctx, "run_1", domain.RunStatusRunning); err != nil {
		t.Fatalf("UpdateRunStatus failed: %v", err)
	}
	if err := s.UpdateRunIteration(ctx, "run_1", 3); err != nil {
		t.Fatalf("UpdateRunIteration failed: %v", err)
	}

	got, err := s.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil || got.Status != domain.RunStatusRunning || got.Iterations != 3 {
		t.Fatalf("unexpected run: %+v", got)
	}
	if got.Intent != domain.IntentFix || got.ReservedCredits != 40 {
		t.Fatalf("unexpected run fields: %+v", got)
	}

	errPayload := json.RawMessage(`{"code":"stream_timeout"}`)
	if err := s.UpdateRunCompleted(ctx, "run_1", domain.RunStatusFailed, errPayload); err != nil {
		t.Fatalf("UpdateRunCompleted failed: %v", err)
	}
	got, err = s.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusFailed || got.EndedAt == nil || got.Error == nil {
		t.Fatalf("run not terminal: %+v", got)
	}

	missing, err := s.GetRun(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing run, got %+v, %v", missing, err)
	}
}

func TestSQLiteStoreMessagesAndProgress(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := &domain.AgentRun{RunID: "run_1", UserID: "u1", Target: domain.RunTargetPlatform, Status: domain.RunStatusRunning, StartedAt: time.Now()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	msg := &domain.Message{MessageID: "m1", UserID: "u1", RunID: "run_1", Role: "user", Content: "fix the login bug", CreatedAt: time.Now()}
	if err := s.CreateMessage(ctx, msg); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	messages, err := s.GetMessages(ctx, "u1", 50)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "fix the login bug" {
		t.Fatalf("unexpected messages: %+v", messages)
	}

	entry := &domain.ProgressEntry{EntryID: "pe1", RunID: "run_1", Message: "Reading auth.go", Category: domain.ProgressAction, CreatedAt: time.Now()}
	if err := s.CreateProgress(ctx, entry); err != nil {
		t.Fatalf("CreateProgress failed: %v", err)
	}
	entries, err := s.GetProgress(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetProgress failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Category != domain.ProgressAction {
		t.Fatalf("unexpected progress: %+v", entries)
	}
}

func TestGetMessagesKeepsNewestTail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 60; i++ {
		msg := &domain.Message{
			MessageID: fmt.Sprintf("m%d", i),
			UserID:    "u1",
			Role:      "user",
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
	}

	messages, err := s.GetMessages(ctx, "u1", 50)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(messages) != 50 {
		t.Fatalf("expected 50 messages, got %d", len(messages))
	}
	// The oldest 10 fall off, not the newest.
	if messages[0].Content != "message 10" {
		t.Fatalf("expected tail to start at message 10, got %q", messages[0].Content)
	}
	if messages[49].Content != "message 59" {
		t.Fatalf("expected tail to end at message 59, got %q", messages[49].Content)
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].CreatedAt.Before(messages[i-1].CreatedAt) {
			t.Fatalf("messages out of order at index %d", i)
		}
	}
}

func TestSQLiteStoreEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := &domain.AgentRun{RunID: "run_1", UserID: "u1", Target: domain.RunTargetPlatform, Status: domain.RunStatusRunning, StartedAt: time.Now()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	for i, et := range []domain.EventType{domain.EventTypeRunPhase, domain.EventTypeContent, domain.EventTypeComplete} {
		ev := &domain.StreamEvent{
			EventID: "evt_" + string(rune('a'+i)),
			RunID:   "run_1",
			Ts:      int64(1000 + i),
			Type:    et,
			Payload: json.RawMessage(`{}`),
		}
		if err := s.CreateEvent(ctx, ev); err != nil {
			t.Fatalf("CreateEvent failed: %v", err)
		}
	}

	events, err := s.GetEvents(ctx, "run_1", 0, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 3 || events[0].Type != domain.EventTypeRunPhase {
		t.Fatalf("unexpected events: %+v", events)
	}

	tail, err := s.GetEvents(ctx, "run_1", 1000, 0)
	if err != nil {
		t.Fatalf("GetEvents after ts failed: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 events after ts 1000, got %d", len(tail))
	}
}

func TestSQLiteStoreApprovals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := &domain.AgentRun{RunID: "run_1", UserID: "u1", Target: domain.RunTargetPlatform, Status: domain.RunStatusRunning, StartedAt: time.Now()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	ap := &domain.Approval{
		ApprovalID: "ap_1",
		RunID:      "run_1",
		ToolName:   "delete_file",
		Args:       json.RawMessage(`{"path":"main.go"}`),
		Status:     domain.ApprovalStatusPending,
	}
	if err := s.CreateApproval(ctx, ap); err != nil {
		t.Fatalf("CreateApproval failed: %v", err)
	}

	decided, err := s.DecideApproval(ctx, "ap_1", domain.ApprovalStatusApproved, "u1", "looks fine")
	if err != nil || !decided {
		t.Fatalf("DecideApproval failed: decided=%v err=%v", decided, err)
	}

	// Second decision is a no-op.
	decided, err = s.DecideApproval(ctx, "ap_1", domain.ApprovalStatusRejected, "u1", "")
	if err != nil {
		t.Fatalf("DecideApproval failed: %v", err)
	}
	if decided {
		t.Fatal("expected already-decided approval to be immutable")
	}

	got, err := s.GetApproval(ctx, "ap_1")
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if got.Status != domain.ApprovalStatusApproved || got.DecidedBy != "u1" {
		t.Fatalf("unexpected approval: %+v", got)
	}
}

func TestSQLiteStoreCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	run := &domain.AgentRun{RunID: "run_1", UserID: "u1", Target: domain.RunTargetPlatform, Status: domain.RunStatusRunning, StartedAt: time.Now()}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	cp := &domain.Checkpoint{
		RunID:        "run_1",
		Iteration:    4,
		Conversation: json.RawMessage(`[{"role":"user","content":"hi"}]`),
		Telemetry:    json.RawMessage(`{"read_only_streak":2}`),
		SavedAtMs:    time.Now().UnixMilli(),
	}
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	// Upsert overwrites.
	cp.Iteration = 5
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint upsert failed: %v", err)
	}

	got, err := s.GetCheckpoint(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if got == nil || got.Iteration != 5 {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}

	if err := s.DeleteCheckpoint(ctx, "run_1"); err != nil {
		t.Fatalf("DeleteCheckpoint failed: %v", err)
	}
	got, err = s.GetCheckpoint(ctx, "run_1")
	if err != nil || got != nil {
		t.Fatalf("expected checkpoint gone, got %+v, %v", got, err)
	}
}
