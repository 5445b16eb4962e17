package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairforge/pairforge/internal/adapter/model"
	"github.com/pairforge/pairforge/internal/config"
	"github.com/pairforge/pairforge/internal/domain"
	"github.com/pairforge/pairforge/internal/ledger"
	"github.com/pairforge/pairforge/internal/registry"
	store "github.com/pairforge/pairforge/internal/repository"
	"github.com/pairforge/pairforge/internal/telemetry"
	"github.com/pairforge/pairforge/internal/tools"
	"github.com/pairforge/pairforge/policy"
)

const testUser = "user-1"

type harness struct {
	orch   *Orchestrator
	store  *store.SQLiteStore
	ledger *ledger.Ledger
	mock   *model.MockClient
	cfg    *config.Config
}

func newHarness(t *testing.T, client model.Client) *harness {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	lg := ledger.New(st.DB())
	require.NoError(t, lg.TopUp(context.Background(), testUser, 1000))

	reg := registry.New(time.Hour, time.Hour)

	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg)
	gw := tools.NewGateway(toolReg, nil)

	cfg := &config.Config{
		Model:           "test-model",
		CheckpointEvery: 1,
		MaxIterations:   30,
		DedupeWindow:    80,
		DedupeMinChunk:  20,
		WorkspaceRoot:   t.TempDir(),
		ApprovalTimeout: 5 * time.Second,
	}

	mock, _ := client.(*model.MockClient)
	return &harness{
		orch:   New(cfg, st, lg, reg, gw, client, nil, nil),
		store:  st,
		ledger: lg,
		mock:   mock,
		cfg:    cfg,
	}
}

func (h *harness) waitTerminal(t *testing.T, runID string) *domain.AgentRun {
	t.Helper()
	var run *domain.AgentRun
	require.Eventually(t, func() bool {
		var err error
		run, err = h.store.GetRun(context.Background(), runID)
		if err != nil || run == nil {
			return false
		}
		return run.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond, "run never reached a terminal status")

	// Cleanup releases credits before it finalizes the run row, but give
	// the registry eviction a moment to settle as well.
	require.Eventually(t, func() bool {
		_, active := h.orch.registry.LookupRun(runID)
		return !active
	}, time.Second, 5*time.Millisecond)
	return run
}

func (h *harness) wallet(t *testing.T) *domain.CreditWallet {
	t.Helper()
	w, err := h.ledger.GetWallet(context.Background(), testUser)
	require.NoError(t, err)
	require.NotNil(t, w)
	return w
}

func grepTurn(id string) model.ScriptedTurn {
	return model.ScriptedTurn{Chunks: []*model.Chunk{
		{Text: "Looking around.\n"},
		{ToolCall: &domain.ToolCall{ID: id, Name: "grep", Input: `{"pattern":"login"}`}},
		{Done: true, InputTokens: 100, OutputTokens: 40},
	}}
}

func expectedReservation(message string) int64 {
	in, out := ledger.Estimate(nil, message)
	return ledger.CreditsForTokens(in + out)
}

func TestRunCompletesAndReleasesOnce(t *testing.T) {
	mock := model.NewMockClient(model.TextTurn(100, 50, "Hello! ", "Task complete."))
	h := newHarness(t, mock)

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	require.NoError(t, err)
	assert.Equal(t, expectedReservation("fix the login bug"), resp.ReservedCredits)
	assert.Equal(t, 10, resp.IterationBudget)

	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.Iterations)

	// Exactly one release: the full reservation comes back, the actual
	// consumption is charged once.
	actual := ledger.CreditsForTokens(150)
	w := h.wallet(t)
	assert.Equal(t, int64(0), w.ReservedCredits)
	assert.Equal(t, 1000-actual, w.AvailableCredits)

	// Completed runs leave no checkpoint behind.
	cp, err := h.store.GetCheckpoint(context.Background(), resp.RunID)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestHaltAfterFiveReadOnlyIterations(t *testing.T) {
	turns := make([]model.ScriptedTurn, 0, 8)
	for i := 0; i < 8; i++ {
		turns = append(turns, grepTurn("call_"+string(rune('a'+i))))
	}
	mock := model.NewMockClient(turns...)
	h := newHarness(t, mock)

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	require.NoError(t, err)
	require.Equal(t, 10, resp.IterationBudget)

	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	// The circuit breaker fires before the budget ceiling.
	assert.Equal(t, 5, run.Iterations)
	assert.Equal(t, 5, mock.Calls())

	w := h.wallet(t)
	assert.Equal(t, int64(0), w.ReservedCredits)
}

func TestZeroMutationFailureRaisesIncident(t *testing.T) {
	mock := model.NewMockClient(
		grepTurn("call_1"),
		model.TextTurn(50, 20, "I looked into it. Task complete."),
	)
	h := newHarness(t, mock)

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	require.NoError(t, err)

	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)

	incidents, err := h.store.ListIncidents(context.Background(), testUser, 10)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, domain.IncidentZeroMutation, incidents[0].Kind)
	assert.Equal(t, resp.RunID, incidents[0].RunID)

	// The final message admits that nothing changed.
	msgs, err := h.store.GetMessages(context.Background(), testUser, 0)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "assistant", last.Role)
	assert.Contains(t, last.Content, "did not make any changes")
}

func TestMutatingRunRaisesNoIncident(t *testing.T) {
	writeTurn := model.ScriptedTurn{Chunks: []*model.Chunk{
		{ToolCall: &domain.ToolCall{ID: "w1", Name: "write_file", Input: `{"path":"fix.go","content":"package main\n"}`}},
		{Done: true, InputTokens: 80, OutputTokens: 30},
	}}
	mock := model.NewMockClient(writeTurn, model.TextTurn(50, 20, "Task complete."))
	h := newHarness(t, mock)

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	require.NoError(t, err)

	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)

	incidents, err := h.store.ListIncidents(context.Background(), testUser, 10)
	require.NoError(t, err)
	assert.Empty(t, incidents)
}

func TestToolErrorDoesNotAbortRun(t *testing.T) {
	badToolTurn := model.ScriptedTurn{Chunks: []*model.Chunk{
		{ToolCall: &domain.ToolCall{ID: "x1", Name: "no_such_tool", Input: `{}`}},
		{Done: true, InputTokens: 60, OutputTokens: 20},
	}}
	mock := model.NewMockClient(badToolTurn, model.TextTurn(50, 20, "Task complete."))
	h := newHarness(t, mock)

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	require.NoError(t, err)

	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Iterations)

	w := h.wallet(t)
	assert.Equal(t, int64(0), w.ReservedCredits)

	// The failed call surfaced as an error tool-result event.
	events, err := h.store.GetEvents(context.Background(), resp.RunID, 0, 0)
	require.NoError(t, err)
	var sawErrorResult bool
	for _, ev := range events {
		if ev.Type != domain.EventTypeToolResult {
			continue
		}
		var p domain.ToolResultPayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		if p.IsError {
			sawErrorResult = true
		}
	}
	assert.True(t, sawErrorResult)
}

func TestAdmissionRejectsSecondRun(t *testing.T) {
	blocking := newBlockingClient()
	h := newHarness(t, blocking)

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	require.NoError(t, err)

	_, err = h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix it again",
	})
	assert.ErrorIs(t, err, ErrRunActive)

	require.True(t, h.orch.CancelRun(resp.RunID))
	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusInterrupted, run.Status)

	// After eviction the user can start again.
	mock := model.NewMockClient(model.TextTurn(10, 10, "Task complete."))
	h.orch.client = mock
	resp2, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "thanks",
	})
	require.NoError(t, err)
	h.waitTerminal(t, resp2.RunID)
}

func TestInsufficientCreditsNeverStartsRun(t *testing.T) {
	mock := model.NewMockClient()
	h := newHarness(t, mock)

	// Drain the wallet below any plausible reservation.
	require.NoError(t, h.ledger.Reserve(context.Background(), testUser, 995))

	_, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
	assert.Equal(t, 0, mock.Calls())

	// The user holds no registry slot afterwards.
	_, active := h.orch.registry.Lookup(testUser)
	assert.False(t, active)
}

func TestCancelReleasesExactlyOnce(t *testing.T) {
	blocking := newBlockingClient()
	h := newHarness(t, blocking)

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	require.NoError(t, err)

	require.True(t, h.orch.CancelRun(resp.RunID))
	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusInterrupted, run.Status)

	// No tokens were consumed, so the full reservation comes back.
	w := h.wallet(t)
	assert.Equal(t, int64(0), w.ReservedCredits)
	assert.Equal(t, int64(1000), w.AvailableCredits)

	// A friendly message was persisted before the stream ended.
	msgs, err := h.store.GetMessages(context.Background(), testUser, 0)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, "assistant", last.Role)
	assert.Contains(t, last.Content, "cancelled")
}

func TestStreamTimeoutFailsRun(t *testing.T) {
	blocking := newBlockingClient()
	h := newHarness(t, blocking)
	h.orch.registry = registry.New(time.Hour, 30*time.Millisecond)

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	require.NoError(t, err)

	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusFailed, run.Status)

	var p domain.ErrorPayload
	require.NoError(t, json.Unmarshal(run.Error, &p))
	assert.Equal(t, "stream_timeout", p.Code)

	w := h.wallet(t)
	assert.Equal(t, int64(0), w.ReservedCredits)
	assert.Equal(t, int64(1000), w.AvailableCredits)
}

func TestStuckDetectionAfterTwoIdleIterations(t *testing.T) {
	mock := model.NewMockClient(
		model.TextTurn(30, 10, "Hmm, let me think."),
		model.TextTurn(30, 10, "Still thinking."),
		model.TextTurn(30, 10, "More thinking."),
	)
	h := newHarness(t, mock)

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	require.NoError(t, err)

	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 2, run.Iterations)
	assert.Equal(t, 2, mock.Calls())
}

func TestCompletionBlockedByInProgressTask(t *testing.T) {
	openTask := model.ScriptedTurn{Chunks: []*model.Chunk{
		{ToolCall: &domain.ToolCall{ID: "t1", Name: "update_task", Input: `{"id":"task-1","title":"wire handler","status":"in_progress"}`}},
		{Text: "Task complete."},
		{Done: true, InputTokens: 40, OutputTokens: 10},
	}}
	closeTask := model.ScriptedTurn{Chunks: []*model.Chunk{
		{ToolCall: &domain.ToolCall{ID: "t2", Name: "update_task", Input: `{"id":"task-1","status":"completed"}`}},
		{Text: "Task complete."},
		{Done: true, InputTokens: 40, OutputTokens: 10},
	}}
	mock := model.NewMockClient(openTask, closeTask)
	h := newHarness(t, mock)

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	require.NoError(t, err)

	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	// The first completion phrase did not end the run: a task was open.
	assert.Equal(t, 2, run.Iterations)
}

func TestCasualIntentGetsSingleIteration(t *testing.T) {
	mock := model.NewMockClient(model.TextTurn(10, 5, "Hello to you too."))
	h := newHarness(t, mock)

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "hello there",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.IterationBudget)

	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, mock.Calls())
}

func TestDeleteWaitsForApproval(t *testing.T) {
	deleteTurn := model.ScriptedTurn{Chunks: []*model.Chunk{
		{ToolCall: &domain.ToolCall{ID: "d1", Name: "delete_file", Input: `{"path":"stale.txt"}`}},
		{Done: true, InputTokens: 60, OutputTokens: 20},
	}}
	mock := model.NewMockClient(deleteTurn, model.TextTurn(40, 10, "Task complete."))
	h := newHarness(t, mock)

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg)
	h.orch.gateway = tools.NewGateway(toolReg, engine)

	target := filepath.Join(h.cfg.WorkspaceRoot, "stale.txt")
	require.NoError(t, os.WriteFile(target, []byte("old"), 0o644))

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	require.NoError(t, err)

	// The run parks on the pending approval; find it on the event log and
	// approve it as the user would.
	approvalID, payload := awaitApprovalRequest(t, h, resp.RunID)
	assert.Equal(t, "deletes 1 file(s)", payload.EstimatedImpact)
	assert.Equal(t, []string{"stale.txt"}, payload.FilesChanged)

	updated, err := h.store.DecideApproval(context.Background(), approvalID, domain.ApprovalStatusApproved, testUser, "go ahead")
	require.NoError(t, err)
	require.True(t, updated)

	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)

	// The approved delete actually ran.
	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))

	// A real mutation happened, so no zero-mutation incident.
	incidents, err := h.store.ListIncidents(context.Background(), testUser, 10)
	require.NoError(t, err)
	assert.Empty(t, incidents)
}

// awaitApprovalRequest polls the event log until the run announces a pending
// approval, returning its id and payload.
func awaitApprovalRequest(t *testing.T, h *harness, runID string) (string, domain.ApprovalRequiredPayload) {
	t.Helper()
	var payload domain.ApprovalRequiredPayload
	require.Eventually(t, func() bool {
		events, err := h.store.GetEvents(context.Background(), runID, 0, 0)
		if err != nil {
			return false
		}
		for _, ev := range events {
			if ev.Type != domain.EventTypeApprovalRequired {
				continue
			}
			var p domain.ApprovalRequiredPayload
			if json.Unmarshal(ev.Payload, &p) == nil && p.ApprovalID != "" {
				payload = p
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "approval request never reached the stream")
	return payload.ApprovalID, payload
}

func TestCancelExpiresPendingApproval(t *testing.T) {
	deleteTurn := model.ScriptedTurn{Chunks: []*model.Chunk{
		{ToolCall: &domain.ToolCall{ID: "d1", Name: "delete_file", Input: `{"path":"stale.txt"}`}},
		{Done: true, InputTokens: 60, OutputTokens: 20},
	}}
	mock := model.NewMockClient(deleteTurn, model.TextTurn(40, 10, "Task complete."))
	h := newHarness(t, mock)

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	toolReg := tools.NewRegistry()
	tools.RegisterBuiltins(toolReg)
	h.orch.gateway = tools.NewGateway(toolReg, engine)

	resp, err := h.orch.StartRun(context.Background(), &domain.StartRunRequest{
		UserID:  testUser,
		Message: "fix the login bug",
	})
	require.NoError(t, err)

	approvalID, _ := awaitApprovalRequest(t, h, resp.RunID)

	require.True(t, h.orch.CancelRun(resp.RunID))
	run := h.waitTerminal(t, resp.RunID)
	assert.Equal(t, domain.RunStatusInterrupted, run.Status)

	// The pending row did not outlive the run.
	ap, err := h.store.GetApproval(context.Background(), approvalID)
	require.NoError(t, err)
	require.NotNil(t, ap)
	assert.Equal(t, domain.ApprovalStatusExpired, ap.Status)
}

func TestResumeKeepsMutationEvidence(t *testing.T) {
	mock := model.NewMockClient(model.TextTurn(40, 10, "Task complete."))
	h := newHarness(t, mock)
	ctx := context.Background()

	// A run that mutated the workspace, then crashed mid-flight.
	run := &domain.AgentRun{
		RunID:           "run_resume01",
		UserID:          testUser,
		Target:          domain.RunTargetPlatform,
		Status:          domain.RunStatusRunning,
		Intent:          domain.IntentFix,
		IterationBudget: 10,
		ReservedCredits: 16,
		StartedAt:       time.Now(),
	}
	require.NoError(t, h.store.CreateRun(ctx, run))
	require.NoError(t, h.ledger.Reserve(ctx, testUser, 16))

	change, err := json.Marshal(domain.FileChangePayload{Path: "fix.go", Operation: "create"})
	require.NoError(t, err)
	require.NoError(t, h.store.CreateEvent(ctx, &domain.StreamEvent{
		EventID: "evt_fc1",
		RunID:   run.RunID,
		Ts:      1,
		Type:    domain.EventTypeFileChange,
		Payload: change,
	}))

	conv, err := json.Marshal([]model.Message{{Role: "user", Content: "fix the login bug"}})
	require.NoError(t, err)
	tel, err := json.Marshal(&telemetry.State{MutatingOps: 1, HasProducedFixes: true})
	require.NoError(t, err)
	require.NoError(t, h.store.SaveCheckpoint(ctx, &domain.Checkpoint{
		RunID:        run.RunID,
		Iteration:    2,
		Conversation: conv,
		Telemetry:    tel,
		SavedAtMs:    time.Now().UnixMilli(),
	}))

	resp, err := h.orch.Resume(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, run.RunID, resp.RunID)

	got := h.waitTerminal(t, run.RunID)
	assert.Equal(t, domain.RunStatusCompleted, got.Status)

	// The pre-crash mutation still counts: no zero-mutation incident even
	// though the fresh tracker saw nothing.
	incidents, err := h.store.ListIncidents(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Empty(t, incidents)
}

// blockingClient parks until the run context is cancelled.
type blockingClient struct{}

func newBlockingClient() *blockingClient { return &blockingClient{} }

func (b *blockingClient) Stream(ctx context.Context, req *model.Request) (<-chan *model.Chunk, error) {
	chunks := make(chan *model.Chunk)
	go func() {
		defer close(chunks)
		<-ctx.Done()
		chunks <- &model.Chunk{Err: ctx.Err()}
	}()
	return chunks, nil
}
