// Package orchestrator drives the agent loop: it admits a run, reserves
// credits, iterates the model-and-tools cycle, and guarantees that every
// exit path releases credits exactly once.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pairforge/pairforge/internal/adapter/model"
	"github.com/pairforge/pairforge/internal/config"
	"github.com/pairforge/pairforge/internal/domain"
	"github.com/pairforge/pairforge/internal/ledger"
	"github.com/pairforge/pairforge/internal/metrics"
	"github.com/pairforge/pairforge/internal/registry"
	store "github.com/pairforge/pairforge/internal/repository"
	"github.com/pairforge/pairforge/internal/stream"
	"github.com/pairforge/pairforge/internal/telemetry"
	"github.com/pairforge/pairforge/internal/tools"
)

// conversationLimit bounds how much history is loaded into a run's context.
const conversationLimit = 50

var (
	// ErrRunActive is returned when the user already has a run in flight.
	ErrRunActive = errors.New("a run is already active for this user")
	// ErrRunNotFound is returned when a run id resolves to nothing.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunNotResumable is returned when a run cannot be resumed.
	ErrRunNotResumable = errors.New("run is not resumable")
)

// Orchestrator coordinates runs across users. One instance serves the whole
// process; each run gets its own goroutine and its own emitter.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.SQLiteStore
	ledger   *ledger.Ledger
	registry *registry.Registry
	gateway  *tools.Gateway
	client   model.Client
	hub      *stream.Hub
	metrics  *metrics.Metrics

	mu       sync.Mutex
	emitters map[string]*stream.Emitter
}

// New wires an orchestrator. hub and m may be nil.
func New(cfg *config.Config, st *store.SQLiteStore, lg *ledger.Ledger, reg *registry.Registry, gw *tools.Gateway, client model.Client, hub *stream.Hub, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		ledger:   lg,
		registry: reg,
		gateway:  gw,
		client:   client,
		hub:      hub,
		metrics:  m,
		emitters: make(map[string]*stream.Emitter),
	}
}

// runState is the per-run mutable state, owned by the run's goroutine.
type runState struct {
	run     *domain.AgentRun
	ctx     context.Context
	cancel  context.CancelFunc
	emitter *stream.Emitter

	tracker   *tools.MutationTracker
	tasks     *tools.TaskList
	telemetry *telemetry.State

	// priorMutations records file changes persisted before a resume; the
	// fresh tracker knows nothing about them, reconciliation still must.
	priorMutations bool

	conversation []model.Message
	userText     string
	finalText    string

	inputTokens  int64
	outputTokens int64

	timedOut atomic.Bool

	status     domain.RunStatus
	errPayload *domain.ErrorPayload
}

// StartRun admits, funds, and launches a run. It returns as soon as the run
// goroutine is started; events flow on the run's stream.
func (o *Orchestrator) StartRun(ctx context.Context, req *domain.StartRunRequest) (*domain.StartRunResponse, error) {
	if req.UserID == "" {
		return nil, errors.New("user_id is required")
	}
	if req.Message == "" {
		return nil, errors.New("message is required")
	}
	target := req.Target
	if target == "" {
		target = domain.RunTargetPlatform
	}

	runID := "run_" + uuid.New().String()[:8]
	runCtx, cancel := context.WithCancel(context.Background())

	emitter := stream.NewEmitter(runID, o.store, o.hub, o.cfg.DedupeWindow, o.cfg.DedupeMinChunk)
	emitter.ForwardThinking(req.ForwardThinking)
	if o.metrics != nil {
		emitter.Observe(func(t domain.EventType) {
			o.metrics.EventsEmitted.WithLabelValues(string(t)).Inc()
		})
	}

	rs := &runState{
		ctx:     runCtx,
		cancel:  cancel,
		emitter: emitter,
		tracker: tools.NewMutationTracker(),
		tasks:   tools.NewTaskList(),

		telemetry: &telemetry.State{},
		userText:  req.Message,
	}

	admitted := o.registry.TryAdmit(req.UserID, runID, cancel,
		emitter.EmitHeartbeat,
		func() {
			rs.timedOut.Store(true)
			cancel()
		})
	if !admitted {
		cancel()
		emitter.Close()
		return nil, ErrRunActive
	}

	intent := ClassifyIntent(req.Message)
	budget := BudgetFor(intent, o.cfg.MaxIterations)

	history, err := o.store.GetMessages(ctx, req.UserID, conversationLimit)
	if err != nil {
		o.registry.Evict(req.UserID)
		cancel()
		emitter.Close()
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	inputTokens, outputTokens := ledger.Estimate(history, req.Message)
	credits := ledger.CreditsForTokens(inputTokens + outputTokens)
	if err := o.ledger.Reserve(ctx, req.UserID, credits); err != nil {
		// The run never starts; no cleanup is owed.
		o.registry.Evict(req.UserID)
		cancel()
		emitter.Close()
		return nil, err
	}

	now := time.Now().UTC()
	run := &domain.AgentRun{
		RunID:           runID,
		UserID:          req.UserID,
		Target:          target,
		ProjectID:       req.ProjectID,
		Status:          domain.RunStatusRunning,
		Intent:          intent,
		IterationBudget: budget,
		ReservedCredits: credits,
		StartedAt:       now,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		if relErr := o.ledger.Release(ctx, req.UserID, credits, 0); relErr != nil {
			log.Printf("ERROR: failed to release credits for aborted run %s: %v", runID, relErr)
		}
		o.registry.Evict(req.UserID)
		cancel()
		emitter.Close()
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}
	rs.run = run

	userMsg := &domain.Message{
		MessageID: "msg_" + uuid.New().String()[:8],
		UserID:    req.UserID,
		RunID:     runID,
		Role:      "user",
		Content:   req.Message,
		CreatedAt: now,
	}
	if err := o.store.CreateMessage(ctx, userMsg); err != nil {
		log.Printf("WARN: failed to persist user message for run %s: %v", runID, err)
	}

	rs.conversation = buildConversation(history, req.Message)

	o.mu.Lock()
	o.emitters[runID] = emitter
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RunsStarted.Inc()
		o.metrics.ActiveRuns.Inc()
	}

	go o.run(rs)

	return &domain.StartRunResponse{
		RunID:           runID,
		Status:          string(domain.RunStatusRunning),
		IterationBudget: budget,
		ReservedCredits: credits,
	}, nil
}

// Resume re-enters the loop of a non-terminal run from its last checkpoint.
// Credits stay reserved from the original admission.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*domain.StartRunResponse, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		return nil, ErrRunNotResumable
	}

	runCtx, cancel := context.WithCancel(context.Background())
	emitter := stream.NewEmitter(runID, o.store, o.hub, o.cfg.DedupeWindow, o.cfg.DedupeMinChunk)

	rs := &runState{
		run:       run,
		ctx:       runCtx,
		cancel:    cancel,
		emitter:   emitter,
		tracker:   tools.NewMutationTracker(),
		tasks:     tools.NewTaskList(),
		telemetry: &telemetry.State{},
	}

	cp, err := o.store.GetCheckpoint(ctx, runID)
	if err != nil {
		cancel()
		emitter.Close()
		return nil, err
	}
	if cp != nil {
		run.Iterations = cp.Iteration
		if len(cp.Conversation) > 0 {
			if err := json.Unmarshal(cp.Conversation, &rs.conversation); err != nil {
				log.Printf("WARN: discarding unreadable checkpoint conversation for run %s: %v", runID, err)
			}
		}
		if len(cp.Telemetry) > 0 {
			if err := json.Unmarshal(cp.Telemetry, rs.telemetry); err != nil {
				log.Printf("WARN: discarding unreadable checkpoint telemetry for run %s: %v", runID, err)
			}
		}
	}
	for i := len(rs.conversation) - 1; i >= 0; i-- {
		if rs.conversation[i].Role == "user" && rs.conversation[i].Content != "" {
			rs.userText = rs.conversation[i].Content
			break
		}
	}

	events, err := o.store.GetEvents(ctx, runID, 0, 0)
	if err != nil {
		cancel()
		emitter.Close()
		return nil, err
	}
	for _, ev := range events {
		if ev.Type == domain.EventTypeFileChange {
			rs.priorMutations = true
			break
		}
	}

	admitted := o.registry.TryAdmit(run.UserID, runID, cancel,
		emitter.EmitHeartbeat,
		func() {
			rs.timedOut.Store(true)
			cancel()
		})
	if !admitted {
		cancel()
		emitter.Close()
		return nil, ErrRunActive
	}

	o.mu.Lock()
	o.emitters[runID] = emitter
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ActiveRuns.Inc()
	}

	go o.run(rs)

	return &domain.StartRunResponse{
		RunID:           runID,
		Status:          string(domain.RunStatusRunning),
		IterationBudget: run.IterationBudget,
		ReservedCredits: run.ReservedCredits,
	}, nil
}

// CancelRun cancels an active run. The run winds down through its cleanup
// path; this returns immediately.
func (o *Orchestrator) CancelRun(runID string) bool {
	return o.registry.CancelRun(runID)
}

// Attach returns the primary event channel for an active run, or false when
// the run has no live stream.
func (o *Orchestrator) Attach(runID string) (<-chan domain.StreamEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.emitters[runID]
	if !ok {
		return nil, false
	}
	return e.Events(), true
}

func (o *Orchestrator) removeEmitter(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.emitters, runID)
}

// buildConversation turns stored history plus the new user message into the
// model's view of the conversation. History arrives oldest-first.
func buildConversation(history []domain.Message, newMessage string) []model.Message {
	conv := make([]model.Message, 0, len(history)+1)
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		conv = append(conv, model.Message{Role: m.Role, Content: m.Content})
	}
	conv = append(conv, model.Message{Role: "user", Content: newMessage})
	return conv
}
