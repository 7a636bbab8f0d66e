// Package engine implements the Conversation Engine (C8): the
// per-session state machine IDLE -> RECEIVING -> PLANNING ->
// AWAIT_APPROVAL? -> EXECUTING -> RECORDING -> IDLE. It generalizes the
// agent's single in-flight-request-per-conversation discipline
// (internal/agent/loop.go's Run) into an explicit state machine with an
// approval gate, keeping one actor goroutine per session so messages
// for the same session are always processed in arrival order while
// messages for different sessions run concurrently.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brackwood/nexus/internal/action"
	"github.com/brackwood/nexus/internal/contextstore"
	"github.com/brackwood/nexus/internal/errs"
	"github.com/brackwood/nexus/internal/events"
	"github.com/brackwood/nexus/internal/orchestrator"
	"github.com/brackwood/nexus/internal/planner"
)

// ExecutingTimeout is the hard wall-clock limit applied to the
// EXECUTING state; exceeding it cancels remaining actions (spec §4.8).
const ExecutingTimeout = 120 * time.Second

// State is one node of the per-(session,message) state machine.
type State string

const (
	StateIdle           State = "idle"
	StateReceiving       State = "receiving"
	StatePlanning        State = "planning"
	StateAwaitApproval   State = "await_approval"
	StateExecuting       State = "executing"
	StateCancelled       State = "cancelled"
	StateRecording       State = "recording"
)

// Result is what Submit/Approve return to the caller at the point
// control returns to them — either a fully completed turn, or an
// AWAIT_APPROVAL checkpoint if the plan needs confirmation before the
// engine may proceed.
type Result struct {
	SessionID   string
	State       State
	Explanation string
	Plan        action.Plan
	Results     []action.Result
}

// Planner is the subset of *planner.Planner the engine depends on.
type Planner interface {
	Plan(ctx context.Context, userInput string, cctx *contextstore.Context) (action.Plan, error)
}

// Orchestrator is the subset of *orchestrator.Orchestrator the engine
// depends on.
type Orchestrator interface {
	Execute(ctx context.Context, reserved orchestrator.ReservedVars, cctx *contextstore.Context, plan action.Plan) ([]action.Result, error)
	ExecuteApproved(ctx context.Context, reserved orchestrator.ReservedVars, cctx *contextstore.Context, plan action.Plan) ([]action.Result, error)
}

// Engine is the Conversation Engine (C8).
type Engine struct {
	planner  Planner
	orch     Orchestrator
	ctxStore *contextstore.Store
	events   *events.Bus
	reserved orchestrator.ReservedVars
	logger   *slog.Logger

	rootCtx    context.Context
	cancelRoot func()

	mu     sync.Mutex
	actors map[string]*sessionActor
}

// Config configures an Engine.
type Config struct {
	Planner      Planner
	Orchestrator Orchestrator
	ContextStore *contextstore.Store
	Events       *events.Bus
	Reserved     orchestrator.ReservedVars
	Logger       *slog.Logger
}

// New builds an Engine from Config.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		planner:    cfg.Planner,
		orch:       cfg.Orchestrator,
		ctxStore:   cfg.ContextStore,
		events:     cfg.Events,
		reserved:   cfg.Reserved,
		logger:     logger.With("component", "engine"),
		rootCtx:    rootCtx,
		cancelRoot: cancel,
		actors:     make(map[string]*sessionActor),
	}
}

// Close halts any in-flight EXECUTING work across all sessions. It does
// not wait for actor goroutines to drain; callers that need a clean
// shutdown should stop submitting new messages first.
func (e *Engine) Close() {
	e.cancelRoot()
}

type msgReq struct {
	ctx   context.Context
	input string
	done  chan Result
}

type sessionActor struct {
	msgs     chan msgReq
	approval chan bool
}

func (e *Engine) actorFor(sessionID string) *sessionActor {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.actors[sessionID]
	if !ok {
		a = &sessionActor{msgs: make(chan msgReq, 32), approval: make(chan bool)}
		e.actors[sessionID] = a
		go e.run(sessionID, a)
	}
	return a
}

func (e *Engine) run(sessionID string, a *sessionActor) {
	for req := range a.msgs {
		e.process(req.ctx, sessionID, a, req.input, req.done)
	}
}

// Submit enqueues a user message for sessionID and waits for the
// engine's first checkpoint: either the completed turn (no approval
// needed) or an AWAIT_APPROVAL result the caller must resolve with
// Approve. Messages for the same session are processed strictly in
// arrival order; messages for different sessions run concurrently.
func (e *Engine) Submit(ctx context.Context, sessionID, input string) (Result, error) {
	a := e.actorFor(sessionID)
	done := make(chan Result, 1)
	select {
	case a.msgs <- msgReq{ctx: ctx, input: input, done: done}:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-done:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Approve resolves a pending AWAIT_APPROVAL checkpoint for sessionID.
// It returns ApprovalRequired-kind error if no plan is currently
// awaiting approval for that session (either none was ever issued, or
// it was already resolved).
func (e *Engine) Approve(sessionID string, approved bool) error {
	e.mu.Lock()
	a, ok := e.actors[sessionID]
	e.mu.Unlock()
	if !ok {
		return errs.New(errs.ApprovalRequired, "no session %s is awaiting approval", sessionID)
	}
	select {
	case a.approval <- approved:
		return nil
	default:
		return errs.New(errs.ApprovalRequired, "no plan is awaiting approval for session %s", sessionID)
	}
}

func (e *Engine) process(ctx context.Context, sessionID string, a *sessionActor, input string, done chan<- Result) {
	cctx, err := e.ctxStore.Load(sessionID)
	if err != nil {
		e.logger.Error("load context failed", "session_id", sessionID, "error", err)
		cctx = contextstore.NewContext()
	}

	// RECEIVING
	cctx.AppendTurn("user", input)
	e.publish(events.KindMessageReceived, sessionID, map[string]any{"content_len": len(input)})

	// PLANNING
	plan, planErr := e.planner.Plan(ctx, input, cctx)
	if planErr != nil {
		e.logger.Warn("planning failed, degrading to chat", "session_id", sessionID, "error", planErr)
		plan = planner.ChatFallback(input)
	}
	if plan.Explanation != "" {
		cctx.AppendTurn("assistant", plan.Explanation)
	}
	e.publish(events.KindPlanReady, sessionID, map[string]any{
		"actions":        len(plan.Actions),
		"needs_approval": plan.NeedsApproval(),
	})

	if !plan.NeedsApproval() {
		e.runExecuting(ctx, sessionID, cctx, plan, false)
		e.record(sessionID, cctx)
		done <- Result{SessionID: sessionID, State: StateRecording, Explanation: plan.Explanation, Plan: plan, Results: toResults(cctx)}
		return
	}

	// AWAIT_APPROVAL: return the checkpoint now; the rest of this turn
	// continues in the background against the engine's own lifecycle
	// context, since the caller's ctx ends when Submit returns.
	_ = e.ctxStore.Save(sessionID, cctx)
	done <- Result{SessionID: sessionID, State: StateAwaitApproval, Explanation: plan.Explanation, Plan: plan}

	select {
	case approved := <-a.approval:
		if approved {
			e.publish(events.KindApprovalGranted, sessionID, nil)
			e.runExecuting(e.rootCtx, sessionID, cctx, plan, true)
		} else {
			e.publish(events.KindApprovalRejected, sessionID, nil)
			e.markCancelled(cctx, plan, "user rejected approval")
		}
	case <-e.rootCtx.Done():
		e.markCancelled(cctx, plan, "engine shutting down")
	}
	e.record(sessionID, cctx)
}

func (e *Engine) runExecuting(ctx context.Context, sessionID string, cctx *contextstore.Context, plan action.Plan, approved bool) {
	execCtx, cancel := context.WithTimeout(ctx, ExecutingTimeout)
	defer cancel()

	var err error
	if approved {
		_, err = e.orch.ExecuteApproved(execCtx, e.reserved, cctx, plan)
	} else {
		_, err = e.orch.Execute(execCtx, e.reserved, cctx, plan)
	}
	if err != nil {
		e.logger.Warn("execution failed", "session_id", sessionID, "error", err)
	}
}

// markCancelled records every pending action as cancelled and appends
// an assistant Turn noting why (spec §8 scenario 6: "Context records a
// user Turn for the input and an assistant Turn noting the
// cancellation").
func (e *Engine) markCancelled(cctx *contextstore.Context, plan action.Plan, reason string) {
	for _, a := range plan.Actions {
		cctx.RecordResult(contextstore.ActionResult{ActionID: a.ID, Status: string(action.StatusCancelled), Error: reason})
	}
	cctx.AppendTurn("assistant", fmt.Sprintf("cancelled: %s", reason))
}

func (e *Engine) record(sessionID string, cctx *contextstore.Context) {
	if err := e.ctxStore.Save(sessionID, cctx); err != nil {
		e.logger.Error("save context failed", "session_id", sessionID, "error", err)
	}
	e.publish(events.KindTurnRecorded, sessionID, nil)
}

func (e *Engine) publish(kind, sessionID string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["session_id"] = sessionID
	e.events.Publish(events.Event{Source: events.SourceConversation, Kind: kind, Data: data})
}

func toResults(cctx *contextstore.Context) []action.Result {
	out := make([]action.Result, 0, len(cctx.Results))
	for _, r := range cctx.Results {
		out = append(out, action.Result{
			ActionID:   r.ActionID,
			Status:     action.Status(r.Status),
			Outputs:    r.Outputs,
			Error:      r.Error,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
		})
	}
	return out
}
