// Package orchestrator implements the Action Orchestrator (C5): given a
// Plan, it substitutes placeholders, dispatches each Action over the
// Bus Client (or runs it locally for image_save/web_search/command_execute), records
// the ActionResult, and merges standardized outputs into the session's
// Context. This generalizes the agent's tool-call loop (call tool,
// record the result, fold the output back into conversation state, see
// internal/agent/loop.go) from a single flat tool call to a
// dependency-ordered action plan.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brackwood/nexus/internal/action"
	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/contextstore"
	"github.com/brackwood/nexus/internal/errs"
	"github.com/brackwood/nexus/internal/events"
	"github.com/brackwood/nexus/internal/paths"
)

// RequestTimeout is the default per-action bus request timeout.
const RequestTimeout = 60 * time.Second

// StreamIdleTimeout bounds how long a Stream-backed action (image
// generation) may go without a progress chunk before it's treated as
// stalled.
const StreamIdleTimeout = 90 * time.Second

// SearchProvider is the built-in HTTP search backend for the
// web_search action kind (spec §4.5: "built-in HTTP to a search
// provider", not a Service Host).
type SearchProvider interface {
	Search(ctx context.Context, query string, k int) ([]SearchResult, error)
}

// SearchResult is one web_search hit, also the shape stored in
// Context.Variables for "open link N" resolution (spec §4.7).
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// ReservedVars is the third and final placeholder-resolution tier
// (spec §4.5 step 1: "{working_directory}", "{user}", "{host}").
type ReservedVars struct {
	WorkingDirectory string
	User             string
	Host             string
}

func (r ReservedVars) lookup(name string) (string, bool) {
	switch name {
	case "working_directory":
		return r.WorkingDirectory, true
	case "user":
		return r.User, true
	case "host":
		return r.Host, true
	default:
		return "", false
	}
}

// Orchestrator is the Action Orchestrator (C5).
type Orchestrator struct {
	bus      *bus.Bus
	expander *paths.Expander
	search   SearchProvider
	shell    *shellExec
	events   *events.Bus
	logger   *slog.Logger
}

// Config configures an Orchestrator.
type Config struct {
	Bus      *bus.Bus
	Expander *paths.Expander
	Search   SearchProvider
	Shell    ShellConfig
	Events   *events.Bus
	Logger   *slog.Logger
}

// New builds an Orchestrator from Config.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expander := cfg.Expander
	if expander == nil {
		expander = paths.DefaultExpander()
	}
	return &Orchestrator{
		bus:      cfg.Bus,
		expander: expander,
		search:   cfg.Search,
		shell:    newShellExec(cfg.Shell),
		events:   cfg.Events,
		logger:   logger.With("component", "orchestrator"),
	}
}

// priorOutputs accumulates each executed action's raw Outputs, keyed by
// action id, so later actions in the same plan can reference them via
// depends_on before they're folded into Context.Variables under their
// standardized names.
type priorOutputs map[string]map[string]any

// Execute runs plan sequentially against cctx, obeying depends_on for
// failure propagation. If plan.NeedsApproval() is true, Execute returns
// an ApprovalRequired error without executing a single action; approved
// plans go through ExecuteApproved instead (spec §4.5: "MUST NOT execute any
// needs_approval action until the Conversation Engine confirms
// approval"). Execute mutates cctx.Variables/Results/CreatedFiles in
// place and returns the per-action results in plan order. ctx
// cancellation (deadline or explicit cancel) halts all remaining
// actions, including ones with no dependency on the in-flight action —
// this is the spec's "pending actions are marked cancelled" rule,
// distinct from failure propagation which only halts dependents.
func (o *Orchestrator) Execute(ctx context.Context, reserved ReservedVars, cctx *contextstore.Context, plan action.Plan) ([]action.Result, error) {
	if plan.NeedsApproval() {
		return nil, errs.New(errs.ApprovalRequired, "plan contains an action requiring approval")
	}
	return o.execute(ctx, reserved, cctx, plan)
}

// ExecuteApproved is Execute's counterpart for plans the Conversation
// Engine has already gated through AWAIT_APPROVAL; it skips the
// refusal check that Execute applies.
func (o *Orchestrator) ExecuteApproved(ctx context.Context, reserved ReservedVars, cctx *contextstore.Context, plan action.Plan) ([]action.Result, error) {
	return o.execute(ctx, reserved, cctx, plan)
}

func (o *Orchestrator) execute(ctx context.Context, reserved ReservedVars, cctx *contextstore.Context, plan action.Plan) ([]action.Result, error) {
	outputs := make(priorOutputs, len(plan.Actions))
	failed := make(map[string]bool)
	results := make([]action.Result, 0, len(plan.Actions))
	cancelledFromHere := false

	for _, a := range plan.Actions {
		if cancelledFromHere {
			results = append(results, o.cancelledResult(a))
			continue
		}
		if dependsOnFailed(a, failed) {
			failed[a.ID] = true
			results = append(results, action.Result{
				ActionID:   a.ID,
				Status:     action.StatusFailed,
				Error:      "upstream dependency failed",
				StartedAt:  time.Now(),
				FinishedAt: time.Now(),
			})
			continue
		}

		select {
		case <-ctx.Done():
			cancelledFromHere = true
			results = append(results, o.cancelledResult(a))
			continue
		default:
		}

		o.publish(events.KindActionStart, map[string]any{"action_id": a.ID, "kind": string(a.Kind)})
		resolved, rerr := o.resolveParameters(a, outputs, cctx, reserved)
		var result action.Result
		if rerr != nil {
			result = action.Result{
				ActionID:   a.ID,
				Status:     action.StatusFailed,
				Error:      rerr.Error(),
				StartedAt:  time.Now(),
				FinishedAt: time.Now(),
			}
		} else {
			result = o.dispatch(ctx, a, resolved)
		}
		o.publish(events.KindActionDone, map[string]any{"action_id": a.ID, "kind": string(a.Kind), "status": string(result.Status)})

		switch result.Status {
		case action.StatusCancelled:
			cancelledFromHere = true
		case action.StatusFailed:
			failed[a.ID] = true
		default:
			outputs[a.ID] = result.Outputs
			mergeStandardOutputs(cctx, a.Kind, result.Outputs)
		}
		cctx.RecordResult(toContextResult(result))
		results = append(results, result)
	}

	return results, nil
}

func (o *Orchestrator) cancelledResult(a action.Action) action.Result {
	now := time.Now()
	return action.Result{ActionID: a.ID, Status: action.StatusCancelled, Error: "cancelled", StartedAt: now, FinishedAt: now}
}

func dependsOnFailed(a action.Action, failed map[string]bool) bool {
	for _, d := range a.DependsOn {
		if failed[d] {
			return true
		}
	}
	return false
}

// resolveParameters substitutes every placeholder in a.Parameters's
// string-valued entries. Non-string values, slices included,
// pass through unchanged: the spec's placeholder grammar only ever
// appears inside string parameters.
func (o *Orchestrator) resolveParameters(a action.Action, outputs priorOutputs, cctx *contextstore.Context, reserved ReservedVars) (map[string]any, error) {
	lookup := func(name string) (string, bool) {
		for _, depID := range a.DependsOn {
			if out, ok := outputs[depID]; ok {
				if v, ok := out[name]; ok {
					return fmt.Sprint(v), true
				}
			}
		}
		if v, ok := cctx.Variables[name]; ok {
			return v, true
		}
		return reserved.lookup(name)
	}

	resolved := make(map[string]any, len(a.Parameters))
	for k, v := range a.Parameters {
		s, ok := v.(string)
		if !ok || !containsPlaceholder(s) {
			resolved[k] = v
			continue
		}
		out, missing, ok := substitute(s, lookup)
		if !ok {
			return nil, errs.New(errs.UnboundPlaceholder, "parameter %q references unresolved placeholder {%s}", k, missing)
		}
		resolved[k] = out
	}
	return resolved, nil
}

func toContextResult(r action.Result) contextstore.ActionResult {
	return contextstore.ActionResult{
		ActionID:   r.ActionID,
		Status:     string(r.Status),
		Outputs:    r.Outputs,
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

func (o *Orchestrator) publish(kind string, data map[string]any) {
	o.events.Publish(events.Event{Source: events.SourceOrchestrator, Kind: kind, Data: data})
}

// dispatch routes a single resolved Action to its kind-specific
// handler and wraps the outcome as an action.Result with timing.
func (o *Orchestrator) dispatch(ctx context.Context, a action.Action, params map[string]any) action.Result {
	started := time.Now()
	outputs, err := o.runKind(ctx, a.Kind, params)
	finished := time.Now()

	if err != nil {
		status := action.StatusFailed
		if errors.Is(ctx.Err(), context.Canceled) || errs.KindOf(err) == errs.Cancelled {
			status = action.StatusCancelled
		}
		o.logger.Warn("action failed", "action_id", a.ID, "kind", a.Kind, "error", err)
		return action.Result{ActionID: a.ID, Status: status, Error: err.Error(), StartedAt: started, FinishedAt: finished}
	}
	return action.Result{ActionID: a.ID, Status: action.StatusOK, Outputs: outputs, StartedAt: started, FinishedAt: finished}
}

func (o *Orchestrator) runKind(ctx context.Context, kind action.Kind, params map[string]any) (map[string]any, error) {
	switch kind {
	case action.KindLLMGenerate:
		return o.runLLMGenerate(ctx, params)
	case action.KindImageGenerate:
		return o.runImageGenerate(ctx, params)
	case action.KindImageSave:
		return o.runImageSave(ctx, params)
	case action.KindOCRCapture:
		return o.runOCRCapture(ctx, params)
	case action.KindDocumentQuery:
		return o.runDocumentQuery(ctx, params)
	case action.KindWebSearch:
		return o.runWebSearch(ctx, params)
	case action.KindFileCreate:
		return o.runFileCreate(ctx, params)
	case action.KindFileWrite:
		return o.runFileWrite(ctx, params)
	case action.KindFileRead:
		return o.runFileRead(ctx, params)
	case action.KindFileMove:
		return o.runFileMove(ctx, params)
	case action.KindFileDelete:
		return o.runFileDelete(ctx, params)
	case action.KindCommandExecute:
		return o.runCommandExecute(ctx, params)
	default:
		return nil, errs.New(errs.InvalidInput, "unrecognized action kind %q", kind)
	}
}

// mergeStandardOutputs folds an action's outputs into Context.Variables
// under the standardized names from spec §4.5's contract table.
// file_read is deliberately excluded: its "content" output is ephemeral
// and exists only for same-plan placeholder chaining.
func mergeStandardOutputs(cctx *contextstore.Context, kind action.Kind, outputs map[string]any) {
	str := func(key string) string {
		if v, ok := outputs[key]; ok {
			return fmt.Sprint(v)
		}
		return ""
	}

	switch kind {
	case action.KindLLMGenerate:
		cctx.SetVariable("last_generated_text", str("text"))
	case action.KindImageGenerate:
		cctx.SetVariable("last_generated_image", str("path"))
	case action.KindImageSave:
		cctx.SetVariable("last_saved_image", str("path"))
	case action.KindOCRCapture:
		cctx.SetVariable("last_ocr_text", str("text"))
	case action.KindDocumentQuery:
		cctx.SetVariable("last_query", str("query"))
		if v, ok := outputs["results"]; ok {
			_ = cctx.SetVariableJSON("last_query_results", v)
		}
	case action.KindWebSearch:
		cctx.SetVariable("last_search_query", str("query"))
		if v, ok := outputs["results"]; ok {
			_ = cctx.SetVariableJSON("last_search_results", v)
		}
	case action.KindFileCreate:
		path := str("path")
		cctx.SetVariable("last_created_file", path)
		if path != "" {
			cctx.AddCreatedFile(path)
		}
	case action.KindFileWrite:
		cctx.SetVariable("last_modified_file", str("path"))
	case action.KindFileMove:
		cctx.SetVariable("last_moved_file", str("path"))
	case action.KindFileDelete:
		cctx.SetVariable("last_deleted_file", str("path"))
	case action.KindCommandExecute:
		cctx.SetVariable("last_command_output", str("stdout"))
	}
}
