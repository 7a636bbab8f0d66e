// Package planner implements the Action Planner (C6): it turns a user
// message plus session Context into an action.Plan, generalizing the
// agent's single LLM round-trip (internal/agent/loop.go's Run) into a
// plan-producing round-trip that also validates and gates approval.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brackwood/nexus/internal/action"
	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/contextstore"
	"github.com/brackwood/nexus/internal/resolver"
)

// RequestTimeout bounds the ai.llm.request planning call. It is its
// own constant, shorter than orchestrator.RequestTimeout (60s).
const RequestTimeout = 45 * time.Second

// Planner is the Action Planner (C6).
type Planner struct {
	bus    *bus.Bus
	logger *slog.Logger
}

// New builds a Planner over b.
func New(b *bus.Bus, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{bus: b, logger: logger.With("component", "planner")}
}

// rawAction mirrors the LLM's JSON action shape before validation.
type rawAction struct {
	ID            string         `json:"id"`
	Kind          string         `json:"kind"`
	Parameters    map[string]any `json:"parameters"`
	DependsOn     []string       `json:"depends_on,omitempty"`
}

type rawPlan struct {
	Explanation string      `json:"explanation"`
	Actions     []rawAction `json:"actions"`
}

// Plan converts (userInput, cctx) into an action.Plan. It never
// executes anything; the Orchestrator does that. Plan always returns a
// usable Plan — even total LLM failure degrades to a single
// llm_generate chat action per spec §4.6 step 4 — so callers only need
// to handle the returned error for logging/telemetry, not control flow.
func (p *Planner) Plan(ctx context.Context, userInput string, cctx *contextstore.Context) (action.Plan, error) {
	resolvedInput := userInput
	var resolutionNote string
	if resolved, _, err := resolver.Resolve(userInput, cctx); err != nil {
		resolutionNote = err.Error()
	} else {
		resolvedInput = resolved
	}

	plan, planErr := p.planWithLLM(ctx, resolvedInput, resolutionNote, cctx)
	if planErr == nil {
		return plan, nil
	}
	p.logger.Warn("llm planning failed, falling back", "error", planErr)

	if fallback, name, ok := matchPattern(resolvedInput); ok {
		p.logger.Info("pattern fallback matched", "pattern", name)
		return fallback, nil
	}
	return chatFallback(resolvedInput), nil
}

func (p *Planner) planWithLLM(ctx context.Context, input, resolutionNote string, cctx *contextstore.Context) (action.Plan, error) {
	prompt := buildSystemPrompt(input, resolutionNote, cctx)
	req := map[string]any{
		"messages": []map[string]string{{"role": "user", "content": prompt}},
		"mode":     "plan",
	}
	raw, err := p.bus.Request(ctx, "ai.llm.request", req, RequestTimeout)
	if err != nil {
		return action.Plan{}, fmt.Errorf("ai.llm.request: %w", err)
	}

	var reply struct {
		Content string `json:"content"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(raw, &reply); err != nil {
		return action.Plan{}, fmt.Errorf("decode ai.llm.request reply: %w", err)
	}
	text := reply.Content
	if text == "" {
		text = reply.Text
	}

	jsonStr := extractJSON(text)
	var rp rawPlan
	if err := json.Unmarshal([]byte(jsonStr), &rp); err != nil {
		return action.Plan{}, fmt.Errorf("parse plan JSON: %w", err)
	}

	return validate(rp)
}

// validate converts rp into an action.Plan, rejecting unrecognized
// kinds and computing NeedsApproval itself rather than trusting the
// LLM's say-so (spec §4.6 step 3). Placeholder resolvability is
// deliberately NOT checked here — the Orchestrator performs that check
// at dispatch time, when depends_on outputs actually exist. An empty
// Actions list is a valid plan, not a parse failure: the LLM emits one
// when nothing in the request warrants an action (spec §4.6 scenario
// "nothing found"), carrying its Explanation through as the assistant-
// facing Turn instead of falling back to pattern-match/chatFallback.
func validate(rp rawPlan) (action.Plan, error) {
	actions := make([]action.Action, 0, len(rp.Actions))
	for i, ra := range rp.Actions {
		kind := action.Kind(strings.TrimSpace(ra.Kind))
		if !action.Known(kind) {
			return action.Plan{}, fmt.Errorf("action %d: unrecognized kind %q", i, ra.Kind)
		}
		for _, required := range action.RequiredParams[kind] {
			if _, ok := ra.Parameters[required]; !ok {
				return action.Plan{}, fmt.Errorf("action %d (%s): missing required parameter %q", i, kind, required)
			}
		}
		id := ra.ID
		if id == "" {
			id = fmt.Sprintf("a%d", i+1)
		}
		actions = append(actions, action.Action{
			ID:            id,
			Kind:          kind,
			Parameters:    ra.Parameters,
			NeedsApproval: action.NeedsApproval(kind),
			DependsOn:     ra.DependsOn,
		})
	}
	return action.Plan{Explanation: rp.Explanation, Actions: actions}, nil
}

func buildSystemPrompt(input, resolutionNote string, cctx *contextstore.Context) string {
	var sb strings.Builder
	sb.WriteString("You are an action planner. Given the user's request, reply with a single JSON object ")
	sb.WriteString(`of the shape {"explanation": string, "actions": [{"id": string, "kind": string, "parameters": object, "depends_on": [string]}]}.` + "\n")
	sb.WriteString("Allowed action kinds and their required parameters:\n")
	for _, k := range action.AllKinds {
		sb.WriteString(fmt.Sprintf("- %s: %v\n", k, action.RequiredParams[k]))
	}
	if len(cctx.Variables) > 0 {
		sb.WriteString("\nCurrent context variables:\n")
		for k, v := range cctx.Variables {
			sb.WriteString(fmt.Sprintf("- %s = %s\n", k, v))
		}
	}
	if resolutionNote != "" {
		sb.WriteString("\nNote: a reference in the user's message could not be resolved automatically (" +
			resolutionNote + "). Ask the user to clarify if the request depends on it, or make a reasonable assumption and say so in the explanation.\n")
	}
	sb.WriteString("\nUser request: " + input + "\n")
	return sb.String()
}
