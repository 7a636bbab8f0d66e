// Package proactive implements the Proactive Agent (C10): it
// subscribes to every temporal.event.> subject, matches a pattern
// registry or falls back to an LLM call, and emits rate-limited
// Suggestions on agent.suggestion. This is close to a direct port of
// anticipation.Store.Match against a WakeContext
// (internal/anticipation/store.go): the pattern registry here plays
// the role of anticipation.matches, generalized from DB-backed
// Triggers to synchronous Go matcher functions, since the spec's
// patterns are a small fixed set rather than user-authored rows.
package proactive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/hosts"
)

// Suggestion is the agent.suggestion payload (spec §3: "{id, title,
// message, actions: [{label, command}]}").
type Suggestion struct {
	ID      string            `json:"id"`
	Title   string            `json:"title"`
	Message string            `json:"message"`
	Actions []SuggestedAction `json:"actions"`
}

// SuggestedAction is one actionable follow-up offered with a Suggestion.
type SuggestedAction struct {
	Label   string `json:"label"`
	Command string `json:"command"`
}

// Matcher inspects one timeline envelope and returns a Suggestion
// synchronously if it recognizes a pattern (spec §4.10: "each matcher
// returns at most one Suggestion synchronously").
type Matcher func(kind string, fields map[string]any) (*Suggestion, bool)

const suggestionCooldown = 5 * time.Minute

// Agent is the Proactive Agent (C10).
type Agent struct {
	b        *bus.Bus
	matchers []Matcher
	logger   *slog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New builds a Proactive Agent with the default pattern registry
// (DefaultMatchers) plus any additional matchers supplied by the
// caller, tried in order before the LLM fallback.
func New(b *bus.Bus, logger *slog.Logger, extra ...Matcher) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		b:        b,
		matchers: append(append([]Matcher{}, DefaultMatchers()...), extra...),
		logger:   logger.With("component", "proactive_agent"),
		lastSent: make(map[string]time.Time),
	}
}

// Run subscribes to temporal.event.> and processes events until the
// returned cancel func is called. ctx is handed to each event's
// handling (LLM fallback and publish); cancelling it does not end the
// subscription.
func (a *Agent) Run(ctx context.Context) (func(), error) {
	cancel, err := a.b.Subscribe("temporal.event.>", func(subject string, payload json.RawMessage) {
		a.handle(ctx, subject, payload)
	})
	if err != nil {
		return nil, fmt.Errorf("proactive: subscribe temporal.event.>: %w", err)
	}
	return cancel, nil
}

func (a *Agent) handle(ctx context.Context, subject string, payload json.RawMessage) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		a.logger.Debug("invalid timeline event payload", "subject", subject, "error", err)
		return
	}
	kind := eventKind(subject)

	var suggestion *Suggestion
	for _, m := range a.matchers {
		if s, ok := m(kind, fields); ok {
			suggestion = s
			break
		}
	}

	if suggestion == nil && kind == "command" {
		var err error
		suggestion, err = a.llmFallback(ctx, fields)
		if err != nil {
			a.logger.Debug("llm fallback failed", "error", err)
			return
		}
	}

	if suggestion == nil {
		return
	}
	if !a.allow(suggestion.ID) {
		a.logger.Debug("suggestion suppressed by cooldown", "id", suggestion.ID)
		return
	}

	if err := a.b.Publish(ctx, "agent.suggestion", suggestion); err != nil {
		a.logger.Warn("publish suggestion failed", "id", suggestion.ID, "error", err)
	}
}

// allow reports whether id may fire now, enforcing at most one
// identical suggestion id per 5 minutes (spec §4.10). Keyed only by
// suggestion id: the Timeline's events carry no session identifier, so
// there is no per-session dimension to enforce here.
func (a *Agent) allow(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if last, ok := a.lastSent[id]; ok && time.Since(last) < suggestionCooldown {
		return false
	}
	a.lastSent[id] = time.Now()
	return true
}

// llmFallback asks the LLM host for a suggestion about a command event
// that matched no pattern (spec §4.10 step 2).
func (a *Agent) llmFallback(ctx context.Context, fields map[string]any) (*Suggestion, error) {
	command, _ := fields["command"].(string)
	if command == "" {
		return nil, nil
	}

	prompt := fmt.Sprintf(`A user just ran this shell command: %q

If this command suggests a helpful proactive follow-up, respond with a JSON array
containing exactly one object: [{"id": "...", "title": "...", "message": "...",
"actions": [{"label": "...", "command": "..."}]}]. If nothing is worth suggesting,
respond with an empty array: [].`, command)

	req := hosts.LLMRequest{Messages: []hosts.Message{{Role: "user", Content: prompt}}}
	raw, err := a.b.Request(ctx, "ai.llm.request", req, 10*time.Second)
	if err != nil {
		return nil, err
	}

	var reply hosts.LLMReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}

	var suggestions []Suggestion
	if err := json.Unmarshal(extractJSONArray(reply.Text), &suggestions); err != nil || len(suggestions) == 0 {
		return nil, nil
	}
	return &suggestions[0], nil
}

// eventKind extracts the final segment of a temporal.event.<kind> subject.
func eventKind(subject string) string {
	for i := len(subject) - 1; i >= 0; i-- {
		if subject[i] == '.' {
			return subject[i+1:]
		}
	}
	return subject
}

// extractJSONArray finds the first balanced top-level '[' ... ']' span
// in text, tolerating surrounding prose, mirroring the Planner's JSON
// extraction (internal/planner).
func extractJSONArray(text string) []byte {
	start := -1
	depth := 0
	for i, c := range text {
		switch c {
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case ']':
			depth--
			if depth == 0 && start >= 0 {
				return []byte(text[start : i+1])
			}
		}
	}
	return []byte("[]")
}
