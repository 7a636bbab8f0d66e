package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/brackwood/nexus/internal/action"
	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/contextstore"
)

func testBus(t *testing.T) *bus.Bus {
	t.Helper()
	return bus.New(bus.NewMemTransport(), "test", nil)
}

func TestExecutePlaceholderChaining(t *testing.T) {
	b := testBus(t)
	cancel, err := b.HandleRequests("ai.llm.request", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return map[string]any{"content": "Hello", "model": "llama3"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()
	cancel2, err := b.HandleRequests("system.file.write", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if req.Content != "Hello" {
			t.Errorf("file_write content = %q, want %q", req.Content, "Hello")
		}
		return map[string]any{"path": req.Path}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel2()

	orch := New(Config{Bus: b})
	cctx := contextstore.NewContext()
	cctx.SetVariable("last_created_file", "/home/u/notes.txt")

	plan := action.Plan{Actions: []action.Action{
		{ID: "a1", Kind: action.KindLLMGenerate, Parameters: map[string]any{"prompt": "Write 'Hello'"}},
		{ID: "a2", Kind: action.KindFileWrite, DependsOn: []string{"a1"},
			Parameters: map[string]any{"path": "{last_created_file}", "content": "{last_generated_text}", "mode": "w"}},
	}}

	results, err := orch.Execute(context.Background(), ReservedVars{}, cctx, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != action.StatusOK {
			t.Errorf("action %s status = %s, error = %s", r.ActionID, r.Status, r.Error)
		}
	}
	if cctx.Variables["last_modified_file"] != "/home/u/notes.txt" {
		t.Errorf("last_modified_file = %q", cctx.Variables["last_modified_file"])
	}
}

func TestExecuteUnboundPlaceholderFailsAction(t *testing.T) {
	b := testBus(t)
	orch := New(Config{Bus: b})
	cctx := contextstore.NewContext()

	plan := action.Plan{Actions: []action.Action{
		{ID: "a1", Kind: action.KindFileWrite, Parameters: map[string]any{"path": "{nonexistent}", "content": "x", "mode": "w"}},
	}}

	results, err := orch.Execute(context.Background(), ReservedVars{}, cctx, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if results[0].Status != action.StatusFailed {
		t.Fatalf("status = %s, want failed", results[0].Status)
	}
}

func TestExecuteHaltsDependentsOnFailure(t *testing.T) {
	b := testBus(t)
	// No handler registered for system.file.search: the request times out.
	orch := New(Config{Bus: b})
	cctx := contextstore.NewContext()

	plan := action.Plan{Actions: []action.Action{
		{ID: "a1", Kind: action.KindDocumentQuery, Parameters: map[string]any{"query": "python"}},
		{ID: "a2", Kind: action.KindFileRead, DependsOn: []string{"a1"}, Parameters: map[string]any{"path": "{last_query}"}},
		{ID: "a3", Kind: action.KindLLMGenerate, Parameters: map[string]any{"prompt": "independent"}},
	}}
	llmCancel, err := b.HandleRequests("ai.llm.request", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return map[string]any{"content": "ok"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer llmCancel()

	results, err := orch.Execute(context.Background(), ReservedVars{}, cctx, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if results[0].Status != action.StatusFailed {
		t.Errorf("a1 status = %s, want failed (no responder registered)", results[0].Status)
	}
	if results[1].Status != action.StatusFailed {
		t.Errorf("a2 status = %s, want failed (upstream dependency)", results[1].Status)
	}
	if results[2].Status != action.StatusOK {
		t.Errorf("a3 (independent) status = %s, want ok", results[2].Status)
	}
}

func TestExecuteRefusesUnapprovedPlan(t *testing.T) {
	b := testBus(t)
	orch := New(Config{Bus: b})
	cctx := contextstore.NewContext()

	plan := action.Plan{Actions: []action.Action{
		{ID: "a1", Kind: action.KindFileCreate, NeedsApproval: true, Parameters: map[string]any{"path": "notes.txt"}},
	}}

	_, err := orch.Execute(context.Background(), ReservedVars{}, cctx, plan)
	if err == nil {
		t.Fatal("expected ApprovalRequired error")
	}
}

func TestExecuteCancellationMarksPendingActionsCancelled(t *testing.T) {
	b := testBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := New(Config{Bus: b})
	cctx := contextstore.NewContext()
	plan := action.Plan{Actions: []action.Action{
		{ID: "a1", Kind: action.KindLLMGenerate, Parameters: map[string]any{"prompt": "x"}},
	}}

	results, err := orch.Execute(ctx, ReservedVars{}, cctx, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if results[0].Status != action.StatusCancelled {
		t.Errorf("status = %s, want cancelled", results[0].Status)
	}
}

func TestPlaceholderBothForms(t *testing.T) {
	cctx := contextstore.NewContext()
	cctx.SetVariable("name", "value")
	lookup := func(n string) (string, bool) {
		v, ok := cctx.Variables[n]
		return v, ok
	}
	out1, _, ok1 := substitute("{name}", lookup)
	out2, _, ok2 := substitute("{{name}}", lookup)
	if !ok1 || !ok2 || out1 != "value" || out2 != "value" {
		t.Fatalf("got %q(%v), %q(%v)", out1, ok1, out2, ok2)
	}
}
