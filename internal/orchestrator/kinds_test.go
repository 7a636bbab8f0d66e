package orchestrator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/brackwood/nexus/internal/action"
	"github.com/brackwood/nexus/internal/contextstore"
)

func TestRunDocumentQueryReranksBySimilarity(t *testing.T) {
	b := testBus(t)
	vectors := map[string][]float32{
		"python tutorial":  {1, 0, 0},
		"unrelated snippet": {0, 1, 0},
		"python basics":     {0.9, 0.1, 0},
	}
	cancel, err := b.HandleRequests("ai.llm.embed", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		vec, ok := vectors[req.Text]
		if !ok {
			vec = []float32{0, 0, 1}
		}
		return map[string]any{"embedding": vec}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	searchCancel, err := b.HandleRequests("system.file.search", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return map[string]any{"results": []map[string]any{
			{"path": "a.txt", "snippet": "unrelated snippet"},
			{"path": "b.txt", "snippet": "python basics"},
		}}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer searchCancel()

	orch := New(Config{Bus: b})
	cctx := contextstore.NewContext()

	plan := action.Plan{Actions: []action.Action{
		{ID: "a1", Kind: action.KindDocumentQuery, Parameters: map[string]any{"query": "python tutorial"}},
	}}

	results, err := orch.Execute(context.Background(), ReservedVars{}, cctx, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if results[0].Status != action.StatusOK {
		t.Fatalf("status = %s, error = %s", results[0].Status, results[0].Error)
	}

	ranked, ok := results[0].Outputs["results"].([]map[string]any)
	if !ok {
		t.Fatalf("outputs[results] type = %T", results[0].Outputs["results"])
	}
	if len(ranked) != 2 {
		t.Fatalf("got %d ranked results, want 2", len(ranked))
	}
	if ranked[0]["path"] != "b.txt" {
		t.Errorf("top result = %v, want b.txt (closer to query vector)", ranked[0]["path"])
	}
}

func TestRunDocumentQueryDegradesWhenEmbedFails(t *testing.T) {
	b := testBus(t)
	// No ai.llm.embed handler registered: embedding requests fail.
	searchCancel, err := b.HandleRequests("system.file.search", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return map[string]any{"results": []map[string]any{
			{"path": "a.txt", "snippet": "one"},
		}}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	defer searchCancel()

	orch := New(Config{Bus: b})
	cctx := contextstore.NewContext()
	plan := action.Plan{Actions: []action.Action{
		{ID: "a1", Kind: action.KindDocumentQuery, Parameters: map[string]any{"query": "python"}},
	}}

	results, err := orch.Execute(context.Background(), ReservedVars{}, cctx, plan)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if results[0].Status != action.StatusOK {
		t.Fatalf("status = %s, want ok (degrades to lexical order)", results[0].Status)
	}
}
