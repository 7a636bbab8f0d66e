package llm

import (
	"context"
	"testing"
)

type fakeClient struct {
	name  string
	reply string
	err   error
}

func (f *fakeClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: f.reply}}, nil
}

func (f *fakeClient) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return []float32{1, 2, 3}, nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return f.err }

func TestMultiClientRoutesByModel(t *testing.T) {
	anthropic := &fakeClient{name: "anthropic", reply: "from anthropic"}
	ollama := &fakeClient{name: "ollama", reply: "from ollama"}

	m := NewMultiClient(ollama)
	m.AddProvider("anthropic", anthropic)
	m.AddProvider("ollama", ollama)
	m.AddModel("claude-haiku-4-5", "anthropic")
	m.AddModel("llama3", "ollama")

	resp, err := m.Chat(context.Background(), "claude-haiku-4-5", nil)
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Message.Content != "from anthropic" {
		t.Errorf("got %q, want from anthropic", resp.Message.Content)
	}
}

func TestMultiClientFallsBackForUnknownModel(t *testing.T) {
	fallback := &fakeClient{name: "fallback", reply: "from fallback"}
	m := NewMultiClient(fallback)

	resp, err := m.Chat(context.Background(), "some-unlisted-model", nil)
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Message.Content != "from fallback" {
		t.Errorf("got %q, want from fallback", resp.Message.Content)
	}
}

func TestMultiClientNoFallbackErrors(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "unknown", nil); err == nil {
		t.Error("expected error with no fallback and unknown model")
	}
}

func TestMultiClientPingUsesFallback(t *testing.T) {
	fallback := &fakeClient{name: "fallback"}
	m := NewMultiClient(fallback)
	if err := m.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error: %v", err)
	}
}
