package hosts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/brackwood/nexus/internal/llm"
)

type fakeLLMClient struct {
	reply   *llm.ChatResponse
	err     error
	embed   []float32
	embdErr error
	pingErr error
}

func (f *fakeLLMClient) Chat(ctx context.Context, model string, messages []llm.Message) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.reply
	resp.Model = model
	return &resp, nil
}

func (f *fakeLLMClient) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	if f.embdErr != nil {
		return nil, f.embdErr
	}
	return f.embed, nil
}

func (f *fakeLLMClient) Ping(ctx context.Context) error {
	return f.pingErr
}

func TestLLMHostRequestUsesActiveModelByDefault(t *testing.T) {
	b := testBus(t)
	client := &fakeLLMClient{reply: &llm.ChatResponse{Message: llm.Message{Content: "hi there"}, InputTokens: 5, OutputTokens: 3}}
	h, cancel, err := NewLLMHost(b, client, "llama3", nil)
	if err != nil {
		t.Fatalf("NewLLMHost() error: %v", err)
	}
	defer cancel()

	raw, err := b.Request(context.Background(), "ai.llm.request", LLMRequest{Messages: []Message{{Role: "user", Content: "hi"}}}, time.Second)
	if err != nil {
		t.Fatalf("Request() error: %v", err)
	}
	var got LLMReply
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if got.Text != "hi there" || got.Model != "llama3" {
		t.Errorf("got %+v, want model=llama3", got)
	}
	if got.InputTokens != 5 || got.OutputTokens != 3 {
		t.Errorf("token accounting = %+v", got)
	}
	if !h.Info().Ready {
		t.Error("Info().Ready should be true when Ping succeeds")
	}
}

func TestLLMHostRequestHonorsExplicitModel(t *testing.T) {
	b := testBus(t)
	client := &fakeLLMClient{reply: &llm.ChatResponse{Message: llm.Message{Content: "ok"}}}
	_, cancel, err := NewLLMHost(b, client, "llama3", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	raw, err := b.Request(context.Background(), "ai.llm.request", LLMRequest{Model: "mistral", Messages: []Message{{Role: "user", Content: "hi"}}}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var got LLMReply
	json.Unmarshal(raw, &got)
	if got.Model != "mistral" {
		t.Errorf("model = %q, want mistral (explicit request should override active model)", got.Model)
	}
}

func TestLLMHostEmbed(t *testing.T) {
	b := testBus(t)
	client := &fakeLLMClient{embed: []float32{0.1, 0.2, 0.3}}
	_, cancel, err := NewLLMHost(b, client, "llama3", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	raw, err := b.Request(context.Background(), "ai.llm.embed", EmbedRequest{Text: "hello"}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var got EmbedReply
	json.Unmarshal(raw, &got)
	if len(got.Embedding) != 3 {
		t.Errorf("embedding = %v, want length 3", got.Embedding)
	}
}

func TestLLMHostInfoNotReadyWhenPingFails(t *testing.T) {
	b := testBus(t)
	client := &fakeLLMClient{pingErr: errors.New("backend unreachable")}
	h, cancel, err := NewLLMHost(b, client, "llama3", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if h.Info().Ready {
		t.Error("Info().Ready should be false when Ping fails")
	}
}

func TestLLMHostReloadSwapsActiveModel(t *testing.T) {
	b := testBus(t)
	client := &fakeLLMClient{reply: &llm.ChatResponse{Message: llm.Message{Content: "ok"}}}
	h, cancel, err := NewLLMHost(b, client, "llama3", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	payload, _ := json.Marshal(map[string]string{"model": "mistral"})
	if err := h.Reload(context.Background(), payload); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	raw, err := b.Request(context.Background(), "ai.llm.request", LLMRequest{Messages: []Message{{Role: "user", Content: "hi"}}}, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var got LLMReply
	json.Unmarshal(raw, &got)
	if got.Model != "mistral" {
		t.Errorf("model after reload = %q, want mistral", got.Model)
	}
}

func TestLLMHostReloadRequiresModel(t *testing.T) {
	b := testBus(t)
	client := &fakeLLMClient{}
	h, cancel, err := NewLLMHost(b, client, "llama3", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := h.Reload(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Error("Reload with no model should error")
	}
}
