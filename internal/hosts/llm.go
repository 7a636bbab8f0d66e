package hosts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/llm"
)

// DefaultLLMModel is used when a request omits model.
const DefaultLLMModel = "llama3"

// Message is one turn in an ai.llm.request conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMRequest is the ai.llm.request payload.
type LLMRequest struct {
	Messages    []Message `json:"messages"`
	Mode        string    `json:"mode,omitempty"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// LLMReply is the ai.llm.request response.
type LLMReply struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// EmbedRequest is the ai.llm.embed payload.
type EmbedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// EmbedReply is the ai.llm.embed response.
type EmbedReply struct {
	Embedding []float32 `json:"embedding"`
}

// ReloadEvent is published on ai.llm.reload.events whenever the active
// model changes, mirroring the agent's model-failover notification.
type ReloadEvent struct {
	Model    string `json:"model"`
	Previous string `json:"previous,omitempty"`
}

// Recorder accounts for a completed host call, typically backed by
// usage.Store. Implementations must not block the caller; LLMHost
// invokes Record in a separate goroutine the way timeline.Store fans
// out temporal.event.<kind> without blocking append.
type Recorder interface {
	Record(ctx context.Context, operation, model string, inputTokens, outputTokens int)
}

// LLMHost exposes ai.llm.* over the bus, wrapping an llm.Client
// (typically an llm.MultiClient routing between Anthropic and Ollama).
type LLMHost struct {
	b        *bus.Bus
	client   llm.Client
	logger   *slog.Logger
	recorder Recorder

	mu           sync.RWMutex
	activeModel  string
	defaultModel string
}

// SetRecorder attaches a usage Recorder. Optional; a nil recorder (the
// default) disables accounting with no other behavior change.
func (h *LLMHost) SetRecorder(r Recorder) {
	h.mu.Lock()
	h.recorder = r
	h.mu.Unlock()
}

func (h *LLMHost) record(operation, model string, in, out int) {
	h.mu.RLock()
	r := h.recorder
	h.mu.RUnlock()
	if r == nil {
		return
	}
	go r.Record(context.Background(), operation, model, in, out)
}

// NewLLMHost registers ai.llm.request and ai.llm.embed handlers and
// returns the host together with a cancel func, owned by the caller,
// that unregisters both handlers.
func NewLLMHost(b *bus.Bus, client llm.Client, defaultModel string, log *slog.Logger) (*LLMHost, func(), error) {
	if defaultModel == "" {
		defaultModel = DefaultLLMModel
	}
	h := &LLMHost{b: b, client: client, logger: logger(log, "llm"), defaultModel: defaultModel, activeModel: defaultModel}

	cancelReq, err := handle(b, "ai.llm.request", h.handleRequest)
	if err != nil {
		return nil, nil, fmt.Errorf("register ai.llm.request: %w", err)
	}
	cancelEmbed, err := handle(b, "ai.llm.embed", h.handleEmbed)
	if err != nil {
		cancelReq()
		return nil, nil, fmt.Errorf("register ai.llm.embed: %w", err)
	}

	return h, func() { cancelReq(); cancelEmbed() }, nil
}

func (h *LLMHost) handleRequest(ctx context.Context, req LLMRequest) (LLMReply, error) {
	model := req.Model
	if model == "" {
		h.mu.RLock()
		model = h.activeModel
		h.mu.RUnlock()
	}

	messages := make([]llm.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	if req.Mode != "" && req.Mode != "chat" {
		messages = append([]llm.Message{{Role: "system", Content: "mode: " + req.Mode}}, messages...)
	}

	resp, err := h.client.Chat(ctx, model, messages)
	if err != nil {
		return LLMReply{}, err
	}
	h.record("request", resp.Model, resp.InputTokens, resp.OutputTokens)
	return LLMReply{
		Text:         resp.Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

func (h *LLMHost) handleEmbed(ctx context.Context, req EmbedRequest) (EmbedReply, error) {
	model := req.Model
	if model == "" {
		model = "nomic-embed-text"
	}
	vec, err := h.client.Embed(ctx, model, req.Text)
	if err != nil {
		return EmbedReply{}, err
	}
	h.record("embed", model, 0, 0)
	return EmbedReply{Embedding: vec}, nil
}

// Info reports the host's active model and backend reachability.
func (h *LLMHost) Info() Info {
	h.mu.RLock()
	model := h.activeModel
	h.mu.RUnlock()

	ready := h.client.Ping(context.Background()) == nil
	return Info{Name: "llm", Backend: model, Ready: ready}
}

// Reload swaps the active default model and announces the change on
// ai.llm.reload.events. In-flight requests that explicitly named a
// model are unaffected; requests with no model keep resolving against
// the new active model going forward.
func (h *LLMHost) Reload(ctx context.Context, payload json.RawMessage) error {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(payload, &req); err != nil || req.Model == "" {
		return fmt.Errorf("llm reload: model is required")
	}

	h.mu.Lock()
	previous := h.activeModel
	h.activeModel = req.Model
	h.mu.Unlock()

	h.logger.Info("model reloaded", "previous", previous, "model", req.Model)
	return h.b.Publish(ctx, "ai.llm.reload.events", ReloadEvent{Model: req.Model, Previous: previous})
}
