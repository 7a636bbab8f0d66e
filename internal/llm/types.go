// Package llm provides the LLM provider clients the LLM Service Host
// wraps: a provider-neutral Client interface plus concrete Anthropic
// and Ollama implementations routed through a MultiClient keyed by
// model name. Unlike a tool-calling agent loop, the bus-level contract
// is single-turn completion (prompt/messages in, text out), so this
// package carries no tool-call wire format.
package llm

import "time"

// Message is one turn of a chat completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the provider-neutral result of a completion request.
type ChatResponse struct {
	Model        string
	CreatedAt    time.Time
	Message      Message
	InputTokens  int
	OutputTokens int
}
