package llm

import "context"

// Client is the interface every LLM provider implements.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error)

	// Embed generates a vector embedding for text.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
