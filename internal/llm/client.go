package llm

import "context"

// Provider names used in cache keys and usage records.
const (
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// The tools catalog is in the provider-agnostic function shape
	// produced by the tool registry.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Provider returns the provider name for a given model.
	Provider(model string) string

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
