// Package providers wraps the LLM backends the ai plugin can talk to behind
// one small interface.
package providers

import "context"

// Message is one turn of a conversation sent to a provider.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// LLMResponse is a provider's reply.
type LLMResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// LLMProvider is a chat-completion backend.
type LLMProvider interface {
	// Name returns the provider identifier used in config and events.
	Name() string

	// Chat sends the conversation and returns the assistant reply. An
	// empty model selects the provider's default.
	Chat(ctx context.Context, messages []Message, model string) (*LLMResponse, error)

	// DefaultModel returns the model used when none is configured.
	DefaultModel() string
}
