package providers

// MoonshotProvider is a provider for Moonshot AI
// (Chinese LLM provider: https://www.moonshot.cn/)
// Moonshot uses OpenAI-compatible API format
type MoonshotProvider struct {
	*OpenAIProvider
}

// NewMoonshotProvider creates a new Moonshot provider
func NewMoonshotProvider(apiKey string) *MoonshotProvider {
	return NewMoonshotProviderWithBase(apiKey, "https://api.moonshot.cn/v1")
}

// NewMoonshotProviderWithBase creates a new Moonshot provider with custom API base
func NewMoonshotProviderWithBase(apiKey, apiBase string) *MoonshotProvider {
	return &MoonshotProvider{
		OpenAIProvider: NewOpenAICompatProvider("moonshot", apiKey, apiBase, "moonshot-v1-32k"),
	}
}

// Ensure MoonshotProvider implements LLMProvider interface
var _ LLMProvider = (*MoonshotProvider)(nil)
