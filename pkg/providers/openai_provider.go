package providers

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIProvider talks to the OpenAI chat completions API, or to any
// OpenAI-compatible endpoint when constructed with a custom base URL.
type OpenAIProvider struct {
	client       openai.Client
	name         string
	defaultModel string
}

// NewOpenAIProvider creates a provider for api.openai.com.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client:       openai.NewClient(option.WithAPIKey(apiKey)),
		name:         "openai",
		defaultModel: "gpt-4o-mini",
	}
}

// NewOpenAICompatProvider creates a provider for an OpenAI-compatible API at
// a custom base URL (Moonshot, vLLM, OpenRouter, ...).
func NewOpenAICompatProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	return &OpenAIProvider{
		client:       openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(apiBase)),
		name:         name,
		defaultModel: defaultModel,
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// Chat sends the conversation to the chat completions endpoint.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, model string) (*LLMResponse, error) {
	if model == "" {
		model = p.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			params.Messages = append(params.Messages, openai.SystemMessage(m.Content))
		case "assistant":
			params.Messages = append(params.Messages, openai.AssistantMessage(m.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(m.Content))
		}
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s chat: %w", p.name, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s chat: empty response", p.name)
	}
	return &LLMResponse{
		Content: completion.Choices[0].Message.Content,
		Model:   completion.Model,
	}, nil
}

var _ LLMProvider = (*OpenAIProvider)(nil)
