// Package ai provides the AI responder plugin: it reacts to inbound chat
// messages through the typed message bridge, asks the configured LLM
// provider for a reply, and publishes the answer back to the originating
// channel.
package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/config"
	"github.com/rimeworks/krill/pkg/events"
	"github.com/rimeworks/krill/pkg/logger"
	"github.com/rimeworks/krill/pkg/plugin"
	"github.com/rimeworks/krill/pkg/providers"
)

const component = "ai"

func init() {
	plugin.RegisterFactory("ai", func(cfg *config.Config, b *bus.Bus) (plugin.Plugin, error) {
		provider, err := buildProvider(cfg.Plugins.AI)
		if err != nil {
			return nil, err
		}
		return New(b, provider, cfg.Plugins.AI), nil
	})
}

func buildProvider(cfg config.AIConfig) (providers.LLMProvider, error) {
	switch cfg.Provider {
	case "", "openai":
		return providers.NewOpenAIProvider(cfg.APIKey), nil
	case "anthropic":
		return providers.NewAnthropicProvider(cfg.APIKey), nil
	case "moonshot":
		if cfg.APIBase != "" {
			return providers.NewMoonshotProviderWithBase(cfg.APIKey, cfg.APIBase), nil
		}
		return providers.NewMoonshotProvider(cfg.APIKey), nil
	default:
		if cfg.APIBase == "" {
			return nil, fmt.Errorf("ai provider %q needs api_base", cfg.Provider)
		}
		return providers.NewOpenAICompatProvider(cfg.Provider, cfg.APIKey, cfg.APIBase, cfg.Model), nil
	}
}

// Plugin is the AI responder.
type Plugin struct {
	*plugin.Base
	provider providers.LLMProvider
	model    string
	system   string
}

// New creates the responder around an LLM provider.
func New(b *bus.Bus, provider providers.LLMProvider, cfg config.AIConfig) *Plugin {
	return &Plugin{
		Base: plugin.NewBase(plugin.Metadata{
			Name:        "ai",
			Version:     "1.0.0",
			Description: "LLM responder for inbound messages",
			Author:      "krill",
			Enabled:     true,
		}, b),
		provider: provider,
		model:    cfg.Model,
		system:   cfg.SystemPrompt,
	}
}

// OnLoad registers the typed message bridge. Messages with empty content
// never reach the reactor.
func (p *Plugin) OnLoad(ctx context.Context) error {
	adapter := plugin.NewMessageAdapter("ai-responder", p.Bus(), p,
		plugin.WithMessageFilter(func(msg events.InboundMessage) bool {
			return msg.Content != ""
		}),
		plugin.WithMessagePriority(events.PriorityHigh),
		plugin.WithMessageErrorFunc(func(ctx context.Context, event *events.Event, err error) {
			p.Bus().PublishAsync(ctx, events.New(events.AIError, map[string]interface{}{
				events.KeyProvider: p.provider.Name(),
				events.KeyError:    err.Error(),
			}))
		}),
	)
	p.RegisterHandler(adapter)
	return nil
}

// OnMessage implements plugin.MessageReactor.
func (p *Plugin) OnMessage(ctx context.Context, msg events.InboundMessage) (*events.OutboundMessage, error) {
	started := time.Now()

	messages := make([]providers.Message, 0, 2)
	if p.system != "" {
		messages = append(messages, providers.Message{Role: "system", Content: p.system})
	}
	messages = append(messages, providers.Message{Role: "user", Content: msg.Content})

	resp, err := p.provider.Chat(ctx, messages, p.model)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.provider.Name(), err)
	}

	elapsed := time.Since(started)
	logger.DebugCF(component, "Response generated", map[string]interface{}{
		"provider":    p.provider.Name(),
		"model":       resp.Model,
		"duration_ms": elapsed.Milliseconds(),
		"channel":     msg.Channel,
	})

	ev := events.New(events.AIResponse, map[string]interface{}{
		events.KeyProvider: p.provider.Name(),
		events.KeyModel:    resp.Model,
		events.KeyContent:  resp.Content,
		"duration_ms":      elapsed.Milliseconds(),
	})
	ev.UserID = msg.SenderID
	ev.ConversationID = msg.ChatID
	p.Bus().PublishAsync(ctx, ev)

	return &events.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: resp.Content,
	}, nil
}

var (
	_ plugin.Plugin         = (*Plugin)(nil)
	_ plugin.MessageReactor = (*Plugin)(nil)
)
