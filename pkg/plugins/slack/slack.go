// Package slack provides the Slack notifier plugin. It is outbound-only:
// AI responses and channel errors are posted to a configured Slack channel
// for operators to watch.
package slack

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/config"
	"github.com/rimeworks/krill/pkg/events"
	"github.com/rimeworks/krill/pkg/logger"
	"github.com/rimeworks/krill/pkg/plugin"
)

const component = "slack"

func init() {
	plugin.RegisterFactory("slack", func(cfg *config.Config, b *bus.Bus) (plugin.Plugin, error) {
		if cfg.Plugins.Slack.Token == "" || cfg.Plugins.Slack.Channel == "" {
			return nil, fmt.Errorf("slack token and channel must be configured")
		}
		return New(b, cfg.Plugins.Slack), nil
	})
}

// Plugin is the Slack notifier.
type Plugin struct {
	*plugin.Base
	channel string
	client  *slackapi.Client
}

// New creates the Slack notifier plugin.
func New(b *bus.Bus, cfg config.SlackConfig) *Plugin {
	return &Plugin{
		Base: plugin.NewBase(plugin.Metadata{
			Name:        "slack",
			Version:     "1.0.0",
			Description: "Slack operator notifications",
			Author:      "krill",
			Enabled:     true,
		}, b),
		channel: cfg.Channel,
		client:  slackapi.New(cfg.Token),
	}
}

// OnLoad verifies the token and registers the notification handlers.
func (p *Plugin) OnLoad(ctx context.Context) error {
	if _, err := p.client.AuthTestContext(ctx); err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}

	p.RegisterHandler(bus.NewFuncHandler("slack-ai-notify",
		[]string{events.AIResponse},
		func(ctx context.Context, event *events.Event) (interface{}, error) {
			text := fmt.Sprintf("*%s* (%s): %s",
				event.PayloadString(events.KeyProvider),
				event.PayloadString(events.KeyModel),
				event.PayloadString(events.KeyContent))
			return nil, p.post(ctx, text)
		}).WithPriority(events.PriorityLow))

	p.RegisterHandler(bus.NewFuncHandler("slack-error-notify",
		[]string{events.ChannelError, events.AIError, events.CronJobFailed},
		func(ctx context.Context, event *events.Event) (interface{}, error) {
			text := fmt.Sprintf(":warning: %s: %s", event.Type, event.PayloadString(events.KeyError))
			return nil, p.post(ctx, text)
		}).WithPriority(events.PriorityLow))

	return nil
}

func (p *Plugin) post(ctx context.Context, text string) error {
	_, _, err := p.client.PostMessageContext(ctx, p.channel,
		slackapi.MsgOptionText(text, false))
	if err != nil {
		logger.WarnCF(component, "Post failed", map[string]interface{}{
			"channel": p.channel,
			"error":   err.Error(),
		})
		return fmt.Errorf("post to %s: %w", p.channel, err)
	}
	return nil
}

var _ plugin.Plugin = (*Plugin)(nil)
