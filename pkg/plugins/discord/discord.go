// Package discord provides the Discord channel plugin: gateway messages
// become message.received events, and message.send events addressed to the
// discord channel are delivered through the session.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/config"
	"github.com/rimeworks/krill/pkg/events"
	"github.com/rimeworks/krill/pkg/logger"
	"github.com/rimeworks/krill/pkg/plugin"
)

const (
	component   = "discord"
	channelName = "discord"
)

func init() {
	plugin.RegisterFactory("discord", func(cfg *config.Config, b *bus.Bus) (plugin.Plugin, error) {
		if cfg.Plugins.Discord.Token == "" {
			return nil, fmt.Errorf("discord token not configured")
		}
		return New(b, cfg.Plugins.Discord), nil
	})
}

// Plugin is the Discord channel.
type Plugin struct {
	*plugin.Base
	token   string
	session *discordgo.Session
}

// New creates the Discord channel plugin.
func New(b *bus.Bus, cfg config.DiscordConfig) *Plugin {
	return &Plugin{
		Base: plugin.NewBase(plugin.Metadata{
			Name:        "discord",
			Version:     "1.0.0",
			Description: "Discord gateway channel",
			Author:      "krill",
			Enabled:     true,
		}, b),
		token: cfg.Token,
	}
}

// OnLoad opens the gateway session and wires both message directions.
func (p *Plugin) OnLoad(ctx context.Context) error {
	session, err := discordgo.New("Bot " + p.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.Bot {
			return
		}
		p.Bus().PublishAsync(context.Background(), events.NewInbound(events.InboundMessage{
			Channel:  channelName,
			SenderID: m.Author.ID,
			ChatID:   m.ChannelID,
			Content:  m.Content,
		}))
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	p.session = session

	p.RegisterHandler(bus.NewFuncHandler("discord-out", []string{events.MessageSend},
		func(ctx context.Context, event *events.Event) (interface{}, error) {
			msg := events.OutboundFromEvent(event)
			if msg.Channel != channelName {
				return nil, nil
			}
			if _, err := p.session.ChannelMessageSend(msg.ChatID, msg.Content); err != nil {
				return nil, fmt.Errorf("send discord message: %w", err)
			}
			return nil, nil
		}).WithErrorFunc(func(ctx context.Context, event *events.Event, err error) {
		logger.ErrorCF(component, "Delivery failed", map[string]interface{}{
			"chat_id": event.PayloadString(events.KeyChatID),
			"error":   err.Error(),
		})
	}))

	p.Bus().PublishAsync(ctx, events.New(events.ChannelConnected, map[string]interface{}{
		events.KeyChannel: channelName,
	}))
	return nil
}

// OnUnload closes the gateway session and tears down the handlers.
func (p *Plugin) OnUnload(ctx context.Context) error {
	p.UnregisterAll()
	if p.session != nil {
		if err := p.session.Close(); err != nil {
			return fmt.Errorf("close discord session: %w", err)
		}
	}
	return nil
}

var _ plugin.Plugin = (*Plugin)(nil)
