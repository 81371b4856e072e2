// Package telegram provides the Telegram channel plugin: long-polled
// updates become message.received events, and message.send events addressed
// to the telegram channel are delivered through the bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/config"
	"github.com/rimeworks/krill/pkg/events"
	"github.com/rimeworks/krill/pkg/logger"
	"github.com/rimeworks/krill/pkg/plugin"
)

const (
	component   = "telegram"
	channelName = "telegram"
)

func init() {
	plugin.RegisterFactory("telegram", func(cfg *config.Config, b *bus.Bus) (plugin.Plugin, error) {
		if cfg.Plugins.Telegram.Token == "" {
			return nil, fmt.Errorf("telegram token not configured")
		}
		return New(b, cfg.Plugins.Telegram), nil
	})
}

// Plugin is the Telegram channel.
type Plugin struct {
	*plugin.Base
	token string

	bot    *telego.Bot
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the Telegram channel plugin.
func New(b *bus.Bus, cfg config.TelegramConfig) *Plugin {
	return &Plugin{
		Base: plugin.NewBase(plugin.Metadata{
			Name:        "telegram",
			Version:     "1.0.0",
			Description: "Telegram long-polling channel",
			Author:      "krill",
			Enabled:     true,
		}, b),
		token: cfg.Token,
	}
}

// OnLoad connects the bot, starts the update loop, and registers the
// outbound sender.
func (p *Plugin) OnLoad(ctx context.Context) error {
	bot, err := telego.NewBot(p.token, telego.WithDiscardLogger())
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	p.bot = bot

	pollCtx, cancel := context.WithCancel(context.Background())
	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start telegram polling: %w", err)
	}
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.pollLoop(pollCtx, updates)

	p.RegisterHandler(bus.NewFuncHandler("telegram-out", []string{events.MessageSend},
		func(ctx context.Context, event *events.Event) (interface{}, error) {
			msg := events.OutboundFromEvent(event)
			if msg.Channel != channelName {
				return nil, nil
			}
			chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad telegram chat id %q: %w", msg.ChatID, err)
			}
			if _, err := p.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Content)); err != nil {
				return nil, fmt.Errorf("send telegram message: %w", err)
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

func (p *Plugin) pollLoop(ctx context.Context, updates <-chan telego.Update) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			msg := update.Message
			if msg == nil || msg.Text == "" || msg.From == nil {
				continue
			}
			p.Bus().PublishAsync(ctx, events.NewInbound(events.InboundMessage{
				Channel:  channelName,
				SenderID: strconv.FormatInt(msg.From.ID, 10),
				ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
				Content:  msg.Text,
			}))
		}
	}
}

// OnUnload stops polling and tears down the handlers.
func (p *Plugin) OnUnload(ctx context.Context) error {
	p.UnregisterAll()
	if p.cancel != nil {
		p.cancel()
	}
	if p.done != nil {
		<-p.done
	}
	return nil
}

var _ plugin.Plugin = (*Plugin)(nil)
