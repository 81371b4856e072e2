// Package console provides an interactive terminal channel: lines typed at
// the prompt become message.received events, and message.send events
// addressed to the console are printed back.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/config"
	"github.com/rimeworks/krill/pkg/events"
	"github.com/rimeworks/krill/pkg/logger"
	"github.com/rimeworks/krill/pkg/plugin"
)

const (
	component   = "console"
	channelName = "console"
)

func init() {
	plugin.RegisterFactory("console", func(cfg *config.Config, b *bus.Bus) (plugin.Plugin, error) {
		return New(b, cfg.Plugins.Console), nil
	})
}

// Plugin is the console channel.
type Plugin struct {
	*plugin.Base
	prompt string

	rl     *readline.Instance
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the console channel plugin.
func New(b *bus.Bus, cfg config.ConsoleConfig) *Plugin {
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = "> "
	}
	return &Plugin{
		Base: plugin.NewBase(plugin.Metadata{
			Name:        "console",
			Version:     "1.0.0",
			Description: "Interactive terminal channel",
			Author:      "krill",
			Enabled:     true,
		}, b),
		prompt: prompt,
	}
}

// OnLoad opens the readline prompt, starts the read loop, and registers the
// outbound printer.
func (p *Plugin) OnLoad(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      p.prompt,
		HistoryFile: "", // in-memory history only
	})
	if err != nil {
		return fmt.Errorf("open readline: %w", err)
	}
	p.rl = rl

	p.RegisterHandler(bus.NewFuncHandler("console-out", []string{events.MessageSend},
		func(ctx context.Context, event *events.Event) (interface{}, error) {
			msg := events.OutboundFromEvent(event)
			if msg.Channel != channelName {
				return nil, nil
			}
			fmt.Fprintln(rl.Stdout(), msg.Content)
			return nil, nil
		}))

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.readLoop(loopCtx)

	p.Bus().PublishAsync(ctx, events.New(events.ChannelConnected, map[string]interface{}{
		events.KeyChannel: channelName,
	}))
	return nil
}

func (p *Plugin) readLoop(ctx context.Context) {
	defer close(p.done)
	for {
		line, err := p.rl.Readline()
		if err != nil {
			// Interrupt clears the line; EOF or a closed instance ends
			// the loop.
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				logger.InfoC(component, "Console closed")
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.Bus().PublishAsync(ctx, events.NewInbound(events.InboundMessage{
			Channel:  channelName,
			SenderID: "local",
			ChatID:   channelName,
			Content:  line,
		}))
	}
}

// OnUnload stops the read loop and tears down the handlers.
func (p *Plugin) OnUnload(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.rl != nil {
		p.rl.Close()
	}
	if p.done != nil {
		<-p.done
	}
	p.UnregisterAll()
	return nil
}

var _ plugin.Plugin = (*Plugin)(nil)
