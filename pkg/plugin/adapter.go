package plugin

import (
	"context"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/events"
)

// MessageReactor is the typed capability for plugins that react to inbound
// chat messages. The plugin declares the capability; the framework supplies
// the event-handler plumbing around it.
type MessageReactor interface {
	// OnMessage handles one inbound message. A non-nil reply is published
	// back to the bus as a message.send event.
	OnMessage(ctx context.Context, msg events.InboundMessage) (*events.OutboundMessage, error)
}

// MessageFilter decides whether an inbound message should reach the reactor
// at all. A nil filter accepts everything.
type MessageFilter func(msg events.InboundMessage) bool

// messageAdapter is the thin bridge from the generic event stream to a
// typed MessageReactor: it narrows the event to an InboundMessage, applies
// the filter, delegates, and turns the returned reply into a publish.
// Constructed inside OnLoad and torn down inside OnUnload, one instance per
// plugin instance.
type messageAdapter struct {
	name    string
	prio    events.Priority
	bus     *bus.Bus
	reactor MessageReactor
	filter  MessageFilter
	onError bus.ErrorFunc
}

// MessageAdapterOption configures the bridge.
type MessageAdapterOption func(*messageAdapter)

// WithMessageFilter installs a predicate applied before the reactor runs.
func WithMessageFilter(f MessageFilter) MessageAdapterOption {
	return func(a *messageAdapter) { a.filter = f }
}

// WithMessagePriority sets the bridge handler's priority.
func WithMessagePriority(p events.Priority) MessageAdapterOption {
	return func(a *messageAdapter) { a.prio = p }
}

// WithMessageErrorFunc installs the bridge's OnError callback.
func WithMessageErrorFunc(f bus.ErrorFunc) MessageAdapterOption {
	return func(a *messageAdapter) { a.onError = f }
}

// NewMessageAdapter builds the bridge handler for a reactor. The caller
// (normally Base.RegisterHandler inside OnLoad) still registers it.
func NewMessageAdapter(name string, b *bus.Bus, r MessageReactor, opts ...MessageAdapterOption) bus.Handler {
	a := &messageAdapter{
		name:    name,
		prio:    events.PriorityNormal,
		bus:     b,
		reactor: r,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *messageAdapter) Name() string              { return a.name }
func (a *messageAdapter) EventTypes() []string      { return []string{events.MessageReceived} }
func (a *messageAdapter) Priority() events.Priority { return a.prio }

func (a *messageAdapter) Handle(ctx context.Context, event *events.Event) (interface{}, error) {
	msg := events.InboundFromEvent(event)
	if a.filter != nil && !a.filter(msg) {
		return nil, nil
	}
	reply, err := a.reactor.OnMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if reply != nil {
		a.bus.PublishAsync(ctx, events.NewOutbound(*reply))
	}
	return reply, nil
}

func (a *messageAdapter) OnError(ctx context.Context, event *events.Event, err error) {
	if a.onError != nil {
		a.onError(ctx, event, err)
	}
}

var _ bus.Handler = (*messageAdapter)(nil)
