package bus

import (
	"context"

	"github.com/rimeworks/krill/pkg/events"
)

// Handler reacts to events of one or more types. The bus holds a non-owning
// reference keyed by each declared type; whoever creates the handler owns it
// (typically a plugin).
type Handler interface {
	// EventTypes returns the event types this handler wants to receive.
	EventTypes() []string

	// Priority orders this handler among handlers for the same type.
	// It is a sort key only; dispatch stays concurrent.
	Priority() events.Priority

	// Handle processes one event. A returned error is captured by the bus
	// and routed to OnError; it never propagates to the publisher.
	Handle(ctx context.Context, event *events.Event) (interface{}, error)

	// OnError is invoked when Handle fails (error, panic or timeout) for
	// an event. It fires exactly once per failing event.
	OnError(ctx context.Context, event *events.Event, err error)
}

// HandleFunc is the signature of an ad-hoc handler function.
type HandleFunc func(ctx context.Context, event *events.Event) (interface{}, error)

// ErrorFunc is the signature of an ad-hoc error callback.
type ErrorFunc func(ctx context.Context, event *events.Event, err error)

// FuncHandler adapts plain functions to the Handler interface for
// collaborators that register handlers outside the plugin system.
type FuncHandler struct {
	HandlerName string
	Types       []string
	Prio        events.Priority
	Fn          HandleFunc
	ErrFn       ErrorFunc
}

// NewFuncHandler builds a FuncHandler with normal priority.
func NewFuncHandler(name string, types []string, fn HandleFunc) *FuncHandler {
	return &FuncHandler{HandlerName: name, Types: types, Prio: events.PriorityNormal, Fn: fn}
}

// WithPriority sets the handler priority and returns the handler.
func (h *FuncHandler) WithPriority(p events.Priority) *FuncHandler {
	h.Prio = p
	return h
}

// WithErrorFunc sets the error callback and returns the handler.
func (h *FuncHandler) WithErrorFunc(fn ErrorFunc) *FuncHandler {
	h.ErrFn = fn
	return h
}

func (h *FuncHandler) EventTypes() []string      { return h.Types }
func (h *FuncHandler) Priority() events.Priority { return h.Prio }

func (h *FuncHandler) Handle(ctx context.Context, event *events.Event) (interface{}, error) {
	return h.Fn(ctx, event)
}

func (h *FuncHandler) OnError(ctx context.Context, event *events.Event, err error) {
	if h.ErrFn != nil {
		h.ErrFn(ctx, event, err)
	}
}

// Name identifies the handler in logs.
func (h *FuncHandler) Name() string { return h.HandlerName }

var _ Handler = (*FuncHandler)(nil)

// Middleware transforms or vetoes an event before dispatch. Returning nil
// cancels the publish: no handler runs. Middleware execute sequentially in
// registration order; a panicking middleware is logged and skipped, the
// chain continues.
type Middleware func(event *events.Event) *events.Event

// HandlerResult is the outcome of one handler invocation during a
// wait-for-all publish. Exactly one result is produced per handler
// registered for the event's type at dispatch time, in priority-sorted
// handler order.
type HandlerResult struct {
	Handler Handler
	Value   interface{}
	Err     error
}
