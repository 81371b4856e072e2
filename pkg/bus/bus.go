// Package bus provides the process-wide in-process event bus: the router
// from published events to registered handlers, with a middleware chain and
// a bounded history buffer.
//
// Handlers for one event run concurrently (scatter/gather). Publish waits
// for the whole batch; PublishAsync launches it detached. Every handler
// failure is isolated: captured, routed to that handler's OnError, and never
// raised back to the publisher.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rimeworks/krill/pkg/events"
	"github.com/rimeworks/krill/pkg/logger"
)

const component = "bus"

// DefaultHistoryCapacity is the bounded history size unless overridden.
const DefaultHistoryCapacity = 1000

// DefaultHistoryLimit is how many entries History returns unless asked
// for more.
const DefaultHistoryLimit = 100

// Bus routes events to registered handlers. Construct one per process with
// New and inject it into whatever bootstraps the application; independent
// instances remain constructible for tests.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[string][]Handler
	middleware []Middleware
	history    *ring
	closed     bool

	handlerTimeout time.Duration

	// async tracks detached PublishAsync batches so Close can drain them.
	async sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithHistoryCapacity overrides the bounded history size.
func WithHistoryCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.history = newRing(n)
		}
	}
}

// WithHandlerTimeout bounds each handler invocation. A handler exceeding the
// timeout is treated as failed: the timeout becomes a handler-level error
// routed to its OnError. Zero disables the bound.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.handlerTimeout = d
		}
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[string][]Handler),
		history:  newRing(DefaultHistoryCapacity),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

// RegisterHandler registers a handler for every type it declares and re-sorts
// each type's list by priority (critical first). Registering the same handler
// twice is not an error; it causes duplicate delivery.
func (b *Bus) RegisterHandler(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range h.EventTypes() {
		list := append(b.handlers[t], h)
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Priority() < list[j].Priority()
		})
		b.handlers[t] = list
	}
	logger.DebugCF(component, "Handler registered", map[string]interface{}{
		"types":    h.EventTypes(),
		"priority": h.Priority().String(),
		"name":     handlerName(h),
	})
}

// UnregisterHandler removes the handler from every type it was registered
// under, including duplicate registrations. Removing a handler that was
// never registered is a silent no-op.
func (b *Bus) UnregisterHandler(h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range h.EventTypes() {
		list := b.handlers[t]
		kept := list[:0]
		for _, existing := range list {
			if existing != h {
				kept = append(kept, existing)
			}
		}
		if len(kept) == 0 {
			delete(b.handlers, t)
		} else {
			b.handlers[t] = kept
		}
	}
	logger.DebugCF(component, "Handler unregistered", map[string]interface{}{
		"types": h.EventTypes(),
		"name":  handlerName(h),
	})
}

// Use appends a middleware. Execution order equals append order.
func (b *Bus) Use(mw Middleware) {
	if mw == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// ---------------------------------------------------------------------------
// Publishing
// ---------------------------------------------------------------------------

// Publish records the event in history, runs the middleware chain, then
// dispatches to all handlers for the event's type concurrently and waits for
// the whole batch. It returns one result per handler in priority-sorted
// handler order; failures are captured in the results, never raised. A
// vetoed event or an event with no handlers yields an empty result set.
func (b *Bus) Publish(ctx context.Context, event *events.Event) []HandlerResult {
	event, handlers := b.prepare(event)
	if len(handlers) == 0 {
		return nil
	}
	return b.dispatch(ctx, event, handlers)
}

// PublishAsync is the fire-and-forget form of Publish: it launches the same
// concurrent handler batch as a detached unit of work and returns
// immediately. The caller cannot observe the batch's completion or errors
// except through logs, history, and each handler's own OnError.
func (b *Bus) PublishAsync(ctx context.Context, event *events.Event) {
	event, handlers := b.prepare(event)
	if len(handlers) == 0 {
		return
	}
	b.async.Add(1)
	go func() {
		defer b.async.Done()
		b.dispatch(ctx, event, handlers)
	}()
}

// prepare appends to history, runs middleware, and resolves the handler
// snapshot for dispatch. A nil handler slice means nothing to do (vetoed,
// closed, or no handlers registered).
func (b *Bus) prepare(event *events.Event) (*events.Event, []Handler) {
	if event == nil || event.Type == "" {
		return nil, nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil
	}
	b.history.append(event)
	middleware := make([]Middleware, len(b.middleware))
	copy(middleware, b.middleware)
	b.mu.Unlock()

	for i, mw := range middleware {
		next, err := runMiddleware(mw, event)
		if err != nil {
			// A failing middleware must not abort the publish.
			logger.ErrorCF(component, "Middleware failed", map[string]interface{}{
				"event_type": event.Type,
				"index":      i,
				"error":      err.Error(),
			})
			continue
		}
		if next == nil {
			logger.DebugCF(component, "Event cancelled by middleware", map[string]interface{}{
				"event_type": event.Type,
				"index":      i,
			})
			return nil, nil
		}
		event = next
	}

	b.mu.RLock()
	list := b.handlers[event.Type]
	handlers := make([]Handler, len(list))
	copy(handlers, list)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		logger.DebugCF(component, "No handlers for event", map[string]interface{}{
			"event_type": event.Type,
		})
	}
	return event, handlers
}

func runMiddleware(mw Middleware, event *events.Event) (next *events.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("middleware panic: %v", r)
		}
	}()
	return mw(event), nil
}

// dispatch runs every handler concurrently and gathers results in handler
// order. Priority decides that order, not start or completion time.
func (b *Bus) dispatch(ctx context.Context, event *events.Event, handlers []Handler) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			results[i] = b.invoke(ctx, event, h)
		}(i, h)
	}
	wg.Wait()
	return results
}

// invoke wraps one handler call: panic recovery, optional timeout, and
// OnError routing so one handler's failure never touches its siblings.
func (b *Bus) invoke(ctx context.Context, event *events.Event, h Handler) HandlerResult {
	res := HandlerResult{Handler: h}

	if b.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.handlerTimeout)
		defer cancel()

		type outcome struct {
			value interface{}
			err   error
		}
		// Buffered so a handler finishing after the deadline can still
		// deposit its outcome and exit; the abandoned result is never read.
		done := make(chan outcome, 1)
		go func() {
			value, err := safeHandle(ctx, event, h)
			done <- outcome{value: value, err: err}
		}()
		select {
		case out := <-done:
			res.Value, res.Err = out.value, out.err
		case <-ctx.Done():
			res.Err = fmt.Errorf("handler %s timed out after %s: %w",
				handlerName(h), b.handlerTimeout, ctx.Err())
		}
	} else {
		res.Value, res.Err = safeHandle(ctx, event, h)
	}

	if res.Err != nil {
		logger.WarnCF(component, "Handler failed", map[string]interface{}{
			"event_type": event.Type,
			"event_id":   event.ID,
			"handler":    handlerName(h),
			"error":      res.Err.Error(),
		})
		safeOnError(ctx, event, h, res.Err)
	}
	return res
}

func safeHandle(ctx context.Context, event *events.Event, h Handler) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, event)
}

func safeOnError(ctx context.Context, event *events.Event, h Handler, cause error) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF(component, "OnError panicked", map[string]interface{}{
				"event_type": event.Type,
				"handler":    handlerName(h),
				"panic":      fmt.Sprint(r),
			})
		}
	}()
	h.OnError(ctx, event, cause)
}

func handlerName(h Handler) string {
	if n, ok := h.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", h)
}

// ---------------------------------------------------------------------------
// Introspection and maintenance
// ---------------------------------------------------------------------------

// History returns up to limit of the most recent events, oldest first,
// filtered by type when eventType is non-empty. limit <= 0 uses
// DefaultHistoryLimit.
func (b *Bus) History(eventType string, limit int) []*events.Event {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.tail(eventType, limit)
}

// ClearHistory drops all retained events.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history.clear()
}

// HistoryLen returns the number of retained events.
func (b *Bus) HistoryLen() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.history.len()
}

// Handlers returns a snapshot of the handlers registered for a type, in
// priority-sorted order.
func (b *Bus) Handlers(eventType string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	list := b.handlers[eventType]
	out := make([]Handler, len(list))
	copy(out, list)
	return out
}

// EventTypes returns all event types with at least one registered handler,
// sorted for deterministic iteration.
func (b *Bus) EventTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// HandlerCount returns the total number of handler registrations across all
// types (for diagnostics).
func (b *Bus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, list := range b.handlers {
		count += len(list)
	}
	return count
}

// Close stops accepting publishes and waits for in-flight detached batches
// to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.async.Wait()
}
