package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rimeworks/krill/pkg/events"
)

// recordingHandler counts invocations and error callbacks.
type recordingHandler struct {
	types []string
	prio  events.Priority
	fn    HandleFunc

	mu       sync.Mutex
	handled  []*events.Event
	onErrors int
}

func newRecordingHandler(prio events.Priority, types ...string) *recordingHandler {
	return &recordingHandler{types: types, prio: prio}
}

func (h *recordingHandler) EventTypes() []string      { return h.types }
func (h *recordingHandler) Priority() events.Priority { return h.prio }

func (h *recordingHandler) Handle(ctx context.Context, event *events.Event) (interface{}, error) {
	h.mu.Lock()
	h.handled = append(h.handled, event)
	h.mu.Unlock()
	if h.fn != nil {
		return h.fn(ctx, event)
	}
	return nil, nil
}

func (h *recordingHandler) OnError(ctx context.Context, event *events.Event, err error) {
	h.mu.Lock()
	h.onErrors++
	h.mu.Unlock()
}

func (h *recordingHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handled)
}

func (h *recordingHandler) errorCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onErrors
}

func TestPublishOneResultPerHandler(t *testing.T) {
	b := New()
	h1 := newRecordingHandler(events.PriorityHigh, "x")
	h2 := newRecordingHandler(events.PriorityLow, "x")
	b.RegisterHandler(h1)
	b.RegisterHandler(h2)

	results := b.Publish(context.Background(), events.New("x", nil))

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if h1.calls() != 1 || h2.calls() != 1 {
		t.Errorf("expected both handlers invoked once, got %d and %d", h1.calls(), h2.calls())
	}
	if h1.handled[0].ID != h2.handled[0].ID {
		t.Error("handlers saw different events")
	}
	// Priority sorts the result order: high before low.
	if results[0].Handler != Handler(h1) || results[1].Handler != Handler(h2) {
		t.Error("results not in priority order")
	}
}

func TestPublishResultOrderFollowsPriority(t *testing.T) {
	b := New()
	low := newRecordingHandler(events.PriorityLow, "x")
	critical := newRecordingHandler(events.PriorityCritical, "x")
	normal := newRecordingHandler(events.PriorityNormal, "x")
	high := newRecordingHandler(events.PriorityHigh, "x")

	// Registration order deliberately scrambled.
	for _, h := range []Handler{low, critical, normal, high} {
		b.RegisterHandler(h)
	}

	results := b.Publish(context.Background(), events.New("x", nil))
	want := []Handler{critical, high, normal, low}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(results))
	}
	for i, h := range want {
		if results[i].Handler != h {
			t.Errorf("result %d: wrong handler (priority %s)", i, h.Priority())
		}
	}
}

func TestPublishNoHandlers(t *testing.T) {
	b := New()

	results := b.Publish(context.Background(), events.New("y", nil))

	if len(results) != 0 {
		t.Fatalf("expected empty results, got %d", len(results))
	}
	if got := b.HistoryLen(); got != 1 {
		t.Errorf("expected history to gain one entry, got %d", got)
	}
}

func TestDuplicateRegistrationMeansDuplicateDelivery(t *testing.T) {
	b := New()
	h := newRecordingHandler(events.PriorityNormal, "x")
	b.RegisterHandler(h)
	b.RegisterHandler(h)

	results := b.Publish(context.Background(), events.New("x", nil))

	if len(results) != 2 {
		t.Fatalf("expected 2 results for duplicate registration, got %d", len(results))
	}
	if h.calls() != 2 {
		t.Errorf("expected 2 deliveries, got %d", h.calls())
	}

	// Unregister removes every occurrence.
	b.UnregisterHandler(h)
	if got := b.Publish(context.Background(), events.New("x", nil)); len(got) != 0 {
		t.Errorf("expected no delivery after unregister, got %d results", len(got))
	}
}

func TestUnregisterRemovesAllTypes(t *testing.T) {
	b := New()
	h := newRecordingHandler(events.PriorityNormal, "a", "b")
	b.RegisterHandler(h)
	b.UnregisterHandler(h)

	b.Publish(context.Background(), events.New("a", nil))
	b.Publish(context.Background(), events.New("b", nil))

	if h.calls() != 0 {
		t.Errorf("expected no invocations after unregister, got %d", h.calls())
	}
	if types := b.EventTypes(); len(types) != 0 {
		t.Errorf("expected no registered types, got %v", types)
	}
}

func TestUnregisterUnknownIsNoOp(t *testing.T) {
	b := New()
	b.UnregisterHandler(newRecordingHandler(events.PriorityNormal, "x"))
}

func TestMiddlewareVeto(t *testing.T) {
	b := New()
	h := newRecordingHandler(events.PriorityNormal, "blocked.test", "ok.test")
	b.RegisterHandler(h)
	b.Use(func(e *events.Event) *events.Event {
		if strings.HasPrefix(e.Type, "blocked.") {
			return nil
		}
		return e
	})

	results := b.Publish(context.Background(), events.New("blocked.test", nil))
	if len(results) != 0 {
		t.Fatalf("expected zero results for vetoed event, got %d", len(results))
	}
	if h.calls() != 0 {
		t.Errorf("expected zero handler invocations, got %d", h.calls())
	}
	// The veto happens after the history append.
	if got := b.HistoryLen(); got != 1 {
		t.Errorf("expected vetoed event in history, got %d entries", got)
	}

	if results := b.Publish(context.Background(), events.New("ok.test", nil)); len(results) != 1 {
		t.Errorf("expected unvetoed event delivered, got %d results", len(results))
	}
}

func TestMiddlewareReplacesEvent(t *testing.T) {
	b := New()
	h := newRecordingHandler(events.PriorityNormal, "x")
	b.RegisterHandler(h)
	b.Use(func(e *events.Event) *events.Event {
		next := e.Clone()
		next.SetMeta("stamped", "yes")
		return next
	})

	b.Publish(context.Background(), events.New("x", nil))

	if h.calls() != 1 {
		t.Fatalf("expected one invocation, got %d", h.calls())
	}
	if h.handled[0].Meta("stamped") != "yes" {
		t.Error("handler did not see the middleware-replaced event")
	}
}

func TestMiddlewareOrderAndPanicIsolation(t *testing.T) {
	b := New()
	h := newRecordingHandler(events.PriorityNormal, "x")
	b.RegisterHandler(h)

	var order []string
	var mu sync.Mutex
	b.Use(func(e *events.Event) *events.Event {
		mu.Lock()
		order = append(order, "first")
		mu.Unlock()
		panic("middleware exploded")
	})
	b.Use(func(e *events.Event) *events.Event {
		mu.Lock()
		order = append(order, "second")
		mu.Unlock()
		return e
	})

	results := b.Publish(context.Background(), events.New("x", nil))

	if len(results) != 1 {
		t.Fatalf("publish aborted by panicking middleware: %d results", len(results))
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("middleware chain broken, ran: %v", order)
	}
}

func TestHandlerFailureIsolation(t *testing.T) {
	b := New()
	failing := newRecordingHandler(events.PriorityHigh, "x")
	failing.fn = func(ctx context.Context, e *events.Event) (interface{}, error) {
		return nil, errors.New("boom")
	}
	healthy := newRecordingHandler(events.PriorityNormal, "x")
	b.RegisterHandler(failing)
	b.RegisterHandler(healthy)

	results := b.Publish(context.Background(), events.New("x", nil))

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Err == nil {
		t.Error("expected failing handler's error captured in its result")
	}
	if results[1].Err != nil {
		t.Errorf("healthy handler result carries error: %v", results[1].Err)
	}
	if healthy.calls() != 1 {
		t.Error("sibling handler was blocked by the failure")
	}
	if failing.errorCalls() != 1 {
		t.Errorf("expected OnError exactly once, got %d", failing.errorCalls())
	}
	if healthy.errorCalls() != 0 {
		t.Errorf("healthy handler's OnError fired %d times", healthy.errorCalls())
	}
}

func TestHandlerPanicIsolation(t *testing.T) {
	b := New()
	panicking := newRecordingHandler(events.PriorityNormal, "x")
	panicking.fn = func(ctx context.Context, e *events.Event) (interface{}, error) {
		panic("handler exploded")
	}
	sibling := newRecordingHandler(events.PriorityNormal, "x")
	b.RegisterHandler(panicking)
	b.RegisterHandler(sibling)

	results := b.Publish(context.Background(), events.New("x", nil))

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	var captured error
	for _, r := range results {
		if r.Handler == Handler(panicking) {
			captured = r.Err
		}
	}
	if captured == nil || !strings.Contains(captured.Error(), "panic") {
		t.Errorf("expected captured panic error, got %v", captured)
	}
	if sibling.calls() != 1 {
		t.Error("sibling handler was blocked by the panic")
	}
	if panicking.errorCalls() != 1 {
		t.Errorf("expected OnError exactly once, got %d", panicking.errorCalls())
	}
}

func TestPublishAsyncCompletesDetached(t *testing.T) {
	b := New()
	done := make(chan struct{})
	h := newRecordingHandler(events.PriorityNormal, "x")
	h.fn = func(ctx context.Context, e *events.Event) (interface{}, error) {
		close(done)
		return nil, nil
	}
	b.RegisterHandler(h)

	b.PublishAsync(context.Background(), events.New("x", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("detached batch never ran")
	}
}

func TestCloseDrainsAsyncBatches(t *testing.T) {
	b := New()
	var ran sync.WaitGroup
	ran.Add(1)
	h := newRecordingHandler(events.PriorityNormal, "x")
	h.fn = func(ctx context.Context, e *events.Event) (interface{}, error) {
		time.Sleep(20 * time.Millisecond)
		ran.Done()
		return nil, nil
	}
	b.RegisterHandler(h)

	b.PublishAsync(context.Background(), events.New("x", nil))
	b.Close()

	// Close returned, so the batch must have finished.
	waitDone := make(chan struct{})
	go func() {
		ran.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("Close returned before the async batch completed")
	}

	if results := b.Publish(context.Background(), events.New("x", nil)); results != nil {
		t.Error("publish on a closed bus delivered")
	}
}

func TestHandlerTimeout(t *testing.T) {
	b := New(WithHandlerTimeout(30 * time.Millisecond))
	slow := newRecordingHandler(events.PriorityNormal, "x")
	slow.fn = func(ctx context.Context, e *events.Event) (interface{}, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return "late", nil
	}
	b.RegisterHandler(slow)

	results := b.Publish(context.Background(), events.New("x", nil))

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Err == nil || !strings.Contains(results[0].Err.Error(), "timed out") {
		t.Errorf("expected timeout error, got %v", results[0].Err)
	}
	if slow.errorCalls() != 1 {
		t.Errorf("expected OnError once for the timeout, got %d", slow.errorCalls())
	}
}

func TestHandlerTimeoutLateCompletion(t *testing.T) {
	b := New(WithHandlerTimeout(10 * time.Millisecond))
	finished := make(chan struct{})
	// Ignores its context entirely and finishes well after the deadline.
	stubborn := newRecordingHandler(events.PriorityNormal, "x")
	stubborn.fn = func(ctx context.Context, e *events.Event) (interface{}, error) {
		defer close(finished)
		time.Sleep(50 * time.Millisecond)
		return "late", nil
	}
	b.RegisterHandler(stubborn)

	results := b.Publish(context.Background(), events.New("x", nil))

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Err == nil || !strings.Contains(results[0].Err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", results[0].Err)
	}
	if results[0].Value != nil {
		t.Errorf("timed-out result carries a value: %v", results[0].Value)
	}

	// Let the abandoned invocation run to completion; its late outcome must
	// not touch the already-returned result.
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never finished")
	}
	if results[0].Err == nil || results[0].Value != nil {
		t.Error("late handler completion overwrote the timeout result")
	}
}

func TestHistoryCapacityAndFiltering(t *testing.T) {
	b := New(WithHistoryCapacity(5))

	for i := 0; i < 6; i++ {
		b.Publish(context.Background(), events.New(fmt.Sprintf("t.%d", i), nil))
	}

	if got := b.HistoryLen(); got != 5 {
		t.Fatalf("history exceeded capacity: %d", got)
	}
	if got := b.History("t.0", 0); len(got) != 0 {
		t.Error("oldest entry still recoverable after eviction")
	}
	if got := b.History("t.5", 0); len(got) != 1 {
		t.Errorf("expected newest entry present, got %d", len(got))
	}

	all := b.History("", 3)
	if len(all) != 3 {
		t.Fatalf("limit not applied: %d", len(all))
	}
	if all[len(all)-1].Type != "t.5" {
		t.Errorf("expected most recent entries, last is %s", all[len(all)-1].Type)
	}

	b.ClearHistory()
	if got := b.HistoryLen(); got != 0 {
		t.Errorf("expected empty history after clear, got %d", got)
	}
}

func TestIntrospection(t *testing.T) {
	b := New()
	h := newRecordingHandler(events.PriorityNormal, "b", "a")
	b.RegisterHandler(h)

	if types := b.EventTypes(); len(types) != 2 || types[0] != "a" || types[1] != "b" {
		t.Errorf("expected sorted types [a b], got %v", types)
	}
	if got := b.Handlers("a"); len(got) != 1 {
		t.Errorf("expected 1 handler for a, got %d", len(got))
	}
	if got := b.HandlerCount(); got != 2 {
		t.Errorf("expected 2 registrations, got %d", got)
	}
}

func TestConcurrentPublishAndRegister(t *testing.T) {
	b := New()
	h := newRecordingHandler(events.PriorityNormal, "x")
	b.RegisterHandler(h)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.Publish(context.Background(), events.New("x", nil))
		}()
		go func() {
			defer wg.Done()
			extra := newRecordingHandler(events.PriorityLow, "x")
			b.RegisterHandler(extra)
			b.UnregisterHandler(extra)
		}()
	}
	wg.Wait()

	if h.calls() != 20 {
		t.Errorf("expected 20 deliveries, got %d", h.calls())
	}
}
