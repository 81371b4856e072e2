package plugin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rimeworks/krill/pkg/bus"
	"github.com/rimeworks/krill/pkg/config"
	"github.com/rimeworks/krill/pkg/events"
)

// stubPlugin embeds *Base like every real plugin and lets tests script the
// lifecycle hooks.
type stubPlugin struct {
	*Base

	loadFn   func(ctx context.Context) error
	unloadFn func(ctx context.Context) error
	handlers int // handlers to register during OnLoad

	mu    sync.Mutex
	errs  []error
	loads int
	unlds int
}

func newStub(b *bus.Bus, name string, deps ...string) *stubPlugin {
	return &stubPlugin{
		Base: NewBase(Metadata{
			Name:         name,
			Version:      "0.1.0",
			Dependencies: deps,
		}, b),
		handlers: 1,
	}
}

func (p *stubPlugin) OnLoad(ctx context.Context) error {
	p.mu.Lock()
	p.loads++
	p.mu.Unlock()
	for i := 0; i < p.handlers; i++ {
		p.RegisterHandler(bus.NewFuncHandler(p.Meta().Name, []string{"test." + p.Meta().Name},
			func(ctx context.Context, e *events.Event) (interface{}, error) { return nil, nil }))
	}
	if p.loadFn != nil {
		return p.loadFn(ctx)
	}
	return nil
}

func (p *stubPlugin) OnUnload(ctx context.Context) error {
	p.mu.Lock()
	p.unlds++
	p.mu.Unlock()
	if p.unloadFn != nil {
		if err := p.unloadFn(ctx); err != nil {
			return err
		}
	}
	return p.Base.OnUnload(ctx)
}

func (p *stubPlugin) OnError(err error) {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

func (p *stubPlugin) errorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.errs)
}

// bareLoaded is a plugin without *Base: the manager leaves its initialized
// state alone, so it stays "loaded but never initialized".
type bareLoaded struct{ name string }

func (p *bareLoaded) Meta() Metadata                     { return Metadata{Name: p.name} }
func (p *bareLoaded) OnLoad(ctx context.Context) error   { return nil }
func (p *bareLoaded) OnUnload(ctx context.Context) error { return nil }
func (p *bareLoaded) OnError(err error)                  {}
func (p *bareLoaded) Initialized() bool                  { return false }

func TestDependencyGating(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)
	ctx := context.Background()

	a := newStub(b, "a", "b")
	dep := newStub(b, "b")

	// Loading a before its dependency must fail with no state change.
	if err := m.Load(ctx, a); !errors.Is(err, ErrDependencyUnmet) {
		t.Fatalf("expected ErrDependencyUnmet, got %v", err)
	}
	if m.Count() != 0 {
		t.Fatal("failed load left registry state behind")
	}

	if err := m.Load(ctx, dep); err != nil {
		t.Fatalf("load b: %v", err)
	}
	if err := m.Load(ctx, a); err != nil {
		t.Fatalf("load a after b: %v", err)
	}
	if !a.Initialized() || !dep.Initialized() {
		t.Error("loaded plugins not marked initialized")
	}

	// b cannot leave while a depends on it.
	if err := m.Unload(ctx, "b"); !errors.Is(err, ErrDependentsBlocking) {
		t.Fatalf("expected ErrDependentsBlocking, got %v", err)
	}
	if _, ok := m.Get("b"); !ok {
		t.Fatal("blocked unload removed the plugin")
	}

	if err := m.Unload(ctx, "a"); err != nil {
		t.Fatalf("unload a: %v", err)
	}
	if err := m.Unload(ctx, "b"); err != nil {
		t.Fatalf("unload b after a: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("expected empty registry, have %d", m.Count())
	}
}

func TestDependencyMustBeInitialized(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)
	ctx := context.Background()

	// Present in the registry but reporting Initialized() == false.
	if err := m.Load(ctx, &bareLoaded{name: "ghost"}); err != nil {
		t.Fatalf("load ghost: %v", err)
	}

	a := newStub(b, "a", "ghost")
	err := m.Load(ctx, a)
	if !errors.Is(err, ErrDependencyUnmet) {
		t.Fatalf("expected ErrDependencyUnmet for uninitialized dependency, got %v", err)
	}
	if !strings.Contains(err.Error(), "not initialized") {
		t.Errorf("error should name the uninitialized dependency: %v", err)
	}
}

func TestLoadDuplicate(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)
	ctx := context.Background()

	if err := m.Load(ctx, newStub(b, "a")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := m.Load(ctx, newStub(b, "a")); !errors.Is(err, ErrAlreadyLoaded) {
		t.Fatalf("expected ErrAlreadyLoaded, got %v", err)
	}
}

func TestLoadSameNameWhileInFlight(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := newStub(b, "dup")
	slow.loadFn = func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- m.Load(ctx, slow) }()
	<-entered

	// The name is reserved while the first OnLoad is still running.
	if err := m.Load(ctx, newStub(b, "dup")); !errors.Is(err, ErrAlreadyLoaded) {
		t.Fatalf("expected ErrAlreadyLoaded for in-flight name, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first load: %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 plugin, got %d", m.Count())
	}
	got, _ := m.Get("dup")
	if got != Plugin(slow) {
		t.Error("registry holds the wrong instance")
	}
}

func TestUnloadBlockedByInFlightDependent(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)
	ctx := context.Background()

	dep := newStub(b, "b")
	if err := m.Load(ctx, dep); err != nil {
		t.Fatalf("load b: %v", err)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	a := newStub(b, "a", "b")
	a.loadFn = func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- m.Load(ctx, a) }()
	<-entered

	// b may not leave while a's load is still in flight.
	if err := m.Unload(ctx, "b"); !errors.Is(err, ErrDependentsBlocking) {
		t.Fatalf("expected ErrDependentsBlocking during in-flight load, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("load a: %v", err)
	}
	if err := m.Unload(ctx, "a"); err != nil {
		t.Fatalf("unload a: %v", err)
	}
	if err := m.Unload(ctx, "b"); err != nil {
		t.Fatalf("unload b: %v", err)
	}
}

func TestLoadFailureRollsBack(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)
	ctx := context.Background()

	p := newStub(b, "broken")
	p.handlers = 2
	p.loadFn = func(ctx context.Context) error { return errors.New("no database") }

	err := m.Load(ctx, p)
	if err == nil {
		t.Fatal("expected load error")
	}
	if _, ok := m.Get("broken"); ok {
		t.Error("failed plugin left in registry")
	}
	if got := b.HandlerCount(); got != 0 {
		t.Errorf("handlers registered before the failure survived: %d", got)
	}
	if p.errorCount() != 1 {
		t.Errorf("expected OnError once, got %d", p.errorCount())
	}
	if p.Initialized() {
		t.Error("failed plugin marked initialized")
	}
}

func TestLoadPanicIsolated(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)

	p := newStub(b, "volatile")
	p.loadFn = func(ctx context.Context) error { panic("wiring fault") }

	err := m.Load(context.Background(), p)
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected recovered panic error, got %v", err)
	}
	if _, ok := m.Get("volatile"); ok {
		t.Error("panicking plugin left in registry")
	}
	if p.errorCount() != 1 {
		t.Errorf("expected OnError once, got %d", p.errorCount())
	}
}

func TestUnloadRemovesHandlers(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)
	ctx := context.Background()

	p := newStub(b, "a")
	p.handlers = 3
	if err := m.Load(ctx, p); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := b.HandlerCount(); got != 3 {
		t.Fatalf("expected 3 registered handlers, got %d", got)
	}

	if err := m.Unload(ctx, "a"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if got := b.HandlerCount(); got != 0 {
		t.Errorf("handlers survived unload: %d", got)
	}
	if p.Initialized() {
		t.Error("unloaded plugin still marked initialized")
	}
}

func TestUnloadBestEffort(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)
	ctx := context.Background()

	p := newStub(b, "sticky")
	p.unloadFn = func(ctx context.Context) error { return errors.New("socket refuses to die") }
	if err := m.Load(ctx, p); err != nil {
		t.Fatalf("load: %v", err)
	}

	err := m.Unload(ctx, "sticky")
	if err == nil {
		t.Fatal("expected the hook failure surfaced")
	}
	// Removed from the registry and detached from the bus regardless.
	if _, ok := m.Get("sticky"); ok {
		t.Error("plugin still in registry after best-effort unload")
	}
	if got := b.HandlerCount(); got != 0 {
		t.Errorf("handlers survived the forced cleanup: %d", got)
	}
	if p.errorCount() != 1 {
		t.Errorf("expected OnError once, got %d", p.errorCount())
	}
}

func TestUnloadUnknown(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)

	if err := m.Unload(context.Background(), "nobody"); !errors.Is(err, ErrUnknownPlugin) {
		t.Fatalf("expected ErrUnknownPlugin, got %v", err)
	}
}

func TestReload(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)
	ctx := context.Background()

	p := newStub(b, "a")
	if err := m.Load(ctx, p); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := m.Reload(ctx, "a"); err != nil {
		t.Fatalf("reload: %v", err)
	}

	got, ok := m.Get("a")
	if !ok {
		t.Fatal("plugin gone after reload")
	}
	if got != Plugin(p) {
		t.Error("reload swapped the plugin instance")
	}
	if p.loads != 2 || p.unlds != 1 {
		t.Errorf("expected 2 loads and 1 unload, got %d and %d", p.loads, p.unlds)
	}
	if b.HandlerCount() != 1 {
		t.Errorf("expected handler set restored, got %d registrations", b.HandlerCount())
	}
}

func TestReloadBlockedByDependents(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)
	ctx := context.Background()

	dep := newStub(b, "b")
	a := newStub(b, "a", "b")
	if err := m.Load(ctx, dep); err != nil {
		t.Fatalf("load b: %v", err)
	}
	if err := m.Load(ctx, a); err != nil {
		t.Fatalf("load a: %v", err)
	}

	if err := m.Reload(ctx, "b"); !errors.Is(err, ErrDependentsBlocking) {
		t.Fatalf("expected ErrDependentsBlocking, got %v", err)
	}
	if _, ok := m.Get("b"); !ok {
		t.Error("blocked reload removed the plugin")
	}
	if !dep.Initialized() {
		t.Error("blocked reload flipped the initialized flag")
	}
}

func TestDependents(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)
	ctx := context.Background()

	core := newStub(b, "core")
	x := newStub(b, "x", "core")
	y := newStub(b, "y", "core")
	for _, p := range []*stubPlugin{core, x, y} {
		if err := m.Load(ctx, p); err != nil {
			t.Fatalf("load %s: %v", p.Meta().Name, err)
		}
	}

	got := m.Dependents("core")
	if len(got) != 2 || got[0] != "x" || got[1] != "y" {
		t.Errorf("expected dependents [x y], got %v", got)
	}
	if deps := m.Dependents("x"); len(deps) != 0 {
		t.Errorf("expected no dependents of x, got %v", deps)
	}
}

func TestLoadFromConfigIsolatesFailures(t *testing.T) {
	b := bus.New()
	defer b.Close()
	m := NewManager(b)

	RegisterFactory("cfgtest-good", func(cfg *config.Config, b *bus.Bus) (Plugin, error) {
		return newStub(b, "cfgtest-good"), nil
	})
	RegisterFactory("cfgtest-bad", func(cfg *config.Config, b *bus.Bus) (Plugin, error) {
		return nil, errors.New("missing token")
	})
	RegisterFactory("cfgtest-panic", func(cfg *config.Config, b *bus.Bus) (Plugin, error) {
		panic("constructor fault")
	})

	cfg := config.Default()
	cfg.Plugins.Enabled = []string{"cfgtest-bad", "cfgtest-panic", "cfgtest-missing", "cfgtest-good"}

	if loaded := m.LoadFromConfig(context.Background(), cfg); loaded != 1 {
		t.Fatalf("expected exactly 1 plugin loaded, got %d", loaded)
	}
	if _, ok := m.Get("cfgtest-good"); !ok {
		t.Error("the healthy plugin did not survive its broken neighbours")
	}
}
