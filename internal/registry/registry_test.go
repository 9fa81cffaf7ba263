package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/dom/domtest"
	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/injector"
	"github.com/neboloop/chatbridge/internal/types"
)

type testSite struct{ id string }

func (s testSite) SurfaceLocators() []dom.Locator { return []dom.Locator{dom.ByCSS("main")} }
func (s testSite) Surface() dom.Element           { return dom.Element{ID: s.id, Tag: "div"} }

func plugin(name string, priority int, hosts ...string) Plugin {
	return Plugin{
		Descriptor: adapter.Descriptor{Name: name, Version: "1", Hosts: hosts, Priority: priority},
		New:        func() (adapter.Site, error) { return testSite{id: name + "-surface"}, nil },
	}
}

func newTestRegistry(t *testing.T, plugins ...Plugin) (*Registry, *domtest.Document, *events.Bus) {
	t.Helper()
	doc := domtest.New("https://a.example.com/")
	doc.AddMatch("main")
	bus := events.NewBus()
	r := New(doc, bus, Options{Injector: injector.Config{RetryDelay: time.Millisecond, HealthInterval: time.Hour}})
	for _, p := range plugins {
		require.NoError(t, r.Register(p))
	}
	return r, doc, bus
}

func TestResolvePriorityThenRegistrationOrder(t *testing.T) {
	r, _, _ := newTestRegistry(t,
		plugin("generic", 0, "*.example.com"),
		plugin("first", 5, "a.example.com"),
		plugin("second", 5, "a.example.com"),
	)

	d, ok := r.Resolve("https://a.example.com/chat")
	require.True(t, ok)
	assert.Equal(t, "first", d.Name)

	d, ok = r.Resolve("b.example.com")
	require.True(t, ok)
	assert.Equal(t, "generic", d.Name)

	_, ok = r.Resolve("https://other.org/")
	assert.False(t, ok)

	names := []string{}
	for _, d := range r.Descriptors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"first", "second", "generic"}, names)
}

func TestRegisterRejectsDuplicatesAndBadCapabilities(t *testing.T) {
	r, _, _ := newTestRegistry(t, plugin("a", 0, "a.com"))

	assert.Error(t, r.Register(plugin("a", 0, "b.com")))

	bad := plugin("b", 0, "b.com")
	bad.Descriptor.Capabilities = types.NewCapabilitySet(types.CapTextInsertion)
	assert.Error(t, r.Register(bad))

	assert.Error(t, r.Register(Plugin{Descriptor: adapter.Descriptor{Name: "c", Hosts: []string{"c.com"}}}))
}

func TestActivateForHandsOverInOrder(t *testing.T) {
	r, doc, bus := newTestRegistry(t,
		plugin("a", 0, "a.example.com"),
		plugin("b", 0, "b.example.com"),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var transitions []string
	events.Subscribe(bus, events.TopicAdapterStateChanged, func(_ context.Context, ev events.StateChanged) error {
		mu.Lock()
		defer mu.Unlock()
		if ev.To == "ACTIVE" || ev.To == "INACTIVE" {
			transitions = append(transitions, ev.Adapter+":"+ev.To)
		}
		// Never two ACTIVE adapters at once.
		active := 0
		for _, inst := range r.Instances() {
			if inst.State() == adapter.StateActive {
				active++
			}
		}
		assert.LessOrEqual(t, active, 1)
		return nil
	})

	a := r.ActivateFor(ctx, "https://a.example.com/")
	require.NotNil(t, a)
	assert.Equal(t, "a", a.Name())
	assert.Same(t, a, r.ActivePlugin())

	b := r.ActivateFor(ctx, "https://b.example.com/")
	require.NotNil(t, b)
	assert.Equal(t, "b", b.Name())
	assert.Same(t, b, r.ActivePlugin())

	assert.Equal(t, []string{"a:ACTIVE", "a:INACTIVE", "b:ACTIVE"}, transitions)

	// a no longer matches b.example.com at all, so it was disposed of.
	assert.Equal(t, adapter.StateDisabled, a.State())
	assert.Len(t, r.Instances(), 1)

	ok, _ := doc.Exists(ctx, "a-surface")
	assert.False(t, ok)
	ok, _ = doc.Exists(ctx, "b-surface")
	assert.True(t, ok)
}

func TestActivateForSameAdapterIsNoop(t *testing.T) {
	r, doc, _ := newTestRegistry(t, plugin("a", 0, "a.example.com"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := r.ActivateFor(ctx, "https://a.example.com/one")
	second := r.ActivateFor(ctx, "https://a.example.com/two")
	assert.Same(t, first, second)
	assert.Equal(t, 1, doc.Inserts())
}

func TestActivateForUnsupportedPathDeactivates(t *testing.T) {
	r, doc, _ := newTestRegistry(t, plugin("a", 0, "a.example.com/chat/**"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := r.ActivateFor(ctx, "https://a.example.com/chat/1")
	require.NotNil(t, a)

	assert.Nil(t, r.ActivateFor(ctx, "https://a.example.com/settings"))
	assert.Nil(t, r.ActivePlugin())
	assert.Equal(t, adapter.StateInactive, a.State())
	assert.False(t, a.Injector().Running())
	assert.Equal(t, 0, doc.ObserverCount())

	// Coming back reuses the inactive instance.
	again := r.ActivateFor(ctx, "https://a.example.com/chat/2")
	assert.Same(t, a, again)
	assert.Equal(t, adapter.StateActive, a.State())
}

func TestDisabledInstanceIsRebuilt(t *testing.T) {
	r, _, _ := newTestRegistry(t, plugin("a", 0, "a.example.com"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := r.ActivateFor(ctx, "a.example.com")
	require.NotNil(t, first)
	first.Cleanup(ctx)
	assert.Nil(t, r.ActivePlugin())

	second := r.ActivateFor(ctx, "a.example.com")
	require.NotNil(t, second)
	assert.NotSame(t, first, second)
	assert.Equal(t, adapter.StateActive, second.State())
}

func TestShutdownCleansEverything(t *testing.T) {
	r, doc, _ := newTestRegistry(t, plugin("a", 0, "a.example.com"))
	ctx := context.Background()

	a := r.ActivateFor(ctx, "a.example.com")
	require.NotNil(t, a)
	r.Shutdown(ctx)

	assert.Equal(t, adapter.StateDisabled, a.State())
	assert.Nil(t, r.ActivePlugin())
	assert.Empty(t, r.Instances())
	assert.Equal(t, 0, doc.ObserverCount())
}

func TestSplitLocation(t *testing.T) {
	cases := []struct{ in, host, path string }{
		{"https://Chat.Example.com:8443/c/1?x=2", "chat.example.com", "/c/1"},
		{"chat.example.com", "chat.example.com", "/"},
		{"chat.example.com/app", "chat.example.com", "/app"},
	}
	for _, c := range cases {
		h, p := SplitLocation(c.in)
		assert.Equal(t, c.host, h, c.in)
		assert.Equal(t, c.path, p, c.in)
	}
}

func TestActivateForAppliesSurfaceVisibility(t *testing.T) {
	doc := domtest.New("https://a.example.com/")
	doc.AddMatch("main")
	var visible bool
	r := New(doc, events.NewBus(), Options{
		Injector:       injector.Config{RetryDelay: time.Millisecond, HealthInterval: time.Hour},
		SurfaceVisible: func() bool { return visible },
	})
	r.MustRegister(plugin("a", 0, "a.example.com"), plugin("b", 0, "b.example.com"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NotNil(t, r.ActivateFor(ctx, "https://a.example.com/"))
	el, ok := doc.Element("a-surface")
	require.True(t, ok)
	assert.False(t, el.Visible)

	visible = true
	require.NotNil(t, r.ActivateFor(ctx, "https://b.example.com/"))
	el, ok = doc.Element("b-surface")
	require.True(t, ok)
	assert.True(t, el.Visible)
}
