// Package registry resolves page locations to site adapters and keeps exactly one
// adapter active at a time.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/injector"
)

// Factory builds the site glue for a fresh adapter instance.
type Factory func() (adapter.Site, error)

// Plugin is a registered adapter: its descriptor and how to build its site.
type Plugin struct {
	Descriptor adapter.Descriptor
	New        Factory
}

type entry struct {
	plugin   Plugin
	matcher  *adapter.HostMatcher
	order    int
	instance *adapter.Adapter
}

// Options configures a Registry.
type Options struct {
	// Injector timings are handed to every adapter instance.
	Injector injector.Config
	// SurfaceVisible, when set, decides whether a newly activated adapter shows
	// its control surface.
	SurfaceVisible func() bool
	Logger         *slog.Logger
}

// Registry owns every adapter instance of one page session.
type Registry struct {
	doc    dom.Document
	bus    *events.Bus
	opts   Options
	logger *slog.Logger

	// switchMu serializes ActivateFor and Shutdown. Adapter hooks only take mu.
	switchMu sync.Mutex

	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry
	active  *adapter.Adapter
}

// New creates an empty registry bound to doc.
func New(doc dom.Document, bus *events.Bus, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		doc:    doc,
		bus:    bus,
		opts:   opts,
		logger: logger.With("component", "registry"),
		byName: make(map[string]*entry),
	}
}

// Register validates and adds a plugin. The factory is probed once so that a
// capability declared without an implementation is rejected here, not at call time.
func (r *Registry) Register(p Plugin) error {
	d := p.Descriptor
	if err := d.Validate(); err != nil {
		return err
	}
	if p.New == nil {
		return fmt.Errorf("adapter %s: factory is required", d.Name)
	}
	matcher, err := d.Matcher()
	if err != nil {
		return err
	}
	probe, err := p.New()
	if err != nil {
		return fmt.Errorf("adapter %s: factory failed: %w", d.Name, err)
	}
	if err := adapter.CheckCapabilities(d, probe); err != nil {
		return err
	}

	// Keep our own copy of the host list so the caller cannot mutate it.
	d.Hosts = append([]string(nil), d.Hosts...)
	p.Descriptor = d

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[d.Name]; dup {
		return fmt.Errorf("adapter %s already registered", d.Name)
	}
	e := &entry{plugin: p, matcher: matcher, order: len(r.entries)}
	r.entries = append(r.entries, e)
	r.byName[d.Name] = e
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].plugin.Descriptor.Priority != r.entries[j].plugin.Descriptor.Priority {
			return r.entries[i].plugin.Descriptor.Priority > r.entries[j].plugin.Descriptor.Priority
		}
		return r.entries[i].order < r.entries[j].order
	})
	r.logger.Debug("adapter registered", "adapter", d.Name, "version", d.Version, "hosts", d.Hosts)
	return nil
}

// MustRegister registers every plugin and panics on the first error.
func (r *Registry) MustRegister(plugins ...Plugin) {
	for _, p := range plugins {
		if err := r.Register(p); err != nil {
			panic(err)
		}
	}
}

// Descriptors lists registered descriptors in resolution order.
func (r *Registry) Descriptors() []adapter.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]adapter.Descriptor, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.plugin.Descriptor
	}
	return out
}

// Resolve returns the descriptor of the first plugin, in priority order, whose
// host pattern matches location.
func (r *Registry) Resolve(location string) (adapter.Descriptor, bool) {
	host, path := SplitLocation(location)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.resolveLocked(host, path); e != nil {
		return e.plugin.Descriptor, true
	}
	return adapter.Descriptor{}, false
}

// ActivePlugin returns the ACTIVE adapter, or nil.
func (r *Registry) ActivePlugin() *adapter.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Instances returns every live adapter instance.
func (r *Registry) Instances() []*adapter.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*adapter.Adapter
	for _, e := range r.entries {
		if e.instance != nil {
			out = append(out, e.instance)
		}
	}
	return out
}

// ActivateFor makes the adapter matching location the active one.
//
// If the active adapter still matches, nothing happens. Otherwise the current
// adapter is deactivated, and the match (built lazily, or rebuilt if its previous
// instance was cleaned up) is initialized and activated. Instances whose hosts no
// longer match the location's host at all are cleaned up. It returns the active
// adapter, or nil when nothing matches.
func (r *Registry) ActivateFor(ctx context.Context, location string) *adapter.Adapter {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	host, path := SplitLocation(location)

	r.mu.Lock()
	current := r.active
	var currentEntry *entry
	if current != nil {
		currentEntry = r.byName[current.Name()]
	}
	target := r.resolveLocked(host, path)
	r.mu.Unlock()

	if current != nil && currentEntry != nil && currentEntry.matcher.Match(host, path) {
		return current
	}

	if target == nil {
		if current != nil {
			r.logger.Info("no adapter for location, deactivating", "location", location, "adapter", current.Name())
			current.Deactivate(ctx)
		}
		r.cleanupStale(ctx, host)
		return nil
	}

	inst, err := r.instanceFor(target)
	if err != nil {
		r.logger.Error("failed to build adapter", "adapter", target.plugin.Descriptor.Name, "error", err)
		return nil
	}
	if inst.State() == adapter.StateUninitialized && !inst.Initialize(ctx) {
		return nil
	}
	if !inst.Activate(ctx) && inst.State() != adapter.StateActive {
		return nil
	}
	r.logger.Info("adapter activated", "adapter", inst.Name(), "location", location)
	r.cleanupStale(ctx, host)
	return r.ActivePlugin()
}

// Shutdown cleans up every instance.
func (r *Registry) Shutdown(ctx context.Context) {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	for _, inst := range r.Instances() {
		inst.Cleanup(ctx)
	}
	r.mu.Lock()
	for _, e := range r.entries {
		e.instance = nil
	}
	r.active = nil
	r.mu.Unlock()
}

func (r *Registry) resolveLocked(host, path string) *entry {
	for _, e := range r.entries {
		if e.matcher.Match(host, path) {
			return e
		}
	}
	return nil
}

func (r *Registry) instanceFor(e *entry) (*adapter.Adapter, error) {
	r.mu.Lock()
	inst := e.instance
	r.mu.Unlock()
	if inst != nil && inst.State() != adapter.StateDisabled {
		return inst, nil
	}

	site, err := e.plugin.New()
	if err != nil {
		return nil, err
	}
	inst, err = adapter.New(e.plugin.Descriptor, site, r.doc, r.bus, adapter.Options{
		Injector: r.opts.Injector,
		Logger:   r.opts.Logger,
		Hooks: adapter.Hooks{
			BeforeActivate:  r.beforeActivate,
			AfterActivate:   r.afterActivate,
			AfterDeactivate: r.afterDeactivate,
		},
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	e.instance = inst
	r.mu.Unlock()
	return inst, nil
}

// beforeActivate enforces the single-active invariant: the previous adapter is
// INACTIVE before the next one becomes ACTIVE.
func (r *Registry) beforeActivate(ctx context.Context, next *adapter.Adapter) {
	r.mu.Lock()
	prev := r.active
	r.mu.Unlock()
	if prev != nil && prev != next {
		prev.Deactivate(ctx)
	}
	// Hidden before the first mount so the surface never flashes.
	r.applyVisibility(ctx, next)
}

func (r *Registry) afterActivate(ctx context.Context, a *adapter.Adapter) {
	r.mu.Lock()
	r.active = a
	r.mu.Unlock()
	// The switch may have flipped while the surface was mounting.
	r.applyVisibility(ctx, a)
}

func (r *Registry) applyVisibility(ctx context.Context, a *adapter.Adapter) {
	if r.opts.SurfaceVisible == nil {
		return
	}
	if err := a.Injector().SetVisible(ctx, r.opts.SurfaceVisible()); err != nil {
		r.logger.Warn("failed to apply control surface visibility", "adapter", a.Name(), "error", err)
	}
}

func (r *Registry) afterDeactivate(_ context.Context, a *adapter.Adapter) {
	r.mu.Lock()
	if r.active == a {
		r.active = nil
	}
	r.mu.Unlock()
}

// cleanupStale disposes of instances that cannot match anything on host.
func (r *Registry) cleanupStale(ctx context.Context, host string) {
	r.mu.Lock()
	var stale []*adapter.Adapter
	for _, e := range r.entries {
		if e.instance != nil && e.instance != r.active && !e.matcher.MatchHost(host) {
			stale = append(stale, e.instance)
			e.instance = nil
		}
	}
	r.mu.Unlock()

	for _, inst := range stale {
		r.logger.Debug("cleaning up adapter for foreign host", "adapter", inst.Name(), "host", host)
		inst.Cleanup(ctx)
	}
}

// SplitLocation returns the lower-cased hostname and path of a URL. Bare host
// names and "host/path" strings are accepted too.
func SplitLocation(location string) (host, path string) {
	loc := strings.TrimSpace(location)
	if !strings.Contains(loc, "://") {
		loc = "https://" + loc
	}
	u, err := url.Parse(loc)
	if err != nil {
		return strings.ToLower(location), "/"
	}
	path = u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return strings.ToLower(u.Hostname()), path
}
