// Package toggle owns the user's automation switches for one page session.
package toggle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/notify"
	"github.com/neboloop/chatbridge/internal/types"
)

// Field names reported to subscribers.
const (
	FieldMCPEnabled  = "mcpEnabled"
	FieldAutoInsert  = "autoInsert"
	FieldAutoSubmit  = "autoSubmit"
	FieldAutoExecute = "autoExecute"
	FieldTools       = "tools"
	FieldReload      = "reload"
)

// Store persists automation preferences across page loads. Implementations
// must not store MCPEnabled.
type Store interface {
	Load(ctx context.Context) (types.ToggleState, error)
	Save(ctx context.Context, st types.ToggleState) error
}

// Resolver returns the active adapter, or nil.
type Resolver interface {
	ActivePlugin() *adapter.Adapter
}

// Artifacts attaches and detaches the context artifact. *automation.Orchestrator
// implements it.
type Artifacts interface {
	Attach(ctx context.Context, file types.Attachment) bool
	DetachAttached(ctx context.Context) int
}

// ArtifactSource builds the context artifact attached when the master switch is
// turned on.
type ArtifactSource func(ctx context.Context) (types.Attachment, error)

// Listener is told about every change.
type Listener func(field string, st types.ToggleState)

// Options wires the collaborators of a Manager. Every field is optional.
type Options struct {
	Store     Store
	Resolver  Resolver
	Artifacts Artifacts
	Artifact  ArtifactSource
	Notifier  notify.Notifier
	Logger    *slog.Logger
}

// Manager owns ToggleState.
type Manager struct {
	bus  *events.Bus
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	st        types.ToggleState
	tools     map[string]bool
	listeners map[int]Listener
	nextID    int
}

// New creates a manager with every switch off. Call Init before use.
func New(bus *events.Bus, opts Options) *Manager {
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:       bus,
		opts:      opts,
		log:       logger.With("component", "toggle"),
		tools:     make(map[string]bool),
		listeners: make(map[int]Listener),
	}
}

// Init prepares the state for a fresh page load. MCPEnabled is forced off before
// anything else happens, whatever was stored; the other switches are restored
// from the store.
func (m *Manager) Init(ctx context.Context) types.ToggleState {
	m.mu.Lock()
	m.st.MCPEnabled = false
	m.mu.Unlock()

	if m.opts.Store != nil {
		saved, err := m.opts.Store.Load(ctx)
		if err != nil {
			m.log.Warn("failed to load preferences, using defaults", "error", err)
		} else {
			m.mu.Lock()
			m.st.AutoInsert = saved.AutoInsert
			m.st.AutoSubmit = saved.AutoSubmit
			m.st.AutoExecute = saved.AutoExecute
			m.mu.Unlock()
		}
	}
	st := m.State()
	m.log.Debug("toggle state initialized", "autoInsert", st.AutoInsert, "autoSubmit", st.AutoSubmit, "autoExecute", st.AutoExecute)
	return st
}

// Reload re-reads the persisted switches, e.g. after another process changed them.
// MCPEnabled is left alone.
func (m *Manager) Reload(ctx context.Context) error {
	if m.opts.Store == nil {
		return nil
	}
	saved, err := m.opts.Store.Load(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	changed := m.st.AutoInsert != saved.AutoInsert || m.st.AutoSubmit != saved.AutoSubmit || m.st.AutoExecute != saved.AutoExecute
	m.st.AutoInsert = saved.AutoInsert
	m.st.AutoSubmit = saved.AutoSubmit
	m.st.AutoExecute = saved.AutoExecute
	m.mu.Unlock()
	if changed {
		m.changed(ctx, FieldReload)
	}
	return nil
}

// State returns a copy of the current switches.
func (m *Manager) State() types.ToggleState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// SetMCPEnabled flips the master switch. The control surface follows it. Enabling
// attaches the context artifact; disabling detaches it and clears per-tool
// enablement. The master switch is never persisted.
func (m *Manager) SetMCPEnabled(ctx context.Context, enabled bool) {
	m.mu.Lock()
	if m.st.MCPEnabled == enabled {
		m.mu.Unlock()
		return
	}
	m.st.MCPEnabled = enabled
	if !enabled {
		m.tools = make(map[string]bool)
	}
	m.mu.Unlock()

	if a := m.active(); a != nil {
		if err := a.Injector().SetVisible(ctx, enabled); err != nil {
			m.log.Warn("failed to update control surface visibility", "error", err)
		}
	}

	if enabled {
		m.attachArtifact(ctx)
		m.opts.Notifier.Notify(ctx, dom.ToastSuccess, "MCP tools enabled")
	} else {
		if m.opts.Artifacts != nil {
			m.opts.Artifacts.DetachAttached(ctx)
		}
		m.opts.Notifier.Notify(ctx, dom.ToastInfo, "MCP tools disabled")
	}
	m.changed(ctx, FieldMCPEnabled)
}

// ErrUnknownField is returned by Set for a name that is not a switch.
var ErrUnknownField = errors.New("unknown toggle")

// Set flips one switch by its field name. FieldTools is per tool and goes
// through SetToolEnabled instead.
func (m *Manager) Set(ctx context.Context, field string, enabled bool) error {
	switch field {
	case FieldMCPEnabled:
		m.SetMCPEnabled(ctx, enabled)
	case FieldAutoInsert:
		m.SetAutoInsert(ctx, enabled)
	case FieldAutoSubmit:
		m.SetAutoSubmit(ctx, enabled)
	case FieldAutoExecute:
		m.SetAutoExecute(ctx, enabled)
	default:
		return fmt.Errorf("%w %q", ErrUnknownField, field)
	}
	return nil
}

func (m *Manager) SetAutoInsert(ctx context.Context, enabled bool) {
	m.setPref(ctx, FieldAutoInsert, func(st *types.ToggleState) *bool { return &st.AutoInsert }, enabled)
}

func (m *Manager) SetAutoSubmit(ctx context.Context, enabled bool) {
	m.setPref(ctx, FieldAutoSubmit, func(st *types.ToggleState) *bool { return &st.AutoSubmit }, enabled)
}

func (m *Manager) SetAutoExecute(ctx context.Context, enabled bool) {
	m.setPref(ctx, FieldAutoExecute, func(st *types.ToggleState) *bool { return &st.AutoExecute }, enabled)
}

// SetToolEnabled overrides auto-execution for one tool.
func (m *Manager) SetToolEnabled(ctx context.Context, name string, enabled bool) {
	m.mu.Lock()
	m.tools[name] = enabled
	m.mu.Unlock()
	m.changed(ctx, FieldTools)
}

// ToolEnabled reports whether a tool may run. Tools are enabled unless overridden.
func (m *Manager) ToolEnabled(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	enabled, ok := m.tools[name]
	return !ok || enabled
}

// Subscribe registers a listener and returns a function removing it.
func (m *Manager) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) setPref(ctx context.Context, field string, sel func(*types.ToggleState) *bool, enabled bool) {
	m.mu.Lock()
	p := sel(&m.st)
	if *p == enabled {
		m.mu.Unlock()
		return
	}
	*p = enabled
	st := m.st
	m.mu.Unlock()

	if m.opts.Store != nil {
		if err := m.opts.Store.Save(ctx, st.Persistable()); err != nil {
			m.log.Warn("failed to persist preferences", "field", field, "error", err)
		}
	}
	m.changed(ctx, field)
}

func (m *Manager) attachArtifact(ctx context.Context) {
	if m.opts.Artifact == nil || m.opts.Artifacts == nil {
		return
	}
	file, err := m.opts.Artifact(ctx)
	if err != nil {
		m.log.Warn("context artifact unavailable", "error", err)
		return
	}
	if !m.opts.Artifacts.Attach(ctx, file) {
		m.log.Debug("context artifact not attached", "file", file.Name)
	}
}

func (m *Manager) active() *adapter.Adapter {
	if m.opts.Resolver == nil {
		return nil
	}
	return m.opts.Resolver.ActivePlugin()
}

func (m *Manager) changed(ctx context.Context, field string) {
	m.mu.Lock()
	st := m.st
	listeners := make([]Listener, 0, len(m.listeners))
	for i := 0; i < m.nextID; i++ {
		if fn, ok := m.listeners[i]; ok {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(field, st)
	}
	if m.bus != nil {
		m.bus.Emit(ctx, events.TopicToggleChanged, events.ToggleChanged{Field: field, State: st})
	}
}
