// Package bridge ties the adapter engine to a live host page. A Session is one
// page load: its own event bus, toggle state, adapter registry and automation
// orchestrator. The Daemon owns the browser document and replaces the Session
// whenever the page fully reloads.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/automation"
	"github.com/neboloop/chatbridge/internal/crashlog"
	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/injector"
	"github.com/neboloop/chatbridge/internal/lifecycle"
	"github.com/neboloop/chatbridge/internal/metrics"
	"github.com/neboloop/chatbridge/internal/notify"
	"github.com/neboloop/chatbridge/internal/registry"
	"github.com/neboloop/chatbridge/internal/toggle"
	"github.com/neboloop/chatbridge/internal/types"
)

// DefaultPollInterval is how often the page location is compared with the last
// one seen. It runs independently of the injector health timer.
const DefaultPollInterval = time.Second

// Backend executes tool calls and describes the available tools.
// *client.Client implements it.
type Backend interface {
	Execute(ctx context.Context, call types.FunctionCall) (types.ExecutionRecord, error)
	Instructions(ctx context.Context) (types.Attachment, error)
	SetBus(bus *events.Bus)
}

// Watcher reports external changes to the preference store.
// *local.FileStore implements it.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// Publisher receives every event of the session. *realtime.Hub implements it.
type Publisher interface {
	Publish(topic string, payload any)
}

// SessionConfig wires a Session. Only Plugins is required for a useful session.
type SessionConfig struct {
	Plugins      []registry.Plugin
	Store        toggle.Store
	Watcher      Watcher
	Backend      Backend
	Injector     injector.Config
	Automation   automation.Config
	PollInterval time.Duration
	Notifier     notify.Notifier
	Metrics      *metrics.Recorder
	Publisher    Publisher
	// OnExecution runs after every completed execution, once automation has seen it.
	OnExecution func(ctx context.Context, rec types.ExecutionRecord)
	Logger      *slog.Logger
}

// Session is the engine for a single page load.
type Session struct {
	id     string
	doc    dom.Document
	cfg    SessionConfig
	logger *slog.Logger

	bus      *events.Bus
	toggles  *toggle.Manager
	registry *registry.Registry
	orch     *automation.Orchestrator

	// navMu serializes location changes.
	navMu sync.Mutex

	mu       sync.Mutex
	location string
	seen     map[string]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	stops    []func()
	closed   bool

	scan chan struct{}
}

// NewSession builds a session over doc. Plugins that fail validation are logged
// and skipped. Call Start to activate it.
func NewSession(doc dom.Document, cfg SessionConfig) *Session {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewPage(doc, "chatbridge")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	logger = logger.With("session", id[:8])

	s := &Session{
		id:     id,
		doc:    doc,
		cfg:    cfg,
		logger: logger.With("component", "bridge"),
		seen:   make(map[string]struct{}),
		scan:   make(chan struct{}, 1),
	}

	s.bus = events.NewBus(
		events.WithLogger(logger),
		events.WithPanicHook(func(topic string, r any) {
			crashlog.LogPanic("events", r, map[string]string{"topic": topic, "session": id})
		}),
	)
	s.registry = registry.New(doc, s.bus, registry.Options{
		Injector: cfg.Injector,
		// The surface follows the master switch on every adapter handoff.
		SurfaceVisible: func() bool { return s.toggles.State().MCPEnabled },
		Logger:         logger,
	})
	for _, p := range cfg.Plugins {
		if err := s.registry.Register(p); err != nil {
			s.logger.Warn("adapter rejected", "adapter", p.Descriptor.Name, "error", err)
		}
	}

	opts := toggle.Options{
		Store:     cfg.Store,
		Resolver:  s.registry,
		Artifacts: artifacts{s},
		Notifier:  cfg.Notifier,
		Logger:    logger,
	}
	if cfg.Backend != nil {
		opts.Artifact = cfg.Backend.Instructions
	}
	s.toggles = toggle.New(s.bus, opts)
	s.orch = automation.New(s.bus, s.registry, s.toggles, cfg.Notifier, cfg.Automation, logger)
	return s
}

// artifacts forwards to the orchestrator, which is built after the toggle manager.
type artifacts struct{ s *Session }

func (a artifacts) Attach(ctx context.Context, file types.Attachment) bool {
	return a.s.orch.Attach(ctx, file)
}

func (a artifacts) DetachAttached(ctx context.Context) int {
	return a.s.orch.DetachAttached(ctx)
}

func (s *Session) ID() string                             { return s.id }
func (s *Session) Bus() *events.Bus                       { return s.bus }
func (s *Session) Toggles() *toggle.Manager               { return s.toggles }
func (s *Session) Registry() *registry.Registry           { return s.registry }
func (s *Session) Orchestrator() *automation.Orchestrator { return s.orch }

// ActivePlugin returns the ACTIVE adapter, or nil.
func (s *Session) ActivePlugin() *adapter.Adapter { return s.registry.ActivePlugin() }

// Location returns the last location the registry was resolved against.
func (s *Session) Location() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// Start restores preferences, activates the adapter for the current location and
// begins watching the page. ctx bounds the whole session; Close ends it earlier.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil || s.closed {
		s.mu.Unlock()
		return errors.New("session already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.wire()
	s.toggles.Init(runCtx)

	loc, err := s.doc.URL(runCtx)
	if err != nil {
		cancel()
		close(s.done)
		return err
	}
	s.SetLocation(runCtx, loc)

	if stop, err := s.doc.Observe(runCtx, s.requestScan); err != nil {
		s.logger.Warn("document observer unavailable, calls are scanned on the poll timer", "error", err)
	} else {
		s.addStop(stop)
	}
	if nav, ok := s.doc.(dom.Navigator); ok {
		s.addStop(nav.OnNavigate(func(n dom.Navigation) {
			if n.SameDocument {
				s.SetLocation(runCtx, n.URL)
			}
		}))
	}
	if s.cfg.Watcher != nil {
		go func() {
			err := s.cfg.Watcher.Watch(runCtx, func() {
				if err := s.toggles.Reload(runCtx); err != nil {
					s.logger.Warn("failed to reload preferences", "error", err)
				}
			})
			if err != nil {
				s.logger.Warn("preference watch stopped", "error", err)
			}
		}()
	}

	go s.run(runCtx)

	lifecycle.Emit(lifecycle.EventSessionNew, lifecycle.SessionEventData{
		SessionID: s.id, URL: loc, Adapter: s.adapterName(),
	})
	s.logger.Info("page session started", "url", loc, "adapter", s.adapterName())
	return nil
}

func (s *Session) wire() {
	if s.cfg.Metrics != nil {
		s.addStop(s.cfg.Metrics.Attach(s.bus))
	}
	if pub := s.cfg.Publisher; pub != nil {
		sub := s.bus.SubscribeAll(func(_ context.Context, env events.Envelope) error {
			pub.Publish(env.Topic, env.Payload)
			return nil
		})
		s.addStop(sub.Unsubscribe)
	}
	if b := s.cfg.Backend; b != nil {
		b.SetBus(s.bus)
		s.orch.SetExecutor(b)
	}
	s.orch.Start()
	s.addStop(s.orch.Stop)

	if fn := s.cfg.OnExecution; fn != nil {
		sub := events.Subscribe(s.bus, events.TopicToolExecutionCompleted, func(ctx context.Context, rec types.ExecutionRecord) error {
			fn(ctx, rec)
			return nil
		})
		s.addStop(sub.Unsubscribe)
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
		case <-s.scan:
			s.ScanCalls(ctx)
		}
	}
}

func (s *Session) poll(ctx context.Context) {
	loc, err := s.doc.URL(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("location poll failed", "error", err)
		}
		return
	}
	if loc != s.Location() {
		s.SetLocation(ctx, loc)
	}
}

// SetLocation re-resolves the active adapter for loc and emits host.changed when
// the location differs from the previous one. Calls already on the page at the
// new location are marked as seen so history is never executed.
func (s *Session) SetLocation(ctx context.Context, loc string) {
	s.navMu.Lock()
	defer s.navMu.Unlock()

	s.mu.Lock()
	prev := s.location
	s.location = loc
	s.mu.Unlock()

	if prev != "" && prev != loc {
		s.logger.Info("location changed", "from", prev, "to", loc)
		s.bus.Emit(ctx, events.TopicHostChanged, events.HostChanged{From: prev, To: loc})
	}
	s.registry.ActivateFor(ctx, loc)
	s.markSeen(ctx)
}

func (s *Session) requestScan() {
	select {
	case s.scan <- struct{}{}:
	default:
	}
}

// ScanCalls asks the active adapter for tool calls on the page and emits
// tool.call.detected once for every call not seen before. It returns how many
// new calls were found.
func (s *Session) ScanCalls(ctx context.Context) int {
	calls := s.detect(ctx)
	n := 0
	for _, call := range calls {
		if !s.claimCall(call) {
			continue
		}
		n++
		s.logger.Info("tool call detected", "tool", call.ToolName, "callId", call.CallID)
		s.bus.Emit(ctx, events.TopicToolCallDetected, call)
	}
	return n
}

func (s *Session) markSeen(ctx context.Context) {
	for _, call := range s.detect(ctx) {
		s.claimCall(call)
	}
}

func (s *Session) detect(ctx context.Context) []types.FunctionCall {
	a := s.registry.ActivePlugin()
	if a == nil {
		return nil
	}
	det, ok := a.Site().(adapter.CallDetector)
	if !ok {
		return nil
	}
	calls, err := det.DetectCalls(ctx, s.doc)
	if err != nil {
		s.logger.Debug("call detection failed", "adapter", a.Name(), "error", err)
		return nil
	}
	return calls
}

func (s *Session) claimCall(call types.FunctionCall) bool {
	key := call.ToolName + "\x00" + call.CallID
	if call.CallID == "" {
		params, _ := json.Marshal(call.Parameters)
		key += "\x00" + string(params)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	return true
}

func (s *Session) adapterName() string {
	if a := s.registry.ActivePlugin(); a != nil {
		return a.Name()
	}
	return ""
}

func (s *Session) addStop(fn func()) {
	s.mu.Lock()
	s.stops = append(s.stops, fn)
	s.mu.Unlock()
}

// Close stops watching the page, cleans up every adapter and closes the bus.
// It is safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, done, stops := s.cancel, s.done, s.stops
	s.stops = nil
	loc := s.location
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	s.registry.Shutdown(ctx)
	for i := len(stops) - 1; i >= 0; i-- {
		stops[i]()
	}
	s.bus.Close()

	lifecycle.Emit(lifecycle.EventSessionClosed, lifecycle.SessionEventData{SessionID: s.id, URL: loc})
	s.logger.Info("page session closed")
}
