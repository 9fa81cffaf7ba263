// Package adapter implements the lifecycle every site integration goes through.
//
// An Adapter wraps a Site with a supervised state machine
//
//	UNINITIALIZED -> INITIALIZING -> IDLE -> ACTIVE <-> INACTIVE
//
// plus the terminal DISABLED state reached through Cleanup. Transition methods and
// capability operations report success as a bool and publish an event; they never
// return errors or panic to the caller.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neboloop/chatbridge/internal/crashlog"
	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/injector"
	"github.com/neboloop/chatbridge/internal/types"
)

// Hooks let the owner of an adapter take part in its transitions.
type Hooks struct {
	// BeforeActivate runs after the activation guard passed and before the state
	// becomes ACTIVE.
	BeforeActivate func(ctx context.Context, a *Adapter)
	// AfterActivate runs once the adapter is ACTIVE and its surface was mounted.
	AfterActivate func(ctx context.Context, a *Adapter)
	// AfterDeactivate runs once the adapter left ACTIVE through Deactivate or Cleanup.
	AfterDeactivate func(ctx context.Context, a *Adapter)
}

// Options configures an Adapter.
type Options struct {
	// Injector carries retry and heal timings; locators and element come from the Site.
	Injector injector.Config
	Hooks    Hooks
	Logger   *slog.Logger
}

// Adapter is one live integration instance.
type Adapter struct {
	desc   Descriptor
	site   Site
	doc    dom.Document
	bus    *events.Bus
	inj    *injector.Injector
	logger *slog.Logger
	hooks  Hooks

	inserter  TextInserter
	submitter FormSubmitter
	attacher  FileAttacher

	mu               sync.Mutex
	state            State
	transitioning    bool
	cleanupRequested bool
	history          []Transition
	lastErr          error
}

// New builds an UNINITIALIZED adapter. It fails if the descriptor is invalid or
// declares a capability the site does not implement.
func New(desc Descriptor, site Site, doc dom.Document, bus *events.Bus, opts Options) (*Adapter, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if err := CheckCapabilities(desc, site); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	icfg := opts.Injector
	icfg.Adapter = desc.Name
	icfg.Locators = site.SurfaceLocators()
	icfg.Element = site.Surface()
	inj, err := injector.New(doc, bus, icfg, logger)
	if err != nil {
		return nil, fmt.Errorf("adapter %s: %w", desc.Name, err)
	}

	a := &Adapter{
		desc:   desc,
		site:   site,
		doc:    doc,
		bus:    bus,
		inj:    inj,
		logger: logger.With("component", "adapter", "adapter", desc.Name),
		hooks:  opts.Hooks,
		state:  StateUninitialized,
	}
	if desc.Capabilities.Has(types.CapTextInsertion) {
		a.inserter = site.(TextInserter)
	}
	if desc.Capabilities.Has(types.CapFormSubmission) {
		a.submitter = site.(FormSubmitter)
	}
	if desc.Capabilities.Has(types.CapFileAttachment) {
		a.attacher = site.(FileAttacher)
	}
	return a, nil
}

func (a *Adapter) Name() string                      { return a.desc.Name }
func (a *Adapter) Descriptor() Descriptor            { return a.desc }
func (a *Adapter) Capabilities() types.CapabilitySet { return a.desc.Capabilities }
func (a *Adapter) Site() Site                        { return a.site }
func (a *Adapter) Document() dom.Document            { return a.doc }

// Injector exposes the control surface injector for stats and visibility changes.
func (a *Adapter) Injector() *injector.Injector { return a.inj }

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// History returns the most recent transitions, oldest first.
func (a *Adapter) History() []Transition {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Transition(nil), a.history...)
}

// LastError returns the error of the most recent failed capability operation.
func (a *Adapter) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Initialize runs site setup. Only valid from UNINITIALIZED.
func (a *Adapter) Initialize(ctx context.Context) bool {
	if !a.begin("initialize", StateUninitialized) {
		return false
	}
	defer a.end(ctx)

	a.transition(ctx, StateInitializing)
	if init, ok := a.site.(Initializer); ok {
		if err := a.safeCall("initialize", func() error { return init.Init(ctx, a.doc) }); err != nil {
			a.logger.Error("site initialization failed", "error", err)
			a.transition(ctx, StateUninitialized)
			return false
		}
	}
	a.transition(ctx, StateIdle)
	return true
}

// Activate makes this the active adapter and starts keeping its surface mounted.
// Only valid from IDLE or INACTIVE. ctx bounds the heal phase, so pass the page
// session's context rather than a request context.
func (a *Adapter) Activate(ctx context.Context) bool {
	if !a.begin("activate", StateIdle, StateInactive) {
		return false
	}
	defer a.end(ctx)

	if a.hooks.BeforeActivate != nil {
		a.hooks.BeforeActivate(ctx, a)
	}
	a.transition(ctx, StateActive)

	if err := a.inj.Start(ctx); err != nil {
		a.logger.Warn("control surface heal phase not started", "error", err)
	}
	if a.hooks.AfterActivate != nil {
		a.hooks.AfterActivate(ctx, a)
	}
	return true
}

// Deactivate stops healing and removes the surface. Configuration is kept so the
// adapter can be activated again. Only valid from ACTIVE.
func (a *Adapter) Deactivate(ctx context.Context) bool {
	if !a.begin("deactivate", StateActive) {
		return false
	}
	defer a.end(ctx)

	a.stopSurface(ctx)
	a.transition(ctx, StateInactive)
	if a.hooks.AfterDeactivate != nil {
		a.hooks.AfterDeactivate(ctx, a)
	}
	return true
}

// Cleanup releases every resource and moves to DISABLED. The instance cannot be
// reused afterwards. Cleanup requested during another transition runs as soon as
// that transition finishes.
func (a *Adapter) Cleanup(ctx context.Context) bool {
	a.mu.Lock()
	if a.state == StateDisabled {
		a.mu.Unlock()
		a.logger.Warn("cleanup ignored", "reason", types.ErrAlreadyActive, "state", StateDisabled)
		return false
	}
	if a.transitioning {
		a.cleanupRequested = true
		a.mu.Unlock()
		a.logger.Info("cleanup deferred until current transition completes")
		return true
	}
	a.transitioning = true
	a.mu.Unlock()

	a.cleanup(ctx)

	a.mu.Lock()
	a.transitioning = false
	a.mu.Unlock()
	return true
}

func (a *Adapter) cleanup(ctx context.Context) {
	wasActive := a.State() == StateActive
	a.stopSurface(ctx)
	a.transition(ctx, StateDisabled)
	if wasActive && a.hooks.AfterDeactivate != nil {
		a.hooks.AfterDeactivate(ctx, a)
	}
}

func (a *Adapter) stopSurface(ctx context.Context) {
	if err := a.inj.Stop(ctx); err != nil {
		a.logger.Warn("failed to remove control surface", "error", err)
	}
}

// InsertText types text into the host composer.
func (a *Adapter) InsertText(ctx context.Context, text string) bool {
	return a.perform(ctx, types.CapTextInsertion, func() error {
		return a.inserter.InsertText(ctx, a.doc, text)
	})
}

// SubmitForm sends the host composer.
func (a *Adapter) SubmitForm(ctx context.Context) bool {
	return a.perform(ctx, types.CapFormSubmission, func() error {
		return a.submitter.SubmitForm(ctx, a.doc)
	})
}

// AttachFile attaches a file to the host composer.
func (a *Adapter) AttachFile(ctx context.Context, file types.Attachment) bool {
	return a.perform(ctx, types.CapFileAttachment, func() error {
		return a.attacher.AttachFile(ctx, a.doc, file)
	})
}

// DetachFile removes a previously attached file by name.
func (a *Adapter) DetachFile(ctx context.Context, name string) bool {
	return a.perform(ctx, types.CapFileAttachment, func() error {
		return a.attacher.DetachFile(ctx, a.doc, name)
	})
}

func (a *Adapter) perform(ctx context.Context, capability types.Capability, fn func() error) bool {
	var err error
	switch {
	case !a.desc.Capabilities.Has(capability):
		err = types.ErrAdapterUnsupported
	case a.State() != StateActive:
		err = types.ErrNotActive
	default:
		if callErr := a.safeCall(string(capability), fn); callErr != nil {
			err = types.NewAdapterError(a.desc.Name, string(capability), callErr)
		}
	}

	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()

	result := events.OperationResult{Adapter: a.desc.Name, Operation: capability, Success: err == nil}
	if err != nil {
		result.Error = err.Error()
		a.logger.Warn("operation failed", "operation", capability, "error", err)
	} else {
		a.logger.Debug("operation succeeded", "operation", capability)
	}
	a.bus.Emit(ctx, events.TopicAdapterOperation, result)
	return err == nil
}

func (a *Adapter) safeCall(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			crashlog.LogPanic("adapter", r, map[string]string{"adapter": a.desc.Name, "operation": op})
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

// begin claims the transition guard if the current state is one of allowed.
func (a *Adapter) begin(op string, allowed ...State) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.transitioning {
		a.logger.Warn(op+" ignored", "reason", "transition in progress", "state", a.state)
		return false
	}
	for _, s := range allowed {
		if a.state == s {
			a.transitioning = true
			return true
		}
	}
	reason := "invalid state"
	if a.state == StateDisabled {
		reason = types.ErrDisabled.Error()
	} else if (op == "activate" && a.state == StateActive) || (op == "initialize" && a.state != StateUninitialized) {
		reason = types.ErrAlreadyActive.Error()
	}
	a.logger.Warn(op+" ignored", "reason", reason, "state", a.state)
	return false
}

// end releases the transition guard and runs a cleanup requested meanwhile.
func (a *Adapter) end(ctx context.Context) {
	a.mu.Lock()
	pending := a.cleanupRequested
	a.cleanupRequested = false
	a.mu.Unlock()

	if pending && a.State() != StateDisabled {
		a.cleanup(ctx)
	}

	a.mu.Lock()
	a.transitioning = false
	a.mu.Unlock()
}

func (a *Adapter) transition(ctx context.Context, to State) {
	a.mu.Lock()
	from := a.state
	if !IsValidTransition(from, to) {
		a.mu.Unlock()
		a.logger.Error("invalid state transition", "from", from, "to", to)
		return
	}
	now := time.Now()
	a.state = to
	a.history = append(a.history, Transition{From: from, To: to, At: now})
	if len(a.history) > maxHistory {
		a.history = a.history[len(a.history)-maxHistory:]
	}
	a.mu.Unlock()

	a.logger.Debug("state changed", "from", from, "to", to)
	a.bus.Emit(ctx, events.TopicAdapterStateChanged, events.StateChanged{
		Adapter: a.desc.Name, From: string(from), To: string(to), Time: now,
	})
}
