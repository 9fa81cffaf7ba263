// Package injector keeps a control surface mounted in a host document that
// re-renders, navigates and removes foreign nodes on its own schedule.
package injector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/types"
)

// Phase is the scheduler state of an Injector.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRetrying Phase = "retrying"
	PhaseHealthy  Phase = "healthy"
	PhaseFailed   Phase = "failed"
	PhaseStopped  Phase = "stopped"
)

const (
	DefaultMaxRetries     = 5
	DefaultHealRetries    = 2
	DefaultRetryDelay     = 300 * time.Millisecond
	DefaultHealthInterval = 5 * time.Second
)

// Config describes what to mount and how hard to try.
type Config struct {
	// Adapter is reported in events.
	Adapter string
	// Locators are tried in order to find the insertion anchor.
	Locators []dom.Locator
	// Element is the control surface. Element.ID must be unique in the document.
	Element dom.Element

	// MaxRetries bounds the initial mount: 1 + MaxRetries attempts in total.
	MaxRetries int
	// HealRetries bounds each heal-phase recheck.
	HealRetries int
	// RetryDelay is multiplied by the attempt number between attempts.
	RetryDelay     time.Duration
	HealthInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.HealRetries <= 0 {
		c.HealRetries = DefaultHealRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
}

// Stats is a snapshot of injector counters.
type Stats struct {
	Phase     Phase     `json:"phase"`
	Mounts    int       `json:"mounts"`
	Heals     int       `json:"heals"`
	Failures  int       `json:"failures"`
	Rechecks  int       `json:"rechecks"`
	Anchor    string    `json:"anchor,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	MountedAt time.Time `json:"mountedAt,omitzero"`
}

// Injector mounts one element and heals it while started.
//
// All document-affecting work goes through workMu so observer-triggered and
// timer-triggered rechecks never interleave; both end in the same presence-checked
// mount, which makes a lost race a no-op.
type Injector struct {
	cfg    Config
	doc    dom.Document
	bus    *events.Bus
	logger *slog.Logger

	workMu sync.Mutex

	mu          sync.Mutex
	phase       Phase
	visible     bool
	everMounted bool
	reported    bool
	cancel      context.CancelFunc
	stopObserve func()
	done        chan struct{}
	trigger     chan struct{}
	stats       Stats

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an idle injector.
func New(doc dom.Document, bus *events.Bus, cfg Config, logger *slog.Logger) (*Injector, error) {
	if cfg.Element.ID == "" {
		return nil, errors.New("injector: element id is required")
	}
	if len(cfg.Locators) == 0 {
		return nil, errors.New("injector: at least one locator is required")
	}
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Injector{
		cfg:     cfg,
		doc:     doc,
		bus:     bus,
		logger:  logger.With("component", "injector", "adapter", cfg.Adapter, "id", cfg.Element.ID),
		phase:   PhaseIdle,
		visible: true,
		sleep:   sleepCtx,
	}, nil
}

// ID returns the control surface identifier.
func (i *Injector) ID() string { return i.cfg.Element.ID }

// Phase returns the current scheduler phase.
func (i *Injector) Phase() Phase {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.phase
}

// Stats returns a snapshot of the counters.
func (i *Injector) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := i.stats
	s.Phase = i.phase
	return s
}

// Target returns the mounted surface and the locator that placed it.
func (i *Injector) Target() types.InjectionTarget {
	i.mu.Lock()
	defer i.mu.Unlock()
	return types.InjectionTarget{ID: i.cfg.Element.ID, Anchor: i.stats.Anchor}
}

// Mount locates the anchor and inserts the surface, retrying up to MaxRetries times.
// Exhausting the bound emits one injection failure and returns an error wrapping
// types.ErrInjectionFailure. Mounting while the surface is present is a successful no-op.
func (i *Injector) Mount(ctx context.Context) error {
	return i.mountAndReport(ctx, i.cfg.MaxRetries)
}

// Start mounts the surface and then keeps it alive until Stop is called or ctx ends.
// A failed initial mount is reported but does not stop the heal phase.
// Starting a running injector is a no-op.
func (i *Injector) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.cancel != nil {
		i.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.phase = PhaseIdle
	i.everMounted = false
	i.reported = false
	i.done = make(chan struct{})
	i.trigger = make(chan struct{}, 1)
	i.mu.Unlock()

	if err := i.Mount(runCtx); err != nil && !errors.Is(err, types.ErrInjectionFailure) {
		i.logger.Warn("initial mount aborted", "error", err)
	}

	stop, err := i.doc.Observe(runCtx, i.poke)
	if err != nil {
		i.logger.Warn("document observer unavailable, relying on health timer", "error", err)
		stop = func() {}
	}

	i.mu.Lock()
	if runCtx.Err() != nil {
		i.mu.Unlock()
		stop()
		close(i.done)
		return runCtx.Err()
	}
	i.stopObserve = stop
	done, trigger := i.done, i.trigger
	i.mu.Unlock()

	go i.heal(runCtx, done, trigger)
	return nil
}

// Stop cancels the observer and health timer and removes the surface.
// Stop never waits on the heal goroutine, so it is safe from event handlers.
func (i *Injector) Stop(ctx context.Context) error {
	i.mu.Lock()
	cancel, stopObserve := i.cancel, i.stopObserve
	i.cancel, i.stopObserve = nil, nil
	i.phase = PhaseStopped
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stopObserve != nil {
		stopObserve()
	}

	i.workMu.Lock()
	err := i.doc.Remove(ctx, i.cfg.Element.ID)
	i.workMu.Unlock()
	if err != nil {
		return fmt.Errorf("remove control surface: %w", err)
	}

	if cancel != nil {
		i.emit(ctx, events.TopicInjectionRemoved, events.InjectionEvent{Adapter: i.cfg.Adapter, ID: i.cfg.Element.ID})
	}
	return nil
}

// Done is closed when the heal goroutine of the current run exits.
// It returns nil if the injector was never started.
func (i *Injector) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.done
}

// Running reports whether the heal phase is active.
func (i *Injector) Running() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cancel != nil
}

// Recheck verifies the surface is present and re-mounts it with the heal retry bound.
// It is the single entry point for observer and timer triggered checks.
func (i *Injector) Recheck(ctx context.Context) error {
	i.mu.Lock()
	if i.phase == PhaseStopped {
		i.mu.Unlock()
		return nil
	}
	i.stats.Rechecks++
	i.mu.Unlock()

	return i.mountAndReport(ctx, i.cfg.HealRetries)
}

// Visible reports the requested visibility of the surface.
func (i *Injector) Visible() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.visible
}

// SetVisible shows or hides the surface. The choice survives re-mounts.
func (i *Injector) SetVisible(ctx context.Context, visible bool) error {
	i.mu.Lock()
	i.visible = visible
	i.mu.Unlock()

	i.workMu.Lock()
	defer i.workMu.Unlock()
	ok, err := i.doc.Exists(ctx, i.cfg.Element.ID)
	if err != nil || !ok {
		return err
	}
	return i.doc.SetVisible(ctx, i.cfg.Element.ID, visible)
}

// SetContent replaces the surface's inner HTML. The content survives re-mounts.
func (i *Injector) SetContent(ctx context.Context, html string) error {
	i.mu.Lock()
	i.cfg.Element.HTML = html
	i.mu.Unlock()

	i.workMu.Lock()
	defer i.workMu.Unlock()
	ok, err := i.doc.Exists(ctx, i.cfg.Element.ID)
	if err != nil || !ok {
		return err
	}
	return i.doc.SetContent(ctx, i.cfg.Element.ID, html)
}

func (i *Injector) heal(ctx context.Context, done chan struct{}, trigger <-chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(i.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = i.Recheck(ctx)
		case <-trigger:
			_ = i.Recheck(ctx)
		}
	}
}

// poke schedules a recheck. Bursts of mutations collapse into one pending recheck.
func (i *Injector) poke() {
	i.mu.Lock()
	trigger := i.trigger
	i.mu.Unlock()
	if trigger == nil {
		return
	}
	select {
	case trigger <- struct{}{}:
	default:
	}
}

type outcome struct {
	topic   string
	payload events.InjectionEvent
}

// mountAndReport runs one bounded mount and emits its event after releasing workMu.
func (i *Injector) mountAndReport(ctx context.Context, retries int) error {
	out, err := i.mount(ctx, retries)
	if out != nil {
		i.emit(ctx, out.topic, out.payload)
	}
	return err
}

func (i *Injector) mount(ctx context.Context, retries int) (*outcome, error) {
	i.workMu.Lock()
	defer i.workMu.Unlock()

	id := i.cfg.Element.ID
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok, err := i.doc.Exists(ctx, id); err == nil && ok {
		i.setPhase(PhaseHealthy)
		return nil, nil
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			i.setPhase(PhaseRetrying)
			if err := i.sleep(ctx, time.Duration(attempt)*i.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}
		attempts++

		anchor, loc, err := dom.Locate(ctx, i.doc, i.cfg.Locators...)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		// The host may have re-rendered while we slept; never insert twice.
		if ok, err := i.doc.Exists(ctx, id); err == nil && ok {
			i.setPhase(PhaseHealthy)
			return nil, nil
		}

		i.mu.Lock()
		el := i.cfg.Element
		visible := i.visible
		i.mu.Unlock()

		if err := i.doc.Insert(ctx, anchor, el); err != nil {
			lastErr = err
			continue
		}
		if !visible {
			if err := i.doc.SetVisible(ctx, id, false); err != nil {
				i.logger.Warn("failed to hide re-mounted surface", "error", err)
			}
		}

		i.mu.Lock()
		healed := i.everMounted
		i.everMounted = true
		i.reported = false
		if i.phase != PhaseStopped {
			i.phase = PhaseHealthy
		}
		i.stats.Anchor = loc.String()
		i.stats.LastError = ""
		i.stats.MountedAt = time.Now()
		if healed {
			i.stats.Heals++
		} else {
			i.stats.Mounts++
		}
		i.mu.Unlock()

		topic := events.TopicInjectionMounted
		if healed {
			topic = events.TopicInjectionHealed
			i.logger.Info("control surface re-mounted", "anchor", loc.String(), "attempts", attempts)
		} else {
			i.logger.Info("control surface mounted", "anchor", loc.String(), "attempts", attempts)
		}
		return &outcome{topic: topic, payload: events.InjectionEvent{
			Adapter: i.cfg.Adapter, ID: id, Anchor: loc.String(), Attempts: attempts,
		}}, nil
	}

	i.mu.Lock()
	alreadyFailed := i.reported
	i.reported = true
	if i.phase != PhaseStopped {
		i.phase = PhaseFailed
	}
	i.stats.Failures++
	if lastErr != nil {
		i.stats.LastError = lastErr.Error()
	}
	i.mu.Unlock()

	err := fmt.Errorf("%w after %d attempts: %v", types.ErrInjectionFailure, attempts, lastErr)
	if alreadyFailed {
		i.logger.Debug("heal attempt failed", "attempts", attempts, "error", lastErr)
		return nil, err
	}
	i.logger.Warn("control surface injection failed", "attempts", attempts, "error", lastErr)
	return &outcome{topic: events.TopicInjectionFailure, payload: events.InjectionEvent{
		Adapter: i.cfg.Adapter, ID: id, Attempts: attempts, Error: fmt.Sprint(lastErr),
	}}, err
}

func (i *Injector) setPhase(p Phase) {
	i.mu.Lock()
	if i.phase != PhaseStopped || p == PhaseStopped {
		i.phase = p
	}
	i.mu.Unlock()
}

func (i *Injector) emit(ctx context.Context, topic string, payload events.InjectionEvent) {
	if i.bus != nil {
		i.bus.Emit(ctx, topic, payload)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
