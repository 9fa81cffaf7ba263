// Package automation applies the user's auto-insert, auto-submit and auto-execute
// preferences to tool activity without ever acting twice on the same content.
package automation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/atotto/clipboard"

	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/markdown"
	"github.com/neboloop/chatbridge/internal/notify"
	"github.com/neboloop/chatbridge/internal/types"
)

const DefaultCooldown = 2 * time.Second

// Fingerprint kinds.
const (
	KindInsert  = "insert"
	KindAttach  = "attach"
	KindExecute = "execute"
)

// Resolver returns the active adapter, or nil. *registry.Registry implements it.
type Resolver interface {
	ActivePlugin() *adapter.Adapter
}

// Toggles exposes the current automation preferences. *toggle.Manager implements it.
type Toggles interface {
	State() types.ToggleState
	ToolEnabled(name string) bool
}

// Executor runs a detected function call on the tool backend. A completed call is
// expected to be published on the bus as tool.execution.completed.
type Executor interface {
	Execute(ctx context.Context, call types.FunctionCall) (types.ExecutionRecord, error)
}

// Config tunes the orchestrator.
type Config struct {
	Cooldown time.Duration
	// SubmitDelay separates an automated insert from the following submit.
	SubmitDelay time.Duration
	// ClipboardFallback copies the result to the clipboard when inserting fails.
	ClipboardFallback bool
	// Format renders the text inserted for a completed execution.
	Format func(types.ExecutionRecord) string
}

// Orchestrator reacts to completed executions and detected calls.
type Orchestrator struct {
	bus      *events.Bus
	resolver Resolver
	toggles  Toggles
	notifier notify.Notifier
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	executor Executor
	recent   map[string]types.Fingerprint
	attached []string

	now       func() time.Time
	sleep     func(context.Context, time.Duration) error
	copyClip  func(string) error
	unsubbers []func()
}

// New creates an orchestrator. Call Start to subscribe it to the bus.
func New(bus *events.Bus, resolver Resolver, toggles Toggles, notifier notify.Notifier, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Format == nil {
		cfg.Format = markdown.FunctionResult
	}
	if notifier == nil {
		notifier = notify.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		bus:      bus,
		resolver: resolver,
		toggles:  toggles,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With("component", "automation"),
		recent:   make(map[string]types.Fingerprint),
		now:      time.Now,
		sleep:    sleepCtx,
		copyClip: clipboard.WriteAll,
	}
}

// SetExecutor wires the backend used for auto-execute.
func (o *Orchestrator) SetExecutor(e Executor) {
	o.mu.Lock()
	o.executor = e
	o.mu.Unlock()
}

// Start subscribes to completed executions and detected calls.
func (o *Orchestrator) Start() {
	s1 := events.Subscribe(o.bus, events.TopicToolExecutionCompleted, func(ctx context.Context, rec types.ExecutionRecord) error {
		o.HandleExecution(ctx, rec)
		return nil
	})
	s2 := events.Subscribe(o.bus, events.TopicToolCallDetected, func(ctx context.Context, call types.FunctionCall) error {
		o.HandleCall(ctx, call)
		return nil
	})
	o.mu.Lock()
	o.unsubbers = append(o.unsubbers, s1.Unsubscribe, s2.Unsubscribe)
	o.mu.Unlock()
}

// Stop unsubscribes from the bus.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	subs := o.unsubbers
	o.unsubbers = nil
	o.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}
}

// HandleExecution inserts and then submits the result of a completed execution,
// as far as preferences and the active adapter's capabilities allow. It reports
// whether any step ran.
func (o *Orchestrator) HandleExecution(ctx context.Context, rec types.ExecutionRecord) bool {
	st := o.toggles.State()
	if !st.MCPEnabled {
		return false
	}
	a := o.resolver.ActivePlugin()
	if a == nil {
		o.logger.Debug("no active adapter, execution not automated", "tool", rec.ToolName)
		return false
	}

	doInsert := st.AutoInsert && a.Capabilities().Has(types.CapTextInsertion)
	doSubmit := st.AutoSubmit && a.Capabilities().Has(types.CapFormSubmission)
	if !doInsert && !doSubmit {
		return false
	}

	content := o.cfg.Format(rec)
	if !o.claim(ctx, KindInsert, content) {
		return false
	}

	if doInsert {
		ok := a.InsertText(ctx, content)
		o.step(ctx, "insert", rec.ToolName, ok, a.LastError())
		if !ok {
			o.insertFallback(ctx, content)
		} else if doSubmit && o.cfg.SubmitDelay > 0 {
			if err := o.sleep(ctx, o.cfg.SubmitDelay); err != nil {
				o.step(ctx, "submit", rec.ToolName, false, err)
				return true
			}
		}
	}
	if doSubmit {
		ok := a.SubmitForm(ctx)
		o.step(ctx, "submit", rec.ToolName, ok, a.LastError())
	}
	return true
}

// HandleCall executes a function call found in the page when auto-execute is on.
func (o *Orchestrator) HandleCall(ctx context.Context, call types.FunctionCall) bool {
	st := o.toggles.State()
	if !st.MCPEnabled || !st.AutoExecute {
		return false
	}
	if !o.toggles.ToolEnabled(call.ToolName) {
		o.logger.Debug("tool disabled, call not executed", "tool", call.ToolName)
		return false
	}
	o.mu.Lock()
	exec := o.executor
	o.mu.Unlock()
	if exec == nil {
		o.logger.Warn("auto-execute requested without a backend", "tool", call.ToolName)
		return false
	}
	if !o.claim(ctx, KindExecute, callKey(call)) {
		return false
	}

	_, err := exec.Execute(ctx, call)
	o.step(ctx, "execute", call.ToolName, err == nil, err)
	if err != nil {
		o.notifier.Notify(ctx, dom.ToastError, "Tool "+call.ToolName+" failed: "+err.Error())
	}
	return true
}

// Attach attaches a file through the active adapter unless identical content was
// attached within the cooldown window.
func (o *Orchestrator) Attach(ctx context.Context, file types.Attachment) bool {
	a := o.resolver.ActivePlugin()
	if a == nil || !a.Capabilities().Has(types.CapFileAttachment) {
		o.step(ctx, "attach", file.Name, false, types.ErrAdapterUnsupported)
		return false
	}
	if !o.claim(ctx, KindAttach, file.Name+"\x00"+string(file.Content)) {
		return false
	}
	ok := a.AttachFile(ctx, file)
	o.step(ctx, "attach", file.Name, ok, a.LastError())
	if ok {
		o.mu.Lock()
		o.attached = append(o.attached, file.Name)
		o.mu.Unlock()
	}
	return ok
}

// DetachAttached removes every file automation attached. Best effort: failures are
// logged and the file is forgotten either way. It returns how many were detached.
func (o *Orchestrator) DetachAttached(ctx context.Context) int {
	o.mu.Lock()
	names := o.attached
	o.attached = nil
	o.mu.Unlock()

	a := o.resolver.ActivePlugin()
	if a == nil || !a.Capabilities().Has(types.CapFileAttachment) {
		if len(names) > 0 {
			o.logger.Debug("no adapter to detach from", "files", names)
		}
		return 0
	}
	n := 0
	for _, name := range names {
		if a.DetachFile(ctx, name) {
			n++
		} else {
			o.logger.Warn("detach failed", "file", name, "error", a.LastError())
		}
	}
	return n
}

// Attached lists the files attached by automation.
func (o *Orchestrator) Attached() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.attached...)
}

// claim records a fingerprint for content unless an equal one is still inside the
// cooldown window, in which case it emits automation.skipped and returns false.
func (o *Orchestrator) claim(ctx context.Context, kind, content string) bool {
	hash := Hash(content)
	key := kind + ":" + hash
	now := o.now()

	o.mu.Lock()
	for k, fp := range o.recent {
		if now.Sub(fp.Timestamp) >= o.cfg.Cooldown {
			delete(o.recent, k)
		}
	}
	_, dup := o.recent[key]
	if !dup {
		o.recent[key] = types.Fingerprint{ContentHash: hash, Timestamp: now}
	}
	o.mu.Unlock()

	if dup {
		o.logger.Info("duplicate suppressed", "kind", kind, "hash", hash[:12])
		o.bus.Emit(ctx, events.TopicAutomationSkipped, events.AutomationSkipped{
			Kind: kind, ContentHash: hash, Reason: types.ErrAutomationSkipped.Error(),
		})
		return false
	}
	return true
}

// Fingerprint returns the last recorded fingerprint for content of kind.
func (o *Orchestrator) Fingerprint(kind, content string) (types.Fingerprint, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fp, ok := o.recent[kind+":"+Hash(content)]
	return fp, ok
}

func (o *Orchestrator) step(ctx context.Context, name, tool string, ok bool, err error) {
	ev := events.AutomationStep{Step: name, Tool: tool, Success: ok}
	if !ok && err != nil {
		ev.Error = err.Error()
	}
	o.bus.Emit(ctx, events.TopicAutomationStep, ev)
}

func (o *Orchestrator) insertFallback(ctx context.Context, content string) {
	if !o.cfg.ClipboardFallback {
		o.notifier.Notify(ctx, dom.ToastError, "Could not insert the tool result")
		return
	}
	if err := o.copyClip(content); err != nil {
		o.logger.Warn("clipboard fallback failed", "error", err)
		o.notifier.Notify(ctx, dom.ToastError, "Could not insert the tool result")
		return
	}
	o.notifier.Notify(ctx, dom.ToastInfo, "Tool result copied to clipboard")
}

// Hash is the content hash used for fingerprints.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func callKey(call types.FunctionCall) string {
	if call.CallID != "" {
		return call.ToolName + "\x00" + call.CallID
	}
	params, _ := json.Marshal(call.Parameters)
	return call.ToolName + "\x00" + string(params)
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
