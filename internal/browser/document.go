package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/types"
)

// Engine evaluates scripts in the page and reports page events. It is implemented
// by the chromedp and playwright drivers.
type Engine interface {
	// Evaluate runs script and decodes its JSON value into out.
	Evaluate(ctx context.Context, script string, out any) error
	// Bind exposes a page function name that calls fn with its string argument.
	// Bindings survive navigations.
	Bind(ctx context.Context, name string, fn func(payload string)) error
	// OnNavigate calls fn after main-frame navigations.
	OnNavigate(fn func(dom.Navigation)) (stop func())
	Close() error
}

// Document is a dom.Document backed by scripts evaluated through an Engine.
// Node handles carry their query and are re-resolved on every use.
type Document struct {
	engine  Engine
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	bound     bool
	nextObs   int
	observers map[int]func()
	stopNav   func()
}

var (
	_ dom.Document  = (*Document)(nil)
	_ dom.Navigator = (*Document)(nil)
)

// NewDocument wraps engine. A zero timeout uses DefaultTimeout.
func NewDocument(engine Engine, timeout time.Duration, logger *slog.Logger) *Document {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default().With("component", "browser")
	}
	d := &Document{
		engine:    engine,
		timeout:   timeout,
		logger:    logger,
		observers: make(map[int]func()),
	}
	d.stopNav = engine.OnNavigate(d.onNavigate)
	return d
}

// Close stops event delivery and shuts the driver down.
func (d *Document) Close() error {
	d.stopNav()
	return d.engine.Close()
}

func (d *Document) eval(ctx context.Context, op, script string) (jsResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var res jsResult
	if err := d.engine.Evaluate(ctx, script, &res); err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	if res.Missing {
		return res, fmt.Errorf("%s: %w", op, types.ErrNotFound)
	}
	if !res.OK {
		if res.Error == "" {
			res.Error = "script failed"
		}
		return res, fmt.Errorf("%s: %s", op, res.Error)
	}
	return res, nil
}

func (d *Document) run(ctx context.Context, op, script string) error {
	_, err := d.eval(ctx, op, script)
	return err
}

func (d *Document) value(ctx context.Context, op, script string, out any) error {
	res, err := d.eval(ctx, op, script)
	if err != nil {
		return err
	}
	if len(res.Value) == 0 {
		return fmt.Errorf("%s: empty result", op)
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", op, err)
	}
	return nil
}

func (d *Document) URL(ctx context.Context) (string, error) {
	var u string
	err := d.value(ctx, "url", urlJS(), &u)
	return u, err
}

func (d *Document) Find(ctx context.Context, q dom.Query) (dom.Node, bool, error) {
	var found bool
	if err := d.value(ctx, "find", findJS(q), &found); err != nil {
		return dom.Node{}, false, err
	}
	if !found {
		return dom.Node{}, false, nil
	}
	return dom.Node{Ref: q.String(), Query: q}, true, nil
}

func (d *Document) Texts(ctx context.Context, q dom.Query) ([]string, error) {
	var texts []string
	err := d.value(ctx, "texts", textsJS(q), &texts)
	return texts, err
}

func (d *Document) Exists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := d.value(ctx, "exists", existsJS(id), &ok)
	return ok, err
}

func (d *Document) Insert(ctx context.Context, anchor dom.Node, el dom.Element) error {
	return d.run(ctx, "insert", insertJS(anchor.Query, el))
}

func (d *Document) Remove(ctx context.Context, id string) error {
	return d.run(ctx, "remove", removeJS(id))
}

func (d *Document) SetVisible(ctx context.Context, id string, visible bool) error {
	return d.run(ctx, "set visible", setVisibleJS(id, visible))
}

func (d *Document) SetContent(ctx context.Context, id, html string) error {
	return d.run(ctx, "set content", setContentJS(id, html))
}

func (d *Document) SetText(ctx context.Context, n dom.Node, text string) error {
	return d.run(ctx, "set text", setTextJS(n.Query, text))
}

func (d *Document) Click(ctx context.Context, n dom.Node) error {
	return d.run(ctx, "click", clickJS(n.Query))
}

func (d *Document) PressEnter(ctx context.Context, n dom.Node) error {
	return d.run(ctx, "press enter", pressEnterJS(n.Query))
}

func (d *Document) SetFiles(ctx context.Context, n dom.Node, files []types.Attachment) error {
	return d.run(ctx, "set files", setFilesJS(n.Query, files))
}

func (d *Document) Toast(ctx context.Context, msg string, level dom.ToastLevel) error {
	return d.run(ctx, "toast", toastJS(msg, level))
}

// Observe installs the page mutation observer on first use.
func (d *Document) Observe(ctx context.Context, fn func()) (func(), error) {
	d.mu.Lock()
	bound := d.bound
	d.mu.Unlock()
	if !bound {
		if err := d.engine.Bind(ctx, bindingName, func(string) { d.dispatch() }); err != nil {
			return nil, fmt.Errorf("observe: %w", err)
		}
		d.mu.Lock()
		d.bound = true
		d.mu.Unlock()
	}
	if err := d.run(ctx, "observe", observeJS()); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.nextObs++
	id := d.nextObs
	d.observers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			last := len(d.observers) == 0
			d.mu.Unlock()
			if last {
				ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
				defer cancel()
				if err := d.run(ctx, "unobserve", unobserveJS()); err != nil {
					d.logger.Debug("failed to disconnect observer", "error", err)
				}
			}
		})
	}, nil
}

// OnNavigate forwards driver navigation events.
func (d *Document) OnNavigate(fn func(dom.Navigation)) func() {
	return d.engine.OnNavigate(fn)
}

func (d *Document) dispatch() {
	d.mu.Lock()
	keys := make([]int, 0, len(d.observers))
	for k := range d.observers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]func(), 0, len(keys))
	for _, k := range keys {
		fns = append(fns, d.observers[k])
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// onNavigate re-installs the observer in a fresh document; the new page is itself
// a structural change.
func (d *Document) onNavigate(nav dom.Navigation) {
	if nav.SameDocument {
		return
	}
	d.mu.Lock()
	active := len(d.observers) > 0
	d.mu.Unlock()
	if !active {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.run(ctx, "observe", observeJS()); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("failed to re-install observer after navigation", "url", nav.URL, "error", err)
	}
	d.dispatch()
}
