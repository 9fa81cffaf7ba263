package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/automation"
	"github.com/neboloop/chatbridge/internal/browser"
	"github.com/neboloop/chatbridge/internal/commands"
	"github.com/neboloop/chatbridge/internal/config"
	"github.com/neboloop/chatbridge/internal/crashlog"
	"github.com/neboloop/chatbridge/internal/db"
	"github.com/neboloop/chatbridge/internal/defaults"
	"github.com/neboloop/chatbridge/internal/dom"
	"github.com/neboloop/chatbridge/internal/injector"
	"github.com/neboloop/chatbridge/internal/keyring"
	"github.com/neboloop/chatbridge/internal/lifecycle"
	"github.com/neboloop/chatbridge/internal/local"
	"github.com/neboloop/chatbridge/internal/markdown"
	"github.com/neboloop/chatbridge/internal/mcp/client"
	"github.com/neboloop/chatbridge/internal/metrics"
	"github.com/neboloop/chatbridge/internal/notify"
	"github.com/neboloop/chatbridge/internal/registry"
	"github.com/neboloop/chatbridge/internal/sites"
	"github.com/neboloop/chatbridge/internal/toggle"
	"github.com/neboloop/chatbridge/internal/types"
)

var _ commands.Target = (*Daemon)(nil)

// ErrNoSession is returned by session commands before the first page session starts.
var ErrNoSession = errors.New("no page session")

// Options overrides the parts of a Daemon that config would otherwise build.
type Options struct {
	// Document is used instead of opening a browser.
	Document dom.Document
	// Dialer replaces the backend's HTTP transport.
	Dialer client.Dialer
	// Plugins replaces the built-in and data directory site definitions.
	Plugins   []registry.Plugin
	Publisher Publisher
	Logger    *slog.Logger
}

// Daemon keeps one Session alive for the browser page and serves the command
// surface. It implements commands.Target.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	doc      dom.Document
	closeDoc func() error
	backend  *client.Client
	store    *db.Store
	prefs    toggle.Store
	watcher  Watcher
	metrics  *metrics.Recorder
	plugins  []registry.Plugin
	pub      Publisher
	notifier notify.Notifier

	dispatcher *commands.Dispatcher

	mu        sync.Mutex
	session   *Session
	rendering markdown.Mode

	reload chan string
}

// New opens the stores, the backend client and the browser page described by cfg.
func New(ctx context.Context, cfg config.Config, opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{
		cfg:       cfg,
		logger:    logger.With("component", "daemon"),
		metrics:   metrics.New(),
		pub:       opts.Publisher,
		rendering: markdown.ModePlain,
		reload:    make(chan string, 1),
	}

	dbPath := cfg.Database.SQLitePath
	if dbPath == "" {
		var err error
		if dbPath, err = defaults.Path(defaults.DatabaseFile); err != nil {
			return nil, err
		}
	}
	store, err := db.NewSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.store = store
	crashlog.Init(store)

	switch cfg.PrefsBackend() {
	case config.PrefsSQLite:
		d.prefs, d.watcher = store, store.PrefsWatcher(cfg.Session.PollInterval)
	default:
		fs, err := local.DefaultFileStore()
		if err != nil {
			store.Close()
			return nil, err
		}
		d.prefs, d.watcher = fs, fs
	}

	copts := []client.Option{client.WithRecorder(store), client.WithLogger(logger)}
	if opts.Dialer != nil {
		copts = append(copts, client.WithDialer(opts.Dialer))
	}
	d.backend = client.New(client.Config{
		Endpoint:   cfg.Backend.URL,
		Token:      keyring.ResolveBackendToken(cfg.Backend.Token),
		Timeout:    cfg.Backend.Timeout,
		MaxRetries: cfg.Backend.MaxRetries,
		BaseDelay:  cfg.Backend.BaseDelay,
		MaxDelay:   cfg.Backend.MaxDelay,
	}, copts...)

	d.plugins = opts.Plugins
	if d.plugins == nil {
		d.plugins = loadPlugins(d.logger)
	}

	driver := cfg.Browser.Driver
	if driver == "" {
		driver = browser.DriverChromedp
	}
	if opts.Document != nil {
		driver = "external"
		d.doc = opts.Document
		d.closeDoc = func() error { return nil }
	} else {
		doc, err := browser.Open(ctx, browser.Config{
			Driver:         cfg.Browser.Driver,
			CDPURL:         cfg.Browser.CDPURL,
			ExecutablePath: cfg.Browser.ExecutablePath,
			Headless:       cfg.IsHeadless(),
			NoSandbox:      cfg.IsNoSandbox(),
			StartURL:       cfg.Browser.StartURL,
			Timeout:        cfg.Browser.Timeout,
		}, logger)
		if err != nil {
			d.backend.Close()
			store.Close()
			return nil, fmt.Errorf("open browser: %w", err)
		}
		d.doc, d.closeDoc = doc, doc.Close
	}
	lifecycle.Emit(lifecycle.EventBrowserReady, driver)

	d.notifier = notify.NewPage(d.doc, "chatbridge")
	if cfg.IsDesktopNotify() {
		page := d.notifier
		d.notifier = notify.Func(func(ctx context.Context, level dom.ToastLevel, msg string) {
			page.Notify(ctx, level, msg)
			notify.Send("chatbridge", msg)
		})
	}

	d.dispatcher = commands.NewDispatcher(logger)
	commands.RegisterBuiltins(d.dispatcher, d)
	return d, nil
}

func loadPlugins(logger *slog.Logger) []registry.Plugin {
	plugins := sites.Builtin()
	dir, err := defaults.Path(defaults.SitesDir)
	if err != nil {
		logger.Warn("site definitions unavailable", "error", err)
		return plugins
	}
	extra, errs := sites.LoadDir(dir)
	for _, err := range errs {
		logger.Warn("skipping site definition", "error", err)
	}
	// Definitions resolve after the built-ins.
	return append(plugins, extra...)
}

// Dispatcher returns the command surface.
func (d *Daemon) Dispatcher() *commands.Dispatcher { return d.dispatcher }

// Metrics returns the Prometheus recorder shared by every session.
func (d *Daemon) Metrics() *metrics.Recorder { return d.metrics }

// Store returns the history and error log database.
func (d *Daemon) Store() *db.Store { return d.store }

// Session returns the current page session, or nil before Run.
func (d *Daemon) Session() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// Run starts a session for the page, replaces it after every full navigation and
// prunes old history on the configured schedule. It blocks until ctx ends.
func (d *Daemon) Run(ctx context.Context) error {
	if nav, ok := d.doc.(dom.Navigator); ok {
		stop := nav.OnNavigate(func(n dom.Navigation) {
			if n.SameDocument {
				return
			}
			select {
			case d.reload <- n.URL:
			default:
			}
		})
		defer stop()
	}
	if err := d.startSession(ctx); err != nil {
		return err
	}

	d.backend.StartHealthChecker(ctx)

	if d.cfg.History.Retention > 0 && d.cfg.History.Prune != "" {
		c := cron.New()
		if _, err := c.AddFunc(d.cfg.History.Prune, func() { d.Prune(ctx) }); err != nil {
			d.logger.Warn("history pruning disabled", "schedule", d.cfg.History.Prune, "error", err)
		} else {
			c.Start()
			defer c.Stop()
		}
	}

	for {
		select {
		case <-ctx.Done():
			d.closeSession(context.WithoutCancel(ctx))
			return nil
		case url := <-d.reload:
			d.logger.Info("page reloaded, rebuilding session", "url", url)
			d.closeSession(ctx)
			if err := d.startSession(ctx); err != nil {
				crashlog.LogError("bridge", err, map[string]string{"url": url})
			}
		}
	}
}

func (d *Daemon) startSession(ctx context.Context) error {
	s := NewSession(d.doc, SessionConfig{
		Plugins: d.plugins,
		Store:   d.prefs,
		Watcher: d.watcher,
		Backend: d.backend,
		Injector: injector.Config{
			MaxRetries:     d.cfg.Injector.MaxRetries,
			HealRetries:    d.cfg.Injector.HealRetries,
			RetryDelay:     d.cfg.Injector.RetryDelay,
			HealthInterval: d.cfg.Injector.HealthInterval,
		},
		Automation: automation.Config{
			Cooldown:          d.cfg.Automation.Cooldown,
			SubmitDelay:       d.cfg.Automation.SubmitDelay,
			ClipboardFallback: d.cfg.IsClipboardFallback(),
		},
		PollInterval: d.cfg.Session.PollInterval,
		Notifier:     d.notifier,
		Metrics:      d.metrics,
		Publisher:    d.pub,
		OnExecution:  d.refreshSidebar,
		Logger:       d.logger,
	})
	if err := s.Start(ctx); err != nil {
		s.Close(ctx)
		return fmt.Errorf("start session: %w", err)
	}
	d.mu.Lock()
	d.session = s
	d.mu.Unlock()
	return nil
}

func (d *Daemon) closeSession(ctx context.Context) {
	d.mu.Lock()
	s := d.session
	d.session = nil
	d.mu.Unlock()
	if s != nil {
		s.Close(ctx)
	}
}

func (d *Daemon) refreshSidebar(ctx context.Context, _ types.ExecutionRecord) {
	args, _ := json.Marshal(map[string]int{"limit": d.cfg.History.Limit})
	res := d.dispatcher.Dispatch(ctx, commands.RefreshSidebarContent, args)
	if !res.Success && res.Error != commands.ErrNoActiveAdapter.Error() {
		d.logger.Warn("failed to refresh surface", "error", res.Error)
	}
}

// Prune deletes executions older than the retention window.
func (d *Daemon) Prune(ctx context.Context) {
	before := time.Now().Add(-d.cfg.History.Retention)
	n, err := d.store.PruneExecutions(ctx, before)
	if err != nil {
		crashlog.LogError("bridge", fmt.Errorf("prune history: %w", err), nil)
		return
	}
	if n > 0 {
		d.logger.Info("pruned execution history", "deleted", n, "before", before.Format(time.RFC3339))
	}
}

// Close releases the browser, backend and database. Run must have returned.
func (d *Daemon) Close() error {
	d.closeSession(context.Background())
	crashlog.Init(nil)
	return errors.Join(d.backend.Close(), d.closeDoc(), d.store.Close())
}

func (d *Daemon) ActivePlugin() *adapter.Adapter {
	if s := d.Session(); s != nil {
		return s.ActivePlugin()
	}
	return nil
}

func (d *Daemon) ToggleState() types.ToggleState {
	if s := d.Session(); s != nil {
		return s.Toggles().State()
	}
	return types.ToggleState{}
}

// SetToggle flips a switch of the current session the same way the page does.
func (d *Daemon) SetToggle(ctx context.Context, field, tool string, enabled bool) (types.ToggleState, error) {
	s := d.Session()
	if s == nil {
		return types.ToggleState{}, ErrNoSession
	}
	tg := s.Toggles()
	if field == toggle.FieldTools {
		if tool == "" {
			return tg.State(), errors.New("tool is required")
		}
		tg.SetToolEnabled(ctx, tool, enabled)
		return tg.State(), nil
	}
	if err := tg.Set(ctx, field, enabled); err != nil {
		return tg.State(), err
	}
	return tg.State(), nil
}

// Execute runs call on the backend. The record is published on the current
// session's bus, so automation treats it like any other completed execution.
func (d *Daemon) Execute(ctx context.Context, call types.FunctionCall) (types.ExecutionRecord, error) {
	return d.backend.Execute(ctx, call)
}

func (d *Daemon) History() commands.History { return d.store }

func (d *Daemon) Rendering() markdown.Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rendering
}

func (d *Daemon) SetRendering(m markdown.Mode) {
	d.mu.Lock()
	d.rendering = m
	d.mu.Unlock()
}
