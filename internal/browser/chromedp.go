package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/neboloop/chatbridge/internal/dom"
)

// chromeEngine drives one tab through chromedp.
type chromeEngine struct {
	tabCtx      context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	logger      *slog.Logger

	mu        sync.Mutex
	bindings  map[string]func(string)
	nextNav   int
	navs      map[int]func(dom.Navigation)
	mainFrame cdp.FrameID
}

func newChromeEngine(ctx context.Context, cfg Config, logger *slog.Logger) (*chromeEngine, error) {
	var (
		allocCtx    context.Context
		cancelAlloc context.CancelFunc
	)
	if cfg.CDPURL != "" {
		wsURL, err := GetChromeWebSocketURL(cfg.CDPURL, 5*time.Second)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", cfg.CDPURL, err)
		}
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(context.Background(), wsURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", cfg.Headless),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if cfg.NoSandbox {
			opts = append(opts, chromedp.NoSandbox)
		}
		exe, err := FindChromeExecutable(cfg.ExecutablePath)
		if err != nil {
			return nil, err
		}
		if exe != nil {
			opts = append(opts, chromedp.ExecPath(exe.Path))
		}
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	// The first Run allocates the browser and binds it to the context it is given,
	// so it runs on the NewContext context itself.
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	// Attached browsers already show the chat page; prefer it over our blank tab.
	tabCtx, cancelTab := browserCtx, cancelBrowser
	if cfg.CDPURL != "" {
		if id, ok := pickPageTarget(browserCtx); ok {
			tabCtx, cancelTab = chromedp.NewContext(browserCtx, chromedp.WithTargetID(id))
		}
	}

	e := &chromeEngine{
		tabCtx:      tabCtx,
		cancelAlloc: cancelAlloc,
		logger:      logger,
		bindings:    make(map[string]func(string)),
		navs:        make(map[int]func(dom.Navigation)),
	}
	e.cancelTab = func() {
		cancelTab()
		cancelBrowser()
	}
	chromedp.ListenTarget(tabCtx, e.onEvent)

	if err := chromedp.Run(tabCtx); err != nil {
		e.Close()
		return nil, fmt.Errorf("attach tab: %w", err)
	}
	if cfg.StartURL != "" {
		if err := runWithin(ctx, tabCtx, chromedp.Navigate(cfg.StartURL)); err != nil {
			e.Close()
			return nil, fmt.Errorf("navigate to %s: %w", cfg.StartURL, err)
		}
	}
	return e, nil
}

func pickPageTarget(browserCtx context.Context) (target.ID, bool) {
	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		return "", false
	}
	for _, t := range targets {
		if t.Type == "page" && t.URL != "about:blank" {
			return t.TargetID, true
		}
	}
	return "", false
}

// runWithin runs actions on the chromedp context cdpCtx, bounded by ctx.
func runWithin(ctx, cdpCtx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(cdpCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (e *chromeEngine) Evaluate(ctx context.Context, script string, out any) error {
	return runWithin(ctx, e.tabCtx, chromedp.Evaluate(script, out))
}

func (e *chromeEngine) Bind(ctx context.Context, name string, fn func(string)) error {
	e.mu.Lock()
	e.bindings[name] = fn
	e.mu.Unlock()
	return runWithin(ctx, e.tabCtx, runtime.AddBinding(name))
}

func (e *chromeEngine) OnNavigate(fn func(dom.Navigation)) func() {
	e.mu.Lock()
	e.nextNav++
	id := e.nextNav
	e.navs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.navs, id)
		e.mu.Unlock()
	}
}

func (e *chromeEngine) Close() error {
	e.cancelTab()
	e.cancelAlloc()
	return nil
}

// onEvent runs on chromedp's event loop and must not block.
func (e *chromeEngine) onEvent(ev any) {
	switch ev := ev.(type) {
	case *runtime.EventBindingCalled:
		e.mu.Lock()
		fn := e.bindings[ev.Name]
		e.mu.Unlock()
		if fn != nil {
			go fn(ev.Payload)
		}
	case *page.EventFrameNavigated:
		if ev.Frame == nil || ev.Frame.ParentID != "" {
			return
		}
		e.mu.Lock()
		e.mainFrame = ev.Frame.ID
		e.mu.Unlock()
		e.notify(dom.Navigation{URL: ev.Frame.URL + ev.Frame.URLFragment})
	case *page.EventNavigatedWithinDocument:
		e.mu.Lock()
		main := e.mainFrame
		e.mu.Unlock()
		if main != "" && ev.FrameID != main {
			return
		}
		e.notify(dom.Navigation{URL: ev.URL, SameDocument: true})
	}
}

func (e *chromeEngine) notify(nav dom.Navigation) {
	e.mu.Lock()
	fns := make([]func(dom.Navigation), 0, len(e.navs))
	for _, fn := range e.navs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	e.logger.Debug("page navigated", "url", nav.URL, "same_document", nav.SameDocument)
	go func() {
		for _, fn := range fns {
			fn(nav)
		}
	}()
}
