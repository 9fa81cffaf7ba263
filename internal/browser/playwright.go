package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"github.com/neboloop/chatbridge/internal/dom"
)

// playwrightEngine drives one page through a playwright driver process.
type playwrightEngine struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	page    playwright.Page
	// owned is true when the browser was launched here rather than attached.
	owned  bool
	logger *slog.Logger

	mu      sync.Mutex
	nextNav int
	navs    map[int]func(dom.Navigation)
}

// startPlaywright starts the driver, installing chromium on first use.
func startPlaywright() (*playwright.Playwright, error) {
	pw, err := playwright.Run()
	if err == nil {
		return pw, nil
	}
	if err := playwright.Install(&playwright.RunOptions{Browsers: []string{"chromium"}}); err != nil {
		return nil, fmt.Errorf("failed to install playwright browsers: %w", err)
	}
	pw, err = playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}
	return pw, nil
}

func newPlaywrightEngine(cfg Config, logger *slog.Logger) (*playwrightEngine, error) {
	pw, err := startPlaywright()
	if err != nil {
		return nil, err
	}

	e := &playwrightEngine{
		pw:     pw,
		logger: logger,
		navs:   make(map[int]func(dom.Navigation)),
	}
	if cfg.CDPURL != "" {
		e.browser, err = pw.Chromium.ConnectOverCDP(cfg.CDPURL)
	} else {
		opts := playwright.BrowserTypeLaunchOptions{Headless: playwright.Bool(cfg.Headless)}
		if exe, _ := FindChromeExecutable(cfg.ExecutablePath); exe != nil {
			opts.ExecutablePath = playwright.String(exe.Path)
		}
		if cfg.NoSandbox {
			opts.ChromiumSandbox = playwright.Bool(false)
		}
		e.browser, err = pw.Chromium.Launch(opts)
		e.owned = true
	}
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	e.page = existingPage(e.browser)
	if e.page == nil {
		if e.page, err = e.browser.NewPage(); err != nil {
			e.Close()
			return nil, fmt.Errorf("open page: %w", err)
		}
	}
	if _, err := e.page.Evaluate(markJS(uuid.NewString())); err != nil {
		logger.Debug("failed to mark document", "error", err)
	}
	e.page.OnFrameNavigated(func(f playwright.Frame) {
		if f.ParentFrame() != nil {
			return
		}
		// Handlers run on the driver's dispatch loop; evaluating from it would deadlock.
		go e.classify(f.URL())
	})

	if cfg.StartURL != "" {
		if _, err := e.page.Goto(cfg.StartURL); err != nil {
			e.Close()
			return nil, fmt.Errorf("navigate to %s: %w", cfg.StartURL, err)
		}
	}
	return e, nil
}

func existingPage(b playwright.Browser) playwright.Page {
	for _, c := range b.Contexts() {
		for _, p := range c.Pages() {
			if p.URL() != "about:blank" {
				return p
			}
		}
	}
	return nil
}

// classify tells history navigations from new documents: a same-document
// navigation keeps the marker set on the previous document.
func (e *playwrightEngine) classify(url string) {
	token := uuid.NewString()
	v, err := e.page.Evaluate(markJS(token))
	same := false
	if err == nil {
		var res jsResult
		if decodeInto(v, &res) == nil {
			var got string
			same = json.Unmarshal(res.Value, &got) == nil && got != token
		}
	}

	e.mu.Lock()
	fns := make([]func(dom.Navigation), 0, len(e.navs))
	for _, fn := range e.navs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	nav := dom.Navigation{URL: url, SameDocument: same}
	e.logger.Debug("page navigated", "url", nav.URL, "same_document", nav.SameDocument)
	for _, fn := range fns {
		fn(nav)
	}
}

func decodeInto(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (e *playwrightEngine) Evaluate(ctx context.Context, script string, out any) error {
	type result struct {
		v   any
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := e.page.Evaluate(script)
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-done:
		if r.err != nil {
			return r.err
		}
		return decodeInto(r.v, out)
	}
}

func (e *playwrightEngine) Bind(_ context.Context, name string, fn func(string)) error {
	return e.page.ExposeBinding(name, func(_ *playwright.BindingSource, args ...any) any {
		payload := ""
		if len(args) > 0 {
			payload = fmt.Sprint(args[0])
		}
		go fn(payload)
		return true
	})
}

func (e *playwrightEngine) OnNavigate(fn func(dom.Navigation)) func() {
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

func (e *playwrightEngine) Close() error {
	var firstErr error
	// Attached browsers belong to the user; only the connection is dropped.
	if e.browser != nil {
		if err := e.browser.Close(); err != nil && firstErr == nil && e.owned {
			firstErr = err
		}
	}
	if err := e.pw.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
