package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neboloop/chatbridge/internal/bridge"
	"github.com/neboloop/chatbridge/internal/db/migrations"
	"github.com/neboloop/chatbridge/internal/defaults"
	"github.com/neboloop/chatbridge/internal/lifecycle"
	"github.com/neboloop/chatbridge/internal/logging"
	"github.com/neboloop/chatbridge/internal/realtime"
	"github.com/neboloop/chatbridge/internal/server"
)

// RunAll starts the bridge daemon and the command API together and blocks until
// interrupted.
func RunAll(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	c := *ServerConfig
	if headless {
		c.Browser.Headless = "true"
	}
	if startURL != "" {
		c.Browser.StartURL = startURL
	}
	if verbose {
		c.Log.Level = "debug"
	}

	logger, err := logging.Setup(c.Log, os.Stderr)
	if err != nil {
		return err
	}
	migrations.QuietMode = !verbose

	// Ensure data directory exists with default files
	dataDir, err := defaults.EnsureDataDir()
	if err != nil {
		return fmt.Errorf("failed to initialize data directory: %w", err)
	}

	// Enforce a single daemon per data directory
	lockFile, err := acquireLock(dataDir)
	if err != nil {
		return fmt.Errorf("chatbridge is already running: %w", err)
	}
	defer releaseLock(lockFile)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var driver string
	lifecycle.OnBrowserReady(func(name string) { driver = name })
	lifecycle.OnSessionNew(func(s lifecycle.SessionEventData) { printSessionLine(os.Stdout, "attached", s) })
	lifecycle.OnSessionClosed(func(s lifecycle.SessionEventData) { printSessionLine(os.Stdout, "detached", s) })

	hub := realtime.NewHub(logger)
	d, err := bridge.New(ctx, c, bridge.Options{Publisher: hub, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
		lifecycle.Emit(lifecycle.EventShutdownComplete, nil)
	}()

	serve := c.IsServerEnabled() && !noServer
	if serve {
		lifecycle.OnServerStarted(func(addr string) {
			printStartupBanner(os.Stdout, addr, c.Browser.StartURL, driver, dataDir)
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return d.Run(gctx)
	})
	if serve {
		g.Go(func() error {
			return server.Run(gctx, server.Options{
				Addr:       c.ServerAddr(),
				Token:      c.Server.Token,
				Dispatcher: d.Dispatcher(),
				Hub:        hub,
				History:    d.Store(),
				Metrics:    d.Metrics().Handler(),
				Status:     status(d),
				Logger:     logger,
				Quiet:      !verbose,
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		lifecycle.Emit(lifecycle.EventShutdownStarted, nil)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		slog.Error("chatbridge stopped", "error", err)
		return err
	}
	fmt.Println("\n\033[32mchatbridge stopped.\033[0m")
	return nil
}

func status(d *bridge.Daemon) server.StatusFunc {
	return func() map[string]any {
		out := map[string]any{"toggles": d.ToggleState()}
		if s := d.Session(); s != nil {
			out["session"] = s.ID()
			out["url"] = s.Location()
		}
		if a := d.ActivePlugin(); a != nil {
			out["adapter"] = a.Name()
			out["state"] = a.State()
		}
		return out
	}
}

// printStartupBanner prints a clean, clickable startup message
func printStartupBanner(w io.Writer, addr, page, driver, dataDir string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "\033[1;32m  chatbridge is running\033[0m")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  \033[1;36m->\033[0m Command API: \033[4;34mhttp://%s/api\033[0m\n", addr)
	fmt.Fprintf(w, "  \033[1;36m->\033[0m Events:      \033[4;34mws://%s/api/events\033[0m\n", addr)
	if page != "" {
		fmt.Fprintf(w, "  \033[1;36m->\033[0m Chat page:   %s\n", page)
	}
	if driver != "" {
		fmt.Fprintf(w, "  \033[1;36m->\033[0m Browser:     %s\n", driver)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  \033[2mData: %s\033[0m\n", dataDir)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  \033[2mPress Ctrl+C to stop\033[0m")
	fmt.Fprintln(w)
}

// printSessionLine reports a page session starting or ending.
func printSessionLine(w io.Writer, verb string, s lifecycle.SessionEventData) {
	name := s.Adapter
	if name == "" {
		name = "no adapter"
	}
	fmt.Fprintf(w, "  \033[2m%s\033[0m %s %s (%s)\n", time.Now().Format("15:04:05"), verb, s.URL, name)
}
