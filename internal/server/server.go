// Package server exposes the command surface, the live event stream and metrics
// over HTTP on the loopback interface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/neboloop/chatbridge/internal/commands"
	"github.com/neboloop/chatbridge/internal/httputil"
	"github.com/neboloop/chatbridge/internal/lifecycle"
	"github.com/neboloop/chatbridge/internal/middleware"
	"github.com/neboloop/chatbridge/internal/realtime"
	"github.com/neboloop/chatbridge/internal/types"
	"github.com/neboloop/chatbridge/internal/websocket"
)

// maxCommandBody bounds command arguments; callMcpTool parameters are the largest.
const maxCommandBody = 1 << 20

// StatusFunc reports daemon state for /health.
type StatusFunc func() map[string]any

// Options holds the dependencies of the HTTP surface.
type Options struct {
	Addr string
	// Token, when set, is required on /api routes.
	Token      string
	Dispatcher *commands.Dispatcher
	Hub        *realtime.Hub
	// History backs GET /api/executions. Optional.
	History commands.History
	// Metrics serves /metrics. Optional.
	Metrics http.Handler
	Status  StatusFunc
	Logger  *slog.Logger
	// Quiet suppresses request logging.
	Quiet bool
}

// NewRouter builds the chi router for opts.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	if !opts.Quiet {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.CORS())

	r.Get("/health", healthHandler(opts.Status))
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.TokenAuth(opts.Token))

		r.Get("/commands", listCommandsHandler(opts.Dispatcher))
		r.Post("/commands/{name}", commandHandler(opts.Dispatcher))
		if opts.History != nil {
			r.Get("/executions", executionsHandler(opts.History))
		}
		if opts.Hub != nil {
			r.Get("/events", websocket.Handler(opts.Hub, logger))
		}
	})
	return r
}

// Run serves opts until ctx is cancelled. The hub, when set, is started and stopped
// with the server.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "server")

	if opts.Hub != nil && opts.Dispatcher != nil {
		d := opts.Dispatcher
		opts.Hub.SetCommandHandler(func(ctx context.Context, name string, args json.RawMessage) any {
			return d.Dispatch(ctx, name, args)
		})
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s (is another chatbridge running?): %w", opts.Addr, err)
	}
	if !isLoopback(ln.Addr()) && opts.Token == "" {
		logger.Warn("command API is reachable from the network without a token", "addr", ln.Addr().String())
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	if opts.Hub != nil {
		go opts.Hub.Run(hubCtx)
	}

	// ReadTimeout/WriteTimeout are omitted: they would cut hijacked websocket
	// connections. Websocket keepalive is handled with ping/pong in realtime.
	httpServer := &http.Server{
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	addr := ln.Addr().String()
	logger.Info("server ready", "url", "http://"+addr)
	lifecycle.Emit(lifecycle.EventServerStarted, addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stopHub()
	return httpServer.Shutdown(shutdownCtx)
}

func healthHandler(status StatusFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{}
		if status != nil {
			for k, v := range status() {
				resp[k] = v
			}
		}
		resp["status"] = "ok"
		httputil.JSON(w, http.StatusOK, resp)
	}
}

func listCommandsHandler(d *commands.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]any{"commands": d.Names()})
	}
}

func commandHandler(d *commands.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := httputil.PathVar(r, "name")
		args, err := httputil.ReadJSONBody(r, maxCommandBody)
		if err != nil {
			httputil.BadRequest(w, err)
			return
		}

		res := d.Dispatch(r.Context(), name, args)
		if !res.Success && strings.HasPrefix(res.Error, "unknown command") {
			httputil.JSON(w, http.StatusNotFound, res)
			return
		}
		httputil.JSON(w, http.StatusOK, res)
	}
}

func executionsHandler(h commands.History) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := httputil.QueryInt(r, "limit", commands.DefaultSidebarLimit)
		if limit <= 0 || limit > 500 {
			limit = commands.DefaultSidebarLimit
		}
		var (
			recs []types.ExecutionRecord
			err  error
		)
		if tool := r.URL.Query().Get("tool"); tool != "" {
			recs, err = h.ToolExecutions(r.Context(), tool, limit)
		} else {
			recs, err = h.RecentExecutions(r.Context(), limit)
		}
		if err != nil {
			httputil.InternalError(w, err.Error())
			return
		}
		httputil.JSON(w, http.StatusOK, map[string]any{"executions": recs})
	}
}

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}
