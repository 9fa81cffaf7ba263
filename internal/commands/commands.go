// Package commands maps named commands from the privileged surface (CLI, HTTP
// API) onto the current page session. Every command answers {success, ...}.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
)

// Command names understood by the built-in handlers.
const (
	ToggleSidebar            = "toggleSidebar"
	GetStats                 = "getStats"
	CallMCPTool              = "callMcpTool"
	RefreshSidebarContent    = "refreshSidebarContent"
	SetFunctionCallRendering = "setFunctionCallRendering"
	SetToggle                = "setToggle"
)

// Handler runs one command. The returned fields are merged into the reply.
type Handler func(ctx context.Context, args json.RawMessage) (map[string]any, error)

// Result is the reply to a command.
type Result struct {
	Success bool
	Error   string
	Fields  map[string]any
}

// MarshalJSON flattens Fields next to success and error.
func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["success"] = r.Success
	if r.Error != "" {
		out["error"] = r.Error
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Result{}
	if v, ok := raw["success"]; ok {
		if err := json.Unmarshal(v, &r.Success); err != nil {
			return err
		}
		delete(raw, "success")
	}
	if v, ok := raw["error"]; ok {
		if err := json.Unmarshal(v, &r.Error); err != nil {
			return err
		}
		delete(raw, "error")
	}
	if len(raw) > 0 {
		r.Fields = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return err
			}
			r.Fields[k] = val
		}
	}
	return nil
}

// Dispatcher routes commands by name.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "commands"),
	}
}

// Register adds or replaces the handler for name.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	d.handlers[name] = h
	d.mu.Unlock()
}

// Names lists registered commands in sorted order.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the named command. Unknown commands, handler errors and panics
// all come back as a failed Result.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args json.RawMessage) (res Result) {
	d.mu.RLock()
	h, ok := d.handlers[name]
	d.mu.RUnlock()
	if !ok {
		return Result{Error: fmt.Sprintf("unknown command: %s", name)}
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command panicked", "command", name, "panic", r, "stack", string(debug.Stack()))
			res = Result{Error: fmt.Sprintf("command %s panicked: %v", name, r)}
		}
	}()

	fields, err := h(ctx, args)
	if err != nil {
		d.logger.Debug("command failed", "command", name, "error", err)
		return Result{Error: err.Error(), Fields: fields}
	}
	return Result{Success: true, Fields: fields}
}

// decodeArgs unmarshals optional JSON arguments into v.
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
