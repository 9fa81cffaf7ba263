package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/neboloop/chatbridge/internal/adapter"
	"github.com/neboloop/chatbridge/internal/db"
	"github.com/neboloop/chatbridge/internal/markdown"
	"github.com/neboloop/chatbridge/internal/types"
)

// DefaultSidebarLimit is how many executions the surface lists.
const DefaultSidebarLimit = 20

// ErrNoActiveAdapter is returned by commands that need an ACTIVE adapter.
var ErrNoActiveAdapter = errors.New("no active adapter")

// History is the execution log the stats and sidebar commands read.
type History interface {
	RecentExecutions(ctx context.Context, limit int) ([]types.ExecutionRecord, error)
	ToolExecutions(ctx context.Context, tool string, limit int) ([]types.ExecutionRecord, error)
	ExecutionStats(ctx context.Context) (db.ExecutionStats, error)
}

// Target is what the built-in commands act on.
type Target interface {
	// ActivePlugin returns the ACTIVE adapter of the current session, or nil.
	ActivePlugin() *adapter.Adapter
	ToggleState() types.ToggleState
	Execute(ctx context.Context, call types.FunctionCall) (types.ExecutionRecord, error)
	History() History
	Rendering() markdown.Mode
	SetRendering(markdown.Mode)
	// SetToggle flips a switch of the current session. For the tools field,
	// tool names the tool whose auto-execution is overridden.
	SetToggle(ctx context.Context, field, tool string, enabled bool) (types.ToggleState, error)
}

// RegisterBuiltins installs the standard commands.
func RegisterBuiltins(d *Dispatcher, t Target) {
	d.Register(ToggleSidebar, toggleSidebar(t))
	d.Register(GetStats, getStats(t))
	d.Register(CallMCPTool, callMCPTool(t))
	d.Register(RefreshSidebarContent, refreshSidebarContent(t))
	d.Register(SetFunctionCallRendering, setFunctionCallRendering(t))
	d.Register(SetToggle, setToggle(t))
}

func toggleSidebar(t Target) Handler {
	return func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
		var in struct {
			Visible *bool `json:"visible"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		a := t.ActivePlugin()
		if a == nil {
			return nil, ErrNoActiveAdapter
		}
		inj := a.Injector()
		visible := !inj.Visible()
		if in.Visible != nil {
			visible = *in.Visible
		}
		if err := inj.SetVisible(ctx, visible); err != nil {
			return nil, err
		}
		return map[string]any{"visible": visible}, nil
	}
}

func getStats(t Target) Handler {
	return func(ctx context.Context, _ json.RawMessage) (map[string]any, error) {
		out := map[string]any{
			"toggles":   t.ToggleState(),
			"rendering": t.Rendering(),
		}
		if a := t.ActivePlugin(); a != nil {
			out["adapter"] = map[string]any{
				"name":         a.Name(),
				"version":      a.Descriptor().Version,
				"state":        a.State(),
				"capabilities": a.Capabilities(),
				"injection":    a.Injector().Stats(),
			}
		}
		if h := t.History(); h != nil {
			stats, err := h.ExecutionStats(ctx)
			if err != nil {
				return out, err
			}
			out["executions"] = stats
		}
		return out, nil
	}
}

func callMCPTool(t Target) Handler {
	return func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
		var in struct {
			ToolName   string         `json:"toolName"`
			Name       string         `json:"name"`
			Parameters map[string]any `json:"parameters"`
			CallID     string         `json:"callId"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		name := strings.TrimSpace(in.ToolName)
		if name == "" {
			name = strings.TrimSpace(in.Name)
		}
		if name == "" {
			return nil, errors.New("toolName is required")
		}
		rec, err := t.Execute(ctx, types.FunctionCall{CallID: in.CallID, ToolName: name, Parameters: in.Parameters})
		if rec.ID == "" {
			return nil, err
		}
		return map[string]any{"result": rec}, err
	}
}

func refreshSidebarContent(t Target) Handler {
	return func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
		var in struct {
			Limit int `json:"limit"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		n, err := renderSidebar(ctx, t, in.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"count": n}, nil
	}
}

func renderSidebar(ctx context.Context, t Target, limit int) (int, error) {
	a := t.ActivePlugin()
	if a == nil {
		return 0, ErrNoActiveAdapter
	}
	if limit <= 0 {
		limit = DefaultSidebarLimit
	}
	var recs []types.ExecutionRecord
	if h := t.History(); h != nil {
		var err error
		if recs, err = h.RecentExecutions(ctx, limit); err != nil {
			return 0, err
		}
	}
	if err := a.Injector().SetContent(ctx, markdown.SurfaceHTML(recs, t.Rendering())); err != nil {
		return 0, fmt.Errorf("update surface: %w", err)
	}
	return len(recs), nil
}

func setFunctionCallRendering(t Target) Handler {
	return func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
		var in struct {
			Mode string `json:"mode"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		mode, err := markdown.ParseMode(in.Mode)
		if err != nil {
			return nil, err
		}
		t.SetRendering(mode)

		out := map[string]any{"mode": mode}
		// Re-render only when a surface exists; the mode applies from the next refresh otherwise.
		if t.ActivePlugin() != nil {
			n, err := renderSidebar(ctx, t, 0)
			if err != nil {
				return out, err
			}
			out["count"] = n
		}
		return out, nil
	}
}

func setToggle(t Target) Handler {
	return func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
		var in struct {
			Field   string `json:"field"`
			Tool    string `json:"tool"`
			Enabled *bool  `json:"enabled"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if in.Field == "" {
			return nil, errors.New("field is required")
		}
		if in.Enabled == nil {
			return nil, errors.New("enabled is required")
		}
		st, err := t.SetToggle(ctx, in.Field, strings.TrimSpace(in.Tool), *in.Enabled)
		if err != nil {
			return nil, err
		}
		return map[string]any{"toggles": st}, nil
	}
}
