// Package client talks to the external MCP server that executes tools on behalf
// of the host page. Every finished call becomes an ExecutionRecord that is stored
// and published on the page session's bus.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/types"
)

// Defaults for Config.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMaxDelay   = 5 * time.Second
	DefaultTimeout    = 60 * time.Second
)

// ErrToolFailed is returned when the server reports the tool call as failed.
var ErrToolFailed = errors.New("tool reported an error")

// Config describes the MCP server connection.
type Config struct {
	Endpoint string
	// Token is sent as a bearer token when set.
	Token      string
	Timeout    time.Duration
	KeepAlive  time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func (c *Config) withDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
}

// Recorder persists finished executions. *db.Store implements it.
type Recorder interface {
	AppendExecution(ctx context.Context, rec types.ExecutionRecord) error
}

// Dialer creates a fresh transport for each connection attempt.
type Dialer func(ctx context.Context) (mcp.Transport, error)

// Tool is a tool offered by the server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Option customizes a Client.
type Option func(*Client)

// WithDialer replaces the HTTP transport, e.g. with in-memory transports in tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithRecorder stores every execution.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client executes tool calls on the MCP server.
type Client struct {
	cfg      Config
	dial     Dialer
	recorder Recorder
	logger   *slog.Logger

	busMu sync.RWMutex
	bus   *events.Bus

	sessMu  sync.Mutex
	session *sessionEntry

	toolsMu sync.Mutex
	tools   []Tool

	sleep func(context.Context, time.Duration) error
}

// New creates a client. No connection is made until the first call.
func New(cfg Config, opts ...Option) *Client {
	cfg.withDefaults()
	c := &Client{cfg: cfg, sleep: sleepCtx}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "mcp-client")
	if c.dial == nil {
		c.dial = c.httpDialer
	}
	return c
}

// SetBus points completion events at the current page session's bus.
func (c *Client) SetBus(bus *events.Bus) {
	c.busMu.Lock()
	c.bus = bus
	c.busMu.Unlock()
}

// ListTools fetches the server's tools. A failed call is retried once on a new session.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	session, err := c.getOrCreateSession(ctx)
	if err != nil {
		return nil, err
	}
	result, err := session.ListTools(ctx, nil)
	if err != nil {
		c.logger.Warn("ListTools failed, attempting reconnect", "error", err)
		c.CloseSession()
		if session, err = c.getOrCreateSession(ctx); err != nil {
			return nil, fmt.Errorf("failed to reconnect to MCP server: %w", err)
		}
		if result, err = session.ListTools(ctx, nil); err != nil {
			return nil, fmt.Errorf("failed to list tools after reconnect: %w", err)
		}
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tool := Tool{Name: t.Name, Description: t.Description}
		if t.InputSchema != nil {
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				tool.InputSchema = raw
			}
		}
		tools = append(tools, tool)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	c.toolsMu.Lock()
	c.tools = tools
	c.toolsMu.Unlock()
	return tools, nil
}

// CachedTools returns the result of the last successful ListTools.
func (c *Client) CachedTools() []Tool {
	c.toolsMu.Lock()
	defer c.toolsMu.Unlock()
	return append([]Tool(nil), c.tools...)
}

// Execute runs call on the server, retrying transport failures with exponential
// backoff and jitter. The resulting record, success or not, is stored and
// published as tool.execution.completed.
func (c *Client) Execute(ctx context.Context, call types.FunctionCall) (types.ExecutionRecord, error) {
	rec := types.ExecutionRecord{
		ID:         uuid.NewString(),
		CallID:     call.CallID,
		ToolName:   call.ToolName,
		Parameters: call.Parameters,
	}

	result, err := c.callTool(ctx, call)
	switch {
	case err != nil:
		rec.Status = types.StatusError
		rec.Result = err.Error()
	case result.IsError:
		rec.Status = types.StatusError
		rec.Result = contentText(result)
		err = fmt.Errorf("%s: %w: %s", call.ToolName, ErrToolFailed, rec.Result)
	default:
		rec.Status = types.StatusSuccess
		rec.Result = contentText(result)
	}
	rec.Timestamp = time.Now()

	c.complete(ctx, rec)
	return rec, err
}

func (c *Client) callTool(ctx context.Context, call types.FunctionCall) (*mcp.CallToolResult, error) {
	args := call.Parameters
	if args == nil {
		args = map[string]any{}
	}
	c.logger.Info("calling MCP tool", "tool", call.ToolName, "callId", call.CallID)

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.logger.Info("retrying tool call", "tool", call.ToolName, "attempt", attempt, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("context cancelled while retrying tool call: %w", err)
			}
		}

		session, err := c.getOrCreateSession(ctx)
		if err != nil {
			lastErr = err
			c.CloseSession()
			continue
		}
		result, err := session.CallTool(ctx, &mcp.CallToolParams{
			Name:      call.ToolName,
			Arguments: args,
		})
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Session may be stale; drop it and retry.
		lastErr = err
		c.CloseSession()
		c.logger.Warn("CallTool failed, will retry", "tool", call.ToolName, "error", err)
	}
	return nil, fmt.Errorf("call %s: giving up after %d attempts: %w", call.ToolName, c.cfg.MaxRetries+1, lastErr)
}

// backoff doubles the base delay per attempt, capped, with ±25% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.cfg.BaseDelay * time.Duration(1<<uint(min(attempt-1, 9)))
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	if half := int64(delay) / 2; half > 0 {
		delay = delay - delay/4 + time.Duration(rand.Int64N(half))
	}
	return delay
}

func (c *Client) complete(ctx context.Context, rec types.ExecutionRecord) {
	if c.recorder != nil {
		if err := c.recorder.AppendExecution(ctx, rec); err != nil {
			c.logger.Warn("failed to store execution", "tool", rec.ToolName, "error", err)
		}
	}
	c.busMu.RLock()
	bus := c.bus
	c.busMu.RUnlock()
	if bus != nil {
		bus.Emit(ctx, events.TopicToolExecutionCompleted, rec)
	}
}

func contentText(result *mcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcp.TextContent); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if raw, err := json.Marshal(result.StructuredContent); err == nil {
			return string(raw)
		}
	}
	return strings.Join(parts, "\n")
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
