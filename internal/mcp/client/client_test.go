package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/types"
)

type echoInput struct {
	Text string `json:"text"`
}

func newTestServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "test-tools", Version: "1.0.0"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Echo the text back."},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: in.Text}}}, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "broken", Description: "Always fails."},
		func(_ context.Context, _ *mcp.CallToolRequest, _ echoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{IsError: true, Content: []mcp.Content{&mcp.TextContent{Text: "disk full"}}}, nil, nil
		})
	return server
}

func inMemoryDialer(server *mcp.Server) Dialer {
	return func(ctx context.Context) (mcp.Transport, error) {
		clientT, serverT := mcp.NewInMemoryTransports()
		if _, err := server.Connect(ctx, serverT, nil); err != nil {
			return nil, err
		}
		return clientT, nil
	}
}

type memRecorder struct {
	mu   sync.Mutex
	recs []types.ExecutionRecord
}

func (r *memRecorder) AppendExecution(_ context.Context, rec types.ExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func newTestClient(t *testing.T) (*Client, *memRecorder, *[]types.ExecutionRecord) {
	t.Helper()
	rec := &memRecorder{}
	c := New(Config{}, WithDialer(inMemoryDialer(newTestServer())), WithRecorder(rec))
	t.Cleanup(func() { c.Close() })

	bus := events.NewBus()
	var completed []types.ExecutionRecord
	events.Subscribe(bus, events.TopicToolExecutionCompleted, func(_ context.Context, r types.ExecutionRecord) error {
		completed = append(completed, r)
		return nil
	})
	c.SetBus(bus)
	return c, rec, &completed
}

func TestListTools(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "broken", tools[0].Name)
	assert.Equal(t, "echo", tools[1].Name)
	assert.Contains(t, string(tools[1].InputSchema), "text")
	assert.Equal(t, tools, c.CachedTools())
	assert.True(t, c.Connected())
}

func TestExecuteSuccess(t *testing.T) {
	c, recorder, completed := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := c.Execute(ctx, types.FunctionCall{CallID: "1", ToolName: "echo", Parameters: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccess, rec.Status)
	assert.Equal(t, "hi", rec.Result)
	assert.Equal(t, "1", rec.CallID)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.Timestamp.IsZero())

	require.Len(t, recorder.recs, 1)
	require.Len(t, *completed, 1)
	assert.Equal(t, rec.ID, (*completed)[0].ID)
}

func TestExecuteToolError(t *testing.T) {
	c, recorder, completed := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rec, err := c.Execute(ctx, types.FunctionCall{ToolName: "broken"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrToolFailed))
	assert.Equal(t, types.StatusError, rec.Status)
	assert.Equal(t, "disk full", rec.Result)
	assert.Len(t, recorder.recs, 1)
	assert.Len(t, *completed, 1)
}

func TestExecuteRetriesConnectFailures(t *testing.T) {
	var dials int
	c := New(Config{MaxRetries: 2}, WithDialer(func(context.Context) (mcp.Transport, error) {
		dials++
		return nil, errors.New("connection refused")
	}))
	var delays []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	rec, err := c.Execute(context.Background(), types.FunctionCall{ToolName: "echo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 3, dials)
	assert.Len(t, delays, 2)
	assert.Equal(t, types.StatusError, rec.Status)
}

func TestBackoffIsBounded(t *testing.T) {
	c := New(Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	for attempt := 1; attempt < 20; attempt++ {
		d := c.backoff(attempt)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.Less(t, d, 1250*time.Millisecond)
	}
}

func TestInstructions(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	att, err := c.Instructions(ctx)
	require.NoError(t, err)
	assert.Equal(t, InstructionsFile, att.Name)
	assert.Equal(t, "text/markdown", att.MIMEType)
	body := string(att.Content)
	assert.Contains(t, body, "<function_calls>")
	assert.Contains(t, body, "## echo")
	assert.Contains(t, body, "Echo the text back.")
	assert.Less(t, strings.Index(body, "## broken"), strings.Index(body, "## echo"))
}

func TestRenderInstructionsWithoutTools(t *testing.T) {
	assert.Contains(t, RenderInstructions(nil), "No tools are currently available")
}
