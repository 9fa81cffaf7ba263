package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/chatbridge/internal/events"
	"github.com/neboloop/chatbridge/internal/types"
)

func TestRecorderCountsBusEvents(t *testing.T) {
	r := New()
	bus := events.NewBus()
	detach := r.Attach(bus)
	ctx := context.Background()

	bus.Emit(ctx, events.TopicInjectionMounted, events.InjectionEvent{Adapter: "chatgpt", Attempts: 2})
	bus.Emit(ctx, events.TopicInjectionHealed, events.InjectionEvent{Adapter: "chatgpt", Attempts: 1})
	bus.Emit(ctx, events.TopicInjectionHealed, events.InjectionEvent{Adapter: "chatgpt", Attempts: 1})
	bus.Emit(ctx, events.TopicToolExecutionCompleted, types.ExecutionRecord{ToolName: "search", Status: types.StatusError})
	bus.Emit(ctx, events.TopicAutomationSkipped, events.AutomationSkipped{Kind: "insert", Reason: "duplicate"})
	bus.Emit(ctx, events.TopicToggleChanged, events.ToggleChanged{Field: "mcpEnabled", State: types.ToggleState{MCPEnabled: true}})
	bus.Emit(ctx, events.TopicAdapterStateChanged, events.StateChanged{Adapter: "chatgpt", From: "IDLE", To: "ACTIVE"})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.injections.WithLabelValues("chatgpt", "mounted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.injections.WithLabelValues("chatgpt", "healed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.executions.WithLabelValues("search", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.automationSkips.WithLabelValues("insert", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.transitions.WithLabelValues("chatgpt", "ACTIVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.mcpEnabled))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.sessions))

	detach()
	bus.Emit(ctx, events.TopicInjectionHealed, events.InjectionEvent{Adapter: "chatgpt"})
	assert.Equal(t, 2.0, testutil.ToFloat64(r.injections.WithLabelValues("chatgpt", "healed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.sessions))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.mcpEnabled))
}

func TestRecorderIgnoresUnknownPayloads(t *testing.T) {
	r := New()
	r.Observe("custom.topic", struct{}{})
	r.Observe(events.TopicInjectionMounted, "not an event")
	assert.Equal(t, 0, testutil.CollectAndCount(r.injections))
}

func TestHandlerServesMetrics(t *testing.T) {
	r := New()
	r.Observe(events.TopicToolCallDetected, types.FunctionCall{ToolName: "echo"})

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `chatbridge_tool_calls_detected_total{tool="echo"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
