package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishReachesClients(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	// Conn is nil: the pumps are not started in unit tests.
	c := NewClient(nil, hub, "cli-1")
	hub.register <- c
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	hub.Publish("toggle.changed", map[string]any{"field": "mcpEnabled"})

	select {
	case raw := <-c.send:
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, TypeEvent, msg.Type)
		assert.Equal(t, "toggle.changed", msg.Topic)
		assert.JSONEq(t, `{"field":"mcpEnabled"}`, string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	hub.unregister <- c
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, time.Millisecond)
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.SendMessage(&Message{Type: TypePing}), ErrClientClosed)
}

func TestHubReplacesClientWithSameID(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	first := NewClient(nil, hub, "dup")
	second := NewClient(nil, hub, "dup")
	hub.register <- first
	hub.register <- second
	require.Eventually(t, first.IsClosed, time.Second, time.Millisecond)
	assert.False(t, second.IsClosed())
	assert.Equal(t, 1, hub.ClientCount())
}

func TestHandleCommand(t *testing.T) {
	hub := NewHub(nil)
	c := NewClient(nil, hub, "cli")

	c.handleCommand(&Message{Type: TypeCommand, ID: "1", Name: "getStats"})
	msg := readSent(t, c)
	assert.Equal(t, TypeError, msg.Type)

	hub.SetCommandHandler(func(_ context.Context, name string, args json.RawMessage) any {
		return map[string]any{"success": true, "name": name}
	})
	c.handleCommand(&Message{Type: TypeCommand, ID: "2", Name: "getStats"})
	msg = readSent(t, c)
	assert.Equal(t, TypeResult, msg.Type)
	assert.Equal(t, "2", msg.ID)
	assert.JSONEq(t, `{"success":true,"name":"getStats"}`, string(msg.Data))

	c.handleMessage(&Message{Type: TypePing, ID: "3"})
	assert.Equal(t, TypePong, readSent(t, c).Type)
}

func TestClosedHubClosesClients(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	c := NewClient(nil, hub, "cli")
	hub.register <- c
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.True(t, c.IsClosed())
	assert.Equal(t, 0, hub.ClientCount())
}

func readSent(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case raw := <-c.send:
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg
	case <-time.After(time.Second):
		t.Fatal("nothing sent")
	}
	return Message{}
}
