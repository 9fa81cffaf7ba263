// Package realtime streams session events to websocket clients and accepts
// commands from them.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Message types.
const (
	TypeEvent   = "event"
	TypeCommand = "command"
	TypeResult  = "result"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeError   = "error"
)

// Message is the JSON frame exchanged with clients.
type Message struct {
	Type string `json:"type"`
	// ID correlates a command with its result.
	ID string `json:"id,omitempty"`
	// Topic is the bus topic of an event.
	Topic string `json:"topic,omitempty"`
	// Name is the command name.
	Name      string          `json:"name,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// CommandFunc runs a command received from a client and returns the reply payload.
type CommandFunc func(ctx context.Context, name string, args json.RawMessage) any

// Hub tracks connected clients and fans events out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	commandMu sync.RWMutex
	command   CommandFunc

	logger *slog.Logger
}

// NewHub creates a hub. Call Run before serving clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 1),
		unregister: make(chan *Client, 1),
		done:       make(chan struct{}),
		logger:     logger.With("component", "realtime"),
	}
}

// Run starts the hub's main loop and closes every client when ctx ends. Run must
// be called at most once.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[c.ID]; ok {
				old.Close()
			}
			h.clients[c.ID] = c
			h.mu.Unlock()
			h.logger.Debug("client connected", "client", c.ID)
		case c := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[c.ID]; ok && cur == c {
				delete(h.clients, c.ID)
			}
			h.mu.Unlock()
			c.Close()
			h.logger.Debug("client disconnected", "client", c.ID)
		}
	}
}

// SetCommandHandler installs the function that answers command messages.
func (h *Hub) SetCommandHandler(fn CommandFunc) {
	h.commandMu.Lock()
	h.command = fn
	h.commandMu.Unlock()
}

func (h *Hub) commandHandler() CommandFunc {
	h.commandMu.RLock()
	defer h.commandMu.RUnlock()
	return h.command
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends an event to every client. Clients with a full buffer miss it.
func (h *Hub) Publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("dropping unencodable event", "topic", topic, "error", err)
		return
	}
	h.Broadcast(&Message{Type: TypeEvent, Topic: topic, Data: data, Timestamp: time.Now()})
}

// Broadcast sends msg to all connected clients.
func (h *Hub) Broadcast(msg *Message) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.SendMessage(msg); err != nil {
			h.logger.Debug("event not delivered", "client", c.ID, "error", err)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
