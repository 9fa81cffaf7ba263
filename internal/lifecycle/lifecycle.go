// Package lifecycle provides process-wide hooks for chatbridge startup, page
// sessions and shutdown.
package lifecycle

import (
	"sync"

	"github.com/neboloop/chatbridge/internal/logging"
)

// Event types for lifecycle hooks
type Event string

const (
	// Server lifecycle events
	EventServerStarted    Event = "server_started"
	EventShutdownStarted  Event = "shutdown_started"
	EventShutdownComplete Event = "shutdown_complete"

	// Browser events
	EventBrowserReady Event = "browser_ready"

	// Page session events
	EventSessionNew    Event = "session_new"
	EventSessionClosed Event = "session_closed"
)

// Handler is a function that handles a lifecycle event
type Handler func(event Event, data any)

// Manager manages lifecycle event subscriptions and dispatching
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// NewManager returns an empty manager. Most callers use the package-level functions.
func NewManager() *Manager {
	return &Manager{handlers: make(map[Event][]Handler)}
}

var global = NewManager()

// On registers a handler for a lifecycle event
func On(event Event, handler Handler) {
	global.On(event, handler)
}

// Emit dispatches an event to all registered handlers
func Emit(event Event, data any) {
	global.Emit(event, data)
}

// On registers a handler for a lifecycle event
func (m *Manager) On(event Event, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// Emit dispatches an event to all registered handlers
func (m *Manager) Emit(event Event, data any) {
	m.mu.RLock()
	handlers := m.handlers[event]
	m.mu.RUnlock()

	logging.Debugf("[lifecycle] Emitting event: %s", event)
	for _, h := range handlers {
		// Run handlers synchronously (they can spawn goroutines if needed)
		h(event, data)
	}
}

// OnServerStarted is a convenience function to register a server started handler
func OnServerStarted(handler func(addr string)) {
	On(EventServerStarted, func(e Event, data any) {
		addr, _ := data.(string)
		handler(addr)
	})
}

// OnShutdown is a convenience function to register a shutdown handler
func OnShutdown(handler func()) {
	On(EventShutdownStarted, func(e Event, data any) {
		handler()
	})
}

// OnBrowserReady registers a handler called once the page is attached. The
// handler gets the browser driver name.
func OnBrowserReady(handler func(driver string)) {
	On(EventBrowserReady, func(e Event, data any) {
		driver, _ := data.(string)
		handler(driver)
	})
}

// SessionEventData describes a page session
type SessionEventData struct {
	SessionID string
	URL       string
	Adapter   string
}

// OnSessionNew registers a handler for new page sessions
func OnSessionNew(handler func(data SessionEventData)) {
	On(EventSessionNew, func(e Event, data any) {
		if d, ok := data.(SessionEventData); ok {
			handler(d)
		}
	})
}

// OnSessionClosed registers a handler for closed page sessions
func OnSessionClosed(handler func(data SessionEventData)) {
	On(EventSessionClosed, func(e Event, data any) {
		if d, ok := data.(SessionEventData); ok {
			handler(d)
		}
	})
}

// EmitAsync dispatches an event asynchronously
func EmitAsync(event Event, data any) {
	go global.Emit(event, data)
}
