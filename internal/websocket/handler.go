// Package websocket upgrades event stream connections and hands them to the
// realtime hub.
package websocket

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/neboloop/chatbridge/internal/middleware"
	"github.com/neboloop/chatbridge/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CLI clients send no Origin; browsers must be on this machine.
		origin := r.Header.Get("Origin")
		return origin == "" || middleware.IsLocalhostOrigin(origin)
	},
}

// Handler returns an HTTP handler function for WebSocket upgrades
func Handler(hub *realtime.Hub, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Generate client ID (unique per connection)
		clientID := r.URL.Query().Get("clientId")
		if clientID == "" {
			clientID = "client-" + uuid.New().String()[:8]
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "client", clientID, "error", err)
			return
		}
		logger.Debug("serving websocket", "client", clientID)

		// Delegate to the realtime hub
		realtime.ServeWS(hub, conn, clientID)
	}
}
