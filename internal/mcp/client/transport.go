package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// AuthenticatedTransport wraps http.RoundTripper to add a bearer token.
type AuthenticatedTransport struct {
	Base  http.RoundTripper
	Token string
}

// RoundTrip adds the Bearer token to requests
func (t *AuthenticatedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "Bearer "+t.Token)
	return t.Base.RoundTrip(req2)
}

// sessionEntry holds the cached MCP client session.
type sessionEntry struct {
	session   *mcp.ClientSession
	createdAt time.Time
}

// maxSessionAge defines the maximum lifetime of a session before forcing reconnect.
const maxSessionAge = 30 * time.Minute

// isSessionHealthy checks if a cached session is still alive and valid.
// SDK keepalive handles liveness detection; this only enforces max age.
func isSessionHealthy(entry *sessionEntry) bool {
	if entry == nil || entry.session == nil {
		return false
	}
	return time.Since(entry.createdAt) <= maxSessionAge
}

func (c *Client) httpDialer(context.Context) (mcp.Transport, error) {
	if c.cfg.Endpoint == "" {
		return nil, fmt.Errorf("no MCP server endpoint configured")
	}
	var rt http.RoundTripper = http.DefaultTransport
	if c.cfg.Token != "" {
		rt = &AuthenticatedTransport{Base: http.DefaultTransport, Token: c.cfg.Token}
	}
	return &mcp.StreamableClientTransport{
		Endpoint:   c.cfg.Endpoint,
		HTTPClient: &http.Client{Timeout: c.cfg.Timeout, Transport: rt},
	}, nil
}

// getOrCreateSession returns the cached session or connects a new one.
func (c *Client) getOrCreateSession(ctx context.Context) (*mcp.ClientSession, error) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	if isSessionHealthy(c.session) {
		return c.session.session, nil
	}
	if c.session != nil {
		c.session.session.Close()
		c.session = nil
	}

	transport, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "chatbridge",
		Version: "1.0.0",
	}, &mcp.ClientOptions{
		KeepAlive: c.cfg.KeepAlive,
	})
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MCP server: %w", err)
	}

	entry := &sessionEntry{session: session, createdAt: time.Now()}
	c.session = entry
	c.logger.Info("MCP session established", "endpoint", c.cfg.Endpoint)

	// Forget the session once it dies (keepalive failure or server disconnect).
	go func() {
		_ = session.Wait()
		c.sessMu.Lock()
		if c.session == entry {
			c.session = nil
		}
		c.sessMu.Unlock()
		c.logger.Debug("MCP session closed")
	}()

	return session, nil
}

// CloseSession closes the cached session, if any.
func (c *Client) CloseSession() {
	c.sessMu.Lock()
	entry := c.session
	c.session = nil
	c.sessMu.Unlock()
	if entry != nil {
		entry.session.Close()
	}
}

// Close releases the connection.
func (c *Client) Close() error {
	c.CloseSession()
	return nil
}

// Connected reports whether a live session is cached.
func (c *Client) Connected() bool {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.session != nil
}

// StartHealthChecker periodically closes a session that exceeded maxSessionAge.
// The next call reconnects.
func (c *Client) StartHealthChecker(ctx context.Context) {
	interval := maxSessionAge / 3
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.performHealthCheck()
			}
		}
	}()
	c.logger.Debug("MCP health checker started", "interval", interval)
}

func (c *Client) performHealthCheck() {
	c.sessMu.Lock()
	entry := c.session
	c.sessMu.Unlock()
	if entry != nil && !isSessionHealthy(entry) {
		c.logger.Info("health check: closing aged MCP session")
		c.CloseSession()
	}
}
