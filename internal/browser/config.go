// Package browser connects chatbridge to a Chromium page. The page is exposed as a
// dom.Document backed by small JavaScript programs evaluated through either chromedp
// or playwright.
package browser

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Driver types
const (
	// DriverChromedp talks CDP directly through chromedp.
	DriverChromedp = "chromedp"

	// DriverPlaywright uses a playwright driver process.
	DriverPlaywright = "playwright"
)

// DefaultCDPPort is the Chrome DevTools Protocol port used when a CDP URL omits it.
const DefaultCDPPort = 9222

// DefaultTimeout bounds a single script evaluation.
const DefaultTimeout = 10 * time.Second

// Config is the browser section of the chatbridge config.
type Config struct {
	// Driver is "chromedp" (default) or "playwright".
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"`

	// CDPURL attaches to an already running browser instead of launching one,
	// e.g. "http://127.0.0.1:9222".
	CDPURL string `json:"cdpUrl,omitempty" yaml:"cdpUrl,omitempty"`

	// ExecutablePath overrides auto-detection of Chrome.
	ExecutablePath string `json:"executablePath,omitempty" yaml:"executablePath,omitempty"`

	// Headless runs a launched browser without UI.
	Headless bool `json:"headless,omitempty" yaml:"headless,omitempty"`

	// NoSandbox disables the Chrome sandbox (needed in some containers).
	NoSandbox bool `json:"noSandbox,omitempty" yaml:"noSandbox,omitempty"`

	// StartURL is opened once the page is ready.
	StartURL string `json:"startUrl,omitempty" yaml:"startUrl,omitempty"`

	// Timeout bounds each evaluation.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Resolve fills defaults and validates the configuration.
func (c Config) Resolve() (Config, error) {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	switch c.Driver {
	case "":
		c.Driver = DriverChromedp
	case DriverChromedp, DriverPlaywright:
	default:
		return c, fmt.Errorf("unknown browser driver %q", c.Driver)
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.CDPURL != "" {
		normalized, err := normalizeCDPURL(c.CDPURL)
		if err != nil {
			return c, err
		}
		c.CDPURL = normalized
	}
	return c, nil
}

func normalizeCDPURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid cdp url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return "", fmt.Errorf("invalid cdp url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Port() == "" && (u.Scheme == "http" || u.Scheme == "ws") {
		u.Host = fmt.Sprintf("%s:%d", u.Hostname(), DefaultCDPPort)
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}

// IsLoopback reports whether the CDP endpoint is on this machine.
func (c Config) IsLoopback() bool {
	if c.CDPURL == "" {
		return true
	}
	u, err := url.Parse(c.CDPURL)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
