// Package config loads chatbridge settings: embedded defaults first, then the
// user's config.yaml from the data directory on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/neboloop/chatbridge/internal/logging"
)

// Preference store backends.
const (
	PrefsFile   = "file"
	PrefsSQLite = "sqlite"
)

// LoadFromBytes loads configuration from YAML bytes with environment variable expansion
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	if err := c.merge(data); err != nil {
		return c, err
	}
	return c, nil
}

// Load reads the embedded defaults and overlays the user file at path. A missing
// user file is not an error.
func Load(defaults []byte, path string) (Config, error) {
	c, err := LoadFromBytes(defaults)
	if err != nil {
		return c, fmt.Errorf("embedded config: %w", err)
	}
	if path == "" {
		return c, c.Validate()
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, c.Validate()
	}
	if err != nil {
		return c, err
	}
	if err := c.merge(data); err != nil {
		return c, fmt.Errorf("%s: %w", path, err)
	}
	return c, c.Validate()
}

// merge decodes data onto c. Keys absent from data keep their current values.
func (c *Config) merge(data []byte) error {
	expanded := os.ExpandEnv(string(data))
	if strings.TrimSpace(expanded) == "" {
		return nil
	}
	return yaml.Unmarshal([]byte(expanded), c)
}

// parseBool parses a string as boolean with a default value.
// Accepts: "true", "1", "yes" as true; empty or other values return default.
func parseBool(s string, defaultVal bool) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return defaultVal
	}
	return s == "true" || s == "1" || s == "yes"
}

type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
		// Token, when set, is required as a bearer token on the command API.
		Token   string `yaml:"token"`
		Enabled string `yaml:"enabled"`
	} `yaml:"server"`

	Log logging.Config `yaml:"log"`

	Browser struct {
		Driver         string        `yaml:"driver"`
		CDPURL         string        `yaml:"cdpURL"`
		ExecutablePath string        `yaml:"executablePath"`
		Headless       string        `yaml:"headless"`
		NoSandbox      string        `yaml:"noSandbox"`
		StartURL       string        `yaml:"startURL"`
		Timeout        time.Duration `yaml:"timeout"`
	} `yaml:"browser"`

	Injector struct {
		MaxRetries     int           `yaml:"maxRetries"`
		HealRetries    int           `yaml:"healRetries"`
		RetryDelay     time.Duration `yaml:"retryDelay"`
		HealthInterval time.Duration `yaml:"healthInterval"`
	} `yaml:"injector"`

	Automation struct {
		Cooldown          time.Duration `yaml:"cooldown"`
		SubmitDelay       time.Duration `yaml:"submitDelay"`
		ClipboardFallback string        `yaml:"clipboardFallback"`
	} `yaml:"automation"`

	Backend struct {
		URL        string        `yaml:"url"`
		Token      string        `yaml:"token"`
		Timeout    time.Duration `yaml:"timeout"`
		MaxRetries int           `yaml:"maxRetries"`
		BaseDelay  time.Duration `yaml:"baseDelay"`
		MaxDelay   time.Duration `yaml:"maxDelay"`
	} `yaml:"backend"`

	Prefs struct {
		Backend string `yaml:"backend"`
	} `yaml:"prefs"`

	Database struct {
		// SQLitePath defaults to chatbridge.db in the data directory.
		SQLitePath string `yaml:"sqlitePath"`
	} `yaml:"database"`

	History struct {
		Retention time.Duration `yaml:"retention"`
		Prune     string        `yaml:"prune"`
		Limit     int           `yaml:"limit"`
	} `yaml:"history"`

	Session struct {
		PollInterval time.Duration `yaml:"pollInterval"`
	} `yaml:"session"`

	Notify struct {
		Desktop string `yaml:"desktop"`
	} `yaml:"notify"`
}

// Validate checks values that would otherwise fail late.
func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	switch c.Prefs.Backend {
	case "", PrefsFile, PrefsSQLite:
	default:
		return fmt.Errorf("prefs.backend must be %q or %q, got %q", PrefsFile, PrefsSQLite, c.Prefs.Backend)
	}
	if c.History.Retention < 0 {
		return errors.New("history.retention must not be negative")
	}
	return nil
}

func (c Config) IsServerEnabled() bool {
	return parseBool(c.Server.Enabled, true)
}

func (c Config) IsHeadless() bool {
	return parseBool(c.Browser.Headless, false)
}

func (c Config) IsNoSandbox() bool {
	return parseBool(c.Browser.NoSandbox, false)
}

func (c Config) IsClipboardFallback() bool {
	return parseBool(c.Automation.ClipboardFallback, true)
}

func (c Config) IsDesktopNotify() bool {
	return parseBool(c.Notify.Desktop, false)
}

// PrefsBackend returns the preference store backend, defaulting to the file store.
func (c Config) PrefsBackend() string {
	if c.Prefs.Backend == "" {
		return PrefsFile
	}
	return c.Prefs.Backend
}

// ServerAddr is host:port of the command API.
func (c Config) ServerAddr() string {
	host := c.Server.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}
