package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDefaults = `
server:
  port: 27490
  token: ${CHATBRIDGE_TEST_TOKEN}
browser:
  driver: chromedp
  headless: ${CHATBRIDGE_TEST_HEADLESS}
  timeout: 10s
automation:
  cooldown: 2s
  clipboardFallback: "true"
backend:
  url: http://127.0.0.1:3006/mcp
history:
  retention: 720h
  prune: "@daily"
session:
  pollInterval: 1s
`

func TestLoadFromBytesExpandsEnv(t *testing.T) {
	t.Setenv("CHATBRIDGE_TEST_TOKEN", "s3cret")
	t.Setenv("CHATBRIDGE_TEST_HEADLESS", "yes")

	c, err := LoadFromBytes([]byte(testDefaults))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", c.Server.Token)
	assert.True(t, c.IsHeadless())
	assert.Equal(t, 2*time.Second, c.Automation.Cooldown)
	assert.Equal(t, 720*time.Hour, c.History.Retention)
	assert.Equal(t, "127.0.0.1:27490", c.ServerAddr())
}

func TestLoadOverlaysUserFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
browser:
  driver: playwright
automation:
  cooldown: 5s
prefs:
  backend: sqlite
`), 0o644))

	c, err := Load([]byte(testDefaults), path)
	require.NoError(t, err)
	assert.Equal(t, "playwright", c.Browser.Driver)
	assert.Equal(t, 10*time.Second, c.Browser.Timeout)
	assert.Equal(t, 5*time.Second, c.Automation.Cooldown)
	assert.Equal(t, "http://127.0.0.1:3006/mcp", c.Backend.URL)
	assert.Equal(t, PrefsSQLite, c.PrefsBackend())
}

func TestLoadMissingUserFile(t *testing.T) {
	c, err := Load([]byte(testDefaults), filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, PrefsFile, c.PrefsBackend())
	assert.True(t, c.IsServerEnabled())
	assert.True(t, c.IsClipboardFallback())
	assert.False(t, c.IsDesktopNotify())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("prefs:\n  backend: redis\n"), 0o644))
	_, err := Load([]byte(testDefaults), bad)
	assert.ErrorContains(t, err, "prefs.backend")

	broken := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("automation:\n  cooldown: soon\n"), 0o644))
	_, err = Load([]byte(testDefaults), broken)
	assert.Error(t, err)
}

func TestParseBool(t *testing.T) {
	assert.True(t, parseBool("", true))
	assert.False(t, parseBool("", false))
	assert.True(t, parseBool(" YES ", false))
	assert.True(t, parseBool("1", false))
	assert.False(t, parseBool("off", true))
}
