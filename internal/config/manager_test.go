package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "lunchbox.yaml", `
http:
  addr: "127.0.0.1:9090"
  token: secret
logging:
  level: DEBUG
  console: true
  file:
    enabled: false
registry:
  driver: sqlite
  path: ./data/reminders.db
  busy_timeout: 5s
scheduling:
  lead: 45m
  lag: 90m
poller:
  interval: 30s
  autostart: false
retention:
  max_age: 168h
smtp:
  host: smtp.example.com
  port: 587
  from: lunchbox@example.com
`)
	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.HTTP.Addr)
	assert.Equal(t, "sqlite", cfg.Registry.Driver)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.False(t, cfg.Poller.AutostartEnabled())

	lead, err := ParseDurationOrDefault("scheduling.lead", cfg.Scheduling.Lead, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Minute, lead)

	assert.Same(t, cfg, m.Get())
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "lunchbox.json", `{
  "logging": {"level": "INFO", "console": true, "file": {"enabled": false}},
  "poller": {"interval": "1m"}
}`)
	cfg, err := NewManager(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "1m", cfg.Poller.Interval)
	assert.True(t, cfg.Poller.AutostartEnabled(), "autostart defaults to true when omitted")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "lunchbox.yaml", `
logging:
  level: INFO
  console: true
  file:
    enabled: false
pollre:
  interval: 1m
`)
	_, err := NewManager(path).Load()
	require.Error(t, err, "typo'd section must be rejected")
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", " 90s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDurationField("x", "-5s")
	require.Error(t, err)

	_, err = ParseDurationField("x", "five minutes")
	require.Error(t, err)

	d, err = ParseDurationOrDefault("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}

func TestReloadSkipsUnchangedContent(t *testing.T) {
	path := writeFile(t, "lunchbox.json", `{"logging": {"level": "INFO", "console": true, "file": {"enabled": false}}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(2)
	defer m.Unsubscribe(sub)

	// Same content: no publish.
	m.reload(t.Context())
	select {
	case <-sub:
		t.Fatal("unchanged config must not be published")
	default:
	}

	// Changed content: committed and published.
	require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": "DEBUG", "console": true, "file": {"enabled": false}}}`), 0o600))
	m.reload(t.Context())
	select {
	case cfg := <-sub:
		assert.Equal(t, "DEBUG", cfg.Logging.Level)
	default:
		t.Fatal("changed config must be published")
	}
}
