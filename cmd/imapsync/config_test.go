package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.TLS)
	assert.Equal(t, 2*time.Minute, cfg.NoopPeriod)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.NotEmpty(t, cfg.Cache)
	assert.Error(t, cfg.validate())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `server: imap.example.org:993
username: alice
cache: /tmp/imapsync.db
noop_period: 45s
metrics_listen: localhost:9100
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	t.Setenv("IMAPSYNC_TLS", "false")
	t.Setenv("IMAPSYNC_USERNAME", "bob")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "imap.example.org:993", cfg.Server)
	assert.Equal(t, "bob", cfg.Username)
	assert.False(t, cfg.TLS)
	assert.Equal(t, "/tmp/imapsync.db", cfg.Cache)
	assert.Equal(t, 45*time.Second, cfg.NoopPeriod)
	assert.Equal(t, "localhost:9100", cfg.MetricsListen)
	assert.NoError(t, cfg.validate())
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [\n"), 0o600))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestConfigValidateOffline(t *testing.T) {
	cfg := &Config{Offline: true}
	assert.NoError(t, cfg.validate())
}
