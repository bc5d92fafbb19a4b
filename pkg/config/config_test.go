package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddress)
	assert.Equal(t, 30*time.Second, cfg.Server.PingInterval)
	assert.Equal(t, time.Hour, cfg.Session.PresenceTTL)
	assert.Equal(t, "theirs", cfg.Session.ConflictPolicy)
	assert.Empty(t, cfg.Database.DSN)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_address: ":9090"
  send_buffer: 128
database:
  dsn: "postgres://localhost/collab?sslmode=disable"
session:
  conflict_policy: timestamp
  record_conflicts: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddress)
	assert.Equal(t, 128, cfg.Server.SendBuffer)
	assert.Equal(t, "postgres://localhost/collab?sslmode=disable", cfg.Database.DSN)
	assert.Equal(t, "timestamp", cfg.Session.ConflictPolicy)
	assert.True(t, cfg.Session.RecordConflicts)
	// Untouched keys keep their defaults
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("COLLAB_SERVER_LISTEN_ADDRESS", ":7070")
	t.Setenv("COLLAB_REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.ListenAddress)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
