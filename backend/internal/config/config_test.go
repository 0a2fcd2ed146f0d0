package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "Running:\n  Port: 9000\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Running.Port)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Sync.PersistDebounce)
	assert.Equal(t, 1000, cfg.Checkpoint.OpThreshold)
	assert.Equal(t, 3*time.Minute, cfg.History.AutosaveDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Presence.TypingIdle)
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
Store:
  driver: mysql
Mysql:
  dsn: "root:pw@tcp(127.0.0.1:3306)/docsync?parseTime=true"
Redis:
  addrs: ["127.0.0.1:7000", "127.0.0.1:7001"]
Sync:
  persistDebounce: 2s
Presence:
  typingTimeout: 5s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mysql", cfg.Store.Driver)
	assert.Len(t, cfg.Redis.Addrs, 2)
	assert.Equal(t, 2*time.Second, cfg.Sync.PersistDebounce)
	assert.Equal(t, 5*time.Second, cfg.Presence.TypingTimeout)
}

func TestEnvOverride(t *testing.T) {
	path := writeConfig(t, "Log:\n  level: info\n")
	t.Setenv("DOCSYNC_LOG_LEVEL", "debug")
	t.Setenv("DOCSYNC_KAFKA_BROKERS", "k1:9092,k2:9092")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestValidate(t *testing.T) {
	_, err := Load(writeConfig(t, "Store:\n  driver: mysql\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "Store:\n  driver: cassandra\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "Store:\n  cacheState: true\n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
