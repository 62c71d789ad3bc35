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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, StorageFile, cfg.Storage.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Sweep.Interval)
	assert.Equal(t, time.Hour, cfg.Sweep.ListingTTL)
	assert.True(t, cfg.Sweep.Enabled)
	assert.False(t, cfg.Sweep.BroadcastExpired)
	assert.Equal(t, 5, cfg.Market.MaxListings)
	assert.False(t, cfg.Market.Strict)
	assert.Equal(t, 10*time.Second, cfg.Client.RefreshInterval)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("MARKET_REDIS_ADDR", "cache:6380")
	path := writeConfig(t, `
server:
  port: 8081
storage:
  driver: redis
redis:
  addr: ${MARKET_REDIS_ADDR}
sweep:
  enabled: true
  listing_ttl: 30m
market:
  strict: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, StorageRedis, cfg.Storage.Driver)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, "market", cfg.Redis.KeyPrefix)
	assert.Equal(t, 30*time.Minute, cfg.Sweep.ListingTTL)
	assert.Equal(t, 5*time.Minute, cfg.Sweep.Interval)
	assert.True(t, cfg.Market.Strict)
}

func TestLoad_UnknownDriver(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: cassandra\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", LogConfig{Level: "debug"}.SlogLevel().String())
	assert.Equal(t, "WARN", LogConfig{Level: "WARNING"}.SlogLevel().String())
	assert.Equal(t, "INFO", LogConfig{Level: ""}.SlogLevel().String())
}

func TestLoad_SweeperEnabledWhenOmitted(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  port: 8081\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Sweep.Interval)

	cfg, err = Load(writeConfig(t, "sweep:\n  enabled: false\n"))
	require.NoError(t, err)
	assert.False(t, cfg.Sweep.Enabled)
}
