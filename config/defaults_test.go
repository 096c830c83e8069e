package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, CacheConfig{}, cfg.Cache)
	assert.NotEqual(t, BridgeConfig{}, cfg.Bridge)
	assert.NotEqual(t, HistoryConfig{}, cfg.History)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotNil(t, cfg.Plugins)
	assert.NotNil(t, cfg.Commands.Aliases)
	require.NoError(t, cfg.Validate())
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, int64(60_000), cfg.RateLimiting.WindowMS)
	assert.Equal(t, 100, cfg.RateLimiting.MaxRequests)
	assert.Equal(t, "memory", cfg.RateLimiting.Backend)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.False(t, cfg.Debug)
}

func TestDefaultCacheConfig(t *testing.T) {
	cfg := DefaultCacheConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, time.Hour, cfg.TTL())
	assert.Positive(t, cfg.MaxEntries)
}

func TestDefaultBridgeConfig(t *testing.T) {
	cfg := DefaultBridgeConfig()
	assert.Equal(t, 30*time.Second, cfg.Timeout())
	assert.Equal(t, "127.0.0.1:3001", cfg.Address())
	assert.Equal(t, "tcp", cfg.Transport())
}

func TestDefaultHistoryConfig(t *testing.T) {
	cfg := DefaultHistoryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "sqlite", cfg.Driver)
	assert.Equal(t, "@every 1h", cfg.PruneSchedule)
}
