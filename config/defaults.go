// =============================================================================
// 📦 CommandFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Cache:     DefaultCacheConfig(),
		Bridge:    DefaultBridgeConfig(),
		Commands:  DefaultCommandsConfig(),
		Plugins:   map[string]map[string]any{},
		History:   DefaultHistoryConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "0.0.0.0",
		Port:              3000,
		CORS:              CORSConfig{Origins: []string{"*"}},
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ShutdownGrace:     10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		RateLimiting: RateLimitConfig{
			WindowMS:    60_000,
			MaxRequests: 100,
			Backend:     "memory",
		},
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:       true,
		Type:          "memory",
		Duration:      3600,
		MaxEntries:    10_000,
		SweepInterval: time.Minute,
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
	}
}

// DefaultBridgeConfig 返回默认桥接配置
func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Host:              "127.0.0.1",
		Port:              3001,
		TimeoutMS:         30_000,
		MaxConcurrency:    16,
		QueuePolicy:       "queue",
		ReconnectInterval: 2 * time.Second,
		ShutdownGrace:     5 * time.Second,
	}
}

// DefaultCommandsConfig 返回默认命令配置
func DefaultCommandsConfig() CommandsConfig {
	return CommandsConfig{
		Prefix:  "/",
		Aliases: map[string]string{},
	}
}

// DefaultHistoryConfig 返回默认执行历史配置
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Enabled:       false,
		Driver:        "sqlite",
		DSN:           "commandflow.db",
		Retention:     7 * 24 * time.Hour,
		PruneSchedule: "@every 1h",
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:       "info",
		Format:      "json",
		OutputPaths: []string{"stdout"},
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "commandflow",
		SampleRate:   0.1,
	}
}
