package config

import (
	"maps"
	"slices"
)

// PublicConfig 是可对外暴露的配置子集，不含密钥、Redis 凭据与插件私有配置
type PublicConfig struct {
	Server    PublicServer    `json:"server" yaml:"server"`
	Cache     PublicCache     `json:"cache" yaml:"cache"`
	Bridge    PublicBridge    `json:"bridge" yaml:"bridge"`
	Commands  PublicCommands  `json:"commands" yaml:"commands"`
	History   PublicHistory   `json:"history" yaml:"history"`
	Telemetry PublicTelemetry `json:"telemetry" yaml:"telemetry"`
}

type PublicServer struct {
	Host              string   `json:"host" yaml:"host"`
	Port              int      `json:"port" yaml:"port"`
	CORSOrigins       []string `json:"cors_origins" yaml:"cors_origins"`
	RateLimitWindowMS int64    `json:"rate_limit_window_ms" yaml:"rate_limit_window_ms"`
	RateLimitMax      int      `json:"rate_limit_max_requests" yaml:"rate_limit_max_requests"`
	RateLimitBackend  string   `json:"rate_limit_backend" yaml:"rate_limit_backend"`
	HeartbeatInterval string   `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	Debug             bool     `json:"debug" yaml:"debug"`
}

type PublicCache struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Type       string `json:"type" yaml:"type"`
	Duration   int    `json:"duration" yaml:"duration"`
	MaxEntries int    `json:"max_entries" yaml:"max_entries"`
}

type PublicBridge struct {
	Transport      string `json:"transport" yaml:"transport"`
	TimeoutMS      int64  `json:"timeout_ms" yaml:"timeout_ms"`
	MaxConcurrency int    `json:"max_concurrency" yaml:"max_concurrency"`
	QueuePolicy    string `json:"queue_policy" yaml:"queue_policy"`
}

type PublicCommands struct {
	Prefix   string            `json:"prefix" yaml:"prefix"`
	Aliases  map[string]string `json:"aliases" yaml:"aliases"`
	Disabled []string          `json:"disabled" yaml:"disabled"`
}

type PublicHistory struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
}

type PublicTelemetry struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// PublicView 返回 GET /api/config 与 config 命令使用的脱敏视图
func (c *Config) PublicView() PublicConfig {
	aliases := maps.Clone(c.Commands.Aliases)
	if aliases == nil {
		aliases = map[string]string{}
	}
	disabled := slices.Clone(c.Commands.Disabled)
	if disabled == nil {
		disabled = []string{}
	}
	return PublicConfig{
		Server: PublicServer{
			Host:              c.Server.Host,
			Port:              c.Server.Port,
			CORSOrigins:       c.Server.AllowedOrigins(),
			RateLimitWindowMS: c.Server.RateLimiting.WindowMS,
			RateLimitMax:      c.Server.RateLimiting.MaxRequests,
			RateLimitBackend:  c.Server.RateLimiting.Backend,
			HeartbeatInterval: c.Server.HeartbeatInterval.String(),
			Debug:             c.Server.Debug,
		},
		Cache: PublicCache{
			Enabled:    c.Cache.Enabled,
			Type:       c.Cache.Type,
			Duration:   c.Cache.Duration,
			MaxEntries: c.Cache.MaxEntries,
		},
		Bridge: PublicBridge{
			Transport:      c.Bridge.Transport(),
			TimeoutMS:      c.Bridge.TimeoutMS,
			MaxConcurrency: c.Bridge.MaxConcurrency,
			QueuePolicy:    c.Bridge.QueuePolicy,
		},
		Commands: PublicCommands{
			Prefix:   c.Commands.Prefix,
			Aliases:  aliases,
			Disabled: disabled,
		},
		History: PublicHistory{
			Enabled: c.History.Enabled,
			Driver:  c.History.Driver,
		},
		Telemetry: PublicTelemetry{
			Enabled:     c.Telemetry.Enabled,
			ServiceName: c.Telemetry.ServiceName,
		},
	}
}
