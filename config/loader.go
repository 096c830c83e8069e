// =============================================================================
// 📦 CommandFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("commandflow.yaml").
//	    WithEnvPrefix("COMMANDFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量 → 校验
// =============================================================================
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/commandflow/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 CommandFlow 的完整配置结构
type Config struct {
	// Server HTTP / 双工传输配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Cache 缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Bridge 辅助运行时桥接配置
	Bridge BridgeConfig `yaml:"bridge" env:"BRIDGE"`

	// Commands 命令解析配置
	Commands CommandsConfig `yaml:"commands" env:"COMMANDS"`

	// Plugins 按插件名划分的自由配置，只能来自 YAML
	Plugins map[string]map[string]any `yaml:"plugins" env:"-"`

	// History 执行历史配置
	History HistoryConfig `yaml:"history" env:"HISTORY"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// 监听地址
	Host string `yaml:"host" env:"HOST"`
	// HTTP 端口
	Port int `yaml:"port" env:"PORT"`
	// CORS 配置
	CORS CORSConfig `yaml:"cors" env:"CORS"`
	// 扁平写法的 CORS 来源，与 cors.origins 合并
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
	// 限流配置
	RateLimiting RateLimitConfig `yaml:"rate_limiting" env:"RATE_LIMITING"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭等待时间
	ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
	// 双工连接心跳间隔
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	// 调试模式：错误响应携带内部细节
	Debug bool `yaml:"debug" env:"DEBUG"`
}

// CORSConfig 跨域配置
type CORSConfig struct {
	Origins []string `yaml:"origins" env:"ORIGINS"`
}

// RateLimitConfig 固定窗口限流配置
type RateLimitConfig struct {
	// 窗口长度（毫秒）
	WindowMS int64 `yaml:"window_ms" env:"WINDOW_MS"`
	// 每窗口最大请求数
	MaxRequests int `yaml:"max_requests" env:"MAX_REQUESTS"`
	// 后端: memory, redis
	Backend string `yaml:"backend" env:"BACKEND"`
	// JWT HS256 密钥；为空时不解析 Bearer token
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
}

// CacheConfig 缓存配置
type CacheConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 类型: memory, redis
	Type string `yaml:"type" env:"TYPE"`
	// 默认 TTL（秒）
	Duration int `yaml:"duration" env:"DURATION"`
	// 内存后端最大条目数
	MaxEntries int `yaml:"max_entries" env:"MAX_ENTRIES"`
	// 内存后端过期清理间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// Redis 后端配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
}

// BridgeConfig 辅助运行时桥接配置
type BridgeConfig struct {
	// TCP 主机
	Host string `yaml:"host" env:"HOST"`
	// TCP 端口
	Port int `yaml:"port" env:"PORT"`
	// 单次调用默认超时（毫秒）
	TimeoutMS int64 `yaml:"timeout_ms" env:"TIMEOUT_MS"`
	// 最大并发调用数
	MaxConcurrency int `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	// 超出并发时的策略: queue, fail_fast
	QueuePolicy string `yaml:"queue_policy" env:"QUEUE_POLICY"`
	// 子进程命令；非空时使用 stdio 传输
	Command string `yaml:"command" env:"COMMAND"`
	// 子进程参数
	Args []string `yaml:"args" env:"ARGS"`
	// 重连最小间隔
	ReconnectInterval time.Duration `yaml:"reconnect_interval" env:"RECONNECT_INTERVAL"`
	// 关闭时等待在途调用的时间
	ShutdownGrace time.Duration `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
}

// CommandsConfig 命令解析配置
type CommandsConfig struct {
	// 命令前缀，解析前剥离
	Prefix string `yaml:"prefix" env:"PREFIX"`
	// 配置级别名: alias -> command
	Aliases map[string]string `yaml:"aliases" env:"-"`
	// YAML 插件清单目录
	PluginDir string `yaml:"plugin_dir" env:"PLUGIN_DIR"`
	// 禁用的插件名
	Disabled []string `yaml:"disabled" env:"DISABLED"`
}

// HistoryConfig 执行历史配置
type HistoryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 驱动: sqlite, postgres, mysql
	Driver string `yaml:"driver" env:"DRIVER"`
	// 连接串
	DSN string `yaml:"dsn" env:"DSN"`
	// 保留时长
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	// 清理计划（cron 表达式）
	PruneSchedule string `yaml:"prune_schedule" env:"PRUNE_SCHEDULE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "COMMANDFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量；任何失败都返回 CONFIG_ERROR
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, types.NewConfigError("failed to load config from file", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, types.NewConfigError("failed to load config from env", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, types.NewConfigError("config validation failed", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，未知字段视为错误
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 校验与辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置，全部问题合并为一个 CONFIG_ERROR
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port %d out of range 1..65535", c.Server.Port))
	}
	if c.Server.RateLimiting.WindowMS <= 0 {
		errs = append(errs, "server.rate_limiting.window_ms must be positive")
	}
	if c.Server.RateLimiting.MaxRequests <= 0 {
		errs = append(errs, "server.rate_limiting.max_requests must be positive")
	}
	if !slices.Contains([]string{"memory", "redis"}, c.Server.RateLimiting.Backend) {
		errs = append(errs, fmt.Sprintf("unknown server.rate_limiting.backend %q", c.Server.RateLimiting.Backend))
	}

	if !slices.Contains([]string{"memory", "redis"}, c.Cache.Type) {
		errs = append(errs, fmt.Sprintf("unknown cache.type %q", c.Cache.Type))
	}
	if c.Cache.Duration <= 0 {
		errs = append(errs, "cache.duration must be positive")
	}

	if c.Bridge.TimeoutMS <= 0 {
		errs = append(errs, "bridge.timeout_ms must be positive")
	}
	if c.Bridge.MaxConcurrency <= 0 {
		errs = append(errs, "bridge.max_concurrency must be positive")
	}
	if !slices.Contains([]string{"queue", "fail_fast"}, c.Bridge.QueuePolicy) {
		errs = append(errs, fmt.Sprintf("unknown bridge.queue_policy %q", c.Bridge.QueuePolicy))
	}
	if c.Bridge.Command == "" && (c.Bridge.Port <= 0 || c.Bridge.Port > 65535) {
		errs = append(errs, fmt.Sprintf("bridge.port %d out of range 1..65535", c.Bridge.Port))
	}

	if c.History.Enabled && !slices.Contains([]string{"sqlite", "postgres", "mysql"}, c.History.Driver) {
		errs = append(errs, fmt.Sprintf("unknown history.driver %q", c.History.Driver))
	}

	if len(errs) > 0 {
		return types.NewConfigError("config validation errors: "+strings.Join(errs, "; "), nil)
	}

	return nil
}

// Addr 返回 HTTP 监听地址
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// AllowedOrigins 合并 cors.origins 与 cors_origins 并去重
func (s ServerConfig) AllowedOrigins() []string {
	out := make([]string, 0, len(s.CORS.Origins)+len(s.CORSOrigins))
	for _, o := range append(append([]string{}, s.CORS.Origins...), s.CORSOrigins...) {
		if o != "" && !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	return out
}

// Window 返回限流窗口长度
func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMS) * time.Millisecond
}

// TTL 返回默认缓存过期时间
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.Duration) * time.Second
}

// Address 返回 TCP 传输地址
func (b BridgeConfig) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Timeout 返回默认调用超时
func (b BridgeConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutMS) * time.Millisecond
}

// Transport 返回传输类型: process 或 tcp
func (b BridgeConfig) Transport() string {
	if b.Command != "" {
		return "process"
	}
	return "tcp"
}

// PluginConfig 返回指定插件的配置副本，未配置时返回空 map
func (c *Config) PluginConfig(name string) map[string]any {
	out := make(map[string]any)
	for k, v := range c.Plugins[name] {
		out[k] = v
	}
	return out
}

// PluginEnabled 判断插件是否启用：commands.disabled 或 plugins.<name>.enabled=false 均视为禁用
func (c *Config) PluginEnabled(name string) bool {
	if slices.Contains(c.Commands.Disabled, name) {
		return false
	}
	if enabled, ok := c.Plugins[name]["enabled"].(bool); ok {
		return enabled
	}
	return true
}

// Save 将配置以 YAML 写入 path
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
