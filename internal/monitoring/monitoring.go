// Package monitoring 汇总健康检查与运行状态。
//
// Health 并发执行各项检查并合成 healthy / degraded / unhealthy；
// Status 在此基础上附加运行时长、版本、注册表规模、双工客户端数与桥接状态。
package monitoring

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BaSui01/commandflow/internal/bridge"
	"github.com/BaSui01/commandflow/internal/cache"
	"github.com/BaSui01/commandflow/plugins"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// 🏥 健康检查
// =============================================================================

// Status 整体健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Severity 决定检查失败时整体状态降到哪一级
type Severity int

const (
	// SeverityDegraded 失败时整体为 degraded
	SeverityDegraded Severity = iota
	// SeverityCritical 失败时整体为 unhealthy
	SeverityCritical
)

// Check 单项健康检查
type Check struct {
	Name     string
	Severity Severity
	Run      func(ctx context.Context) error
}

// CheckResult 单项检查结果
type CheckResult struct {
	Status    string  `json:"status"` // "pass", "fail"
	Message   string  `json:"message,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// HealthReport 健康检查汇总
type HealthReport struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks"`
}

// BridgeProbe 桥接探测接口
type BridgeProbe interface {
	HealthCheck(ctx context.Context) bridge.Health
	TestConnection(ctx context.Context) bridge.ConnectionTest
}

// CacheProbe 缓存探测接口
type CacheProbe interface {
	Enabled() bool
	HealthCheck(ctx context.Context) cache.Health
	Stats(ctx context.Context) (*cache.Stats, error)
}

// HistoryProbe 历史库探测接口
type HistoryProbe interface {
	Ping(ctx context.Context) error
	DBStats() sql.DBStats
}

// DBRecorder 记录连接池指标
type DBRecorder interface {
	RecordDBConnections(database string, open, idle int)
}

// Service 监控服务
type Service struct {
	registry  *plugins.Registry
	version   string
	startedAt time.Time
	timeout   time.Duration

	bridge  BridgeProbe
	cache   CacheProbe
	history HistoryProbe
	clients func() int
	metrics DBRecorder

	mu     sync.RWMutex
	checks []Check

	logger *zap.Logger
}

// Option 配置 Service
type Option func(*Service)

// WithBridge 添加桥接检查（失败时 degraded）
func WithBridge(b BridgeProbe) Option {
	return func(s *Service) { s.bridge = b }
}

// WithCache 添加缓存检查（缓存启用且失败时 unhealthy）
func WithCache(c CacheProbe) Option {
	return func(s *Service) { s.cache = c }
}

// WithHistory 添加历史库检查（失败时 degraded）
func WithHistory(h HistoryProbe) Option {
	return func(s *Service) { s.history = h }
}

// WithClientCounter 设置双工客户端计数函数
func WithClientCounter(fn func() int) Option {
	return func(s *Service) { s.clients = fn }
}

// WithMetrics 设置连接池指标记录器
func WithMetrics(m DBRecorder) Option {
	return func(s *Service) { s.metrics = m }
}

// WithStartedAt 设置启动时间
func WithStartedAt(t time.Time) Option {
	return func(s *Service) { s.startedAt = t }
}

// WithTimeout 设置单次健康检查的超时
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// NewService 创建监控服务
func NewService(registry *plugins.Registry, version string, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		registry:  registry,
		version:   version,
		startedAt: time.Now(),
		timeout:   5 * time.Second,
		logger:    logger.With(zap.String("component", "monitoring")),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.checks = append(s.checks, Check{Name: "registry", Severity: SeverityCritical, Run: s.checkRegistry})
	if s.bridge != nil {
		s.checks = append(s.checks, Check{Name: "bridge", Severity: SeverityDegraded, Run: s.checkBridge})
	}
	if s.cache != nil {
		sev := SeverityDegraded
		if s.cache.Enabled() {
			sev = SeverityCritical
		}
		s.checks = append(s.checks, Check{Name: "cache", Severity: sev, Run: s.checkCache})
	}
	if s.history != nil {
		s.checks = append(s.checks, Check{Name: "history", Severity: SeverityDegraded, Run: s.history.Ping})
	}
	return s
}

// RegisterCheck 注册额外的健康检查
func (s *Service) RegisterCheck(c Check) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, c)
}

// Health 并发执行所有检查并合成整体状态
func (s *Service) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.RLock()
	checks := append([]Check(nil), s.checks...)
	s.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range checks {
		g.Go(func() error {
			start := time.Now()
			err := safeRun(gctx, c.Run)
			results[i] = CheckResult{
				Status:    "pass",
				LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
			}
			if err != nil {
				results[i].Status = "fail"
				results[i].Message = err.Error()
				s.logger.Warn("health check failed", zap.String("check", c.Name), zap.Error(err))
			}
			// 不让 errgroup 提前终止，逐项收集结果
			return nil
		})
	}
	_ = g.Wait()

	report := HealthReport{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Version:   s.version,
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for i, c := range checks {
		report.Checks[c.Name] = results[i]
		if results[i].Status == "pass" {
			continue
		}
		if c.Severity == SeverityCritical {
			report.Status = StatusUnhealthy
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("check panicked: %v", rec)
		}
	}()
	return fn(ctx)
}

func (s *Service) checkRegistry(ctx context.Context) error {
	if s.registry == nil {
		return errors.New("plugin registry not initialized")
	}
	if s.registry.Snapshot().CommandCount() == 0 {
		return errors.New("no active commands")
	}
	return nil
}

func (s *Service) checkBridge(ctx context.Context) error {
	res := s.bridge.TestConnection(ctx)
	if !res.OK {
		return fmt.Errorf("bridge unreachable: %s", res.Error)
	}
	return nil
}

func (s *Service) checkCache(ctx context.Context) error {
	h := s.cache.HealthCheck(ctx)
	if !h.Healthy {
		return fmt.Errorf("cache %s unhealthy: %s", h.Backend, h.Error)
	}
	return nil
}

// =============================================================================
// 📋 运行状态
// =============================================================================

// RegistryStatus 注册表规模
type RegistryStatus struct {
	Plugins       int `json:"plugins"`
	ActivePlugins int `json:"active_plugins"`
	Commands      int `json:"commands"`
}

// StatusReport GET /api/status 与 status 子命令的响应
type StatusReport struct {
	Status        Status                 `json:"status"`
	Version       string                 `json:"version"`
	StartedAt     time.Time              `json:"started_at"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	Registry      RegistryStatus         `json:"registry"`
	Plugins       []plugins.PluginInfo   `json:"plugins"`
	DuplexClients int                    `json:"duplex_clients"`
	Bridge        *bridge.Health         `json:"bridge,omitempty"`
	Cache         *cache.Stats           `json:"cache,omitempty"`
	Checks        map[string]CheckResult `json:"checks"`
}

// Status 返回运行状态快照
func (s *Service) Status(ctx context.Context) StatusReport {
	health := s.Health(ctx)
	report := StatusReport{
		Status:        health.Status,
		Version:       s.version,
		StartedAt:     s.startedAt,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Checks:        health.Checks,
	}
	if s.registry != nil {
		snap := s.registry.Snapshot()
		report.Registry = RegistryStatus{
			Plugins:       snap.Len(),
			ActivePlugins: snap.ActiveCount(),
			Commands:      snap.CommandCount(),
		}
		report.Plugins = snap.Plugins()
	}
	if s.clients != nil {
		report.DuplexClients = s.clients()
	}
	if s.bridge != nil {
		h := s.bridge.HealthCheck(ctx)
		report.Bridge = &h
	}
	if s.cache != nil {
		if stats, err := s.cache.Stats(ctx); err == nil {
			report.Cache = stats
		} else {
			s.logger.Debug("cache stats unavailable", zap.Error(err))
		}
	}
	if s.history != nil && s.metrics != nil {
		st := s.history.DBStats()
		s.metrics.RecordDBConnections("history", st.OpenConnections, st.Idle)
	}
	return report
}

// Uptime 返回运行时长
func (s *Service) Uptime() time.Duration {
	return time.Since(s.startedAt)
}
