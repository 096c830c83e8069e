package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/internal/bridge"
	"github.com/BaSui01/commandflow/internal/cache"
	"github.com/BaSui01/commandflow/internal/history"
	"github.com/BaSui01/commandflow/internal/metrics"
	"github.com/BaSui01/commandflow/internal/monitoring"
	"github.com/BaSui01/commandflow/internal/telemetry"
	"github.com/BaSui01/commandflow/plugins"
	"github.com/BaSui01/commandflow/router"
	"go.uber.org/zap"

	// 注册内置插件工厂
	_ "github.com/BaSui01/commandflow/plugins/builtin"
)

// =============================================================================
// 🧩 运行时组件装配
// =============================================================================

// app 汇集所有运行时组件；serve 与本地子命令共用同一套装配
type app struct {
	cfg       *config.Manager
	logger    *zap.Logger
	startedAt time.Time

	metrics   *metrics.Collector
	telemetry *telemetry.Providers
	cache     *cache.Manager
	bridge    *bridge.Bridge
	history   *history.Store

	registry  *plugins.Registry
	router    *router.Router
	scheduler *router.Scheduler
	monitor   *monitoring.Service
	report    plugins.LoadReport
}

// newApp 按依赖顺序构建组件：可选服务（history、telemetry）失败时降级运行，
// 缓存或插件加载失败时返回错误
func newApp(ctx context.Context, cfgMgr *config.Manager, logger *zap.Logger) (*app, error) {
	cfg := cfgMgr.Snapshot()
	a := &app{
		cfg:       cfgMgr,
		logger:    logger,
		startedAt: time.Now(),
		metrics:   metrics.NewCollector("commandflow", logger),
	}

	tel, err := telemetry.Init(ctx, cfg.Telemetry, Version, logger)
	if err != nil {
		logger.Warn("telemetry disabled", zap.Error(err))
	}
	a.telemetry = tel

	a.cache, err = cache.NewManager(ctx, cfg.Cache, logger, cache.WithMetrics(a.metrics))
	if err != nil {
		_ = a.close(ctx)
		return nil, fmt.Errorf("init cache: %w", err)
	}

	a.bridge = bridge.New(bridge.ConfigFrom(cfg.Bridge), bridge.DialerFrom(cfg.Bridge, logger), logger,
		bridge.WithMetrics(a.metrics))

	if cfg.History.Enabled {
		store, err := history.Open(ctx, cfg.History, logger)
		if err != nil {
			logger.Warn("history store unavailable, executions will not be recorded", zap.Error(err))
		} else {
			a.history = store
		}
	}

	a.registry = plugins.NewRegistry(logger, plugins.WithRegistryMetrics(a.metrics))
	env := plugins.Env{
		Registry:  a.registry,
		Config:    cfgMgr,
		Cache:     a.cache,
		Bridge:    a.bridge,
		Logger:    logger,
		StartedAt: a.startedAt,
		Version:   Version,
	}
	if a.history != nil {
		env.History = a.history
	}

	candidates, discoverErr := plugins.DefaultCatalog().Discover(env, cfg.Commands.PluginDir)
	if discoverErr != nil {
		logger.Warn("some plugins could not be discovered", zap.Error(discoverErr))
	}
	a.report = a.registry.LoadAll(ctx, candidates, func(name string) bool {
		return cfgMgr.Snapshot().PluginEnabled(name)
	})
	if err := a.report.Err(); err != nil {
		logger.Warn("some plugins failed to load", zap.Error(err))
	}

	a.router = router.New(a.registry, router.ConfigFrom(cfg), logger,
		router.WithCache(a.cache),
		router.WithBridge(a.bridge),
		router.WithMetrics(a.metrics),
		router.WithTracer(a.telemetry.Tracer()),
		router.WithPluginConfig(func(name string) map[string]any {
			return cfgMgr.Snapshot().PluginConfig(name)
		}),
	)
	cfgMgr.OnReload(func(_, next *config.Config) {
		a.router.SetConfig(router.ConfigFrom(next))
	})

	a.scheduler = router.NewScheduler(a.registry, env, logger)

	a.monitor = a.newMonitor()

	snap := a.registry.Snapshot()
	logger.Info("command engine ready",
		zap.Int("plugins", snap.Len()),
		zap.Int("active_plugins", snap.ActiveCount()),
		zap.Int("commands", snap.CommandCount()),
		zap.Strings("disabled", a.report.Skipped))
	return a, nil
}

// newMonitor 构建监控服务；serve 额外传入双工连接计数
func (a *app) newMonitor(extra ...monitoring.Option) *monitoring.Service {
	opts := []monitoring.Option{
		monitoring.WithBridge(a.bridge),
		monitoring.WithCache(a.cache),
		monitoring.WithMetrics(a.metrics),
		monitoring.WithStartedAt(a.startedAt),
	}
	if a.history != nil {
		opts = append(opts, monitoring.WithHistory(a.history))
	}
	return monitoring.NewService(a.registry, Version, a.logger, append(opts, extra...)...)
}

// close 释放 bridge、cache、history 与 telemetry；插件与传输层由调用方先行关闭
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		if err := a.registry.UnloadAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unload plugins: %w", err))
		}
	}
	if a.bridge != nil {
		if err := a.bridge.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("bridge: %w", err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil && !errors.Is(err, cache.ErrCacheClosed) {
			errs = append(errs, fmt.Errorf("cache: %w", err))
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}
	if err := a.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errors.Join(errs...)
}
