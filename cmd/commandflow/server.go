package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/BaSui01/commandflow/api/handlers"
	"github.com/BaSui01/commandflow/api/ws"
	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/internal/monitoring"
	"github.com/BaSui01/commandflow/internal/ratelimit"
	"github.com/BaSui01/commandflow/internal/server"
	"go.uber.org/zap"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// rateLimitedPaths 计入限流窗口的路由
var rateLimitedPaths = []string{"/api/command", "/api/commands/suggest"}

// Server 是 CommandFlow 的 HTTP + 双工服务器
type Server struct {
	app    *app
	logger *zap.Logger

	httpManager *server.Manager
	hub         *ws.Hub
	limiter     ratelimit.Limiter
	watcher     *config.FileWatcher

	// 配置文件监听的生命周期
	watchCancel context.CancelFunc

	shutdownOnce sync.Once
}

// NewServer 创建新的服务器实例
func NewServer(a *app) *Server {
	return &Server{app: a, logger: a.logger}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start(ctx context.Context) error {
	cfg := s.app.cfg.Snapshot()

	// 1. 限流器（HTTP 与双工共用）
	limiter, err := ratelimit.New(ctx, cfg.Server.RateLimiting, cfg.Cache.Redis, s.logger,
		ratelimit.WithMetrics(s.app.metrics))
	if err != nil {
		return fmt.Errorf("failed to init rate limiter: %w", err)
	}
	s.limiter = limiter
	keys := ratelimit.NewKeyExtractor(cfg.Server.RateLimiting.JWTSecret)

	// 2. 双工 hub
	s.hub = ws.NewHub(s.app.router, ws.Config{
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		ShutdownGrace:     cfg.Server.ShutdownGrace,
		AllowedOrigins:    cfg.Server.AllowedOrigins(),
	}, s.logger,
		ws.WithRateLimiter(limiter, keys),
		ws.WithMetrics(s.app.metrics),
	)
	s.app.monitor = s.app.newMonitor(monitoring.WithClientCounter(s.hub.Clients))

	// 3. 后台插件
	if err := s.app.scheduler.Start(ctx); err != nil {
		s.logger.Warn("some background plugins could not be scheduled", zap.Error(err))
	}

	// 4. 配置文件热更新
	s.startWatcher(ctx)

	// 5. HTTP 服务器
	handler := Chain(s.routes(),
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		OTelTracing(),
		RequestLogger(s.logger),
		CORS(cfg.Server.AllowedOrigins()),
		MetricsMiddleware(s.app.metrics),
		RateLimit(limiter, keys, rateLimitedPaths, s.logger),
	)
	s.httpManager = server.NewManager(handler, server.ConfigFrom(cfg.Server), s.logger)
	if err := s.httpManager.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.String("addr", s.httpManager.Addr()),
		zap.String("rate_limit_backend", limiter.Name()),
		zap.Bool("hot_reload_enabled", s.watcher != nil),
	)
	return nil
}

// routes 注册所有路由
func (s *Server) routes() *http.ServeMux {
	commandHandler := handlers.NewCommandHandler(s.app.router, s.logger)
	healthHandler := handlers.NewHealthHandler(s.app.monitor, s.logger)
	configHandler := handlers.NewConfigHandler(s.app.cfg, s.logger)

	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// 命令 API
	mux.HandleFunc("POST /api/command", commandHandler.HandleExecute)
	mux.HandleFunc("GET /api/commands", commandHandler.HandleList)
	mux.HandleFunc("GET /api/commands/suggest", commandHandler.HandleSuggest)
	mux.HandleFunc("GET /api/status", healthHandler.HandleStatus)

	// 配置
	mux.HandleFunc("GET /api/config", configHandler.HandleGet)
	mux.HandleFunc("POST /api/config/reload", configHandler.HandleReload)

	// 指标与双工通道
	mux.Handle("GET /metrics", s.app.metrics.Handler())
	mux.Handle("GET /ws", s.hub)

	return mux
}

func (s *Server) startWatcher(ctx context.Context) {
	if s.app.cfg.Path() == "" {
		return
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w, err := s.app.cfg.Watch(watchCtx)
	if err != nil {
		cancel()
		s.logger.Warn("config hot reload disabled", zap.Error(err))
		return
	}
	s.watcher = w
	s.watchCancel = cancel
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 阻塞到收到 SIGINT/SIGTERM 或 HTTP 服务器异常退出
func (s *Server) WaitForShutdown(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-s.httpManager.Errors():
		serveErr = err
		s.logger.Error("HTTP server stopped unexpectedly", zap.Error(err))
	}
	s.Shutdown()
	return serveErr
}

// Shutdown 按顺序优雅关闭：后台插件 → 双工 hub → HTTP → 限流器 → 运行时组件。
// 重复调用无副作用。
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(s.shutdown)
}

func (s *Server) shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	grace := s.app.cfg.Snapshot().Server.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*grace+5*time.Second)
	defer cancel()

	// 0. 停止配置监听
	if s.watchCancel != nil {
		s.watchCancel()
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn("Config watcher shutdown error", zap.Error(err))
		}
	}

	// 1. 后台插件
	if err := s.app.scheduler.Stop(ctx); err != nil {
		s.logger.Error("Scheduler shutdown error", zap.Error(err))
	}

	// 2. 双工连接
	if s.hub != nil {
		if err := s.hub.Shutdown(ctx); err != nil {
			s.logger.Error("Duplex hub shutdown error", zap.Error(err))
		}
	}

	// 3. HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 4. 限流器
	if s.limiter != nil {
		if err := s.limiter.Close(); err != nil {
			s.logger.Warn("Rate limiter close error", zap.Error(err))
		}
	}

	// 5. bridge、cache、history、telemetry
	if err := s.app.close(ctx); err != nil {
		s.logger.Error("Runtime shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
