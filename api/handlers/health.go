package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/BaSui01/commandflow/internal/monitoring"
	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// Monitor 健康与状态来源；*monitoring.Service 实现该接口
type Monitor interface {
	Health(ctx context.Context) monitoring.HealthReport
	Status(ctx context.Context) monitoring.StatusReport
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	monitor Monitor
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(monitor Monitor, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		monitor: monitor,
		timeout: 5 * time.Second,
		logger:  logger.With(zap.String("handler", "health")),
	}
}

// HandleHealth 处理 GET /health：unhealthy 返回 503，degraded 仍返回 200
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := h.monitor.Health(ctx)
	status := http.StatusOK
	if report.Status == monitoring.StatusUnhealthy {
		status = http.StatusServiceUnavailable
		h.logger.Warn("service unhealthy", zap.Any("checks", report.Checks))
	}
	WriteJSON(w, status, report)
}

// HandleHealthz 处理 /healthz（存活探针，只说明进程在运行）
func (h *HealthHandler) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, monitoring.HealthReport{
		Status:    monitoring.StatusHealthy,
		Timestamp: time.Now(),
	})
}

// HandleStatus 处理 GET /api/status
func (h *HealthHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	WriteSuccess(w, h.monitor.Status(ctx))
}

// HandleVersion 处理 /version 请求
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := map[string]string{
			"version":    version,
			"build_time": buildTime,
			"git_commit": gitCommit,
		}

		WriteSuccess(w, info)
	}
}
