package handlers

import (
	"net/http"

	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// ⚙️ 配置 Handler
// =============================================================================

// ConfigSource 配置快照来源；*config.Manager 实现该接口
type ConfigSource interface {
	Snapshot() *config.Config
	Version() int64
	Reload() error
}

// ConfigHandler 只读配置视图与手动重载
type ConfigHandler struct {
	source ConfigSource
	logger *zap.Logger
}

// ConfigResponse GET /api/config 响应
type ConfigResponse struct {
	Version int64               `json:"version"`
	Config  config.PublicConfig `json:"config"`
}

// NewConfigHandler 创建配置处理器
func NewConfigHandler(source ConfigSource, logger *zap.Logger) *ConfigHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigHandler{
		source: source,
		logger: logger.With(zap.String("handler", "config")),
	}
}

// HandleGet 处理 GET /api/config；不包含任何密钥
func (h *ConfigHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, ConfigResponse{
		Version: h.source.Version(),
		Config:  h.source.Snapshot().PublicView(),
	})
}

// HandleReload 处理 POST /api/config/reload；校验失败时保留旧配置
func (h *ConfigHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.source.Reload(); err != nil {
		apiErr, ok := types.AsError(err)
		if !ok {
			apiErr = types.NewConfigError("reload failed", err)
		}
		WriteError(w, apiErr, h.logger)
		return
	}
	h.logger.Info("config reloaded via API", zap.Int64("version", h.source.Version()))
	h.HandleGet(w, r)
}
