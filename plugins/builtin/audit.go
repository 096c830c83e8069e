package builtin

import (
	"context"
	"fmt"
	"slices"

	"github.com/BaSui01/commandflow/plugins"
	"github.com/BaSui01/commandflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🛡️ audit 中间件
// =============================================================================

type auditPlugin struct {
	env    plugins.Env
	logger *zap.Logger
}

// NewAudit builds the audit middleware. The deny list is read from
// plugins.audit.deny on every dispatch, so a reload takes effect immediately.
func NewAudit(env plugins.Env) (plugins.Plugin, error) {
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &auditPlugin{env: env, logger: logger.With(zap.String("component", "audit"))}, nil
}

func (p *auditPlugin) Metadata() plugins.Metadata {
	return plugins.Metadata{
		Name:        "audit",
		Version:     Version,
		Category:    "security",
		Kind:        plugins.KindMiddleware,
		Description: "Logs every dispatch and enforces the deny list",
	}
}

func (p *auditPlugin) Commands() []plugins.Command { return nil }

func (p *auditPlugin) Handle(ctx context.Context, ec *plugins.ExecutionContext) (plugins.Outcome, error) {
	fields := []zap.Field{
		zap.String("request_id", ec.RequestID),
		zap.String("command", ec.Command),
		zap.String("plugin", ec.Plugin),
		zap.String("origin", string(ec.Origin)),
	}
	// ec.Config 属于命令所属插件，deny 列表读取 audit 自身的配置
	deny := configStrings(p.env.PluginConfig("audit"), "deny")
	if slices.Contains(deny, ec.Command) || slices.Contains(deny, ec.Invoked) {
		p.logger.Warn("command denied", fields...)
		return plugins.Continue, types.NewValidationError("command", fmt.Sprintf("command %q is denied", ec.Command))
	}
	p.logger.Info("command dispatched", fields...)
	return plugins.Continue, nil
}
