package plugins

import (
	"context"
	"encoding/json"
	"time"

	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/internal/bridge"
	"github.com/BaSui01/commandflow/internal/cache"
	"github.com/BaSui01/commandflow/internal/history"
	"github.com/BaSui01/commandflow/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🧩 插件契约
// =============================================================================

// Kind 插件类型
type Kind string

const (
	KindCommand    Kind = "command"
	KindMiddleware Kind = "middleware"
	KindBackground Kind = "background"
)

// Known reports whether k is one of the supported kinds.
func (k Kind) Known() bool {
	switch k {
	case KindCommand, KindMiddleware, KindBackground:
		return true
	}
	return false
}

// State represents the lifecycle state of a plugin.
type State string

const (
	StateDiscovered State = "discovered"
	StateValidated  State = "validated"
	StateRegistered State = "registered"
	StateActive     State = "active"
	StateDisabled   State = "disabled"
	StateUnloaded   State = "unloaded"
)

// Metadata holds descriptive information about a plugin.
type Metadata struct {
	Name         string   `json:"name" yaml:"name"`
	Version      string   `json:"version" yaml:"version"`
	Category     string   `json:"category,omitempty" yaml:"category"`
	Kind         Kind     `json:"kind" yaml:"kind"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies"`
	Description  string   `json:"description,omitempty" yaml:"description"`
}

// HandlerFunc executes a resolved command.
type HandlerFunc func(ctx context.Context, ec *ExecutionContext) (any, error)

// Command is a single named entry point exposed by a plugin.
type Command struct {
	Name        string
	Aliases     []string
	Description string
	Category    string
	Params      Schema
	Handler     HandlerFunc
}

// Plugin is the minimal contract every plugin implements.
// 其余能力通过下方的可选接口显式声明，在 Validate 时检查。
type Plugin interface {
	Metadata() Metadata
	Commands() []Command
}

// BeforeExecutionHook runs before the command handler.
type BeforeExecutionHook interface {
	BeforeExecution(ctx context.Context, ec *ExecutionContext) error
}

// AfterExecutionHook runs after a successful execution, following SuccessHook.
type AfterExecutionHook interface {
	AfterExecution(ctx context.Context, ec *ExecutionContext, result any) error
}

// SuccessHook runs when the handler succeeded.
type SuccessHook interface {
	OnSuccess(ctx context.Context, ec *ExecutionContext, result any) error
}

// ErrorHook runs when the execution failed.
type ErrorHook interface {
	OnError(ctx context.Context, ec *ExecutionContext, err error) error
}

// Initializer is called on activation.
type Initializer interface {
	Init(ctx context.Context) error
}

// Cleaner is called after the plugin has been unloaded.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// Outcome is the result of a middleware step. Handled=true short-circuits the pipeline
// and Result becomes the execution result.
type Outcome struct {
	Handled bool
	Result  any
}

// Continue is the zero Outcome: the pipeline proceeds.
var Continue = Outcome{}

// Middleware is implemented by middleware-kind plugins.
type Middleware interface {
	Handle(ctx context.Context, ec *ExecutionContext) (Outcome, error)
}

// Background is implemented by background-kind plugins.
type Background interface {
	// Schedule returns a cron spec, e.g. "@every 30s".
	Schedule() string
	Run(ctx context.Context, env Env) error
}

// =============================================================================
// 🔌 运行时句柄
// =============================================================================

// Cache is the cache surface visible to plugins.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (*cache.Stats, error)
}

// Bridge is the secondary-runtime surface visible to plugins.
type Bridge interface {
	Call(ctx context.Context, op string, payload any, opts ...bridge.CallOption) (json.RawMessage, error)
	HealthCheck(ctx context.Context) bridge.Health
	TestConnection(ctx context.Context) bridge.ConnectionTest
}

// HistoryStore persists execution records.
type HistoryStore interface {
	Record(ctx context.Context, rec *history.ExecutionRecord) error
	Recent(ctx context.Context, limit int) ([]history.ExecutionRecord, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// Env carries the shared services handed to plugin factories and background runs.
// Any handle may be nil when the service is not configured.
type Env struct {
	Registry  *Registry
	Config    *config.Manager
	Cache     Cache
	Bridge    Bridge
	History   HistoryStore
	Logger    *zap.Logger
	StartedAt time.Time
	Version   string
}

// PluginConfig returns the plugins.<name> section of the current config snapshot.
func (e Env) PluginConfig(name string) map[string]any {
	if e.Config == nil {
		return map[string]any{}
	}
	return e.Config.Snapshot().PluginConfig(name)
}

// ExecutionContext is built per invocation and never persisted.
type ExecutionContext struct {
	RequestID string
	Command   string // canonical command name
	Invoked   string // name as typed, after prefix stripping
	Plugin    string
	Params    map[string]any
	Origin    types.Origin
	StartedAt time.Time

	Cache  Cache
	Bridge Bridge
	Logger *zap.Logger

	// Caller 调用方附带的上下文（HTTP body 中的 context 字段等）
	Caller map[string]any
	// Config 所属插件的 plugins.<name> 配置
	Config map[string]any
	// Snapshot 解析时使用的注册表快照，执行期间保持不变
	Snapshot *Snapshot
}

// Elapsed returns the time since the execution started.
func (ec *ExecutionContext) Elapsed() time.Duration {
	return time.Since(ec.StartedAt)
}
