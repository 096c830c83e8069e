package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/plugins"
	"github.com/BaSui01/commandflow/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/BaSui01/commandflow/router"

// OutcomeSuccess is the metrics outcome label of a successful execution; failures
// use their error code.
const OutcomeSuccess = "success"

// unresolvedCommand 未解析命令的指标标签，避免任意输入进入标签基数
const unresolvedCommand = "_unresolved"

// =============================================================================
// 🚦 命令路由
// =============================================================================

// MetricsRecorder observes executions.
type MetricsRecorder interface {
	RecordExecution(command, outcome string, duration time.Duration)
}

// Config is the config-driven part of routing. It is swapped atomically on reload.
type Config struct {
	Prefix       string
	Aliases      map[string]string
	Debug        bool
	SuggestLimit int
}

// ConfigFrom extracts the routing config from a snapshot.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Prefix:  cfg.Commands.Prefix,
		Aliases: cfg.Commands.Aliases,
		Debug:   cfg.Server.Debug,
	}
}

// Request is a single command invocation.
type Request struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Origin     types.Origin   `json:"-"`
}

// Result is the outcome of Execute. Exactly one of Data / Err is meaningful.
type Result struct {
	RequestID string
	Command   string
	Data      any
	Err       *types.Error
	Duration  time.Duration
}

// Success reports whether the execution succeeded.
func (r *Result) Success() bool { return r.Err == nil }

// ProcessingTimeMS returns the duration in fractional milliseconds.
func (r *Result) ProcessingTimeMS() float64 {
	return float64(r.Duration.Microseconds()) / 1000
}

// Router resolves and executes commands against the plugin registry.
type Router struct {
	registry     *plugins.Registry
	cfg          atomic.Pointer[Config]
	cache        plugins.Cache
	bridge       plugins.Bridge
	pluginConfig func(name string) map[string]any
	metrics      MetricsRecorder
	tracer       trace.Tracer
	executions   metric.Int64Counter
	latency      metric.Float64Histogram
	newID        func() string
	logger       *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithCache sets the cache handle exposed to plugins.
func WithCache(c plugins.Cache) Option {
	return func(r *Router) { r.cache = c }
}

// WithBridge sets the bridge handle exposed to plugins.
func WithBridge(b plugins.Bridge) Option {
	return func(r *Router) { r.bridge = b }
}

// WithPluginConfig sets the per-plugin config lookup.
func WithPluginConfig(fn func(name string) map[string]any) Option {
	return func(r *Router) { r.pluginConfig = fn }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(r *Router) { r.metrics = m }
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(fn func() string) Option {
	return func(r *Router) { r.newID = fn }
}

// New creates a Router.
func New(registry *plugins.Registry, cfg Config, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		registry:     registry,
		pluginConfig: func(string) map[string]any { return map[string]any{} },
		tracer:       otel.Tracer(instrumentationName),
		newID:        uuid.NewString,
		logger:       logger.With(zap.String("component", "router")),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.SetConfig(cfg)

	meter := otel.Meter(instrumentationName)
	if c, err := meter.Int64Counter("commandflow.command.executions",
		metric.WithDescription("Command executions by outcome"),
		metric.WithUnit("{execution}")); err == nil {
		r.executions = c
	}
	if h, err := meter.Float64Histogram("commandflow.command.duration",
		metric.WithDescription("Command execution duration in milliseconds"),
		metric.WithUnit("ms")); err == nil {
		r.latency = h
	}
	return r
}

// SetConfig swaps the routing config.
func (r *Router) SetConfig(cfg Config) {
	r.cfg.Store(&cfg)
}

// Config returns the current routing config.
func (r *Router) Config() Config {
	return *r.cfg.Load()
}

// Registry returns the underlying registry.
func (r *Router) Registry() *plugins.Registry {
	return r.registry
}

// Suggest ranks active commands against query.
func (r *Router) Suggest(query string, limit int) []types.Suggestion {
	q := strings.TrimSpace(query)
	if prefix := r.Config().Prefix; prefix != "" {
		q = strings.TrimPrefix(q, prefix)
	}
	return r.registry.Snapshot().Suggest(q, limit)
}

// Execute runs the full pipeline. It never returns a Go error: failures are
// classified into Result.Err and plugin errors never escape.
func (r *Router) Execute(ctx context.Context, req Request) *Result {
	start := time.Now()
	cfg := r.Config()
	origin := req.Origin
	if origin == "" {
		origin = types.OriginFrom(ctx)
	}

	res := &Result{RequestID: r.newID(), Command: req.Command}
	ctx = types.WithRequestID(ctx, res.RequestID)
	ctx = types.WithOrigin(ctx, origin)

	ctx, span := r.tracer.Start(ctx, "command.execute",
		trace.WithAttributes(
			attribute.String("command.input", req.Command),
			attribute.String("command.request_id", res.RequestID),
			attribute.String("command.origin", string(origin)),
		))
	defer span.End()

	logger := r.logger.With(
		zap.String("request_id", res.RequestID),
		zap.String("origin", string(origin)))

	metricName := unresolvedCommand
	finish := func(data any, err error) *Result {
		res.Duration = time.Since(start)
		outcome := OutcomeSuccess
		if err != nil {
			res.Err = r.classify(err, cfg.Debug)
			outcome = string(res.Err.Code)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			logFailure(logger, res, err)
		} else {
			res.Data = data
			span.SetStatus(codes.Ok, "")
			logger.Debug("command executed",
				zap.String("command", res.Command),
				zap.Duration("duration", res.Duration))
		}
		r.record(ctx, metricName, outcome, res.Duration)
		return res
	}

	snap := r.registry.Snapshot()
	route, err := snap.Resolve(req.Command, plugins.ResolveOptions{
		Prefix:       cfg.Prefix,
		Aliases:      cfg.Aliases,
		SuggestLimit: cfg.SuggestLimit,
	})
	if err != nil {
		return finish(nil, err)
	}
	res.Command = route.Command.Name
	metricName = route.Command.Name
	span.SetAttributes(
		attribute.String("command.name", route.Command.Name),
		attribute.String("command.plugin", route.Meta.Name))

	params, err := route.Command.Params.Validate(req.Parameters)
	if err != nil {
		return finish(nil, err)
	}

	caller := req.Context
	if caller == nil {
		caller = map[string]any{}
	}
	ec := &plugins.ExecutionContext{
		RequestID: res.RequestID,
		Command:   route.Command.Name,
		Invoked:   req.Command,
		Plugin:    route.Meta.Name,
		Params:    params,
		Origin:    origin,
		StartedAt: start,
		Cache:     r.cache,
		Bridge:    r.bridge,
		Logger:    logger.With(zap.String("plugin", route.Meta.Name), zap.String("command", route.Command.Name)),
		Caller:    caller,
		Config:    r.pluginConfig(route.Meta.Name),
		Snapshot:  snap,
	}

	middleware := snap.Middleware()
	hookOwners := hookParticipants(middleware, route.Plugin)

	data, err := r.run(ctx, ec, route, middleware, hookOwners)
	if err != nil {
		r.runErrorHooks(ctx, ec, hookOwners, err)
		return finish(nil, err)
	}
	r.runSuccessHooks(ctx, ec, hookOwners, data)
	return finish(data, nil)
}

// run 中间件 → beforeExecution → handler
func (r *Router) run(ctx context.Context, ec *plugins.ExecutionContext, route plugins.Route, middleware, hookOwners []plugins.Plugin) (any, error) {
	for _, p := range middleware {
		mw := p.(plugins.Middleware)
		var out plugins.Outcome
		err := safeCall(func() error {
			var herr error
			out, herr = mw.Handle(ctx, ec)
			return herr
		})
		if err != nil {
			return nil, err
		}
		if out.Handled {
			ec.Logger.Debug("execution short-circuited", zap.String("middleware", p.Metadata().Name))
			return out.Result, nil
		}
	}

	for _, p := range hookOwners {
		if h, ok := p.(plugins.BeforeExecutionHook); ok {
			r.hook(ec, p, "beforeExecution", func() error { return h.BeforeExecution(ctx, ec) })
		}
	}

	var data any
	err := safeCall(func() error {
		var herr error
		data, herr = route.Command.Handler(ctx, ec)
		return herr
	})
	return data, err
}

func (r *Router) runSuccessHooks(ctx context.Context, ec *plugins.ExecutionContext, owners []plugins.Plugin, data any) {
	for _, p := range owners {
		if h, ok := p.(plugins.SuccessHook); ok {
			r.hook(ec, p, "onSuccess", func() error { return h.OnSuccess(ctx, ec, data) })
		}
	}
	for _, p := range owners {
		if h, ok := p.(plugins.AfterExecutionHook); ok {
			r.hook(ec, p, "afterExecution", func() error { return h.AfterExecution(ctx, ec, data) })
		}
	}
}

func (r *Router) runErrorHooks(ctx context.Context, ec *plugins.ExecutionContext, owners []plugins.Plugin, err error) {
	for _, p := range owners {
		if h, ok := p.(plugins.ErrorHook); ok {
			r.hook(ec, p, "onError", func() error { return h.OnError(ctx, ec, err) })
		}
	}
}

// hook 钩子失败只记录日志，不改变执行结果
func (r *Router) hook(ec *plugins.ExecutionContext, p plugins.Plugin, stage string, fn func() error) {
	if err := safeCall(fn); err != nil {
		ec.Logger.Warn("hook failed",
			zap.String("hook_plugin", p.Metadata().Name),
			zap.String("stage", stage),
			zap.Error(err))
	}
}

// hookParticipants 中间件插件（全局）在前，所属插件在后，去重
func hookParticipants(middleware []plugins.Plugin, owner plugins.Plugin) []plugins.Plugin {
	out := make([]plugins.Plugin, 0, len(middleware)+1)
	ownerName := owner.Metadata().Name
	seen := false
	for _, p := range middleware {
		if p.Metadata().Name == ownerName {
			seen = true
		}
		out = append(out, p)
	}
	if !seen {
		out = append(out, owner)
	}
	return out
}

// panicError 插件 panic 转换后的错误
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &panicError{value: rec, stack: debug.Stack()}
		}
	}()
	return fn()
}

// classify 保留结构化错误码；其余错误统一为 INTERNAL_EXECUTION_ERROR
func (r *Router) classify(err error, debugMode bool) *types.Error {
	if e, ok := types.AsError(err); ok {
		out := *e
		if e.Details != nil {
			out.Details = make(map[string]any, len(e.Details))
			for k, v := range e.Details {
				out.Details[k] = v
			}
		}
		return &out
	}
	internal := types.NewInternalExecutionError(err).WithHTTPStatus(500)
	if debugMode {
		internal.Message = fmt.Sprintf("command execution failed: %v", err)
		internal.WithDetail("cause", err.Error())
	}
	return internal
}

func logFailure(logger *zap.Logger, res *Result, err error) {
	fields := []zap.Field{
		zap.String("command", res.Command),
		zap.String("code", string(res.Err.Code)),
		zap.Duration("duration", res.Duration),
		zap.Error(err),
	}
	var pe *panicError
	if errors.As(err, &pe) {
		fields = append(fields, zap.ByteString("stack", pe.stack))
		logger.Error("command panicked", fields...)
		return
	}
	if res.Err.Code == types.ErrInternalExecution {
		logger.Error("command failed", fields...)
		return
	}
	logger.Info("command rejected", fields...)
}

func (r *Router) record(ctx context.Context, command, outcome string, d time.Duration) {
	if r.metrics != nil {
		r.metrics.RecordExecution(command, outcome, d)
	}
	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome))
	if r.executions != nil {
		r.executions.Add(ctx, 1, attrs)
	}
	if r.latency != nil {
		r.latency.Record(ctx, float64(d.Microseconds())/1000, attrs)
	}
}
