package plugins

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/BaSui01/commandflow/types"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sentinel errors for the plugin registry.
var (
	ErrPluginNotFound       = errors.New("plugin not found")
	ErrInvalidPlugin        = errors.New("invalid plugin")
	ErrInvalidState         = errors.New("invalid plugin state")
	ErrHasDependents        = errors.New("plugin has active dependents")
	ErrDependencyCycle      = errors.New("dependency cycle")
	ErrUnresolvedDependency = errors.New("unresolved dependency")
)

// MetricsRecorder receives registry size updates.
type MetricsRecorder interface {
	SetRegistrySize(total, active int)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryMetrics sets the metrics recorder.
func WithRegistryMetrics(m MetricsRecorder) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// Registry owns plugin state transitions. Mutations are serialized by mu and
// publish a fresh Snapshot; readers load the current snapshot without locking.
type Registry struct {
	mu      sync.Mutex
	current atomic.Pointer[Snapshot]
	seq     int
	metrics MetricsRecorder
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger.With(zap.String("component", "plugin_registry"))}
	for _, opt := range opts {
		opt(r)
	}
	r.current.Store(emptySnapshot())
	return r
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

func (r *Registry) publish(next *Snapshot) {
	r.current.Store(next)
	if r.metrics != nil {
		r.metrics.SetRegistrySize(next.Len(), next.ActiveCount())
	}
}

// =============================================================================
// ✅ 校验
// =============================================================================

// Validate checks a plugin against the current registry without registering it.
func (r *Registry) Validate(p Plugin) error {
	return validate(p, r.Snapshot())
}

func validate(p Plugin, snap *Snapshot) error {
	if p == nil {
		return fmt.Errorf("%w: plugin is nil", ErrInvalidPlugin)
	}
	meta := p.Metadata()
	if meta.Name == "" || strings.ContainsAny(meta.Name, " \t\n") {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidPlugin, meta.Name)
	}
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidPlugin, meta.Name, fmt.Sprintf(format, args...))
	}

	commands := p.Commands()
	switch meta.Kind {
	case KindCommand:
		if len(commands) == 0 {
			return invalid("command plugin declares no commands")
		}
	case KindMiddleware:
		if _, ok := p.(Middleware); !ok {
			return invalid("middleware plugin does not implement Handle")
		}
	case KindBackground:
		bg, ok := p.(Background)
		if !ok {
			return invalid("background plugin does not implement Schedule/Run")
		}
		if _, err := cron.ParseStandard(bg.Schedule()); err != nil {
			return invalid("invalid schedule %q: %v", bg.Schedule(), err)
		}
	default:
		return invalid("unknown kind %q", meta.Kind)
	}

	names := make(map[string]struct{})
	for _, c := range commands {
		if c.Name == "" || strings.ContainsAny(c.Name, " \t\n") {
			return invalid("invalid command name %q", c.Name)
		}
		if c.Handler == nil {
			return invalid("command %q has no handler", c.Name)
		}
		if err := c.Params.Check(); err != nil {
			return invalid("command %q: %v", c.Name, err)
		}
		for _, n := range append([]string{c.Name}, c.Aliases...) {
			if n == "" {
				return invalid("command %q has an empty alias", c.Name)
			}
			if _, dup := names[n]; dup {
				return invalid("name %q declared twice", n)
			}
			names[n] = struct{}{}
		}
	}

	for _, dep := range meta.Dependencies {
		if dep == meta.Name {
			return fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, meta.Name)
		}
		if _, ok := snap.plugins[dep]; !ok {
			return fmt.Errorf("%w: %s requires %q", ErrUnresolvedDependency, meta.Name, dep)
		}
	}
	if path := findCycle(meta, snap); path != nil {
		return fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(path, " -> "))
	}
	return nil
}

// findCycle 在快照依赖图中查找经过 meta 的环
func findCycle(meta Metadata, snap *Snapshot) []string {
	deps := func(name string) []string {
		if name == meta.Name {
			return meta.Dependencies
		}
		return snap.plugins[name].meta.Dependencies
	}

	var path []string
	visiting := map[string]bool{}
	var visit func(string) bool
	visit = func(name string) bool {
		if visiting[name] {
			return name == meta.Name
		}
		visiting[name] = true
		path = append(path, name)
		for _, d := range deps(name) {
			if visit(d) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}
	if visit(meta.Name) {
		return append(path, meta.Name)
	}
	return nil
}

// =============================================================================
// 🔄 生命周期
// =============================================================================

// Register validates p and adds it in the Registered state. The operation is
// all-or-nothing: any name collision leaves the registry unchanged.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.Snapshot()
	if err := validate(p, snap); err != nil {
		return err
	}

	meta := p.Metadata()
	if _, exists := snap.plugins[meta.Name]; exists {
		return types.NewDuplicateCommandError(meta.Name, meta.Name)
	}
	commands := p.Commands()
	for _, c := range commands {
		for _, n := range append([]string{c.Name}, c.Aliases...) {
			if owner, taken := snap.owner(n); taken {
				return types.NewDuplicateCommandError(n, owner)
			}
		}
	}

	r.seq++
	next := snap.clone()
	next.plugins[meta.Name] = pluginEntry{
		plugin:   p,
		meta:     meta,
		state:    StateRegistered,
		order:    r.seq,
		commands: commands,
	}
	next.pluginOrder = append(next.pluginOrder, meta.Name)
	for i, c := range commands {
		next.commands[c.Name] = Route{Plugin: p, Meta: meta, Command: c, order: r.seq*1000 + i}
		next.commandOrder = append(next.commandOrder, c.Name)
		for _, a := range c.Aliases {
			next.aliases[a] = c.Name
		}
	}
	r.publish(next)

	r.logger.Info("plugin registered",
		zap.String("name", meta.Name),
		zap.String("version", meta.Version),
		zap.String("kind", string(meta.Kind)),
		zap.Int("commands", len(commands)))
	return nil
}

// owner 返回占用该命令名或别名的插件
func (s *Snapshot) owner(name string) (string, bool) {
	if rt, ok := s.commands[name]; ok {
		return rt.Meta.Name, true
	}
	if target, ok := s.aliases[name]; ok {
		return s.commands[target].Meta.Name, true
	}
	return "", false
}

// Activate runs the plugin's Init, if any, and marks it Active. Every dependency
// must already be Active.
func (r *Registry) Activate(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.Snapshot()
	e, ok := snap.plugins[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if e.state != StateRegistered {
		return fmt.Errorf("%w: cannot activate %s from %s", ErrInvalidState, name, e.state)
	}
	for _, dep := range e.meta.Dependencies {
		if !snap.isActive(dep) {
			return fmt.Errorf("%w: %s requires active %q", ErrUnresolvedDependency, name, dep)
		}
	}

	if init, ok := e.plugin.(Initializer); ok {
		if err := init.Init(ctx); err != nil {
			r.logger.Error("plugin init failed", zap.String("name", name), zap.Error(err))
			return fmt.Errorf("init plugin %s: %w", name, err)
		}
	}

	r.setState(snap, name, StateActive)
	r.logger.Info("plugin activated", zap.String("name", name))
	return nil
}

// Install registers and activates p, rolling the registration back when
// activation fails.
func (r *Registry) Install(ctx context.Context, p Plugin) error {
	if err := r.Register(p); err != nil {
		return err
	}
	name := p.Metadata().Name
	if err := r.Activate(ctx, name); err != nil {
		r.mu.Lock()
		r.remove(r.Snapshot(), name)
		r.mu.Unlock()
		return err
	}
	return nil
}

// Disable takes an Active plugin out of resolution while keeping it registered.
func (r *Registry) Disable(name string) error {
	return r.transition(name, StateActive, StateDisabled)
}

// Enable returns a Disabled plugin to Active.
func (r *Registry) Enable(name string) error {
	return r.transition(name, StateDisabled, StateActive)
}

func (r *Registry) transition(name string, from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.Snapshot()
	e, ok := snap.plugins[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if e.state != from {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidState, name, e.state, from)
	}
	r.setState(snap, name, to)
	r.logger.Info("plugin state changed",
		zap.String("name", name),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

func (r *Registry) setState(snap *Snapshot, name string, state State) {
	next := snap.clone()
	e := next.plugins[name]
	e.state = state
	next.plugins[name] = e
	r.publish(next)
}

// Unload removes the plugin and then runs its Cleanup. It is refused while an
// Active plugin depends on it. Executions holding an older snapshot are unaffected.
func (r *Registry) Unload(ctx context.Context, name string) error {
	r.mu.Lock()
	snap := r.Snapshot()
	e, ok := snap.plugins[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	if dependents := snap.activeDependents(name); len(dependents) > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is required by %s", ErrHasDependents, name, strings.Join(dependents, ", "))
	}
	r.remove(snap, name)
	r.mu.Unlock()

	r.logger.Info("plugin unloaded", zap.String("name", name))

	if c, ok := e.plugin.(Cleaner); ok {
		if err := c.Cleanup(ctx); err != nil {
			r.logger.Error("plugin cleanup failed", zap.String("name", name), zap.Error(err))
			return fmt.Errorf("cleanup plugin %s: %w", name, err)
		}
	}
	return nil
}

// UnloadAll unloads every plugin in reverse registration order.
func (r *Registry) UnloadAll(ctx context.Context) error {
	order := r.Snapshot().pluginOrder
	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := r.Unload(ctx, order[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) remove(snap *Snapshot, name string) {
	e, ok := snap.plugins[name]
	if !ok {
		return
	}
	next := snap.clone()
	delete(next.plugins, name)
	next.pluginOrder = slices.DeleteFunc(next.pluginOrder, func(n string) bool { return n == name })
	for _, c := range e.commands {
		delete(next.commands, c.Name)
		for _, a := range c.Aliases {
			delete(next.aliases, a)
		}
	}
	next.commandOrder = slices.DeleteFunc(next.commandOrder, func(n string) bool {
		_, ok := next.commands[n]
		return !ok
	})
	r.publish(next)
}

func (s *Snapshot) activeDependents(name string) []string {
	var out []string
	for _, n := range s.pluginOrder {
		e := s.plugins[n]
		if e.state == StateActive && slices.Contains(e.meta.Dependencies, name) {
			out = append(out, n)
		}
	}
	return out
}
