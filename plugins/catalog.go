package plugins

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// =============================================================================
// 📚 插件目录与发现
// =============================================================================

// ErrSkip is returned by a factory that declines to produce a plugin in the
// current environment, e.g. when the service it needs is not configured.
var ErrSkip = errors.New("plugin skipped")

// Factory builds a plugin from the shared environment.
type Factory func(env Env) (Plugin, error)

// Catalog holds compiled-in plugin factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
	order     []string
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

var defaultCatalog = NewCatalog()

// DefaultCatalog returns the process-wide catalog populated by RegisterFactory.
func DefaultCatalog() *Catalog { return defaultCatalog }

// RegisterFactory adds a factory to the default catalog. It panics on a nil
// factory or a duplicate name, like database/sql.Register.
func RegisterFactory(name string, f Factory) {
	defaultCatalog.Register(name, f)
}

// Register adds a factory. It panics on a nil factory or a duplicate name.
func (c *Catalog) Register(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f == nil {
		panic("plugins: Register factory is nil")
	}
	if _, dup := c.factories[name]; dup {
		panic("plugins: Register called twice for factory " + name)
	}
	c.factories[name] = f
	c.order = append(c.order, name)
}

// Names returns factory names in registration order.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.order)
}

// Candidate is a discovered plugin that has not been registered yet.
type Candidate struct {
	Plugin Plugin
	Source string
	State  State
}

// Discover instantiates every factory and loads the manifests found in
// pluginDir. Factory and manifest failures are collected; the rest are returned
// in the Discovered state.
func (c *Catalog) Discover(env Env, pluginDir string) ([]Candidate, error) {
	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "plugin_catalog"))

	c.mu.RLock()
	order := slices.Clone(c.order)
	factories := make(map[string]Factory, len(c.factories))
	for k, v := range c.factories {
		factories[k] = v
	}
	c.mu.RUnlock()

	var (
		out  []Candidate
		errs []error
	)
	for _, name := range order {
		p, err := factories[name](env)
		if errors.Is(err, ErrSkip) || (err == nil && p == nil) {
			logger.Debug("plugin factory skipped", zap.String("factory", name))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("factory %s: %w", name, err))
			continue
		}
		out = append(out, Candidate{Plugin: p, Source: "builtin:" + name, State: StateDiscovered})
	}

	if pluginDir != "" {
		manifests, err := LoadManifests(pluginDir)
		if err != nil {
			errs = append(errs, err)
		}
		for _, m := range manifests {
			out = append(out, Candidate{Plugin: m, Source: m.path, State: StateDiscovered})
		}
	}

	logger.Info("plugins discovered", zap.Int("count", len(out)), zap.Int("errors", len(errs)))
	return out, errors.Join(errs...)
}

// LoadReport summarizes a LoadAll run.
type LoadReport struct {
	Loaded  []string
	Skipped []string
	Failed  map[string]error
}

// Err joins all individual failures.
func (r LoadReport) Err() error {
	names := make([]string, 0, len(r.Failed))
	for n := range r.Failed {
		names = append(names, n)
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, n := range names {
		errs = append(errs, r.Failed[n])
	}
	return errors.Join(errs...)
}

// LoadAll registers and activates candidates in dependency order. enabled may be
// nil; when it returns false the candidate is skipped. A candidate on a cycle,
// or one whose dependency is missing, skipped or failed, fails on its own and
// the rest keep loading.
func (r *Registry) LoadAll(ctx context.Context, candidates []Candidate, enabled func(name string) bool) LoadReport {
	report := LoadReport{Failed: map[string]error{}}

	var pending []*Candidate
	for i := range candidates {
		cand := &candidates[i]
		name := cand.Plugin.Metadata().Name
		if enabled != nil && !enabled(name) {
			report.Skipped = append(report.Skipped, name)
			r.logger.Info("plugin disabled by config", zap.String("name", name))
			continue
		}
		pending = append(pending, cand)
	}

	ordered, cyclic := topoSort(pending)
	for _, cand := range cyclic {
		name := cand.Plugin.Metadata().Name
		report.Failed[name] = fmt.Errorf("%w: %s (%s)", ErrDependencyCycle, name, cand.Source)
	}

	for _, cand := range ordered {
		meta := cand.Plugin.Metadata()
		if err := r.loadOne(ctx, cand, meta); err != nil {
			report.Failed[meta.Name] = err
			r.logger.Warn("plugin failed to load",
				zap.String("name", meta.Name),
				zap.String("source", cand.Source),
				zap.Error(err))
			continue
		}
		report.Loaded = append(report.Loaded, meta.Name)
	}

	r.logger.Info("plugins loaded",
		zap.Int("loaded", len(report.Loaded)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)))
	return report
}

func (r *Registry) loadOne(ctx context.Context, cand *Candidate, meta Metadata) error {
	if err := r.Validate(cand.Plugin); err != nil {
		return err
	}
	cand.State = StateValidated
	if err := r.Register(cand.Plugin); err != nil {
		return err
	}
	cand.State = StateRegistered
	if err := r.Activate(ctx, meta.Name); err != nil {
		r.mu.Lock()
		r.remove(r.Snapshot(), meta.Name)
		r.mu.Unlock()
		return err
	}
	cand.State = StateActive
	return nil
}

// topoSort 稳定拓扑排序（Kahn）；无法排序的节点位于环上或依赖环
func topoSort(cands []*Candidate) (ordered, cyclic []*Candidate) {
	index := make(map[string]int, len(cands))
	for i, c := range cands {
		index[c.Plugin.Metadata().Name] = i
	}

	indegree := make([]int, len(cands))
	dependents := make([][]int, len(cands))
	for i, c := range cands {
		for _, dep := range c.Plugin.Metadata().Dependencies {
			// 不在候选集中的依赖交给 Validate 判断（可能已注册）
			if j, ok := index[dep]; ok && j != i {
				indegree[i]++
				dependents[j] = append(dependents[j], i)
			}
		}
	}

	done := make([]bool, len(cands))
	for {
		progressed := false
		for i := range cands {
			if done[i] || indegree[i] > 0 {
				continue
			}
			done[i] = true
			progressed = true
			ordered = append(ordered, cands[i])
			for _, d := range dependents[i] {
				indegree[d]--
			}
			break
		}
		if !progressed {
			break
		}
	}

	for i, c := range cands {
		if !done[i] {
			cyclic = append(cyclic, c)
		}
	}
	return ordered, cyclic
}
