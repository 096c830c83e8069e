package plugins

import (
	"strings"

	"github.com/BaSui01/commandflow/types"
)

// =============================================================================
// 📸 注册表快照（不可变）
// =============================================================================

type pluginEntry struct {
	plugin   Plugin
	meta     Metadata
	state    State
	order    int
	commands []Command
}

// Route is a resolved command together with its owning plugin.
type Route struct {
	Plugin  Plugin
	Meta    Metadata
	Command Command
	order   int
}

// PluginInfo describes a registered plugin.
type PluginInfo struct {
	Metadata Metadata `json:"metadata"`
	State    State    `json:"state"`
	Commands []string `json:"commands"`
}

// CommandInfo describes an active command.
type CommandInfo struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	Plugin      string   `json:"plugin"`
	Params      Schema   `json:"parameters,omitempty"`
}

// ResolveOptions carries the config-driven parts of resolution.
type ResolveOptions struct {
	// Prefix 命令前缀，例如 "/"
	Prefix string
	// Aliases 配置别名 alias -> command
	Aliases map[string]string
	// SuggestLimit NotFound 时附带的建议条数
	SuggestLimit int
}

// Snapshot is an immutable view of the registry. Readers hold on to it for the
// duration of an execution.
type Snapshot struct {
	version      uint64
	plugins      map[string]pluginEntry
	pluginOrder  []string
	commands     map[string]Route
	aliases      map[string]string
	commandOrder []string
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		plugins:  map[string]pluginEntry{},
		commands: map[string]Route{},
		aliases:  map[string]string{},
	}
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		version:      s.version + 1,
		plugins:      make(map[string]pluginEntry, len(s.plugins)+1),
		pluginOrder:  append([]string(nil), s.pluginOrder...),
		commands:     make(map[string]Route, len(s.commands)+4),
		aliases:      make(map[string]string, len(s.aliases)+4),
		commandOrder: append([]string(nil), s.commandOrder...),
	}
	for k, v := range s.plugins {
		next.plugins[k] = v
	}
	for k, v := range s.commands {
		next.commands[k] = v
	}
	for k, v := range s.aliases {
		next.aliases[k] = v
	}
	return next
}

// Version increases with every published mutation.
func (s *Snapshot) Version() uint64 { return s.version }

// Len returns the number of registered plugins in any state.
func (s *Snapshot) Len() int { return len(s.plugins) }

// ActiveCount returns the number of Active plugins.
func (s *Snapshot) ActiveCount() int {
	n := 0
	for _, e := range s.plugins {
		if e.state == StateActive {
			n++
		}
	}
	return n
}

// CommandCount returns the number of commands owned by Active plugins.
func (s *Snapshot) CommandCount() int {
	n := 0
	for _, rt := range s.commands {
		if s.isActive(rt.Meta.Name) {
			n++
		}
	}
	return n
}

func (s *Snapshot) isActive(name string) bool {
	e, ok := s.plugins[name]
	return ok && e.state == StateActive
}

// State returns the lifecycle state of the named plugin.
func (s *Snapshot) State(name string) (State, bool) {
	e, ok := s.plugins[name]
	return e.state, ok
}

// Plugin returns info about a registered plugin.
func (s *Snapshot) Plugin(name string) (PluginInfo, bool) {
	e, ok := s.plugins[name]
	if !ok {
		return PluginInfo{}, false
	}
	return e.info(), true
}

// Plugins lists registered plugins in registration order.
func (s *Snapshot) Plugins() []PluginInfo {
	out := make([]PluginInfo, 0, len(s.pluginOrder))
	for _, name := range s.pluginOrder {
		out = append(out, s.plugins[name].info())
	}
	return out
}

func (e pluginEntry) info() PluginInfo {
	names := make([]string, len(e.commands))
	for i, c := range e.commands {
		names[i] = c.Name
	}
	return PluginInfo{Metadata: e.meta, State: e.state, Commands: names}
}

// Commands lists commands of Active plugins in registration order.
func (s *Snapshot) Commands() []CommandInfo {
	out := make([]CommandInfo, 0, len(s.commandOrder))
	for _, name := range s.commandOrder {
		rt := s.commands[name]
		if !s.isActive(rt.Meta.Name) {
			continue
		}
		out = append(out, rt.info())
	}
	return out
}

func (rt Route) info() CommandInfo {
	category := rt.Command.Category
	if category == "" {
		category = rt.Meta.Category
	}
	return CommandInfo{
		Name:        rt.Command.Name,
		Aliases:     rt.Command.Aliases,
		Description: rt.Command.Description,
		Category:    category,
		Plugin:      rt.Meta.Name,
		Params:      rt.Command.Params,
	}
}

// Info returns the listing form of the route.
func (rt Route) Info() CommandInfo { return rt.info() }

// Middleware returns Active middleware-kind plugins in registration order.
func (s *Snapshot) Middleware() []Plugin {
	return s.byKind(KindMiddleware)
}

// Backgrounds returns Active background-kind plugins in registration order.
func (s *Snapshot) Backgrounds() []Plugin {
	return s.byKind(KindBackground)
}

func (s *Snapshot) byKind(kind Kind) []Plugin {
	var out []Plugin
	for _, name := range s.pluginOrder {
		e := s.plugins[name]
		if e.state == StateActive && e.meta.Kind == kind {
			out = append(out, e.plugin)
		}
	}
	return out
}

// Lookup finds an active command by exact name or declared alias, without
// prefix stripping, config aliases or suggestions.
func (s *Snapshot) Lookup(name string) (Route, bool) {
	if rt, ok := s.commands[name]; ok && s.isActive(rt.Meta.Name) {
		return rt, true
	}
	if target, ok := s.aliases[name]; ok {
		if rt, ok := s.commands[target]; ok && s.isActive(rt.Meta.Name) {
			return rt, true
		}
	}
	return Route{}, false
}

// Resolve maps raw input to a command: strip the prefix, apply config aliases,
// then try the exact name and the declared aliases. An unknown command yields a
// COMMAND_NOT_FOUND error carrying suggestions.
func (s *Snapshot) Resolve(input string, opts ResolveOptions) (Route, error) {
	name := strings.TrimSpace(input)
	if opts.Prefix != "" {
		name = strings.TrimPrefix(name, opts.Prefix)
	}
	if name == "" {
		return Route{}, types.NewValidationError("command", "command is required")
	}

	if target, ok := opts.Aliases[name]; ok && target != "" {
		name = target
	}

	if rt, ok := s.Lookup(name); ok {
		return rt, nil
	}
	return Route{}, types.NewNotFoundError(name, s.Suggest(name, opts.SuggestLimit))
}
