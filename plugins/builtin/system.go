package builtin

import (
	"context"
	"time"

	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/internal/bridge"
	"github.com/BaSui01/commandflow/plugins"
)

// =============================================================================
// 🧭 system 插件
// =============================================================================

// StatusReport is the result of the status command.
type StatusReport struct {
	Version       string         `json:"version"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Plugins       int            `json:"plugins"`
	ActivePlugins int            `json:"active_plugins"`
	Commands      int            `json:"commands"`
	Bridge        *bridge.Health `json:"bridge,omitempty"`
}

// HelpReport lists commands, or describes one when a command was asked for.
type HelpReport struct {
	Commands []plugins.CommandInfo `json:"commands,omitempty"`
	Command  *plugins.CommandInfo  `json:"command,omitempty"`
}

type systemPlugin struct {
	env plugins.Env
}

// NewSystem builds the system plugin.
func NewSystem(env plugins.Env) (plugins.Plugin, error) {
	if env.StartedAt.IsZero() {
		env.StartedAt = time.Now()
	}
	return &systemPlugin{env: env}, nil
}

func (p *systemPlugin) Metadata() plugins.Metadata {
	return plugins.Metadata{
		Name:        "system",
		Version:     Version,
		Category:    "system",
		Kind:        plugins.KindCommand,
		Description: "Service status, help and configuration",
	}
}

func (p *systemPlugin) Commands() []plugins.Command {
	return []plugins.Command{
		{
			Name:        "status",
			Aliases:     []string{"st"},
			Description: "Show registry size, uptime and bridge state",
			Handler:     p.status,
		},
		{
			Name:        "help",
			Aliases:     []string{"h"},
			Description: "List commands or describe one",
			Params: plugins.Schema{
				{Name: "command", Type: plugins.TypeString, Description: "command to describe"},
			},
			Handler: p.help,
		},
		{
			Name:        "ping",
			Description: "Liveness check",
			Handler: func(ctx context.Context, ec *plugins.ExecutionContext) (any, error) {
				return map[string]any{"pong": true, "timestamp": time.Now().UnixMilli()}, nil
			},
		},
		{
			Name:        "config",
			Aliases:     []string{"cfg"},
			Description: "Show the public configuration",
			Handler:     p.config,
		},
	}
}

func (p *systemPlugin) status(ctx context.Context, ec *plugins.ExecutionContext) (any, error) {
	snap := ec.Snapshot
	report := StatusReport{
		Version:       p.env.Version,
		UptimeSeconds: time.Since(p.env.StartedAt).Seconds(),
		Plugins:       snap.Len(),
		ActivePlugins: snap.ActiveCount(),
		Commands:      snap.CommandCount(),
	}
	if ec.Bridge != nil {
		h := ec.Bridge.HealthCheck(ctx)
		report.Bridge = &h
	}
	return report, nil
}

func (p *systemPlugin) help(ctx context.Context, ec *plugins.ExecutionContext) (any, error) {
	name, _ := ec.Params["command"].(string)
	if name == "" {
		return HelpReport{Commands: ec.Snapshot.Commands()}, nil
	}

	var opts plugins.ResolveOptions
	if p.env.Config != nil {
		cfg := p.env.Config.Snapshot()
		opts.Prefix = cfg.Commands.Prefix
		opts.Aliases = cfg.Commands.Aliases
	}
	route, err := ec.Snapshot.Resolve(name, opts)
	if err != nil {
		return nil, err
	}
	info := route.Info()
	return HelpReport{Command: &info}, nil
}

func (p *systemPlugin) config(ctx context.Context, ec *plugins.ExecutionContext) (any, error) {
	if p.env.Config == nil {
		return config.DefaultConfig().PublicView(), nil
	}
	return p.env.Config.Snapshot().PublicView(), nil
}
