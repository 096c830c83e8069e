package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/router"
	"github.com/BaSui01/commandflow/types"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎨 输出样式
// =============================================================================

var (
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// renderError 将错误渲染为红色；结构化错误附带错误码与建议
func renderError(err error) string {
	apiErr, ok := types.AsError(err)
	if !ok {
		return errorStyle.Render("✗ " + err.Error())
	}
	out := errorStyle.Render(fmt.Sprintf("✗ %s: %s", apiErr.Code, apiErr.Message))
	if names := suggestionNames(apiErr); len(names) > 0 {
		out += "\n" + dimStyle.Render("  did you mean: "+strings.Join(names, ", "))
	}
	return out
}

func suggestionNames(err *types.Error) []string {
	suggestions, _ := err.Details[types.DetailSuggestions].([]types.Suggestion)
	names := make([]string, 0, len(suggestions))
	for _, s := range suggestions {
		names = append(names, s.Command)
	}
	return names
}

// =============================================================================
// 🧩 本地执行
// =============================================================================

// withApp 在进程内装配引擎并执行 fn，结束后释放所有组件
func withApp(ctx context.Context, flags *rootFlags, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfgMgr, logger, err := loadConfig(flags.configPath, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := newApp(ctx, cfgMgr, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		_ = a.close(closeCtx)
	}()
	return fn(ctx, a)
}

// runCommand 以 CLI 来源执行命令并输出结果
func runCommand(ctx context.Context, a *app, out io.Writer, req router.Request, verbose bool) error {
	req.Origin = types.OriginCLI
	return printResult(out, a.router.Execute(ctx, req), verbose)
}

// printResult 输出执行结果；失败时返回结构化错误
func printResult(out io.Writer, res *router.Result, verbose bool) error {
	if res.Success() {
		text, err := formatData(res.Data)
		if err != nil {
			return err
		}
		if text != "" {
			fmt.Fprintln(out, text)
		}
	}
	if verbose {
		fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("processingTime: %.2fms  requestId: %s",
			res.ProcessingTimeMS(), res.RequestID)))
	}
	if !res.Success() {
		return res.Err
	}
	return nil
}

// formatData 字符串原样输出，其余以缩进 JSON 输出
func formatData(data any) (string, error) {
	switch v := data.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format result: %w", err)
	}
	return string(b), nil
}

// parseParameters 解析 --parameters JSON 与 key=value 形式的位置参数；
// 位置参数覆盖 JSON 中的同名字段，值保持字符串，由路由按 Schema 转换
func parseParameters(raw string, pairs []string) (map[string]any, error) {
	params := map[string]any{}
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			return nil, types.NewValidationError("parameters", "parameters must be a JSON object").WithCause(err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, types.NewValidationError(pair, "expected key=value")
		}
		params[key] = value
	}
	return params, nil
}

// =============================================================================
// ▶️ exec / status / update
// =============================================================================

func newExecCommand(flags *rootFlags) *cobra.Command {
	var (
		raw     string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "exec <command> [key=value...]",
		Short: "Execute a command locally",
		Example: `  commandflow exec status
  commandflow exec parse --parameters '{"content":"# hi"}'
  commandflow exec history limit=5 --verbose`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParameters(raw, args[1:])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				return runCommand(ctx, a, cmd.OutOrStdout(), router.Request{Command: args[0], Parameters: params}, verbose)
			})
		},
	}
	cmd.Flags().StringVarP(&raw, "parameters", "p", "", "Command parameters as a JSON object")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print processingTime and requestId")
	return cmd
}

func newStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status (plugins, commands, bridge, cache)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				health := a.monitor.Health(ctx)
				text, err := formatData(a.monitor.Status(ctx))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, titleStyle.Render("CommandFlow "+Version)+"  "+renderHealth(string(health.Status)))
				fmt.Fprintln(out, text)
				return nil
			})
		},
	}
}

func renderHealth(status string) string {
	switch status {
	case "healthy":
		return successStyle.Render(status)
	case "degraded":
		return lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")).Render(status)
	}
	return errorStyle.Render(status)
}

func newUpdateCommand(flags *rootFlags) *cobra.Command {
	var (
		source  string
		force   bool
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Refresh content through the auxiliary runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := map[string]any{"force": force}
			if source != "" {
				params["source"] = source
			}
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				return runCommand(ctx, a, cmd.OutOrStdout(), router.Request{Command: "update", Parameters: params}, verbose)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Content source to refresh")
	cmd.Flags().BoolVar(&force, "force", false, "Refresh even when content is current")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print processingTime and requestId")
	return cmd
}

// =============================================================================
// 🔌 test / cache
// =============================================================================

func newTestCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Test the connection to the auxiliary runtime",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				res := a.bridge.TestConnection(ctx)
				if !res.OK {
					return fmt.Errorf("bridge connection test failed (%s): %s", res.Transport, res.Error)
				}
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ bridge reachable")+
					dimStyle.Render(fmt.Sprintf("  transport=%s latency=%.2fms", res.Transport, res.LatencyMS)))
				return nil
			})
		},
	}
}

func newCacheCommand(flags *rootFlags) *cobra.Command {
	var clearAll, stats bool
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the result cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), flags, func(ctx context.Context, a *app) error {
				out := cmd.OutOrStdout()
				if clearAll {
					if err := a.cache.Clear(ctx); err != nil {
						return fmt.Errorf("clear cache: %w", err)
					}
					fmt.Fprintln(out, successStyle.Render("✓ cache cleared"))
					if !stats {
						return nil
					}
				}
				s, err := a.cache.Stats(ctx)
				if err != nil {
					return fmt.Errorf("cache stats: %w", err)
				}
				text, err := formatData(s)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, text)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&clearAll, "clear", false, "Remove every cached entry")
	cmd.Flags().BoolVar(&stats, "stats", false, "Show cache statistics (default)")
	return cmd
}

// =============================================================================
// ⚙️ config
// =============================================================================

func newConfigCommand(flags *rootFlags) *cobra.Command {
	var show, edit, reset bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show, edit or reset the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := resolveConfigPath(flags.configPath)
			if path == "" {
				path = defaultConfigPath
			}
			out := cmd.OutOrStdout()
			switch {
			case reset:
				if err := config.Save(path, config.DefaultConfig()); err != nil {
					return types.NewConfigError("failed to reset config", err)
				}
				fmt.Fprintln(out, successStyle.Render("✓ config reset: "+path))
				return nil
			case edit:
				if err := editConfig(cmd.Context(), path, os.Getenv("EDITOR")); err != nil {
					return err
				}
				fmt.Fprintln(out, successStyle.Render("✓ config saved: "+path))
				return nil
			}
			return showConfig(out, path)
		},
	}
	cmd.Flags().BoolVar(&show, "show", false, "Print the effective configuration (default)")
	cmd.Flags().BoolVar(&edit, "edit", false, "Open the configuration file in $EDITOR")
	cmd.Flags().BoolVar(&reset, "reset", false, "Overwrite the configuration file with defaults")
	cmd.MarkFlagsMutuallyExclusive("show", "edit", "reset")
	return cmd
}

// showConfig 输出脱敏后的生效配置
func showConfig(out io.Writer, path string) error {
	loader := config.NewLoader()
	if _, err := os.Stat(path); err == nil {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg.PublicView())
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Fprint(out, string(b))
	return nil
}

// editConfig 用编辑器打开配置文件，保存后重新校验
func editConfig(ctx context.Context, path, editor string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if editor == "" {
		editor = "vi"
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := config.Save(path, config.DefaultConfig()); err != nil {
			return types.NewConfigError("failed to create config", err)
		}
	}

	c := exec.CommandContext(ctx, editor, path)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("editor %s: %w", editor, err)
	}

	if _, err := config.NewLoader().WithConfigPath(path).Load(); err != nil {
		return err
	}
	return nil
}
