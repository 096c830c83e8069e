// =============================================================================
// CommandFlow 主入口
// =============================================================================
// 命令处理引擎入口点：HTTP + WebSocket 服务、本地命令执行、交互模式
//
// 使用方法:
//
//	commandflow serve                         # 启动服务
//	commandflow serve --config config.yaml    # 指定配置文件
//	commandflow exec status --verbose         # 本地执行命令
//	commandflow interactive                   # 交互模式
//	commandflow config --show                 # 查看配置
//	commandflow health --addr http://localhost:3000
//	commandflow history prune                 # 清理执行历史
//	commandflow version                       # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/BaSui01/commandflow/config"
	"github.com/BaSui01/commandflow/internal/tlsutil"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// defaultConfigPath 未指定 --config 时尝试的配置文件
const defaultConfigPath = "commandflow.yaml"

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, renderError(err))
		os.Exit(1)
	}
}

// rootFlags 全局参数
type rootFlags struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "commandflow",
		Short: "CommandFlow - plugin-based command processing engine",
		Long: `CommandFlow routes named commands to plugin handlers over HTTP, WebSocket
and the command line, with validation, caching, rate limiting and a bridge
to an auxiliary runtime.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to config file (YAML)")

	root.AddCommand(
		newServeCommand(flags),
		newInteractiveCommand(flags),
		newExecCommand(flags),
		newStatusCommand(flags),
		newConfigCommand(flags),
		newCacheCommand(flags),
		newTestCommand(flags),
		newUpdateCommand(flags),
		newHistoryCommand(flags),
		newHealthCommand(),
		newVersionCommand(),
	)
	return root
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func newServeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), flags.configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfgMgr, logger, err := loadConfig(configPath, false)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting CommandFlow",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("config", cfgMgr.Path()),
	)

	a, err := newApp(ctx, cfgMgr, logger)
	if err != nil {
		return err
	}

	srv := NewServer(a)
	if err := srv.Start(ctx); err != nil {
		srv.Shutdown()
		return err
	}
	if err := srv.WaitForShutdown(ctx); err != nil {
		return err
	}

	logger.Info("CommandFlow stopped")
	return nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func newHealthCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the health of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := runHealthCheck(cmd.Context(), addr); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("OK"))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://localhost:3000", "Server address")
	return cmd
}

func runHealthCheck(ctx context.Context, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/health", nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := tlsutil.SecureHTTPClient(5 * time.Second).Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	return nil
}

// =============================================================================
// 📋 版本
// =============================================================================

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "CommandFlow %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		},
	}
}

// =============================================================================
// 🔧 配置与日志初始化
// =============================================================================

// resolveConfigPath 未显式指定时，使用当前目录下存在的默认配置文件
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

// loadConfig 加载配置并构建 logger；quiet 为 true 时日志只输出 warn 以上到 stderr，
// 避免干扰本地命令的标准输出
func loadConfig(path string, quiet bool) (*config.Manager, *zap.Logger, error) {
	path = resolveConfigPath(path)
	cfg, err := config.NewLoader().WithConfigPath(path).Load()
	if err != nil {
		return nil, nil, err
	}

	logCfg := cfg.Log
	if quiet {
		logCfg.OutputPaths = []string{"stderr"}
		if logCfg.Level != "debug" {
			logCfg.Level = "warn"
		}
	}
	logger := initLogger(logCfg)
	return config.NewStaticManager(cfg, path, logger), logger, nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	// 解析日志级别
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	// 配置编码器
	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		// 回退到基本 logger
		logger, _ = zap.NewProduction()
	}
	return logger
}
