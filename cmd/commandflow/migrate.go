package main

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/commandflow/internal/history"
	"github.com/spf13/cobra"
)

// =============================================================================
// 🗄️ 执行历史维护命令
// =============================================================================

// newHistoryCommand 管理执行历史库：migrate、status、recent、prune
func newHistoryCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Maintain the execution history database",
		Example: `  commandflow history migrate
  commandflow history status
  commandflow history recent --limit 5
  commandflow history prune --older-than 720h`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the history schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Open 已执行自动迁移
			return withHistory(cmd.Context(), flags, func(context.Context, *history.Store) error {
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ history schema is up to date"))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show history database status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHistory(cmd.Context(), flags, func(ctx context.Context, s *history.Store) error {
				if err := s.Ping(ctx); err != nil {
					return fmt.Errorf("history database unreachable: %w", err)
				}
				count, err := s.Count(ctx)
				if err != nil {
					return err
				}
				stats := s.DBStats()
				fmt.Fprintf(cmd.OutOrStdout(), "records: %d\nopen connections: %d\nin use: %d\n",
					count, stats.OpenConnections, stats.InUse)
				return nil
			})
		},
	})

	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHistory(cmd.Context(), flags, func(ctx context.Context, s *history.Store) error {
				records, err := s.Recent(ctx, limit)
				if err != nil {
					return err
				}
				text, err := formatData(records)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
	recent.Flags().IntVar(&limit, "limit", 20, "Number of records to show")
	cmd.AddCommand(recent)

	var olderThan time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete records older than the given age",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withHistory(cmd.Context(), flags, func(ctx context.Context, s *history.Store) error {
				age := olderThan
				if age <= 0 {
					return fmt.Errorf("--older-than must be positive")
				}
				n, err := s.Prune(ctx, time.Now().Add(-age))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render(fmt.Sprintf("✓ pruned %d records", n)))
				return nil
			})
		},
	}
	prune.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Minimum record age to delete")
	cmd.AddCommand(prune)

	return cmd
}

// withHistory 按配置打开历史库（忽略 enabled 开关）并执行 fn
func withHistory(ctx context.Context, flags *rootFlags, fn func(context.Context, *history.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfgMgr, logger, err := loadConfig(flags.configPath, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := history.Open(ctx, cfgMgr.Snapshot().History, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}
