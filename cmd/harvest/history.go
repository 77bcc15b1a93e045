package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nao1215/consoleharvest/internal/config"
	"github.com/nao1215/consoleharvest/internal/report"
)

// errNoHistory is returned when history is requested from the memory backend.
var errNoHistory = errors.New("the memory database keeps no run history")

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [flow]",
		Short: "Show past harvest runs",
		Long: `History lists finished harvest runs, newest first.

Examples:
  # Last runs of every flow
  harvest history

  # Last 5 runs of the orders flow as JSON
  harvest history orders --limit 5 --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistoryCmd,
	}

	cmd.Flags().IntP("limit", "n", config.DefaultHistoryLimit,
		"Maximum number of runs to show (0 shows all)")
	cmd.Flags().StringP("format", "f", config.DefaultReportFormat,
		"Output format: text, json or markdown")
	addStorageFlags(cmd)

	return cmd
}

// runHistoryCmd executes the history command.
func runHistoryCmd(cmd *cobra.Command, args []string) error {
	cfg := config.NewConfig()
	if err := readStorageFlags(cmd, cfg); err != nil {
		return err
	}
	if cfg.Database == config.DatabaseMemory {
		return errNoHistory
	}

	var err error
	if cfg.ReportFormat, err = cmd.Flags().GetString("format"); err != nil {
		return err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return err
	}
	if limit < 0 {
		return fmt.Errorf("limit must not be negative: %d", limit)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	var flow string
	if len(args) > 0 {
		flow = args[0]
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, flow, limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	writer, err := report.New(report.Format(cfg.ReportFormat), cmd.OutOrStdout(), getVersion())
	if err != nil {
		return err
	}
	_, err = writer.WriteHistory(runs)
	return err
}
