package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/consoleharvest/internal/config"
	"github.com/nao1215/consoleharvest/internal/fetcher"
	"github.com/nao1215/consoleharvest/internal/log"
	"github.com/nao1215/consoleharvest/internal/pipeline"
	"github.com/nao1215/consoleharvest/internal/report"
)

// postgresDSNEnv is read when --postgres-dsn is not given.
const postgresDSNEnv = "HARVEST_POSTGRES_DSN"

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flow...]",
		Short: "Harvest records from the configured consoles",
		Long: `Run harvests one or more flows from the flow file.

For every flow it logs in, pages through the listing until the console runs
out of records, and stores each record once. Records already seen with the
same content are skipped; changed records are updated. A summary is printed
for every flow, also for flows that were aborted.

Examples:
  # Harvest every flow in .harvest.yaml
  harvest run

  # Harvest two flows side by side
  harvest run orders stock --parallel 2

  # Try a flow without storing anything
  harvest run orders --dry-run

  # Store into PostgreSQL and write a Markdown report
  HARVEST_POSTGRES_DSN=postgres://harvest@db/harvest \
    harvest run --database postgres --report markdown -o report.md`,
		Args: cobra.ArbitraryArgs,
		RunE: runRunCmd,
	}

	cmd.Flags().IntP("parallel", "p", config.DefaultParallel,
		"Number of flows harvested at the same time")
	addStorageFlags(cmd)
	cmd.Flags().StringP("report", "r", config.DefaultReportFormat,
		"Report format: text, json or markdown")
	cmd.Flags().StringP("output", "o", "",
		"Write reports to specified file path (creates directories if needed)")
	cmd.Flags().Bool("dry-run", false,
		"Fetch and parse without storing records or run history")
	cmd.Flags().Duration("shutdown-grace", config.DefaultShutdownGrace,
		"How long an interrupted harvest may take to finish in-flight pages")

	return cmd
}

// addStorageFlags registers the flags selecting the storage backend.
func addStorageFlags(cmd *cobra.Command) {
	cmd.Flags().String("database", config.DefaultDatabase,
		"Storage backend: sqlite, postgres or memory")
	cmd.Flags().String("db-dir", config.XDGDataDir(),
		"Directory of the SQLite database")
	cmd.Flags().String("postgres-dsn", "",
		"PostgreSQL connection string (default $"+postgresDSNEnv+")")
	cmd.Flags().String("postgres-schema", "",
		"PostgreSQL schema for the harvest tables (default public)")
}

// readStorageFlags copies the storage flags into cfg.
func readStorageFlags(cmd *cobra.Command, cfg *config.Config) error {
	var err error
	if cfg.Database, err = cmd.Flags().GetString("database"); err != nil {
		return err
	}
	if cfg.DBDir, err = cmd.Flags().GetString("db-dir"); err != nil {
		return err
	}
	if cfg.PostgresDSN, err = cmd.Flags().GetString("postgres-dsn"); err != nil {
		return err
	}
	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = os.Getenv(postgresDSNEnv)
	}
	if cfg.PostgresSchema, err = cmd.Flags().GetString("postgres-schema"); err != nil {
		return err
	}
	return nil
}

// runRunCmd executes the run command.
func runRunCmd(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd, args)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := log.New(cmd.ErrOrStderr(), log.Options{Verbose: cfg.Verbose, JSON: cfg.JSONLogs})
	slog.SetDefault(logger)

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signalContext(parent, cfg.ShutdownGrace, logger)
	defer stop()

	return runHarvest(ctx, cfg, cmd.OutOrStdout(), logger)
}

// boolFlag reads a flag that may be registered on the command or inherited
// from the root.
func boolFlag(cmd *cobra.Command, name string) bool {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f.Value.String() == "true"
	}
	if f := cmd.Root().PersistentFlags().Lookup(name); f != nil {
		return f.Value.String() == "true"
	}
	return false
}

// stringFlag is boolFlag for strings.
func stringFlag(cmd *cobra.Command, name string) string {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup(name); f != nil {
		return f.Value.String()
	}
	return ""
}

// buildConfig creates a Config from cobra command flags and loads the flow file.
func buildConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg := config.NewConfig()
	cfg.Flows = args
	cfg.Verbose = boolFlag(cmd, "verbose")
	cfg.JSONLogs = boolFlag(cmd, "json-logs")
	cfg.ConfigFilePath = stringFlag(cmd, "config")

	var err error
	if cfg.Parallel, err = cmd.Flags().GetInt("parallel"); err != nil {
		return nil, err
	}
	if err := readStorageFlags(cmd, cfg); err != nil {
		return nil, err
	}
	if cfg.ReportFormat, err = cmd.Flags().GetString("report"); err != nil {
		return nil, err
	}
	if cfg.ReportFile, err = cmd.Flags().GetString("output"); err != nil {
		return nil, err
	}
	if cfg.DryRun, err = cmd.Flags().GetBool("dry-run"); err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace, err = cmd.Flags().GetDuration("shutdown-grace"); err != nil {
		return nil, err
	}

	if cfg.FlowFile, err = loadFlowFile(cfg.ConfigFilePath); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFlowFile finds and loads the flow file. An explicitly named file must
// exist.
func loadFlowFile(explicit string) (*config.File, error) {
	path := config.FindConfigFile(explicit)
	switch {
	case path == "" && explicit != "":
		return nil, fmt.Errorf("flow file not found: %s", explicit)
	case path == "":
		return nil, config.ErrNoFlows
	}

	file, err := config.LoadConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load flow file %s: %w", path, err)
	}
	return file, nil
}

// signalContext cancels the returned context on SIGINT or SIGTERM. In-flight
// pages then get grace to finish; a second signal or an expired grace ends
// the process.
func signalContext(parent context.Context, grace time.Duration, logger *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
		case <-done:
			return
		}
		logger.Warn("received shutdown signal, finishing in-flight pages", "grace", grace)
		cancel()

		var expired <-chan time.Time
		if grace > 0 {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			expired = timer.C
		}
		select {
		case <-sigCh:
			logger.Error("received second signal, exiting")
		case <-expired:
			logger.Error("shutdown grace exceeded, exiting")
		case <-done:
			return
		}
		os.Exit(130)
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(done)
			cancel()
		})
	}
}

// runHarvest harvests the selected flows and reports every run.
func runHarvest(ctx context.Context, cfg *config.Config, out io.Writer, logger *slog.Logger) error {
	names, err := cfg.SelectedFlows()
	if err != nil {
		return err
	}

	flows := make([]config.FlowConfig, len(names))
	for i, name := range names {
		flows[i] = cfg.FlowFile.GetFlowConfig(name)
		if err := flows[i].Validate(); err != nil {
			return &config.FlowError{Flow: name, Err: err}
		}
	}

	var store storage
	if !cfg.DryRun {
		store, err = openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	if err := checkProxies(ctx, names, flows); err != nil {
		return err
	}

	writer, closeReport, err := newReportWriter(cfg, out)
	if err != nil {
		return err
	}
	defer closeReport()

	var steps []pipeline.Step
	if store != nil {
		steps = append(steps, pipeline.NewHistoryStep(store, pipeline.WithHistoryLogger(logger)))
	}
	steps = append(steps, pipeline.NewReportStep(writer))

	finalizer := pipeline.NewFinalizer(
		pipeline.WithFinalizerLogger(logger),
		pipeline.WithContinueOnError(true),
	)
	finalizer.AddSteps(steps...)

	builder := newFlowBuilder(logger, store, cfg.DryRun)
	defer func() {
		if err := builder.Close(); err != nil {
			logger.Error("failed to close flow outputs", "error", err)
		}
	}()

	jobs := make([]pipeline.Job, 0, len(names))
	for i, name := range names {
		h, err := builder.build(name, flows[i])
		if err != nil {
			return err
		}
		jobs = append(jobs, pipeline.Job{Flow: name, Harvester: h})
	}

	logger.Info("starting harvest",
		"flows", names,
		"parallel", cfg.Parallel,
		"database", cfg.Database,
		"dry_run", cfg.DryRun,
	)

	bp := pipeline.NewBatchProcessor(
		pipeline.WithConcurrency(cfg.Parallel),
		pipeline.WithFinalizer(finalizer),
		pipeline.WithBatchLogger(logger),
	)
	return outcomeError(bp.ProcessBatch(ctx, jobs))
}

// outcomeError summarizes failed flows, or returns nil when all succeeded.
func outcomeError(outcomes []pipeline.Outcome) error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d flows failed: %w", len(errs), len(outcomes), errors.Join(errs...))
}

// checkProxies verifies every configured SOCKS5 proxy once before any flow
// starts.
func checkProxies(ctx context.Context, names []string, flows []config.FlowConfig) error {
	checked := make(map[string]bool)
	for i, fc := range flows {
		addr := fc.Request.Proxy
		if addr == "" || checked[addr] {
			continue
		}
		if err := fetcher.CheckProxy(ctx, addr); err != nil {
			return fmt.Errorf("flow %s: %w", names[i], err)
		}
		checked[addr] = true
	}
	return nil
}

// newReportWriter returns the writer for run summaries. Reports go to out,
// or to the report file with a text summary echoed to out.
func newReportWriter(cfg *config.Config, out io.Writer) (report.Writer, func(), error) {
	format := report.Format(cfg.ReportFormat)
	text := report.NewSimpleWriter(out, report.WithVerbose(cfg.Verbose))

	if cfg.ReportFile == "" {
		if format == report.FormatText {
			return text, func() {}, nil
		}
		w, err := report.New(format, out, getVersion())
		if err != nil {
			return nil, nil, err
		}
		return w, func() {}, nil
	}

	f, closeFile, err := openReportOutput(cfg.ReportFile, out)
	if err != nil {
		return nil, nil, err
	}
	w, err := report.New(format, f, getVersion())
	if err != nil {
		closeFile()
		return nil, nil, err
	}
	return report.NewMultiWriter(w, text), closeFile, nil
}

// openReportOutput returns the report destination: the named file, created
// with owner-only permissions, or out.
func openReportOutput(path string, out io.Writer) (io.Writer, func(), error) {
	if path == "" {
		return out, func() {}, nil
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
