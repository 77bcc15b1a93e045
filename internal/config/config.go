package config

import (
	"path/filepath"
	"slices"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values.
const (
	// AppName is the application name used for XDG directory paths.
	AppName = "consoleharvest"

	// DefaultParallel runs one flow at a time. Flows usually share an
	// account, and consoles tend to rate limit per account.
	DefaultParallel = 1

	// DefaultDatabase is the storage backend used when none is configured.
	DefaultDatabase = DatabaseSQLite

	// DefaultReportFormat is the report format printed after each run.
	DefaultReportFormat = "text"

	// DefaultHistoryLimit is how many runs "harvest history" lists.
	DefaultHistoryLimit = 20

	// DefaultShutdownGrace is how long a cancelled run may take to drain
	// before the process exits anyway.
	DefaultShutdownGrace = 90 * time.Second
)

// Storage backends.
const (
	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
	DatabaseMemory   = "memory"
)

// reportFormats lists the accepted report formats.
var reportFormats = []string{"text", "json", "markdown", "md"}

// Config holds the options of one harvest invocation.
// It is populated from CLI flags and passed through the application via
// dependency injection rather than global state.
type Config struct {
	// ConfigFilePath is the path to the flow file.
	// If empty, the tool searches for .harvest.yaml in the current directory
	// and then in the user's home directory.
	ConfigFilePath string

	// Flows are the names of the flows to harvest.
	// Empty means every flow in the flow file.
	Flows []string

	// FlowFile holds the flows loaded from the flow file.
	FlowFile *File

	// Verbose enables detailed log output using slog.LevelDebug.
	// When false, only warnings and errors are logged.
	Verbose bool

	// JSONLogs switches the log handler to JSON.
	JSONLogs bool

	// Parallel is the number of flows harvested at the same time.
	Parallel int

	// Database selects the storage backend: sqlite, postgres or memory.
	Database string

	// DBDir is the directory of the SQLite database.
	// Defaults to the XDG data directory (~/.local/share/consoleharvest on Linux).
	DBDir string

	// PostgresDSN is the connection string for the postgres backend.
	PostgresDSN string

	// PostgresSchema is the schema holding the harvest tables.
	PostgresSchema string

	// ReportFormat is text, json or markdown.
	ReportFormat string

	// ReportFile, when set, receives the reports instead of stdout.
	ReportFile string

	// DryRun harvests without storing records or run history.
	DryRun bool

	// ShutdownGrace bounds how long a cancelled harvest may drain.
	ShutdownGrace time.Duration
}

// NewConfig creates a new Config with default values.
func NewConfig() *Config {
	return &Config{
		Parallel:      DefaultParallel,
		Database:      DefaultDatabase,
		DBDir:         XDGDataDir(),
		ReportFormat:  DefaultReportFormat,
		ShutdownGrace: DefaultShutdownGrace,
	}
}

// XDGDataDir returns the XDG data directory for consoleharvest.
// On Linux: ~/.local/share/consoleharvest
// On macOS: ~/Library/Application Support/consoleharvest
// On Windows: %LOCALAPPDATA%\consoleharvest
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for consoleharvest.
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Validate checks if the configuration is valid.
// It returns the first problem found.
func (c *Config) Validate() error {
	if c.Parallel <= 0 {
		return ErrInvalidParallel
	}

	switch c.Database {
	case DatabaseSQLite, DatabaseMemory:
	case DatabasePostgres:
		if c.PostgresDSN == "" {
			return ErrPostgresDSNRequired
		}
	default:
		return ErrInvalidDatabase
	}

	if !slices.Contains(reportFormats, c.ReportFormat) {
		return ErrInvalidReportFormat
	}

	if c.ShutdownGrace < 0 {
		return ErrInvalidShutdownGrace
	}

	return nil
}

// SelectedFlows returns the flow names to harvest: the ones given on the
// command line, or every flow in the flow file in name order.
func (c *Config) SelectedFlows() ([]string, error) {
	if c.FlowFile == nil || len(c.FlowFile.Flows) == 0 {
		return nil, ErrNoFlows
	}
	if len(c.Flows) == 0 {
		return c.FlowFile.FlowNames(), nil
	}
	for _, name := range c.Flows {
		if _, ok := c.FlowFile.Flows[name]; !ok {
			return nil, unknownFlowError(name)
		}
	}
	return c.Flows, nil
}
