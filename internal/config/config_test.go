package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestNewConfig verifies that NewConfig returns a Config with all expected default values.
func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()

	t.Run("default Parallel is 1", func(t *testing.T) {
		t.Parallel()
		if cfg.Parallel != 1 {
			t.Errorf("expected Parallel to be 1, got %d", cfg.Parallel)
		}
	})

	t.Run("default Database is sqlite", func(t *testing.T) {
		t.Parallel()
		if cfg.Database != DatabaseSQLite {
			t.Errorf("expected Database to be sqlite, got %q", cfg.Database)
		}
	})

	t.Run("default DBDir is the XDG data dir", func(t *testing.T) {
		t.Parallel()
		if cfg.DBDir != XDGDataDir() {
			t.Errorf("expected DBDir %q, got %q", XDGDataDir(), cfg.DBDir)
		}
	})

	t.Run("default ReportFormat is text", func(t *testing.T) {
		t.Parallel()
		if cfg.ReportFormat != "text" {
			t.Errorf("expected ReportFormat text, got %q", cfg.ReportFormat)
		}
	})

	t.Run("default ShutdownGrace is 90 seconds", func(t *testing.T) {
		t.Parallel()
		if cfg.ShutdownGrace != 90*time.Second {
			t.Errorf("expected ShutdownGrace 90s, got %v", cfg.ShutdownGrace)
		}
	})

	t.Run("defaults validate", func(t *testing.T) {
		t.Parallel()
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected defaults to validate, got %v", err)
		}
	})
}

// TestConfigValidate tests the run-level validation rules.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{name: "valid config returns nil", modify: func(*Config) {}},
		{name: "zero parallel", modify: func(c *Config) { c.Parallel = 0 }, want: ErrInvalidParallel},
		{name: "unknown database", modify: func(c *Config) { c.Database = "mysql" }, want: ErrInvalidDatabase},
		{name: "postgres without dsn", modify: func(c *Config) { c.Database = DatabasePostgres }, want: ErrPostgresDSNRequired},
		{
			name: "postgres with dsn",
			modify: func(c *Config) {
				c.Database = DatabasePostgres
				c.PostgresDSN = "postgres://harvest@localhost/harvest"
			},
		},
		{name: "memory database", modify: func(c *Config) { c.Database = DatabaseMemory }},
		{name: "markdown report", modify: func(c *Config) { c.ReportFormat = "markdown" }},
		{name: "unknown report format", modify: func(c *Config) { c.ReportFormat = "pdf" }, want: ErrInvalidReportFormat},
		{name: "negative shutdown grace", modify: func(c *Config) { c.ShutdownGrace = -time.Second }, want: ErrInvalidShutdownGrace},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := NewConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

// TestConfigSelectedFlows tests picking flows from the command line.
func TestConfigSelectedFlows(t *testing.T) {
	t.Parallel()

	file := &File{Flows: map[string]FlowConfig{"tickets": {}, "orders": {}}}

	t.Run("all flows in name order", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.FlowFile = file
		got, err := cfg.SelectedFlows()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if strings.Join(got, ",") != "orders,tickets" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("named flows keep their order", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.FlowFile = file
		cfg.Flows = []string{"tickets", "orders"}
		got, err := cfg.SelectedFlows()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if strings.Join(got, ",") != "tickets,orders" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("unknown flow", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.FlowFile = file
		cfg.Flows = []string{"invoices"}
		_, err := cfg.SelectedFlows()
		if !errors.Is(err, ErrUnknownFlow) {
			t.Errorf("expected ErrUnknownFlow, got %v", err)
		}
		if !strings.Contains(err.Error(), "invoices") {
			t.Errorf("expected flow name in %q", err)
		}
	})

	t.Run("no flow file", func(t *testing.T) {
		t.Parallel()

		if _, err := NewConfig().SelectedFlows(); !errors.Is(err, ErrNoFlows) {
			t.Errorf("expected ErrNoFlows, got %v", err)
		}
	})
}

// TestLoadConfigFile tests reading the flow file.
func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("returns ErrConfigNotFound for non-existent file", func(t *testing.T) {
		t.Parallel()

		cfg, err := LoadConfigFile("/nonexistent/path/.harvest.yaml")
		if !errors.Is(err, ErrConfigNotFound) {
			t.Fatalf("expected ErrConfigNotFound, got: %v", err)
		}
		if cfg != nil {
			t.Error("expected nil config when file not found")
		}
	})

	t.Run("loads valid YAML config", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), DefaultConfigFile)
		content := `defaults:
  account: ops@example.com
  auth:
    type: static
    credential_env: ACME_SESSION
  paging:
    page_size: 100
    drain_timeout: 45s
flows:
  orders:
    platform: acme
    request:
      base_url: https://console.acme.test
      path: /api/orders
      headers:
        X-Tenant: "42"
    response:
      records_path: data.items
      key_field: id
      fields: [status, quantity]
    paging:
      mode: concurrent
      workers: 8
      stop_on_short_page: false
`
		if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		cfg, err := LoadConfigFile(configPath)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.Defaults.Paging.PageSize != 100 {
			t.Errorf("expected default page size 100, got %d", cfg.Defaults.Paging.PageSize)
		}
		if cfg.Defaults.Paging.DrainTimeout != 45*time.Second {
			t.Errorf("expected drain timeout 45s, got %v", cfg.Defaults.Paging.DrainTimeout)
		}

		flow, ok := cfg.Flows["orders"]
		if !ok {
			t.Fatal("expected orders in flows")
		}
		if flow.Request.Headers["X-Tenant"] != "42" {
			t.Error("expected X-Tenant header")
		}
		if len(flow.Response.Fields) != 2 {
			t.Errorf("expected 2 fields, got %d", len(flow.Response.Fields))
		}
		if flow.Paging.StopOnShortPage == nil || *flow.Paging.StopOnShortPage {
			t.Error("expected stop_on_short_page to be explicitly false")
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected file to validate, got %v", err)
		}
	})

	t.Run("rejects unknown keys", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), DefaultConfigFile)
		content := `flows:
  orders:
    plattform: acme
`
		if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		if _, err := LoadConfigFile(configPath); err == nil {
			t.Error("expected error for unknown key")
		}
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), DefaultConfigFile)
		if err := os.WriteFile(configPath, []byte(`invalid: yaml: content: [}`), 0o600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		if _, err := LoadConfigFile(configPath); err == nil {
			t.Error("expected error for invalid YAML")
		}
	})

	t.Run("empty file has no flows", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), DefaultConfigFile)
		if err := os.WriteFile(configPath, nil, 0o600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		cfg, err := LoadConfigFile(configPath)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.Flows == nil {
			t.Error("expected Flows map to be initialized")
		}
		if !errors.Is(cfg.Validate(), ErrNoFlows) {
			t.Error("expected ErrNoFlows")
		}
	})
}

// TestFindConfigFile tests the FindConfigFile function.
func TestFindConfigFile(t *testing.T) {
	t.Run("returns explicit path if exists", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "custom.yaml")
		if err := os.WriteFile(configPath, []byte("defaults: {}"), 0o600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		if result := FindConfigFile(configPath); result != configPath {
			t.Errorf("expected %q, got %q", configPath, result)
		}
	})

	t.Run("returns empty for non-existent explicit path", func(t *testing.T) {
		if result := FindConfigFile("/nonexistent/path/config.yaml"); result != "" {
			t.Errorf("expected empty string, got %q", result)
		}
	})

	t.Run("finds the file in the current directory", func(t *testing.T) {
		dir := t.TempDir()
		configPath := filepath.Join(dir, DefaultConfigFile)
		if err := os.WriteFile(configPath, []byte("flows: {}"), 0o600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}
		t.Chdir(dir)

		result := FindConfigFile("")
		if filepath.Base(result) != DefaultConfigFile || filepath.Dir(result) == "" {
			t.Errorf("expected %s in the current directory, got %q", DefaultConfigFile, result)
		}
	})
}

// TestXDGDirs tests XDG directory functions.
func TestXDGDirs(t *testing.T) {
	t.Parallel()

	for name, dir := range map[string]string{"data": XDGDataDir(), "config": XDGConfigDir()} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if dir == "" {
				t.Fatal("expected non-empty path")
			}
			if filepath.Base(dir) != AppName {
				t.Errorf("expected path to end with %q, got %q", AppName, dir)
			}
		})
	}
}
