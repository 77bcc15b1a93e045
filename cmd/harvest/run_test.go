package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/consoleharvest/internal/config"
	"github.com/nao1215/consoleharvest/internal/fetcher"
	"github.com/nao1215/consoleharvest/internal/model"
	"github.com/nao1215/consoleharvest/internal/pipeline"
	"github.com/nao1215/consoleharvest/internal/report"
)

// TestNewRunCmd tests the run command creation.
func TestNewRunCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRunCmd()

	tests := []struct {
		name      string
		shorthand string
		defValue  string
	}{
		{name: "parallel", shorthand: "p", defValue: "1"},
		{name: "database", defValue: config.DefaultDatabase},
		{name: "db-dir", defValue: config.XDGDataDir()},
		{name: "postgres-dsn", defValue: ""},
		{name: "postgres-schema", defValue: ""},
		{name: "report", shorthand: "r", defValue: config.DefaultReportFormat},
		{name: "output", shorthand: "o", defValue: ""},
		{name: "dry-run", defValue: "false"},
		{name: "shutdown-grace", defValue: config.DefaultShutdownGrace.String()},
	}

	for _, tt := range tests {
		flag := cmd.Flags().Lookup(tt.name)
		if flag == nil {
			t.Errorf("expected flag %q", tt.name)
			continue
		}
		if flag.Shorthand != tt.shorthand {
			t.Errorf("flag %q: expected shorthand %q, got %q", tt.name, tt.shorthand, flag.Shorthand)
		}
		if flag.DefValue != tt.defValue {
			t.Errorf("flag %q: expected default %q, got %q", tt.name, tt.defValue, flag.DefValue)
		}
	}
}

// TestLoadFlowFile tests locating the flow file.
func TestLoadFlowFile(t *testing.T) {
	t.Parallel()

	t.Run("explicit path missing", func(t *testing.T) {
		t.Parallel()
		_, err := loadFlowFile(filepath.Join(t.TempDir(), "missing.yaml"))
		if err == nil || !strings.Contains(err.Error(), "flow file not found") {
			t.Errorf("expected not found error, got %v", err)
		}
	})

	t.Run("explicit path loads", func(t *testing.T) {
		t.Parallel()
		path := writeFlowFile(t, "https://console.example", t.TempDir())
		file, err := loadFlowFile(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, ok := file.Flows["orders"]; !ok {
			t.Error("expected orders flow")
		}
	})
}

// TestOutcomeError tests summarizing failed flows.
func TestOutcomeError(t *testing.T) {
	t.Parallel()

	if err := outcomeError([]pipeline.Outcome{{Flow: "orders"}}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}

	errAuth := errors.New("login rejected")
	err := outcomeError([]pipeline.Outcome{
		{Flow: "orders"},
		{Flow: "stock", Err: errAuth},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, errAuth) {
		t.Errorf("expected wrapped flow error, got %v", err)
	}
	if !strings.Contains(err.Error(), "1 of 2 flows failed") {
		t.Errorf("unexpected message: %v", err)
	}
}

// TestOpenReportOutput tests the report destination.
func TestOpenReportOutput(t *testing.T) {
	t.Parallel()

	t.Run("defaults to out", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		w, closeFn, err := openReportOutput("", &buf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer closeFn()
		if w != &buf {
			t.Error("expected the given writer")
		}
	})

	t.Run("creates nested file", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "reports", "orders.txt")
		w, closeFn, err := openReportOutput(path, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := w.Write([]byte("report")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		closeFn()

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("expected report file: %v", err)
		}
		if perm := info.Mode().Perm(); perm != 0600 {
			t.Errorf("expected permissions 0600, got %o", perm)
		}
	})
}

// TestNewReportWriter tests report destinations and the stdout echo.
func TestNewReportWriter(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	summary := model.RunSummary{
		ID:          "run-1",
		Flow:        "orders",
		StartedAt:   start,
		EndedAt:     start.Add(time.Minute),
		Termination: model.TerminationEmptyPage,
	}

	t.Run("json to stdout", func(t *testing.T) {
		t.Parallel()
		cfg := config.NewConfig()
		cfg.ReportFormat = "json"

		var out bytes.Buffer
		w, closeFn, err := newReportWriter(cfg, &out)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer closeFn()
		if _, err := w.Write(summary); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		var rep report.JSONReport
		if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
			t.Fatalf("expected JSON on stdout: %v", err)
		}
		if rep.Run.Flow != "orders" {
			t.Errorf("expected flow orders, got %q", rep.Run.Flow)
		}
	})

	t.Run("file with text echo", func(t *testing.T) {
		t.Parallel()
		cfg := config.NewConfig()
		cfg.ReportFormat = "markdown"
		cfg.ReportFile = filepath.Join(t.TempDir(), "report.md")

		var out bytes.Buffer
		w, closeFn, err := newReportWriter(cfg, &out)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := w.Write(summary); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		closeFn()

		if !strings.Contains(out.String(), "HARVEST REPORT") {
			t.Errorf("expected text summary on stdout, got %q", out.String())
		}
		data, err := os.ReadFile(cfg.ReportFile)
		if err != nil {
			t.Fatalf("expected report file: %v", err)
		}
		if !strings.Contains(string(data), "orders") {
			t.Errorf("expected flow in markdown report, got %q", data)
		}
	})
}

// TestCheckProxies tests the proxy preflight.
func TestCheckProxies(t *testing.T) {
	t.Parallel()

	flows := []config.FlowConfig{
		testFlow("https://console.example"),
		testFlow("https://console.example"),
	}
	if err := checkProxies(t.Context(), []string{"orders", "stock"}, flows); err != nil {
		t.Errorf("expected no error without proxies, got %v", err)
	}

	flows[1].Request.Proxy = "not-a-proxy"
	err := checkProxies(t.Context(), []string{"orders", "stock"}, flows)
	if !errors.Is(err, fetcher.ErrInvalidProxyAddress) {
		t.Errorf("expected ErrInvalidProxyAddress, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "flow stock") {
		t.Errorf("expected the failing flow in the error, got %v", err)
	}
}

// newConsole starts a console that serves three orders in pages of two and
// requires the bearer token s3cret.
func newConsole(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var requests atomic.Int32
	orders := []map[string]any{
		{"po_number": "PO-1", "status": "open"},
		{"po_number": "PO-2", "status": "open"},
		{"po_number": "PO-3", "status": "closed"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var page int
		if _, err := fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page); err != nil || page < 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		start := min((page-1)*2, len(orders))
		end := min(start+2, len(orders))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": orders[start:end]})
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

// writeFlowFile writes a flow file for the orders flow and returns its path.
func writeFlowFile(t *testing.T, baseURL, dir string) string {
	t.Helper()

	content := fmt.Sprintf(`flows:
  orders:
    platform: acme
    account: ops@example.com
    auth:
      type: static
      credential: s3cret
    request:
      base_url: %s
      path: /api/orders
      credential_scheme: Bearer
    response:
      records_path: items
      key_field: po_number
      fields: [po_number, status]
    paging:
      page_size: 2
    output:
      csv: %s
`, baseURL, filepath.Join(dir, "orders.csv"))

	path := filepath.Join(dir, config.DefaultConfigFile)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write flow file: %v", err)
	}
	return path
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	if err != nil {
		t.Logf("stderr: %s", errOut.String())
	}
	return out.String(), err
}

// TestRunAndHistory tests harvesting a flow twice into SQLite and reading
// the run history back.
func TestRunAndHistory(t *testing.T) {
	srv, requests := newConsole(t)
	dir := t.TempDir()
	flowFile := writeFlowFile(t, srv.URL, dir)
	dbDir := filepath.Join(dir, "db")

	runOnce := func() report.JSONReport {
		t.Helper()
		out, err := execute(t, "run", "orders",
			"--config", flowFile,
			"--db-dir", dbDir,
			"--report", "json",
		)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		var rep report.JSONReport
		if err := json.NewDecoder(strings.NewReader(out)).Decode(&rep); err != nil {
			t.Fatalf("failed to decode report %q: %v", out, err)
		}
		return rep
	}

	first := runOnce()
	if first.Run.Flow != "orders" {
		t.Errorf("expected flow orders, got %q", first.Run.Flow)
	}
	if first.Run.RecordsEmitted != 3 {
		t.Errorf("expected 3 records emitted, got %d", first.Run.RecordsEmitted)
	}
	if first.Run.RecordsPersisted != 3 {
		t.Errorf("expected 3 records persisted, got %d", first.Run.RecordsPersisted)
	}
	if first.Run.Termination != model.TerminationShortPage {
		t.Errorf("expected %s, got %s", model.TerminationShortPage, first.Run.Termination)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("expected 2 requests, got %d", got)
	}

	second := runOnce()
	if second.Run.RecordsEmitted != 3 {
		t.Errorf("expected 3 records emitted, got %d", second.Run.RecordsEmitted)
	}
	if second.Run.RecordsPersisted != 0 {
		t.Errorf("expected unchanged records to be skipped, got %d persisted", second.Run.RecordsPersisted)
	}

	csv, err := os.ReadFile(filepath.Join(dir, "orders.csv"))
	if err != nil {
		t.Fatalf("expected csv output: %v", err)
	}
	for _, key := range []string{"PO-1", "PO-2", "PO-3"} {
		if strings.Count(string(csv), key) != 1 {
			t.Errorf("expected %s exactly once in csv:\n%s", key, csv)
		}
	}

	out, err := execute(t, "history", "orders", "--db-dir", dbDir, "--format", "json")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	var history report.JSONHistory
	if err := json.NewDecoder(strings.NewReader(out)).Decode(&history); err != nil {
		t.Fatalf("failed to decode history %q: %v", out, err)
	}
	if len(history.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(history.Runs))
	}
	if history.Runs[0].ID != second.Run.ID {
		t.Errorf("expected newest run first, got %s", history.Runs[0].ID)
	}
}

// TestRunDryRun tests that a dry run stores nothing.
func TestRunDryRun(t *testing.T) {
	srv, _ := newConsole(t)
	dir := t.TempDir()
	flowFile := writeFlowFile(t, srv.URL, dir)

	out, err := execute(t, "run", "--config", flowFile, "--dry-run")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(out, "HARVEST REPORT") {
		t.Errorf("expected text report, got %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "orders.csv")); !os.IsNotExist(err) {
		t.Errorf("expected no csv output in a dry run, got %v", err)
	}
}

// TestRunRejectedCredential tests that a flow whose login the console keeps
// rejecting fails the command.
func TestRunRejectedCredential(t *testing.T) {
	srv, _ := newConsole(t)
	dir := t.TempDir()
	flowFile := writeFlowFile(t, srv.URL, dir)

	content, err := os.ReadFile(flowFile)
	if err != nil {
		t.Fatal(err)
	}
	content = bytes.Replace(content, []byte("credential: s3cret"), []byte("credential: wrong"), 1)
	if err := os.WriteFile(flowFile, content, 0600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "run", "orders", "--config", flowFile, "--database", "memory")
	if err == nil {
		t.Fatal("expected error for rejected credential")
	}
	if !strings.Contains(out, "HARVEST REPORT") {
		t.Errorf("expected a report for the failed run, got %q", out)
	}
}

// TestRunUnknownFlow tests selecting a flow that is not in the file.
func TestRunUnknownFlow(t *testing.T) {
	dir := t.TempDir()
	flowFile := writeFlowFile(t, "https://console.example", dir)

	if _, err := execute(t, "run", "stock", "--config", flowFile, "--database", "memory"); err == nil {
		t.Error("expected error for unknown flow")
	}
}

// TestHistoryMemory tests that history refuses the memory backend.
func TestHistoryMemory(t *testing.T) {
	t.Parallel()

	if _, err := execute(t, "history", "--database", "memory"); !errors.Is(err, errNoHistory) {
		t.Errorf("expected errNoHistory, got %v", err)
	}
}
