package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/nao1215/consoleharvest/internal/model"
)

// SimpleWriter outputs human-readable text reports for terminal display.
type SimpleWriter struct {
	baseWriter

	// verbose adds the concurrency and credential details.
	verbose bool
}

// SimpleWriterOption configures a SimpleWriter.
type SimpleWriterOption func(*SimpleWriter)

// WithVerbose enables verbose output with additional details.
func WithVerbose(verbose bool) SimpleWriterOption {
	return func(w *SimpleWriter) {
		w.verbose = verbose
	}
}

// NewSimpleWriter creates a SimpleWriter that outputs to the given writer.
func NewSimpleWriter(output io.Writer, opts ...SimpleWriterOption) *SimpleWriter {
	w := &SimpleWriter{
		baseWriter: newBaseWriter(output),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Write outputs the run summary in human-readable format.
func (w *SimpleWriter) Write(s model.RunSummary) (int, error) {
	var sb strings.Builder

	w.writeHeader(&sb, s)
	w.writePages(&sb, s)
	w.writeRecords(&sb, s)
	if w.verbose {
		w.writeDetails(&sb, s)
	}
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")

	return w.output.Write([]byte(sb.String()))
}

// WriteHistory outputs one line per run.
func (w *SimpleWriter) WriteHistory(runs []model.RunSummary) (int, error) {
	var sb strings.Builder

	if len(runs) == 0 {
		sb.WriteString("No harvest runs recorded.\n")
		return w.output.Write([]byte(sb.String()))
	}

	sb.WriteString(fmt.Sprintf("%-8s  %-16s  %-23s  %-10s  %6s  %8s  %s\n",
		"RUN", "FLOW", "STARTED", "MODE", "PAGES", "RECORDS", "TERMINATION"))
	for _, s := range runs {
		sb.WriteString(fmt.Sprintf("%-8s  %-16s  %-23s  %-10s  %6d  %8d  %s\n",
			shortID(s.ID),
			truncateString(s.Flow, 16),
			formatTime(s.StartedAt),
			s.Mode,
			s.PagesAttempted,
			s.RecordsPersisted,
			s.Termination,
		))
	}

	return w.output.Write([]byte(sb.String()))
}

// writeHeader writes the report header with run information.
func (w *SimpleWriter) writeHeader(sb *strings.Builder, s model.RunSummary) {
	sb.WriteString("\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n")
	sb.WriteString("                          HARVEST REPORT\n")
	sb.WriteString(strings.Repeat("=", 70))
	sb.WriteString("\n\n")

	sb.WriteString(fmt.Sprintf("Flow:      %s\n", s.Flow))
	sb.WriteString(fmt.Sprintf("Account:   %s\n", s.Account))
	sb.WriteString(fmt.Sprintf("Run ID:    %s\n", s.ID))
	sb.WriteString(fmt.Sprintf("Mode:      %s\n", s.Mode))
	sb.WriteString(fmt.Sprintf("Started:   %s\n", formatTime(s.StartedAt)))
	sb.WriteString(fmt.Sprintf("Duration:  %s\n", formatDuration(s.Duration)))
	sb.WriteString(fmt.Sprintf("Status:    %s\n", statusText(s)))
	sb.WriteString("\n")
}

// writePages writes the page counters.
func (w *SimpleWriter) writePages(sb *strings.Builder, s model.RunSummary) {
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("PAGES\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("  Attempted:  %d\n", s.PagesAttempted))
	sb.WriteString(fmt.Sprintf("  Succeeded:  %d (%d with data, %d empty)\n", s.PagesSucceeded, s.DataPages, s.EmptyPages))
	sb.WriteString(fmt.Sprintf("  Failed:     %d\n", s.PagesFailed))
	if s.DiscardedPages > 0 {
		sb.WriteString(fmt.Sprintf("  Discarded:  %d (past the last page)\n", s.DiscardedPages))
	}
	sb.WriteString("\n")
}

// writeRecords writes the record counters.
func (w *SimpleWriter) writeRecords(sb *strings.Builder, s model.RunSummary) {
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("RECORDS\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("  Emitted:    %d\n", s.RecordsEmitted))
	sb.WriteString(fmt.Sprintf("  Persisted:  %d\n", s.RecordsPersisted))
	sb.WriteString(fmt.Sprintf("  Anomalies:  %d\n", s.Anomalies))
	sb.WriteString(fmt.Sprintf("  Throughput: %.1f records/s\n", s.Throughput()))
	sb.WriteString("\n")
}

// writeDetails writes the verbose-only section.
func (w *SimpleWriter) writeDetails(sb *strings.Builder, s model.RunSummary) {
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")
	sb.WriteString("DETAILS\n")
	sb.WriteString(strings.Repeat("-", 70))
	sb.WriteString("\n")

	total := "unknown"
	if s.TotalPages > 0 {
		total = fmt.Sprintf("%d", s.TotalPages)
	}
	sb.WriteString(fmt.Sprintf("  Total pages:       %s\n", total))
	sb.WriteString(fmt.Sprintf("  Peak in flight:    %d\n", s.PeakInFlight))
	sb.WriteString(fmt.Sprintf("  Session refreshes: %d\n", s.Refreshes))
	sb.WriteString("\n")
}
