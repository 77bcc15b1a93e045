package report

import (
	"io"
	"strconv"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/nao1215/consoleharvest/internal/model"
)

// MarkdownWriter outputs reports in Markdown format.
// Summaries are rendered with nao1215/markdown, with GitHub alerts for
// aborted runs and a mermaid pie chart of page outcomes.
type MarkdownWriter struct {
	baseWriter
	version string
}

// NewMarkdownWriter creates a MarkdownWriter that outputs to the given writer.
func NewMarkdownWriter(output io.Writer, version string) *MarkdownWriter {
	return &MarkdownWriter{
		baseWriter: newBaseWriter(output),
		version:    version,
	}
}

// Write outputs the run summary in Markdown format.
func (w *MarkdownWriter) Write(s model.RunSummary) (int, error) {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, s)
	w.writeAlert(md, s)
	w.writePages(md, s)
	w.writeRecords(md, s)
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

// WriteHistory outputs the runs as one table.
func (w *MarkdownWriter) WriteHistory(runs []model.RunSummary) (int, error) {
	md := markdown.NewMarkdown(w.output)

	md.H1("Harvest History")
	md.PlainText("")

	if len(runs) == 0 {
		md.PlainText("No harvest runs recorded.")
		md.PlainText("")
		return len(md.String()), md.Build()
	}

	rows := make([][]string, len(runs))
	for i, s := range runs {
		rows[i] = []string{
			"`" + shortID(s.ID) + "`",
			s.Flow,
			formatTime(s.StartedAt),
			string(s.Mode),
			strconv.Itoa(s.PagesAttempted),
			strconv.Itoa(s.RecordsPersisted),
			w.terminationText(s),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"Run", "Flow", "Started", "Mode", "Pages", "Persisted", "Termination"},
		Rows:   rows,
	})
	md.PlainText("")
	w.writeFooter(md)

	return len(md.String()), md.Build()
}

// writeHeader writes the report header with run information.
func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, s model.RunSummary) {
	md.H1("Harvest Report: " + s.Flow)
	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run ID", "`" + s.ID + "`"},
			{"Account", s.Account},
			{"Mode", string(s.Mode)},
			{"Started", formatTime(s.StartedAt)},
			{"Duration", formatDuration(s.Duration)},
			{"Status", w.terminationText(s)},
		},
	})
	md.PlainText("")
}

// terminationText returns the status text with a marker.
func (w *MarkdownWriter) terminationText(s model.RunSummary) string {
	if s.Aborted() {
		return "❌ " + string(s.Termination)
	}
	return "✅ " + string(s.Termination)
}

// writeAlert writes an alert matching how the run went.
func (w *MarkdownWriter) writeAlert(md *markdown.Markdown, s model.RunSummary) {
	switch {
	case s.Aborted():
		md.Cautionf("Run aborted with %s after %d page(s): %s",
			s.Termination, s.PagesAttempted, truncateString(s.Error, 200))
	case s.PagesFailed > 0:
		md.Warningf("%d page(s) failed and were skipped.", s.PagesFailed)
	case s.Anomalies > 0:
		md.Importantf("%d anomalous record(s) were reported.", s.Anomalies)
	default:
		md.Tip("Run completed without failed pages.")
	}
	md.PlainText("")
}

// writePages writes the page counters and a pie chart of page outcomes.
func (w *MarkdownWriter) writePages(md *markdown.Markdown, s model.RunSummary) {
	md.H2("Pages")
	md.PlainText("")

	total := "unknown"
	if s.TotalPages > 0 {
		total = strconv.Itoa(s.TotalPages)
	}
	md.Table(markdown.TableSet{
		Header: []string{"Pages", "Count"},
		Rows: [][]string{
			{"Attempted", strconv.Itoa(s.PagesAttempted)},
			{"With data", strconv.Itoa(s.DataPages)},
			{"Empty", strconv.Itoa(s.EmptyPages)},
			{"Failed", strconv.Itoa(s.PagesFailed)},
			{"Discarded", strconv.Itoa(s.DiscardedPages)},
			{"Total reported by platform", total},
			{"Peak in flight", strconv.Itoa(s.PeakInFlight)},
		},
	})
	md.PlainText("")

	if s.PagesAttempted > 0 {
		w.writePieChart(md, s)
	}
}

// writePieChart writes a mermaid pie chart for page outcomes.
func (w *MarkdownWriter) writePieChart(md *markdown.Markdown, s model.RunSummary) {
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Page Outcomes"),
		piechart.WithShowData(true),
	)

	if s.DataPages > 0 {
		chart.LabelAndIntValue("With data", uint64(s.DataPages))
	}
	if s.EmptyPages > 0 {
		chart.LabelAndIntValue("Empty", uint64(s.EmptyPages))
	}
	if s.PagesFailed > 0 {
		chart.LabelAndIntValue("Failed", uint64(s.PagesFailed))
	}
	if s.DiscardedPages > 0 {
		chart.LabelAndIntValue("Discarded", uint64(s.DiscardedPages))
	}

	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

// writeRecords writes the record counters.
func (w *MarkdownWriter) writeRecords(md *markdown.Markdown, s model.RunSummary) {
	md.H2("Records")
	md.PlainText("")

	md.Table(markdown.TableSet{
		Header: []string{"Records", "Count"},
		Rows: [][]string{
			{"Emitted", strconv.Itoa(s.RecordsEmitted)},
			{"Persisted", strconv.Itoa(s.RecordsPersisted)},
			{"Anomalies", strconv.Itoa(s.Anomalies)},
			{"Session refreshes", strconv.Itoa(s.Refreshes)},
			{"Throughput", strconv.FormatFloat(s.Throughput(), 'f', 1, 64) + " records/s"},
		},
	})
	md.PlainText("")
}

// writeFooter writes the report footer.
func (w *MarkdownWriter) writeFooter(md *markdown.Markdown) {
	md.HorizontalRule()
	md.PlainText("")
	if w.version != "" {
		md.PlainTextf("*Report generated by consoleharvest %s*", w.version)
		return
	}
	md.PlainText("*Report generated by consoleharvest*")
}
