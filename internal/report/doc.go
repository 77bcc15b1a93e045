// Package report renders harvest run summaries.
//
// This package contains writers for different output formats:
//   - SimpleWriter: Human-readable text output for terminal display
//   - JSONWriter: Structured JSON output for tool integration
//   - MarkdownWriter: Markdown for sharing run results in tickets and chats
//
// Writers render model.RunSummary values, so they work the same for a run
// that just finished and for one loaded from the run history.
package report
