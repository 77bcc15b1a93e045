package report

import (
	"encoding/json"
	"io"

	"github.com/nao1215/consoleharvest/internal/model"
)

// JSONWriter outputs reports in JSON format for tool integration.
type JSONWriter struct {
	baseWriter

	// indent enables pretty-printed JSON output.
	indent bool

	// indentPrefix is the prefix for each line in indented output.
	indentPrefix string

	// indentString is the indentation string (typically "  " or "\t").
	indentString string

	// version is the harvest version recorded in every document.
	version string
}

// JSONWriterOption configures a JSONWriter.
type JSONWriterOption func(*JSONWriter)

// WithIndent enables pretty-printed JSON output.
// The prefix is prepended to each line, and indent is used for each level.
func WithIndent(prefix, indent string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.indent = true
		w.indentPrefix = prefix
		w.indentString = indent
	}
}

// WithPrettyPrint enables pretty-printed JSON with default indentation.
func WithPrettyPrint() JSONWriterOption {
	return WithIndent("", "  ")
}

// WithVersion records the harvest version in the output.
func WithVersion(version string) JSONWriterOption {
	return func(w *JSONWriter) {
		w.version = version
	}
}

// NewJSONWriter creates a JSONWriter that outputs to the given writer.
func NewJSONWriter(output io.Writer, opts ...JSONWriterOption) *JSONWriter {
	w := &JSONWriter{
		baseWriter: newBaseWriter(output),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// JSONRun is one run summary with derived values.
type JSONRun struct {
	model.RunSummary

	// Throughput is records emitted per second.
	Throughput float64 `json:"throughput"`

	// Aborted is true when the run stopped before the end of the data.
	Aborted bool `json:"aborted"`
}

// JSONReport wraps a single run with metadata.
type JSONReport struct {
	Version string  `json:"version,omitempty"`
	Run     JSONRun `json:"run"`
}

// JSONHistory wraps a list of runs with metadata.
type JSONHistory struct {
	Version string    `json:"version,omitempty"`
	Runs    []JSONRun `json:"runs"`
}

func newJSONRun(s model.RunSummary) JSONRun {
	return JSONRun{RunSummary: s, Throughput: s.Throughput(), Aborted: s.Aborted()}
}

// Write outputs the run summary in JSON format.
func (w *JSONWriter) Write(s model.RunSummary) (int, error) {
	return w.writeJSON(JSONReport{Version: w.version, Run: newJSONRun(s)})
}

// WriteHistory outputs the runs as one JSON document.
func (w *JSONWriter) WriteHistory(runs []model.RunSummary) (int, error) {
	out := JSONHistory{Version: w.version, Runs: make([]JSONRun, 0, len(runs))}
	for _, s := range runs {
		out.Runs = append(out.Runs, newJSONRun(s))
	}
	return w.writeJSON(out)
}

// writeJSON marshals the given value to JSON and writes it to the output.
func (w *JSONWriter) writeJSON(v any) (int, error) {
	var data []byte
	var err error

	if w.indent {
		data, err = json.MarshalIndent(v, w.indentPrefix, w.indentString)
	} else {
		data, err = json.Marshal(v)
	}

	if err != nil {
		return 0, err
	}

	// Add trailing newline for better terminal output
	data = append(data, '\n')

	return w.output.Write(data)
}
