package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nao1215/consoleharvest/internal/model"
)

// AlertSink receives records flagged by an anomaly rule.
type AlertSink interface {
	Alert(ctx context.Context, rule string, records []model.Record) error
}

// Alert is the structured form of one flagged record.
type Alert struct {
	Rule      string            `json:"rule"`
	Platform  string            `json:"platform"`
	Key       string            `json:"key"`
	Fields    map[string]string `json:"fields"`
	FetchedAt time.Time         `json:"fetched_at"`
	RaisedAt  time.Time         `json:"raised_at"`
}

// JSONLinesAlerts writes one JSON object per flagged record.
type JSONLinesAlerts struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewJSONLinesAlerts writes alerts to w.
func NewJSONLinesAlerts(w io.Writer) *JSONLinesAlerts {
	return &JSONLinesAlerts{w: w, now: time.Now}
}

// OpenJSONLinesFile opens path for appending and returns the sink together
// with the file, which the caller closes.
func OpenJSONLinesFile(path string) (*JSONLinesAlerts, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, nil, fmt.Errorf("failed to create alert directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open alert file: %w", err)
	}
	return NewJSONLinesAlerts(f), f, nil
}

// Alert implements AlertSink.
func (j *JSONLinesAlerts) Alert(_ context.Context, rule string, records []model.Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	enc := json.NewEncoder(j.w)
	raised := j.now().UTC()
	for _, r := range records {
		if err := enc.Encode(Alert{
			Rule:      rule,
			Platform:  r.Platform,
			Key:       r.Key,
			Fields:    r.Fields,
			FetchedAt: r.FetchedAt,
			RaisedAt:  raised,
		}); err != nil {
			return fmt.Errorf("failed to write alert: %w", err)
		}
	}
	return nil
}

// LogAlerts logs a warning per flagged record.
type LogAlerts struct {
	Logger *slog.Logger
}

// Alert implements AlertSink.
func (l LogAlerts) Alert(ctx context.Context, rule string, records []model.Record) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, r := range records {
		logger.WarnContext(ctx, "anomaly detected",
			"rule", rule,
			"platform", r.Platform,
			"key", r.Key,
		)
	}
	return nil
}
