package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nao1215/consoleharvest/internal/model"
	"github.com/nao1215/consoleharvest/internal/report"
)

// RunHistory stores finished runs.
type RunHistory interface {
	SaveSummary(ctx context.Context, summary model.RunSummary) error
}

// HistoryStep records every finished run in the run history, aborted runs
// included.
type HistoryStep struct {
	history RunHistory
	logger  *slog.Logger
}

// HistoryStepOption configures a HistoryStep.
type HistoryStepOption func(*HistoryStep)

// WithHistoryLogger sets a custom logger for the history step.
func WithHistoryLogger(logger *slog.Logger) HistoryStepOption {
	return func(s *HistoryStep) {
		s.logger = logger
	}
}

// NewHistoryStep creates a step that saves summaries to history.
func NewHistoryStep(history RunHistory, opts ...HistoryStepOption) *HistoryStep {
	s := &HistoryStep{
		history: history,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the step name.
func (s *HistoryStep) Name() string {
	return "history"
}

// Do saves the summary.
func (s *HistoryStep) Do(ctx context.Context, summary model.RunSummary) error {
	if err := s.history.SaveSummary(ctx, summary); err != nil {
		return fmt.Errorf("save run %s: %w", summary.ID, err)
	}
	s.logger.Debug("run saved", "flow", summary.Flow, "run_id", summary.ID)
	return nil
}

// ReportStep writes a report for every finished run. Flows harvested in
// parallel share one writer, so writes are serialized.
type ReportStep struct {
	mu     sync.Mutex
	writer report.Writer
}

// NewReportStep creates a step that writes summaries with w.
func NewReportStep(w report.Writer) *ReportStep {
	return &ReportStep{writer: w}
}

// Name returns the step name.
func (s *ReportStep) Name() string {
	return "report"
}

// Do writes the report.
func (s *ReportStep) Do(_ context.Context, summary model.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(summary); err != nil {
		return fmt.Errorf("write report for run %s: %w", summary.ID, err)
	}
	return nil
}
