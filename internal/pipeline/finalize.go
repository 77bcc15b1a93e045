package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nao1215/consoleharvest/internal/model"
)

// Step is work done with a finished run, such as recording it in history or
// writing a report. Steps run in the order they were added.
type Step interface {
	// Do executes the step for one run summary.
	Do(ctx context.Context, summary model.RunSummary) error

	// Name returns the step's name for logging purposes.
	Name() string
}

// StepFunc adapts a function to a Step.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, summary model.RunSummary) error
}

// Do implements Step.
func (s StepFunc) Do(ctx context.Context, summary model.RunSummary) error {
	return s.Fn(ctx, summary)
}

// Name implements Step.
func (s StepFunc) Name() string {
	return s.StepName
}

// Finalizer runs post-run steps for every finished harvest.
type Finalizer struct {
	steps []Step

	logger *slog.Logger

	// continueOnError keeps running later steps after one failed.
	continueOnError bool
}

// FinalizerOption configures a Finalizer.
type FinalizerOption func(*Finalizer)

// WithFinalizerLogger sets a custom logger for the finalizer.
func WithFinalizerLogger(logger *slog.Logger) FinalizerOption {
	return func(f *Finalizer) {
		f.logger = logger
	}
}

// WithContinueOnError keeps executing steps after one fails. A report
// that cannot be written should not keep the run out of history.
func WithContinueOnError(continueOnError bool) FinalizerOption {
	return func(f *Finalizer) {
		f.continueOnError = continueOnError
	}
}

// NewFinalizer creates a Finalizer without steps.
func NewFinalizer(opts ...FinalizerOption) *Finalizer {
	f := &Finalizer{
		steps: make([]Step, 0),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// AddStep appends a step.
func (f *Finalizer) AddStep(step Step) {
	f.steps = append(f.steps, step)
}

// AddSteps appends multiple steps.
func (f *Finalizer) AddSteps(steps ...Step) {
	f.steps = append(f.steps, steps...)
}

// Execute runs every step for summary. Steps run even when ctx is already
// cancelled, since a cancelled run still has a summary worth keeping; each
// step gets a context detached from cancellation.
//
// With continueOnError, the errors of all failed steps are joined.
func (f *Finalizer) Execute(ctx context.Context, summary model.RunSummary) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error

	for _, step := range f.steps {
		f.logger.Debug("executing step",
			"step", step.Name(),
			"flow", summary.Flow,
			"run_id", summary.ID,
		)

		if err := step.Do(ctx, summary); err != nil {
			f.logger.Error("step failed",
				"step", step.Name(),
				"flow", summary.Flow,
				"run_id", summary.ID,
				"error", err,
			)
			if !f.continueOnError {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StepCount returns the number of steps.
func (f *Finalizer) StepCount() int {
	return len(f.steps)
}

// StepNames returns the names of all steps in execution order.
func (f *Finalizer) StepNames() []string {
	names := make([]string, len(f.steps))
	for i, step := range f.steps {
		names[i] = step.Name()
	}
	return names
}
