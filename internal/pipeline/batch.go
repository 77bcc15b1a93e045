package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/consoleharvest/internal/model"
)

// DefaultFlowConcurrency is how many flows run at the same time.
const DefaultFlowConcurrency = 1

// Job is one flow to harvest.
type Job struct {
	Flow      string
	Harvester Harvester
}

// Outcome is the result of one Job. Run is never nil once the harvester has
// started, also when Err is set.
type Outcome struct {
	Flow string
	Run  *model.HarvestRun
	Err  error
}

// BatchProcessor harvests several flows, each with its own harvester.
// Flows are independent: a failed flow does not stop the others.
type BatchProcessor struct {
	// concurrency is the maximum number of flows running at once.
	concurrency int

	// finalizer, when set, runs for every finished flow.
	finalizer *Finalizer

	logger *slog.Logger
}

// BatchOption configures a BatchProcessor.
type BatchOption func(*BatchProcessor)

// WithBatchLogger sets a custom logger for batch processing.
func WithBatchLogger(logger *slog.Logger) BatchOption {
	return func(b *BatchProcessor) {
		b.logger = logger
	}
}

// WithConcurrency sets the maximum number of flows running at once.
func WithConcurrency(n int) BatchOption {
	return func(b *BatchProcessor) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithFinalizer runs f after every flow, aborted or not.
func WithFinalizer(f *Finalizer) BatchOption {
	return func(b *BatchProcessor) {
		b.finalizer = f
	}
}

// NewBatchProcessor creates a BatchProcessor.
func NewBatchProcessor(opts ...BatchOption) *BatchProcessor {
	bp := &BatchProcessor{
		concurrency: DefaultFlowConcurrency,
	}
	for _, opt := range opts {
		opt(bp)
	}
	if bp.logger == nil {
		bp.logger = slog.Default()
	}
	return bp
}

// ProcessBatch harvests every job and returns the outcomes in job order.
// Jobs not started because ctx was cancelled have a nil Run and ctx's error.
func (bp *BatchProcessor) ProcessBatch(ctx context.Context, jobs []Job) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	bp.ProcessBatchWithCallback(ctx, jobs, func(o Outcome, index int) {
		outcomes[index] = o
	})
	return outcomes
}

// ProcessBatchWithCallback harvests every job and calls callback with each
// outcome as soon as its flow finished. callback runs on the flow's
// goroutine; distinct indexes never race, shared state must be guarded.
func (bp *BatchProcessor) ProcessBatchWithCallback(ctx context.Context, jobs []Job, callback func(o Outcome, index int)) {
	bp.logger.Info("starting batch",
		"flows", len(jobs),
		"concurrency", bp.concurrency,
	)
	startTime := time.Now()

	var g errgroup.Group
	g.SetLimit(bp.concurrency)

	for i, job := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				callback(Outcome{Flow: job.Flow, Err: err}, i)
				return nil
			}

			run, err := job.Harvester.Run(ctx)
			if err != nil {
				bp.logger.Warn("flow failed", "flow", job.Flow, "error", err)
			}
			if run != nil && bp.finalizer != nil {
				if ferr := bp.finalizer.Execute(ctx, run.Snapshot()); ferr != nil {
					bp.logger.Error("finalizing flow failed", "flow", job.Flow, "error", ferr)
				}
			}
			callback(Outcome{Flow: job.Flow, Run: run, Err: err}, i)
			return nil
		})
	}
	_ = g.Wait()

	bp.logger.Info("batch complete",
		"flows", len(jobs),
		"elapsed", time.Since(startTime),
	)
}
