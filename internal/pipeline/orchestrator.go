package pipeline

import (
	"context"
	"fmt"

	"github.com/nao1215/consoleharvest/internal/fetcher"
	"github.com/nao1215/consoleharvest/internal/model"
)

// Orchestrator harvests one flow sequentially: exactly one page is in
// flight, pages are requested in increasing order and each non-empty page is
// persisted before the next one is requested.
type Orchestrator struct {
	pager
}

var _ Harvester = (*Orchestrator)(nil)

// NewOrchestrator creates a sequential harvester for one account of a flow.
// persister may be nil, in which case records are counted but not stored.
func NewOrchestrator(flow, account string, f fetcher.PageFetcher, creds CredentialSource, persister Persister, opts ...Option) *Orchestrator {
	return &Orchestrator{
		pager: pager{
			flow:      flow,
			account:   account,
			fetcher:   f,
			creds:     creds,
			persister: persister,
			settings:  newSettings(opts),
		},
	}
}

// Run harvests until the data ends or the run aborts. The returned run is
// always finished. The error is non-nil when the run aborted.
func (o *Orchestrator) Run(ctx context.Context) (*model.HarvestRun, error) {
	run := model.NewHarvestRun(o.flow, o.account, model.ModeSequential)
	o.refreshes = refreshTracker{}
	logger := o.settings.logger.With("flow", o.flow, "run_id", run.ID)
	logger.Info("harvest started", "mode", run.Mode, "page_size", o.settings.pageSize)

	reason, err := o.loop(ctx, run)
	run.Terminate(reason, err)
	run.Finish()

	summary := run.Snapshot()
	if summary.Aborted() {
		logger.Error("harvest aborted",
			"termination", summary.Termination,
			"pages", summary.PagesAttempted,
			"error", err,
		)
		return run, fmt.Errorf("flow %s: %w", o.flow, err)
	}
	logger.Info("harvest finished",
		"termination", summary.Termination,
		"pages", summary.PagesAttempted,
		"records", summary.RecordsEmitted,
		"persisted", summary.RecordsPersisted,
		"duration", run.Duration(),
	)
	return run, nil
}

// loop walks the pages and returns why it stopped.
func (o *Orchestrator) loop(ctx context.Context, run *model.HarvestRun) (model.Termination, error) {
	s := o.settings
	skipped := 0
	total := 0

	for pageNo := s.firstPage; ; pageNo++ {
		if err := ctx.Err(); err != nil {
			return model.TerminationCancelled, err
		}
		if s.maxPages > 0 && pageNo >= s.firstPage+s.maxPages {
			return model.TerminationMaxPages, nil
		}

		run.ObserveInFlight(1)
		res := o.fetchPage(ctx, run, pageNo)

		if !res.ok() {
			run.PageFailed()
			if !o.skippable(res) {
				return res.termination, res.err
			}
			skipped++
			if s.maxConsecutiveSkips > 0 && skipped >= s.maxConsecutiveSkips {
				return model.TerminationFatal, fmt.Errorf("%w: %d in a row, last: %w", ErrTooManySkippedPages, skipped, res.err)
			}
			s.logger.Warn("page skipped", "flow", o.flow, "page", pageNo, "error", res.err)
			continue
		}
		skipped = 0

		run.PageSucceeded(len(res.records))
		run.ObserveTotalPages(res.total)
		if total == 0 {
			total = res.total
		}
		if len(res.records) == 0 {
			return model.TerminationEmptyPage, nil
		}

		if err := o.persist(ctx, run, res.records); err != nil {
			return model.TerminationStorage, err
		}

		switch {
		case s.cutoff != nil && s.cutoff(pageNo, model.Page{Records: res.records, TotalPages: res.total}):
			return model.TerminationCutoff, nil
		case s.stopOnShortPage && s.pageSize > 0 && len(res.records) < s.pageSize:
			return model.TerminationShortPage, nil
		case total > 0 && pageNo >= total:
			return model.TerminationTotalPagesReached, nil
		}
	}
}
