package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/consoleharvest/internal/fetcher"
	"github.com/nao1215/consoleharvest/internal/model"
)

// Coordinator harvests one flow with a pool of fetch workers and a single
// persistence consumer.
//
// Pages are admitted through a sliding window: at most twice the worker
// count are admitted but unreleased, and one page is admitted per release.
// Completed pages are released in page order. Admission stops at the first
// empty page, at the discovered page count, at the cutoff, after a FATAL
// page or when the context is cancelled. Work already admitted runs to
// completion, bounded by the drain timeout. Pages that complete past the
// page where the run ended are discarded, so their records are never
// persisted.
//
// Workers hand records to the consumer through a bounded channel, so a slow
// store slows the workers down instead of growing memory. The consumer is the
// only goroutine that calls the Persister.
type Coordinator struct {
	pager
}

var _ Harvester = (*Coordinator)(nil)

// NewCoordinator creates a concurrent harvester for one account of a flow.
func NewCoordinator(flow, account string, f fetcher.PageFetcher, creds CredentialSource, persister Persister, opts ...Option) *Coordinator {
	return &Coordinator{
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

// stopSignal is closed once when admissions must stop.
type stopSignal struct {
	once    sync.Once
	ch      chan struct{}
	stopped atomic.Bool
}

func newStopSignal() *stopSignal {
	return &stopSignal{ch: make(chan struct{})}
}

// stop closes the signal and reports whether this call closed it.
func (s *stopSignal) stop() bool {
	first := false
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.ch)
		first = true
	})
	return first
}

func (s *stopSignal) done() <-chan struct{} {
	return s.ch
}

func (s *stopSignal) isStopped() bool {
	return s.stopped.Load()
}

// window tracks which pages may still be admitted.
type window struct {
	next   int
	end    int
	reason model.Termination
}

// bound lowers the exclusive upper page limit.
func (w *window) bound(page int, reason model.Termination) {
	if page < w.end {
		w.end = page
		w.reason = reason
	}
}

func (w *window) admissible() bool {
	return w.next < w.end
}

// Run harvests until the data ends or the run aborts. The returned run is
// always finished. The error is non-nil when the run aborted.
func (c *Coordinator) Run(ctx context.Context) (*model.HarvestRun, error) {
	s := c.settings
	run := model.NewHarvestRun(c.flow, c.account, model.ModeConcurrent)
	c.refreshes = refreshTracker{}
	logger := s.logger.With("flow", c.flow, "run_id", run.ID)

	capacity := 2 * s.workers
	logger.Info("harvest started",
		"mode", run.Mode,
		"workers", s.workers,
		"window", capacity,
		"page_size", s.pageSize,
	)

	jobs := make(chan int, capacity)
	completed := make(chan pageResult, capacity)
	results := make(chan []model.Record, s.channelSize)
	halt := newStopSignal()

	var abortMu sync.Mutex
	var abortErr error
	fail := func(reason model.Termination, err error) {
		abortMu.Lock()
		if abortErr == nil {
			abortErr = err
		}
		abortMu.Unlock()
		run.Terminate(reason, err)
		halt.stop()
	}

	// Workers only fetch. completed holds as many results as pages can be
	// in flight, so a send never blocks.
	var workers errgroup.Group
	for range s.workers {
		workers.Go(func() error {
			for pageNo := range jobs {
				completed <- c.fetchPage(ctx, run, pageNo)
			}
			return nil
		})
	}

	consumerStop := make(chan struct{})
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		c.consume(ctx, run, results, consumerStop, fail)
	}()

	win := &window{next: s.firstPage, end: math.MaxInt}
	if s.maxPages > 0 {
		win.bound(s.firstPage+s.maxPages, model.TerminationMaxPages)
	}

	drain := time.NewTimer(s.drainTimeout)
	drain.Stop()
	defer drain.Stop()
	draining := false
	abandoned := false
	startDrain := func(inFlight int) {
		if draining {
			return
		}
		draining = true
		drain.Reset(s.drainTimeout)
		logger.Info("stopping, waiting for in-flight pages", "in_flight", inFlight)
	}

	// inFlight counts pages admitted but not yet released. Results are
	// released in page order, so a bound found on page n is applied before
	// any page after n reaches the consumer.
	inFlight := 0
	pending := make(map[int]pageResult, capacity)
	nextRelease := s.firstPage

	admit := func() {
		for inFlight < capacity && !halt.isStopped() && win.admissible() {
			if err := ctx.Err(); err != nil {
				fail(model.TerminationCancelled, err)
				return
			}
			jobs <- win.next
			win.next++
			inFlight++
			run.ObserveInFlight(inFlight)
		}
	}

	// forward hands records to the consumer. It gives up only when the
	// drain timeout elapses.
	forward := func(records []model.Record) {
		for {
			if halt.isStopped() {
				startDrain(inFlight)
			}
			stopped, cancelled := halt.done(), ctx.Done()
			var expired <-chan time.Time
			if draining {
				stopped, cancelled = nil, nil
				expired = drain.C
			}
			select {
			case results <- records:
				return
			case <-expired:
				abandoned = true
				return
			case <-cancelled:
				fail(model.TerminationCancelled, ctx.Err())
			case <-stopped:
			}
		}
	}

	skipped := 0
	handle := func(res pageResult) {
		if res.page >= win.end {
			if res.ok() {
				run.PageDiscarded()
				logger.Debug("page past the end discarded", "page", res.page, "records", len(res.records))
			} else {
				run.PageFailed()
			}
			return
		}
		if !res.ok() {
			run.PageFailed()
			if !c.skippable(res) {
				win.bound(res.page, res.termination)
				fail(res.termination, res.err)
				return
			}
			skipped++
			logger.Warn("page skipped", "page", res.page, "error", res.err)
			if s.maxConsecutiveSkips > 0 && skipped >= s.maxConsecutiveSkips {
				win.bound(res.page+1, model.TerminationFatal)
				fail(model.TerminationFatal, fmt.Errorf("%w: %d in a row, last: %w", ErrTooManySkippedPages, skipped, res.err))
			}
			return
		}
		skipped = 0
		run.PageSucceeded(len(res.records))
		run.ObserveTotalPages(res.total)
		if res.total > 0 {
			win.bound(res.total+1, model.TerminationTotalPagesReached)
		}
		switch {
		case len(res.records) == 0:
			win.bound(res.page, model.TerminationEmptyPage)
			return
		case s.cutoff != nil && s.cutoff(res.page, model.Page{Records: res.records, TotalPages: res.total}):
			win.bound(res.page+1, model.TerminationCutoff)
		case s.stopOnShortPage && s.pageSize > 0 && len(res.records) < s.pageSize:
			win.bound(res.page+1, model.TerminationShortPage)
		}
		forward(res.records)
	}

	release := func(res pageResult) {
		pending[res.page] = res
		for !abandoned {
			next, ok := pending[nextRelease]
			if !ok {
				return
			}
			delete(pending, nextRelease)
			nextRelease++
			inFlight--
			handle(next)
		}
	}

	admit()

	for inFlight > 0 && !abandoned {
		if halt.isStopped() {
			startDrain(inFlight)
			select {
			case res := <-completed:
				release(res)
			case <-drain.C:
				abandoned = true
			}
			continue
		}

		select {
		case res := <-completed:
			release(res)
			admit()
		case <-ctx.Done():
			fail(model.TerminationCancelled, ctx.Err())
		case <-halt.done():
		}
	}
	close(jobs)

	if abandoned {
		// Pages still unreleased were attempted and produced nothing.
		for range inFlight {
			run.PageFailed()
		}
		logger.Warn("drain timeout elapsed, abandoning in-flight pages", "in_flight", inFlight)
	} else {
		_ = workers.Wait()
	}

	close(consumerStop)
	select {
	case <-consumerDone:
	case <-time.After(s.consumerTimeout):
		fail(model.TerminationStorage, fmt.Errorf("%w: consumer did not finish within %s",
			model.ErrStorageUnavailable, s.consumerTimeout))
		logger.Error("consumer timeout elapsed", "timeout", s.consumerTimeout)
	}

	reason := win.reason
	if reason == model.TerminationNone {
		reason = model.TerminationEmptyPage
	}
	run.Terminate(reason, nil)
	run.Finish()

	summary := run.Snapshot()
	if summary.Aborted() {
		abortMu.Lock()
		err := abortErr
		abortMu.Unlock()
		logger.Error("harvest aborted",
			"termination", summary.Termination,
			"pages", summary.PagesAttempted,
			"peak_in_flight", summary.PeakInFlight,
			"error", err,
		)
		return run, fmt.Errorf("flow %s: %w", c.flow, err)
	}
	logger.Info("harvest finished",
		"termination", summary.Termination,
		"pages", summary.PagesAttempted,
		"records", summary.RecordsEmitted,
		"persisted", summary.RecordsPersisted,
		"peak_in_flight", summary.PeakInFlight,
		"duration", run.Duration(),
	)
	return run, nil
}

// consume buffers records and persists them once the buffer reaches the
// threshold. It receives with a bounded timeout so that it notices stop even
// when no result arrives. On stop it drains the channel and flushes.
func (c *Coordinator) consume(ctx context.Context, run *model.HarvestRun, results <-chan []model.Record, stop <-chan struct{}, fail func(model.Termination, error)) {
	s := c.settings
	buffer := make([]model.Record, 0, s.bufferThreshold)
	failed := false

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		batch := buffer
		buffer = make([]model.Record, 0, s.bufferThreshold)
		if failed {
			s.logger.Warn("dropping batch after storage failure", "flow", c.flow, "records", len(batch))
			return
		}
		if err := c.persist(context.WithoutCancel(ctx), run, batch); err != nil {
			failed = true
			fail(model.TerminationStorage, err)
		}
	}

	timer := time.NewTimer(s.receiveTimeout)
	defer timer.Stop()

	for {
		timer.Reset(s.receiveTimeout)

		select {
		case records := <-results:
			buffer = append(buffer, records...)
			if len(buffer) >= s.bufferThreshold {
				flush()
			}
		case <-timer.C:
			select {
			case <-stop:
				for {
					select {
					case records := <-results:
						buffer = append(buffer, records...)
					default:
						flush()
						return
					}
				}
			default:
			}
		}
	}
}
