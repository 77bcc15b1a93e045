package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nao1215/consoleharvest/internal/fetcher"
	"github.com/nao1215/consoleharvest/internal/model"
)

// ErrTooManySkippedPages aborts a run whose pages keep failing without a
// retryable cause.
var ErrTooManySkippedPages = errors.New("too many consecutive pages skipped")

// Harvester runs one harvest and always returns its run summary, also when
// the run aborted.
type Harvester interface {
	Run(ctx context.Context) (*model.HarvestRun, error)
}

// CredentialSource hands out sessions and refreshes rejected ones.
// credential.Store implements it.
type CredentialSource interface {
	GetAuth(ctx context.Context, account string) (model.Session, error)
	RefreshStale(ctx context.Context, stale model.Session) (model.Session, error)
}

// Persister receives batches of harvested records.
// sink.Chain implements it.
type Persister interface {
	Persist(ctx context.Context, records []model.Record) (model.BatchResult, error)
}

// Collector is a Persister that keeps every record in memory.
// It is used for dry runs and tests.
type Collector struct {
	mu      sync.Mutex
	records []model.Record
	batches int
}

// Persist implements Persister.
func (c *Collector) Persist(_ context.Context, records []model.Record) (model.BatchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, records...)
	c.batches++
	return model.BatchResult{Received: len(records), Persisted: len(records)}, nil
}

// Records returns the collected records in arrival order.
func (c *Collector) Records() []model.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Record, len(c.records))
	copy(out, c.records)
	return out
}

// Keys returns the natural keys of the collected records.
func (c *Collector) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, len(c.records))
	for i, r := range c.records {
		keys[i] = r.Key
	}
	return keys
}

// Batches returns how many Persist calls were made.
func (c *Collector) Batches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches
}

// pageResult is the outcome of one page after all retries.
type pageResult struct {
	page    int
	records []model.Record
	total   int
	class   model.Classification

	// termination is set when the page failure should end the run.
	termination model.Termination
	err         error
}

func (r pageResult) ok() bool {
	return r.class == model.ClassOK
}

// refreshTracker counts each refreshed generation once, however many
// workers were handed it.
type refreshTracker struct {
	mu   sync.Mutex
	seen map[uint64]struct{}
}

// record reports whether s is a generation no refresh returned before.
func (t *refreshTracker) record(s model.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen == nil {
		t.seen = make(map[uint64]struct{})
	}
	if _, ok := t.seen[s.Generation]; ok {
		return false
	}
	t.seen[s.Generation] = struct{}{}
	return true
}

// pager holds what both harvesters need to fetch one page.
type pager struct {
	flow      string
	account   string
	fetcher   fetcher.PageFetcher
	creds     CredentialSource
	persister Persister
	settings  settings
	refreshes refreshTracker
}

// fetchPage runs the per-page state machine:
// AUTH_INVALID refreshes the credential and retries the same page,
// TRANSIENT waits and retries, FATAL and MALFORMED end the attempt.
//
// The fetch itself uses a context detached from ctx so that a page already
// requested runs to completion; ctx still bounds waits and refreshes.
func (p *pager) fetchPage(ctx context.Context, run *model.HarvestRun, pageNo int) pageResult {
	logger := p.settings.logger.With("flow", p.flow, "page", pageNo)
	res := pageResult{page: pageNo}

	session, err := p.creds.GetAuth(ctx, p.account)
	if err != nil {
		return p.abort(ctx, res, model.ClassFatal, model.TerminationAuthFailed,
			fmt.Errorf("%w: %w", model.ErrAuthenticationFailed, err))
	}

	req := model.PageRequest{Number: pageNo, Size: p.settings.pageSize}
	fetchCtx := context.WithoutCancel(ctx)
	refreshed := 0
	transientFailures := 0

	for {
		out := fetcher.Attempt(fetchCtx, p.fetcher, session, req)

		switch out.Class {
		case model.ClassOK:
			res.class = model.ClassOK
			res.records = out.Page.Records
			res.total = out.Page.TotalPages
			logger.Debug("page fetched", "records", len(res.records), "latency", out.Latency)
			return res

		case model.ClassAuthInvalid:
			if refreshed >= p.settings.authAttempts {
				return p.abort(ctx, res, model.ClassAuthInvalid, model.TerminationAuthFailed,
					fmt.Errorf("%w: page %d still rejected after %d refreshes: %w",
						model.ErrAuthenticationFailed, pageNo, refreshed, out.Err))
			}
			logger.Info("session rejected, refreshing", "generation", session.Generation)

			next, err := p.creds.RefreshStale(ctx, session)
			if err != nil {
				return p.abort(ctx, res, model.ClassAuthInvalid, model.TerminationAuthFailed,
					fmt.Errorf("%w: %w", model.ErrAuthenticationFailed, err))
			}
			if p.refreshes.record(next) {
				run.AddRefresh()
			}
			session = next
			refreshed++

		case model.ClassTransient:
			transientFailures++
			if !p.settings.policy.Allow(transientFailures) {
				return p.abort(ctx, res, model.ClassTransient, model.TerminationTransient,
					fmt.Errorf("%w: page %d after %d attempts: %w",
						model.ErrTransientExhausted, pageNo, transientFailures, out.Err))
			}
			wait := p.settings.policy.Backoff(transientFailures)
			logger.Warn("transient failure, retrying", "attempt", transientFailures, "backoff", wait, "error", out.Err)
			if err := p.settings.policy.Wait(ctx, transientFailures); err != nil {
				return p.abort(ctx, res, model.ClassFatal, model.TerminationCancelled, err)
			}

		case model.ClassMalformed:
			logger.Warn("malformed page skipped", "error", out.Err)
			res.class = model.ClassMalformed
			res.err = out.Err
			return res

		default:
			return p.abort(ctx, res, model.ClassFatal, model.TerminationFatal, out.Err)
		}
	}
}

// abort fills res for a failed page. A cancelled ctx takes precedence over
// the failure that was observed.
func (p *pager) abort(ctx context.Context, res pageResult, class model.Classification, term model.Termination, err error) pageResult {
	if ctx.Err() != nil {
		term = model.TerminationCancelled
		if err == nil {
			err = ctx.Err()
		}
	}
	res.class = class
	res.termination = term
	res.err = err
	return res
}

// skippable reports whether a failed page may be skipped without ending
// the run.
func (p *pager) skippable(res pageResult) bool {
	switch {
	case res.class == model.ClassMalformed:
		return true
	case res.termination == model.TerminationTransient:
		return p.settings.skipExhaustedPages
	default:
		return false
	}
}

// persist hands records to the Persister and accounts for the result.
// It returns an error only when the run must abort.
func (p *pager) persist(ctx context.Context, run *model.HarvestRun, records []model.Record) error {
	if p.persister == nil || len(records) == 0 {
		return nil
	}
	result, err := p.persister.Persist(ctx, records)
	if err == nil {
		run.AddPersisted(result.Persisted, result.Anomalies)
		return nil
	}
	if !errors.Is(err, model.ErrStorageUnavailable) {
		err = fmt.Errorf("%w: %w", model.ErrStorageUnavailable, err)
	}
	if p.settings.continueOnStorageError {
		p.settings.logger.Error("batch not persisted, continuing",
			"flow", p.flow,
			"records", len(records),
			"error", err,
		)
		return nil
	}
	return err
}
