package model

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunMode names the orchestration strategy a run used.
type RunMode string

const (
	// ModeSequential runs exactly one page in flight, in page order.
	ModeSequential RunMode = "sequential"

	// ModeConcurrent runs a fetch worker pool with a single persistence lane.
	ModeConcurrent RunMode = "concurrent"
)

// HarvestRun summarizes one end-to-end execution of paginate + parse + persist
// for one account. It is created at pipeline start and finalized exactly once
// by Finish. Counters may be updated from several fetch workers, so every
// mutation goes through the methods below.
//
// Invariants after Finish:
//   - PagesSucceeded + PagesFailed == PagesAttempted
//   - RecordsEmitted is the sum of records returned by succeeded pages
//     that were not discarded
type HarvestRun struct {
	mu sync.Mutex

	ID      string  `json:"id"`
	Flow    string  `json:"flow"`
	Account string  `json:"account"`
	Mode    RunMode `json:"mode"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	PagesAttempted int `json:"pages_attempted"`
	PagesSucceeded int `json:"pages_succeeded"`
	PagesFailed    int `json:"pages_failed"`

	// DataPages counts succeeded pages that carried records,
	// EmptyPages the succeeded pages that carried none.
	DataPages  int `json:"data_pages"`
	EmptyPages int `json:"empty_pages"`

	// DiscardedPages counts pages that succeeded past the end of the data
	// and whose records were dropped. They count as succeeded.
	DiscardedPages int `json:"discarded_pages"`

	RecordsEmitted   int `json:"records_emitted"`
	RecordsPersisted int `json:"records_persisted"`
	Anomalies        int `json:"anomalies"`

	// Refreshes counts credential refreshes this run asked for.
	Refreshes int `json:"refreshes"`

	// TotalPages is the page count discovered from the platform, 0 if unknown.
	TotalPages int `json:"total_pages"`

	// PeakInFlight is the largest number of admitted, unfinished pages.
	PeakInFlight int `json:"peak_in_flight"`

	Termination Termination `json:"termination"`
	Error       string      `json:"error,omitempty"`

	finished bool
}

// NewHarvestRun starts a run for the given flow and account.
func NewHarvestRun(flow, account string, mode RunMode) *HarvestRun {
	return &HarvestRun{
		ID:        uuid.NewString(),
		Flow:      flow,
		Account:   account,
		Mode:      mode,
		StartedAt: time.Now(),
	}
}

// PageSucceeded records a page that was fetched and parsed.
func (r *HarvestRun) PageSucceeded(records int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PagesAttempted++
	r.PagesSucceeded++
	r.RecordsEmitted += records
	if records == 0 {
		r.EmptyPages++
	} else {
		r.DataPages++
	}
}

// PageDiscarded records a page that succeeded but lies past the page where
// the run ended. Its records are not emitted.
func (r *HarvestRun) PageDiscarded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PagesAttempted++
	r.PagesSucceeded++
	r.DiscardedPages++
}

// PageFailed records a page that was attempted but produced no records.
func (r *HarvestRun) PageFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PagesAttempted++
	r.PagesFailed++
}

// AddPersisted adds to the persisted-record and anomaly counters.
func (r *HarvestRun) AddPersisted(records, anomalies int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RecordsPersisted += records
	r.Anomalies += anomalies
}

// AddRefresh counts one credential refresh.
func (r *HarvestRun) AddRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Refreshes++
}

// ObserveTotalPages stores the platform's page count the first time it is seen.
func (r *HarvestRun) ObserveTotalPages(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if total > 0 && r.TotalPages == 0 {
		r.TotalPages = total
	}
}

// ObserveInFlight raises PeakInFlight if n exceeds it.
func (r *HarvestRun) ObserveInFlight(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > r.PeakInFlight {
		r.PeakInFlight = n
	}
}

// Terminate records the termination reason unless one is already set.
// The first reason wins.
func (r *HarvestRun) Terminate(reason Termination, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Termination != TerminationNone {
		return
	}
	r.Termination = reason
	if err != nil {
		r.Error = err.Error()
	}
}

// Finish stamps the end time. Calling it again has no effect.
func (r *HarvestRun) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true
	r.EndedAt = time.Now()
}

// Finished reports whether Finish has been called.
func (r *HarvestRun) Finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}

// Duration returns the run's wall time, or the time elapsed so far.
func (r *HarvestRun) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.EndedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Throughput returns emitted records per second.
func (r *HarvestRun) Throughput() float64 {
	d := r.Duration().Seconds()
	if d <= 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(r.RecordsEmitted) / d
}

// Snapshot returns a copy of the run that is safe to read without locking.
func (r *HarvestRun) Snapshot() RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	end := r.EndedAt
	if end.IsZero() {
		end = time.Now()
	}
	return RunSummary{
		ID:               r.ID,
		Flow:             r.Flow,
		Account:          r.Account,
		Mode:             r.Mode,
		StartedAt:        r.StartedAt,
		EndedAt:          r.EndedAt,
		Duration:         end.Sub(r.StartedAt),
		PagesAttempted:   r.PagesAttempted,
		PagesSucceeded:   r.PagesSucceeded,
		PagesFailed:      r.PagesFailed,
		DataPages:        r.DataPages,
		EmptyPages:       r.EmptyPages,
		DiscardedPages:   r.DiscardedPages,
		RecordsEmitted:   r.RecordsEmitted,
		RecordsPersisted: r.RecordsPersisted,
		Anomalies:        r.Anomalies,
		Refreshes:        r.Refreshes,
		TotalPages:       r.TotalPages,
		PeakInFlight:     r.PeakInFlight,
		Termination:      r.Termination,
		Error:            r.Error,
	}
}

// RunSummary is a lock-free copy of a HarvestRun used by reports and storage.
type RunSummary struct {
	ID               string        `json:"id"`
	Flow             string        `json:"flow"`
	Account          string        `json:"account"`
	Mode             RunMode       `json:"mode"`
	StartedAt        time.Time     `json:"started_at"`
	EndedAt          time.Time     `json:"ended_at"`
	Duration         time.Duration `json:"duration_ns"`
	PagesAttempted   int           `json:"pages_attempted"`
	PagesSucceeded   int           `json:"pages_succeeded"`
	PagesFailed      int           `json:"pages_failed"`
	DataPages        int           `json:"data_pages"`
	EmptyPages       int           `json:"empty_pages"`
	DiscardedPages   int           `json:"discarded_pages"`
	RecordsEmitted   int           `json:"records_emitted"`
	RecordsPersisted int           `json:"records_persisted"`
	Anomalies        int           `json:"anomalies"`
	Refreshes        int           `json:"refreshes"`
	TotalPages       int           `json:"total_pages"`
	PeakInFlight     int           `json:"peak_in_flight"`
	Termination      Termination   `json:"termination"`
	Error            string        `json:"error,omitempty"`
}

// Throughput returns emitted records per second.
func (s RunSummary) Throughput() float64 {
	if s.Duration <= 0 {
		return 0
	}
	return float64(s.RecordsEmitted) / s.Duration.Seconds()
}

// Aborted reports whether the run stopped before reaching the end of the data.
func (s RunSummary) Aborted() bool {
	return s.Termination.IsAbort()
}
