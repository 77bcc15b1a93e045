// Package fetchertest provides a scripted PageFetcher for tests.
package fetchertest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nao1215/consoleharvest/internal/fetcher"
	"github.com/nao1215/consoleharvest/internal/model"
)

// stepHeader carries the index of the scripted step through a Response.
const stepHeader = "X-Fetchertest-Step"

// ErrTransport is the error Fetch returns for Transient steps.
var ErrTransport = errors.New("fetchertest: connection reset")

// Step is one scripted reply.
type Step struct {
	// Records and TotalPages are returned for OK steps.
	Records    []model.Record
	TotalPages int

	// Class is what Classify reports for this step.
	Class model.Classification

	// Err, when set, is returned by Fetch instead of a response.
	Err error

	// Malformed makes Parse fail.
	Malformed bool

	// Delay holds the fetch for this long, honoring ctx.
	Delay time.Duration

	// Hold, when non-nil, is received from before the fetch returns.
	// It ignores ctx, like a connection that stopped responding.
	Hold <-chan struct{}
}

// Call records one Fetch invocation.
type Call struct {
	Page       int
	Size       int
	Generation uint64
}

// Script is a PageFetcher whose replies are scripted per page number.
// Each page has a queue of steps; the last step repeats once the queue is
// exhausted. Pages without a script return an empty page.
// Script is safe for concurrent use.
type Script struct {
	mu     sync.Mutex
	pages  map[int][]Step
	served map[int]int
	steps  []Step
	calls  []Call

	inFlight int
	peak     int

	// Gate, when non-nil, is received from before every fetch returns.
	Gate chan struct{}
}

// NewScript creates an empty Script.
func NewScript() *Script {
	return &Script{
		pages:  make(map[int][]Step),
		served: make(map[int]int),
	}
}

// On appends steps for a page number and returns the Script.
func (s *Script) On(page int, steps ...Step) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page] = append(s.pages[page], steps...)
	return s
}

// Pages scripts consecutive OK pages starting at page 1.
func (s *Script) Pages(pages ...[]model.Record) *Script {
	for i, records := range pages {
		s.On(i+1, OK(records...))
	}
	return s
}

// OK is a successful step returning records.
func OK(records ...model.Record) Step {
	return Step{Class: model.ClassOK, Records: records}
}

// AuthInvalid is a step the platform rejects as unauthenticated.
func AuthInvalid() Step {
	return Step{Class: model.ClassAuthInvalid}
}

// Transient is a step that fails with a retryable transport error.
func Transient() Step {
	return Step{Class: model.ClassTransient, Err: ErrTransport}
}

// Fatal is a step the platform rejects permanently.
func Fatal() Step {
	return Step{Class: model.ClassFatal}
}

// Malformed is a step whose body cannot be parsed.
func Malformed() Step {
	return Step{Class: model.ClassOK, Malformed: true}
}

// Records builds records for platform with the given keys. Each record has a
// "title" field equal to its key.
func Records(platform string, keys ...string) []model.Record {
	records := make([]model.Record, 0, len(keys))
	for _, key := range keys {
		records = append(records, model.Record{
			Platform: platform,
			Key:      key,
			Fields:   map[string]string{"title": key},
		})
	}
	return records
}

// Fetch implements fetcher.PageFetcher.
func (s *Script) Fetch(ctx context.Context, session model.Session, req model.PageRequest) (*fetcher.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Page: req.Number, Size: req.Size, Generation: session.Generation})
	step := s.next(req.Number)
	s.steps = append(s.steps, step)
	index := len(s.steps) - 1
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if step.Hold != nil {
		<-step.Hold
	}

	if step.Err != nil {
		return nil, step.Err
	}

	header := http.Header{}
	header.Set(stepHeader, strconv.Itoa(index))
	return &fetcher.Response{StatusCode: http.StatusOK, Header: header}, nil
}

// next pops the step for page. Caller holds s.mu.
func (s *Script) next(page int) Step {
	queue := s.pages[page]
	if len(queue) == 0 {
		return OK()
	}
	n := s.served[page]
	s.served[page] = n + 1
	if n >= len(queue) {
		n = len(queue) - 1
	}
	return queue[n]
}

func (s *Script) stepFor(resp *fetcher.Response) (Step, error) {
	index, err := strconv.Atoi(resp.Header.Get(stepHeader))
	if err != nil {
		return Step{}, fmt.Errorf("fetchertest: response not produced by this script: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.steps) {
		return Step{}, fmt.Errorf("fetchertest: unknown step %d", index)
	}
	return s.steps[index], nil
}

// Classify implements fetcher.PageFetcher.
func (s *Script) Classify(resp *fetcher.Response) model.Classification {
	step, err := s.stepFor(resp)
	if err != nil {
		return model.ClassFatal
	}
	return step.Class
}

// Parse implements fetcher.PageFetcher.
func (s *Script) Parse(resp *fetcher.Response) (model.Page, error) {
	step, err := s.stepFor(resp)
	if err != nil {
		return model.Page{}, err
	}
	if step.Malformed {
		return model.Page{}, errors.New("fetchertest: unexpected end of JSON input")
	}
	return model.Page{Records: step.Records, TotalPages: step.TotalPages}, nil
}

// Calls returns every Fetch invocation in order.
func (s *Script) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns the number of Fetch invocations.
func (s *Script) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// PagesRequested returns the requested page numbers in call order.
func (s *Script) PagesRequested() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages := make([]int, len(s.calls))
	for i, c := range s.calls {
		pages[i] = c.Page
	}
	return pages
}

// PeakInFlight returns the highest number of concurrent Fetch calls seen.
func (s *Script) PeakInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}
