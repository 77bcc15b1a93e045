package pipeline

import (
	"log/slog"
	"time"

	"github.com/nao1215/consoleharvest/internal/model"
	"github.com/nao1215/consoleharvest/internal/retry"
)

// Defaults shared by the Orchestrator and the Coordinator.
const (
	DefaultAuthAttempts        = 3
	DefaultWorkers             = 4
	DefaultBufferThreshold     = 50
	DefaultChannelSize         = 64
	DefaultDrainTimeout        = 60 * time.Second
	DefaultConsumerTimeout     = 30 * time.Second
	DefaultReceiveTimeout      = 500 * time.Millisecond
	DefaultMaxConsecutiveSkips = 10
)

// CutoffFunc decides from a parsed page that no later page is wanted,
// for example because its records are older than the harvest window.
// The page itself is still persisted.
type CutoffFunc func(page int, p model.Page) bool

// settings holds the knobs common to both harvesters.
type settings struct {
	logger *slog.Logger
	policy retry.Policy

	authAttempts int
	firstPage    int
	pageSize     int
	maxPages     int

	stopOnShortPage        bool
	skipExhaustedPages     bool
	continueOnStorageError bool
	maxConsecutiveSkips    int
	cutoff                 CutoffFunc

	workers         int
	bufferThreshold int
	channelSize     int
	drainTimeout    time.Duration
	consumerTimeout time.Duration
	receiveTimeout  time.Duration
}

func defaultSettings() settings {
	return settings{
		policy:              retry.DefaultPolicy(),
		authAttempts:        DefaultAuthAttempts,
		firstPage:           1,
		maxConsecutiveSkips: DefaultMaxConsecutiveSkips,
		workers:             DefaultWorkers,
		bufferThreshold:     DefaultBufferThreshold,
		channelSize:         DefaultChannelSize,
		drainTimeout:        DefaultDrainTimeout,
		consumerTimeout:     DefaultConsumerTimeout,
		receiveTimeout:      DefaultReceiveTimeout,
	}
}

func newSettings(opts []Option) settings {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Option configures an Orchestrator or a Coordinator.
// Options that only make sense for one of them are ignored by the other.
type Option func(*settings)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithRetryPolicy sets the policy for TRANSIENT failures.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *settings) {
		s.policy = p
	}
}

// WithAuthAttempts sets how many credential refreshes one page may trigger
// before the run aborts.
func WithAuthAttempts(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.authAttempts = n
		}
	}
}

// WithFirstPage sets the first page number. Default 1.
func WithFirstPage(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.firstPage = n
		}
	}
}

// WithPageSize sets the page size sent to the platform.
func WithPageSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithMaxPages caps the number of pages requested. Zero means no cap.
func WithMaxPages(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.maxPages = n
		}
	}
}

// WithStopOnShortPage ends the run after a page with fewer records than the
// page size. It has no effect without WithPageSize.
func WithStopOnShortPage(stop bool) Option {
	return func(s *settings) {
		s.stopOnShortPage = stop
	}
}

// WithSkipExhaustedPages skips a page whose TRANSIENT retries ran out
// instead of aborting the run.
func WithSkipExhaustedPages(skip bool) Option {
	return func(s *settings) {
		s.skipExhaustedPages = skip
	}
}

// WithContinueOnStorageError keeps harvesting after a batch failed with
// model.ErrStorageUnavailable. The failed batch is not retried.
func WithContinueOnStorageError(cont bool) Option {
	return func(s *settings) {
		s.continueOnStorageError = cont
	}
}

// WithMaxConsecutiveSkips aborts a sequential run after this many pages in
// a row were skipped. Zero disables the limit.
func WithMaxConsecutiveSkips(n int) Option {
	return func(s *settings) {
		if n >= 0 {
			s.maxConsecutiveSkips = n
		}
	}
}

// WithCutoff sets the cutoff predicate.
func WithCutoff(fn CutoffFunc) Option {
	return func(s *settings) {
		s.cutoff = fn
	}
}

// WithWorkers sets the Coordinator's fetch worker count.
func WithWorkers(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithBufferThreshold sets how many records the Coordinator's consumer
// buffers before persisting.
func WithBufferThreshold(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.bufferThreshold = n
		}
	}
}

// WithChannelSize sets the capacity of the Coordinator's result channel.
func WithChannelSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.channelSize = n
		}
	}
}

// WithDrainTimeout bounds how long a stopping Coordinator waits for
// in-flight pages.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithConsumerTimeout bounds how long the Coordinator waits for its
// consumer to flush after the last page.
func WithConsumerTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.consumerTimeout = d
		}
	}
}

// WithReceiveTimeout sets how long the consumer blocks on the result
// channel before re-checking its stop signal.
func WithReceiveTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.receiveTimeout = d
		}
	}
}
