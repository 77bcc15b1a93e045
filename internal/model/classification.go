package model

// Classification is the verdict a PageFetcher gives a raw response.
// Only this value crosses from the fetch boundary into orchestration logic;
// raw transport and parse errors never do.
type Classification int

const (
	// ClassOK means the response carries usable data.
	ClassOK Classification = iota

	// ClassAuthInvalid means the session was rejected (expired cookie,
	// login page served instead of data, explicit auth error code).
	// The credential must be refreshed before the page is retried.
	ClassAuthInvalid

	// ClassTransient means the failure is expected to go away on retry
	// (timeouts, connection resets, rate limiting, 5xx).
	ClassTransient

	// ClassFatal means retrying cannot help and the run must stop.
	ClassFatal

	// ClassMalformed means the response was classified OK but could not be
	// parsed. The page is skipped and the run continues.
	ClassMalformed
)

// String returns the upper-case name used in logs and reports.
func (c Classification) String() string {
	switch c {
	case ClassOK:
		return "OK"
	case ClassAuthInvalid:
		return "AUTH_INVALID"
	case ClassTransient:
		return "TRANSIENT"
	case ClassFatal:
		return "FATAL"
	case ClassMalformed:
		return "MALFORMED"
	default:
		return "UNKNOWN"
	}
}

// Termination records why a harvest run stopped paging.
type Termination string

// Termination reasons. The first five are normal end-of-data signals,
// the rest are aborts.
const (
	TerminationNone              Termination = ""
	TerminationEmptyPage         Termination = "EMPTY_PAGE"
	TerminationShortPage         Termination = "SHORT_PAGE"
	TerminationTotalPagesReached Termination = "TOTAL_PAGES_REACHED"
	TerminationCutoff            Termination = "CUTOFF"
	TerminationMaxPages          Termination = "MAX_PAGES"
	TerminationAuthFailed        Termination = "AUTH_FAILED"
	TerminationTransient         Termination = "TRANSIENT_EXHAUSTED"
	TerminationFatal             Termination = "FATAL"
	TerminationStorage           Termination = "STORAGE_UNAVAILABLE"
	TerminationCancelled         Termination = "CANCELLED"
)

// IsAbort reports whether the termination reason means the run stopped
// before reaching the end of the data.
func (t Termination) IsAbort() bool {
	switch t {
	case TerminationAuthFailed, TerminationTransient, TerminationFatal,
		TerminationStorage, TerminationCancelled:
		return true
	default:
		return false
	}
}
