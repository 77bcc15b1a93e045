package config

import (
	"errors"
	"fmt"
)

// Configuration validation errors.
// These errors are returned by Config.Validate and FlowConfig.Validate and
// can be matched with errors.Is.
var (
	// ErrNoFlows is returned when the flow file defines no flows.
	ErrNoFlows = errors.New("no flows configured: run 'harvest init' to create .harvest.yaml")

	// ErrUnknownFlow is returned when a flow named on the command line is not
	// in the flow file.
	ErrUnknownFlow = errors.New("unknown flow")

	// ErrInvalidParallel is returned when the flow concurrency is not positive.
	ErrInvalidParallel = errors.New("invalid parallel: must be positive")

	// ErrInvalidDatabase is returned for an unknown storage backend.
	ErrInvalidDatabase = errors.New("invalid database: must be sqlite, postgres or memory")

	// ErrPostgresDSNRequired is returned when postgres is selected without a DSN.
	ErrPostgresDSNRequired = errors.New("postgres database requires --postgres-dsn or HARVEST_POSTGRES_DSN")

	// ErrInvalidReportFormat is returned for an unknown report format.
	ErrInvalidReportFormat = errors.New("invalid report format: must be text, json or markdown")

	// ErrInvalidShutdownGrace is returned when the shutdown grace is negative.
	ErrInvalidShutdownGrace = errors.New("invalid shutdown grace: must be non-negative")

	// ErrMissingAccount is returned when a flow has no account.
	ErrMissingAccount = errors.New("account is required")

	// ErrMissingPlatform is returned when a flow has no platform tag.
	ErrMissingPlatform = errors.New("platform is required")

	// ErrMissingBaseURL is returned when a flow has no base URL.
	ErrMissingBaseURL = errors.New("request.base_url is required")

	// ErrMissingKeyField is returned when a flow does not name its natural key.
	ErrMissingKeyField = errors.New("response.key_field is required")

	// ErrInvalidMode is returned for an unknown harvest mode.
	ErrInvalidMode = errors.New("invalid mode: must be sequential or concurrent")

	// ErrInvalidWorkers is returned when concurrent mode has no workers.
	ErrInvalidWorkers = errors.New("invalid workers: must be positive")

	// ErrInvalidPageSize is returned when the page size is negative.
	ErrInvalidPageSize = errors.New("invalid page size: must be non-negative")

	// ErrInvalidSkipLimit is returned when max_consecutive_skips is negative.
	ErrInvalidSkipLimit = errors.New("invalid max_consecutive_skips: must be non-negative")

	// ErrInvalidAuthType is returned for an unknown authenticator type.
	ErrInvalidAuthType = errors.New("invalid auth type: must be static, command or oauth2")

	// ErrMissingCredential is returned when an authenticator lacks its input.
	ErrMissingCredential = errors.New("authenticator is missing its credential source")

	// ErrInvalidExpiry is returned for an unknown session expiry rule.
	ErrInvalidExpiry = errors.New("invalid auth.expiry: must be none, jwt or max_age")

	// ErrInvalidAnomalyRule is returned for an incomplete anomaly rule.
	ErrInvalidAnomalyRule = errors.New("invalid anomaly rule")

	// ErrInvalidCutoff is returned for an incomplete cutoff.
	ErrInvalidCutoff = errors.New("invalid cutoff: field and older_than are required")
)

func unknownFlowError(name string) error {
	return fmt.Errorf("%w: %s", ErrUnknownFlow, name)
}

// FlowError ties a validation error to the flow it was found in.
type FlowError struct {
	Flow string
	Err  error
}

// Error implements error.
func (e *FlowError) Error() string {
	return fmt.Sprintf("flow %s: %v", e.Flow, e.Err)
}

// Unwrap returns the underlying validation error.
func (e *FlowError) Unwrap() error {
	return e.Err
}
