package model

import "errors"

// Harvest error taxonomy.
// Orchestrators match these with errors.Is to decide between retrying,
// skipping a page and aborting the run.
var (
	// ErrTransientNetwork wraps timeouts, connection resets and other failures
	// that are retried with a bounded number of attempts.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrAuthInvalid means a response carried an explicit invalid-session signature.
	ErrAuthInvalid = errors.New("session rejected by platform")

	// ErrMalformedResponse means a response had an unexpected shape.
	// The page is skipped and the run continues.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrFatalResponse means the platform answered in a way retrying cannot fix.
	ErrFatalResponse = errors.New("fatal response")

	// ErrStorageUnavailable means the key-value or relational store failed.
	// It is fatal for the current batch only.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrAuthenticationFailed means the external Authenticator could not
	// produce a credential, or the auth retry ceiling was exhausted.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrCredentialUnavailable means no cached credential exists and a
	// refresh could not produce one.
	ErrCredentialUnavailable = errors.New("credential unavailable")

	// ErrTransientExhausted means a page kept failing transiently and the
	// flow does not allow gaps.
	ErrTransientExhausted = errors.New("transient retries exhausted")
)
