// Package log builds the slog loggers used by harvest.
//
// Every logger returned here wraps its handler in a SecureHandler, which
// masks attributes that could carry a console credential: session blobs,
// cookies, bearer and JWT values, OAuth2 client secrets. Harvest logs a
// session by account and generation, never by its blob, but login
// drivers and upstream error bodies are not under our control, so the
// handler also inspects values.
//
// # Usage
//
//	logger := log.New(os.Stderr, log.Options{Verbose: true})
//	logger.Info("session acquired",
//	    "account", "ops@example.com",
//	    "blob", session.Blob, // logged as ***REDACTED***
//	)
package log
