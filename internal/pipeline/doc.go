// Package pipeline drives a harvest: it walks the pages of one flow, asks
// the credential store for sessions, retries pages the platform rejected and
// hands parsed records to a Persister.
//
// Two harvesters share one per-page state machine:
//
//   - Orchestrator fetches one page at a time in page order. It is the
//     default and the only mode that guarantees records reach the Persister
//     in page order.
//   - Coordinator runs a pool of fetch workers behind a sliding admission
//     window and a single consumer that batches records for the Persister.
//
// For every page, AUTH_INVALID refreshes the credential and retries the same
// page, so a page is never skipped because a session expired. TRANSIENT
// failures are retried with backoff per the retry policy. FATAL stops the
// run. MALFORMED pages are counted as failed and skipped.
//
// BatchProcessor runs several flows with a concurrency limit, and Finalizer
// runs post-run steps such as storing the run summary.
package pipeline
