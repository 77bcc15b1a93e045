// Package database provides the persistent stores behind deduplication and
// run history.
//
// SQLite (via modernc.org/sqlite) is the default backend. A single file
// holds three tables:
//   - records: one row per (platform, natural key), upserted on every sighting
//   - fingerprints: the "seen before" set, never expired
//   - harvest_runs: finalized run summaries for the history command
//
// Postgres (via pgx) offers the same records and fingerprints contracts for
// deployments that share a database between hosts.
package database
