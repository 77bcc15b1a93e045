// Package dedup decides which harvested records are new and persists them
// idempotently.
//
// A record is new when its fingerprint has never been seen. Fingerprints are
// recorded in a KV store with an atomic check-and-set and never expire, so a
// record whose mutable fields changed is new again while an unchanged
// re-appearance is not. Every received record is upserted into a RecordStore
// keyed by (platform, natural key); resubmitting a record never creates a
// second row. Fingerprints claimed by a batch that failed to persist are
// released again.
package dedup
