// Package model defines the core data structures shared by the harvest pipeline.
//
// This package contains the following main types:
//   - Session: An immutable snapshot of per-account credential material
//   - PageRequest: The page number and size sent to a platform console
//   - Record: The platform-tagged record shape every adapter normalizes into
//   - HarvestRun: The summary of one paginate + parse + persist execution
//   - Classification: The verdict a PageFetcher gives a raw response
//
// Models live in their own package so that credential, fetcher, dedup and
// pipeline packages can share them without import cycles. All of them are
// serializable to JSON for reports and the run history table.
package model
