// Package sink writes persisted records to their final destinations.
//
// CSVFile appends records to a file whose header is written exactly once.
// AlertSink implementations receive records flagged by an anomaly rule.
// Chain ties deduplication, the CSV file and alerting together behind the
// single Persist call the harvesters use.
package sink
