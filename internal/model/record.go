package model

import (
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/unicode/norm"
)

// Record is the common shape every platform adapter normalizes into before
// the record reaches the deduplication store. Dedup and persistence logic
// only ever see this type, never platform-specific payloads.
type Record struct {
	// Platform tags the record with the console it came from.
	Platform string `json:"platform"`

	// Key is the natural key: an externally stable identifier such as a
	// product id or a shipment number. Upserts are keyed by (Platform, Key).
	Key string `json:"key"`

	// Fields holds the mutable payload fields. Values are kept as strings so
	// that sinks and fingerprints see exactly what the platform served.
	Fields map[string]string `json:"fields"`

	// FetchedAt is when the page carrying this record was fetched.
	FetchedAt time.Time `json:"fetched_at"`
}

// Field returns the named payload field, or "" if absent.
func (r Record) Field(name string) string {
	return r.Fields[name]
}

// FieldNames returns the payload field names in sorted order.
func (r Record) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprint is the hex-encoded BLAKE2b-256 digest of a record's identity
// and mutable fields. Two records with the same key but different field
// values have different fingerprints, so a change is treated as new
// information while an exact re-appearance is not.
type Fingerprint string

// fieldSeparator and pairSeparator cannot occur in NFC-normalized text
// produced by platforms, which keeps the hash input unambiguous.
const (
	fieldSeparator = "\x1f"
	pairSeparator  = "\x1e"
)

// Fingerprint computes the record's fingerprint. Field order does not
// matter, and values are NFC-normalized so that visually identical text
// from different platform encodings hashes the same. FetchedAt is excluded.
func (r Record) Fingerprint() Fingerprint {
	var b strings.Builder
	b.WriteString(norm.NFC.String(r.Platform))
	b.WriteString(pairSeparator)
	b.WriteString(norm.NFC.String(r.Key))
	for _, name := range r.FieldNames() {
		b.WriteString(pairSeparator)
		b.WriteString(norm.NFC.String(name))
		b.WriteString(fieldSeparator)
		b.WriteString(norm.NFC.String(r.Fields[name]))
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Page is what a PageFetcher parses out of one response.
type Page struct {
	// Records are the normalized records on the page.
	// An empty slice signals end-of-data.
	Records []Record

	// TotalPages is the total page count when the platform reports one.
	// Zero means unknown.
	TotalPages int
}
