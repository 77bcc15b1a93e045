package model

import "time"

// Session is an immutable snapshot of the credential material for one account.
// Requests read a Session value; nothing mutates it in place. A refresh
// produces a new Session with a higher Generation.
type Session struct {
	// Account identifies the console account this session belongs to.
	Account string `json:"account"`

	// Blob is the opaque credential (cookie header, bearer token, ...).
	// It is never logged; the secure log handler redacts it.
	Blob string `json:"-"`

	// AcquiredAt is when the Authenticator produced the blob.
	AcquiredAt time.Time `json:"acquired_at"`

	// Generation increases by one on every successful refresh of the account.
	// A worker holding an older generation knows somebody already refreshed.
	Generation uint64 `json:"generation"`
}

// IsZero reports whether the session carries no credential.
func (s Session) IsZero() bool {
	return s.Blob == ""
}

// Age returns how long ago the session was acquired.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.AcquiredAt)
}

// PageRequest is the page number and page size sent to a platform.
// Page numbers start at 1.
type PageRequest struct {
	Number int `json:"number"`
	Size   int `json:"size"`
}
