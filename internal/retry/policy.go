// Package retry provides the retry-with-classification policy shared by every
// harvester. Platform adapters never hand-roll retry loops; orchestrators ask
// a Policy whether another attempt is allowed and how long to wait first.
package retry

import (
	"context"
	"math/rand/v2"
	"time"
)

// Default policy values.
const (
	// DefaultMaxAttempts is the number of attempts per page for transient
	// failures, including the first one.
	DefaultMaxAttempts = 3

	// DefaultInitialBackoff is the wait before the second attempt.
	DefaultInitialBackoff = 2 * time.Second

	// DefaultMaxBackoff caps the exponential growth.
	DefaultMaxBackoff = 30 * time.Second

	// DefaultFactor is the multiplier applied per attempt.
	DefaultFactor = 2.0
)

// Policy bounds how often and how patiently a page is retried.
// The zero value is usable and behaves like DefaultPolicy.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps any single delay.
	MaxBackoff time.Duration

	// Factor multiplies the delay after every attempt.
	Factor float64

	// Jitter spreads delays by up to ±Jitter (0.1 = ±10%) so that workers
	// hitting the same rate limit do not retry in lockstep.
	Jitter float64
}

// DefaultPolicy returns the policy used when a flow configures nothing.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
		Factor:         DefaultFactor,
	}
}

// normalized fills zero fields with defaults.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	return p
}

// Attempts returns the effective attempt ceiling.
func (p Policy) Attempts() int {
	return p.normalized().MaxAttempts
}

// Allow reports whether another attempt may follow the given number of
// failed attempts.
func (p Policy) Allow(failed int) bool {
	return failed < p.normalized().MaxAttempts
}

// Backoff returns the delay to wait after the given number of failed
// attempts (1 = after the first failure).
func (p Policy) Backoff(failed int) time.Duration {
	p = p.normalized()
	if failed < 1 {
		return 0
	}

	backoff := float64(p.InitialBackoff)
	for i := 1; i < failed; i++ {
		backoff *= p.Factor
		if backoff > float64(p.MaxBackoff) {
			backoff = float64(p.MaxBackoff)
			break
		}
	}

	if p.Jitter > 0 {
		backoff *= 1 + (rand.Float64()*2-1)*p.Jitter //nolint:gosec // jitter does not need crypto randomness
	}
	if backoff > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(backoff)
}

// Wait sleeps for Backoff(failed) or until ctx is done, whichever comes first.
func (p Policy) Wait(ctx context.Context, failed int) error {
	d := p.Backoff(failed)
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
