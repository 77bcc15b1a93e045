package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestPolicyBackoff tests exponential growth and the cap.
func TestPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     500 * time.Millisecond,
		Factor:         2,
	}

	tests := []struct {
		failed int
		want   time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond},
		{10, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := p.Backoff(tt.failed); got != tt.want {
			t.Errorf("Backoff(%d): expected %v, got %v", tt.failed, tt.want, got)
		}
	}
}

// TestPolicyJitter tests that jitter stays within bounds.
func TestPolicyJitter(t *testing.T) {
	t.Parallel()

	p := Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Minute,
		Factor:         2,
		Jitter:         0.1,
	}

	for i := 0; i < 100; i++ {
		got := p.Backoff(1)
		if got < 900*time.Millisecond || got > 1100*time.Millisecond {
			t.Fatalf("jittered backoff %v outside ±10%% of 1s", got)
		}
	}
}

// TestPolicyAllow tests the attempt ceiling.
func TestPolicyAllow(t *testing.T) {
	t.Parallel()

	t.Run("explicit ceiling", func(t *testing.T) {
		t.Parallel()
		p := Policy{MaxAttempts: 3}
		if !p.Allow(2) {
			t.Error("expected a third attempt to be allowed")
		}
		if p.Allow(3) {
			t.Error("expected no fourth attempt")
		}
	})

	t.Run("zero value uses defaults", func(t *testing.T) {
		t.Parallel()
		var p Policy
		if p.Attempts() != DefaultMaxAttempts {
			t.Errorf("expected %d attempts, got %d", DefaultMaxAttempts, p.Attempts())
		}
		if p.Backoff(1) != 0 {
			t.Errorf("expected zero initial backoff for zero value, got %v", p.Backoff(1))
		}
	})
}

// TestPolicyWait tests that Wait honours cancellation.
func TestPolicyWait(t *testing.T) {
	t.Parallel()

	t.Run("returns after backoff", func(t *testing.T) {
		t.Parallel()
		p := Policy{MaxAttempts: 2, InitialBackoff: 5 * time.Millisecond, Factor: 2}
		if err := p.Wait(context.Background(), 1); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("returns context error when cancelled", func(t *testing.T) {
		t.Parallel()
		p := Policy{MaxAttempts: 2, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Factor: 2}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := p.Wait(ctx, 1)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
