package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nao1215/consoleharvest/internal/credential"
	"github.com/nao1215/consoleharvest/internal/model"
	"github.com/nao1215/consoleharvest/internal/retry"
)

const testAccount = "ops@example.com"

// quietLogger discards everything.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastRetry retries without waiting.
func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3}
}

// countingLogins is an Authenticator that counts logins.
type countingLogins struct {
	calls atomic.Int32
	err   error
}

func (c *countingLogins) Authenticate(_ context.Context, account string) (string, error) {
	n := c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return account + "-session-" + strconv.Itoa(int(n)), nil
}

func (c *countingLogins) count() int {
	return int(c.calls.Load())
}

func newCredentials(t *testing.T) (*credential.Store, *countingLogins) {
	t.Helper()
	auth := &countingLogins{}
	return credential.NewStore(auth, credential.WithLogger(quietLogger())), auth
}

// failingPersister fails every batch with a storage error.
type failingPersister struct {
	mu    sync.Mutex
	calls int
}

var errDiskFull = errors.New("disk full")

func (f *failingPersister) Persist(_ context.Context, _ []model.Record) (model.BatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return model.BatchResult{}, errDiskFull
}

func (f *failingPersister) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// checkCounters verifies the page counters add up.
func checkCounters(t *testing.T, run *model.HarvestRun) {
	t.Helper()
	s := run.Snapshot()
	if s.PagesSucceeded+s.PagesFailed != s.PagesAttempted {
		t.Errorf("succeeded(%d) + failed(%d) != attempted(%d)", s.PagesSucceeded, s.PagesFailed, s.PagesAttempted)
	}
	if s.DataPages+s.EmptyPages+s.DiscardedPages != s.PagesSucceeded {
		t.Errorf("data(%d) + empty(%d) + discarded(%d) != succeeded(%d)", s.DataPages, s.EmptyPages, s.DiscardedPages, s.PagesSucceeded)
	}
	if !run.Finished() {
		t.Error("run not finished")
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func credentialStore(auth credential.Authenticator) *credential.Store {
	return credential.NewStore(auth, credential.WithLogger(quietLogger()))
}
