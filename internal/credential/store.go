package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nao1215/consoleharvest/internal/model"
)

// DefaultRefreshTimeout bounds a single call to the Authenticator.
// Browser-driven logins are slow, so this is generous.
const DefaultRefreshTimeout = 3 * time.Minute

// ErrEmptyCredential is returned when an Authenticator succeeds but
// produces no credential.
var ErrEmptyCredential = errors.New("authenticator returned an empty credential")

// Store caches one session per account and refreshes it on demand.
// It is safe for concurrent use. There is no package-level state: every
// harvester receives the Store it should use.
type Store struct {
	auth Authenticator

	// group collapses concurrent refreshes for the same account into one login.
	group singleflight.Group

	mu          sync.RWMutex
	sessions    map[string]model.Session
	generations map[string]uint64
	refreshes   map[string]int

	expired        func(model.Session) bool
	refreshTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for refresh events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithExpiry sets a predicate that marks a cached session as unusable before
// the platform rejects it, for example JWTExpired.
func WithExpiry(expired func(model.Session) bool) Option {
	return func(s *Store) {
		s.expired = expired
	}
}

// WithRefreshTimeout bounds each Authenticator call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.refreshTimeout = d
		}
	}
}

// withClock overrides time.Now in tests.
func withClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store backed by the given Authenticator.
func NewStore(auth Authenticator, opts ...Option) *Store {
	s := &Store{
		auth:           auth,
		sessions:       make(map[string]model.Session),
		generations:    make(map[string]uint64),
		refreshes:      make(map[string]int),
		refreshTimeout: DefaultRefreshTimeout,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	return s
}

// GetAuth returns the cached session for account, refreshing it first when
// nothing is cached or the expiry predicate rejects the cached one.
// It fails with model.ErrCredentialUnavailable if the refresh fails.
func (s *Store) GetAuth(ctx context.Context, account string) (model.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[account]
	s.mu.RUnlock()

	if ok && (s.expired == nil || !s.expired(session)) {
		return session, nil
	}
	if ok {
		s.logger.Debug("cached session expired", "account", account, "generation", session.Generation)
	}

	session, err := s.Refresh(ctx, account)
	if err != nil {
		return model.Session{}, fmt.Errorf("%w: %w", model.ErrCredentialUnavailable, err)
	}
	return session, nil
}

// Refresh logs in again for account and caches the new session.
// If a refresh for the same account is already running, Refresh waits for
// it and returns its result instead of starting a second login.
// A caller whose ctx ends stops waiting, but the shared login keeps running
// for the other waiters.
func (s *Store) Refresh(ctx context.Context, account string) (model.Session, error) {
	s.mu.RLock()
	seen := s.generations[account]
	s.mu.RUnlock()

	return s.refresh(ctx, account, seen)
}

// RefreshStale refreshes the session a caller saw rejected. If the cache
// already holds a newer generation than stale, that session is returned
// without another login; workers that raced on the same expired credential
// therefore trigger a single refresh.
func (s *Store) RefreshStale(ctx context.Context, stale model.Session) (model.Session, error) {
	s.mu.Lock()
	current, ok := s.sessions[stale.Account]
	if ok && current.Generation > stale.Generation {
		s.mu.Unlock()
		return current, nil
	}
	if ok && current.Generation == stale.Generation {
		delete(s.sessions, stale.Account)
	}
	s.mu.Unlock()

	return s.refresh(ctx, stale.Account, stale.Generation)
}

// refresh joins or starts the login for account. A login started after a
// session newer than seen was cached returns that session instead.
func (s *Store) refresh(ctx context.Context, account string, seen uint64) (model.Session, error) {
	ch := s.group.DoChan(account, func() (interface{}, error) {
		s.mu.RLock()
		current, ok := s.sessions[account]
		s.mu.RUnlock()
		if ok && current.Generation > seen {
			return current, nil
		}
		return s.login(context.WithoutCancel(ctx), account)
	})

	select {
	case <-ctx.Done():
		return model.Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return model.Session{}, res.Err
		}
		session, _ := res.Val.(model.Session)
		return session, nil
	}
}

// Invalidate drops the cached session if it is still the one the caller saw.
// A newer session cached by a concurrent refresh is kept.
func (s *Store) Invalidate(stale model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.sessions[stale.Account]; ok && current.Generation == stale.Generation {
		delete(s.sessions, stale.Account)
	}
}

// Refreshes returns how many successful logins were performed for account.
func (s *Store) Refreshes(account string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshes[account]
}

// login runs the Authenticator once and caches the result.
func (s *Store) login(ctx context.Context, account string) (model.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, s.refreshTimeout)
	defer cancel()

	s.logger.Info("refreshing credential", "account", account)
	start := s.now()

	blob, err := s.auth.Authenticate(ctx, account)
	if err != nil {
		s.logger.Error("credential refresh failed",
			"account", account,
			"elapsed", s.now().Sub(start),
			"error", err,
		)
		return model.Session{}, fmt.Errorf("%w: account %s: %w", model.ErrAuthenticationFailed, account, err)
	}
	if blob == "" {
		return model.Session{}, fmt.Errorf("%w: account %s: %w", model.ErrAuthenticationFailed, account, ErrEmptyCredential)
	}

	s.mu.Lock()
	s.generations[account]++
	session := model.Session{
		Account:    account,
		Blob:       blob,
		AcquiredAt: s.now(),
		Generation: s.generations[account],
	}
	s.sessions[account] = session
	s.refreshes[account]++
	s.mu.Unlock()

	s.logger.Info("credential refreshed",
		"account", account,
		"generation", session.Generation,
		"elapsed", s.now().Sub(start),
	)

	return session, nil
}
