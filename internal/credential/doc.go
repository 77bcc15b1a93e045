// Package credential owns the lifecycle of per-account session material.
//
// A Store hands out immutable model.Session snapshots. When a platform
// rejects a session, the orchestrator asks the Store to refresh it; the Store
// calls the external Authenticator (which may drive a real browser and take
// tens of seconds) and guarantees that at most one refresh per account is in
// flight at any time. Concurrent callers for the same account wait for the
// running login and share its result.
//
// # Usage
//
//	store := credential.NewStore(credential.NewCommandAuthenticator(
//		[]string{"./login-driver", "--account", "{account}"}, 2*time.Minute))
//
//	session, err := store.GetAuth(ctx, "acme-eu")
//	// ... fetch with session, platform says AUTH_INVALID ...
//	session, err = store.RefreshStale(ctx, session)
package credential
