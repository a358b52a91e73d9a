// Package session tracks live console sessions.
//
// # Correlation
//
// Interactive sessions are correlated by an opaque cookie id; headless
// sessions by the subject of a bearer token. When a request carries both,
// the bearer token wins. Creation is get-or-create: concurrent first
// requests with the same correlation observe exactly one session.
//
// # Lifecycle
//
// Sessions are touched on every resolved request and reaped after the idle
// timeout. Closing a session cancels its tasks, closes its push transports,
// and publishes a session-closed event. A soft reset clears authentication
// state but keeps the session (and its transports) alive, which is how an
// externally invalidated credential is recovered without dropping the
// client connection.
//
// # State
//
// Each session carries its authenticated user, linked identities, granted
// permissions, UI preferences, attached push transports, and a private task
// registry. All of it is guarded by the session's own mutex; the registry
// lock only covers the correlation map.
package session
