// ABOUTME: Registry of live console sessions keyed by cookie or bearer correlation
// ABOUTME: Provides get-or-create, touch, close, snapshots, and the idle reaper

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/console-gateway/internal/events"
	"github.com/2389/console-gateway/internal/task"
)

// Correlation is the transport-carried data that identifies a session.
// When both fields are set, the bearer token takes precedence.
type Correlation struct {
	CookieID    string
	BearerToken string
}

// TokenResolver maps a bearer token to a stable headless session key.
// Implemented by the auth token verifier; errors (including expiry) pass
// through unchanged so callers can distinguish them.
type TokenResolver interface {
	Resolve(token string) (key string, err error)
}

// Recorder receives session accounting. Implemented by internal/metrics.
type Recorder interface {
	SessionOpened()
	SessionClosed()
}

// CloseHandler runs after a session has been removed from the registry.
type CloseHandler func(s *Session)

// Registry owns the set of live sessions. Map access is guarded by a short
// registry mutex; everything per-session happens under the session's own
// mutex, so unrelated sessions never serialize on each other.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // correlation key -> session

	idleTimeout time.Duration
	resolver    TokenResolver
	publisher   task.Publisher
	metrics     Recorder
	onClose     []CloseHandler
	logger      *slog.Logger
}

// NewRegistry creates a session registry. Pass nil logger for default.
func NewRegistry(idleTimeout time.Duration, resolver TokenResolver, publisher task.Publisher, metrics Recorder, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		resolver:    resolver,
		publisher:   publisher,
		metrics:     metrics,
		logger:      logger.With("component", "sessions"),
	}
}

// OnClose registers a handler invoked after every session close (explicit or
// reaped). Must be called before the registry is in use.
func (r *Registry) OnClose(h CloseHandler) {
	r.onClose = append(r.onClose, h)
}

// resolveKey turns a correlation into (map key, kind). Bearer wins over
// cookie when both are present.
func (r *Registry) resolveKey(corr Correlation) (string, Kind, error) {
	if corr.BearerToken != "" {
		key, err := r.resolver.Resolve(corr.BearerToken)
		if err != nil {
			return "", KindHeadless, err
		}
		return "headless:" + key, KindHeadless, nil
	}
	return corr.CookieID, KindInteractive, nil
}

// GetOrCreate resolves an existing session from the correlation, creating
// one if none is found. Concurrent calls with the same not-yet-known
// correlation yield exactly one session: creation is an insert-if-absent
// under the registry mutex. An empty interactive correlation gets a fresh
// opaque id (the caller sets the cookie from Session.ID).
func (r *Registry) GetOrCreate(corr Correlation) (*Session, error) {
	key, kind, err := r.resolveKey(corr)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = uuid.New().String()
	}

	r.mu.Lock()
	if s, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		s.Touch()
		return s, nil
	}
	s := r.newSession(key, kind)
	r.sessions[key] = s
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionOpened()
	}
	r.logger.Info("session created", "session_id", s.ID(), "kind", kind)
	return s, nil
}

func (r *Registry) newSession(key string, kind Kind) *Session {
	id := key
	if kind == KindHeadless {
		// Strip the correlation namespace; the session id stays opaque.
		id = uuid.New().String()
	}
	now := time.Now()
	return &Session{
		id:         id,
		kind:       kind,
		createdAt:  now,
		lastAccess: now,
		prefs:      make(map[string]string),
		transports: make(map[string]events.Transport),
		tasks:      task.NewRegistry(id, r.publisher, r.logger),
	}
}

// Find is a non-creating lookup.
func (r *Registry) Find(corr Correlation) (*Session, error) {
	key, _, err := r.resolveKey(corr)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[key], nil
}

// FindByID looks a session up by its id rather than its correlation key.
func (r *Registry) FindByID(sessionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.ID() == sessionID {
			return s
		}
	}
	return nil
}

// Close removes the session for the correlation, cancels its tasks, and
// detaches its transports. Returns the removed session, or nil if none was
// found, so callers can run their own post-processing.
func (r *Registry) Close(corr Correlation) (*Session, error) {
	key, _, err := r.resolveKey(corr)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}
	delete(r.sessions, key)
	r.mu.Unlock()

	r.teardown(s)
	return s, nil
}

// teardown runs the common close path outside the registry mutex.
func (r *Registry) teardown(s *Session) {
	transports := s.markClosed()
	s.Tasks().Close()
	for _, t := range transports {
		t.Close("session closed")
	}
	if r.metrics != nil {
		r.metrics.SessionClosed()
	}
	if r.publisher != nil {
		r.publisher.Publish(&events.Event{
			Topic:   events.TopicSession,
			Type:    "closed",
			Payload: events.Marshal(map[string]string{"sessionId": s.ID()}),
		})
	}
	for _, h := range r.onClose {
		h(s)
	}
	r.logger.Info("session closed", "session_id", s.ID())
}

// AllActive returns a point-in-time snapshot of all live sessions.
// Iteration is safe while other goroutines mutate the registry.
func (r *Registry) AllActive() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// ActiveTransports implements events.TransportSource over the registry
// snapshot.
func (r *Registry) ActiveTransports() []events.Transport {
	var out []events.Transport
	for _, s := range r.AllActive() {
		out = append(out, s.Transports()...)
	}
	return out
}

// SessionsForUser returns the live sessions authenticated as the given
// user, oldest first. Used by the per-user session cap.
func (r *Registry) SessionsForUser(userID string) []*Session {
	var out []*Session
	for _, s := range r.AllActive() {
		if u := s.User(); u != nil && u.ID == userID {
			out = append(out, s)
		}
	}
	// Oldest first so forced logout drops the stalest session.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt().Before(out[j-1].CreatedAt()); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// CloseSession removes a specific session object from the registry and
// tears it down. No-op if it is no longer registered.
func (r *Registry) CloseSession(s *Session) {
	r.mu.Lock()
	var key string
	for k, v := range r.sessions {
		if v == s {
			key = k
			break
		}
	}
	if key == "" {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, key)
	r.mu.Unlock()

	r.teardown(s)
}

// ExpireIdle closes every session whose inactivity exceeds the idle
// timeout. Returns the number of sessions closed.
func (r *Registry) ExpireIdle() int {
	now := time.Now()
	var expired []*Session
	for _, s := range r.AllActive() {
		if now.Sub(s.LastAccess()) > r.idleTimeout {
			expired = append(expired, s)
		}
	}
	for _, s := range expired {
		r.logger.Info("session idle, reaping", "session_id", s.ID(), "last_access", s.LastAccess())
		r.CloseSession(s)
	}
	return len(expired)
}

// RunReaper periodically calls ExpireIdle until ctx is cancelled. Runs on
// its own ticker, independent of request-handling goroutines.
func (r *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ExpireIdle()
		}
	}
}

// CloseAll tears down every session. Used at server shutdown.
func (r *Registry) CloseAll() {
	for _, s := range r.AllActive() {
		r.CloseSession(s)
	}
}
