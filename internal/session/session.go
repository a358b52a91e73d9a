// ABOUTME: Session record for one authenticated or anonymous client workspace
// ABOUTME: Holds auth state, preferences, transports, and the owned task registry

package session

import (
	"errors"
	"sync"
	"time"

	"github.com/2389/console-gateway/internal/events"
	"github.com/2389/console-gateway/internal/store"
	"github.com/2389/console-gateway/internal/task"
)

// Kind distinguishes browser-correlated sessions from token-correlated ones.
type Kind string

const (
	// KindInteractive is a cookie/browser-correlated session.
	KindInteractive Kind = "interactive"
	// KindHeadless is a bearer-token-correlated session with no cookie.
	KindHeadless Kind = "headless"
)

// Session is the server-side record of one client workspace. All mutation
// goes through methods holding the session mutex, which linearizes
// per-session operations (auth completion, preference updates, transport
// attach/detach) without serializing unrelated sessions.
type Session struct {
	mu sync.Mutex

	id         string
	kind       Kind
	createdAt  time.Time
	lastAccess time.Time

	locale      string
	prefs       map[string]string
	user        *store.User
	identities  []*store.Identity
	permissions map[string]bool

	transports map[string]events.Transport
	tasks      *task.Registry

	closed bool
}

// ID returns the session id. Unique process-wide.
func (s *Session) ID() string { return s.id }

// Kind reports whether the session is interactive or headless.
func (s *Session) Kind() Kind { return s.kind }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastAccess returns the last touch time.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Touch refreshes the last-access time, keeping the session alive across
// activity.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// Locale returns the session locale.
func (s *Session) Locale() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locale
}

// SetLocale sets the session locale.
func (s *Session) SetLocale(locale string) {
	s.mu.Lock()
	s.locale = locale
	s.mu.Unlock()
}

// Preference returns one session-scoped preference value.
func (s *Session) Preference(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.prefs[key]
	return v, ok
}

// SetPreference stores a session-scoped preference.
func (s *Session) SetPreference(key, value string) {
	s.mu.Lock()
	s.prefs[key] = value
	s.mu.Unlock()
}

// Preferences returns a copy of all session preferences.
func (s *Session) Preferences() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.prefs))
	for k, v := range s.prefs {
		out[k] = v
	}
	return out
}

// User returns the authenticated user, or nil for anonymous sessions.
func (s *Session) User() *store.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// Identities returns a copy of the session's linked provider auth results,
// in link order.
func (s *Session) Identities() []*store.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Identity, len(s.identities))
	copy(out, s.identities)
	return out
}

// HasPermission reports whether the session's authenticated user holds the
// given permission. Anonymous sessions hold none.
func (s *Session) HasPermission(permission string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user != nil && s.permissions[permission]
}

// ApplyLogin attaches a provider-verified identity to the session. When
// augment is set and a user is already attached, the identity joins the
// existing list; otherwise the authenticated user and permission set are
// replaced. Returns the resulting identity list. The whole step is atomic
// under the session mutex, so two racing completions serialize and the
// second observes the first's result.
func (s *Session) ApplyLogin(user *store.User, identity *store.Identity, augment bool, permissions []string) []*store.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !augment || s.user == nil || s.user.ID != user.ID {
		s.user = user
		s.identities = nil
	}
	s.identities = append(s.identities, identity)
	s.permissions = make(map[string]bool, len(permissions))
	for _, p := range permissions {
		s.permissions[p] = true
	}
	s.lastAccess = time.Now()

	out := make([]*store.Identity, len(s.identities))
	copy(out, s.identities)
	return out
}

// SoftReset clears the authenticated user but keeps the session id, its
// transports, and its tasks. Used when a backing refresh token is
// invalidated externally: the client re-authenticates on the same session.
func (s *Session) SoftReset() {
	s.mu.Lock()
	s.user = nil
	s.identities = nil
	s.permissions = nil
	s.mu.Unlock()
}

// RemoveIdentities drops the session's linked identities for the given
// provider (and configuration, when non-empty). Empty provider id means all.
// Clearing the last identity also clears the authenticated user.
func (s *Session) RemoveIdentities(providerID, configID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if providerID == "" {
		s.identities = nil
	} else {
		kept := s.identities[:0]
		for _, id := range s.identities {
			if id.ProviderID == providerID && (configID == "" || id.ConfigID == configID) {
				continue
			}
			kept = append(kept, id)
		}
		s.identities = kept
	}
	if len(s.identities) == 0 {
		s.user = nil
		s.permissions = nil
	}
}

// ErrSessionClosed is returned when attaching to a session that already
// finished teardown.
var ErrSessionClosed = errors.New("session closed")

// AttachTransport adds a live push connection to the session. Attaching to a
// closed session closes the transport and fails; the session is already out
// of the registry, so nothing would ever deliver to or prune the transport.
func (s *Session) AttachTransport(t events.Transport) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Close("session closed")
		return ErrSessionClosed
	}
	s.transports[t.ID()] = t
	s.lastAccess = time.Now()
	s.mu.Unlock()
	return nil
}

// DetachTransport removes a transport by id. Safe to call for unknown ids.
func (s *Session) DetachTransport(transportID string) {
	s.mu.Lock()
	delete(s.transports, transportID)
	s.mu.Unlock()
}

// Transports returns a snapshot of the attached transports.
func (s *Session) Transports() []events.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Transport, 0, len(s.transports))
	for _, t := range s.transports {
		out = append(out, t)
	}
	return out
}

// Tasks returns the session's async task registry.
func (s *Session) Tasks() *task.Registry {
	return s.tasks
}

// Closed reports whether the session has been removed from the registry.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// markClosed flags the session and returns the transports to detach.
func (s *Session) markClosed() []events.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	out := make([]events.Transport, 0, len(s.transports))
	for id, t := range s.transports {
		out = append(out, t)
		delete(s.transports, id)
	}
	return out
}
