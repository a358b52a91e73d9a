// ABOUTME: Tests for session correlation, concurrency, close, and idle reaping
// ABOUTME: Covers bearer-over-cookie precedence and teardown side effects

package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/console-gateway/internal/events"
	"github.com/2389/console-gateway/internal/store"
	"github.com/2389/console-gateway/internal/task"
)

// staticResolver maps tokens to keys from a fixed table.
type staticResolver struct {
	keys map[string]string
	err  error
}

func (r *staticResolver) Resolve(token string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	key, ok := r.keys[token]
	if !ok {
		return "", errors.New("unknown token")
	}
	return key, nil
}

// stubTransport is the minimal events.Transport for attach/close tests.
type stubTransport struct {
	mu     sync.Mutex
	id     string
	sessID string
	closed bool
	reason string
}

func (s *stubTransport) ID() string                        { return s.id }
func (s *stubTransport) SessionID() string                 { return s.sessID }
func (s *stubTransport) Subscription() events.Subscription { return events.Subscription{} }
func (s *stubTransport) Send(ev *events.Event) error       { return nil }
func (s *stubTransport) Ping(ctx context.Context) error    { return nil }

func (s *stubTransport) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.reason = reason
}

func (s *stubTransport) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func newTestRegistry(t *testing.T, idle time.Duration) *Registry {
	t.Helper()
	resolver := &staticResolver{keys: map[string]string{"tok-1": "subject-1"}}
	r := NewRegistry(idle, resolver, nil, nil, nil)
	t.Cleanup(r.CloseAll)
	return r
}

func TestRegistry_GetOrCreateByCookie(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	s1, err := r.GetOrCreate(Correlation{CookieID: "cookie-a"})
	require.NoError(t, err)
	require.NotNil(t, s1)
	assert.Equal(t, KindInteractive, s1.Kind())

	s2, err := r.GetOrCreate(Correlation{CookieID: "cookie-a"})
	require.NoError(t, err)
	assert.Same(t, s1, s2)
}

func TestRegistry_EmptyCorrelationGetsFreshSession(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	s1, err := r.GetOrCreate(Correlation{})
	require.NoError(t, err)
	s2, err := r.GetOrCreate(Correlation{})
	require.NoError(t, err)

	assert.NotSame(t, s1, s2)
	assert.NotEqual(t, s1.ID(), s2.ID())
}

func TestRegistry_BearerTokenWinsOverCookie(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	headless, err := r.GetOrCreate(Correlation{BearerToken: "tok-1"})
	require.NoError(t, err)
	assert.Equal(t, KindHeadless, headless.Kind())

	both, err := r.GetOrCreate(Correlation{CookieID: "cookie-a", BearerToken: "tok-1"})
	require.NoError(t, err)
	assert.Same(t, headless, both, "bearer correlation must take precedence")
}

func TestRegistry_ResolverErrorPropagates(t *testing.T) {
	resolveErr := errors.New("token rejected")
	r := NewRegistry(time.Hour, &staticResolver{err: resolveErr}, nil, nil, nil)
	t.Cleanup(r.CloseAll)

	_, err := r.GetOrCreate(Correlation{BearerToken: "whatever"})
	assert.ErrorIs(t, err, resolveErr)
}

func TestRegistry_ConcurrentGetOrCreateYieldsOneSession(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	const goroutines = 32
	results := make([]*Session, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := r.GetOrCreate(Correlation{CookieID: "shared"})
			require.NoError(t, err)
			results[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestRegistry_CloseRemovesSessionAndCancelsTasks(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	s, err := r.GetOrCreate(Correlation{CookieID: "cookie-a"})
	require.NoError(t, err)

	cancelled := make(chan struct{})
	started := make(chan struct{})
	s.Tasks().Start("work", func(ctx context.Context, mon *task.Monitor) (any, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	<-started

	tr := &stubTransport{id: "t1", sessID: s.ID()}
	s.AttachTransport(tr)

	removed, err := r.Close(Correlation{CookieID: "cookie-a"})
	require.NoError(t, err)
	assert.Same(t, s, removed)
	assert.True(t, s.Closed())
	assert.True(t, tr.isClosed())

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("session close did not cancel the running task")
	}

	found, err := r.Find(Correlation{CookieID: "cookie-a"})
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestSession_AttachTransportAfterCloseRefused(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	s, err := r.GetOrCreate(Correlation{CookieID: "cookie-a"})
	require.NoError(t, err)

	_, err = r.Close(Correlation{CookieID: "cookie-a"})
	require.NoError(t, err)
	require.True(t, s.Closed())

	tr := &stubTransport{id: "late", sessID: s.ID()}
	err = s.AttachTransport(tr)
	require.ErrorIs(t, err, ErrSessionClosed)
	assert.True(t, tr.isClosed())
	assert.Empty(t, s.Transports())
}

func TestRegistry_CloseUnknownCorrelation(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	removed, err := r.Close(Correlation{CookieID: "never-seen"})
	require.NoError(t, err)
	assert.Nil(t, removed)
}

func TestRegistry_ExpireIdleReapsOnlyStaleSessions(t *testing.T) {
	r := newTestRegistry(t, 20*time.Millisecond)

	stale, err := r.GetOrCreate(Correlation{CookieID: "stale"})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)

	fresh, err := r.GetOrCreate(Correlation{CookieID: "fresh"})
	require.NoError(t, err)

	closed := r.ExpireIdle()
	assert.Equal(t, 1, closed)
	assert.True(t, stale.Closed())
	assert.False(t, fresh.Closed())
}

func TestRegistry_TouchKeepsSessionAlive(t *testing.T) {
	r := newTestRegistry(t, 30*time.Millisecond)

	s, err := r.GetOrCreate(Correlation{CookieID: "active"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		time.Sleep(15 * time.Millisecond)
		s.Touch()
	}

	assert.Equal(t, 0, r.ExpireIdle())
	assert.False(t, s.Closed())
}

func TestRegistry_SessionsForUserOldestFirst(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	user := &store.User{ID: "u1", Username: "ada"}
	identity := &store.Identity{UserID: "u1", ProviderID: "local", Subject: "ada"}

	var ordered []*Session
	for _, cookie := range []string{"one", "two", "three"} {
		s, err := r.GetOrCreate(Correlation{CookieID: cookie})
		require.NoError(t, err)
		s.ApplyLogin(user, identity, false, nil)
		ordered = append(ordered, s)
		time.Sleep(2 * time.Millisecond)
	}

	// An unauthenticated session must not count against the user.
	_, err := r.GetOrCreate(Correlation{CookieID: "anon"})
	require.NoError(t, err)

	got := r.SessionsForUser("u1")
	require.Len(t, got, 3)
	assert.Same(t, ordered[0], got[0])
	assert.Same(t, ordered[2], got[2])
}

func TestRegistry_ActiveTransportsSpansSessions(t *testing.T) {
	r := newTestRegistry(t, time.Hour)

	s1, err := r.GetOrCreate(Correlation{CookieID: "a"})
	require.NoError(t, err)
	s2, err := r.GetOrCreate(Correlation{CookieID: "b"})
	require.NoError(t, err)

	s1.AttachTransport(&stubTransport{id: "t1", sessID: s1.ID()})
	s2.AttachTransport(&stubTransport{id: "t2", sessID: s2.ID()})
	s2.AttachTransport(&stubTransport{id: "t3", sessID: s2.ID()})

	assert.Len(t, r.ActiveTransports(), 3)
}

func TestSession_ApplyLoginReplaceAndAugment(t *testing.T) {
	r := newTestRegistry(t, time.Hour)
	s, err := r.GetOrCreate(Correlation{CookieID: "a"})
	require.NoError(t, err)

	alice := &store.User{ID: "u1", Username: "alice"}
	aliceLocal := &store.Identity{UserID: "u1", ProviderID: "local", Subject: "alice"}
	aliceSSO := &store.Identity{UserID: "u1", ProviderID: "sso", Subject: "alice@corp"}
	bob := &store.User{ID: "u2", Username: "bob"}
	bobLocal := &store.Identity{UserID: "u2", ProviderID: "local", Subject: "bob"}

	ids := s.ApplyLogin(alice, aliceLocal, false, []string{store.PermissionOpenWorkspace})
	require.Len(t, ids, 1)
	assert.True(t, s.HasPermission(store.PermissionOpenWorkspace))

	// Augmenting with the same user keeps the first identity.
	ids = s.ApplyLogin(alice, aliceSSO, true, []string{store.PermissionOpenWorkspace})
	require.Len(t, ids, 2)

	// A different user always replaces, even when augment is requested.
	ids = s.ApplyLogin(bob, bobLocal, true, nil)
	require.Len(t, ids, 1)
	assert.Equal(t, "u2", s.User().ID)
	assert.False(t, s.HasPermission(store.PermissionOpenWorkspace))
}

func TestSession_RemoveIdentitiesClearsUserWhenEmpty(t *testing.T) {
	r := newTestRegistry(t, time.Hour)
	s, err := r.GetOrCreate(Correlation{CookieID: "a"})
	require.NoError(t, err)

	alice := &store.User{ID: "u1"}
	s.ApplyLogin(alice, &store.Identity{UserID: "u1", ProviderID: "local", Subject: "a"}, false, nil)
	s.ApplyLogin(alice, &store.Identity{UserID: "u1", ProviderID: "sso", ConfigID: "corp", Subject: "a@c"}, true, nil)

	s.RemoveIdentities("sso", "corp")
	assert.NotNil(t, s.User())
	require.Len(t, s.Identities(), 1)

	s.RemoveIdentities("local", "")
	assert.Nil(t, s.User())
	assert.Empty(t, s.Identities())
}

func TestSession_SoftResetKeepsTransportsAndTasks(t *testing.T) {
	r := newTestRegistry(t, time.Hour)
	s, err := r.GetOrCreate(Correlation{CookieID: "a"})
	require.NoError(t, err)

	s.ApplyLogin(&store.User{ID: "u1"}, &store.Identity{UserID: "u1", ProviderID: "local", Subject: "a"}, false, []string{store.PermissionAdmin})
	tr := &stubTransport{id: "t1", sessID: s.ID()}
	s.AttachTransport(tr)

	s.SoftReset()

	assert.Nil(t, s.User())
	assert.Empty(t, s.Identities())
	assert.False(t, s.HasPermission(store.PermissionAdmin))
	assert.False(t, tr.isClosed())
	assert.Len(t, s.Transports(), 1)
	assert.False(t, s.Closed())
}
