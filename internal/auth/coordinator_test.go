// ABOUTME: Tests for the login coordinator: providers, attempts, linking, caps
// ABOUTME: Covers sync and federated flows, idempotent resolves, and logout

package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/console-gateway/internal/session"
	"github.com/2389/console-gateway/internal/store"
)

// fakeBroker drives the federated flow from the test side.
type fakeBroker struct {
	mu         sync.Mutex
	verified   *Verified
	pending    bool
	exchangeEr error
	signOut    string
}

func (b *fakeBroker) AuthorizeURL(configID, state string) string {
	return "https://idp.example.com/authorize?state=" + state
}

func (b *fakeBroker) Exchange(ctx context.Context, state string) (*Verified, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending {
		return nil, true, nil
	}
	if b.exchangeEr != nil {
		return nil, false, b.exchangeEr
	}
	return b.verified, false, nil
}

func (b *fakeBroker) SignOutURL(configID string) string { return b.signOut }

func (b *fakeBroker) complete(v *Verified) {
	b.mu.Lock()
	b.verified = v
	b.pending = false
	b.mu.Unlock()
}

type fixture struct {
	store    *store.MockStore
	sessions *session.Registry
	coord    *Coordinator
	broker   *fakeBroker
}

func newFixture(t *testing.T, maxSessions int) *fixture {
	t.Helper()

	st := store.NewMockStore()
	broker := &fakeBroker{pending: true, signOut: "https://idp.example.com/logout"}

	providers := NewRegistry(
		NewLocalProvider("local", st),
		NewProxyProvider("proxy", DefaultProxyUserHeader),
		NewSSOProvider("sso", broker),
	)

	verifier := NewJWTVerifier([]byte("test-secret"))
	sessions := session.NewRegistry(time.Hour, verifier, nil, nil, nil)
	t.Cleanup(sessions.CloseAll)

	coord := NewCoordinator(providers, st, sessions, nil, time.Minute, maxSessions, nil)
	return &fixture{store: st, sessions: sessions, coord: coord, broker: broker}
}

func (f *fixture) createLocalUser(t *testing.T, username, password string) *store.User {
	t.Helper()
	ctx := context.Background()

	user := &store.User{ID: "user-" + username, Username: username, DisplayName: username, CreatedAt: time.Now()}
	require.NoError(t, f.store.CreateUser(ctx, user))

	hash, err := HashPassword(password)
	require.NoError(t, err)
	require.NoError(t, f.store.SetCredential(ctx, &store.Credential{
		ProviderID:   "local",
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}))
	require.NoError(t, f.store.GrantPermission(ctx, user.ID, store.PermissionOpenWorkspace))
	return user
}

func (f *fixture) session(t *testing.T, cookie string) *session.Session {
	t.Helper()
	s, err := f.sessions.GetOrCreate(session.Correlation{CookieID: cookie})
	require.NoError(t, err)
	return s
}

func TestBeginLogin_UnknownProvider(t *testing.T) {
	f := newFixture(t, 0)
	sess := f.session(t, "c1")

	_, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{ProviderID: "nope"})
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestBeginLogin_TrustedProviderRejectsDirectUse(t *testing.T) {
	f := newFixture(t, 0)
	sess := f.session(t, "c1")

	_, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{
		ProviderID: "proxy",
		Parameters: map[string]string{"user": "mallory"},
	})
	assert.ErrorIs(t, err, ErrTrustedProviderDirectUse)
	assert.Nil(t, sess.User())
}

func TestBeginLogin_TrustedProviderSideChannel(t *testing.T) {
	f := newFixture(t, 0)
	sess := f.session(t, "c1")

	view, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{
		ProviderID:  "proxy",
		Parameters:  map[string]string{"user": "ada"},
		SideChannel: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, view.Status)
	require.NotNil(t, sess.User())
	assert.Equal(t, "ada", sess.User().Username)
}

func TestBeginLogin_LocalSuccessCreatesUserAndGrantsDefaults(t *testing.T) {
	f := newFixture(t, 0)
	f.createLocalUser(t, "ada", "hunter2")
	sess := f.session(t, "c1")

	view, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{
		ProviderID: "local",
		Parameters: map[string]string{"user": "ada", "password": "hunter2"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, view.Status)
	require.Len(t, view.Identities, 1)
	assert.Equal(t, "ada", view.Identities[0].Subject)

	require.NotNil(t, sess.User())
	assert.True(t, sess.HasPermission(store.PermissionOpenWorkspace))

	// The identity is persisted, so the next login resolves the same user.
	linked, err := f.store.GetUserByIdentity(context.Background(), "local", "ada")
	require.NoError(t, err)
	assert.Equal(t, sess.User().ID, linked.ID)
}

func TestBeginLogin_FirstLoginCreatesUserWithDefaultPermissions(t *testing.T) {
	f := newFixture(t, 0)
	sess := f.session(t, "c1")

	// Proxy side-channel for a user the store has never seen.
	view, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{
		ProviderID:  "proxy",
		Parameters:  map[string]string{"user": "newcomer"},
		SideChannel: true,
	})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, view.Status)

	perms, err := f.store.ListPermissions(context.Background(), sess.User().ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, defaultPermissions, perms)
}

func TestBeginLogin_WrongPasswordIsTerminalError(t *testing.T) {
	f := newFixture(t, 0)
	f.createLocalUser(t, "ada", "hunter2")
	sess := f.session(t, "c1")

	view, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{
		ProviderID: "local",
		Parameters: map[string]string{"user": "ada", "password": "wrong"},
	})
	require.NoError(t, err, "credential failures are attempt outcomes, not transport errors")
	assert.Equal(t, StatusError, view.Status)
	assert.NotEmpty(t, view.ErrMessage)
	assert.Nil(t, sess.User())

	// The failed attempt resolves idempotently to the same outcome.
	again, err := f.coord.Resolve(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, again.Status)
}

func TestFederatedLogin_PendingThenSuccess(t *testing.T) {
	f := newFixture(t, 0)
	sess := f.session(t, "c1")

	view, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{ProviderID: "sso", ConfigID: "corp"})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, view.Status)
	assert.Contains(t, view.RedirectURL, "state="+view.ID)

	// Still waiting on the broker.
	pending, err := f.coord.Resolve(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, pending.Status)
	assert.Nil(t, sess.User())

	// Broker callback lands; the next poll completes the attempt.
	f.broker.complete(&Verified{Subject: "ada@corp", DisplayName: "Ada"})

	done, err := f.coord.Resolve(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, done.Status)
	require.NotNil(t, sess.User())
	assert.Equal(t, "ada@corp", sess.User().Username)

	// Repeat polls return the recorded outcome without re-linking.
	repeat, err := f.coord.Resolve(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, repeat.Status)
	assert.Len(t, sess.Identities(), 1)
}

func TestFederatedLogin_ConcurrentResolvesLinkOnce(t *testing.T) {
	f := newFixture(t, 0)
	sess := f.session(t, "c1")

	view, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{ProviderID: "sso"})
	require.NoError(t, err)
	f.broker.complete(&Verified{Subject: "racer", DisplayName: "Racer"})

	const resolvers = 16
	var wg sync.WaitGroup
	for i := 0; i < resolvers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Resolve(context.Background(), view.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, sess.Identities(), 1, "identity linking must happen exactly once")
}

func TestFederatedLogin_BrokerErrorResolvesToError(t *testing.T) {
	f := newFixture(t, 0)
	sess := f.session(t, "c1")

	view, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{ProviderID: "sso"})
	require.NoError(t, err)

	f.broker.mu.Lock()
	f.broker.pending = false
	f.broker.exchangeEr = errors.New("idp says no")
	f.broker.mu.Unlock()

	done, err := f.coord.Resolve(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, done.Status)
	assert.Nil(t, sess.User())
}

func TestFederatedLogin_OriginSessionGone(t *testing.T) {
	f := newFixture(t, 0)
	sess := f.session(t, "c1")

	view, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{ProviderID: "sso"})
	require.NoError(t, err)

	_, err = f.sessions.Close(session.Correlation{CookieID: "c1"})
	require.NoError(t, err)

	f.broker.complete(&Verified{Subject: "ghost"})

	done, err := f.coord.Resolve(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, done.Status)
}

func TestResolve_UnknownAttempt(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.coord.Resolve(context.Background(), "no-such-attempt")
	assert.ErrorIs(t, err, ErrAttemptExpired)
}

func TestResolve_ExpiredAttempt(t *testing.T) {
	f := newFixture(t, 0)
	sess := f.session(t, "c1")

	view, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{ProviderID: "sso"})
	require.NoError(t, err)

	// Force the sweep to see the attempt as stale.
	attempt, ok := f.coord.attempts.get(view.ID)
	require.True(t, ok)
	attempt.mu.Lock()
	attempt.CreatedAt = time.Now().Add(-2 * time.Minute)
	attempt.mu.Unlock()
	f.coord.attempts.sweep()

	_, err = f.coord.Resolve(context.Background(), view.ID)
	assert.ErrorIs(t, err, ErrAttemptExpired)
}

func TestSessionCap_SoftRejection(t *testing.T) {
	f := newFixture(t, 1)
	f.createLocalUser(t, "ada", "hunter2")

	first := f.session(t, "c1")
	view, err := f.coord.BeginLogin(context.Background(), first, LoginRequest{
		ProviderID: "local",
		Parameters: map[string]string{"user": "ada", "password": "hunter2"},
	})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, view.Status)

	second := f.session(t, "c2")
	_, err = f.coord.BeginLogin(context.Background(), second, LoginRequest{
		ProviderID: "local",
		Parameters: map[string]string{"user": "ada", "password": "hunter2"},
	})
	assert.ErrorIs(t, err, ErrTooManySessions)
	assert.Nil(t, second.User())
	assert.False(t, first.Closed(), "soft rejection must not disturb existing sessions")
}

func TestSessionCap_ForceLogoutClosesOldest(t *testing.T) {
	f := newFixture(t, 1)
	f.createLocalUser(t, "ada", "hunter2")

	first := f.session(t, "c1")
	_, err := f.coord.BeginLogin(context.Background(), first, LoginRequest{
		ProviderID: "local",
		Parameters: map[string]string{"user": "ada", "password": "hunter2"},
	})
	require.NoError(t, err)

	second := f.session(t, "c2")
	view, err := f.coord.BeginLogin(context.Background(), second, LoginRequest{
		ProviderID:          "local",
		Parameters:          map[string]string{"user": "ada", "password": "hunter2"},
		ForceSessionsLogout: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, view.Status)
	assert.True(t, first.Closed())
	assert.NotNil(t, second.User())
}

func TestLogout_ReturnsSignOutURLsAndClearsIdentities(t *testing.T) {
	f := newFixture(t, 0)
	sess := f.session(t, "c1")

	view, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{ProviderID: "sso", ConfigID: "corp"})
	require.NoError(t, err)
	f.broker.complete(&Verified{Subject: "ada@corp"})
	_, err = f.coord.Resolve(context.Background(), view.ID)
	require.NoError(t, err)
	require.NotNil(t, sess.User())

	urls, err := f.coord.Logout(context.Background(), sess, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://idp.example.com/logout"}, urls)
	assert.Nil(t, sess.User())
	assert.Empty(t, sess.Identities())
}

func TestLogout_ScopedToProvider(t *testing.T) {
	f := newFixture(t, 0)
	f.createLocalUser(t, "ada", "hunter2")
	sess := f.session(t, "c1")

	_, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{
		ProviderID: "local",
		Parameters: map[string]string{"user": "ada", "password": "hunter2"},
	})
	require.NoError(t, err)

	view, err := f.coord.BeginLogin(context.Background(), sess, LoginRequest{
		ProviderID:         "sso",
		LinkWithActiveUser: true,
	})
	require.NoError(t, err)
	f.broker.complete(&Verified{Subject: "ada"})
	_, err = f.coord.Resolve(context.Background(), view.ID)
	require.NoError(t, err)
	require.Len(t, sess.Identities(), 2)

	_, err = f.coord.Logout(context.Background(), sess, "sso", "")
	require.NoError(t, err)
	require.Len(t, sess.Identities(), 1)
	assert.Equal(t, "local", sess.Identities()[0].ProviderID)
	assert.NotNil(t, sess.User(), "scoped logout keeps the remaining identity's user")
}
