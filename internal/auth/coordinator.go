// ABOUTME: Provider-agnostic authentication state machine over login attempts
// ABOUTME: Handles identity linking, session caps, logout, and attempt resolution

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/console-gateway/internal/events"
	"github.com/2389/console-gateway/internal/session"
	"github.com/2389/console-gateway/internal/store"
)

// defaultPermissions are granted to users created on first login.
var defaultPermissions = []string{
	store.PermissionOpenWorkspace,
	store.PermissionRunQueries,
}

// Publisher receives auth state-change events for broadcast.
type Publisher interface {
	Publish(ev *events.Event)
}

// LoginRequest carries the parameters of one login entry-point call.
type LoginRequest struct {
	ProviderID          string
	ConfigID            string
	Parameters          map[string]string
	LinkWithActiveUser  bool
	ForceSessionsLogout bool

	// SideChannel marks requests whose credentials were injected by the
	// server itself (reverse-proxy header, SSO cookie) rather than the
	// generic client-facing entry point. Only side-channel calls may reach
	// trusted providers.
	SideChannel bool
}

// Coordinator drives login attempts from creation to resolution. One
// instance serves the whole process; all state lives in the attempt store
// and the sessions themselves.
type Coordinator struct {
	providers *Registry
	users     store.Store
	sessions  *session.Registry
	attempts  *attemptStore
	publisher Publisher
	logger    *slog.Logger

	// maxSessionsPerUser caps concurrent sessions per user identity.
	// Zero means unlimited.
	maxSessionsPerUser int
}

// NewCoordinator creates the authentication coordinator. attemptTTL bounds
// how long an unresolved attempt stays pollable. Pass nil logger for
// default.
func NewCoordinator(providers *Registry, users store.Store, sessions *session.Registry, publisher Publisher, attemptTTL time.Duration, maxSessionsPerUser int, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		providers:          providers,
		users:              users,
		sessions:           sessions,
		attempts:           newAttemptStore(attemptTTL),
		publisher:          publisher,
		maxSessionsPerUser: maxSessionsPerUser,
		logger:             logger.With("component", "authn"),
	}
}

// Providers exposes the provider registry.
func (c *Coordinator) Providers() *Registry { return c.providers }

// RunAttemptSweeper expires unresolved attempts until ctx is cancelled.
func (c *Coordinator) RunAttemptSweeper(ctx context.Context, interval time.Duration) {
	c.attempts.runSweeper(ctx, interval)
}

// BeginLogin starts a login attempt for the session. Synchronous providers
// complete (or fail) immediately; federated ones return an IN_PROGRESS
// attempt with a redirect URL for the caller to follow and later resolve.
func (c *Coordinator) BeginLogin(ctx context.Context, sess *session.Session, req LoginRequest) (*AttemptView, error) {
	provider, err := c.providers.Get(req.ProviderID)
	if err != nil {
		return nil, err
	}
	if provider.Trusted() && !req.SideChannel {
		return nil, fmt.Errorf("%w: %s", ErrTrustedProviderDirectUse, req.ProviderID)
	}

	attempt := &Attempt{
		ID:                  uuid.New().String(),
		ProviderID:          req.ProviderID,
		ConfigID:            req.ConfigID,
		SessionID:           sess.ID(),
		Status:              StatusInProgress,
		CreatedAt:           time.Now(),
		linkWithActiveUser:  req.LinkWithActiveUser,
		forceSessionsLogout: req.ForceSessionsLogout,
	}

	if fed, ok := provider.(FederatedProvider); ok && provider.Federated() {
		redirectURL, err := fed.BeginRedirect(ctx, req.ConfigID, attempt.ID)
		if err != nil {
			return nil, fmt.Errorf("provider %s: starting redirect: %w", req.ProviderID, err)
		}
		attempt.RedirectURL = redirectURL
		c.attempts.put(attempt)
		c.logger.Info("federated login started",
			"provider_id", req.ProviderID,
			"attempt_id", attempt.ID,
			"session_id", sess.ID())
		return attempt.Snapshot(), nil
	}

	verified, err := provider.Authenticate(ctx, req.ConfigID, req.Parameters)
	if err != nil {
		attempt.mu.Lock()
		attempt.Status = StatusError
		attempt.ErrMessage = err.Error()
		attempt.ResolvedAt = time.Now()
		attempt.mu.Unlock()
		c.attempts.put(attempt)
		c.logger.Info("login failed",
			"provider_id", req.ProviderID,
			"session_id", sess.ID(),
			"error", err)
		return attempt.Snapshot(), nil
	}

	if err := c.complete(ctx, attempt, sess, verified); err != nil {
		return nil, err
	}
	c.attempts.put(attempt)
	return attempt.Snapshot(), nil
}

// Resolve polls an attempt. IN_PROGRESS attempts re-poll the underlying
// provider; terminal attempts return their stored state without re-running
// identity linking. Unknown and expired ids fail with ErrAttemptExpired.
func (c *Coordinator) Resolve(ctx context.Context, attemptID string) (*AttemptView, error) {
	attempt, ok := c.attempts.get(attemptID)
	if !ok {
		return nil, ErrAttemptExpired
	}

	attempt.mu.Lock()
	status := attempt.Status
	attempt.mu.Unlock()

	switch status {
	case StatusExpired:
		return nil, ErrAttemptExpired
	case StatusSuccess, StatusError:
		// Terminal: idempotent, no re-linking.
		return attempt.Snapshot(), nil
	}

	provider, err := c.providers.Get(attempt.ProviderID)
	if err != nil {
		return nil, err
	}
	fed, ok := provider.(FederatedProvider)
	if !ok {
		// Synchronous providers never park attempts in progress.
		return attempt.Snapshot(), nil
	}

	verified, pending, err := fed.CheckRedirect(ctx, attempt.ID)
	if pending {
		return attempt.Snapshot(), nil
	}
	if err != nil {
		attempt.mu.Lock()
		if attempt.Status == StatusInProgress {
			attempt.Status = StatusError
			attempt.ErrMessage = err.Error()
			attempt.ResolvedAt = time.Now()
		}
		attempt.mu.Unlock()
		return attempt.Snapshot(), nil
	}

	sess := c.sessions.FindByID(attempt.SessionID)
	if sess == nil {
		attempt.mu.Lock()
		if attempt.Status == StatusInProgress {
			attempt.Status = StatusError
			attempt.ErrMessage = "originating session no longer exists"
			attempt.ResolvedAt = time.Now()
		}
		attempt.mu.Unlock()
		return attempt.Snapshot(), nil
	}

	if err := c.complete(ctx, attempt, sess, verified); err != nil {
		return nil, err
	}
	return attempt.Snapshot(), nil
}

// complete performs identity linking exactly once per attempt. Racing
// resolves serialize on the attempt mutex; the loser observes the winner's
// terminal state and returns without re-linking.
func (c *Coordinator) complete(ctx context.Context, attempt *Attempt, sess *session.Session, verified *Verified) error {
	attempt.mu.Lock()
	defer attempt.mu.Unlock()

	if attempt.linked || attempt.Status != StatusInProgress {
		return nil
	}

	user, err := c.resolveUser(ctx, attempt, verified)
	if err != nil {
		return err
	}

	if err := c.enforceSessionCap(sess, user, attempt.forceSessionsLogout); err != nil {
		attempt.Status = StatusError
		attempt.ErrMessage = err.Error()
		attempt.ResolvedAt = time.Now()
		return err
	}

	identity := &store.Identity{
		UserID:      user.ID,
		ProviderID:  attempt.ProviderID,
		ConfigID:    attempt.ConfigID,
		Subject:     verified.Subject,
		DisplayName: verified.DisplayName,
		LinkedAt:    time.Now(),
	}
	if err := c.users.LinkIdentity(ctx, identity); err != nil {
		return fmt.Errorf("linking identity: %w", err)
	}

	permissions, err := c.users.ListPermissions(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("loading permissions: %w", err)
	}

	attempt.Identities = sess.ApplyLogin(user, identity, attempt.linkWithActiveUser, permissions)
	attempt.Status = StatusSuccess
	attempt.ResolvedAt = time.Now()
	attempt.linked = true

	if c.publisher != nil {
		c.publisher.Publish(&events.Event{
			Topic:           events.TopicAuth,
			Type:            "login",
			OriginSessionID: sess.ID(),
			Reflective:      true,
			Payload: events.Marshal(map[string]string{
				"sessionId":  sess.ID(),
				"userId":     user.ID,
				"providerId": attempt.ProviderID,
			}),
		})
	}

	c.logger.Info("login completed",
		"provider_id", attempt.ProviderID,
		"session_id", sess.ID(),
		"user_id", user.ID)
	return nil
}

// resolveUser finds the user a verified identity belongs to, creating one on
// first login.
func (c *Coordinator) resolveUser(ctx context.Context, attempt *Attempt, verified *Verified) (*store.User, error) {
	user, err := c.users.GetUserByIdentity(ctx, attempt.ProviderID, verified.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving user: %w", err)
	}

	// First login through this identity: try matching an existing account
	// by username, otherwise create one.
	user, err = c.users.GetUserByUsername(ctx, verified.Subject)
	if errors.Is(err, store.ErrNotFound) {
		user = &store.User{
			ID:          uuid.New().String(),
			Username:    verified.Subject,
			DisplayName: verified.DisplayName,
			CreatedAt:   time.Now(),
		}
		if err := c.users.CreateUser(ctx, user); err != nil && !errors.Is(err, store.ErrDuplicateUser) {
			return nil, fmt.Errorf("creating user: %w", err)
		}
		for _, p := range defaultPermissions {
			if err := c.users.GrantPermission(ctx, user.ID, p); err != nil {
				return nil, fmt.Errorf("granting default permission: %w", err)
			}
		}
	} else if err != nil {
		return nil, fmt.Errorf("resolving user by username: %w", err)
	}
	return user, nil
}

// enforceSessionCap applies the per-user concurrent-session policy: soft
// rejection with ErrTooManySessions, unless forceLogout is set, in which
// case the user's oldest other sessions are closed until the new one fits.
func (c *Coordinator) enforceSessionCap(sess *session.Session, user *store.User, forceLogout bool) error {
	if c.maxSessionsPerUser <= 0 {
		return nil
	}

	others := make([]*session.Session, 0)
	for _, s := range c.sessions.SessionsForUser(user.ID) {
		if s.ID() != sess.ID() {
			others = append(others, s)
		}
	}
	if len(others) < c.maxSessionsPerUser {
		return nil
	}
	if !forceLogout {
		return fmt.Errorf("%w: user %s has %d active sessions", ErrTooManySessions, user.Username, len(others))
	}

	// Oldest first, per SessionsForUser ordering.
	for len(others) >= c.maxSessionsPerUser {
		victim := others[0]
		others = others[1:]
		c.logger.Info("forcing session logout for cap",
			"user_id", user.ID,
			"victim_session_id", victim.ID())
		c.sessions.CloseSession(victim)
	}
	return nil
}

// Logout removes the session's linked identities for the given provider
// (empty means all) and returns provider sign-out redirect URLs for the
// client to follow.
func (c *Coordinator) Logout(ctx context.Context, sess *session.Session, providerID, configID string) ([]string, error) {
	var signOutURLs []string
	seen := make(map[string]bool)
	for _, identity := range sess.Identities() {
		if providerID != "" && identity.ProviderID != providerID {
			continue
		}
		if configID != "" && identity.ConfigID != configID {
			continue
		}
		provider, err := c.providers.Get(identity.ProviderID)
		if err != nil {
			continue
		}
		if linker, ok := provider.(SignOutLinker); ok {
			if url := linker.SignOutURL(identity.ConfigID); url != "" && !seen[url] {
				seen[url] = true
				signOutURLs = append(signOutURLs, url)
			}
		}
	}

	sess.RemoveIdentities(providerID, configID)

	if c.publisher != nil {
		c.publisher.Publish(&events.Event{
			Topic:           events.TopicAuth,
			Type:            "logout",
			OriginSessionID: sess.ID(),
			Reflective:      true,
			Payload: events.Marshal(map[string]string{
				"sessionId":  sess.ID(),
				"providerId": providerID,
			}),
		})
	}

	c.logger.Info("logout", "session_id", sess.ID(), "provider_id", providerID)
	return signOutURLs, nil
}
