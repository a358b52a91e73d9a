// ABOUTME: Authentication provider contract and the provider registry
// ABOUTME: Providers verify credentials; federated ones add redirect round trips

package auth

import (
	"context"
	"errors"
)

// Taxonomy errors surfaced by the provider registry and coordinator.
var (
	ErrProviderNotFound         = errors.New("authentication provider not found")
	ErrTrustedProviderDirectUse = errors.New("trusted provider cannot be used via the login entry point")
	ErrTooManySessions          = errors.New("too many concurrent sessions for user")
	ErrAttemptExpired           = errors.New("authentication attempt expired")
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrSessionExpired           = errors.New("session expired")
)

// Verified is a provider-verified credential set, before identity linking.
type Verified struct {
	Subject     string // provider-scoped stable identifier
	DisplayName string
}

// Provider is one pluggable authentication mechanism. Implementations carry
// no mutable state beyond configuration loaded at startup and are safe for
// concurrent use.
type Provider interface {
	// ID is the stable provider id clients address.
	ID() string
	// Trusted providers may only be invoked via side channels (reverse
	// proxy headers, SSO cookie injection), never the generic login entry
	// point.
	Trusted() bool
	// Federated reports whether login requires an external redirect round
	// trip. Federated providers also implement FederatedProvider.
	Federated() bool
	// Authenticate verifies the given credentials synchronously.
	Authenticate(ctx context.Context, configID string, params map[string]string) (*Verified, error)
}

// FederatedProvider extends Provider with the redirect-based flow. The state
// value round-trips through the external identity provider and is how a
// later CheckRedirect correlates with the original attempt.
type FederatedProvider interface {
	Provider
	// BeginRedirect starts the external round trip and returns the URL the
	// client must follow.
	BeginRedirect(ctx context.Context, configID, state string) (redirectURL string, err error)
	// CheckRedirect polls the external flow. pending is true while the
	// round trip has not completed; no side effects in that case.
	CheckRedirect(ctx context.Context, state string) (v *Verified, pending bool, err error)
}

// SignOutLinker is implemented by providers that can produce a
// provider-specific sign-out redirect for a configuration.
type SignOutLinker interface {
	SignOutURL(configID string) string
}

// Registry is the catalog of enabled providers. Loaded once at startup and
// read-only afterwards, so concurrent access needs no locking.
type Registry struct {
	providers map[string]Provider
	order     []string
}

// NewRegistry builds a registry from the given providers. Later providers
// with a duplicate id replace earlier ones.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if _, exists := r.providers[p.ID()]; !exists {
			r.order = append(r.order, p.ID())
		}
		r.providers[p.ID()] = p
	}
	return r
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return p, nil
}

// ListEnabled returns all providers in registration order.
func (r *Registry) ListEnabled() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.providers[id])
	}
	return out
}
