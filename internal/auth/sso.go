// ABOUTME: Federated SSO provider driving redirect-based login round trips
// ABOUTME: The broker exchange protocol stays behind a narrow interface

package auth

import (
	"context"
	"fmt"
)

// IdentityBroker is the external federated identity service the SSO
// provider round-trips through. Implementations handle the actual
// OIDC/SAML mechanics; tests supply fakes.
type IdentityBroker interface {
	// AuthorizeURL builds the redirect the client must follow. state
	// correlates the callback with the originating attempt.
	AuthorizeURL(configID, state string) string
	// Exchange polls for completion of the external flow. pending is true
	// while the user has not finished at the identity provider.
	Exchange(ctx context.Context, state string) (v *Verified, pending bool, err error)
	// SignOutURL returns the provider-side sign-out redirect, or empty.
	SignOutURL(configID string) string
}

// SSOProvider is the federated login provider. Login begins with a redirect
// and completes on a later resolve poll.
type SSOProvider struct {
	id     string
	broker IdentityBroker
}

// NewSSOProvider creates a federated SSO provider with the given id.
func NewSSOProvider(id string, broker IdentityBroker) *SSOProvider {
	return &SSOProvider{id: id, broker: broker}
}

func (p *SSOProvider) ID() string      { return p.id }
func (p *SSOProvider) Trusted() bool   { return false }
func (p *SSOProvider) Federated() bool { return true }

// Authenticate is not used for federated providers; login goes through
// BeginRedirect/CheckRedirect.
func (p *SSOProvider) Authenticate(ctx context.Context, configID string, params map[string]string) (*Verified, error) {
	return nil, fmt.Errorf("provider %s requires a redirect flow", p.id)
}

// BeginRedirect starts the external round trip.
func (p *SSOProvider) BeginRedirect(ctx context.Context, configID, state string) (string, error) {
	url := p.broker.AuthorizeURL(configID, state)
	if url == "" {
		return "", fmt.Errorf("broker returned no authorize URL for config %q", configID)
	}
	return url, nil
}

// CheckRedirect polls the broker for completion.
func (p *SSOProvider) CheckRedirect(ctx context.Context, state string) (*Verified, bool, error) {
	return p.broker.Exchange(ctx, state)
}

// SignOutURL returns the broker sign-out redirect for a configuration.
func (p *SSOProvider) SignOutURL(configID string) string {
	return p.broker.SignOutURL(configID)
}
