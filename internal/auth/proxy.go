// ABOUTME: Trusted reverse-proxy header provider
// ABOUTME: Accepts identities injected by the fronting proxy, never by clients

package auth

import (
	"context"
	"fmt"
)

// DefaultProxyUserHeader is the header a fronting reverse proxy sets after
// it has authenticated the request itself.
const DefaultProxyUserHeader = "X-Webconsole-User"

// ProxyProvider trusts an upstream reverse proxy to have authenticated the
// user. It is a trusted provider: the coordinator rejects direct use via the
// login entry point, and only the header side channel reaches it.
type ProxyProvider struct {
	id     string
	header string
}

// NewProxyProvider creates a proxy-header provider. An empty header name
// falls back to DefaultProxyUserHeader.
func NewProxyProvider(id, header string) *ProxyProvider {
	if header == "" {
		header = DefaultProxyUserHeader
	}
	return &ProxyProvider{id: id, header: header}
}

func (p *ProxyProvider) ID() string      { return p.id }
func (p *ProxyProvider) Trusted() bool   { return true }
func (p *ProxyProvider) Federated() bool { return false }

// Header returns the request header carrying the proxy-authenticated user.
func (p *ProxyProvider) Header() string { return p.header }

// Authenticate accepts the "user" parameter injected from the trusted
// header. The value is never read from client-controlled request fields;
// the HTTP layer populates it from the configured header only.
func (p *ProxyProvider) Authenticate(ctx context.Context, configID string, params map[string]string) (*Verified, error) {
	username := params["user"]
	if username == "" {
		return nil, fmt.Errorf("%w: proxy header %s missing", ErrInvalidCredentials, p.header)
	}
	return &Verified{Subject: username, DisplayName: username}, nil
}
