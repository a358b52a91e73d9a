// ABOUTME: LDAP provider delegating credential checks to a directory binder
// ABOUTME: Directory internals stay behind a narrow interface

package auth

import (
	"context"
	"fmt"
)

// DirectoryUser is the subset of a directory entry the console needs.
type DirectoryUser struct {
	Username    string
	DisplayName string
}

// Directory performs an LDAP bind. The directory connection handling lives
// outside this package; tests supply fakes.
type Directory interface {
	Bind(ctx context.Context, username, password string) (*DirectoryUser, error)
}

// LDAPProvider authenticates by binding against an external directory.
type LDAPProvider struct {
	id  string
	dir Directory
}

// NewLDAPProvider creates an LDAP provider with the given id.
func NewLDAPProvider(id string, dir Directory) *LDAPProvider {
	return &LDAPProvider{id: id, dir: dir}
}

func (p *LDAPProvider) ID() string      { return p.id }
func (p *LDAPProvider) Trusted() bool   { return false }
func (p *LDAPProvider) Federated() bool { return false }

// Authenticate binds with the "user"/"password" parameters.
func (p *LDAPProvider) Authenticate(ctx context.Context, configID string, params map[string]string) (*Verified, error) {
	username := params["user"]
	password := params["password"]
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
	}

	entry, err := p.dir.Bind(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("directory bind for %q: %w", username, err)
	}

	return &Verified{Subject: entry.Username, DisplayName: entry.DisplayName}, nil
}
