// ABOUTME: Local password provider backed by the credential store
// ABOUTME: Verifies bcrypt password hashes for store-managed accounts

package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/console-gateway/internal/store"
)

// LocalProvider authenticates username/password pairs against bcrypt hashes
// in the credential store.
type LocalProvider struct {
	id    string
	store store.Store
}

// NewLocalProvider creates a local-password provider with the given id.
func NewLocalProvider(id string, st store.Store) *LocalProvider {
	return &LocalProvider{id: id, store: st}
}

func (p *LocalProvider) ID() string      { return p.id }
func (p *LocalProvider) Trusted() bool   { return false }
func (p *LocalProvider) Federated() bool { return false }

// Authenticate verifies the "user"/"password" parameters against the stored
// credential. Unknown users and wrong passwords both surface as
// ErrInvalidCredentials so callers cannot probe for account existence.
func (p *LocalProvider) Authenticate(ctx context.Context, configID string, params map[string]string) (*Verified, error) {
	username := params["user"]
	password := params["password"]
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: user and password are required", ErrInvalidCredentials)
	}

	cred, err := p.store.GetCredential(ctx, p.id, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("looking up credential: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &Verified{Subject: username, DisplayName: username}, nil
}

// HashPassword produces a bcrypt hash suitable for Credential.PasswordHash.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}
