// ABOUTME: In-memory mock implementation of the Store interface for testing
// ABOUTME: Thread-safe map-backed store with the same semantics as SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for tests.
type MockStore struct {
	mu          sync.RWMutex
	users       map[string]*User           // id -> user
	identities  map[string]*Identity       // providerID|subject -> identity
	permissions map[string]map[string]bool // userID -> set
	credentials map[string]*Credential     // providerID|username -> credential
}

// NewMockStore creates an empty mock store.
func NewMockStore() *MockStore {
	return &MockStore{
		users:       make(map[string]*User),
		identities:  make(map[string]*Identity),
		permissions: make(map[string]map[string]bool),
		credentials: make(map[string]*Credential),
	}
}

func identityKey(providerID, subject string) string {
	return providerID + "|" + subject
}

// CreateUser inserts a user, enforcing username uniqueness.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return ErrDuplicateUser
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	cp := *user
	m.users[user.ID] = &cp
	return nil
}

// GetUser retrieves a user by id.
func (m *MockStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// GetUserByUsername retrieves a user by username.
func (m *MockStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// LinkIdentity records or updates a provider identity.
func (m *MockStore) LinkIdentity(ctx context.Context, identity *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if identity.LinkedAt.IsZero() {
		identity.LinkedAt = time.Now()
	}
	cp := *identity
	m.identities[identityKey(identity.ProviderID, identity.Subject)] = &cp
	return nil
}

// GetUserByIdentity resolves the user linked to a (provider, subject) pair.
func (m *MockStore) GetUserByIdentity(ctx context.Context, providerID, subject string) (*User, error) {
	m.mu.RLock()
	id, ok := m.identities[identityKey(providerID, subject)]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrNotFound
	}
	userID := id.UserID
	m.mu.RUnlock()
	return m.GetUser(ctx, userID)
}

// ListIdentities returns identities linked to a user, oldest first.
func (m *MockStore) ListIdentities(ctx context.Context, userID string) ([]*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Identity
	for _, id := range m.identities {
		if id.UserID == userID {
			cp := *id
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkedAt.Before(out[j].LinkedAt) })
	return out, nil
}

// GrantPermission grants a permission to a user.
func (m *MockStore) GrantPermission(ctx context.Context, userID, permission string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.permissions[userID] == nil {
		m.permissions[userID] = make(map[string]bool)
	}
	m.permissions[userID][permission] = true
	return nil
}

// RevokePermission removes a permission from a user.
func (m *MockStore) RevokePermission(ctx context.Context, userID, permission string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.permissions[userID], permission)
	return nil
}

// ListPermissions returns the user's permission names, sorted.
func (m *MockStore) ListPermissions(ctx context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var perms []string
	for p := range m.permissions[userID] {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, nil
}

// SetCredential stores or replaces a local-password credential.
func (m *MockStore) SetCredential(ctx context.Context, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	cp := *cred
	m.credentials[identityKey(cred.ProviderID, cred.Username)] = &cp
	return nil
}

// GetCredential retrieves a local-password credential.
func (m *MockStore) GetCredential(ctx context.Context, providerID, username string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[identityKey(providerID, username)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
