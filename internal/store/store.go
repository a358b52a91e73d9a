// ABOUTME: Store interface and data types for console-gateway persistence
// ABOUTME: Defines User, Identity, Credential structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateUser is returned when trying to create a user whose username is taken
var ErrDuplicateUser = errors.New("user already exists")

// Well-known permission names. Fine-grained permissions are open-ended
// strings; these are the ones the server itself consults.
const (
	PermissionAdmin         = "admin"
	PermissionOpenWorkspace = "workspace.open"
	PermissionRunQueries    = "workspace.query"
)

// User is a concrete user record that provider-verified identities link to.
type User struct {
	ID          string
	Username    string
	DisplayName string
	CreatedAt   time.Time
}

// Identity is one provider-verified credential set linked to a user.
// A user may hold several (federated account + local password, etc.).
type Identity struct {
	UserID      string
	ProviderID  string
	ConfigID    string
	Subject     string // provider-scoped stable identifier
	DisplayName string
	LinkedAt    time.Time
}

// Credential is a local-password login record. Username doubles as the
// identity subject on successful verification.
type Credential struct {
	ProviderID   string
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Store defines the persistence operations needed by identity linking and
// the permission gate. Implementations must be safe for concurrent use.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// Identities
	LinkIdentity(ctx context.Context, identity *Identity) error
	GetUserByIdentity(ctx context.Context, providerID, subject string) (*User, error)
	ListIdentities(ctx context.Context, userID string) ([]*Identity, error)

	// Permissions
	GrantPermission(ctx context.Context, userID, permission string) error
	RevokePermission(ctx context.Context, userID, permission string) error
	ListPermissions(ctx context.Context, userID string) ([]string, error)

	// Local-password credentials
	SetCredential(ctx context.Context, cred *Credential) error
	GetCredential(ctx context.Context, providerID, username string) (*Credential, error)

	// Close releases database resources
	Close() error
}
