// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user/identity/permission persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS identities (
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			provider_id TEXT NOT NULL,
			config_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			linked_at DATETIME NOT NULL,
			PRIMARY KEY (provider_id, subject)
		);

		CREATE INDEX IF NOT EXISTS idx_identities_user ON identities(user_id);

		CREATE TABLE IF NOT EXISTS permissions (
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			permission TEXT NOT NULL,
			PRIMARY KEY (user_id, permission)
		);

		CREATE TABLE IF NOT EXISTS credentials (
			provider_id TEXT NOT NULL,
			username TEXT NOT NULL,
			password_hash BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (provider_id, username)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// CreateUser inserts a new user record
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, created_at) VALUES (?, ?, ?, ?)`,
		user.ID, user.Username, user.DisplayName, user.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by id
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByUsername retrieves a user by username
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	return &u, nil
}

// LinkIdentity records a provider identity for a user. Re-linking the same
// (provider, subject) pair updates the existing row rather than failing, so
// identity linking stays idempotent at the persistence layer too.
func (s *SQLiteStore) LinkIdentity(ctx context.Context, identity *Identity) error {
	if identity.LinkedAt.IsZero() {
		identity.LinkedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (user_id, provider_id, config_id, subject, display_name, linked_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id, subject) DO UPDATE SET
			user_id = excluded.user_id,
			config_id = excluded.config_id,
			display_name = excluded.display_name`,
		identity.UserID, identity.ProviderID, identity.ConfigID,
		identity.Subject, identity.DisplayName, identity.LinkedAt)
	if err != nil {
		return fmt.Errorf("linking identity: %w", err)
	}
	return nil
}

// GetUserByIdentity resolves the user a (provider, subject) pair is linked to
func (s *SQLiteStore) GetUserByIdentity(ctx context.Context, providerID, subject string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT u.id, u.username, u.display_name, u.created_at
		 FROM users u JOIN identities i ON i.user_id = u.id
		 WHERE i.provider_id = ? AND i.subject = ?`, providerID, subject)
	return scanUser(row)
}

// ListIdentities returns all identities linked to a user, oldest first
func (s *SQLiteStore) ListIdentities(ctx context.Context, userID string) ([]*Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, provider_id, config_id, subject, display_name, linked_at
		 FROM identities WHERE user_id = ? ORDER BY linked_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var identities []*Identity
	for rows.Next() {
		var id Identity
		if err := rows.Scan(&id.UserID, &id.ProviderID, &id.ConfigID,
			&id.Subject, &id.DisplayName, &id.LinkedAt); err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		identities = append(identities, &id)
	}
	return identities, rows.Err()
}

// GrantPermission grants a permission to a user. Granting an already-held
// permission is a no-op.
func (s *SQLiteStore) GrantPermission(ctx context.Context, userID, permission string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO permissions (user_id, permission) VALUES (?, ?)`,
		userID, permission)
	if err != nil {
		return fmt.Errorf("granting permission: %w", err)
	}
	return nil
}

// RevokePermission removes a permission from a user
func (s *SQLiteStore) RevokePermission(ctx context.Context, userID, permission string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM permissions WHERE user_id = ? AND permission = ?`,
		userID, permission)
	if err != nil {
		return fmt.Errorf("revoking permission: %w", err)
	}
	return nil
}

// ListPermissions returns the user's permission names, sorted
func (s *SQLiteStore) ListPermissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT permission FROM permissions WHERE user_id = ? ORDER BY permission`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying permissions: %w", err)
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// SetCredential stores or replaces a local-password credential
func (s *SQLiteStore) SetCredential(ctx context.Context, cred *Credential) error {
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (provider_id, username, password_hash, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(provider_id, username) DO UPDATE SET password_hash = excluded.password_hash`,
		cred.ProviderID, cred.Username, cred.PasswordHash, cred.CreatedAt)
	if err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// GetCredential retrieves a local-password credential
func (s *SQLiteStore) GetCredential(ctx context.Context, providerID, username string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT provider_id, username, password_hash, created_at
		 FROM credentials WHERE provider_id = ? AND username = ?`, providerID, username)
	var c Credential
	err := row.Scan(&c.ProviderID, &c.Username, &c.PasswordHash, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credential: %w", err)
	}
	return &c, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
