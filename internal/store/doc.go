// Package store provides persistence for users, identities, permissions,
// and local credentials.
//
// The Store interface is the only surface the rest of the system sees.
// SQLiteStore is the production implementation (pure-Go driver, WAL mode);
// MockStore is an in-memory implementation for tests.
//
// Identities are keyed by (provider, subject) and upsert on relink, so a
// user who logs in through the same provider twice keeps a single identity
// row with a refreshed display name.
package store
