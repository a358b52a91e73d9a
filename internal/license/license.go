// ABOUTME: License validity contract consulted by the permission gate
// ABOUTME: Parsing and cryptography live outside; only validity is modeled

package license

import (
	"sync/atomic"
	"time"
)

// Checker reports whether a valid product license is installed. The gate
// consults it before fine-grained permission checks.
type Checker interface {
	Valid() bool
}

// Static is a fixed-answer checker for deployments without enforcement and
// for tests.
type Static struct {
	valid bool
}

// NewStatic returns a checker with a fixed answer.
func NewStatic(valid bool) *Static {
	return &Static{valid: valid}
}

func (s *Static) Valid() bool { return s.valid }

// Expiring is a checker backed by an expiry instant that can be swapped at
// runtime (license re-install without restart).
type Expiring struct {
	expiresAt atomic.Int64 // unix nanos, 0 = no license
}

// NewExpiring returns a checker that is valid until the given instant.
func NewExpiring(expiresAt time.Time) *Expiring {
	e := &Expiring{}
	e.Update(expiresAt)
	return e
}

// Update replaces the expiry instant.
func (e *Expiring) Update(expiresAt time.Time) {
	e.expiresAt.Store(expiresAt.UnixNano())
}

func (e *Expiring) Valid() bool {
	ns := e.expiresAt.Load()
	return ns != 0 && time.Now().UnixNano() < ns
}
