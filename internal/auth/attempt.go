// ABOUTME: AuthAttempt records and their TTL-bounded in-memory store
// ABOUTME: Attempts expire if never resolved; polling expired ones must fail

package auth

import (
	"context"
	"sync"
	"time"

	"github.com/2389/console-gateway/internal/store"
)

// AttemptStatus is the lifecycle state of one login try. Once an attempt
// leaves StatusInProgress the status is terminal.
type AttemptStatus string

const (
	StatusInProgress AttemptStatus = "IN_PROGRESS"
	StatusSuccess    AttemptStatus = "SUCCESS"
	StatusError      AttemptStatus = "ERROR"
	StatusExpired    AttemptStatus = "EXPIRED"
)

// Attempt is the in-flight record of one login try, possibly spanning an
// external redirect round trip. Fields are guarded by mu; Snapshot returns
// a consistent copy for callers.
type Attempt struct {
	mu sync.Mutex

	ID          string
	ProviderID  string
	ConfigID    string
	SessionID   string
	Status      AttemptStatus
	RedirectURL string
	ErrMessage  string
	Identities  []*store.Identity
	CreatedAt   time.Time
	ResolvedAt  time.Time

	linkWithActiveUser  bool
	forceSessionsLogout bool
	linked              bool
}

// AttemptView is an immutable copy of an attempt's observable state.
type AttemptView struct {
	ID          string
	ProviderID  string
	ConfigID    string
	Status      AttemptStatus
	RedirectURL string
	ErrMessage  string
	Identities  []*store.Identity
	CreatedAt   time.Time
	ResolvedAt  time.Time
}

// Snapshot copies the observable attempt state under the attempt mutex.
func (a *Attempt) Snapshot() *AttemptView {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]*store.Identity, len(a.Identities))
	copy(ids, a.Identities)
	return &AttemptView{
		ID:          a.ID,
		ProviderID:  a.ProviderID,
		ConfigID:    a.ConfigID,
		Status:      a.Status,
		RedirectURL: a.RedirectURL,
		ErrMessage:  a.ErrMessage,
		Identities:  ids,
		CreatedAt:   a.CreatedAt,
		ResolvedAt:  a.ResolvedAt,
	}
}

// attemptStore holds pending attempts with TTL expiry. Attempts that were
// never resolved transition to EXPIRED and are swept out after a grace
// period; resolving an unknown or expired id fails with ErrAttemptExpired.
type attemptStore struct {
	mu       sync.RWMutex
	attempts map[string]*Attempt
	ttl      time.Duration
}

func newAttemptStore(ttl time.Duration) *attemptStore {
	return &attemptStore{
		attempts: make(map[string]*Attempt),
		ttl:      ttl,
	}
}

func (s *attemptStore) put(a *Attempt) {
	s.mu.Lock()
	s.attempts[a.ID] = a
	s.mu.Unlock()
}

func (s *attemptStore) get(id string) (*Attempt, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	return a, ok
}

// sweep expires stale in-progress attempts and drops terminal entries that
// have outlived the TTL since resolution.
func (s *attemptStore) sweep() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.attempts {
		a.mu.Lock()
		switch {
		case a.Status == StatusInProgress && now.Sub(a.CreatedAt) > s.ttl:
			a.Status = StatusExpired
			a.ResolvedAt = now
		case a.Status != StatusInProgress && !a.ResolvedAt.IsZero() && now.Sub(a.ResolvedAt) > s.ttl:
			delete(s.attempts, id)
		}
		a.mu.Unlock()
	}
}

// runSweeper sweeps until ctx is cancelled.
func (s *attemptStore) runSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}
