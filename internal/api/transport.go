// ABOUTME: SSE push transport implementation with per-connection ordered queue
// ABOUTME: Control endpoints mutate the subscription filter; one writer drains the queue

package api

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/console-gateway/internal/events"
)

// Transport errors surfaced to the broadcaster.
var (
	errTransportClosed = errors.New("transport closed")
	errTransportFull   = errors.New("transport queue full")
)

// sseTransport is one live push connection. Events are queued on a buffered
// channel drained by the single streaming goroutine, which preserves
// delivery order per transport and keeps Publish from blocking on slow
// clients.
type sseTransport struct {
	id        string
	sessionID string

	mu       sync.Mutex
	topics   map[string]bool
	projects map[string]bool
	closed   bool
	reason   string

	out     chan *events.Event
	closeCh chan struct{}
	onClose func(t *sseTransport)
}

func newSSETransport(sessionID string, buffer int, onClose func(t *sseTransport)) *sseTransport {
	return &sseTransport{
		id:        uuid.New().String(),
		sessionID: sessionID,
		topics:    make(map[string]bool),
		projects:  make(map[string]bool),
		out:       make(chan *events.Event, buffer),
		closeCh:   make(chan struct{}),
		onClose:   onClose,
	}
}

func (t *sseTransport) ID() string        { return t.id }
func (t *sseTransport) SessionID() string { return t.sessionID }

// Subscription returns a point-in-time copy of the filter.
func (t *sseTransport) Subscription() events.Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub := events.Subscription{
		Topics:   make(map[string]bool, len(t.topics)),
		Projects: make(map[string]bool, len(t.projects)),
	}
	for k := range t.topics {
		sub.Topics[k] = true
	}
	for k := range t.projects {
		sub.Projects[k] = true
	}
	return sub
}

// Subscribe adds topics to the filter.
func (t *sseTransport) Subscribe(topics ...string) {
	t.mu.Lock()
	for _, topic := range topics {
		t.topics[topic] = true
	}
	t.mu.Unlock()
}

// Unsubscribe removes topics from the filter.
func (t *sseTransport) Unsubscribe(topics ...string) {
	t.mu.Lock()
	for _, topic := range topics {
		delete(t.topics, topic)
	}
	t.mu.Unlock()
}

// SetProjects replaces the subscribed project set.
func (t *sseTransport) SetProjects(projects []string) {
	next := make(map[string]bool, len(projects))
	for _, p := range projects {
		next[p] = true
	}
	t.mu.Lock()
	t.projects = next
	t.mu.Unlock()
}

// Send enqueues an event for delivery. Never blocks: a full queue means the
// consumer has stalled, and the event is reported dropped for this
// transport rather than stalling the publisher.
func (t *sseTransport) Send(ev *events.Event) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return errTransportClosed
	}
	// Hold the lock while enqueuing so Close cannot race the send.
	select {
	case t.out <- ev:
		t.mu.Unlock()
		return nil
	default:
		t.mu.Unlock()
		return errTransportFull
	}
}

// Ping enqueues a protocol-level ping. A transport that cannot even accept
// a ping is treated as dead by the liveness prober.
func (t *sseTransport) Ping(ctx context.Context) error {
	return t.Send(&events.Event{Type: events.TypePing})
}

// Close shuts the transport down and detaches it from its session. Safe to
// call more than once.
func (t *sseTransport) Close(reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.reason = reason
	close(t.closeCh)
	t.mu.Unlock()

	if t.onClose != nil {
		t.onClose(t)
	}
}
