// ABOUTME: Tests for broadcaster fan-out, origin suppression, and filters
// ABOUTME: Covers topic/project narrowing, reflective echo, and failed sends

package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records everything sent to it.
type fakeTransport struct {
	mu        sync.Mutex
	id        string
	sessionID string
	sub       Subscription
	received  []*Event
	sendErr   error
	pingErr   error
	closed    bool
	reason    string
}

func (f *fakeTransport) ID() string        { return f.id }
func (f *fakeTransport) SessionID() string { return f.sessionID }

func (f *fakeTransport) Subscription() Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sub
}

func (f *fakeTransport) Send(ev *Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.received = append(f.received, ev)
	return nil
}

func (f *fakeTransport) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeTransport) Close(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
}

func (f *fakeTransport) events() []*Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Event(nil), f.received...)
}

// fakeSource is a static transport list.
type fakeSource struct {
	transports []Transport
}

func (s *fakeSource) ActiveTransports() []Transport { return s.transports }

func TestBroadcaster_DeliversToAllTransports(t *testing.T) {
	t1 := &fakeTransport{id: "t1", sessionID: "s1"}
	t2 := &fakeTransport{id: "t2", sessionID: "s2"}
	b := NewBroadcaster(&fakeSource{transports: []Transport{t1, t2}}, nil, nil)

	b.Publish(&Event{Topic: TopicTask, Type: "progress"})

	require.Len(t, t1.events(), 1)
	require.Len(t, t2.events(), 1)
}

func TestBroadcaster_AssignsMonotonicIDs(t *testing.T) {
	tr := &fakeTransport{id: "t1", sessionID: "s1"}
	b := NewBroadcaster(&fakeSource{transports: []Transport{tr}}, nil, nil)

	b.Publish(&Event{Topic: TopicTask})
	b.Publish(&Event{Topic: TopicTask})
	b.Publish(&Event{Topic: TopicTask})

	got := tr.events()
	require.Len(t, got, 3)
	assert.Less(t, got[0].ID, got[1].ID)
	assert.Less(t, got[1].ID, got[2].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestBroadcaster_SuppressesOriginSession(t *testing.T) {
	origin := &fakeTransport{id: "t1", sessionID: "s1"}
	other := &fakeTransport{id: "t2", sessionID: "s2"}
	b := NewBroadcaster(&fakeSource{transports: []Transport{origin, other}}, nil, nil)

	b.Publish(&Event{Topic: TopicSettings, OriginSessionID: "s1"})

	assert.Empty(t, origin.events(), "origin session must not see its own event")
	assert.Len(t, other.events(), 1)
}

func TestBroadcaster_ReflectiveEventsEchoToOrigin(t *testing.T) {
	origin := &fakeTransport{id: "t1", sessionID: "s1"}
	b := NewBroadcaster(&fakeSource{transports: []Transport{origin}}, nil, nil)

	b.Publish(&Event{Topic: TopicTask, OriginSessionID: "s1", Reflective: true})

	assert.Len(t, origin.events(), 1)
}

func TestBroadcaster_TopicFilter(t *testing.T) {
	tr := &fakeTransport{
		id:        "t1",
		sessionID: "s1",
		sub:       Subscription{Topics: map[string]bool{TopicTask: true}},
	}
	b := NewBroadcaster(&fakeSource{transports: []Transport{tr}}, nil, nil)

	b.Publish(&Event{Topic: TopicAuth})
	b.Publish(&Event{Topic: TopicTask})

	got := tr.events()
	require.Len(t, got, 1)
	assert.Equal(t, TopicTask, got[0].Topic)
}

func TestBroadcaster_ProjectFilter(t *testing.T) {
	tr := &fakeTransport{
		id:        "t1",
		sessionID: "s1",
		sub:       Subscription{Projects: map[string]bool{"proj-a": true}},
	}
	b := NewBroadcaster(&fakeSource{transports: []Transport{tr}}, nil, nil)

	b.Publish(&Event{Topic: TopicTask, ProjectID: "proj-b"})
	b.Publish(&Event{Topic: TopicTask, ProjectID: "proj-a"})
	// Events without a project pass a project filter.
	b.Publish(&Event{Topic: TopicTask})

	got := tr.events()
	require.Len(t, got, 2)
	assert.Equal(t, "proj-a", got[0].ProjectID)
	assert.Empty(t, got[1].ProjectID)
}

func TestBroadcaster_FailedSendDoesNotAbortOthers(t *testing.T) {
	broken := &fakeTransport{id: "t1", sessionID: "s1", sendErr: errors.New("boom")}
	healthy := &fakeTransport{id: "t2", sessionID: "s2"}
	b := NewBroadcaster(&fakeSource{transports: []Transport{broken, healthy}}, nil, nil)

	b.Publish(&Event{Topic: TopicSession})

	assert.Len(t, healthy.events(), 1)
	assert.False(t, broken.closed, "broadcaster must leave cleanup to the prober")
}

func TestProber_ClosesFailingTransports(t *testing.T) {
	dead := &fakeTransport{id: "t1", sessionID: "s1", pingErr: errors.New("gone")}
	alive := &fakeTransport{id: "t2", sessionID: "s2"}
	p := NewProber(&fakeSource{transports: []Transport{dead, alive}}, 0, nil)

	p.probeAll(context.Background())

	assert.True(t, dead.closed)
	assert.False(t, alive.closed)
}
