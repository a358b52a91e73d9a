// ABOUTME: Event envelope and transport contract for console push delivery
// ABOUTME: Defines topics, subscription filters, and the Transport interface

package events

import (
	"context"
	"encoding/json"
	"time"
)

// Well-known topics. Handlers may publish on arbitrary topic ids; these are
// the ones the server itself emits on.
const (
	TopicSession  = "session"  // session lifecycle (connected, closed, soft reset)
	TopicAuth     = "auth"     // login/logout state changes
	TopicTask     = "task"     // async task progress and completion
	TopicSettings = "settings" // preference/subscription changes
)

// Server-to-client envelope types carried alongside regular topic events.
const (
	TypeConnected    = "connected"
	TypeTokenExpired = "token_expired"
	TypePing         = "ping"
)

// Event is a single state-change notification fanned out to subscribed
// transports. ID is assigned by the Broadcaster at publish time and is
// monotonic per process.
type Event struct {
	ID        uint64          `json:"id"`
	Topic     string          `json:"topicId"`
	Type      string          `json:"type,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	// OriginSessionID is the session whose action produced the event.
	// Empty means "system". Events are not echoed back to their origin
	// session unless Reflective is set.
	OriginSessionID string `json:"-"`

	// Reflective marks events the originating session should see anyway
	// (e.g. its own connected handshake or soft-reset notice).
	Reflective bool `json:"-"`
}

// Subscription is a point-in-time copy of a transport's topic/project filter.
// Empty sets mean "everything".
type Subscription struct {
	Topics   map[string]bool
	Projects map[string]bool
}

// Transport is one live push connection attached to a session.
// Send must preserve the order of calls made by a single publisher and must
// not block the caller indefinitely; implementations queue internally.
type Transport interface {
	ID() string
	SessionID() string
	Subscription() Subscription
	Send(ev *Event) error
	Ping(ctx context.Context) error
	Close(reason string)
}

// TransportSource supplies the broadcaster and the liveness prober with a
// snapshot of all currently attached transports.
type TransportSource interface {
	ActiveTransports() []Transport
}

// Marshal encodes a payload value for an Event. Errors are swallowed into an
// empty payload; event payloads are opaque and advisory.
func Marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
