// ABOUTME: Fan-out broadcaster delivering events to subscribed session transports
// ABOUTME: Applies origin suppression and topic/project filters per transport

package events

import (
	"sync/atomic"
	"time"

	"log/slog"
)

// Broadcaster fans published events out to every deliverable transport.
// Delivery failures on one transport never abort delivery to the others;
// dead transports are pruned by the liveness prober or session close, not
// here.
type Broadcaster struct {
	source TransportSource
	nextID atomic.Uint64
	logger *slog.Logger

	// optional delivery counters, nil-safe
	metrics Recorder
}

// Recorder receives broadcast accounting. Implemented by internal/metrics.
type Recorder interface {
	EventPublished()
	EventDelivered()
	EventDropped()
}

// NewBroadcaster creates a broadcaster over the given transport source.
// Pass nil logger for default.
func NewBroadcaster(source TransportSource, metrics Recorder, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		source:  source,
		metrics: metrics,
		logger:  logger.With("component", "broadcaster"),
	}
}

// Publish assigns the event a monotonic id and delivers it to every live
// transport that passes the deliverability rules. Safe for concurrent use;
// ids reflect Publish order.
func (b *Broadcaster) Publish(ev *Event) {
	ev.ID = b.nextID.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if b.metrics != nil {
		b.metrics.EventPublished()
	}

	for _, t := range b.source.ActiveTransports() {
		if !isDeliverable(t, ev) {
			continue
		}
		if err := t.Send(ev); err != nil {
			// Broken transport: log and keep going. Cleanup is the
			// prober's job.
			if b.metrics != nil {
				b.metrics.EventDropped()
			}
			b.logger.Debug("event delivery failed",
				"transport_id", t.ID(),
				"session_id", t.SessionID(),
				"event_id", ev.ID,
				"error", err)
			continue
		}
		if b.metrics != nil {
			b.metrics.EventDelivered()
		}
	}
}

// isDeliverable applies the suppression rules from the session console
// protocol: no echo to the originating session unless the event is
// reflective, and non-empty topic/project filters must match.
func isDeliverable(t Transport, ev *Event) bool {
	if ev.OriginSessionID != "" && ev.OriginSessionID == t.SessionID() && !ev.Reflective {
		return false
	}
	sub := t.Subscription()
	if len(sub.Topics) > 0 && !sub.Topics[ev.Topic] {
		return false
	}
	if len(sub.Projects) > 0 && ev.ProjectID != "" && !sub.Projects[ev.ProjectID] {
		return false
	}
	return true
}
