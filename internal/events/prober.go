// ABOUTME: Periodic liveness prober that pings open transports and prunes dead ones
// ABOUTME: Runs on its own ticker, independent of request-handling goroutines

package events

import (
	"context"
	"log/slog"
	"time"
)

// pingTimeout bounds how long a single probe waits for one transport.
const pingTimeout = 5 * time.Second

// Prober periodically pings every open transport and closes those that fail.
// Closing a transport detaches it from its owning session (the transport's
// Close implementation is responsible for that), so a failed probe is enough
// to drop the registry entry.
type Prober struct {
	source   TransportSource
	interval time.Duration
	logger   *slog.Logger
}

// NewProber creates a liveness prober. Pass nil logger for default.
func NewProber(source TransportSource, interval time.Duration, logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		source:   source,
		interval: interval,
		logger:   logger.With("component", "prober"),
	}
}

// Run probes until ctx is cancelled. Intended to be started once by the
// server orchestrator.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	for _, t := range p.source.ActiveTransports() {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := t.Ping(pingCtx)
		cancel()
		if err != nil {
			p.logger.Info("transport failed liveness probe, closing",
				"transport_id", t.ID(),
				"session_id", t.SessionID(),
				"error", err)
			t.Close("liveness probe failed")
		}
	}
}
