package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Heartbeat periodically publishes the local live player count so other
// nodes can answer approximate global counts.
type Heartbeat struct {
	registry *Registry
	host     Host
	clock    clockwork.Clock
	delay    time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func NewHeartbeat(registry *Registry, host Host, delay, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		registry: registry,
		host:     host,
		clock:    registry.clock,
		delay:    delay,
		interval: interval,
		logger:   registry.logger,
	}
}

// Run fires the first tick after the configured delay and then every
// interval until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-h.clock.After(h.delay):
	}
	h.Tick(ctx)

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			h.Tick(ctx)
		}
	}
}

// Tick writes the current live count once. Failures are logged and the
// tick is skipped; the next one repairs the value.
func (h *Heartbeat) Tick(ctx context.Context) {
	self := h.registry.cluster.Self()
	if err := h.registry.SetPlayerCount(ctx, self, h.host.OnlineCount()); err != nil {
		if ctx.Err() != nil {
			return
		}
		h.registry.metrics.heartbeatFailures.Add(ctx, 1)
		h.logger.Error("Unable to update player count, did the Redis server go away?", "error", err)
		return
	}
	h.registry.metrics.heartbeats.Add(ctx, 1)
}
