package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/proxy-presence/pkg/presence"
)

const shutdownTimeout = 10 * time.Second

// drainer is the part of *nats.Conn shutdown needs.
type drainer interface {
	Drain() error
}

// shutdown stops proxy events before the node's shutdown sweep. Drain only
// starts draining, so it waits for closed, which the connection's closed
// handler signals once every in-flight handler has returned.
func shutdown(ctx context.Context, nc drainer, closed <-chan struct{}, node *presence.Node, timeout time.Duration) error {
	if err := nc.Drain(); err != nil {
		slog.Warn("NATS drain failed", "error", err)
	} else {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-closed:
		case <-timer.C:
			slog.Warn("NATS drain did not finish", "timeout", timeout)
		case <-ctx.Done():
		}
	}

	closeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return node.Close(closeCtx)
}
