package presence

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	storeOps          metric.Int64Counter
	heartbeats        metric.Int64Counter
	heartbeatFailures metric.Int64Counter
	reconcileRepairs  metric.Int64Counter
	relayMessages     metric.Int64Counter
	corruptionRepairs metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("presence")
	storeOps, _ := meter.Int64Counter("presence_store_ops_total",
		metric.WithDescription("Redis operations by logical op and result"))
	heartbeats, _ := meter.Int64Counter("presence_heartbeats_total",
		metric.WithDescription("Player count heartbeats written"))
	heartbeatFailures, _ := meter.Int64Counter("presence_heartbeat_failures_total",
		metric.WithDescription("Heartbeat ticks skipped because the store was unavailable"))
	reconcileRepairs, _ := meter.Int64Counter("presence_reconcile_repairs_total",
		metric.WithDescription("Stray online set entries repaired"))
	relayMessages, _ := meter.Int64Counter("presence_relay_messages_total",
		metric.WithDescription("Relay messages received"))
	corruptionRepairs, _ := meter.Int64Counter("presence_corruption_repairs_total",
		metric.WithDescription("Corrupt stored values reset in place"))

	return &metrics{
		storeOps:          storeOps,
		heartbeats:        heartbeats,
		heartbeatFailures: heartbeatFailures,
		reconcileRepairs:  reconcileRepairs,
		relayMessages:     relayMessages,
		corruptionRepairs: corruptionRepairs,
	}
}

func (m *metrics) corruption(ctx context.Context, kind string) {
	m.corruptionRepairs.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
