package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/example/proxy-presence/pkg/console"
	otelhelper "github.com/example/proxy-presence/pkg/otelhelper"
	"github.com/example/proxy-presence/pkg/presence"
	"github.com/example/proxy-presence/pkg/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const alreadyConnectedReason = "You are already logged on to this server."

// PreLoginEvent asks whether a player may log in.
type PreLoginEvent struct {
	Player string `json:"player"`
}

// PreLoginResult is the reply to a PreLoginEvent.
type PreLoginResult struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// LoginEvent is published by the proxy once a player is accepted.
type LoginEvent struct {
	Player string `json:"player"`
	IP     string `json:"ip"`
}

// SwitchEvent is published when a player is connected to a backend.
type SwitchEvent struct {
	Player string `json:"player"`
	Server string `json:"server"`
}

// DisconnectEvent is published when a player leaves the proxy.
type DisconnectEvent struct {
	Player string `json:"player"`
}

// hostEvents translates proxy lifecycle events into registry and query
// calls, keeping the local live state in step.
type hostEvents struct {
	node     string
	prefix   string
	local    *presence.LocalPlayers
	registry *presence.Registry
	query    *presence.Query
	console  *console.Console

	eventCounter  metric.Int64Counter
	rejectCounter metric.Int64Counter
	queryCounter  metric.Int64Counter
	queryDuration metric.Float64Histogram
}

func newHostEvents(node *presence.Node, prefix string, local *presence.LocalPlayers, con *console.Console, meter metric.Meter) *hostEvents {
	eventCounter, _ := meter.Int64Counter("presence_host_events_total",
		metric.WithDescription("Proxy lifecycle events handled"))
	rejectCounter, _ := meter.Int64Counter("presence_prelogin_rejections_total",
		metric.WithDescription("Logins rejected because the player is on another node"))
	queryCounter, _ := meter.Int64Counter("presence_queries_total",
		metric.WithDescription("Backend presence queries served"))
	queryDuration, _ := meter.Float64Histogram("presence_query_duration_seconds",
		metric.WithDescription("Duration of backend presence queries"))

	return &hostEvents{
		node:          node.Cluster().Self(),
		prefix:        prefix,
		local:         local,
		registry:      node.Registry(),
		query:         node.Query(),
		console:       con,
		eventCounter:  eventCounter,
		rejectCounter: rejectCounter,
		queryCounter:  queryCounter,
		queryDuration: queryDuration,
	}
}

// preLogin rejects a player that another node already holds. The check is
// advisory, so a store failure lets the login through.
func (h *hostEvents) preLogin(ctx context.Context, ev PreLoginEvent) PreLoginResult {
	elsewhere, err := h.query.IsAlreadyConnectedElsewhere(ctx, ev.Player)
	if err != nil {
		slog.WarnContext(ctx, "Duplicate login check failed, allowing login", "player", ev.Player, "error", err)
		return PreLoginResult{Allowed: true}
	}
	if elsewhere {
		h.rejectCounter.Add(ctx, 1)
		slog.InfoContext(ctx, "Rejecting login, player is on another node", "player", ev.Player)
		return PreLoginResult{Allowed: false, Reason: alreadyConnectedReason}
	}
	return PreLoginResult{Allowed: true}
}

func (h *hostEvents) login(ctx context.Context, ev LoginEvent) error {
	if ev.Player == "" {
		return fmt.Errorf("%w: login without player", presence.ErrInvalidArgument)
	}
	h.local.Connect(ev.Player, ev.IP)
	h.count(ctx, "login")
	return h.registry.RecordConnect(ctx, h.node, ev.Player, ev.IP)
}

func (h *hostEvents) serverSwitch(ctx context.Context, ev SwitchEvent) error {
	if ev.Player == "" || ev.Server == "" {
		return fmt.Errorf("%w: switch needs player and server", presence.ErrInvalidArgument)
	}
	h.local.Switch(ev.Player, ev.Server)
	h.count(ctx, "switch")
	return h.registry.RecordServerSwitch(ctx, ev.Player, ev.Server)
}

func (h *hostEvents) disconnect(ctx context.Context, ev DisconnectEvent) error {
	if ev.Player == "" {
		return fmt.Errorf("%w: disconnect without player", presence.ErrInvalidArgument)
	}
	h.local.Disconnect(ev.Player)
	h.count(ctx, "disconnect")
	return h.registry.RecordDisconnect(ctx, h.node, ev.Player)
}

func (h *hostEvents) ping(ctx context.Context) (presence.PingInfo, error) {
	return h.query.Ping(ctx)
}

// backendQuery answers the binary query protocol. Failures produce an empty
// reply; the caller treats that as "unknown".
func (h *hostEvents) backendQuery(ctx context.Context, data []byte) []byte {
	start := time.Now()
	resp, err := protocol.Handle(ctx, h.query, data)
	result := "ok"
	if err != nil {
		result = "error"
		slog.WarnContext(ctx, "Failed to answer presence query", "error", err)
		resp = nil
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	h.queryCounter.Add(ctx, 1, attrs)
	h.queryDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	return resp
}

// consoleCommand runs an operator command and returns its output as text.
func (h *hostEvents) consoleCommand(ctx context.Context, line string) string {
	out, err := h.console.Execute(ctx, line)
	if err != nil {
		if errors.Is(err, console.ErrUsage) || errors.Is(err, console.ErrUnknownCommand) {
			return err.Error()
		}
		slog.WarnContext(ctx, "Console command failed", "command", line, "error", err)
		return "An error occurred: " + err.Error()
	}
	return strings.Join(out, "\n")
}

func (h *hostEvents) count(ctx context.Context, kind string) {
	h.eventCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("event", kind)))
}

// subscribe wires every handler to its NATS subject.
func (h *hostEvents) subscribe(nc *nats.Conn) ([]*nats.Subscription, error) {
	base := "proxy." + h.node
	handlers := map[string]nats.MsgHandler{
		base + ".prelogin": func(msg *nats.Msg) {
			ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "presence prelogin")
			defer span.End()
			var ev PreLoginEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil || ev.Player == "" {
				slog.WarnContext(ctx, "Invalid prelogin event", "error", err)
				respondJSON(ctx, msg, PreLoginResult{Allowed: true})
				return
			}
			respondJSON(ctx, msg, h.preLogin(ctx, ev))
		},
		base + ".login":      consume("presence login", h.login),
		base + ".switch":     consume("presence server switch", h.serverSwitch),
		base + ".disconnect": consume("presence disconnect", h.disconnect),
		base + ".ping": func(msg *nats.Msg) {
			ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "presence ping")
			defer span.End()
			info, err := h.ping(ctx)
			if err != nil {
				span.RecordError(err)
				slog.WarnContext(ctx, "Failed to build ping", "error", err)
				info = presence.PingInfo{Online: h.local.OnlineCount()}
			}
			respondJSON(ctx, msg, info)
		},
		h.prefix + "." + h.node + ".query": func(msg *nats.Msg) {
			ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "presence backend query")
			defer span.End()
			msg.Respond(h.backendQuery(ctx, msg.Data))
		},
		h.prefix + "." + h.node + ".console": func(msg *nats.Msg) {
			ctx, span := otelhelper.StartServerSpan(context.Background(), msg, "presence console")
			defer span.End()
			msg.Respond([]byte(h.consoleCommand(ctx, string(msg.Data))))
		},
	}

	subs := make([]*nats.Subscription, 0, len(handlers))
	for subject, handler := range handlers {
		sub, err := nc.Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// consume decodes a JSON event and runs fn under a consumer span. Errors are
// logged; the event is not redelivered.
func consume[T any](operation string, fn func(context.Context, T) error) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, span := otelhelper.StartConsumerSpan(context.Background(), msg, operation)
		defer span.End()
		var ev T
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.WarnContext(ctx, "Invalid event payload", "subject", msg.Subject, "error", err)
			return
		}
		if err := fn(ctx, ev); err != nil {
			span.RecordError(err)
			slog.ErrorContext(ctx, "Failed to handle event", "subject", msg.Subject, "error", err)
		}
	}
}

func respondJSON(ctx context.Context, msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to marshal response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.DebugContext(ctx, "Failed to respond", "subject", msg.Subject, "error", err)
	}
}
