package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/example/proxy-presence/pkg/console"
	otelhelper "github.com/example/proxy-presence/pkg/otelhelper"
	"github.com/example/proxy-presence/pkg/presence"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
	"go.opentelemetry.io/otel"
)

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx, "presence-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Presence Service",
		"server_id", cfg.Presence.ServerID,
		"linked_servers", cfg.Presence.LinkedServers,
		"redis_addr", cfg.Presence.RedisAddr,
		"nats_url", cfg.NatsURL,
		"shutdown_policy", string(cfg.Presence.ShutdownPolicy),
	)

	local := presence.NewLocalPlayers(cfg.Backends)
	node, err := presence.NewNode(ctx, cfg.Presence, local)
	if err != nil {
		slog.Error("Unable to connect to your Redis server", "error", err)
		os.Exit(1)
	}

	con := console.New(cfg.Presence.ServerID, node.Query(), node.Relay(), nil)

	// Startup reconciliation runs inside Start; players are only accepted
	// once the NATS subscriptions below exist.
	if err := node.Start(ctx, con); err != nil {
		slog.Error("Failed to start presence node", "error", err)
		node.Close(ctx)
		os.Exit(1)
	}

	authOpt, err := natsAuth(cfg)
	if err != nil {
		slog.Error("Invalid NATS credentials", "error", err)
		node.Close(ctx)
		os.Exit(1)
	}

	// Closed once a drain has let every in-flight handler finish.
	natsClosed := make(chan struct{})
	var closeOnce sync.Once

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			authOpt,
			nats.Name("presence-service-"+cfg.Presence.ServerID),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				slog.Info("NATS reconnected")
			}),
			nats.DrainTimeout(shutdownTimeout),
			nats.ClosedHandler(func(_ *nats.Conn) {
				closeOnce.Do(func() { close(natsClosed) })
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		node.Close(ctx)
		os.Exit(1)
	}
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	events := newHostEvents(node, cfg.Presence.ChannelPrefix, local, con, otel.Meter("presence-service"))
	if _, err := events.subscribe(nc); err != nil {
		slog.Error("Failed to subscribe to proxy events", "error", err)
		nc.Close()
		node.Close(ctx)
		os.Exit(1)
	}

	slog.Info("Presence service ready", "server_id", cfg.Presence.ServerID, "players", local.OnlineCount())

	// Wait for shutdown
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down presence service")
	if err := shutdown(ctx, nc, natsClosed, node, shutdownTimeout); err != nil {
		slog.Error("Presence node shutdown incomplete", "error", err)
	}
	slog.Info("Presence service shutdown complete")
}

// natsAuth prefers an nkey seed over user/password credentials.
func natsAuth(cfg Config) (nats.Option, error) {
	if cfg.NatsNkeySeed == "" {
		return nats.UserInfo(cfg.NatsUser, cfg.NatsPass), nil
	}
	kp, err := nkeys.FromSeed([]byte(cfg.NatsNkeySeed))
	if err != nil {
		return nil, err
	}
	pub, err := kp.PublicKey()
	if err != nil {
		return nil, err
	}
	return nats.Nkey(pub, kp.Sign), nil
}
