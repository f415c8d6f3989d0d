package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	otelhelper "github.com/example/proxy-presence/pkg/otelhelper"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Commands is the subset of Redis commands the registry issues on a
// borrowed connection.
type Commands interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	SIsMember(ctx context.Context, key string, member any) *redis.BoolCmd
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Store hands out short-lived pooled Redis connections. It is the only
// component that owns network resources.
type Store struct {
	client  *redis.Client
	logger  *slog.Logger
	metrics *metrics
	closed  atomic.Bool
}

// NewStore wraps an existing client. Tests use it with miniredis.
func NewStore(client *redis.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger, metrics: newMetrics()}
}

// Connect builds a pool for addr and pings it once. An unreachable server
// is reported as ErrStoreUnavailable and the pool is torn down again.
func Connect(ctx context.Context, addr, password string, logger *slog.Logger) (*Store, error) {
	if password == "none" {
		password = ""
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	s := NewStore(client, logger)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("unable to connect to redis at %s: %w", addr, err)
	}
	s.logger.Info("Successfully connected to Redis", "addr", addr)
	return s, nil
}

// Ping checks that a connection can be acquired and used.
func (s *Store) Ping(ctx context.Context) error {
	return storeError("ping", s.client.Ping(ctx).Err())
}

// Acquire borrows one connection from the pool.
func (s *Store) Acquire(context.Context) (*redis.Conn, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("acquire: %w: pool closed", ErrStoreUnavailable)
	}
	return s.client.Conn(), nil
}

// Release gives a connection back. go-redis decides whether it is reused:
// a command that failed with a network error marks the redis.Conn bad, and
// closing a bad redis.Conn removes its connection from the pool instead of
// pooling it. healthy does not change that outcome; it only marks the
// release in the debug log.
func (s *Store) Release(conn *redis.Conn, healthy bool) {
	if !healthy {
		s.logger.Debug("Releasing connection after a failed operation")
	}
	if err := conn.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		s.logger.Warn("Failed to release redis connection", "error", err)
	}
}

// Do runs fn on a borrowed connection and releases it on every path. op
// names the logical operation for spans and metrics. The call is never
// retried.
func (s *Store) Do(ctx context.Context, op string, fn func(ctx context.Context, c Commands) error) (err error) {
	ctx, span := otelhelper.StartStoreSpan(ctx, op)
	defer func() {
		result := "ok"
		switch {
		case errors.Is(err, ErrStoreUnavailable):
			result = "unavailable"
		case err != nil:
			result = "error"
		}
		s.metrics.storeOps.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("result", result),
		))
		otelhelper.EndSpan(span, err)
	}()

	conn, err := s.Acquire(ctx)
	if err != nil {
		return err
	}
	err = storeError(op, fn(ctx, conn))
	s.Release(conn, err == nil || !errors.Is(err, ErrStoreUnavailable))
	return err
}

// Subscribe opens a dedicated pub/sub connection outside the short-lived
// pool discipline. The caller owns it until Close.
func (s *Store) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return s.client.Subscribe(ctx, channels...)
}

// Close tears the pool down. Further Acquire calls fail.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}
