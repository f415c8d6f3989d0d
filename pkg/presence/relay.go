package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Dispatcher runs an administrative command on this node's console.
type Dispatcher interface {
	Dispatch(ctx context.Context, command string) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, command string) error

func (f DispatcherFunc) Dispatch(ctx context.Context, command string) error {
	return f(ctx, command)
}

var errSubscriptionClosed = errors.New("relay subscription closed")

// Relay carries console commands between nodes over Redis pub/sub. Each
// node listens on its own channel and on the broadcast channel.
type Relay struct {
	store      *Store
	cluster    Cluster
	prefix     string
	dispatcher Dispatcher
	logger     *slog.Logger
	metrics    *metrics
	newBackOff func() backoff.BackOff
}

func NewRelay(store *Store, cluster Cluster, prefix string, dispatcher Dispatcher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:      store,
		cluster:    cluster,
		prefix:     prefix,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    store.metrics,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Channel returns the pub/sub channel addressed to target.
func (r *Relay) Channel(target string) string {
	return r.prefix + "-" + target
}

// Send publishes command to one node or, with BroadcastTarget, to all of
// them. An unknown target fails with ErrInvalidArgument before any I/O.
func (r *Relay) Send(ctx context.Context, target, command string) error {
	if target != BroadcastTarget && !r.cluster.Contains(target) {
		return invalidArgument("relay target %q is not a known server id", target)
	}
	return r.store.Do(ctx, "relay_publish", func(ctx context.Context, c Commands) error {
		return c.Publish(ctx, r.Channel(target), command).Err()
	})
}

// Run listens until ctx is done. A subscription that cannot be established
// or is closed underneath is re-established with exponential backoff.
func (r *Relay) Run(ctx context.Context) error {
	b := r.newBackOff()
	err := backoff.RetryNotify(func() error {
		err := r.listen(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errSubscriptionClosed
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		r.logger.Warn("Relay subscription lost, resubscribing", "error", err, "retry_in", wait)
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Relay) listen(ctx context.Context, b backoff.BackOff) error {
	channels := []string{r.Channel(r.cluster.Self()), r.Channel(BroadcastTarget)}
	ps := r.store.Subscribe(ctx, channels...)
	defer r.release(ctx, ps, channels)

	// The first reply confirms the subscription, so a dead store is
	// reported here rather than silently inside the channel goroutine.
	first, err := ps.Receive(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w: %w", ErrStoreUnavailable, err)
	}
	b.Reset()
	r.handle(ctx, first)

	ch := ps.ChannelWithSubscriptions()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return errSubscriptionClosed
			}
			r.handle(ctx, m)
		}
	}
}

func (r *Relay) handle(ctx context.Context, m any) {
	switch m := m.(type) {
	case *redis.Subscription:
		switch m.Kind {
		case "subscribe":
			r.onSubscribe(m.Channel, m.Count)
		case "unsubscribe":
			r.onUnsubscribe(m.Channel, m.Count)
		}
	case *redis.Message:
		r.onMessage(ctx, m.Channel, m.Payload)
	}
}

// release unsubscribes from both channels and then closes the dedicated
// connection, ending the receive loop.
func (r *Relay) release(ctx context.Context, ps *redis.PubSub, channels []string) {
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := ps.Unsubscribe(uctx, channels...); err != nil && !errors.Is(err, redis.ErrClosed) {
		r.logger.Debug("Relay unsubscribe failed", "error", err)
	}
	if err := ps.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		r.logger.Debug("Relay close failed", "error", err)
	}
}

func (r *Relay) onSubscribe(channel string, count int) {
	r.logger.Info("Subscribed to relay channel", "channel", channel, "subscriptions", count)
}

func (r *Relay) onUnsubscribe(channel string, count int) {
	r.logger.Info("Unsubscribed from relay channel", "channel", channel, "subscriptions", count)
}

// onMessage ignores blank payloads, strips one leading slash and hands the
// command to the dispatcher.
func (r *Relay) onMessage(ctx context.Context, channel, payload string) {
	if strings.TrimSpace(payload) == "" {
		return
	}
	command := strings.TrimPrefix(payload, "/")
	r.metrics.relayMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	r.logger.Info("Invoking command from relay", "channel", channel, "command", "/"+command)
	if err := r.dispatcher.Dispatch(ctx, command); err != nil {
		r.logger.Warn("Relayed command failed", "command", command, "error", err)
	}
}
