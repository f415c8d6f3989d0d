package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Node is one proxy process's view of the cluster. It owns the store and
// every component built on it, and fixes the order in which they start and
// stop.
type Node struct {
	cfg        Config
	cluster    Cluster
	store      *Store
	registry   *Registry
	heartbeat  *Heartbeat
	reconciler *Reconciler
	relay      *Relay
	query      *Query
	logger     *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option customises NewNode.
type Option func(*nodeOptions)

type nodeOptions struct {
	store  *Store
	clock  clockwork.Clock
	logger *slog.Logger
}

// WithStore uses an already connected store instead of dialing RedisAddr.
func WithStore(s *Store) Option {
	return func(o *nodeOptions) { o.store = s }
}

// WithClock replaces wall time, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(o *nodeOptions) { o.clock = c }
}

// WithLogger sets the base logger. The node id is added to every record.
func WithLogger(l *slog.Logger) Option {
	return func(o *nodeOptions) { o.logger = l }
}

// NewNode validates cfg, connects to Redis and builds the components. Any
// error here is fatal for the process.
func NewNode(ctx context.Context, cfg Config, host Host, opts ...Option) (*Node, error) {
	var o nodeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cluster, err := NewCluster(cfg.ServerID, cfg.LinkedServers)
	if err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	logger := o.logger.With("node", cluster.Self())

	store := o.store
	if store == nil {
		store, err = Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, logger)
		if err != nil {
			return nil, err
		}
	}

	registry := NewRegistry(store, cluster, o.clock, logger)
	return &Node{
		cfg:        cfg,
		cluster:    cluster,
		store:      store,
		registry:   registry,
		heartbeat:  NewHeartbeat(registry, host, cfg.HeartbeatDelay, cfg.HeartbeatInterval),
		reconciler: NewReconciler(registry, host, cfg.ShutdownPolicy, cfg.ReconcileDelay, cfg.ReconcileInterval),
		relay:      NewRelay(store, cluster, cfg.ChannelPrefix, nil, logger),
		query:      NewQuery(registry, host, cfg.PlayerListInPing),
		logger:     logger,
	}, nil
}

func (n *Node) Cluster() Cluster { return n.cluster }
func (n *Node) Registry() *Registry { return n.registry }
func (n *Node) Query() *Query { return n.query }
func (n *Node) Relay() *Relay { return n.relay }
func (n *Node) Reconciler() *Reconciler { return n.reconciler }

// Start runs startup reconciliation and then launches the heartbeat, the
// periodic sweep and the relay listener. Relayed commands go to dispatcher.
// The node must not accept players before Start returns.
func (n *Node) Start(ctx context.Context, dispatcher Dispatcher) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.group != nil {
		return errors.New("node already started")
	}
	if dispatcher == nil {
		return invalidArgument("dispatcher is nil")
	}

	if _, err := n.reconciler.Startup(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	n.relay.dispatcher = dispatcher
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return n.heartbeat.Run(gctx) })
	g.Go(func() error { return n.reconciler.Run(gctx) })
	g.Go(func() error { return n.relay.Run(gctx) })
	n.cancel = cancel
	n.group = g

	n.logger.Info("Presence node started", "servers", n.cluster.Nodes())
	return nil
}

// Close stops the background tasks, waits for the relay to unsubscribe and
// release its connection, runs shutdown reconciliation and closes the store.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	if n.group != nil {
		n.cancel()
		if err := n.group.Wait(); err != nil {
			errs = append(errs, err)
		}
		n.group = nil
		if _, err := n.reconciler.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown reconciliation: %w", err))
		}
	}
	if err := n.store.Close(); err != nil {
		errs = append(errs, err)
	}
	n.logger.Info("Presence node stopped")
	return errors.Join(errs...)
}
