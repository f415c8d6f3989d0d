package presence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome describes how a stray online set entry was repaired.
type Outcome string

const (
	// OutcomeMoved means the player is in another node's online set. Only
	// the local set entry was removed.
	OutcomeMoved Outcome = "moved"
	// OutcomeGhost means the player was found nowhere else. The set entry
	// and the server/ip fields were removed.
	OutcomeGhost Outcome = "ghost"
)

// Repair is one entry removed from the local online set.
type Repair struct {
	Player  string
	Outcome Outcome
}

// Reconciler repairs divergence between this node's online set in Redis and
// the players it actually holds.
type Reconciler struct {
	registry *Registry
	host     Host
	policy   ShutdownPolicy
	clock    clockwork.Clock
	delay    time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func NewReconciler(registry *Registry, host Host, policy ShutdownPolicy, delay, interval time.Duration) *Reconciler {
	if policy == "" {
		policy = ShutdownCleanup
	}
	return &Reconciler{
		registry: registry,
		host:     host,
		policy:   policy,
		clock:    registry.clock,
		delay:    delay,
		interval: interval,
		logger:   registry.logger,
	}
}

// Startup resets the local player count and repairs every member left in
// the local online set by a previous run of this node. It must finish
// before the node accepts players; an error is fatal.
func (r *Reconciler) Startup(ctx context.Context) ([]Repair, error) {
	self := r.registry.cluster.Self()
	if err := r.registry.SetPlayerCount(ctx, self, 0); err != nil {
		return nil, err
	}
	members, err := r.registry.Members(ctx, self)
	if err != nil {
		return nil, err
	}

	repairs := make([]Repair, 0, len(members))
	for _, p := range members {
		outcome, err := r.repair(ctx, p)
		if err != nil {
			return repairs, err
		}
		repairs = append(repairs, Repair{Player: p, Outcome: outcome})
		r.record(ctx, "startup", outcome)
	}
	if len(repairs) > 0 {
		r.logger.Info("Cleaned up online set left by a previous run", "entries", len(repairs))
	}
	return repairs, nil
}

// Sweep repairs members of the local online set that are not connected
// locally. A store failure aborts the sweep; the next one picks up the rest.
func (r *Reconciler) Sweep(ctx context.Context) ([]Repair, error) {
	members, err := r.registry.Members(ctx, r.registry.cluster.Self())
	if err != nil {
		return nil, err
	}

	var repairs []Repair
	for _, p := range r.notLive(members) {
		outcome, err := r.repair(ctx, p)
		if err != nil {
			return repairs, err
		}
		repairs = append(repairs, Repair{Player: p, Outcome: outcome})
		r.record(ctx, "periodic", outcome)
		switch outcome {
		case OutcomeMoved:
			r.logger.Warn("Player found in set that was not found locally, but is on another node", "player", p)
		case OutcomeGhost:
			r.logger.Warn("Player found in set that was not found locally and globally", "player", p)
		}
	}
	return repairs, nil
}

// Shutdown resets the local player count and empties the local online set
// according to the configured policy. It keeps going past individual
// failures and returns them joined.
func (r *Reconciler) Shutdown(ctx context.Context) ([]Repair, error) {
	self := r.registry.cluster.Self()
	r.logger.Warn("Running shutdown reconciliation", "policy", string(r.policy))

	var errs []error
	if err := r.registry.SetPlayerCount(ctx, self, 0); err != nil {
		errs = append(errs, err)
	}
	members, err := r.registry.Members(ctx, self)
	if err != nil {
		return nil, errors.Join(append(errs, err)...)
	}

	var repairs []Repair
	switch r.policy {
	case ShutdownReconcile:
		for _, p := range r.notLive(members) {
			outcome, err := r.repair(ctx, p)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			repairs = append(repairs, Repair{Player: p, Outcome: outcome})
			r.record(ctx, "shutdown", outcome)
		}
	default:
		for _, p := range members {
			err := r.registry.store.Do(ctx, "shutdown_cleanup", func(ctx context.Context, c Commands) error {
				return cleanUp(ctx, c, self, p)
			})
			if err != nil {
				errs = append(errs, err)
				continue
			}
			repairs = append(repairs, Repair{Player: p, Outcome: OutcomeGhost})
			r.record(ctx, "shutdown", OutcomeGhost)
		}
	}
	return repairs, errors.Join(errs...)
}

// Run sweeps after the configured delay and then every interval until ctx
// is done. Sweep failures are logged only.
func (r *Reconciler) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-r.clock.After(r.delay):
	}
	r.sweepLogged(ctx)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			r.sweepLogged(ctx)
		}
	}
}

func (r *Reconciler) sweepLogged(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("Periodic reconciliation failed", "error", err)
	}
}

// repair applies the decision rule to one stray entry of the local set.
func (r *Reconciler) repair(ctx context.Context, player string) (Outcome, error) {
	self := r.registry.cluster.Self()
	var outcome Outcome
	err := r.registry.store.Do(ctx, "reconcile_member", func(ctx context.Context, c Commands) error {
		found, err := onlineOnAny(ctx, c, r.registry.cluster.Others(self), player)
		if err != nil {
			return err
		}
		if found {
			outcome = OutcomeMoved
			return c.SRem(ctx, usersOnlineKey(self), player).Err()
		}
		outcome = OutcomeGhost
		return cleanUp(ctx, c, self, player)
	})
	return outcome, err
}

func (r *Reconciler) notLive(members []string) []string {
	live := make(map[string]bool)
	for _, p := range r.host.Players() {
		live[p] = true
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if !live[m] {
			out = append(out, m)
		}
	}
	return out
}

func (r *Reconciler) record(ctx context.Context, trigger string, outcome Outcome) {
	r.registry.metrics.reconcileRepairs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", string(outcome)),
	))
}
