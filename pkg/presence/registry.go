package presence

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	// OnlineNow is the last-online value of a player connected somewhere.
	OnlineNow int64 = 0
	// NeverSeen is the last-online value of a player with no presence record.
	NeverSeen int64 = -1
)

// Registry reads and writes the per-node online sets, the per-node player
// counts and the per-player presence hashes. Every method borrows a single
// connection for a short, bounded sequence of commands.
type Registry struct {
	store   *Store
	cluster Cluster
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *metrics
}

// NewRegistry returns a registry for cluster. A nil clock means wall time.
func NewRegistry(store *Store, cluster Cluster, clock clockwork.Clock, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:   store,
		cluster: cluster,
		clock:   clock,
		logger:  logger,
		metrics: store.metrics,
	}
}

// Cluster returns the membership this registry scans.
func (r *Registry) Cluster() Cluster {
	return r.cluster
}

func (r *Registry) now() string {
	return strconv.FormatInt(r.clock.Now().UnixMilli(), 10)
}

// RecordConnect adds player to node's online set and marks the presence
// record online with the given address. The server field is left alone.
func (r *Registry) RecordConnect(ctx context.Context, node, player, ip string) error {
	return r.store.Do(ctx, "record_connect", func(ctx context.Context, c Commands) error {
		if err := c.SAdd(ctx, usersOnlineKey(node), player).Err(); err != nil {
			return err
		}
		return c.HSet(ctx, playerKey(player), fieldOnline, onlineNow, fieldIP, ip).Err()
	})
}

// RecordServerSwitch stores the backend the player is now attached to.
func (r *Registry) RecordServerSwitch(ctx context.Context, player, server string) error {
	return r.store.Do(ctx, "record_server_switch", func(ctx context.Context, c Commands) error {
		return c.HSet(ctx, playerKey(player), fieldServer, server).Err()
	})
}

// RecordDisconnect stamps the last-online time and removes every trace of
// the live session. Calling it twice leaves the same state as calling it once.
func (r *Registry) RecordDisconnect(ctx context.Context, node, player string) error {
	return r.store.Do(ctx, "record_disconnect", func(ctx context.Context, c Commands) error {
		if err := c.HSet(ctx, playerKey(player), fieldOnline, r.now()).Err(); err != nil {
			return err
		}
		return cleanUp(ctx, c, node, player)
	})
}

// IsOnlineOnAnyOtherNode scans the online set of every node but excluding
// and stops at the first hit.
func (r *Registry) IsOnlineOnAnyOtherNode(ctx context.Context, player, excluding string) (bool, error) {
	var found bool
	err := r.store.Do(ctx, "is_online_elsewhere", func(ctx context.Context, c Commands) error {
		var err error
		found, err = onlineOnAny(ctx, c, r.cluster.Others(excluding), player)
		return err
	})
	return found, err
}

// Members returns the online set of node.
func (r *Registry) Members(ctx context.Context, node string) ([]string, error) {
	var members []string
	err := r.store.Do(ctx, "members", func(ctx context.Context, c Commands) error {
		var err error
		members, err = c.SMembers(ctx, usersOnlineKey(node)).Result()
		return err
	})
	return members, err
}

// SetPlayerCount publishes node's live player count.
func (r *Registry) SetPlayerCount(ctx context.Context, node string, count int) error {
	return r.store.Do(ctx, "set_player_count", func(ctx context.Context, c Commands) error {
		return c.Set(ctx, playerCountKey(node), strconv.Itoa(count), 0).Err()
	})
}

// PlayerCount reads node's published count. A missing key counts as zero. A
// value that is not a number is reset to "0" and also counts as zero.
func (r *Registry) PlayerCount(ctx context.Context, node string) (int, error) {
	var count int
	err := r.store.Do(ctx, "player_count", func(ctx context.Context, c Commands) error {
		raw, err := c.Get(ctx, playerCountKey(node)).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		n, convErr := strconv.Atoi(raw)
		if convErr == nil {
			count = n
			return nil
		}
		r.logger.Error("Found a non-numeric player count, resetting it to 0",
			"server", node, "value", raw)
		r.metrics.corruption(ctx, "player_count")
		return c.Set(ctx, playerCountKey(node), "0", 0).Err()
	})
	return count, err
}

// Server returns the stored backend of player, if any.
func (r *Registry) Server(ctx context.Context, player string) (string, bool, error) {
	return r.field(ctx, "player_server", player, fieldServer)
}

// IP returns the stored address of player, if any.
func (r *Registry) IP(ctx context.Context, player string) (string, bool, error) {
	return r.field(ctx, "player_ip", player, fieldIP)
}

func (r *Registry) field(ctx context.Context, op, player, field string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := r.store.Do(ctx, op, func(ctx context.Context, c Commands) error {
		v, err := c.HGet(ctx, playerKey(player), field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		value, ok = v, true
		return nil
	})
	return value, ok, err
}

// LastOnline returns the stored last-online value of player: OnlineNow while
// connected somewhere, NeverSeen without a record, epoch millis otherwise.
// A corrupt value is repaired from the online sets of the other nodes and
// the repaired value is returned.
func (r *Registry) LastOnline(ctx context.Context, player string) (int64, error) {
	last := NeverSeen
	err := r.store.Do(ctx, "last_online", func(ctx context.Context, c Commands) error {
		raw, err := c.HGet(ctx, playerKey(player), fieldOnline).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if n, convErr := strconv.ParseInt(raw, 10, 64); convErr == nil {
			last = n
			return nil
		}

		r.logger.Warn("Found a non-numeric last online time", "player", player, "value", raw)
		r.metrics.corruption(ctx, "last_online")
		found, err := onlineOnAny(ctx, c, r.cluster.Others(r.cluster.Self()), player)
		if err != nil {
			return err
		}
		value := onlineNow
		if found {
			r.logger.Warn("Player is online on another node, setting last online to 0; check that node if this persists",
				"player", player)
		} else {
			value = r.now()
			r.logger.Info("Player is not online, setting last online to the current time", "player", player)
		}
		if err := c.HSet(ctx, playerKey(player), fieldOnline, value).Err(); err != nil {
			return err
		}
		last, _ = strconv.ParseInt(value, 10, 64)
		return nil
	})
	return last, err
}

func onlineOnAny(ctx context.Context, c Commands, nodes []string, player string) (bool, error) {
	for _, node := range nodes {
		ok, err := c.SIsMember(ctx, usersOnlineKey(node), player).Result()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// cleanUp removes player from node's online set and clears the session
// fields of the presence record. The record itself is kept.
func cleanUp(ctx context.Context, c Commands, node, player string) error {
	if err := c.SRem(ctx, usersOnlineKey(node), player).Err(); err != nil {
		return err
	}
	return c.HDel(ctx, playerKey(player), fieldServer, fieldIP).Err()
}
