package presence

import (
	"context"
	"net/netip"
	"slices"
)

// Query answers cluster-wide read questions by combining the local live
// state with what the other nodes published to Redis. It has no state of
// its own; every answer is a best-effort snapshot.
type Query struct {
	registry *Registry
	host     Host
	listPing bool
}

func NewQuery(registry *Registry, host Host, playerListInPing bool) *Query {
	return &Query{registry: registry, host: host, listPing: playerListInPing}
}

// GlobalPlayerSet returns the local live players plus the online sets of
// every other node, sorted and without duplicates.
func (q *Query) GlobalPlayerSet(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, p := range q.host.Players() {
		seen[p] = true
	}
	var players []string
	err := q.registry.store.Do(ctx, "global_players", func(ctx context.Context, c Commands) error {
		for _, node := range q.others() {
			members, err := c.SMembers(ctx, usersOnlineKey(node)).Result()
			if err != nil {
				return err
			}
			for _, m := range members {
				seen[m] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	players = make([]string, 0, len(seen))
	for p := range seen {
		players = append(players, p)
	}
	slices.Sort(players)
	return players, nil
}

// GlobalCount returns the local live count plus the published counts of
// every other node. Corrupt counts are reset and contribute zero.
func (q *Query) GlobalCount(ctx context.Context) (int, error) {
	total := q.host.OnlineCount()
	for _, node := range q.others() {
		n, err := q.registry.PlayerCount(ctx, node)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// PlayersOnBackend returns the players whose current backend is name. name
// must be a backend known to the host.
func (q *Query) PlayersOnBackend(ctx context.Context, name string) ([]string, error) {
	if !q.host.HasBackend(name) {
		return nil, invalidArgument("server %q doesn't exist", name)
	}
	byServer, err := q.ServersToPlayers(ctx)
	if err != nil {
		return nil, err
	}
	return byServer[name], nil
}

// ServersToPlayers groups the global player set by backend. Players whose
// backend is unknown are left out.
func (q *Query) ServersToPlayers(ctx context.Context) (map[string][]string, error) {
	players, err := q.GlobalPlayerSet(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, p := range players {
		server, ok, err := q.ServerFor(ctx, p)
		if err != nil {
			return nil, err
		}
		if ok {
			out[server] = append(out[server], p)
		}
	}
	return out, nil
}

// ServerFor returns the backend player is attached to.
func (q *Query) ServerFor(ctx context.Context, player string) (string, bool, error) {
	if lp, ok := q.host.Player(player); ok {
		return lp.Server, lp.Server != "", nil
	}
	return q.registry.Server(ctx, player)
}

// LastOnline returns OnlineNow for local players and the repaired stored
// value otherwise. See Registry.LastOnline.
func (q *Query) LastOnline(ctx context.Context, player string) (int64, error) {
	if _, ok := q.host.Player(player); ok {
		return OnlineNow, nil
	}
	return q.registry.LastOnline(ctx, player)
}

// IPAddress returns the address player connected from. A missing or
// unparsable stored value yields no result rather than an error.
func (q *Query) IPAddress(ctx context.Context, player string) (netip.Addr, bool, error) {
	raw, ok := "", false
	if lp, live := q.host.Player(player); live {
		raw, ok = lp.Addr, true
	} else {
		var err error
		raw, ok, err = q.registry.IP(ctx, player)
		if err != nil {
			return netip.Addr{}, false, err
		}
	}
	if !ok {
		return netip.Addr{}, false, nil
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false, nil
	}
	return addr, true, nil
}

// IsAlreadyConnectedElsewhere reports whether player is in the online set
// of any node other than this one. It is advisory: two nodes can accept the
// same player in the same instant.
func (q *Query) IsAlreadyConnectedElsewhere(ctx context.Context, player string) (bool, error) {
	return q.registry.IsOnlineOnAnyOtherNode(ctx, player, q.registry.cluster.Self())
}

// PingInfo is what the proxy reports in its server list ping.
type PingInfo struct {
	Online  int      `json:"online"`
	Players []string `json:"players,omitempty"`
}

// Ping lists every player when player lists in ping are enabled and only
// counts them otherwise.
func (q *Query) Ping(ctx context.Context) (PingInfo, error) {
	if q.listPing {
		players, err := q.GlobalPlayerSet(ctx)
		if err != nil {
			return PingInfo{}, err
		}
		return PingInfo{Online: len(players), Players: players}, nil
	}
	n, err := q.GlobalCount(ctx)
	if err != nil {
		return PingInfo{}, err
	}
	return PingInfo{Online: n}, nil
}

func (q *Query) others() []string {
	return q.registry.cluster.Others(q.registry.cluster.Self())
}
