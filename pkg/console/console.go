// Package console implements the administrative commands a node accepts from
// its operator or, through the relay, from other nodes.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/example/proxy-presence/pkg/presence"
	"github.com/google/shlex"
)

var (
	// ErrUnknownCommand is returned for a command name that is not registered.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrUsage is returned when a command gets the wrong arguments.
	ErrUsage = errors.New("usage")
)

// Querier is the read surface the commands use. *presence.Query satisfies it.
type Querier interface {
	GlobalCount(ctx context.Context) (int, error)
	ServersToPlayers(ctx context.Context) (map[string][]string, error)
	ServerFor(ctx context.Context, player string) (string, bool, error)
	LastOnline(ctx context.Context, player string) (int64, error)
	IPAddress(ctx context.Context, player string) (netip.Addr, bool, error)
}

// Sender relays a command to other nodes. *presence.Relay satisfies it.
type Sender interface {
	Send(ctx context.Context, target, command string) error
}

type command struct {
	usage string
	run   func(ctx context.Context, args []string) ([]string, error)
}

// Console parses and runs command lines.
type Console struct {
	serverID string
	query    Querier
	sender   Sender
	logger   *slog.Logger
	location *time.Location
	commands map[string]command
}

func New(serverID string, query Querier, sender Sender, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Console{
		serverID: serverID,
		query:    query,
		sender:   sender,
		logger:   logger,
		location: time.Local,
	}
	c.commands = map[string]command{
		"glist":     {usage: "glist [showall]", run: c.glist},
		"find":      {usage: "find <player>", run: c.find},
		"lastseen":  {usage: "lastseen <player>", run: c.lastSeen},
		"ip":        {usage: "ip <player>", run: c.ip},
		"sendtoall": {usage: "sendtoall <command>", run: c.sendToAll},
		"serverid":  {usage: "serverid", run: c.serverIDCmd},
	}
	return c
}

// Commands lists the registered command names.
func (c *Console) Commands() []string {
	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Execute runs one command line and returns its output lines.
func (c *Console) Execute(ctx context.Context, line string) ([]string, error) {
	args, err := shlex.Split(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(args) == 0 {
		return nil, nil
	}
	cmd, ok := c.commands[strings.ToLower(args[0])]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, args[0])
	}
	out, err := cmd.run(ctx, args[1:])
	if errors.Is(err, ErrUsage) {
		return nil, fmt.Errorf("%w: %s", ErrUsage, cmd.usage)
	}
	return out, err
}

// Dispatch runs a relayed command and logs its output.
func (c *Console) Dispatch(ctx context.Context, line string) error {
	out, err := c.Execute(ctx, line)
	if err != nil {
		return err
	}
	for _, l := range out {
		c.logger.Info(l, "command", line)
	}
	return nil
}

func (c *Console) glist(ctx context.Context, args []string) ([]string, error) {
	count, err := c.query.GlobalCount(ctx)
	if err != nil {
		return nil, err
	}
	out := []string{fmt.Sprintf("%d player(s) are currently online.", count)}
	if len(args) == 0 || !strings.EqualFold(args[0], "showall") {
		return out, nil
	}

	byServer, err := c.query.ServersToPlayers(ctx)
	if err != nil {
		return nil, err
	}
	servers := make([]string, 0, len(byServer))
	for s := range byServer {
		servers = append(servers, s)
	}
	slices.Sort(servers)
	for _, s := range servers {
		players := slices.Sorted(slices.Values(byServer[s]))
		out = append(out, fmt.Sprintf("[%s] (%d): %s", s, len(players), strings.Join(players, ", ")))
	}
	return out, nil
}

func (c *Console) find(ctx context.Context, args []string) ([]string, error) {
	if len(args) != 1 {
		return nil, ErrUsage
	}
	server, ok, err := c.query.ServerFor(ctx, args[0])
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{"That user is not on any server."}, nil
	}
	return []string{fmt.Sprintf("%s is on %s.", args[0], server)}, nil
}

func (c *Console) lastSeen(ctx context.Context, args []string) ([]string, error) {
	if len(args) != 1 {
		return nil, ErrUsage
	}
	last, err := c.query.LastOnline(ctx, args[0])
	if err != nil {
		return nil, err
	}
	switch last {
	case presence.OnlineNow:
		return []string{fmt.Sprintf("%s is currently online.", args[0])}, nil
	case presence.NeverSeen:
		return []string{fmt.Sprintf("%s has never been online.", args[0])}, nil
	}
	at := time.UnixMilli(last).In(c.location).Format(time.RFC1123)
	return []string{fmt.Sprintf("%s was last online on %s.", args[0], at)}, nil
}

func (c *Console) ip(ctx context.Context, args []string) ([]string, error) {
	if len(args) != 1 {
		return nil, ErrUsage
	}
	addr, ok, err := c.query.IPAddress(ctx, args[0])
	if err != nil {
		return nil, err
	}
	if !ok {
		return []string{"No such player found."}, nil
	}
	return []string{fmt.Sprintf("%s is connected from %s.", args[0], addr)}, nil
}

func (c *Console) sendToAll(ctx context.Context, args []string) ([]string, error) {
	if len(args) == 0 {
		return nil, ErrUsage
	}
	cmd := strings.Join(args, " ")
	if err := c.sender.Send(ctx, presence.BroadcastTarget, cmd); err != nil {
		return nil, err
	}
	return []string{fmt.Sprintf("Sent the command /%s to all proxies.", strings.TrimPrefix(cmd, "/"))}, nil
}

func (c *Console) serverIDCmd(context.Context, []string) ([]string, error) {
	return []string{fmt.Sprintf("You are on %s.", c.serverID)}, nil
}
