package presence

import (
	"fmt"
	"strings"
	"time"
)

// ShutdownPolicy selects what the shutdown sweep does with the local online set.
type ShutdownPolicy string

const (
	// ShutdownCleanup removes every member of the local online set and clears
	// their server and ip fields, assuming the process is about to exit.
	ShutdownCleanup ShutdownPolicy = "cleanup"

	// ShutdownReconcile keeps players that are still connected locally and
	// applies the regular decision rule to everyone else.
	ShutdownReconcile ShutdownPolicy = "reconcile"
)

// Config holds what the core needs to run a node.
type Config struct {
	ServerID         string
	LinkedServers    []string
	RedisAddr        string
	RedisPassword    string
	ChannelPrefix    string
	PlayerListInPing bool
	ShutdownPolicy   ShutdownPolicy

	HeartbeatDelay    time.Duration
	HeartbeatInterval time.Duration
	ReconcileDelay    time.Duration
	ReconcileInterval time.Duration
}

// DefaultConfig returns the reference timings: heartbeat after 1s then every
// 3s, reconciliation after 1m then every 3m.
func DefaultConfig() Config {
	return Config{
		RedisAddr:         "localhost:6379",
		ChannelPrefix:     "redisbungee",
		ShutdownPolicy:    ShutdownCleanup,
		HeartbeatDelay:    time.Second,
		HeartbeatInterval: 3 * time.Second,
		ReconcileDelay:    time.Minute,
		ReconcileInterval: 3 * time.Minute,
	}
}

// Validate checks the fields that make startup fatal when missing.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ServerID) == "" {
		return invalidArgument("server-id is not specified in the configuration or is empty")
	}
	if len(c.LinkedServers) == 0 {
		return invalidArgument("linked-servers is not specified in the configuration or is empty")
	}
	if c.RedisAddr == "" {
		return invalidArgument("no redis server specified")
	}
	if c.ChannelPrefix == "" {
		return invalidArgument("channel prefix is empty")
	}
	switch c.ShutdownPolicy {
	case ShutdownCleanup, ShutdownReconcile:
	default:
		return invalidArgument("unknown shutdown policy %q", c.ShutdownPolicy)
	}
	if c.HeartbeatInterval <= 0 || c.ReconcileInterval <= 0 {
		return invalidArgument("intervals must be positive")
	}
	return nil
}

// ParseShutdownPolicy maps a config string onto a policy. Empty means cleanup.
func ParseShutdownPolicy(s string) (ShutdownPolicy, error) {
	switch p := ShutdownPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return ShutdownCleanup, nil
	case ShutdownCleanup, ShutdownReconcile:
		return p, nil
	default:
		return "", fmt.Errorf("%w: unknown shutdown policy %q", ErrInvalidArgument, s)
	}
}
