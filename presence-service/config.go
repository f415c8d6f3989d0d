package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/proxy-presence/pkg/presence"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors config.yml. Keys keep the hyphenated names proxies in
// the field already use.
type fileConfig struct {
	ServerID          string        `yaml:"server-id"`
	LinkedServers     []string      `yaml:"linked-servers"`
	RedisServer       string        `yaml:"redis-server"`
	RedisPort         int           `yaml:"redis-port"`
	RedisPassword     string        `yaml:"redis-password"`
	PlayerListInPing  bool          `yaml:"player-list-in-ping"`
	ChannelPrefix     string        `yaml:"channel-prefix"`
	Backends          []string      `yaml:"backends"`
	ShutdownPolicy    string        `yaml:"shutdown-policy"`
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval"`
	ReconcileInterval time.Duration `yaml:"reconcile-interval"`
}

// Config holds the service configuration.
type Config struct {
	Presence     presence.Config
	Backends     []string
	NatsURL      string
	NatsUser     string
	NatsPass     string
	NatsNkeySeed string
}

// loadConfig reads the YAML file named by PRESENCE_CONFIG (config.yml by
// default) and lets environment variables override it. A missing default
// file is fine; a missing explicit one is not.
func loadConfig() (Config, error) {
	path := os.Getenv("PRESENCE_CONFIG")
	explicit := path != ""
	if !explicit {
		path = "config.yml"
	}

	fc := fileConfig{RedisServer: "localhost", RedisPort: 6379}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return fromFile(fc)
}

func fromFile(fc fileConfig) (Config, error) {
	pc := presence.DefaultConfig()
	pc.ServerID = envOrDefault("SERVER_ID", fc.ServerID)
	pc.LinkedServers = splitList(envOrDefault("LINKED_SERVERS", strings.Join(fc.LinkedServers, ",")))
	pc.RedisPassword = envOrDefault("REDIS_PASSWORD", fc.RedisPassword)
	pc.PlayerListInPing = fc.PlayerListInPing
	if v := os.Getenv("PLAYER_LIST_IN_PING"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("PLAYER_LIST_IN_PING: %w", err)
		}
		pc.PlayerListInPing = b
	}
	pc.ChannelPrefix = envOrDefault("CHANNEL_PREFIX", firstNonEmpty(fc.ChannelPrefix, pc.ChannelPrefix))

	host := envOrDefault("REDIS_SERVER", fc.RedisServer)
	if host == "" {
		return Config{}, fmt.Errorf("%w: no redis server specified", presence.ErrInvalidArgument)
	}
	port := strconv.Itoa(fc.RedisPort)
	pc.RedisAddr = envOrDefault("REDIS_ADDR", net.JoinHostPort(host, envOrDefault("REDIS_PORT", port)))

	policy, err := presence.ParseShutdownPolicy(envOrDefault("SHUTDOWN_POLICY", fc.ShutdownPolicy))
	if err != nil {
		return Config{}, err
	}
	pc.ShutdownPolicy = policy

	if fc.HeartbeatInterval > 0 {
		pc.HeartbeatInterval = fc.HeartbeatInterval
	}
	if fc.ReconcileInterval > 0 {
		pc.ReconcileInterval = fc.ReconcileInterval
	}

	cfg := Config{
		Presence:     pc,
		Backends:     splitList(envOrDefault("BACKENDS", strings.Join(fc.Backends, ","))),
		NatsURL:      envOrDefault("NATS_URL", "nats://localhost:4222"),
		NatsUser:     envOrDefault("NATS_USER", "presence-service"),
		NatsPass:     envOrDefault("NATS_PASS", "presence-service-secret"),
		NatsNkeySeed: envOrDefault("NATS_NKEY_SEED", ""),
	}
	if err := cfg.Presence.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
