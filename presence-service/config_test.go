package main

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/example/proxy-presence/pkg/presence"
)

func TestFromFile_Defaults(t *testing.T) {
	cfg, err := fromFile(fileConfig{
		ServerID:      "proxy-a",
		LinkedServers: []string{"proxy-a", "proxy-b"},
		RedisServer:   "redis.internal",
		RedisPort:     6380,
		Backends:      []string{"lobby", "survival"},
	})
	if err != nil {
		t.Fatalf("fromFile returned error: %v", err)
	}

	if cfg.Presence.RedisAddr != "redis.internal:6380" {
		t.Errorf("Expected redis addr redis.internal:6380, got %s", cfg.Presence.RedisAddr)
	}
	if cfg.Presence.ChannelPrefix != "redisbungee" {
		t.Errorf("Expected default channel prefix, got %s", cfg.Presence.ChannelPrefix)
	}
	if cfg.Presence.ShutdownPolicy != presence.ShutdownCleanup {
		t.Errorf("Expected cleanup policy, got %s", cfg.Presence.ShutdownPolicy)
	}
	if cfg.Presence.HeartbeatInterval != 3*time.Second {
		t.Errorf("Expected 3s heartbeat, got %v", cfg.Presence.HeartbeatInterval)
	}
	if !reflect.DeepEqual(cfg.Backends, []string{"lobby", "survival"}) {
		t.Errorf("Unexpected backends %v", cfg.Backends)
	}
	if cfg.NatsURL != "nats://localhost:4222" {
		t.Errorf("Expected default NATS URL, got %s", cfg.NatsURL)
	}
}

func TestFromFile_EnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ID", "proxy-c")
	t.Setenv("LINKED_SERVERS", "proxy-a, proxy-b,,proxy-c")
	t.Setenv("REDIS_ADDR", "10.1.1.1:7000")
	t.Setenv("SHUTDOWN_POLICY", "reconcile")
	t.Setenv("PLAYER_LIST_IN_PING", "true")
	t.Setenv("CHANNEL_PREFIX", "network")
	t.Setenv("NATS_URL", "nats://nats:4222")

	cfg, err := fromFile(fileConfig{ServerID: "proxy-a", RedisServer: "localhost", RedisPort: 6379})
	if err != nil {
		t.Fatalf("fromFile returned error: %v", err)
	}

	if cfg.Presence.ServerID != "proxy-c" {
		t.Errorf("Expected SERVER_ID override, got %s", cfg.Presence.ServerID)
	}
	if want := []string{"proxy-a", "proxy-b", "proxy-c"}; !reflect.DeepEqual(cfg.Presence.LinkedServers, want) {
		t.Errorf("Expected linked servers %v, got %v", want, cfg.Presence.LinkedServers)
	}
	if cfg.Presence.RedisAddr != "10.1.1.1:7000" {
		t.Errorf("Expected REDIS_ADDR override, got %s", cfg.Presence.RedisAddr)
	}
	if cfg.Presence.ShutdownPolicy != presence.ShutdownReconcile {
		t.Errorf("Expected reconcile policy, got %s", cfg.Presence.ShutdownPolicy)
	}
	if !cfg.Presence.PlayerListInPing {
		t.Error("Expected player list in ping to be enabled")
	}
	if cfg.Presence.ChannelPrefix != "network" {
		t.Errorf("Expected channel prefix network, got %s", cfg.Presence.ChannelPrefix)
	}
	if cfg.NatsURL != "nats://nats:4222" {
		t.Errorf("Expected NATS_URL override, got %s", cfg.NatsURL)
	}
}

func TestFromFile_Invalid(t *testing.T) {
	valid := fileConfig{
		ServerID:      "proxy-a",
		LinkedServers: []string{"proxy-a"},
		RedisServer:   "localhost",
		RedisPort:     6379,
	}

	tests := []struct {
		name  string
		env   map[string]string
		apply func(*fileConfig)
	}{
		{name: "missing server id", apply: func(fc *fileConfig) { fc.ServerID = "" }},
		{name: "missing linked servers", apply: func(fc *fileConfig) { fc.LinkedServers = nil }},
		{name: "missing redis server", apply: func(fc *fileConfig) { fc.RedisServer = "" }},
		{name: "unknown shutdown policy", apply: func(fc *fileConfig) { fc.ShutdownPolicy = "drain" }},
		{name: "bad ping flag", env: map[string]string{"PLAYER_LIST_IN_PING": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			fc := valid
			if tt.apply != nil {
				tt.apply(&fc)
			}
			if _, err := fromFile(fc); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestFromFile_MissingServerIDIsInvalidArgument(t *testing.T) {
	_, err := fromFile(fileConfig{LinkedServers: []string{"proxy-a"}, RedisServer: "localhost", RedisPort: 6379})
	if !errors.Is(err, presence.ErrInvalidArgument) {
		t.Errorf("Expected ErrInvalidArgument, got %v", err)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := `server-id: proxy-b
linked-servers:
  - proxy-a
  - proxy-b
redis-server: redis
redis-port: 6390
redis-password: none
player-list-in-ping: true
backends: [lobby, creative]
shutdown-policy: reconcile
heartbeat-interval: 5s
reconcile-interval: 10m
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PRESENCE_CONFIG", path)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Presence.ServerID != "proxy-b" {
		t.Errorf("Expected server id proxy-b, got %s", cfg.Presence.ServerID)
	}
	if cfg.Presence.RedisAddr != "redis:6390" {
		t.Errorf("Expected redis:6390, got %s", cfg.Presence.RedisAddr)
	}
	if cfg.Presence.RedisPassword != "none" {
		t.Errorf("Expected the literal password to be kept, got %s", cfg.Presence.RedisPassword)
	}
	if cfg.Presence.HeartbeatInterval != 5*time.Second || cfg.Presence.ReconcileInterval != 10*time.Minute {
		t.Errorf("Unexpected intervals %v / %v", cfg.Presence.HeartbeatInterval, cfg.Presence.ReconcileInterval)
	}
	if cfg.Presence.ShutdownPolicy != presence.ShutdownReconcile {
		t.Errorf("Expected reconcile policy, got %s", cfg.Presence.ShutdownPolicy)
	}
	if !reflect.DeepEqual(cfg.Backends, []string{"lobby", "creative"}) {
		t.Errorf("Unexpected backends %v", cfg.Backends)
	}
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	t.Setenv("PRESENCE_CONFIG", filepath.Join(t.TempDir(), "absent.yml"))
	if _, err := loadConfig(); err == nil {
		t.Error("Expected an error for a missing explicit config file")
	}
}

func TestLoadConfig_EnvOnly(t *testing.T) {
	t.Setenv("PRESENCE_CONFIG", "")
	t.Setenv("SERVER_ID", "proxy-a")
	t.Setenv("LINKED_SERVERS", "proxy-a,proxy-b")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Presence.ServerID != "proxy-a" {
		t.Errorf("Expected server id proxy-a, got %s", cfg.Presence.ServerID)
	}
}
