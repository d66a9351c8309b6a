// Package config loads brokerd's configuration via viper:
// MINI_RPC_BROKER_* environment variables, an optional config file, then
// defaults, in that order of precedence (marmos91-dittofs's cobra+viper
// layering, scaled down to this broker's much smaller surface). CLI
// flags are not read here; cmd/brokerd applies them to the loaded Config.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Endpoint is one socket or TCP address brokerd listens on.
type Endpoint struct {
	Network string `mapstructure:"network"`
	Address string `mapstructure:"address"`
}

// Etcd configures the optional broker-presence advertiser
// (registry/advertise). Disabled by default: this broker never needs
// etcd to route a single process's own calls.
type Etcd struct {
	Enabled   bool          `mapstructure:"enabled"`
	Endpoints []string      `mapstructure:"endpoints"`
	BrokerID  string        `mapstructure:"broker_id"`
	LeaseTTL  time.Duration `mapstructure:"lease_ttl"`
}

// Logging configures the zerolog writer built by internal/logging.
type Logging struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Metrics configures the optional Prometheus /metrics endpoint.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// ClientBroker is one broker address brokerd's own call command may
// dial, alongside the weight a weighted-random strategy gives it.
type ClientBroker struct {
	Address string `mapstructure:"address"`
	Weight  int    `mapstructure:"weight"`
}

// Client configures brokerd's call command: the broker pool it can
// dial and which loadbalance.Balancer picks the one to use. It has no
// bearing on serve; a broker never dials another broker.
type Client struct {
	Brokers         []ClientBroker `mapstructure:"brokers"`
	BalanceStrategy string         `mapstructure:"balance_strategy"`
}

// Config is brokerd's full static configuration.
type Config struct {
	Endpoints []Endpoint `mapstructure:"endpoints"`

	WorkerPoolSize int    `mapstructure:"worker_pool_size"`
	MaxFrameSize   uint32 `mapstructure:"max_frame_size"`

	// AllowRemoteExit gates whether a client's core.exit call is honored
	// (spec.md §4.4.3 leaves this "may be gated by configuration").
	AllowRemoteExit bool `mapstructure:"allow_remote_exit"`

	// AcceptRate/AcceptBurst bound new-connection admission; zero
	// disables the limiter (bridge.Config.AcceptRate/AcceptBurst).
	AcceptRate  float64 `mapstructure:"accept_rate"`
	AcceptBurst int     `mapstructure:"accept_burst"`

	Etcd    Etcd    `mapstructure:"etcd"`
	Logging Logging `mapstructure:"logging"`
	Metrics Metrics `mapstructure:"metrics"`
	Client  Client  `mapstructure:"client"`
}

const envPrefix = "MINI_RPC_BROKER"

// Default returns Config populated with brokerd's out-of-the-box
// defaults, before any file/env/flag overrides are applied.
func Default() Config {
	return Config{
		Endpoints:      []Endpoint{{Network: "unix", Address: "/tmp/mini-rpc-broker.sock"}},
		WorkerPoolSize: 4,
		MaxFrameSize:   16 << 20,
		Logging:        Logging{Level: "info"},
		Metrics:        Metrics{Enabled: false, Address: "127.0.0.1:9090"},
		Etcd:           Etcd{LeaseTTL: 10 * time.Second},
		Client:         Client{BalanceStrategy: "round-robin"},
	}
}

// Load builds a Config from, in increasing precedence: Default(), an
// optional config file at path (skipped if empty), then
// MINI_RPC_BROKER_* environment variables. cmd/brokerd passes a fresh
// viper.Viper and applies its own flags (such as serve's --pretty-log) to
// the returned Config, so those flags win over everything.
func Load(v *viper.Viper, path string) (Config, error) {
	cfg := Default()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("worker_pool_size", cfg.WorkerPoolSize)
	v.SetDefault("max_frame_size", cfg.MaxFrameSize)
	v.SetDefault("allow_remote_exit", cfg.AllowRemoteExit)
	v.SetDefault("accept_rate", cfg.AcceptRate)
	v.SetDefault("accept_burst", cfg.AcceptBurst)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.address", cfg.Metrics.Address)
	v.SetDefault("etcd.lease_ttl", cfg.Etcd.LeaseTTL)
	v.SetDefault("client.balance_strategy", cfg.Client.BalanceStrategy)

	endpoints := make([]map[string]any, len(cfg.Endpoints))
	for i, e := range cfg.Endpoints {
		endpoints[i] = map[string]any{"network": e.Network, "address": e.Address}
	}
	v.SetDefault("endpoints", endpoints)
}
