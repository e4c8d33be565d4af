// Package config provides a reusable loader for fledger configuration files
// and environment variables. It is versioned so that applications can depend
// on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fledger/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for a fledger node. Its structure is
// that of the YAML files Load reads (default.yaml and an optional
// <env>.yaml, searched for under cmd/fledger/config and config).
type Config struct {
	Network struct {
		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		MaxPeers       int      `mapstructure:"max_peers" json:"max_peers"`
		OutboundQueue  int      `mapstructure:"outbound_queue" json:"outbound_queue"`
	} `mapstructure:"network" json:"network"`

	Signal struct {
		URL     string   `mapstructure:"url" json:"url"`
		Version int      `mapstructure:"version" json:"version"`
		STUN    []string `mapstructure:"stun" json:"stun"`
		TURN    []struct {
			URL        string `mapstructure:"url" json:"url"`
			Username   string `mapstructure:"username" json:"username"`
			Credential string `mapstructure:"credential" json:"credential"`
		} `mapstructure:"turn" json:"turn"`
		ConnectionTTL time.Duration `mapstructure:"connection_ttl" json:"connection_ttl"`
	} `mapstructure:"signal" json:"signal"`

	Kademlia struct {
		K            int `mapstructure:"k" json:"k"`
		PingInterval int `mapstructure:"ping_interval" json:"ping_interval"`
		PingTimeout  int `mapstructure:"ping_timeout" json:"ping_timeout"`
	} `mapstructure:"kademlia" json:"kademlia"`

	Storage struct {
		Realms  []string      `mapstructure:"realms" json:"realms"`
		Owned   []string      `mapstructure:"owned" json:"owned"`
		Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	} `mapstructure:"storage" json:"storage"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Default returns a Config populated with the baseline operating defaults:
// k=2, ping_interval=10 ticks, ping_timeout=30 ticks, storage timeout=1000ms.
func Default() Config {
	var c Config
	c.Kademlia.K = 2
	c.Kademlia.PingInterval = 10
	c.Kademlia.PingTimeout = 30
	c.Storage.Timeout = time.Second
	c.Signal.Version = 1
	c.Signal.ConnectionTTL = 5 * time.Minute
	c.Network.OutboundQueue = 256
	return c
}

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	AppConfig = Default()

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/fledger/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.SetEnvPrefix("FLEDGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // picks up FLEDGER_* overrides

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the FLEDGER_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("FLEDGER_ENV", ""))
}
