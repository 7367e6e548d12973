// Package config loads and defaults this node's on-disk configuration,
// matching the teacher's viper-backed settings file plus environment
// variable overrides.
package config

import (
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Chain selects a named network, which in turn fixes block delay and
// finality depth (knownChains below); cmd/forest also maps it to a protocol
// upgrade schedule. Chain does not select the genesis, which is supplied
// separately.
type Chain string

// The networks this node knows how to join.
const (
	Mainnet   Chain = "mainnet"
	Calibnet  Chain = "calibnet"
	Devnet    Chain = "devnet"
	Butterfly Chain = "butterfly"
)

// chainDefaults holds the per-network constants a Chain selection fixes.
type chainDefaults struct {
	blockDelay time.Duration
	finality   uint64
}

var knownChains = map[Chain]chainDefaults{
	Mainnet:   {blockDelay: 30 * time.Second, finality: 900},
	Calibnet:  {blockDelay: 30 * time.Second, finality: 900},
	Devnet:    {blockDelay: 4 * time.Second, finality: 60},
	Butterfly: {blockDelay: 15 * time.Second, finality: 120},
}

// GCConfig groups the snapshot garbage collector's settings.
type GCConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	IntervalEpochs uint64 `mapstructure:"interval_epochs"`
}

// Config is this node's full, defaulted configuration, enumerating every
// field spec.md §6 names.
type Config struct {
	Chain              Chain    `mapstructure:"chain"`
	DataDir            string   `mapstructure:"data_dir"`
	RPCEnabled         bool     `mapstructure:"rpc_enabled"`
	RPCListen          string   `mapstructure:"rpc_listen"`
	MetricsListen      string   `mapstructure:"metrics_listen"`
	GC                 GCConfig `mapstructure:"gc"`
	TargetPeerCount    int      `mapstructure:"target_peer_count"`
	BootstrapPeers     []string `mapstructure:"bootstrap_peers"`
	EncryptKeystore    bool     `mapstructure:"encrypt_keystore"`
	AutoDownloadSnapshot bool   `mapstructure:"auto_download_snapshot"`
}

// BlockDelay returns the target block time for this config's chain.
func (c *Config) BlockDelay() time.Duration {
	return knownChains[c.Chain].blockDelay
}

// FinalityEpochs returns the reorg-depth policy limit for this config's
// chain.
func (c *Config) FinalityEpochs() uint64 {
	return knownChains[c.Chain].finality
}

// setDefaults seeds v with every field's default value before a config
// file or environment variables are layered on top, so a node started
// with no configuration at all still runs with sane settings.
func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("chain", string(Mainnet))
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("rpc_enabled", true)
	v.SetDefault("rpc_listen", "127.0.0.1:1234")
	v.SetDefault("metrics_listen", "127.0.0.1:9400")
	v.SetDefault("gc.enabled", true)
	v.SetDefault("gc.interval_epochs", 20160) // ~one week at a 30s block delay
	v.SetDefault("target_peer_count", 50)
	v.SetDefault("bootstrap_peers", []string{})
	v.SetDefault("encrypt_keystore", true)
	v.SetDefault("auto_download_snapshot", false)
}

// Load reads configuration from <repoDir>/config.toml, falling back to the
// defaults above for anything unset, then applies FOREST_-prefixed
// environment variable overrides. repoDir defaults to ~/.forest when empty.
func Load(repoDir string) (*Config, error) {
	if repoDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, errors.Wrap(err, "resolving home directory")
		}
		repoDir = home + "/.forest"
	}

	v := viper.New()
	setDefaults(v, repoDir)

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(repoDir)
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	v.SetEnvPrefix("forest")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, known := knownChains[c.Chain]; !known {
		return errors.Errorf("unknown chain %q", c.Chain)
	}
	if c.GC.IntervalEpochs == 0 {
		return errors.New("gc.interval_epochs must be positive")
	}
	if c.TargetPeerCount <= 0 {
		return errors.New("target_peer_count must be positive")
	}
	return nil
}
