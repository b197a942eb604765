// Package config centralizes loading of the options structs accepted by
// the statelog, channel, and controller packages, the way a host process
// assembles them ahead of wiring the three subsystems together.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the root configuration document for an embedding process.
// Load fills the timer fields a file leaves unset from Defaults;
// data_path and listen_address have no default, and Load rejects a
// file that omits either.
type Config struct {
	// DataPath is the directory StateLog segment files and the
	// durable-commit metadata sidecar are written under.
	DataPath string `mapstructure:"data_path"`

	// ListenAddress is the TCP address ChannelManager's accept loop
	// binds to.
	ListenAddress string `mapstructure:"listen_address"`

	// ElectionTickMin/Max bound the randomized election timer (spec
	// default 200-300ms).
	ElectionTickMin time.Duration `mapstructure:"election_tick_min"`
	ElectionTickMax time.Duration `mapstructure:"election_tick_max"`

	// MissingDataTickMin/Max bound the randomized missing-data timer
	// (spec default 400-600ms).
	MissingDataTickMin time.Duration `mapstructure:"missing_data_tick_min"`
	MissingDataTickMax time.Duration `mapstructure:"missing_data_tick_max"`

	// SyncTickMin/Max bound the randomized durability-sync timer (spec
	// default 2000-3000ms).
	SyncTickMin time.Duration `mapstructure:"sync_tick_min"`
	SyncTickMax time.Duration `mapstructure:"sync_tick_max"`

	// WriteStallTick is the watchdog's poll interval (spec default
	// 125ms).
	WriteStallTick time.Duration `mapstructure:"write_stall_tick"`

	// GroupToken1/2 are the tokens a peer must present on connect
	// handshake to be accepted into the group (see §6 wire handshake).
	GroupToken1 uint64 `mapstructure:"group_token_1"`
	GroupToken2 uint64 `mapstructure:"group_token_2"`
	GroupID     uint64 `mapstructure:"group_id"`
}

// Defaults mirror the spec.md timer bounds so callers only need to set
// DataPath, ListenAddress, and the group identity.
func Defaults() Config {
	return Config{
		ElectionTickMin:    200 * time.Millisecond,
		ElectionTickMax:    300 * time.Millisecond,
		MissingDataTickMin: 400 * time.Millisecond,
		MissingDataTickMax: 600 * time.Millisecond,
		SyncTickMin:        2 * time.Second,
		SyncTickMax:        3 * time.Second,
		WriteStallTick:     125 * time.Millisecond,
	}
}

// Load reads a Config from the given file path via viper, falling back
// to Defaults for any field the file leaves unset. The file format is
// inferred from its extension (yaml, json, toml, ...).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	cfg := Defaults()
	v.SetDefault("election_tick_min", cfg.ElectionTickMin)
	v.SetDefault("election_tick_max", cfg.ElectionTickMax)
	v.SetDefault("missing_data_tick_min", cfg.MissingDataTickMin)
	v.SetDefault("missing_data_tick_max", cfg.MissingDataTickMax)
	v.SetDefault("sync_tick_min", cfg.SyncTickMin)
	v.SetDefault("sync_tick_max", cfg.SyncTickMax)
	v.SetDefault("write_stall_tick", cfg.WriteStallTick)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config failed")
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config failed")
	}
	if cfg.DataPath == "" {
		return nil, errors.New("data_path is required")
	}
	if cfg.ListenAddress == "" {
		return nil, errors.New("listen_address is required")
	}
	return &cfg, nil
}
