// Package config loads the ambient settings this repository needs beyond
// what spec.md's required command-line flags cover: where raft keeps its
// data, how long locks live, whether a diagnostic journal is wired in, and
// whether metrics are exposed. None of it is required — every field has a
// workable zero-value default — so an entirely flagless deployment still
// runs.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config is the full set of ambient settings, loaded from an optional YAML
// file named by the `-config` flag.
type Config struct {
	// DataDir holds raft's log, stable store, and snapshots. Defaults to
	// "./nsync-data" if empty.
	DataDir string `yaml:"data_dir"`

	// LockTTL overrides consensus.DefaultLockTTL. Zero means use the
	// default.
	LockTTL time.Duration `yaml:"lock_ttl"`

	// FileCacheSize bounds the file-serving endpoint's in-memory cache,
	// measured in whole files. Zero means fileserver.DefaultCacheSize.
	FileCacheSize int `yaml:"file_cache_size"`

	Journal JournalConfig `yaml:"journal"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// JournalConfig selects and configures the optional diagnostic snapshot
// journal (see package journal). Backend is a registered journal.Factory
// key, e.g. "sqlite3" or "postgres"; empty disables the journal entirely.
type JournalConfig struct {
	Backend string                 `yaml:"backend"`
	Options map[string]interface{} `yaml:"options"`
}

// MetricsConfig controls the optional Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultDataDir is used when Config.DataDir is empty.
const DefaultDataDir = "./nsync-data"

// Default returns a Config with the defaults this repository runs with
// absent any `-config` file.
func Default() Config {
	return Config{
		DataDir:       DefaultDataDir,
		FileCacheSize: 0,
		Metrics:       MetricsConfig{Enabled: false, Addr: ":9090"},
	}
}

// Load reads and parses a YAML config file, starting from Default() so any
// field the file omits keeps its default value.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config file %s", path)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	return cfg, nil
}
