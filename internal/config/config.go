// Package config loads a node's TOML configuration file, falling back
// to built-in defaults for anything the file omits, generalized from
// an in-code defaults-with-override config pattern to an external
// file format.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/oarkflow/convert"
)

// StorageConfig mirrors storage.Config's TOML surface (internal/config
// cannot import internal/storage without inverting the dependency
// direction the CLI entrypoint needs, so node.Config translates these
// fields into a storage.Config at startup).
type StorageConfig struct {
	MemTableSizeMB          int           `toml:"memtable_size_mb"`
	ImmutableQueueHighWater int           `toml:"immutable_queue_high_water"`
	ImmutableQueueLowWater  int           `toml:"immutable_queue_low_water"`
	BackpressureTimeout     time.Duration `toml:"backpressure_timeout"`
	Durability              string        `toml:"durability"` // "sync", "group", or "lazy"
}

// CompactionConfig mirrors storage.CompactionConfig's TOML surface.
type CompactionConfig struct {
	TriggerThreshold int     `toml:"trigger_threshold"`
	MaxMergeWidth    int     `toml:"max_merge_width"`
	BloomFPRate      float64 `toml:"bloom_fp_rate"`
	Compress         bool    `toml:"compress"`
}

// IndexConfig tunes the secondary-index subsystem.
type IndexConfig struct {
	Order              int   `toml:"order"`
	AutoIndexThreshold int64 `toml:"auto_index_threshold"`
	MaxIndexesPerTable int   `toml:"max_indexes_per_table"`
}

// SchedulerConfig tunes the periodic persistence scheduler.
type SchedulerConfig struct {
	Interval    time.Duration `toml:"interval"`
	FanOutLimit int           `toml:"fan_out_limit"`
}

// RegistryConfig tunes peer discovery and failure detection.
type RegistryConfig struct {
	Subnet         string        `toml:"subnet"`
	Port           int           `toml:"port"`
	ProbeInterval  time.Duration `toml:"probe_interval"`
	NetworkTimeout time.Duration `toml:"network_timeout"`
	FailThreshold  int           `toml:"fail_threshold"`
	FanOutLimit    int           `toml:"fan_out_limit"`
}

// HTTPConfig tunes the query/administration surface.
type HTTPConfig struct {
	Port      int    `toml:"port"`
	JWTSecret string `toml:"jwt_secret"`
}

// Config is the complete node configuration, loaded from a single
// TOML file.
type Config struct {
	DataRoot   string           `toml:"data_root"`
	SelfAddr   string           `toml:"self_addr"`
	HTTP       HTTPConfig       `toml:"http"`
	Storage    StorageConfig    `toml:"storage"`
	Compaction CompactionConfig `toml:"compaction"`
	Index      IndexConfig      `toml:"index"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Registry   RegistryConfig   `toml:"registry"`
}

// Default returns the built-in configuration, the same values a node
// runs with when no TOML file is supplied: HTTP port 1985, a 5s
// network timeout, and a 60s scheduler interval.
func Default() Config {
	return Config{
		DataRoot: "data",
		SelfAddr: "127.0.0.1:1985",
		HTTP: HTTPConfig{
			Port: 1985,
		},
		Storage: StorageConfig{
			MemTableSizeMB:          16,
			ImmutableQueueHighWater: 4,
			ImmutableQueueLowWater:  1,
			BackpressureTimeout:     10 * time.Second,
			Durability:              "sync",
		},
		Compaction: CompactionConfig{
			TriggerThreshold: 4,
			MaxMergeWidth:    10,
			BloomFPRate:      0.01,
			Compress:         true,
		},
		Index: IndexConfig{
			Order:              32,
			AutoIndexThreshold: 1000,
			MaxIndexesPerTable: 8,
		},
		Scheduler: SchedulerConfig{
			Interval:    60 * time.Second,
			FanOutLimit: 8,
		},
		Registry: RegistryConfig{
			Port:           1985,
			ProbeInterval:  5 * time.Second,
			NetworkTimeout: 5 * time.Second,
			FailThreshold:  3,
			FanOutLimit:    32,
		},
	}
}

// Load reads the TOML file at path over a copy of Default, so a file
// that only overrides a handful of fields still produces a fully
// populated Config. An empty path returns Default unmodified.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnvOrFlag resolves the config path with the same precedence
// the CLI entrypoint exposes: an explicit flag value wins, then the
// SERENGETI_CONFIG environment variable, then built-in defaults. A
// handful of thresholds can additionally be overridden one at a time
// via environment variables, for operators who want to nudge a single
// value without maintaining a TOML file.
func LoadFromEnvOrFlag(flagPath string) (Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv("SERENGETI_CONFIG")
	}
	cfg, err := Load(path)
	if err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// applyEnvOverrides coerces a small set of environment variables over
// cfg's numeric thresholds, using the same loose any-typed coercion
// numeric step arguments get elsewhere (convert.ToFloat64), since an
// environment variable arrives as an untyped string and a malformed
// override should be ignored rather than fail startup.
func applyEnvOverrides(cfg *Config) {
	if v, ok := envFloat("SERENGETI_HTTP_PORT"); ok {
		cfg.HTTP.Port = int(v)
	}
	if v, ok := envFloat("SERENGETI_MEMTABLE_SIZE_MB"); ok {
		cfg.Storage.MemTableSizeMB = int(v)
	}
	if v, ok := envFloat("SERENGETI_SCHEDULER_INTERVAL_SECONDS"); ok {
		cfg.Scheduler.Interval = time.Duration(v) * time.Second
	}
	if v, ok := envFloat("SERENGETI_FAIL_THRESHOLD"); ok {
		cfg.Registry.FailThreshold = int(v)
	}
}

func envFloat(name string) (float64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	return convert.ToFloat64(raw)
}
