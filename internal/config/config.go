// Package config loads node configuration from TOML files with
// environment-variable overrides, and provides byte-size parsing shared by
// the indexing memory controller.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

const envConfigPath = "KOTARE_CONFIG"

// Defaults applied when the config file omits a value.
const (
	DefaultListen          = ":8081"
	DefaultDataDir         = "./data"
	DefaultRepoDir         = "./repo"
	DefaultShardsPerIndex  = 4
	DefaultIndexBufferSize = "10%"
	DefaultMinBufferBytes  = 48 * MB
	DefaultMaxBufferBytes  = 0 // unbounded
	DefaultInactiveTime    = 5 * time.Minute
	DefaultCheckInterval   = 5 * time.Second
)

// Config is the full node configuration as decoded from TOML.
type Config struct {
	Node   NodeConfig   `toml:"node"`
	Memory MemoryConfig `toml:"memory"`
	Repo   RepoConfig   `toml:"repository"`
	Log    LogConfig    `toml:"log"`
}

// NodeConfig identifies this node and its network endpoints.
type NodeConfig struct {
	ID              string `toml:"id"`
	Listen          string `toml:"listen"`
	AdvertiseAddr   string `toml:"advertise_addr"`
	CoordinatorAddr string `toml:"coordinator_addr"`
	DataDir         string `toml:"data_dir"`
	ShardsPerIndex  int    `toml:"shards_per_index"`
}

// MemoryConfig governs the indexing memory controller.
//
// IndexBufferSize accepts either an absolute size ("256mb") or a percentage
// of HeapBytes ("10%"). When a percentage is used the resolved budget is
// clamped to [MinBufferSize, MaxBufferSize].
type MemoryConfig struct {
	IndexBufferSize  string   `toml:"index_buffer_size"`
	MinBufferSize    string   `toml:"min_index_buffer_size"`
	MaxBufferSize    string   `toml:"max_index_buffer_size"`
	HeapBytes        int64    `toml:"heap_bytes"`
	ShardInactive    duration `toml:"shard_inactive_time"`
	CheckInterval    duration `toml:"check_interval"`
	ThrottleDisabled bool     `toml:"disable_throttling"`
}

// RepoConfig selects the snapshot repository backend.
type RepoConfig struct {
	Dir     string `toml:"dir"`
	Backend string `toml:"backend"` // "fs" (default) or "bolt"
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// duration lets TOML carry Go duration strings ("5s", "2m").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads configuration from the path in KOTARE_CONFIG, then from
// conventional candidate paths, falling back to defaults when no file is
// found. A file that exists but fails to decode is an error.
func Load() (Config, error) {
	if path := os.Getenv(envConfigPath); path != "" {
		return LoadFile(path)
	}

	candidates := []string{
		"./kotare.toml",
		"./local/kotare.toml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}

	cfg := Config{}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// LoadFile reads and validates configuration from an explicit path.
func LoadFile(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.Listen == "" {
		c.Node.Listen = DefaultListen
	}
	if c.Node.DataDir == "" {
		c.Node.DataDir = DefaultDataDir
	}
	if c.Node.ShardsPerIndex <= 0 {
		c.Node.ShardsPerIndex = DefaultShardsPerIndex
	}
	if c.Memory.IndexBufferSize == "" {
		c.Memory.IndexBufferSize = DefaultIndexBufferSize
	}
	if c.Memory.HeapBytes <= 0 {
		// Approximate the heap budget from the runtime when not pinned.
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		c.Memory.HeapBytes = int64(ms.Sys)
		if c.Memory.HeapBytes < GB {
			c.Memory.HeapBytes = GB
		}
	}
	if c.Memory.ShardInactive.Duration <= 0 {
		c.Memory.ShardInactive.Duration = DefaultInactiveTime
	}
	if c.Memory.CheckInterval.Duration <= 0 {
		c.Memory.CheckInterval.Duration = DefaultCheckInterval
	}
	if c.Repo.Dir == "" {
		c.Repo.Dir = DefaultRepoDir
	}
	if c.Repo.Backend == "" {
		c.Repo.Backend = "fs"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	// Environment overrides beat file values for deploy-time knobs.
	if v := os.Getenv("KOTARE_NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("KOTARE_LISTEN"); v != "" {
		c.Node.Listen = v
	}
	if v := os.Getenv("KOTARE_ADVERTISE_ADDR"); v != "" {
		c.Node.AdvertiseAddr = v
	}
	if v := os.Getenv("KOTARE_COORDINATOR_ADDR"); v != "" {
		c.Node.CoordinatorAddr = v
	}
	if v := os.Getenv("KOTARE_DATA_DIR"); v != "" {
		c.Node.DataDir = v
	}
}

// Validate rejects configurations that cannot produce a working node.
func (c *Config) Validate() error {
	if _, err := c.IndexBufferBytes(); err != nil {
		return fmt.Errorf("invalid memory config: %w", err)
	}
	if c.Repo.Backend != "fs" && c.Repo.Backend != "bolt" {
		return fmt.Errorf("invalid repository backend %q (want fs or bolt)", c.Repo.Backend)
	}
	return nil
}

// IndexBufferBytes resolves the configured indexing-buffer budget to bytes.
func (c *Config) IndexBufferBytes() (int64, error) {
	minBytes := int64(DefaultMinBufferBytes)
	if c.Memory.MinBufferSize != "" {
		n, err := ParseByteSize(c.Memory.MinBufferSize)
		if err != nil {
			return 0, err
		}
		minBytes = n
	}
	maxBytes := int64(DefaultMaxBufferBytes)
	if c.Memory.MaxBufferSize != "" {
		n, err := ParseByteSize(c.Memory.MaxBufferSize)
		if err != nil {
			return 0, err
		}
		maxBytes = n
	}
	return ParseBufferSize(c.Memory.IndexBufferSize, c.Memory.HeapBytes, minBytes, maxBytes)
}
