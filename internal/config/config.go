// Package config loads the storage core's YAML configuration file and
// applies defaults for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"storagecore/pkg/logging"
)

// Duration wraps time.Duration so YAML values like "50ms" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Config is the process configuration for the storage core.
type Config struct {
	// DataFile is the path of the page file backing the buffer pool.
	DataFile string `yaml:"data_file"`

	// PoolSize is the number of frames in the buffer pool.
	PoolSize int `yaml:"pool_size"`
	// ReplacerK is the K used for backward-K-distance eviction.
	ReplacerK int `yaml:"replacer_k"`

	// LeafMaxSize and InternalMaxSize bound B+Tree page fan-out.
	LeafMaxSize     int `yaml:"leaf_max_size"`
	InternalMaxSize int `yaml:"internal_max_size"`

	// DeadlockInterval is how often the cycle detector wakes.
	DeadlockInterval Duration `yaml:"deadlock_interval"`

	// MetricsAddr is the listen address for the /metrics endpoint; empty
	// disables it.
	MetricsAddr string `yaml:"metrics_addr"`

	Logging logging.Config `yaml:"logging"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataFile:         "storagecore.db",
		PoolSize:         128,
		ReplacerK:        2,
		LeafMaxSize:      64,
		InternalMaxSize:  64,
		DeadlockInterval: Duration(50 * time.Millisecond),
		MetricsAddr:      "",
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path and merges it over Default. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("config: pool_size must be positive, got %d", c.PoolSize)
	}
	if c.ReplacerK <= 0 {
		return fmt.Errorf("config: replacer_k must be positive, got %d", c.ReplacerK)
	}
	if c.LeafMaxSize < 3 || c.InternalMaxSize < 3 {
		return fmt.Errorf("config: leaf_max_size and internal_max_size must be at least 3, got %d/%d", c.LeafMaxSize, c.InternalMaxSize)
	}
	if c.DeadlockInterval <= 0 {
		return fmt.Errorf("config: deadlock_interval must be positive, got %s", c.DeadlockInterval)
	}
	if c.DataFile == "" {
		return fmt.Errorf("config: data_file cannot be empty")
	}
	return nil
}
