// Package config loads a database's tunables from YAML, in the same
// style as the teacher repo's config loader: fill zero-values with
// defaults, validate ranges, and return wrapped errors instead of
// exiting the process.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Backend names the blockstore implementation a database should open.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendBadger Backend = "badger"
	BackendS3     Backend = "s3"
)

// S3Config holds the options needed to address an S3-compatible bucket.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Config covers every tunable of a database instance: tree shape,
// debounce timing, and which blockstore backend to open.
type Config struct {
	BranchFactor      uint          `yaml:"branchFactor"`
	DebounceInterval  time.Duration `yaml:"debounceInterval"`
	NodeCacheSize     int           `yaml:"nodeCacheSize"`
	Backend           Backend       `yaml:"backend"`
	FilePath          string        `yaml:"filePath"`
	BadgerPath        string        `yaml:"badgerPath"`
	S3                S3Config      `yaml:"s3"`
}

// Default returns the configuration a database uses when none is
// supplied: an in-memory blockstore sized for casual/test use.
func Default() Config {
	return Config{
		BranchFactor:     16,
		DebounceInterval: 250 * time.Millisecond,
		NodeCacheSize:    4096,
		Backend:          BackendMemory,
	}
}

// Load reads and validates a YAML configuration file, filling any
// zero-valued field with its default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.BranchFactor == 0 {
		c.BranchFactor = def.BranchFactor
	}
	if c.DebounceInterval == 0 {
		c.DebounceInterval = def.DebounceInterval
	}
	if c.NodeCacheSize == 0 {
		c.NodeCacheSize = def.NodeCacheSize
	}
	if c.Backend == "" {
		c.Backend = def.Backend
	}
}

func (c *Config) validate() error {
	if c.BranchFactor < 2 {
		return fmt.Errorf("branchFactor must be >= 2, got %d", c.BranchFactor)
	}
	if c.DebounceInterval < 0 {
		return fmt.Errorf("debounceInterval must be >= 0, got %s", c.DebounceInterval)
	}
	switch c.Backend {
	case BackendMemory:
	case BackendFile:
		if c.FilePath == "" {
			return fmt.Errorf("backend %q requires filePath", c.Backend)
		}
	case BackendBadger:
		if c.BadgerPath == "" {
			return fmt.Errorf("backend %q requires badgerPath", c.Backend)
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("backend %q requires s3.bucket", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}
