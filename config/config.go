// Package config implements repository-creation defaults and the CLI
// configuration file: the format number, sharding, cache sizing, optional
// memcached servers, the fail-stop cache policy, and the svndiff version
// new representations are written with.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// Current format numbers this engine understands writing (spec §6.1).
const (
	MinFormat = 4
	MaxFormat = 7
)

const (
	DefaultFormat           = MaxFormat
	DefaultShardSize        = 1000
	DefaultSvndiffVersion   = 1
	DefaultRevisionRootSize = 1000
	DefaultDagNodeSize      = 8192
	DefaultDirEntriesSize   = 4096
	DefaultPackManifestSize = 64
	DefaultFulltextSize     = 16 * 1024 * 1024 // bytes' worth of entries, not byte count itself
)

// Config is a repository's on-disk format configuration plus the
// operator-tunable cache/runtime knobs layered on top of it.
type Config struct {
	Format        int  `yaml:"format"`
	Sharded       bool `yaml:"sharded"`
	ShardSize     int64 `yaml:"shard_size"`
	SvndiffVersion int  `yaml:"svndiff_version"`

	Caches   CacheConfig `yaml:"caches"`
	FailStop bool        `yaml:"fail_stop"`

	MemcachedServers []string `yaml:"memcached_servers"`
}

// CacheConfig sizes the five caches of spec §4.8. A zero size disables
// that cache.
type CacheConfig struct {
	RevisionRootIDSize int `yaml:"revision_root_id_size"`
	DagNodeSize        int `yaml:"dag_node_size"`
	DirEntriesSize     int `yaml:"dir_entries_size"`
	PackManifestSize   int `yaml:"pack_manifest_size"`
	FulltextSize       int `yaml:"fulltext_size"`
}

// Default returns the configuration a fresh repository is created with
// absent an explicit config file.
func Default() *Config {
	return &Config{
		Format:         DefaultFormat,
		Sharded:        true,
		ShardSize:      DefaultShardSize,
		SvndiffVersion: DefaultSvndiffVersion,
		Caches: CacheConfig{
			RevisionRootIDSize: DefaultRevisionRootSize,
			DagNodeSize:        DefaultDagNodeSize,
			DirEntriesSize:     DefaultDirEntriesSize,
			PackManifestSize:   DefaultPackManifestSize,
			FulltextSize:       DefaultFulltextSize,
		},
	}
}

// Unmarshal parses config on top of Default(), so a partial YAML
// document only overrides the fields it mentions.
func Unmarshal(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v. make sure to use 'single quotes' around strings with special characters", err.Error())
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile loads and parses a YAML config file from disk.
func LoadConfigFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	cfg, err := LoadConfigString(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %v", filename, err.Error())
	}
	return cfg, nil
}

// LoadConfigString parses a YAML config document already in memory.
func LoadConfigString(content []byte) (*Config, error) {
	return Unmarshal(content)
}

func (c *Config) validate() error {
	if c.Format < MinFormat || c.Format > MaxFormat {
		return fmt.Errorf("unsupported format %d: must be between %d and %d", c.Format, MinFormat, MaxFormat)
	}
	if c.Sharded && c.ShardSize <= 0 {
		return fmt.Errorf("shard_size must be positive when sharded is true, got %d", c.ShardSize)
	}
	if c.SvndiffVersion != 0 && c.SvndiffVersion != 1 {
		return fmt.Errorf("unsupported svndiff_version %d: must be 0 or 1", c.SvndiffVersion)
	}
	for _, size := range []int{c.Caches.RevisionRootIDSize, c.Caches.DagNodeSize, c.Caches.DirEntriesSize, c.Caches.PackManifestSize, c.Caches.FulltextSize} {
		if size < 0 {
			return fmt.Errorf("cache sizes must be non-negative, got %d", size)
		}
	}
	return nil
}
