// Package config holds the configuration surface consumed by the server
// binary. Values come from an optional yaml file with flag overrides
// applied on top by cmd/smoldb.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	EngineBitcask = "bitcask"
	EngineBolt    = "bolt"
)

var ErrUnknownEngine = errors.New("unknown engine")

type Config struct {
	// Dir is the data directory the storage engine owns exclusively.
	Dir string `yaml:"dir"`

	// Engine selects the storage backend: bitcask or bolt.
	Engine string `yaml:"engine"`

	// Addr is the address the server listens on.
	Addr string `yaml:"addr"`

	// MetricsAddr serves the prometheus registry over HTTP when set.
	MetricsAddr string `yaml:"metrics_addr"`

	// SegmentSize is the rollover threshold for bitcask segment files.
	SegmentSize int64 `yaml:"segment_size"`

	// CompactionRatio is the garbage-to-total ratio that triggers
	// bitcask compaction.
	CompactionRatio float64 `yaml:"compaction_ratio"`

	// SyncWrites forces an fsync after every append.
	SyncWrites bool `yaml:"sync_writes"`

	// MaxConnections bounds concurrently served connections; zero means
	// unbounded.
	MaxConnections int64 `yaml:"max_connections"`

	// PoolSize is the client connection pool capacity.
	PoolSize int64 `yaml:"pool_size"`
}

func Default() Config {
	return Config{
		Dir:             "data",
		Engine:          EngineBitcask,
		Addr:            "127.0.0.1:4001",
		SegmentSize:     64 * 1024 * 1024,
		CompactionRatio: 0.5,
		PoolSize:        4,
	}
}

// Load reads the yaml file at path over the defaults. Unknown fields are
// rejected so a typo fails loudly instead of silently using a default.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "open config file")
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config file %s", path)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Engine != EngineBitcask && c.Engine != EngineBolt {
		return errors.Wrap(ErrUnknownEngine, c.Engine)
	}
	if c.Dir == "" {
		return errors.New("dir must not be empty")
	}
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.SegmentSize <= 0 {
		return errors.New("segment_size must be positive")
	}
	if c.CompactionRatio <= 0 || c.CompactionRatio >= 1 {
		return errors.New("compaction_ratio must be between 0 and 1")
	}
	if c.PoolSize <= 0 {
		return errors.New("pool_size must be positive")
	}
	return nil
}
