// Package config defines the cache engine configuration and its YAML loader.
// A Config describes the ordered set of cache layers plus global defaults;
// it is immutable once a manager has been built from it; reconfiguration
// means parsing a new Config and rebuilding the manager.
package config

import (
	"time"
)

// Kind identifies a layer's backing medium.
type Kind string

const (
	KindMemory    Kind = "memory"
	KindNetworked Kind = "networked"
	KindFile      Kind = "file"
)

// Config is the complete engine configuration.
type Config struct {
	// DefaultTTL applies to layers that leave ttl unset and to Set calls
	// without an explicit TTL.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// CompressionThreshold is the value size in bytes at or above which
	// values are compressed before storage. 0 disables compression.
	CompressionThreshold int `yaml:"compression_threshold"`

	// WeightFactor is the eviction-score credit per recorded hit. Zero
	// reduces the eviction policy to pure LRU.
	WeightFactor time.Duration `yaml:"weight_factor"`

	// SweepInterval is how often each layer's background reaper removes
	// expired entries.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// EncryptionKey is the base64-encoded 32-byte key shared by all
	// layers that enable encryption. Supports ${env:NAME} / ${file:PATH}
	// secret references.
	EncryptionKey string `yaml:"encryption_key" redact:"true"`

	Layers []LayerConfig `yaml:"layers"`

	Logging LoggingConfig `yaml:"logging"`
	Admin   AdminConfig   `yaml:"admin"`
	Breaker BreakerConfig `yaml:"breaker"`
}

// LayerConfig describes one cache layer.
type LayerConfig struct {
	Name     string `yaml:"name"`
	Kind     Kind   `yaml:"kind"`
	Priority int    `yaml:"priority"` // 1 = checked first; total order, no ties

	TTL          time.Duration `yaml:"ttl"`
	MaxSizeBytes int64         `yaml:"max_size_bytes"`
	Enabled      bool          `yaml:"enabled"`
	Encryption   bool          `yaml:"encryption"`

	// Cipher selects the AEAD used when Encryption is set:
	// "aes-gcm" (default) or "chacha20poly1305".
	Cipher string `yaml:"cipher"`

	Redis RedisConfig `yaml:"redis"` // kind: networked
	File  FileConfig  `yaml:"file"`  // kind: file
}

// RedisConfig holds connection settings for a networked layer.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password" redact:"true"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"` // per-call deadline
}

// FileConfig holds settings for a file-backed layer.
type FileConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// AdminConfig controls the admin/metrics HTTP listener.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// BreakerConfig tunes the circuit breaker guarding networked layers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	HalfOpenRequests int           `yaml:"half_open_requests"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a Config populated with engine defaults.
func DefaultConfig() *Config {
	return &Config{
		DefaultTTL:           5 * time.Minute,
		CompressionThreshold: 4096,
		WeightFactor:         time.Second,
		SweepInterval:        time.Minute,
		Logging: LoggingConfig{
			Level: "info",
		},
		Admin: AdminConfig{
			Address: ":9290",
		},
	}
}
