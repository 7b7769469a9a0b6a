package config

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"
)

var validCiphers = map[string]bool{
	"":                 true, // defaults to aes-gcm
	"aes-gcm":          true,
	"chacha20poly1305": true,
}

var validKinds = map[Kind]bool{
	KindMemory:    true,
	KindNetworked: true,
	KindFile:      true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader with the env and file secret
// providers registered.
func NewLoader() *Loader {
	reg := NewSecretRegistry()
	reg.Register(&EnvProvider{})
	reg.Register(&FileProvider{})
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    reg,
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Resolve ${scheme:ref} secret references before validation so the
	// resolved key material is what gets checked.
	if err := resolveSecretRefs(cfg, l.secrets, context.Background()); err != nil {
		return nil, err
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Layers are consumed in priority order everywhere downstream.
	sort.SliceStable(cfg.Layers, func(i, j int) bool {
		return cfg.Layers[i].Priority < cfg.Layers[j].Priority
	})

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	names := make(map[string]bool)
	priorities := make(map[int]string)
	needsKey := false

	for i, layer := range cfg.Layers {
		if layer.Name == "" {
			return fmt.Errorf("layer %d: name is required", i)
		}
		if names[layer.Name] {
			return fmt.Errorf("duplicate layer name: %s", layer.Name)
		}
		names[layer.Name] = true

		if !validKinds[layer.Kind] {
			return fmt.Errorf("layer %s: invalid kind %q", layer.Name, layer.Kind)
		}

		if layer.Priority < 1 {
			return fmt.Errorf("layer %s: priority must be >= 1", layer.Name)
		}
		if other, dup := priorities[layer.Priority]; dup {
			return fmt.Errorf("layers %s and %s share priority %d; priority order must be total",
				other, layer.Name, layer.Priority)
		}
		priorities[layer.Priority] = layer.Name

		if layer.MaxSizeBytes < 0 {
			return fmt.Errorf("layer %s: max_size_bytes must not be negative", layer.Name)
		}

		if !validCiphers[layer.Cipher] {
			return fmt.Errorf("layer %s: unknown cipher %q", layer.Name, layer.Cipher)
		}
		if layer.Encryption {
			needsKey = true
		}

		switch layer.Kind {
		case KindNetworked:
			if layer.Redis.Addr == "" {
				return fmt.Errorf("layer %s: redis.addr is required for networked layers", layer.Name)
			}
		case KindFile:
			if layer.File.Dir == "" {
				return fmt.Errorf("layer %s: file.dir is required for file layers", layer.Name)
			}
		}
	}

	if needsKey {
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionKey)
		if err != nil {
			return fmt.Errorf("encryption_key: invalid base64: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("encryption_key: must decode to exactly 32 bytes (got %d)", len(key))
		}
	}

	if cfg.DefaultTTL < 0 || cfg.SweepInterval < 0 || cfg.WeightFactor < 0 {
		return fmt.Errorf("durations must not be negative")
	}

	return nil
}

// Key returns the decoded encryption key. Callers must have validated the
// config first; a missing or malformed key yields nil.
func (c *Config) Key() []byte {
	if c.EncryptionKey == "" {
		return nil
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil
	}
	return key
}

// EnabledLayers returns the enabled layers in priority order.
func (c *Config) EnabledLayers() []LayerConfig {
	out := make([]LayerConfig, 0, len(c.Layers))
	for _, l := range c.Layers {
		if l.Enabled {
			out = append(out, l)
		}
	}
	return out
}
