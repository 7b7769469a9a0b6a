package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// --- EnvProvider ---

func TestEnvProvider_Resolve(t *testing.T) {
	t.Setenv("TEST_SECRET_VAL", "s3cret")

	p := &EnvProvider{}
	got, err := p.Resolve(context.Background(), "TEST_SECRET_VAL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "s3cret" {
		t.Fatalf("got %q, want %q", got, "s3cret")
	}
}

func TestEnvProvider_Missing(t *testing.T) {
	p := &EnvProvider{}
	_, err := p.Resolve(context.Background(), "DEFINITELY_NOT_SET_XYZ_42")
	if err == nil {
		t.Fatal("expected error for unset env var")
	}
}

// --- FileProvider ---

func TestFileProvider_Resolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.txt")
	os.WriteFile(path, []byte("file-secret\n"), 0o600)

	p := &FileProvider{}
	got, err := p.Resolve(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "file-secret" {
		t.Fatalf("got %q, want %q", got, "file-secret")
	}
}

func TestFileProvider_MissingFile(t *testing.T) {
	p := &FileProvider{}
	_, err := p.Resolve(context.Background(), "/nonexistent/path/secret.txt")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

// --- SecretRegistry ---

func TestSecretRegistry_Resolve(t *testing.T) {
	reg := NewSecretRegistry()
	reg.Register(&EnvProvider{})

	t.Setenv("REG_TEST", "value")

	got, err := reg.Resolve(context.Background(), "env", "REG_TEST")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "value" {
		t.Fatalf("got %q, want %q", got, "value")
	}
}

func TestSecretRegistry_UnknownScheme(t *testing.T) {
	reg := NewSecretRegistry()
	_, err := reg.Resolve(context.Background(), "vault", "secret/data/foo")
	if err == nil {
		t.Fatal("expected error for unknown scheme")
	}
}

// --- resolveSecretRefs ---

func TestResolveSecretRefs(t *testing.T) {
	t.Setenv("RESOLVE_KEY", "a2V5LW1hdGVyaWFs")
	t.Setenv("RESOLVE_REDIS", "redis-pass")

	cfg := &Config{
		EncryptionKey: "${env:RESOLVE_KEY}",
		Layers: []LayerConfig{
			{
				Name: "redis",
				Kind: KindNetworked,
				Redis: RedisConfig{
					Addr:     "localhost:6379",
					Password: "${env:RESOLVE_REDIS}",
				},
			},
		},
	}

	reg := NewSecretRegistry()
	reg.Register(&EnvProvider{})
	reg.Register(&FileProvider{})

	if err := resolveSecretRefs(cfg, reg, context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.EncryptionKey != "a2V5LW1hdGVyaWFs" {
		t.Errorf("encryption key: got %q", cfg.EncryptionKey)
	}
	if cfg.Layers[0].Redis.Password != "redis-pass" {
		t.Errorf("redis password: got %q", cfg.Layers[0].Redis.Password)
	}
	// Non-ref strings remain unchanged
	if cfg.Layers[0].Redis.Addr != "localhost:6379" {
		t.Errorf("addr changed unexpectedly: %q", cfg.Layers[0].Redis.Addr)
	}
}

func TestResolveSecretRefs_MissingStrict(t *testing.T) {
	cfg := &Config{EncryptionKey: "${env:DEFINITELY_UNSET_VAR_XYZ}"}

	reg := NewSecretRegistry()
	reg.Register(&EnvProvider{})

	if err := resolveSecretRefs(cfg, reg, context.Background()); err == nil {
		t.Fatal("expected error for missing env var")
	}
}

func TestResolveSecretRefs_BareEnvUnchanged(t *testing.T) {
	// Bare ${VAR} syntax should NOT be touched by resolveSecretRefs
	cfg := &Config{EncryptionKey: "${CACHE_KEY}"}

	reg := NewSecretRegistry()
	reg.Register(&EnvProvider{})

	if err := resolveSecretRefs(cfg, reg, context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.EncryptionKey != "${CACHE_KEY}" {
		t.Errorf("bare env var was modified: got %q", cfg.EncryptionKey)
	}
}

// --- Parse integration ---

func TestParseWithSecretRefs(t *testing.T) {
	t.Setenv("PARSE_REDIS_PASS", "my-redis-pass")

	yamlData := `
layers:
  - name: redis
    kind: networked
    priority: 1
    enabled: true
    redis:
      addr: localhost:6379
      password: "${env:PARSE_REDIS_PASS}"
`
	cfg, err := NewLoader().Parse([]byte(yamlData))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Layers[0].Redis.Password != "my-redis-pass" {
		t.Errorf("redis password: got %q, want %q", cfg.Layers[0].Redis.Password, "my-redis-pass")
	}
}

func TestParseWithFileRef(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "cache-key")
	os.WriteFile(keyPath, []byte("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=\n"), 0o600)

	yamlData := `
encryption_key: "${file:` + keyPath + `}"
layers:
  - name: mem
    kind: memory
    priority: 1
    enabled: true
    encryption: true
`
	cfg, err := NewLoader().Parse([]byte(yamlData))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cfg.Key()) != 32 {
		t.Errorf("expected 32-byte key after file ref resolution, got %d", len(cfg.Key()))
	}
}

func TestParseWithMissingStrictRef(t *testing.T) {
	yamlData := `
encryption_key: "${env:DEFINITELY_UNSET_XYZ}"
layers:
  - name: mem
    kind: memory
    priority: 1
`
	if _, err := NewLoader().Parse([]byte(yamlData)); err == nil {
		t.Fatal("expected error for missing env var in strict ref")
	}
}
