package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const watcherYAML = `
default_ttl: 1m
layers:
  - {name: mem, kind: memory, priority: 1, enabled: true}
`

func TestWatcherInitialLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cascade.yaml")
	os.WriteFile(path, []byte(watcherYAML), 0o644)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	defer w.Stop()

	cfg := w.GetConfig()
	if cfg == nil {
		t.Fatal("expected initial config")
	}
	if cfg.DefaultTTL != time.Minute {
		t.Errorf("expected 1m default ttl, got %v", cfg.DefaultTTL)
	}
}

func TestWatcherReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cascade.yaml")
	os.WriteFile(path, []byte(watcherYAML), 0o644)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	reloaded := make(chan *Config, 1)
	w.OnChange(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	if err := w.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	updated := `
default_ttl: 3m
layers:
  - {name: mem, kind: memory, priority: 1, enabled: true}
`
	os.WriteFile(path, []byte(updated), 0o644)

	select {
	case cfg := <-reloaded:
		if cfg.DefaultTTL != 3*time.Minute {
			t.Errorf("expected reloaded ttl 3m, got %v", cfg.DefaultTTL)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}

func TestWatcherIgnoresInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cascade.yaml")
	os.WriteFile(path, []byte(watcherYAML), 0o644)

	w, err := NewWatcher(path)
	if err != nil {
		t.Fatalf("NewWatcher error: %v", err)
	}
	defer w.Stop()
	w.SetDebounce(20 * time.Millisecond)

	if err := w.Start(); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	// Write a config that fails validation; the last good config stays.
	os.WriteFile(path, []byte("layers:\n  - {name: a, kind: tape, priority: 1}\n"), 0o644)
	time.Sleep(200 * time.Millisecond)

	cfg := w.GetConfig()
	if cfg.Layers[0].Kind != KindMemory {
		t.Errorf("expected last good config to survive, got %+v", cfg.Layers[0])
	}
}
