package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestFileLayer(t *testing.T, maxSize int64, ttl time.Duration, opts LayerOptions) *FileLayer {
	t.Helper()
	l, err := NewFileLayer("disk", t.TempDir(), maxSize, ttl, opts)
	if err != nil {
		t.Fatalf("NewFileLayer error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestFileLayer_SetGet(t *testing.T) {
	l := newTestFileLayer(t, 0, time.Minute, LayerOptions{})
	ctx := context.Background()

	l.Set(ctx, testEntry("k1", []byte("payload"), time.Minute))

	e, ok := l.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(e.Value) != "payload" {
		t.Errorf("expected payload, got %q", e.Value)
	}
	if _, ok := l.Get(ctx, "absent"); ok {
		t.Error("expected miss for absent key")
	}
}

func TestFileLayer_PersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l1, err := NewFileLayer("disk", dir, 0, time.Minute, LayerOptions{})
	if err != nil {
		t.Fatalf("NewFileLayer error: %v", err)
	}
	l1.Set(ctx, testEntry("persist", []byte("survives"), time.Minute))
	l1.Close()

	// A fresh layer over the same directory rebuilds its index from disk.
	l2, err := NewFileLayer("disk", dir, 0, time.Minute, LayerOptions{})
	if err != nil {
		t.Fatalf("NewFileLayer error: %v", err)
	}
	defer l2.Close()

	e, ok := l2.Get(ctx, "persist")
	if !ok {
		t.Fatal("expected hit after index rebuild")
	}
	if string(e.Value) != "survives" {
		t.Errorf("expected survives, got %q", e.Value)
	}
}

func TestFileLayer_RebuildSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	l1, _ := NewFileLayer("disk", dir, 0, time.Minute, LayerOptions{})
	l1.Set(ctx, testEntry("good", []byte("ok"), time.Minute))
	l1.Close()

	os.WriteFile(filepath.Join(dir, "deadbeef"+fileExt), []byte("not gob"), 0o644)

	l2, err := NewFileLayer("disk", dir, 0, time.Minute, LayerOptions{})
	if err != nil {
		t.Fatalf("NewFileLayer error: %v", err)
	}
	defer l2.Close()

	if _, ok := l2.Get(ctx, "good"); !ok {
		t.Error("expected the intact entry to survive the rebuild")
	}
	if s := l2.Stats(); s.Items != 1 {
		t.Errorf("expected 1 indexed entry, got %d", s.Items)
	}
	if _, err := os.Stat(filepath.Join(dir, "deadbeef"+fileExt)); !os.IsNotExist(err) {
		t.Error("expected the corrupt file to be removed")
	}
}

func TestFileLayer_TTLExpiry(t *testing.T) {
	l := newTestFileLayer(t, 0, 20*time.Millisecond, LayerOptions{})
	ctx := context.Background()

	l.Set(ctx, testEntry("k", []byte("v"), 20*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	if _, ok := l.Get(ctx, "k"); ok {
		t.Error("expected miss after expiry")
	}
	if s := l.Stats(); s.Expirations != 1 {
		t.Errorf("expected 1 expiration, got %d", s.Expirations)
	}
}

func TestFileLayer_EvictionBound(t *testing.T) {
	l := newTestFileLayer(t, 100, time.Minute, LayerOptions{})
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		l.Set(ctx, testEntry(fmt.Sprintf("k%d", i), make([]byte, 10), time.Minute))
	}

	s := l.Stats()
	if s.SizeBytes > 100 {
		t.Errorf("size %d exceeds budget after set returned", s.SizeBytes)
	}
	if s.Evictions == 0 {
		t.Error("expected evictions under capacity pressure")
	}
	// The most recent insert survives.
	if _, ok := l.Get(ctx, "k11"); !ok {
		t.Error("expected newest entry to survive")
	}
}

func TestFileLayer_OversizedValueIsNoOp(t *testing.T) {
	l := newTestFileLayer(t, 10, time.Minute, LayerOptions{})
	ctx := context.Background()

	if err := l.Set(ctx, testEntry("big", make([]byte, 50), time.Minute)); err != nil {
		t.Fatalf("oversized set must not error: %v", err)
	}
	if _, ok := l.Get(ctx, "big"); ok {
		t.Error("oversized value must not be stored")
	}
}

func TestFileLayer_CorruptFileTreatedAsMiss(t *testing.T) {
	l := newTestFileLayer(t, 0, time.Minute, LayerOptions{})
	ctx := context.Background()

	l.Set(ctx, testEntry("k", []byte("v"), time.Minute))

	// Corrupt the backing file behind the layer's back.
	os.WriteFile(l.pathFor("k"), []byte("garbage"), 0o644)

	if _, ok := l.Get(ctx, "k"); ok {
		t.Fatal("expected corrupt entry to read as a miss")
	}
	if s := l.Stats(); s.Errors != 1 {
		t.Errorf("expected 1 recorded error, got %d", s.Errors)
	}
	// Self-healed: the broken file is gone.
	if _, err := os.Stat(l.pathFor("k")); !os.IsNotExist(err) {
		t.Error("expected broken file to be unlinked")
	}
}

func TestFileLayer_DeletePattern(t *testing.T) {
	l := newTestFileLayer(t, 0, time.Minute, LayerOptions{})
	ctx := context.Background()

	l.Set(ctx, testEntry("user:1", []byte("a"), time.Minute))
	l.Set(ctx, testEntry("user:2", []byte("b"), time.Minute))
	l.Set(ctx, testEntry("order:1", []byte("c"), time.Minute))

	if n := l.DeletePattern(ctx, "user:*"); n != 2 {
		t.Errorf("expected 2 deletions, got %d", n)
	}
	if _, ok := l.Get(ctx, "order:1"); !ok {
		t.Error("expected order:1 to survive")
	}
}

func TestFileLayer_Sweep(t *testing.T) {
	l := newTestFileLayer(t, 0, 10*time.Millisecond, LayerOptions{SweepInterval: 15 * time.Millisecond})
	ctx := context.Background()

	l.Set(ctx, testEntry("k", []byte("v"), 10*time.Millisecond))
	path := l.pathFor("k")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if l.Stats().Expirations == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if s := l.Stats(); s.Expirations != 1 || s.Items != 0 {
		t.Fatalf("expected sweep to expire the entry, got %+v", s)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("expected expired file to be unlinked")
	}
}

func TestFileLayer_DeleteAndPurge(t *testing.T) {
	l := newTestFileLayer(t, 0, time.Minute, LayerOptions{})
	ctx := context.Background()

	l.Set(ctx, testEntry("a", []byte("1"), time.Minute))
	l.Set(ctx, testEntry("b", []byte("2"), time.Minute))

	l.Delete(ctx, "a")
	l.Delete(ctx, "a") // idempotent
	if _, ok := l.Get(ctx, "a"); ok {
		t.Error("expected miss after delete")
	}

	l.Purge(ctx)
	if s := l.Stats(); s.Items != 0 || s.SizeBytes != 0 {
		t.Errorf("expected empty layer after purge, got %+v", s)
	}
}
