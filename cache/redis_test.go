package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func redisAvailable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:6379",
		DialTimeout: 100 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func newTestRedisLayer(t *testing.T) *RedisLayer {
	t.Helper()
	client := redisAvailable(t)
	l := NewRedisLayer("net", client, RedisLayerOptions{
		Prefix:  "cascade:test:",
		TTL:     time.Minute,
		Timeout: 500 * time.Millisecond,
	})
	t.Cleanup(func() {
		l.Purge(context.Background())
		l.Close()
	})
	return l
}

func TestRedisMatch(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"user:*", "user:*"},
		{"user:**", "user:*"},
		{"**:42", "*:42"},
		{"exact", "exact"},
		{"a?c", "a?c"},
		// Brace alternation and negated classes have no MATCH equivalent:
		// widen to the literal prefix and let the post-filter decide.
		{"user:{1,2}", "user:*"},
		{"user:{1,2}:*", "user:*"},
		{"a[!b]c", "a*"},
		{"[!a]x", "*"},
	}
	for _, tt := range tests {
		if got := redisMatch(tt.pattern); got != tt.want {
			t.Errorf("redisMatch(%q) = %q, want %q", tt.pattern, got, tt.want)
		}
	}
}

func TestRedisLayer_SetGet(t *testing.T) {
	l := newTestRedisLayer(t)
	ctx := context.Background()

	l.Set(ctx, testEntry("k1", []byte("hello"), time.Minute))

	e, ok := l.Get(ctx, "k1")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(e.Value) != "hello" {
		t.Errorf("expected hello, got %q", e.Value)
	}
	if _, ok := l.Get(ctx, "absent"); ok {
		t.Error("expected miss for absent key")
	}
}

func TestRedisLayer_TTLEnforcedByStore(t *testing.T) {
	l := newTestRedisLayer(t)
	ctx := context.Background()

	l.Set(ctx, testEntry("short", []byte("v"), time.Second))

	ttl, err := l.client.TTL(ctx, l.prefix+"short").Result()
	if err != nil {
		t.Fatalf("TTL error: %v", err)
	}
	if ttl <= 0 || ttl > time.Second {
		t.Errorf("expected a store-side ttl within 1s, got %v", ttl)
	}
}

func TestRedisLayer_BatchRoundTrip(t *testing.T) {
	l := newTestRedisLayer(t)
	ctx := context.Background()

	l.BatchSet(ctx, []*Entry{
		testEntry("b1", []byte("1"), time.Minute),
		testEntry("b2", []byte("2"), time.Minute),
	})

	got := l.BatchGet(ctx, []string{"b1", "b2", "b3"})
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	if string(got["b1"].Value) != "1" || string(got["b2"].Value) != "2" {
		t.Errorf("unexpected batch values: %v", got)
	}
}

func TestRedisLayer_DeletePattern(t *testing.T) {
	l := newTestRedisLayer(t)
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

func TestRedisLayer_DeletePatternBraceAlternation(t *testing.T) {
	l := newTestRedisLayer(t)
	ctx := context.Background()

	l.Set(ctx, testEntry("user:1", []byte("a"), time.Minute))
	l.Set(ctx, testEntry("user:2", []byte("b"), time.Minute))
	l.Set(ctx, testEntry("user:3", []byte("c"), time.Minute))

	if n := l.DeletePattern(ctx, "user:{1,2}"); n != 2 {
		t.Errorf("expected 2 deletions, got %d", n)
	}
	if _, ok := l.Get(ctx, "user:3"); !ok {
		t.Error("expected user:3 to survive")
	}
}

func TestRedisLayer_ZeroExpiryUsesLayerDefault(t *testing.T) {
	l := newTestRedisLayer(t)
	ctx := context.Background()

	// Zero ExpiresAt means no expiry; the layer falls back to its own ttl
	// instead of dropping the write.
	if err := l.Set(ctx, &Entry{Key: "immortal", Value: []byte("v"), CreatedAt: time.Now(), SizeBytes: 1}); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	if _, ok := l.Get(ctx, "immortal"); !ok {
		t.Fatal("entry without expiry must still be stored")
	}
	ttl, err := l.client.TTL(ctx, l.prefix+"immortal").Result()
	if err != nil {
		t.Fatalf("TTL error: %v", err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected the layer default ttl, got %v", ttl)
	}
}

func TestRedisLayer_DeadBackendFailsClosed(t *testing.T) {
	// Point at a port nothing listens on: every op must degrade to a
	// miss/no-op without blocking beyond the per-call timeout.
	client := redis.NewClient(&redis.Options{
		Addr:        "localhost:1",
		DialTimeout: 50 * time.Millisecond,
	})
	l := NewRedisLayer("net", client, RedisLayerOptions{
		Prefix:  "cascade:test:",
		Timeout: 50 * time.Millisecond,
	})
	defer l.Close()
	ctx := context.Background()

	start := time.Now()
	if _, ok := l.Get(ctx, "k"); ok {
		t.Error("expected miss from a dead backend")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("get blocked for %v, deadline not honored", elapsed)
	}

	if err := l.Set(ctx, testEntry("k", []byte("v"), time.Minute)); err == nil {
		t.Error("expected set against a dead backend to report failure")
	}
	if s := l.Stats(); s.Errors == 0 {
		t.Error("expected recorded errors")
	}
}
