package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/cascade/internal/breaker"
	"github.com/wudi/cascade/internal/logging"
)

// RedisLayer is the networked layer. Entries are gob-encoded under a key
// prefix; expiry is enforced by the store itself (SET ... EX). Every call
// runs under a per-call deadline and behind a circuit breaker, so a dead
// backend degrades to a cheap miss instead of a stall.
type RedisLayer struct {
	name    string
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	timeout time.Duration
	maxSize int64
	brk     *breaker.Breaker

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

// RedisLayerOptions configures a networked layer.
type RedisLayerOptions struct {
	Prefix  string
	TTL     time.Duration
	Timeout time.Duration // per-call deadline, default 100ms
	MaxSize int64         // single-value budget; capacity itself belongs to the store
	Breaker breaker.Config
}

// NewRedisLayer creates a networked layer over an existing client. A
// connectivity probe runs in the background with exponential backoff; a
// backend that is down at startup only costs misses, never an error.
func NewRedisLayer(name string, client *redis.Client, opts RedisLayerOptions) *RedisLayer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}
	l := &RedisLayer{
		name:    name,
		client:  client,
		prefix:  opts.Prefix,
		ttl:     opts.TTL,
		timeout: timeout,
		maxSize: opts.MaxSize,
		brk:     breaker.New(opts.Breaker),
	}
	go l.probe()
	return l
}

func (l *RedisLayer) probe() {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		defer cancel()
		return l.client.Ping(ctx).Err()
	}, bo)
	if err != nil {
		logging.Warn("networked layer unreachable at startup",
			zap.String("layer", l.name), zap.Error(err))
		return
	}
	logging.Info("networked layer connected", zap.String("layer", l.name))
}

func (l *RedisLayer) Name() string { return l.name }
func (l *RedisLayer) Kind() Kind   { return KindNetworked }

func (l *RedisLayer) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.timeout)
}

func (l *RedisLayer) Get(ctx context.Context, key string) (*Entry, bool) {
	if l.brk.Allow() != nil {
		l.misses.Add(1)
		return nil, false
	}
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	data, err := l.client.Get(ctx, l.prefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			l.brk.Record(nil)
			l.misses.Add(1)
			return nil, false
		}
		l.brk.Record(err)
		l.errs.Add(1)
		l.misses.Add(1)
		logging.Warn("networked layer get failed, treating as miss",
			zap.String("layer", l.name), zap.Error(err))
		return nil, false
	}
	l.brk.Record(nil)

	var e Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		l.errs.Add(1)
		l.misses.Add(1)
		logging.Warn("networked layer decode failed, treating as miss",
			zap.String("layer", l.name), zap.Error(err))
		return nil, false
	}
	if e.Expired(time.Now()) {
		l.misses.Add(1)
		return nil, false
	}
	// The hit counter lives in the stored blob; rewriting it on every get
	// would double the round-trips, so the increment is local to the copy.
	e.HitCount++
	l.hits.Add(1)
	return &e, true
}

func (l *RedisLayer) Set(ctx context.Context, e *Entry) error {
	if l.maxSize > 0 && e.SizeBytes > l.maxSize {
		return nil
	}
	// A zero ExpiresAt means no expiry: fall back to the layer default
	// (zero default = no EX, the store keeps it indefinitely).
	ttl := l.ttl
	if !e.ExpiresAt.IsZero() {
		ttl = time.Until(e.ExpiresAt)
		if ttl <= 0 {
			return nil
		}
	}
	if err := l.brk.Allow(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		logging.Warn("networked layer encode failed",
			zap.String("layer", l.name), zap.Error(err))
		return err
	}

	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	err := l.client.Set(ctx, l.prefix+e.Key, buf.Bytes(), ttl).Err()
	l.brk.Record(err)
	if err != nil {
		l.errs.Add(1)
		logging.Warn("networked layer set failed",
			zap.String("layer", l.name), zap.Error(err))
		return err
	}
	return nil
}

func (l *RedisLayer) Delete(ctx context.Context, key string) {
	if l.brk.Allow() != nil {
		return
	}
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	err := l.client.Del(ctx, l.prefix+key).Err()
	l.brk.Record(err)
	if err != nil {
		l.errs.Add(1)
		logging.Warn("networked layer delete failed",
			zap.String("layer", l.name), zap.Error(err))
	}
}

func (l *RedisLayer) Contains(ctx context.Context, key string) bool {
	if l.brk.Allow() != nil {
		return false
	}
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	n, err := l.client.Exists(ctx, l.prefix+key).Result()
	l.brk.Record(err)
	return err == nil && n > 0
}

func (l *RedisLayer) BatchGet(ctx context.Context, keys []string) map[string]*Entry {
	out := make(map[string]*Entry, len(keys))
	if len(keys) == 0 || l.brk.Allow() != nil {
		return out
	}
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = l.prefix + k
	}
	vals, err := l.client.MGet(ctx, prefixed...).Result()
	l.brk.Record(err)
	if err != nil {
		l.errs.Add(1)
		l.misses.Add(int64(len(keys)))
		logging.Warn("networked layer mget failed, treating as misses",
			zap.String("layer", l.name), zap.Error(err))
		return out
	}

	now := time.Now()
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			l.misses.Add(1)
			continue
		}
		var e Entry
		if err := gob.NewDecoder(strings.NewReader(s)).Decode(&e); err != nil {
			l.errs.Add(1)
			l.misses.Add(1)
			continue
		}
		if e.Expired(now) {
			l.misses.Add(1)
			continue
		}
		e.HitCount++
		l.hits.Add(1)
		out[keys[i]] = &e
	}
	return out
}

func (l *RedisLayer) BatchSet(ctx context.Context, entries []*Entry) {
	if len(entries) == 0 || l.brk.Allow() != nil {
		return
	}
	ctx, cancel := l.opCtx(ctx)
	defer cancel()

	pipe := l.client.Pipeline()
	queued := 0
	for _, e := range entries {
		if l.maxSize > 0 && e.SizeBytes > l.maxSize {
			continue
		}
		ttl := l.ttl
		if !e.ExpiresAt.IsZero() {
			ttl = time.Until(e.ExpiresAt)
			if ttl <= 0 {
				continue
			}
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(e); err != nil {
			continue
		}
		pipe.Set(ctx, l.prefix+e.Key, buf.Bytes(), ttl)
		queued++
	}
	if queued == 0 {
		return
	}
	_, err := pipe.Exec(ctx)
	l.brk.Record(err)
	if err != nil {
		l.errs.Add(1)
		logging.Warn("networked layer pipeline set failed",
			zap.String("layer", l.name), zap.Error(err))
	}
}

// DeletePattern scans with a store-side MATCH derived from the glob, then
// post-filters with the full glob semantics before deleting. The scan is
// O(keys under the layer prefix) at the store, indexed by cursor.
func (l *RedisLayer) DeletePattern(ctx context.Context, pattern string) int {
	if l.brk.Allow() != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	match := l.prefix + redisMatch(pattern)
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, match, 100).Result()
		if err != nil {
			l.brk.Record(err)
			l.errs.Add(1)
			logging.Warn("networked layer scan failed",
				zap.String("layer", l.name), zap.Error(err))
			return deleted
		}
		var victims []string
		for _, k := range keys {
			bare := strings.TrimPrefix(k, l.prefix)
			if ok, err := doublestar.Match(pattern, bare); err == nil && ok {
				victims = append(victims, k)
			}
		}
		if len(victims) > 0 {
			if err := l.client.Del(ctx, victims...).Err(); err != nil {
				l.brk.Record(err)
				l.errs.Add(1)
				logging.Warn("networked layer bulk delete failed",
					zap.String("layer", l.name), zap.Error(err))
				return deleted
			}
			deleted += len(victims)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	l.brk.Record(nil)
	return deleted
}

// redisMatch widens a doublestar glob into the store's simpler MATCH
// syntax. "**" collapses to "*"; brace alternation and "[!...]" negation
// have no MATCH equivalent, so those patterns degrade to a scan of the
// literal prefix. The result over-matches, which is fine because
// candidates are re-checked against the real glob.
func redisMatch(pattern string) string {
	if strings.ContainsAny(pattern, "{}") || strings.Contains(pattern, "[!") {
		if i := strings.IndexAny(pattern, `*?[{\`); i >= 0 {
			return pattern[:i] + "*"
		}
		return pattern
	}
	return strings.ReplaceAll(pattern, "**", "*")
}

func (l *RedisLayer) Keys(ctx context.Context) []string {
	if l.brk.Allow() != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var keys []string
	var cursor uint64
	for {
		batch, next, err := l.client.Scan(ctx, cursor, l.prefix+"*", 100).Result()
		if err != nil {
			l.brk.Record(err)
			l.errs.Add(1)
			return keys
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, l.prefix))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	l.brk.Record(nil)
	return keys
}

// Stats reports local counters only; item count and capacity belong to the
// backing store and are not polled here, so the snapshot never blocks.
func (l *RedisLayer) Stats() Stats {
	return Stats{
		Hits:   l.hits.Load(),
		Misses: l.misses.Load(),
		Errors: l.errs.Load(),
	}
}

func (l *RedisLayer) Purge(ctx context.Context) {
	if l.brk.Allow() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, l.prefix+"*", 100).Result()
		if err != nil {
			l.brk.Record(err)
			l.errs.Add(1)
			logging.Warn("networked layer purge scan failed",
				zap.String("layer", l.name), zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := l.client.Del(ctx, keys...).Err(); err != nil {
				l.brk.Record(err)
				l.errs.Add(1)
				return
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	l.brk.Record(nil)
}

func (l *RedisLayer) Close() error {
	return l.client.Close()
}

// BreakerSnapshot exposes the guarding breaker's state for the admin API.
func (l *RedisLayer) BreakerSnapshot() breaker.Snapshot {
	return l.brk.Snapshot()
}
