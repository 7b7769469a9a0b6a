package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
)

const memoryShards = 16

// MemoryLayer is the in-process layer: a sharded map with byte-accurate
// size accounting and score-based eviction. Keys are spread across shards
// by xxhash so independent keys rarely contend on a lock; size accounting
// is layer-wide so the capacity bound holds regardless of key skew.
type MemoryLayer struct {
	name    string
	ttl     time.Duration
	maxSize int64
	policy  *evictionPolicy

	shards [memoryShards]*memShard

	size  atomic.Int64
	items atomic.Int64
	seq   atomic.Uint64

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	// evictMu serializes capacity scans so concurrent inserts don't race
	// to evict the same victims.
	evictMu sync.Mutex

	onRemove  RemovalHook
	sweepStop chan struct{}
	closeOnce sync.Once
}

type memShard struct {
	mu    sync.RWMutex
	items map[string]*memItem
}

type memItem struct {
	entry      *Entry
	lastAccess int64
	seq        uint64
}

// NewMemoryLayer creates an in-process layer. maxSize <= 0 means unbounded.
func NewMemoryLayer(name string, maxSize int64, ttl time.Duration, opts LayerOptions) *MemoryLayer {
	l := &MemoryLayer{
		name:      name,
		ttl:       ttl,
		maxSize:   maxSize,
		policy:    newEvictionPolicy(opts.WeightFactor),
		onRemove:  opts.OnRemove,
		sweepStop: make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &memShard{items: make(map[string]*memItem)}
	}
	if opts.SweepInterval > 0 {
		go l.sweepLoop(opts.SweepInterval)
	}
	return l
}

func (l *MemoryLayer) Name() string { return l.name }
func (l *MemoryLayer) Kind() Kind   { return KindMemory }

func (l *MemoryLayer) shard(key string) *memShard {
	return l.shards[xxhash.Sum64String(key)%memoryShards]
}

func (l *MemoryLayer) Get(ctx context.Context, key string) (*Entry, bool) {
	sh := l.shard(key)
	sh.mu.Lock()
	it, ok := sh.items[key]
	if !ok {
		sh.mu.Unlock()
		l.misses.Add(1)
		return nil, false
	}

	now := time.Now()
	if it.entry.Expired(now) {
		delete(sh.items, key)
		sh.mu.Unlock()
		l.size.Add(-it.entry.SizeBytes)
		l.items.Add(-1)
		l.expirations.Add(1)
		l.misses.Add(1)
		l.notifyRemove(key, ReasonExpired)
		return nil, false
	}

	it.entry.HitCount++
	it.lastAccess = now.UnixNano()
	e := it.entry.clone()
	sh.mu.Unlock()

	l.hits.Add(1)
	return e, true
}

func (l *MemoryLayer) Set(ctx context.Context, e *Entry) error {
	cp := e.clone()
	if cp.SizeBytes <= 0 {
		cp.SizeBytes = int64(len(cp.Value))
	}
	// A value larger than the whole budget is a documented no-op: the
	// cache just stays colder.
	if l.maxSize > 0 && cp.SizeBytes > l.maxSize {
		return nil
	}

	sh := l.shard(cp.Key)
	sh.mu.Lock()
	if old, ok := sh.items[cp.Key]; ok {
		l.size.Add(-old.entry.SizeBytes)
		l.items.Add(-1)
	}
	sh.items[cp.Key] = &memItem{
		entry:      cp,
		lastAccess: time.Now().UnixNano(),
		seq:        l.seq.Add(1),
	}
	sh.mu.Unlock()
	l.size.Add(cp.SizeBytes)
	l.items.Add(1)

	if l.maxSize > 0 && l.size.Load() > l.maxSize {
		l.evict(cp.Key)
	}
	return nil
}

// evict frees capacity until the layer is back under budget. The entry
// just inserted is exempt so an insert never evicts itself.
func (l *MemoryLayer) evict(justInserted string) {
	l.evictMu.Lock()

	need := l.size.Load() - l.maxSize
	if need <= 0 {
		l.evictMu.Unlock()
		return
	}

	cands := make([]candidate, 0, l.items.Load())
	for _, sh := range l.shards {
		sh.mu.RLock()
		for k, it := range sh.items {
			if k == justInserted {
				continue
			}
			cands = append(cands, candidate{
				key:        k,
				sizeBytes:  it.entry.SizeBytes,
				lastAccess: it.lastAccess,
				hitCount:   it.entry.HitCount,
				seq:        it.seq,
			})
		}
		sh.mu.RUnlock()
	}

	victims := l.policy.victims(cands, need)
	removed := make([]string, 0, len(victims))
	for _, v := range victims {
		sh := l.shard(v.key)
		sh.mu.Lock()
		it, ok := sh.items[v.key]
		if ok && it.seq == v.seq {
			delete(sh.items, v.key)
			l.size.Add(-it.entry.SizeBytes)
			l.items.Add(-1)
			l.evictions.Add(1)
			removed = append(removed, v.key)
		}
		sh.mu.Unlock()
	}
	l.evictMu.Unlock()

	for _, k := range removed {
		l.notifyRemove(k, ReasonEvicted)
	}
}

func (l *MemoryLayer) Delete(ctx context.Context, key string) {
	sh := l.shard(key)
	sh.mu.Lock()
	if it, ok := sh.items[key]; ok {
		delete(sh.items, key)
		l.size.Add(-it.entry.SizeBytes)
		l.items.Add(-1)
	}
	sh.mu.Unlock()
}

func (l *MemoryLayer) Contains(ctx context.Context, key string) bool {
	sh := l.shard(key)
	sh.mu.RLock()
	it, ok := sh.items[key]
	alive := ok && !it.entry.Expired(time.Now())
	sh.mu.RUnlock()
	return alive
}

func (l *MemoryLayer) BatchGet(ctx context.Context, keys []string) map[string]*Entry {
	out := make(map[string]*Entry, len(keys))
	for _, k := range keys {
		if e, ok := l.Get(ctx, k); ok {
			out[k] = e
		}
	}
	return out
}

func (l *MemoryLayer) BatchSet(ctx context.Context, entries []*Entry) {
	for _, e := range entries {
		l.Set(ctx, e)
	}
}

func (l *MemoryLayer) DeletePattern(ctx context.Context, pattern string) int {
	// Snapshot iteration: concurrent writers are never blocked by the
	// scan, at the cost of missing keys inserted mid-invalidation.
	deleted := 0
	for _, k := range l.Keys(ctx) {
		if ok, err := doublestar.Match(pattern, k); err == nil && ok {
			sh := l.shard(k)
			sh.mu.Lock()
			if it, present := sh.items[k]; present {
				delete(sh.items, k)
				l.size.Add(-it.entry.SizeBytes)
				l.items.Add(-1)
				deleted++
			}
			sh.mu.Unlock()
		}
	}
	return deleted
}

func (l *MemoryLayer) Keys(ctx context.Context) []string {
	keys := make([]string, 0, l.items.Load())
	for _, sh := range l.shards {
		sh.mu.RLock()
		for k := range sh.items {
			keys = append(keys, k)
		}
		sh.mu.RUnlock()
	}
	return keys
}

func (l *MemoryLayer) Stats() Stats {
	return Stats{
		Hits:         l.hits.Load(),
		Misses:       l.misses.Load(),
		Evictions:    l.evictions.Load(),
		Expirations:  l.expirations.Load(),
		Items:        l.items.Load(),
		SizeBytes:    l.size.Load(),
		MaxSizeBytes: l.maxSize,
	}
}

func (l *MemoryLayer) Purge(ctx context.Context) {
	for _, sh := range l.shards {
		sh.mu.Lock()
		for k, it := range sh.items {
			l.size.Add(-it.entry.SizeBytes)
			l.items.Add(-1)
			delete(sh.items, k)
		}
		sh.mu.Unlock()
	}
}

func (l *MemoryLayer) Close() error {
	l.closeOnce.Do(func() { close(l.sweepStop) })
	return nil
}

func (l *MemoryLayer) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.sweepStop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep removes expired entries shard by shard, using the same expiry
// comparison as the lazy path so the two never disagree.
func (l *MemoryLayer) sweep() {
	now := time.Now()
	var removed []string
	for _, sh := range l.shards {
		sh.mu.Lock()
		for k, it := range sh.items {
			if it.entry.Expired(now) {
				delete(sh.items, k)
				l.size.Add(-it.entry.SizeBytes)
				l.items.Add(-1)
				l.expirations.Add(1)
				removed = append(removed, k)
			}
		}
		sh.mu.Unlock()
	}
	for _, k := range removed {
		l.notifyRemove(k, ReasonExpired)
	}
}

func (l *MemoryLayer) notifyRemove(key, reason string) {
	if l.onRemove != nil {
		l.onRemove(l.name, key, reason)
	}
}
