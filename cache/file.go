package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/cascade/internal/logging"
)

const fileExt = ".cache"

// FileLayer is the disk-backed layer: one gob file per entry under a
// directory, with an in-memory key index rebuilt from disk at startup.
// Scans (patterns, sweeps, eviction) walk the index, never the directory.
type FileLayer struct {
	name    string
	dir     string
	ttl     time.Duration
	maxSize int64
	policy  *evictionPolicy

	mu    sync.RWMutex
	index map[string]*fileMeta
	size  int64

	seq atomic.Uint64

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64
	errs        atomic.Int64

	// sweepLimit throttles unlink I/O during background sweeps so a big
	// expiry backlog doesn't starve foreground reads.
	sweepLimit *rate.Limiter

	onRemove  RemovalHook
	sweepStop chan struct{}
	closeOnce sync.Once
}

type fileMeta struct {
	path       string
	expiresAt  time.Time
	size       int64
	lastAccess int64
	hitCount   int64
	seq        uint64
}

// NewFileLayer creates a disk-backed layer rooted at dir, creating the
// directory if needed and rebuilding the key index from existing files.
func NewFileLayer(name, dir string, maxSize int64, ttl time.Duration, opts LayerOptions) (*FileLayer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	l := &FileLayer{
		name:       name,
		dir:        dir,
		ttl:        ttl,
		maxSize:    maxSize,
		policy:     newEvictionPolicy(opts.WeightFactor),
		index:      make(map[string]*fileMeta),
		sweepLimit: rate.NewLimiter(rate.Limit(200), 50), // unlinks per second
		onRemove:   opts.OnRemove,
		sweepStop:  make(chan struct{}),
	}
	l.rebuild()
	if opts.SweepInterval > 0 {
		go l.sweepLoop(opts.SweepInterval)
	}
	return l, nil
}

// rebuild scans the directory once at startup, decoding each file to
// recover its key and expiry. Corrupt or already-expired files are removed.
func (l *FileLayer) rebuild() {
	dents, err := os.ReadDir(l.dir)
	if err != nil {
		logging.Warn("file layer index rebuild failed",
			zap.String("layer", l.name), zap.Error(err))
		return
	}
	now := time.Now()
	for _, d := range dents {
		if d.IsDir() || filepath.Ext(d.Name()) != fileExt {
			continue
		}
		path := filepath.Join(l.dir, d.Name())
		e, err := readEntryFile(path)
		if err != nil || e.Expired(now) {
			os.Remove(path)
			continue
		}
		l.index[e.Key] = &fileMeta{
			path:       path,
			expiresAt:  e.ExpiresAt,
			size:       e.SizeBytes,
			lastAccess: now.UnixNano(),
			hitCount:   e.HitCount,
			seq:        l.seq.Add(1),
		}
		l.size += e.SizeBytes
	}
	if len(l.index) > 0 {
		logging.Info("file layer index rebuilt",
			zap.String("layer", l.name), zap.Int("entries", len(l.index)))
	}
}

func readEntryFile(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var e Entry
	if err := gob.NewDecoder(f).Decode(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (l *FileLayer) Name() string { return l.name }
func (l *FileLayer) Kind() Kind   { return KindFile }

func (l *FileLayer) pathFor(key string) string {
	return filepath.Join(l.dir, strconv.FormatUint(xxhash.Sum64String(key), 16)+fileExt)
}

func (l *FileLayer) Get(ctx context.Context, key string) (*Entry, bool) {
	l.mu.RLock()
	meta, ok := l.index[key]
	if !ok {
		l.mu.RUnlock()
		l.misses.Add(1)
		return nil, false
	}
	path := meta.path
	expired := meta.expiresAt.Before(time.Now()) && !meta.expiresAt.IsZero()
	l.mu.RUnlock()

	if expired {
		l.removeKey(key, ReasonExpired)
		l.misses.Add(1)
		return nil, false
	}

	e, err := readEntryFile(path)
	if err != nil {
		l.errs.Add(1)
		l.misses.Add(1)
		logging.Warn("file layer read failed, treating as miss",
			zap.String("layer", l.name), zap.String("key", key), zap.Error(err))
		l.removeKey(key, "")
		return nil, false
	}
	// Filenames are hashes; verify the decoded key in case of a collision.
	if e.Key != key || e.Expired(time.Now()) {
		l.misses.Add(1)
		return nil, false
	}

	l.mu.Lock()
	if meta, ok := l.index[key]; ok {
		meta.hitCount++
		meta.lastAccess = time.Now().UnixNano()
		e.HitCount = meta.hitCount
	}
	l.mu.Unlock()

	l.hits.Add(1)
	return e, true
}

func (l *FileLayer) Set(ctx context.Context, e *Entry) error {
	cp := e.clone()
	if cp.SizeBytes <= 0 {
		cp.SizeBytes = int64(len(cp.Value))
	}
	if l.maxSize > 0 && cp.SizeBytes > l.maxSize {
		return nil
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cp); err != nil {
		l.errs.Add(1)
		return err
	}

	path := l.pathFor(cp.Key)
	tmp, err := os.CreateTemp(l.dir, "put-*")
	if err != nil {
		l.errs.Add(1)
		logging.Warn("file layer write failed",
			zap.String("layer", l.name), zap.Error(err))
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		l.errs.Add(1)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		l.errs.Add(1)
		return err
	}

	l.mu.Lock()
	if old, ok := l.index[cp.Key]; ok {
		l.size -= old.size
	}
	l.index[cp.Key] = &fileMeta{
		path:       path,
		expiresAt:  cp.ExpiresAt,
		size:       cp.SizeBytes,
		lastAccess: time.Now().UnixNano(),
		seq:        l.seq.Add(1),
	}
	l.size += cp.SizeBytes
	overBy := int64(0)
	if l.maxSize > 0 && l.size > l.maxSize {
		overBy = l.size - l.maxSize
	}
	l.mu.Unlock()

	if overBy > 0 {
		l.evict(cp.Key, overBy)
	}
	return nil
}

func (l *FileLayer) evict(justInserted string, need int64) {
	l.mu.Lock()
	cands := make([]candidate, 0, len(l.index))
	for k, m := range l.index {
		if k == justInserted {
			continue
		}
		cands = append(cands, candidate{
			key:        k,
			sizeBytes:  m.size,
			lastAccess: m.lastAccess,
			hitCount:   m.hitCount,
			seq:        m.seq,
		})
	}
	victims := l.policy.victims(cands, need)
	paths := make([]string, 0, len(victims))
	keys := make([]string, 0, len(victims))
	for _, v := range victims {
		if m, ok := l.index[v.key]; ok {
			delete(l.index, v.key)
			l.size -= m.size
			paths = append(paths, m.path)
			keys = append(keys, v.key)
		}
	}
	l.mu.Unlock()

	for i, p := range paths {
		os.Remove(p)
		l.evictions.Add(1)
		l.notifyRemove(keys[i], ReasonEvicted)
	}
}

// removeKey drops a key from the index and unlinks its file. An empty
// reason means "broken file", which is cleaned up without a hook.
func (l *FileLayer) removeKey(key, reason string) {
	l.mu.Lock()
	meta, ok := l.index[key]
	if ok {
		delete(l.index, key)
		l.size -= meta.size
	}
	l.mu.Unlock()
	if !ok {
		return
	}
	os.Remove(meta.path)
	if reason == ReasonExpired {
		l.expirations.Add(1)
	}
	if reason != "" {
		l.notifyRemove(key, reason)
	}
}

func (l *FileLayer) Delete(ctx context.Context, key string) {
	l.mu.Lock()
	meta, ok := l.index[key]
	if ok {
		delete(l.index, key)
		l.size -= meta.size
	}
	l.mu.Unlock()
	if ok {
		os.Remove(meta.path)
	}
}

func (l *FileLayer) Contains(ctx context.Context, key string) bool {
	l.mu.RLock()
	meta, ok := l.index[key]
	alive := ok && (meta.expiresAt.IsZero() || meta.expiresAt.After(time.Now()))
	l.mu.RUnlock()
	return alive
}

func (l *FileLayer) BatchGet(ctx context.Context, keys []string) map[string]*Entry {
	out := make(map[string]*Entry, len(keys))
	for _, k := range keys {
		if e, ok := l.Get(ctx, k); ok {
			out[k] = e
		}
	}
	return out
}

func (l *FileLayer) BatchSet(ctx context.Context, entries []*Entry) {
	for _, e := range entries {
		l.Set(ctx, e)
	}
}

func (l *FileLayer) DeletePattern(ctx context.Context, pattern string) int {
	deleted := 0
	for _, k := range l.Keys(ctx) {
		if ok, err := doublestar.Match(pattern, k); err == nil && ok {
			l.mu.Lock()
			meta, present := l.index[k]
			if present {
				delete(l.index, k)
				l.size -= meta.size
			}
			l.mu.Unlock()
			if present {
				os.Remove(meta.path)
				deleted++
			}
		}
	}
	return deleted
}

func (l *FileLayer) Keys(ctx context.Context) []string {
	l.mu.RLock()
	keys := make([]string, 0, len(l.index))
	for k := range l.index {
		keys = append(keys, k)
	}
	l.mu.RUnlock()
	return keys
}

func (l *FileLayer) Stats() Stats {
	l.mu.RLock()
	items := int64(len(l.index))
	size := l.size
	l.mu.RUnlock()
	return Stats{
		Hits:         l.hits.Load(),
		Misses:       l.misses.Load(),
		Evictions:    l.evictions.Load(),
		Expirations:  l.expirations.Load(),
		Errors:       l.errs.Load(),
		Items:        items,
		SizeBytes:    size,
		MaxSizeBytes: l.maxSize,
	}
}

func (l *FileLayer) Purge(ctx context.Context) {
	l.mu.Lock()
	paths := make([]string, 0, len(l.index))
	for k, m := range l.index {
		paths = append(paths, m.path)
		delete(l.index, k)
	}
	l.size = 0
	l.mu.Unlock()
	for _, p := range paths {
		os.Remove(p)
	}
}

func (l *FileLayer) Close() error {
	l.closeOnce.Do(func() { close(l.sweepStop) })
	return nil
}

func (l *FileLayer) sweepLoop(interval time.Duration) {
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

func (l *FileLayer) sweep() {
	now := time.Now()
	l.mu.RLock()
	var expired []string
	for k, m := range l.index {
		if !m.expiresAt.IsZero() && m.expiresAt.Before(now) {
			expired = append(expired, k)
		}
	}
	l.mu.RUnlock()

	ctx := context.Background()
	for _, k := range expired {
		if err := l.sweepLimit.Wait(ctx); err != nil {
			return
		}
		select {
		case <-l.sweepStop:
			return
		default:
		}
		l.removeKey(k, ReasonExpired)
	}
}

func (l *FileLayer) notifyRemove(key, reason string) {
	if l.onRemove != nil {
		l.onRemove(l.name, key, reason)
	}
}
