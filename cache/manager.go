// Package cache implements a multi-layer cache engine: an ordered cascade
// of heterogeneous layers (in-process memory, a networked store, disk)
// behind one manager that handles cascading reads with populate-on-miss,
// fan-out writes, and key/tag/pattern/resource invalidation. The cache is
// an acceleration structure, not a source of truth: its worst failure mode
// is acting as if empty.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/cascade/config"
	"github.com/wudi/cascade/internal/breaker"
	"github.com/wudi/cascade/internal/logging"
	"github.com/wudi/cascade/internal/metrics"
)

// SetOptions carries per-call write options. Zero values fall back to the
// per-layer defaults.
type SetOptions struct {
	TTL  time.Duration
	Tags []string
}

// LayerResult reports one layer's outcome for a fan-out write.
type LayerResult struct {
	Layer string `json:"layer"`
	OK    bool   `json:"ok"`
	Err   error  `json:"-"`
}

// WriteReport aggregates per-layer outcomes of a fan-out write. Layer
// failures are independent; the report carries the partial-success detail.
type WriteReport struct {
	Results []LayerResult `json:"results"`
}

// Succeeded returns the number of layers that accepted the write.
func (r *WriteReport) Succeeded() int {
	n := 0
	for _, lr := range r.Results {
		if lr.OK {
			n++
		}
	}
	return n
}

// Failed returns the number of layers that rejected the write.
func (r *WriteReport) Failed() int {
	return len(r.Results) - r.Succeeded()
}

// Manager orchestrates the ordered layer list. It holds no cross-layer
// lock: populate-on-miss writes race with concurrent invalidation by
// design, bounded by the target layer's TTL.
type Manager struct {
	layers []Layer
	ttls   []time.Duration // per-layer default TTL, parallel to layers

	defaultTTL time.Duration
	threshold  int

	index     *Index
	notifier  *notifier
	collector *metrics.Collector
	group     singleflight.Group

	closeOnce sync.Once
}

// Option customizes a Manager at construction time.
type Option func(*Manager)

// WithCollector attaches a metrics collector.
func WithCollector(c *metrics.Collector) Option {
	return func(m *Manager) { m.collector = c }
}

// WithLayer appends a pre-built layer after the configured ones. ttl <= 0
// falls back to the manager default.
func WithLayer(l Layer, ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl <= 0 {
			ttl = m.defaultTTL
		}
		m.layers = append(m.layers, l)
		m.ttls = append(m.ttls, ttl)
	}
}

// NewManager builds the layer cascade from an already-validated Config.
// Zero enabled layers is legal: every operation degrades to a miss/no-op.
func NewManager(cfg *config.Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		defaultTTL: cfg.DefaultTTL,
		threshold:  cfg.CompressionThreshold,
		index:      NewIndex(),
		notifier:   newNotifier(1024, 2),
	}
	if m.defaultTTL <= 0 {
		m.defaultTTL = 5 * time.Minute
	}

	for _, lc := range cfg.EnabledLayers() {
		l, err := buildLayer(lc, cfg, m.handleRemoval)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("cache: layer %q: %w", lc.Name, err)
		}
		ttl := lc.TTL
		if ttl <= 0 {
			ttl = m.defaultTTL
		}
		m.layers = append(m.layers, l)
		m.ttls = append(m.ttls, ttl)
	}

	for _, opt := range opts {
		opt(m)
	}

	logging.Info("cache manager built", zap.Int("layers", len(m.layers)))
	return m, nil
}

func buildLayer(lc config.LayerConfig, cfg *config.Config, hook RemovalHook) (Layer, error) {
	opts := LayerOptions{
		WeightFactor:  cfg.WeightFactor,
		SweepInterval: cfg.SweepInterval,
		OnRemove:      hook,
	}

	var l Layer
	switch lc.Kind {
	case config.KindMemory:
		l = NewMemoryLayer(lc.Name, lc.MaxSizeBytes, lc.TTL, opts)

	case config.KindNetworked:
		client := redis.NewClient(&redis.Options{
			Addr:     lc.Redis.Addr,
			Password: lc.Redis.Password,
			DB:       lc.Redis.DB,
		})
		l = NewRedisLayer(lc.Name, client, RedisLayerOptions{
			Prefix:  lc.Redis.KeyPrefix,
			TTL:     lc.TTL,
			Timeout: lc.Redis.Timeout,
			MaxSize: lc.MaxSizeBytes,
			Breaker: breaker.Config{
				FailureThreshold: cfg.Breaker.FailureThreshold,
				SuccessThreshold: cfg.Breaker.SuccessThreshold,
				HalfOpenRequests: cfg.Breaker.HalfOpenRequests,
				Timeout:          cfg.Breaker.Timeout,
			},
		})

	case config.KindFile:
		fl, err := NewFileLayer(lc.Name, lc.File.Dir, lc.MaxSizeBytes, lc.TTL, opts)
		if err != nil {
			return nil, err
		}
		l = fl

	default:
		return nil, fmt.Errorf("unknown layer kind %q", lc.Kind)
	}

	if lc.Encryption {
		codec, err := NewCodec(cfg.Key(), lc.Cipher)
		if err != nil {
			return nil, err
		}
		l = WithEncryption(l, codec)
	}
	return l, nil
}

// OnEvent registers an observer for cache events. Delivery happens off the
// hot path; slow observers cause drops, never stalls.
func (m *Manager) OnEvent(fn func(Event)) {
	m.notifier.subscribe(fn)
}

// Get cascades through the layers in priority order. On a hit at layer i,
// every layer above it is repopulated with its own configured TTL before
// the value is returned. A miss across all layers returns absent: the
// caller owns the fallback to its authoritative source (cache-aside).
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	defer m.recordOp("get", start)

	for i, l := range m.layers {
		e, ok := l.Get(ctx, key)
		if !ok {
			m.recordMiss(l.Name())
			continue
		}
		val, err := unpackValue(e.Value)
		if err != nil {
			logging.Warn("stored value frame is corrupt, dropping",
				zap.String("layer", l.Name()), zap.String("key", key), zap.Error(err))
			l.Delete(ctx, key)
			m.recordMiss(l.Name())
			continue
		}

		m.recordHit(l.Name())
		m.populate(ctx, e, i)
		m.notifier.emit(EventHit, l.Name(), key)
		return val, true
	}

	// A full miss is NOT proof of absence: a layer behind an open breaker
	// or a timed-out call also reports miss while still holding the entry.
	// Index healing stays on the removal-hook path, which verifies absence
	// with Contains across every layer.
	m.notifier.emit(EventMiss, "", key)
	return nil, false
}

// populate writes the found entry into every layer above the hit, each
// with its own TTL. Best effort: a populate that races a concurrent
// invalidation leaves a stale-but-expiring entry, bounded by that TTL.
func (m *Manager) populate(ctx context.Context, found *Entry, hitIdx int) {
	now := time.Now()
	for j := 0; j < hitIdx; j++ {
		e := &Entry{
			Key:       found.Key,
			Value:     found.Value,
			CreatedAt: now,
			ExpiresAt: now.Add(m.ttls[j]),
			Tags:      found.Tags,
			SizeBytes: int64(len(found.Value)),
		}
		if err := m.layers[j].Set(ctx, e); err != nil {
			m.recordLayerError(m.layers[j].Name(), "populate")
		}
	}
}

// Set fans the value out to every enabled layer with that layer's TTL (or
// the explicit override). Per-layer failures are independent and reported
// in the WriteReport; only a write rejected by every layer returns
// ErrAllLayersUnavailable.
func (m *Manager) Set(ctx context.Context, key string, value []byte, opts SetOptions) (*WriteReport, error) {
	start := time.Now()
	defer m.recordOp("set", start)

	framed := packValue(value, m.threshold)
	now := time.Now()
	report := &WriteReport{Results: make([]LayerResult, 0, len(m.layers))}

	for i, l := range m.layers {
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = m.ttls[i]
		}
		e := &Entry{
			Key:       key,
			Value:     framed,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
			Tags:      opts.Tags,
			SizeBytes: int64(len(framed)),
		}
		err := l.Set(ctx, e)
		report.Results = append(report.Results, LayerResult{Layer: l.Name(), OK: err == nil, Err: err})
		if err != nil {
			m.recordLayerError(l.Name(), "set")
			m.notifier.emit(EventLayerError, l.Name(), key)
		}
	}

	if len(opts.Tags) > 0 && report.Succeeded() > 0 {
		m.index.Register(key, opts.Tags)
	}
	if len(m.layers) > 0 && report.Succeeded() == 0 {
		return report, ErrAllLayersUnavailable
	}

	m.notifier.emit(EventSet, "", key)
	return report, nil
}

// GetOrLoad returns the cached value or loads it through the given
// function, deduplicating concurrent loads of the same key.
func (m *Manager) GetOrLoad(ctx context.Context, key string, ttl time.Duration, load func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := m.Get(ctx, key); ok {
		return v, nil
	}

	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		// A concurrent caller may have populated the key while this call
		// waited its turn.
		if v, ok := m.Get(ctx, key); ok {
			return v, nil
		}
		data, err := load(ctx)
		if err != nil {
			return nil, err
		}
		m.Set(ctx, key, data, SetOptions{TTL: ttl})
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Delete removes the key from every layer. Idempotent.
func (m *Manager) Delete(ctx context.Context, key string) {
	start := time.Now()
	defer m.recordOp("delete", start)

	for _, l := range m.layers {
		l.Delete(ctx, key)
	}
	m.index.Remove(key)
	m.notifier.emit(EventDelete, "", key)
}

// InvalidateTag deletes every key registered under the tag from every
// layer and clears the tag's key set. Returns the number of keys
// invalidated; an unknown tag is a no-op.
func (m *Manager) InvalidateTag(ctx context.Context, tag string) int {
	start := time.Now()
	defer m.recordOp("invalidate", start)

	keys := m.index.DropTag(tag)
	for _, k := range keys {
		for _, l := range m.layers {
			l.Delete(ctx, k)
		}
	}
	m.notifier.emit(EventInvalidation, "", "tag:"+tag)
	return len(keys)
}

// InvalidatePattern deletes every key matching the glob across all layers.
// A malformed pattern is rejected up front with ErrInvalidPattern, before
// any layer is touched. Returns the number of deletions performed, summed
// across layers.
func (m *Manager) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	start := time.Now()
	defer m.recordOp("invalidate", start)

	if !doublestar.ValidatePattern(pattern) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}

	total := 0
	for _, l := range m.layers {
		total += l.DeletePattern(ctx, pattern)
	}
	m.index.RemoveMatch(pattern)
	m.notifier.emit(EventInvalidation, "", "pattern:"+pattern)
	return total, nil
}

// InvalidateResource expands a resource name into its conventional key
// footprint (the direct key, its sub-keys, list and search entries) and
// invalidates all of it. A thin policy wrapper over pattern invalidation.
func (m *Manager) InvalidateResource(ctx context.Context, resource string) (int, error) {
	m.Delete(ctx, resource)
	total := 0
	for _, p := range []string{
		resource + ":*",
		"list:" + resource + ":*",
		"search:" + resource + ":*",
	} {
		n, err := m.InvalidatePattern(ctx, p)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// BatchGet resolves keys across the cascade, repopulating higher layers
// for every hit found lower down.
func (m *Manager) BatchGet(ctx context.Context, keys []string) map[string][]byte {
	start := time.Now()
	defer m.recordOp("get", start)

	out := make(map[string][]byte, len(keys))
	remaining := keys
	for i, l := range m.layers {
		if len(remaining) == 0 {
			break
		}
		got := l.BatchGet(ctx, remaining)
		missed := make([]string, 0, len(remaining))
		for _, k := range remaining {
			e, ok := got[k]
			if !ok {
				m.recordMiss(l.Name())
				missed = append(missed, k)
				continue
			}
			val, err := unpackValue(e.Value)
			if err != nil {
				l.Delete(ctx, k)
				m.recordMiss(l.Name())
				missed = append(missed, k)
				continue
			}
			out[k] = val
			m.recordHit(l.Name())
			m.populate(ctx, e, i)
			m.notifier.emit(EventHit, l.Name(), k)
		}
		remaining = missed
	}
	for _, k := range remaining {
		m.notifier.emit(EventMiss, "", k)
	}
	return out
}

// BatchSet fans a batch of values out to every layer's native batch write.
func (m *Manager) BatchSet(ctx context.Context, values map[string][]byte, opts SetOptions) {
	start := time.Now()
	defer m.recordOp("set", start)

	framed := make(map[string][]byte, len(values))
	for k, v := range values {
		framed[k] = packValue(v, m.threshold)
	}

	now := time.Now()
	for i, l := range m.layers {
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = m.ttls[i]
		}
		entries := make([]*Entry, 0, len(framed))
		for k, fv := range framed {
			entries = append(entries, &Entry{
				Key:       k,
				Value:     fv,
				CreatedAt: now,
				ExpiresAt: now.Add(ttl),
				Tags:      opts.Tags,
				SizeBytes: int64(len(fv)),
			})
		}
		l.BatchSet(ctx, entries)
	}

	if len(opts.Tags) > 0 && len(m.layers) > 0 {
		for k := range values {
			m.index.Register(k, opts.Tags)
		}
	}
}

// ManagerStats aggregates per-layer snapshots.
type ManagerStats struct {
	Layers        map[string]Stats `json:"layers"`
	Total         Stats            `json:"total"`
	IndexKeys     int              `json:"index_keys"`
	EventsDropped int64            `json:"events_dropped"`
}

// Stats snapshots every layer and refreshes the collector's size gauges.
func (m *Manager) Stats() ManagerStats {
	out := ManagerStats{Layers: make(map[string]Stats, len(m.layers))}
	for _, l := range m.layers {
		s := l.Stats()
		out.Layers[l.Name()] = s
		out.Total.Hits += s.Hits
		out.Total.Misses += s.Misses
		out.Total.Evictions += s.Evictions
		out.Total.Expirations += s.Expirations
		out.Total.Errors += s.Errors
		out.Total.Items += s.Items
		out.Total.SizeBytes += s.SizeBytes
		if m.collector != nil {
			m.collector.SetLayerSize(l.Name(), s.SizeBytes, s.Items)
		}
	}
	out.IndexKeys = m.index.Len()
	out.EventsDropped = m.notifier.dropped.Load()
	return out
}

// Purge empties every layer and the invalidation index.
func (m *Manager) Purge(ctx context.Context) {
	for _, l := range m.layers {
		l.Purge(ctx)
	}
	m.index.Reset()
}

// Close stops the event workers and closes every layer.
func (m *Manager) Close() error {
	var firstErr error
	m.closeOnce.Do(func() {
		m.notifier.close()
		for _, l := range m.layers {
			if err := l.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}

// handleRemoval is the layers' RemovalHook: it accounts the removal and
// heals the invalidation index once a key is gone from every layer.
func (m *Manager) handleRemoval(layer, key, reason string) {
	switch reason {
	case ReasonEvicted:
		if m.collector != nil {
			m.collector.RecordEviction(layer, 1)
		}
		m.notifier.emit(EventEviction, layer, key)
	case ReasonExpired:
		if m.collector != nil {
			m.collector.RecordExpiration(layer, 1)
		}
		m.notifier.emit(EventExpiration, layer, key)
	}

	if !m.index.Has(key) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	for _, l := range m.layers {
		if l.Contains(ctx, key) {
			return
		}
	}
	m.index.Remove(key)
}

func (m *Manager) recordOp(op string, start time.Time) {
	if m.collector != nil {
		m.collector.RecordOperation(op, time.Since(start))
	}
}

func (m *Manager) recordHit(layer string) {
	if m.collector != nil {
		m.collector.RecordHit(layer)
	}
}

func (m *Manager) recordMiss(layer string) {
	if m.collector != nil {
		m.collector.RecordMiss(layer)
	}
}

func (m *Manager) recordLayerError(layer, op string) {
	if m.collector != nil {
		m.collector.RecordLayerError(layer, op)
	}
}
