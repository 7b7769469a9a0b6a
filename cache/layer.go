package cache

import (
	"context"
	"time"
)

// Kind identifies a layer's backing medium.
type Kind string

const (
	KindMemory    Kind = "memory"
	KindNetworked Kind = "networked"
	KindFile      Kind = "file"
)

// RemovalHook is invoked after a layer drops an entry on its own (capacity
// eviction or TTL expiry), never for explicit deletes. Layers call it
// outside their locks.
type RemovalHook func(layer, key, reason string)

// Removal reasons passed to a RemovalHook.
const (
	ReasonEvicted = "evicted"
	ReasonExpired = "expired"
)

// LayerOptions carries the knobs shared by the in-process layer kinds.
// Zero values disable the corresponding behavior.
type LayerOptions struct {
	WeightFactor  time.Duration // eviction-score credit per hit; 0 = pure LRU
	SweepInterval time.Duration // background expiry reaper period; 0 = lazy only
	OnRemove      RemovalHook
}

// Layer is the uniform contract over one backing medium. All reads fail
// closed: storage errors are logged and reported as a miss, never raised.
// Set on a value larger than the layer's whole budget is a silent no-op.
// Delete is idempotent.
type Layer interface {
	Name() string
	Kind() Kind

	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, e *Entry) error
	Delete(ctx context.Context, key string)
	Contains(ctx context.Context, key string) bool

	BatchGet(ctx context.Context, keys []string) map[string]*Entry
	BatchSet(ctx context.Context, entries []*Entry)

	// DeletePattern removes every key matching the glob pattern and
	// returns the number of entries removed. The pattern is validated by
	// the manager before any layer sees it.
	DeletePattern(ctx context.Context, pattern string) int

	// Keys returns a point-in-time snapshot of the stored keys.
	Keys(ctx context.Context) []string

	// Stats never blocks on I/O.
	Stats() Stats

	Purge(ctx context.Context)
	Close() error
}
