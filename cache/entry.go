package cache

import "time"

// Entry is one cached value as held by a single layer. Layers never share
// entries by reference: every layer owns an independently expiring copy.
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
	HitCount  int64
	SizeBytes int64 // stored byte length (post-encryption where applicable)
	Tags      []string
}

// Expired reports whether the entry is past its expiry at the given instant.
// A zero ExpiresAt means the entry never expires.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// clone returns a deep copy of the entry so a layer can hand it out (or
// take it in) without aliasing the caller's buffers.
func (e *Entry) clone() *Entry {
	cp := *e
	if e.Value != nil {
		cp.Value = make([]byte, len(e.Value))
		copy(cp.Value, e.Value)
	}
	if e.Tags != nil {
		cp.Tags = make([]string, len(e.Tags))
		copy(cp.Tags, e.Tags)
	}
	return &cp
}

// Stats is a point-in-time snapshot of one layer's counters. Counters
// accumulate monotonically and are reset only by explicit operator action.
type Stats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
	Expirations  int64 `json:"expirations"`
	Errors       int64 `json:"errors"`
	Items        int64 `json:"items"`
	SizeBytes    int64 `json:"size_bytes"`
	MaxSizeBytes int64 `json:"max_size_bytes"` // 0 if the backing store owns capacity
}
