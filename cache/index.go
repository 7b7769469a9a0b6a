package cache

import (
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// Index is the manager-owned invalidation index: tag→keys and key→tags
// maps kept in lockstep. All operations are idempotent; removing an absent
// key or dropping an unknown tag is a no-op.
type Index struct {
	mu      sync.Mutex
	tagKeys map[string]map[string]struct{}
	keyTags map[string][]string
}

// NewIndex creates an empty invalidation index.
func NewIndex() *Index {
	return &Index{
		tagKeys: make(map[string]map[string]struct{}),
		keyTags: make(map[string][]string),
	}
}

// Register records a key under the given tags, replacing any previous tag
// set for that key.
func (ix *Index) Register(key string, tags []string) {
	if len(tags) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.removeLocked(key)
	ix.keyTags[key] = tags
	for _, tag := range tags {
		if ix.tagKeys[tag] == nil {
			ix.tagKeys[tag] = make(map[string]struct{})
		}
		ix.tagKeys[tag][key] = struct{}{}
	}
}

// KeysForTag returns the keys currently registered under a tag.
func (ix *Index) KeysForTag(tag string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	set, ok := ix.tagKeys[tag]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	return keys
}

// DropTag removes a tag and returns the keys that were registered under
// it, unregistering each key from all of its tags.
func (ix *Index) DropTag(tag string) []string {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	set, ok := ix.tagKeys[tag]
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	for _, k := range keys {
		ix.removeLocked(k)
	}
	return keys
}

// Remove unregisters a key from every tag it carries, pruning tags whose
// key set becomes empty.
func (ix *Index) Remove(key string) {
	ix.mu.Lock()
	ix.removeLocked(key)
	ix.mu.Unlock()
}

func (ix *Index) removeLocked(key string) {
	tags, ok := ix.keyTags[key]
	if !ok {
		return
	}
	for _, tag := range tags {
		if set, ok := ix.tagKeys[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(ix.tagKeys, tag)
			}
		}
	}
	delete(ix.keyTags, key)
}

// RemoveMatch unregisters every key matching the glob pattern and returns
// how many were removed.
func (ix *Index) RemoveMatch(pattern string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var matched []string
	for k := range ix.keyTags {
		if ok, err := doublestar.Match(pattern, k); err == nil && ok {
			matched = append(matched, k)
		}
	}
	for _, k := range matched {
		ix.removeLocked(k)
	}
	return len(matched)
}

// Has reports whether the key is registered under any tag.
func (ix *Index) Has(key string) bool {
	ix.mu.Lock()
	_, ok := ix.keyTags[key]
	ix.mu.Unlock()
	return ok
}

// Reset clears the whole index.
func (ix *Index) Reset() {
	ix.mu.Lock()
	ix.tagKeys = make(map[string]map[string]struct{})
	ix.keyTags = make(map[string][]string)
	ix.mu.Unlock()
}

// Len returns the number of registered keys.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.keyTags)
}
