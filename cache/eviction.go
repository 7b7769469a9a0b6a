package cache

import (
	"sort"
	"time"
)

// candidate describes one entry offered to the eviction policy.
type candidate struct {
	key        string
	sizeBytes  int64
	lastAccess int64 // unix nanoseconds
	hitCount   int64
	seq        uint64 // insertion order, lower = older
}

// evictionPolicy scores entries by recency plus a frequency credit:
//
//	score = lastAccess + hitCount*weight
//
// and evicts ascending by score until the requested bytes are free. A zero
// weight reduces to pure LRU. Ties break toward the older insertion.
type evictionPolicy struct {
	weight int64 // nanoseconds credited per hit
}

func newEvictionPolicy(weight time.Duration) *evictionPolicy {
	return &evictionPolicy{weight: int64(weight)}
}

func (p *evictionPolicy) score(c candidate) int64 {
	return c.lastAccess + c.hitCount*p.weight
}

// victims selects the entries to evict so that at least need bytes are
// freed, or the whole candidate set if it cannot cover the request.
func (p *evictionPolicy) victims(cands []candidate, need int64) []candidate {
	if need <= 0 || len(cands) == 0 {
		return nil
	}

	sort.Slice(cands, func(i, j int) bool {
		si, sj := p.score(cands[i]), p.score(cands[j])
		if si != sj {
			return si < sj
		}
		return cands[i].seq < cands[j].seq
	})

	var freed int64
	for i, c := range cands {
		freed += c.sizeBytes
		if freed >= need {
			return cands[:i+1]
		}
	}
	return cands
}
