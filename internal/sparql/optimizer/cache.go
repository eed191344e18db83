package optimizer

import (
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheCapacity bounds the plan cache.
const DefaultCacheCapacity = 256

// CachedPlan is one plan cache entry: the compiled plan, the predicates it
// depends on (for invalidation), and the canonical variable order of the
// query as parsed (for remapping solution names on hits).
type CachedPlan struct {
	Query      *OptimizedQuery
	Predicates []string
	VarOrder   []string
}

// CacheStats snapshots the cache counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

// HitRate returns hits / (hits + misses), 0 when the cache is cold.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// PlanCache maps normalized query fingerprints to compiled plans with LRU
// eviction.
type PlanCache struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, *CachedPlan]
	hits      int64
	misses    int64
	evictions int64
}

// NewPlanCache creates a plan cache with the given capacity.
func NewPlanCache(capacity int) (*PlanCache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	pc := &PlanCache{}
	cache, err := lru.NewWithEvict[string, *CachedPlan](capacity, func(string, *CachedPlan) {
		pc.evictions++
	})
	if err != nil {
		return nil, err
	}
	pc.cache = cache
	return pc, nil
}

// Get looks up a fingerprint, recording the hit or miss.
func (pc *PlanCache) Get(key string) (*CachedPlan, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	entry, ok := pc.cache.Get(key)
	if ok {
		pc.hits++
	} else {
		pc.misses++
	}
	return entry, ok
}

// Put stores a compiled plan under its fingerprint.
func (pc *PlanCache) Put(key string, entry *CachedPlan) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.cache.Add(key, entry)
}

// InvalidatePredicate removes exactly the entries whose plan depends on the
// given predicate IRI.
func (pc *PlanCache) InvalidatePredicate(iri string) int {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	removed := 0
	for _, key := range pc.cache.Keys() {
		entry, ok := pc.cache.Peek(key)
		if !ok {
			continue
		}
		for _, pred := range entry.Predicates {
			if pred == iri {
				pc.cache.Remove(key)
				pc.evictions-- // invalidation is not an eviction
				removed++
				break
			}
		}
	}
	if removed > 0 {
		slog.Debug("plan cache invalidated", "predicate", iri, "entries", removed)
	}
	return removed
}

// Purge drops every entry.
func (pc *PlanCache) Purge() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	evictions := pc.evictions
	pc.cache.Purge()
	pc.evictions = evictions // purging is explicit, not LRU pressure
}

// Stats returns a snapshot of the counters.
func (pc *PlanCache) Stats() CacheStats {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return CacheStats{
		Hits:      pc.hits,
		Misses:    pc.misses,
		Evictions: pc.evictions,
		Size:      pc.cache.Len(),
	}
}
