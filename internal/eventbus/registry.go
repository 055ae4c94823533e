package eventbus

import "sync"

// cacheRegistry is a plain mutex-guarded map from config name to its
// LogCache, created lazily on first subscription and kept alive for the
// rest of the process. Explicit registry, no package-level singleton state.
type cacheRegistry struct {
	mu       sync.Mutex
	capacity int
	caches   map[string]*LogCache
}

func newCacheRegistry(capacity int) *cacheRegistry {
	return &cacheRegistry{capacity: capacity, caches: make(map[string]*LogCache)}
}

// getOrCreate returns the existing cache for config, or creates one.
func (r *cacheRegistry) getOrCreate(config string) *LogCache {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lc, ok := r.caches[config]; ok {
		return lc
	}
	lc := newLogCache(config, r.capacity)
	r.caches[config] = lc
	return lc
}

// get returns the existing cache for config, or nil if none has been
// created yet (no subscriber has ever asked for this config's logs).
func (r *cacheRegistry) get(config string) *LogCache {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caches[config]
}

// closeAll stops every cache's drain goroutine, for bus shutdown.
func (r *cacheRegistry) closeAll() {
	r.mu.Lock()
	caches := make([]*LogCache, 0, len(r.caches))
	for _, lc := range r.caches {
		caches = append(caches, lc)
	}
	r.mu.Unlock()

	for _, lc := range caches {
		lc.Close()
	}
}
