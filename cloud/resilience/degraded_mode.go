package resilience

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// CacheEntry tracks access time for proper LRU eviction.
type CacheEntry struct {
	Value      interface{}
	LastAccess time.Time
}

// DegradedMode serves stale reads from a bounded local cache when the
// backing store is unavailable, instead of failing the request outright.
type DegradedMode struct {
	mu sync.RWMutex

	storeAvailable     bool
	degradedModeActive bool
	lastCheck          time.Time

	localCache   map[string]*CacheEntry
	cacheSize    int
	maxCacheSize int
}

// NewDegradedMode creates a new degraded mode manager.
func NewDegradedMode() *DegradedMode {
	return &DegradedMode{
		storeAvailable: true,
		localCache:     make(map[string]*CacheEntry),
		maxCacheSize:   10000, // bounded to prevent OOM
	}
}

// MarkStoreUnavailable marks the backing store as unavailable and enters
// degraded mode.
func (d *DegradedMode) MarkStoreUnavailable() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.storeAvailable {
		log.Printf("[DEGRADED MODE] store unavailable, serving cached reads")
		d.storeAvailable = false
		d.degradedModeActive = true
		d.lastCheck = time.Now()
	}
}

// MarkStoreAvailable marks the backing store as available again.
func (d *DegradedMode) MarkStoreAvailable() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.storeAvailable {
		log.Printf("[DEGRADED MODE] store recovered, normal mode restored")
	}
	d.storeAvailable = true
	d.degradedModeActive = false
	d.lastCheck = time.Now()
}

// IsStoreAvailable reports whether the backing store is currently reachable.
func (d *DegradedMode) IsStoreAvailable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.storeAvailable
}

// IsDegraded returns true if the system is currently serving stale reads.
func (d *DegradedMode) IsDegraded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.degradedModeActive
}

// GetFromCache retrieves a value from the local cache (fallback when the
// store is unavailable). Updates LastAccess for LRU.
func (d *DegradedMode) GetFromCache(key string) (interface{}, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.localCache[key]
	if !ok {
		return nil, false
	}
	entry.LastAccess = time.Now()
	return entry.Value, true
}

// SetInCache stores a value in the local cache with bounded LRU eviction.
func (d *DegradedMode) SetInCache(key string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cacheSize >= d.maxCacheSize {
		var oldestKey string
		var oldestTime time.Time
		first := true

		for k, entry := range d.localCache {
			if first || entry.LastAccess.Before(oldestTime) {
				oldestKey = k
				oldestTime = entry.LastAccess
				first = false
			}
		}

		if oldestKey != "" {
			delete(d.localCache, oldestKey)
			d.cacheSize--
			log.Printf("[DEGRADED MODE] LRU evicted: %s (last access: %v)", oldestKey, oldestTime)
		}
	}

	if _, exists := d.localCache[key]; !exists {
		d.cacheSize++
	}
	d.localCache[key] = &CacheEntry{
		Value:      value,
		LastAccess: time.Now(),
	}
}

// ClearCache clears the local cache.
func (d *DegradedMode) ClearCache() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.localCache = make(map[string]*CacheEntry)
	d.cacheSize = 0
}

// WithFallback executes primary, falling back to secondary if primary fails.
func (d *DegradedMode) WithFallback(
	ctx context.Context,
	primary func(context.Context) error,
	fallback func(context.Context) error,
) error {
	err := primary(ctx)
	if err == nil {
		return nil
	}

	log.Printf("[DEGRADED MODE] primary operation failed: %v, using fallback", err)

	if fallbackErr := fallback(ctx); fallbackErr != nil {
		return fmt.Errorf("both primary and fallback failed: %w", fallbackErr)
	}
	return nil
}

// HealthCheck reports current degraded-mode status.
func (d *DegradedMode) HealthCheck(ctx context.Context) map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return map[string]bool{
		"store":    d.storeAvailable,
		"degraded": d.degradedModeActive,
	}
}
