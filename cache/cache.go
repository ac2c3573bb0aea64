package cache

import (
	"sync"
	"time"
)

// Cache is the relay's registry of live Tracks, keyed by track_alias.
// It holds no subscription bookkeeping of its own; relation.Manager
// owns reference counting and tells the caller when a Track's last
// reader and last upstream subscription are both gone.
type Cache struct {
	mu     sync.RWMutex
	tracks map[uint64]*Track
}

func New() *Cache {
	return &Cache{tracks: make(map[uint64]*Track)}
}

// GetOrCreate returns the Track for alias, creating it on first use.
func (c *Cache) GetOrCreate(alias uint64) *Track {
	c.mu.RLock()
	t, ok := c.tracks[alias]
	c.mu.RUnlock()
	if ok {
		return t
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tracks[alias]; ok {
		return t
	}
	t = newTrack(alias)
	c.tracks[alias] = t
	return t
}

// Get returns the Track for alias without creating it.
func (c *Cache) Get(alias uint64) (*Track, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tracks[alias]
	return t, ok
}

// Evict drops a track from the registry. spec.md §4.4 ties this to the
// last reader and the last upstream subscription for the track both
// being gone; the Cache itself does not track refcounts, and nothing in
// the relay calls Evict.
func (c *Cache) Evict(alias uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tracks, alias)
}

// EvictExpired runs Track.Evict(now) across every live track, dropping
// groups whose advisory lifetime has elapsed.
func (c *Cache) EvictExpired(now time.Time) {
	c.mu.RLock()
	tracks := make([]*Track, 0, len(c.tracks))
	for _, t := range c.tracks {
		tracks = append(tracks, t)
	}
	c.mu.RUnlock()

	for _, t := range tracks {
		t.Evict(now)
	}
}
