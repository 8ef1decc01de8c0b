package signaling

import (
	"sync"
	"time"

	"github.com/harun/cmdq/internal/observability"
)

// dedupEntry is either in flight (timestamp zero, done open) or a cached
// response (done closed)
type dedupEntry struct {
	response  *Message
	timestamp time.Time
	done      chan struct{}
}

// Wait blocks until the entry's response is known or stop is closed
func (e *dedupEntry) Wait(stop <-chan struct{}) (*Message, bool) {
	select {
	case <-e.done:
		return e.response, e.response != nil
	case <-stop:
		return nil, false
	}
}

// dedupCache replays responses for retransmitted request IDs. A key is
// claimed before its handler runs, so concurrent retransmissions wait for
// the first one instead of running the handler again.
type dedupCache struct {
	entries  map[string]*dedupEntry
	ttl      time.Duration
	mu       sync.Mutex
	done     chan struct{}
	stopOnce sync.Once
}

func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	cache := &dedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}

	go cache.cleanup()

	return cache
}

// Stop ends the cleanup goroutine
func (dc *dedupCache) Stop() {
	dc.stopOnce.Do(func() {
		close(dc.done)
	})
}

// Claim returns the live entry for key with owner false, or registers a new
// in-flight entry and returns it with owner true. The owner must call
// Complete.
func (dc *dedupCache) Claim(key string) (entry *dedupEntry, owner bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if existing, ok := dc.entries[key]; ok && !dc.expired(existing, time.Now()) {
		return existing, false
	}

	entry = &dedupEntry{done: make(chan struct{})}
	dc.entries[key] = entry
	return entry, true
}

// Complete settles a claimed entry. Waiters receive response either way;
// it is kept for replay only when cache is true.
func (dc *dedupCache) Complete(key string, entry *dedupEntry, response *Message, cache bool) {
	dc.mu.Lock()
	entry.response = response
	entry.timestamp = time.Now()
	if !cache && dc.entries[key] == entry {
		delete(dc.entries, key)
	}
	size := len(dc.entries)
	dc.mu.Unlock()

	close(entry.done)
	observability.SetDedupEntries(size)
}

func (dc *dedupCache) expired(entry *dedupEntry, now time.Time) bool {
	if entry.timestamp.IsZero() {
		return false
	}
	return now.Sub(entry.timestamp) > dc.ttl
}

func (dc *dedupCache) cleanup() {
	interval := time.Minute
	if dc.ttl < interval {
		interval = dc.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-dc.done:
			return
		case <-ticker.C:
			dc.evictExpired(time.Now())
		}
	}
}

func (dc *dedupCache) evictExpired(now time.Time) {
	dc.mu.Lock()
	for key, entry := range dc.entries {
		if dc.expired(entry, now) {
			delete(dc.entries, key)
		}
	}
	size := len(dc.entries)
	dc.mu.Unlock()

	observability.SetDedupEntries(size)
}

// Size returns the number of cached and in-flight entries
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
