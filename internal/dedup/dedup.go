// Package dedup implements the fetch daemon's URL-to-last-attempt table.
// It collapses retried or concurrent identical fetches within a fixed TTL.
package dedup

import (
	"sync"
	"time"
)

// TTL is the minimum lifetime of a dedup entry, per the protocol contract.
const TTL = 600 * time.Second

// Table is a URL -> last-attempt-time map guarded by a single mutex, as the
// reference's dupes_mutex guards its NcHashmap. Unlike the reference, Table
// sweeps entries older than TTL on lookup so the map does not grow without
// bound (see design note on dedup table growth).
type Table struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// New returns an empty dedup table.
func New() *Table {
	return &Table{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// ShouldFetch reports whether a fetch for url should proceed. If an
// unexpired entry exists, it returns false (the caller should return the
// dedup-hit status without doing any I/O). Otherwise it records url as
// attempted now and returns true. The stored timestamp for a given key is
// monotonically increasing across successive true-returning calls.
func (t *Table) ShouldFetch(url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweepLocked(now)

	if last, ok := t.entries[url]; ok && now.Sub(last) < TTL {
		return false
	}
	t.entries[url] = now
	return true
}

// sweepLocked removes all entries older than TTL. Callers must hold t.mu.
func (t *Table) sweepLocked(now time.Time) {
	for url, last := range t.entries {
		if now.Sub(last) >= TTL {
			delete(t.entries, url)
		}
	}
}

// Len reports the current number of live entries, for tests and metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
