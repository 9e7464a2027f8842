package api

import (
	"sync"
	"time"
)

// deduper suppresses replayed webhook event ids for a short window. The
// calendar bridge redelivers aggressively; a couple of minutes of memory
// is enough to absorb it.
type deduper struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

func newDeduper(ttl time.Duration) *deduper {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &deduper{seen: make(map[string]time.Time), ttl: ttl}
}

// isDuplicate records id and reports whether it was already seen within
// the TTL. Expired entries are swept opportunistically.
func (d *deduper) isDuplicate(id string) bool {
	if id == "" {
		return false
	}
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.seen[id]; ok && now.Sub(ts) < d.ttl {
		return true
	}
	d.seen[id] = now

	for k, ts := range d.seen {
		if now.Sub(ts) > d.ttl {
			delete(d.seen, k)
		}
	}
	return false
}
