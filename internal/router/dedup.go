// Package router implements the per-frame processing pipeline: bounds
// checks, deduplication, rate control, priority scheduling, and the final
// routing decision.
package router

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"meshcore/internal/frame"
)

const (
	DefaultDedupCap = 8192
	DefaultDedupTTL = 10 * time.Minute
)

// Dedup remembers recently seen message ids. Entries age out so a replayed
// id is only suppressed within the window.
type Dedup struct {
	mu    sync.Mutex
	cache *expirable.LRU[frame.MessageID, struct{}]
}

func NewDedup(capacity int, ttl time.Duration) *Dedup {
	if capacity <= 0 {
		capacity = DefaultDedupCap
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Dedup{
		cache: expirable.NewLRU[frame.MessageID, struct{}](capacity, nil, ttl),
	}
}

// Seen reports whether id was already recorded and records it if not.
// The check and insert are one atomic step.
func (d *Dedup) Seen(id frame.MessageID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.cache.Get(id); ok {
		return true
	}
	d.cache.Add(id, struct{}{})
	return false
}

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len()
}
