package router

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"meshcore/internal/frame"
	"meshcore/internal/identity"
	"meshcore/internal/store"
)

// Offline cache defaults.
const (
	DefaultPerDestCap  = 64
	DefaultGlobalCap   = 4096
	DefaultMaxAttempts = 12
	DefaultRetryBase   = time.Minute
	DefaultRetryMax    = time.Hour
)

// Retention by priority band.
const (
	RetainHigh       = 14 * 24 * time.Hour // emergency and high
	RetainNormal     = 7 * 24 * time.Hour
	RetainLow        = 3 * 24 * time.Hour
	RetainBackground = 24 * time.Hour
)

var ErrCacheFull = errors.New("router: offline cache full")

// RetentionFor maps a priority byte to how long an undeliverable frame is
// held before it is dropped.
func RetentionFor(priority uint8) time.Duration {
	switch BandFor(priority) {
	case BandEmergency, BandHigh:
		return RetainHigh
	case BandNormal:
		return RetainNormal
	case BandLow:
		return RetainLow
	default:
		return RetainBackground
	}
}

type cacheEntry struct {
	f           *frame.Frame
	storedAt    time.Time
	expiresAt   time.Time
	attempts    int
	lastAttempt time.Time
}

type journalRec struct {
	Op        string `json:"op"` // put or del
	ID        string `json:"id"`
	Raw       []byte `json:"frame,omitempty"`
	StoredAt  int64  `json:"stored_at,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

type OfflineOptions struct {
	PerDestCap  int
	GlobalCap   int
	MaxAttempts int
	RetryBase   time.Duration
	RetryMax    time.Duration
	JournalPath string // empty disables persistence
	Clock       clock.Clock
	Logger      *zap.Logger
}

// OfflineCache holds frames for unreachable destinations until they come
// back or the frame's retention lapses. Optionally journaled to disk so a
// restart does not lose pending traffic.
type OfflineCache struct {
	opts  OfflineOptions
	clock clock.Clock
	log   *zap.Logger

	mu      sync.Mutex
	byDest  map[identity.NodeID][]*cacheEntry
	byID    map[frame.MessageID]*cacheEntry
	puts    int // journal appends since last compaction
	deletes int
}

func NewOfflineCache(opts OfflineOptions) (*OfflineCache, error) {
	if opts.PerDestCap <= 0 {
		opts.PerDestCap = DefaultPerDestCap
	}
	if opts.GlobalCap <= 0 {
		opts.GlobalCap = DefaultGlobalCap
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = DefaultRetryBase
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := &OfflineCache{
		opts:   opts,
		clock:  opts.Clock,
		log:    opts.Logger,
		byDest: make(map[identity.NodeID][]*cacheEntry),
		byID:   make(map[frame.MessageID]*cacheEntry),
	}
	if opts.JournalPath != "" {
		if err := c.replay(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *OfflineCache) replay() error {
	deleted := make(map[frame.MessageID]bool)
	var entries []*cacheEntry
	err := store.ScanJSONL(c.opts.JournalPath, func(line []byte) error {
		var rec journalRec
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil // skip corrupt lines
		}
		switch rec.Op {
		case "del":
			raw, err := hex.DecodeString(rec.ID)
			if err == nil && len(raw) == frame.MessageIDSize {
				var id frame.MessageID
				copy(id[:], raw)
				deleted[id] = true
			}
		case "put":
			f, err := frame.Decode(rec.Raw)
			if err != nil {
				return nil
			}
			entries = append(entries, &cacheEntry{
				f:         f,
				storedAt:  time.UnixMilli(rec.StoredAt),
				expiresAt: time.UnixMilli(rec.ExpiresAt),
				attempts:  rec.Attempts,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	now := c.clock.Now()
	for _, e := range entries {
		if deleted[e.f.MessageID] || !now.Before(e.expiresAt) {
			continue
		}
		if _, dup := c.byID[e.f.MessageID]; dup {
			continue
		}
		c.byDest[e.f.Destination] = append(c.byDest[e.f.Destination], e)
		c.byID[e.f.MessageID] = e
	}
	c.log.Info("offline cache replayed",
		zap.Int("pending", len(c.byID)),
		zap.String("journal", c.opts.JournalPath))
	return nil
}

// Enqueue holds f until its destination is reachable. When a cap is hit,
// the lowest-priority cached frame is displaced if f outranks it.
func (c *OfflineCache) Enqueue(f *frame.Frame) error {
	now := c.clock.Now()
	e := &cacheEntry{
		f:         f,
		storedAt:  now,
		expiresAt: now.Add(RetentionFor(f.Priority)),
	}

	c.mu.Lock()
	if _, dup := c.byID[f.MessageID]; dup {
		c.mu.Unlock()
		return nil
	}
	var evicted *cacheEntry
	if len(c.byDest[f.Destination]) >= c.opts.PerDestCap {
		evicted = c.evictWorstLocked(f.Destination, f.Priority)
	} else if len(c.byID) >= c.opts.GlobalCap {
		evicted = c.evictWorstLocked(identity.NodeID{}, f.Priority)
	}
	if (len(c.byDest[f.Destination]) >= c.opts.PerDestCap || len(c.byID) >= c.opts.GlobalCap) && evicted == nil {
		c.mu.Unlock()
		return ErrCacheFull
	}
	c.byDest[f.Destination] = append(c.byDest[f.Destination], e)
	c.byID[f.MessageID] = e
	c.mu.Unlock()

	if evicted != nil {
		c.journal(journalRec{Op: "del", ID: evicted.f.MessageID.Hex()})
	}
	raw, err := frame.Encode(f)
	if err == nil {
		c.journal(journalRec{
			Op:        "put",
			ID:        f.MessageID.Hex(),
			Raw:       raw,
			StoredAt:  e.storedAt.UnixMilli(),
			ExpiresAt: e.expiresAt.UnixMilli(),
		})
	}
	return nil
}

// evictWorstLocked removes the lowest-priority entry (oldest among ties)
// below incoming, scoped to dest when dest is nonzero. Returns nil when no
// entry ranks strictly below incoming.
func (c *OfflineCache) evictWorstLocked(dest identity.NodeID, incoming uint8) *cacheEntry {
	var worst *cacheEntry
	scan := func(entries []*cacheEntry) {
		for _, e := range entries {
			if e.f.Priority >= incoming {
				continue
			}
			if worst == nil ||
				e.f.Priority < worst.f.Priority ||
				(e.f.Priority == worst.f.Priority && e.storedAt.Before(worst.storedAt)) {
				worst = e
			}
		}
	}
	if dest.IsZero() {
		for _, entries := range c.byDest {
			scan(entries)
		}
	} else {
		scan(c.byDest[dest])
	}
	if worst == nil {
		return nil
	}
	c.removeLocked(worst)
	return worst
}

func (c *OfflineCache) removeLocked(e *cacheEntry) {
	delete(c.byID, e.f.MessageID)
	entries := c.byDest[e.f.Destination]
	for i, cand := range entries {
		if cand == e {
			c.byDest[e.f.Destination] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(c.byDest[e.f.Destination]) == 0 {
		delete(c.byDest, e.f.Destination)
	}
}

// RetrieveCached returns up to limit pending frames for dest, oldest first.
// The frames stay cached until MarkDelivered.
func (c *OfflineCache) RetrieveCached(dest identity.NodeID, limit int) []*frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := c.byDest[dest]
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	now := c.clock.Now()
	out := make([]*frame.Frame, 0, limit)
	for _, e := range entries {
		if len(out) == limit {
			break
		}
		if now.Before(e.expiresAt) {
			out = append(out, e.f)
		}
	}
	return out
}

// MarkDelivered removes the given messages and returns how many were
// actually cached.
func (c *OfflineCache) MarkDelivered(ids []frame.MessageID) int {
	c.mu.Lock()
	var removed []*cacheEntry
	for _, id := range ids {
		if e, ok := c.byID[id]; ok {
			c.removeLocked(e)
			removed = append(removed, e)
		}
	}
	c.mu.Unlock()
	for _, e := range removed {
		c.journal(journalRec{Op: "del", ID: e.f.MessageID.Hex()})
	}
	return len(removed)
}

// Destination reports which node a cached message is addressed to. Callers
// validating an ack check the acker against this before removal.
func (c *OfflineCache) Destination(id frame.MessageID) (identity.NodeID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byID[id]; ok {
		return e.f.Destination, true
	}
	return identity.NodeID{}, false
}

// Due returns frames ready for a delivery attempt: not expired, attempts
// remaining, and past the exponential backoff since the last try. Each
// returned frame's attempt counter is advanced.
func (c *OfflineCache) Due() []*frame.Frame {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*frame.Frame
	for _, entries := range c.byDest {
		for _, e := range entries {
			if !now.Before(e.expiresAt) || e.attempts >= c.opts.MaxAttempts {
				continue
			}
			if e.attempts > 0 && now.Before(e.lastAttempt.Add(c.backoff(e.attempts))) {
				continue
			}
			e.attempts++
			e.lastAttempt = now
			out = append(out, e.f)
		}
	}
	return out
}

func (c *OfflineCache) backoff(attempts int) time.Duration {
	d := c.opts.RetryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.opts.RetryMax {
			return c.opts.RetryMax
		}
	}
	return d
}

// ExpireSweep drops entries past retention or out of attempts, returning
// them so the router can emit failure notices.
func (c *OfflineCache) ExpireSweep() []*frame.Frame {
	now := c.clock.Now()
	c.mu.Lock()
	var dead []*cacheEntry
	for _, entries := range c.byDest {
		for _, e := range entries {
			if !now.Before(e.expiresAt) || e.attempts >= c.opts.MaxAttempts {
				dead = append(dead, e)
			}
		}
	}
	for _, e := range dead {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	out := make([]*frame.Frame, 0, len(dead))
	for _, e := range dead {
		c.journal(journalRec{Op: "del", ID: e.f.MessageID.Hex()})
		out = append(out, e.f)
	}
	return out
}

func (c *OfflineCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byID)
}

// Destinations lists node ids with pending traffic.
func (c *OfflineCache) Destinations() []identity.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]identity.NodeID, 0, len(c.byDest))
	for dest := range c.byDest {
		out = append(out, dest)
	}
	return out
}

// Compact rewrites the journal to just the live entries.
func (c *OfflineCache) Compact() error {
	if c.opts.JournalPath == "" {
		return nil
	}
	c.mu.Lock()
	recs := make([]journalRec, 0, len(c.byID))
	for _, e := range c.byID {
		raw, err := frame.Encode(e.f)
		if err != nil {
			continue
		}
		recs = append(recs, journalRec{
			Op:        "put",
			ID:        e.f.MessageID.Hex(),
			Raw:       raw,
			StoredAt:  e.storedAt.UnixMilli(),
			ExpiresAt: e.expiresAt.UnixMilli(),
			Attempts:  e.attempts,
		})
	}
	c.mu.Unlock()

	return store.RewriteJSONL(c.opts.JournalPath, func(enc *json.Encoder) error {
		for _, rec := range recs {
			if err := enc.Encode(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *OfflineCache) journal(rec journalRec) {
	if c.opts.JournalPath == "" {
		return
	}
	if err := store.AppendJSONL(c.opts.JournalPath, rec); err != nil {
		c.log.Warn("offline journal append failed", zap.Error(err))
	}
}
